package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/conclave-chat/conclave/internal/application/config"
	"github.com/conclave-chat/conclave/internal/application/constant"
	"github.com/conclave-chat/conclave/internal/application/metric"
	"github.com/conclave-chat/conclave/internal/domain/events"
)

// Status is the transport connection state surfaced to the session layer.
// StatusReconnecting and StatusDisconnected are distinct so the session
// can decide between re-joining and failing the session.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected-final"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotConnected       = errors.New("transport not connected")
	ErrClosed             = errors.New("transport closed")
)

// Credentials authorize the signaling connection. The token is the JWT
// issued by the REST login endpoint.
type Credentials struct {
	Token string
}

type Handler func(msg events.Message)

type StatusHandler func(status Status)

// Transport is a single logical connection carrying typed meeting events.
type Transport interface {
	Connect(ctx context.Context, creds Credentials) error
	Close() error

	// Send is fire-and-forget; delivery guarantees are whatever the
	// underlying websocket provides.
	Send(eventType string, payload any) error
	// SendTo addresses an event to one participant (peer negotiation relay).
	SendTo(eventType, to string, payload any) error

	// On registers a handler for an event type. Handlers are invoked in
	// subscription order. The returned func unsubscribes.
	On(eventType string, h Handler) func()
	OnStatus(h StatusHandler) func()
}

type subscription struct {
	id int
	h  Handler
}

type statusSubscription struct {
	id int
	h  StatusHandler
}

type wsTransport struct {
	url         string
	dialTimeout time.Duration

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	creds Credentials

	// connMu guards conn for writes and swaps; reads go through the
	// read pump goroutine owning the connection.
	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.RWMutex
	nextSubID  int
	handlers   map[string][]subscription
	statusSubs []statusSubscription

	closed atomic.Bool
	done   chan struct{}
}

func NewTransport(cfg *config.Config) Transport {
	return &wsTransport{
		url:         cfg.SignalingURL,
		dialTimeout: 10 * time.Second,
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.ReconnectMaxAttempts,
		handlers:    make(map[string][]subscription),
		done:        make(chan struct{}),
	}
}

func (t *wsTransport) Connect(ctx context.Context, creds Credentials) error {
	if t.closed.Load() {
		return ErrClosed
	}

	if err := validateToken(creds.Token); err != nil {
		return err
	}

	t.creds = creds

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	t.swapConn(conn)
	t.emitStatus(StatusConnected)
	t.startPumps(conn)

	return nil
}

// validateToken rejects expired or malformed tokens before dialing. The
// signature is the server's to verify; only the claims shape is checked.
func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidCredentials)
	}

	claims := new(jwt.RegisteredClaims)

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("%w: token expired", ErrInvalidCredentials)
	}

	return nil
}

func (t *wsTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: t.dialTimeout}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.creds.Token)

	conn, resp, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrInvalidCredentials, resp.StatusCode)
		}

		return nil, err
	}

	return conn, nil
}

func (t *wsTransport) swapConn(conn *websocket.Conn) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	t.conn = conn
}

func (t *wsTransport) currentConn() *websocket.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	return t.conn
}

func (t *wsTransport) startPumps(conn *websocket.Conn) {
	stop := make(chan struct{})

	go t.pingLoop(conn, stop)

	go func() {
		t.readPump(conn)
		close(stop)

		if t.closed.Load() {
			return
		}

		t.reconnect()
	}()
}

func (t *wsTransport) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !t.closed.Load() {
				slog.Warn("websocket read error", slog.Any(constant.Error, err))
			}

			return
		}

		msg := new(events.Message)

		if err = json.Unmarshal(raw, msg); err != nil {
			slog.Warn("unmarshal signaling message", slog.Any(constant.Error, err))
			continue
		}

		t.dispatch(*msg)
	}
}

func (t *wsTransport) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.connMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.connMu.Unlock()

			if err != nil {
				return
			}
		case <-stop:
			return
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) reconnect() {
	t.emitStatus(StatusReconnecting)

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		delay := t.backoffDelay(attempt)

		select {
		case <-t.done:
			return
		case <-time.After(delay):
		}

		metric.IncrementTransportReconnects()

		ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
		conn, err := t.dial(ctx)
		cancel()

		if err != nil {
			slog.Warn(
				"signaling reconnect failed",
				slog.Int(constant.Attempt, attempt),
				slog.Any(constant.Error, err),
			)

			continue
		}

		t.swapConn(conn)
		t.emitStatus(StatusConnected)
		t.startPumps(conn)

		return
	}

	t.emitStatus(StatusDisconnected)
}

func (t *wsTransport) backoffDelay(attempt int) time.Duration {
	delay := t.baseDelay << (attempt - 1)
	if delay > t.maxDelay || delay <= 0 {
		delay = t.maxDelay
	}

	return delay
}

func (t *wsTransport) Send(eventType string, payload any) error {
	return t.write(events.Message{Type: eventType}, payload)
}

func (t *wsTransport) SendTo(eventType, to string, payload any) error {
	return t.write(events.Message{Type: eventType, To: to}, payload)
}

func (t *wsTransport) write(msg events.Message, payload any) error {
	if t.closed.Load() {
		return ErrClosed
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", msg.Type, err)
		}

		msg.Data = data
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	if err := t.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}

	return nil
}

func (t *wsTransport) On(eventType string, h Handler) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.nextSubID++
	id := t.nextSubID
	t.handlers[eventType] = append(t.handlers[eventType], subscription{id: id, h: h})

	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()

		subs := t.handlers[eventType]
		for i, s := range subs {
			if s.id == id {
				t.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (t *wsTransport) OnStatus(h StatusHandler) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.nextSubID++
	id := t.nextSubID
	t.statusSubs = append(t.statusSubs, statusSubscription{id: id, h: h})

	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()

		for i, s := range t.statusSubs {
			if s.id == id {
				t.statusSubs = append(t.statusSubs[:i:i], t.statusSubs[i+1:]...)
				return
			}
		}
	}
}

func (t *wsTransport) dispatch(msg events.Message) {
	t.subMu.RLock()
	subs := make([]subscription, len(t.handlers[msg.Type]))
	copy(subs, t.handlers[msg.Type])
	t.subMu.RUnlock()

	for _, s := range subs {
		s.h(msg)
	}
}

func (t *wsTransport) emitStatus(status Status) {
	t.subMu.RLock()
	subs := make([]statusSubscription, len(t.statusSubs))
	copy(subs, t.statusSubs)
	t.subMu.RUnlock()

	slog.Info("signaling transport status", slog.String(constant.Status, string(status)))

	for _, s := range subs {
		s.h(status)
	}
}

func (t *wsTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(t.done)

	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil {
		_ = t.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)

		return t.conn.Close()
	}

	return nil
}
