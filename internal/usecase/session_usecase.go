package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/conclave-chat/conclave/internal/application/config"
	"github.com/conclave-chat/conclave/internal/application/constant"
	"github.com/conclave-chat/conclave/internal/application/metric"
	"github.com/conclave-chat/conclave/internal/domain"
	"github.com/conclave-chat/conclave/internal/domain/events"
	"github.com/conclave-chat/conclave/internal/infra/adapters/media"
	"github.com/conclave-chat/conclave/internal/infra/adapters/rest"
	"github.com/conclave-chat/conclave/internal/infra/adapters/signaling"
)

var (
	ErrJoinInProgress = errors.New("join already in progress")
	ErrAlreadyJoined  = errors.New("already joined another room")
	ErrNotJoined      = errors.New("not joined to a meeting")
	ErrSessionClosed  = errors.New("session controller stopped")
)

// MeetingAPI is the REST surface consulted around the live signaling
// connection.
type MeetingAPI interface {
	JoinMeeting(ctx context.Context, roomID string) (*rest.JoinGrant, error)
	LeaveMeeting(ctx context.Context, meetingID string) error
}

// MediaController is the shared local camera/microphone resource.
type MediaController interface {
	Acquire(ctx context.Context, c media.Constraints) error
	Release()
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	State() (audioEnabled, videoEnabled bool)
	Tracks() []webrtc.TrackLocal
}

// HistoryStore persists meetings and chat for later inspection. Optional.
type HistoryStore interface {
	RecordMeeting(ctx context.Context, roomID, meetingID string, joinedAt time.Time) (int64, error)
	CloseMeeting(ctx context.Context, id int64, leftAt time.Time) error
	AppendChat(ctx context.Context, meetingRow int64, msg domain.ChatMessage) error
}

// SessionUsecase owns the join/leave state machine and reconciles the
// participant roster from signaling events into a consistent snapshot.
type SessionUsecase interface {
	// Run drives the event loop. All state transitions are serialized
	// through it; it returns when ctx is cancelled.
	Run(ctx context.Context)

	Join(ctx context.Context, roomID string) error
	Leave(ctx context.Context) error
	ToggleAudio(ctx context.Context) error
	ToggleVideo(ctx context.Context) error
	SendChat(ctx context.Context, content string) error

	// ParticipantDegraded marks a participant's media unavailable after
	// its peer link failed terminally. Wired as the peer manager's
	// degradation hook.
	ParticipantDegraded(participantID string)

	Snapshot() domain.Snapshot
	// OnUpdate registers a callback fired after every published snapshot.
	OnUpdate(fn func(domain.Snapshot)) func()
}

type sessionUsecase struct {
	cfg *config.Config

	transport  signaling.Transport
	meetingAPI MeetingAPI
	media      MediaController
	peers      PeerUsecase
	history    HistoryStore

	cmds chan func()
	done chan struct{}

	// Everything below is owned by the event loop goroutine.
	sess           domain.Session
	roster         map[string]domain.Participant
	chat           []domain.ChatMessage
	epoch          int
	leaveRequested bool
	rejoining      bool
	historyRow     int64
	joinTimer      *time.Timer
	leaveTimer     *time.Timer

	snap atomic.Pointer[domain.Snapshot]

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]func(domain.Snapshot)
}

func NewSessionUsecase(
	cfg *config.Config,
	transport signaling.Transport,
	meetingAPI MeetingAPI,
	mediaCtl MediaController,
	peers PeerUsecase,
	history HistoryStore,
) SessionUsecase {
	s := &sessionUsecase{
		cfg:        cfg,
		transport:  transport,
		meetingAPI: meetingAPI,
		media:      mediaCtl,
		peers:      peers,
		history:    history,
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		roster:     make(map[string]domain.Participant),
		subs:       make(map[int]func(domain.Snapshot)),
	}

	s.sess.State = domain.StateIdle
	s.subscribe()

	return s
}

// subscribe wires the signaling event stream into the event loop.
func (s *sessionUsecase) subscribe() {
	on := func(eventType string, handle func(msg events.Message)) {
		s.transport.On(eventType, func(msg events.Message) {
			s.post(func() { handle(msg) })
		})
	}

	on(events.TypeJoinMeetingSuccess, s.onJoinSuccess)
	on(events.TypeJoinMeetingError, s.onJoinError)
	on(events.TypeLeaveSuccess, func(events.Message) { s.finishLeave() })
	on(events.TypeParticipantJoined, s.onParticipantJoined)
	on(events.TypeParticipantLeft, s.onParticipantLeft)
	on(events.TypeMediaStateChange, s.onMediaStateChange)
	on(events.TypeConnectionQuality, s.onConnectionQuality)
	on(events.TypeChatMessage, s.onChatMessage)
	on(events.TypeMeetingEnded, s.onMeetingEnded)
	on(events.TypeServerShutdown, s.onMeetingEnded)

	// Peer negotiation does not touch session state; route it straight to
	// the peer manager, which serializes internally.
	s.transport.On(events.TypeOffer, func(msg events.Message) {
		var ev events.SdpEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("unmarshal offer", slog.Any(constant.Error, err))
			return
		}

		if err := s.peers.HandleOffer(context.Background(), msg.From, ev.SDP); err != nil {
			slog.Error("handle offer", slog.Any(constant.Error, err))
		}
	})

	s.transport.On(events.TypeAnswer, func(msg events.Message) {
		var ev events.SdpEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("unmarshal answer", slog.Any(constant.Error, err))
			return
		}

		if err := s.peers.HandleAnswer(context.Background(), msg.From, ev.SDP); err != nil {
			slog.Error("handle answer", slog.Any(constant.Error, err))
		}
	})

	s.transport.On(events.TypeCandidate, func(msg events.Message) {
		var ev events.CandidateEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("unmarshal candidate", slog.Any(constant.Error, err))
			return
		}

		if err := s.peers.HandleCandidate(context.Background(), msg.From, ev.Candidate); err != nil {
			slog.Error("handle candidate", slog.Any(constant.Error, err))
		}
	})

	s.transport.OnStatus(func(status signaling.Status) {
		s.post(func() { s.onTransportStatus(status) })
	})
}

func (s *sessionUsecase) Run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.cmds:
			fn()
		}
	}
}

// post schedules fn on the event loop.
func (s *sessionUsecase) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// do runs fn on the event loop and waits for its result.
func (s *sessionUsecase) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)

	select {
	case s.cmds <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sessionUsecase) Join(ctx context.Context, roomID string) error {
	return s.do(ctx, func() error { return s.join(roomID) })
}

func (s *sessionUsecase) join(roomID string) error {
	switch s.sess.State {
	case domain.StateJoining:
		if s.sess.RoomID == roomID {
			// Join already in flight for this room; re-triggering would
			// issue a duplicate join request.
			return ErrJoinInProgress
		}

		// Navigating to a different room cancels the stale join: bumping
		// the epoch discards its completions.
	case domain.StateJoined:
		if s.sess.RoomID == roomID {
			return nil
		}

		return ErrAlreadyJoined
	case domain.StateLeaving:
		return ErrJoinInProgress
	}

	if roomID != s.sess.RoomID {
		// Attempt count is scoped to one room; reset on room change only.
		s.sess.AttemptCount = 0
	}

	s.epoch++
	s.leaveRequested = false
	s.rejoining = false
	s.sess.RoomID = roomID
	s.sess.MeetingID = ""
	s.sess.State = domain.StateJoining
	s.sess.AttemptCount++
	s.sess.LastError = nil

	metric.IncrementJoinAttempts()
	s.publish()

	go s.startJoin(s.epoch, roomID)

	return nil
}

// startJoin runs the blocking half of a join attempt off the loop:
// REST authorization, local media acquisition, then the signaling join.
// Completions are matched against the captured epoch so a cancelled or
// re-targeted join is discarded.
func (s *sessionUsecase) startJoin(epoch int, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JoinTimeout)
	defer cancel()

	grant, err := s.meetingAPI.JoinMeeting(ctx, roomID)
	if err != nil {
		s.post(func() { s.joinRequestFailed(epoch, err) })
		return
	}

	if err := s.media.Acquire(ctx, media.Constraints{Audio: true, Video: true}); err != nil {
		// The session continues receive-only; device errors are never
		// silently retried.
		slog.Warn("acquire local media", slog.Any(constant.Error, err))
	}

	s.post(func() { s.sendJoinSignal(epoch, roomID, grant) })
}

func (s *sessionUsecase) staleJoin(epoch int) bool {
	return epoch != s.epoch || s.sess.State != domain.StateJoining
}

func (s *sessionUsecase) sendJoinSignal(epoch int, roomID string, grant *rest.JoinGrant) {
	if s.staleJoin(epoch) {
		// A discarded completion must not keep the devices it acquired.
		// While another attempt is joining, or a session is live, the
		// shared acquisition belongs to it; in every other state the
		// user is gone and the stream goes down with the attempt.
		switch s.sess.State {
		case domain.StateJoining, domain.StateJoined:
		default:
			s.media.Release()
		}

		return
	}

	s.sess.MeetingID = grant.MeetingID

	err := s.transport.Send(events.TypeJoinMeeting, events.JoinMeetingEvent{
		RoomID: roomID,
		Name:   s.cfg.DisplayName,
	})
	if err != nil {
		s.joinRequestFailed(epoch, err)
		return
	}

	s.joinTimer = time.AfterFunc(s.cfg.JoinTimeout, func() {
		s.post(func() {
			if s.staleJoin(epoch) {
				return
			}

			s.handleJoinFailure(domain.NewSessionError(domain.ErrKindJoinTimeout, true, nil))
		})
	})
}

// joinRequestFailed translates a REST or transport failure during join.
func (s *sessionUsecase) joinRequestFailed(epoch int, err error) {
	if s.staleJoin(epoch) {
		return
	}

	var apiErr *rest.APIError
	if errors.As(err, &apiErr) && apiErr.Terminal() {
		s.failNow(domain.NewSessionError(terminalKind(apiErr.Status), false, err))
		return
	}

	s.handleJoinFailure(domain.NewSessionError(domain.ErrKindTransport, true, err))
}

func terminalKind(status int) domain.ErrorKind {
	switch status {
	case http.StatusUnauthorized:
		return domain.ErrKindInvalidCredentials
	case http.StatusForbidden:
		return domain.ErrKindRoomFull
	case http.StatusNotFound:
		return domain.ErrKindRoomNotFound
	default:
		return domain.ErrKindInternal
	}
}

// handleJoinFailure applies the bounded retry budget: within budget the
// session returns to Idle with a retryable error for the caller to act
// on; beyond it the failure is terminal.
func (s *sessionUsecase) handleJoinFailure(serr *domain.SessionError) {
	s.stopJoinTimer()

	if s.sess.AttemptCount > s.cfg.JoinRetryBudget {
		s.failNow(domain.NewSessionError(domain.ErrKindRetryExhausted, false, serr))
		return
	}

	s.sess.State = domain.StateIdle
	s.sess.LastError = serr
	s.publish()
}

func (s *sessionUsecase) failNow(serr *domain.SessionError) {
	s.stopJoinTimer()
	s.teardown()

	s.sess.State = domain.StateFailed
	s.sess.LastError = serr
	s.publish()
}

func (s *sessionUsecase) onJoinSuccess(msg events.Message) {
	var ev events.JoinSuccessEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("unmarshal join success", slog.Any(constant.Error, err))
		return
	}

	if s.leaveRequested && ev.RoomID == s.sess.RoomID {
		// Leave won the race: the join completed server-side after the
		// user left, so it must not surface. Release the server-side
		// membership and whatever local media the attempt still holds.
		s.leaveRequested = false
		s.media.Release()

		_ = s.transport.Send(events.TypeLeaveMeeting, events.LeaveMeetingEvent{MeetingID: ev.MeetingID})
		go s.leaveRemote(ev.MeetingID)

		return
	}

	if s.sess.State == domain.StateJoined && ev.RoomID == s.sess.RoomID {
		// Duplicate join-success: absorbed, never crashes the session.
		s.anomaly("duplicate-join-success", ev.RoomID)
		return
	}

	if s.sess.State != domain.StateJoining || ev.RoomID != s.sess.RoomID {
		slog.Info("discarding stale join success", slog.String(constant.RoomID, ev.RoomID))
		return
	}

	s.stopJoinTimer()

	s.sess.State = domain.StateJoined
	s.sess.MeetingID = ev.MeetingID
	s.sess.LocalID = ev.SelfID
	s.sess.LastError = nil
	s.rejoining = false

	s.peers.Bind(ev.SelfID, s.media.Tracks())

	audioOn, videoOn := s.media.State()

	roster := make(map[string]domain.Participant, len(ev.Participants)+1)
	roster[ev.SelfID] = domain.Participant{
		ID:      ev.SelfID,
		Name:    s.cfg.DisplayName,
		Role:    participantRole(ev.Role),
		IsLocal: true,
		Media: domain.MediaState{
			AudioEnabled: audioOn,
			VideoEnabled: videoOn,
		},
		Quality:  domain.QualityUnknown,
		JoinedAt: time.Now(),
		Active:   true,
	}

	for _, info := range ev.Participants {
		if info.ID == ev.SelfID {
			continue
		}

		roster[info.ID] = participantFromInfo(info)

		// We are the later joiner for every existing participant, so we
		// initiate the offer.
		if _, err := s.peers.CreateLink(context.Background(), info.ID, true); err != nil {
			slog.Error(
				"create peer link",
				slog.String(constant.ParticipantID, info.ID),
				slog.Any(constant.Error, err),
			)
		}
	}

	s.roster = roster

	if s.history != nil {
		go s.recordMeeting(ev.RoomID, ev.MeetingID)
	}

	slog.Info(
		"joined meeting",
		slog.String(constant.RoomID, ev.RoomID),
		slog.String(constant.MeetingID, ev.MeetingID),
		slog.Int("participants", len(roster)),
	)

	s.publish()
}

func (s *sessionUsecase) onJoinError(msg events.Message) {
	var ev events.JoinErrorEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("unmarshal join error", slog.Any(constant.Error, err))
		return
	}

	if s.sess.State != domain.StateJoining {
		s.anomaly("stray-join-error", ev.RoomID)
		return
	}

	if ev.RoomID != "" && ev.RoomID != s.sess.RoomID {
		return
	}

	switch ev.Code {
	case "room-full":
		s.failNow(domain.NewSessionError(domain.ErrKindRoomFull, false, errors.New(ev.Message)))
	case "room-not-found":
		s.failNow(domain.NewSessionError(domain.ErrKindRoomNotFound, false, errors.New(ev.Message)))
	case "unauthorized":
		s.failNow(domain.NewSessionError(domain.ErrKindInvalidCredentials, false, errors.New(ev.Message)))
	default:
		s.handleJoinFailure(domain.NewSessionError(domain.ErrKindTransport, true, errors.New(ev.Message)))
	}
}

func (s *sessionUsecase) recordMeeting(roomID, meetingID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row, err := s.history.RecordMeeting(ctx, roomID, meetingID, time.Now())
	if err != nil {
		slog.Warn("record meeting history", slog.Any(constant.Error, err))
		return
	}

	s.post(func() { s.historyRow = row })
}

func (s *sessionUsecase) Leave(ctx context.Context) error {
	return s.do(ctx, func() error { return s.leave() })
}

func (s *sessionUsecase) leave() error {
	switch s.sess.State {
	case domain.StateJoining:
		// Join still in flight: leave wins. The pending completion is
		// handled in onJoinSuccess via leaveRequested.
		s.leaveRequested = true
		s.stopJoinTimer()
		s.teardown()
		s.sess.State = domain.StateLeft
		s.publish()

		return nil

	case domain.StateJoined:
		s.sess.State = domain.StateLeaving

		err := s.transport.Send(events.TypeLeaveMeeting, events.LeaveMeetingEvent{MeetingID: s.sess.MeetingID})
		if err != nil {
			slog.Warn("send leave", slog.Any(constant.Error, err))
		}

		go s.leaveRemote(s.sess.MeetingID)

		// Resources go down immediately, server acknowledgment or not.
		s.teardown()

		s.leaveTimer = time.AfterFunc(s.cfg.LeaveTimeout, func() {
			s.post(s.finishLeave)
		})

		s.publish()

		return nil

	case domain.StateLeaving, domain.StateLeft:
		return nil

	default:
		return ErrNotJoined
	}
}

func (s *sessionUsecase) leaveRemote(meetingID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaveTimeout)
	defer cancel()

	if err := s.meetingAPI.LeaveMeeting(ctx, meetingID); err != nil {
		slog.Warn("leave meeting api", slog.Any(constant.Error, err))
	}
}

func (s *sessionUsecase) finishLeave() {
	if s.sess.State != domain.StateLeaving {
		return
	}

	if s.leaveTimer != nil {
		s.leaveTimer.Stop()
		s.leaveTimer = nil
	}

	s.sess.State = domain.StateLeft

	if s.history != nil && s.historyRow != 0 {
		row := s.historyRow

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := s.history.CloseMeeting(ctx, row, time.Now()); err != nil {
				slog.Warn("close meeting history", slog.Any(constant.Error, err))
			}
		}()
	}

	s.publish()
}

func (s *sessionUsecase) onMeetingEnded(msg events.Message) {
	if s.sess.State != domain.StateJoined && s.sess.State != domain.StateLeaving {
		return
	}

	var ev events.MeetingEndedEvent
	_ = json.Unmarshal(msg.Data, &ev)

	s.teardown()
	s.sess.State = domain.StateLeft

	s.chat = append(s.chat, domain.ChatMessage{
		ID:      uuid.NewString(),
		Content: "meeting ended",
		Type:    domain.ChatSystem,
		SentAt:  time.Now(),
	})

	slog.Info("meeting ended by server", slog.String("reason", ev.Reason))
	s.publish()
}

// teardown releases peer links and local media. Roster entries are kept
// (marked inactive) so the final snapshot still shows who was present.
func (s *sessionUsecase) teardown() {
	s.peers.CloseAll()
	s.media.Release()

	now := time.Now()

	for id, p := range s.roster {
		if p.Active {
			p.Active = false
			p.LeftAt = &now
			s.roster[id] = p
		}
	}
}

func (s *sessionUsecase) onTransportStatus(status signaling.Status) {
	switch status {
	case signaling.StatusReconnecting:
		if s.sess.State != domain.StateJoined && s.sess.State != domain.StateJoining {
			return
		}

		if !s.cfg.AutoRejoin {
			s.failNow(domain.NewSessionError(domain.ErrKindTransport, false, errors.New("transport disconnected")))
			return
		}

		// Links rode on the old connection; they come back with the rejoin.
		// Bumping the epoch discards any join still in flight from before
		// the disconnect, so it cannot race the rejoin attempt or charge
		// the retry budget.
		s.peers.CloseAll()
		s.epoch++
		s.rejoining = true
		s.sess.State = domain.StateJoining
		s.publish()

	case signaling.StatusConnected:
		if !s.rejoining || s.sess.State != domain.StateJoining {
			return
		}

		s.epoch++
		s.sess.AttemptCount++
		metric.IncrementJoinAttempts()

		go s.startJoin(s.epoch, s.sess.RoomID)

	case signaling.StatusDisconnected:
		switch s.sess.State {
		case domain.StateLeaving:
			s.finishLeave()
		case domain.StateIdle, domain.StateLeft, domain.StateFailed:
		default:
			s.failNow(domain.NewSessionError(domain.ErrKindTransport, false, errors.New("transport disconnected")))
		}
	}
}

func (s *sessionUsecase) onParticipantJoined(msg events.Message) {
	if s.sess.State != domain.StateJoined {
		return
	}

	var info events.ParticipantInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		slog.Warn("unmarshal participant joined", slog.Any(constant.Error, err))
		return
	}

	if existing, ok := s.roster[info.ID]; ok {
		// Duplicate event: update fields idempotently, never insert twice.
		s.anomaly("duplicate-participant-joined", info.ID)

		existing.Name = info.Name
		existing.Role = participantRole(info.Role)
		s.roster[info.ID] = existing
		s.publish()

		return
	}

	s.roster[info.ID] = participantFromInfo(info)

	// The newcomer joined later and therefore initiates; we wait for
	// their offer.
	if _, err := s.peers.CreateLink(context.Background(), info.ID, false); err != nil {
		slog.Error(
			"create peer link",
			slog.String(constant.ParticipantID, info.ID),
			slog.Any(constant.Error, err),
		)
	}

	s.publish()
}

func (s *sessionUsecase) onParticipantLeft(msg events.Message) {
	if s.sess.State != domain.StateJoined {
		return
	}

	var ev events.ParticipantLeftEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("unmarshal participant left", slog.Any(constant.Error, err))
		return
	}

	p, ok := s.roster[ev.ID]
	if !ok {
		s.anomaly("unknown-participant-left", ev.ID)
		return
	}

	now := time.Now()
	p.Active = false
	p.LeftAt = &now
	s.roster[ev.ID] = p

	s.peers.CloseLink(ev.ID)
	s.publish()
}

func (s *sessionUsecase) onMediaStateChange(msg events.Message) {
	if s.sess.State != domain.StateJoined {
		return
	}

	var ev events.MediaStateEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("unmarshal media state change", slog.Any(constant.Error, err))
		return
	}

	p, ok := s.roster[ev.ID]
	if !ok {
		// Never creates a phantom participant.
		s.anomaly("unknown-media-state", ev.ID)
		return
	}

	p.Media = p.Media.Merge(domain.MediaStateUpdate{
		AudioEnabled:  ev.AudioEnabled,
		VideoEnabled:  ev.VideoEnabled,
		ScreenSharing: ev.ScreenSharing,
	})
	s.roster[ev.ID] = p

	s.publish()
}

func (s *sessionUsecase) onConnectionQuality(msg events.Message) {
	if s.sess.State != domain.StateJoined {
		return
	}

	var ev events.ConnectionQualityEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("unmarshal connection quality", slog.Any(constant.Error, err))
		return
	}

	p, ok := s.roster[ev.ID]
	if !ok {
		s.anomaly("unknown-connection-quality", ev.ID)
		return
	}

	p.Metrics = domain.QualityMetrics{
		LatencyMs:  ev.LatencyMs,
		JitterMs:   ev.JitterMs,
		PacketLoss: ev.PacketLoss,
	}
	p.Quality = domain.ClassifyQuality(ev.LatencyMs)
	s.roster[ev.ID] = p

	s.publish()
}

// participantDegraded marks a participant's media unavailable after its
// peer link failed. The participant stays in the roster.
func (s *sessionUsecase) participantDegraded(participantID string) {
	p, ok := s.roster[participantID]
	if !ok || !p.Active {
		return
	}

	p.Media = domain.MediaState{}
	p.Quality = domain.QualityPoor
	s.roster[participantID] = p

	slog.Warn("participant media degraded", slog.String(constant.ParticipantID, participantID))
	s.publish()
}

// ParticipantDegraded is the hook handed to the peer manager.
func (s *sessionUsecase) ParticipantDegraded(participantID string) {
	s.post(func() { s.participantDegraded(participantID) })
}

func (s *sessionUsecase) onChatMessage(msg events.Message) {
	if s.sess.State != domain.StateJoined {
		return
	}

	var ev events.ChatMessageEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("unmarshal chat message", slog.Any(constant.Error, err))
		return
	}

	// Our own messages echo back from the server; the local append
	// already holds them.
	for _, existing := range s.chat {
		if existing.ID == ev.ID {
			return
		}
	}

	s.appendChat(domain.ChatMessage{
		ID:         ev.ID,
		SenderID:   ev.SenderID,
		SenderName: ev.SenderName,
		Content:    ev.Content,
		Type:       chatType(ev.Kind),
		SentAt:     ev.SentAt,
	})

	s.publish()
}

func (s *sessionUsecase) SendChat(ctx context.Context, content string) error {
	return s.do(ctx, func() error {
		if s.sess.State != domain.StateJoined {
			return ErrNotJoined
		}

		local := s.roster[s.sess.LocalID]

		msg := domain.ChatMessage{
			ID:         uuid.NewString(),
			SenderID:   s.sess.LocalID,
			SenderName: local.Name,
			Content:    content,
			Type:       domain.ChatText,
			SentAt:     time.Now(),
		}

		err := s.transport.Send(events.TypeChatMessage, events.ChatMessageEvent{
			ID:         msg.ID,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			Content:    msg.Content,
			Kind:       string(msg.Type),
			SentAt:     msg.SentAt,
		})
		if err != nil {
			return fmt.Errorf("send chat: %w", err)
		}

		s.appendChat(msg)
		s.publish()

		return nil
	})
}

func (s *sessionUsecase) appendChat(msg domain.ChatMessage) {
	s.chat = append(s.chat, msg)
	metric.IncrementChatMessages()

	if s.history != nil && s.historyRow != 0 {
		row := s.historyRow

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := s.history.AppendChat(ctx, row, msg); err != nil {
				slog.Warn("append chat history", slog.Any(constant.Error, err))
			}
		}()
	}
}

func (s *sessionUsecase) ToggleAudio(ctx context.Context) error {
	return s.do(ctx, func() error { return s.toggleMedia(true) })
}

func (s *sessionUsecase) ToggleVideo(ctx context.Context) error {
	return s.do(ctx, func() error { return s.toggleMedia(false) })
}

func (s *sessionUsecase) toggleMedia(audio bool) error {
	if s.sess.State != domain.StateJoined {
		return ErrNotJoined
	}

	p := s.roster[s.sess.LocalID]

	var update events.MediaStateEvent

	if audio {
		next := !p.Media.AudioEnabled

		if err := s.media.SetAudioEnabled(next); err != nil {
			// Device failure: the flag keeps its prior value.
			return translateMediaError(err)
		}

		p.Media.AudioEnabled = next
		update = events.MediaStateEvent{ID: p.ID, AudioEnabled: &next}
	} else {
		next := !p.Media.VideoEnabled

		if err := s.media.SetVideoEnabled(next); err != nil {
			return translateMediaError(err)
		}

		p.Media.VideoEnabled = next
		update = events.MediaStateEvent{ID: p.ID, VideoEnabled: &next}
	}

	s.roster[p.ID] = p

	if err := s.transport.Send(events.TypeMediaStateChange, update); err != nil {
		slog.Warn("send media state change", slog.Any(constant.Error, err))
	}

	s.publish()

	return nil
}

func translateMediaError(err error) error {
	var devErr *media.DeviceError
	if !errors.As(err, &devErr) {
		return domain.NewSessionError(domain.ErrKindMediaHardware, false, err)
	}

	switch devErr.Kind {
	case media.PermissionDenied:
		return domain.NewSessionError(domain.ErrKindMediaPermission, false, err)
	case media.DeviceNotFound:
		return domain.NewSessionError(domain.ErrKindMediaNotFound, false, err)
	default:
		return domain.NewSessionError(domain.ErrKindMediaHardware, false, err)
	}
}

func (s *sessionUsecase) Snapshot() domain.Snapshot {
	if snap := s.snap.Load(); snap != nil {
		return *snap
	}

	return domain.Snapshot{State: domain.StateIdle}
}

func (s *sessionUsecase) OnUpdate(fn func(domain.Snapshot)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		delete(s.subs, id)
	}
}

// publish replaces the exposed snapshot atomically. Readers only ever see
// a fully-built roster, never one mid-mutation.
func (s *sessionUsecase) publish() {
	snapshot := domain.Snapshot{
		RoomID:       s.sess.RoomID,
		MeetingID:    s.sess.MeetingID,
		State:        s.sess.State,
		LocalID:      s.sess.LocalID,
		AttemptCount: s.sess.AttemptCount,
		Participants: make([]domain.Participant, 0, len(s.roster)),
		Chat:         append([]domain.ChatMessage(nil), s.chat...),
	}

	if s.sess.LastError != nil {
		snapshot.ErrorKind = string(s.sess.LastError.Kind)
		snapshot.Retryable = s.sess.LastError.Retryable
	}

	active := 0

	for _, p := range s.roster {
		snapshot.Participants = append(snapshot.Participants, p)

		if p.Active {
			active++
		}
	}

	sort.Slice(snapshot.Participants, func(i, j int) bool {
		a, b := snapshot.Participants[i], snapshot.Participants[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}

		return a.ID < b.ID
	})

	s.snap.Store(&snapshot)

	metric.SetSessionState(string(s.sess.State))
	metric.SetActiveParticipants(active)

	s.subMu.Lock()
	subs := make([]func(domain.Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (s *sessionUsecase) stopJoinTimer() {
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
}

func (s *sessionUsecase) anomaly(kind, id string) {
	metric.IncrementProtocolAnomalies(kind)
	slog.Warn(
		"protocol anomaly absorbed",
		slog.String(constant.EventType, kind),
		slog.String(constant.ParticipantID, id),
	)
}

func participantFromInfo(info events.ParticipantInfo) domain.Participant {
	joinedAt := info.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}

	return domain.Participant{
		ID:   info.ID,
		Name: info.Name,
		Role: participantRole(info.Role),
		Media: domain.MediaState{
			AudioEnabled:  info.AudioEnabled,
			VideoEnabled:  info.VideoEnabled,
			ScreenSharing: info.ScreenSharing,
		},
		Quality:  domain.QualityUnknown,
		JoinedAt: joinedAt,
		Active:   true,
	}
}

func participantRole(role string) domain.Role {
	switch domain.Role(role) {
	case domain.RoleHost, domain.RoleModerator, domain.RoleGuest:
		return domain.Role(role)
	default:
		return domain.RoleParticipant
	}
}

func chatType(kind string) domain.ChatMessageType {
	if kind == string(domain.ChatSystem) {
		return domain.ChatSystem
	}

	return domain.ChatText
}
