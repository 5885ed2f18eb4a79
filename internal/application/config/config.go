package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	// ServerURL is the REST meeting API base URL.
	ServerURL string `env:"CONCLAVE_SERVER_URL" envDefault:"http://localhost:3000"`
	// SignalingURL is the websocket endpoint carrying live meeting events.
	SignalingURL string `env:"CONCLAVE_SIGNALING_URL" envDefault:"ws://localhost:3000/api/v1/ws"`

	DisplayName string `env:"CONCLAVE_DISPLAY_NAME" envDefault:"guest"`
	HistoryPath string `env:"CONCLAVE_HISTORY_PATH" envDefault:"conclave.db"`
	MetricsPort string `env:"CONCLAVE_METRICS_PORT" envDefault:"9091"`

	// JoinRetryBudget is the number of automatic-surface retries allowed
	// after the initial join attempt. Exceeding it is terminal.
	JoinRetryBudget    int           `env:"JOIN_RETRY_BUDGET" envDefault:"1"`
	JoinTimeout        time.Duration `env:"JOIN_TIMEOUT" envDefault:"15s"`
	LeaveTimeout       time.Duration `env:"LEAVE_TIMEOUT" envDefault:"3s"`
	PeerConnectTimeout time.Duration `env:"PEER_CONNECT_TIMEOUT" envDefault:"20s"`

	// AutoRejoin controls whether a transport reconnect triggers a fresh
	// join-meeting for the room we were in, instead of failing the session.
	AutoRejoin bool `env:"AUTO_REJOIN" envDefault:"true"`

	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"500ms"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"10s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`

	StunURL string `env:"STUN_URL" envDefault:"stun:stun.l.google.com:19302"`

	Coturn CoturnConfig

	TurnUDPServer webrtc.ICEServer
	TurnTCPServer webrtc.ICEServer
}

type CoturnConfig struct {
	Host     string `env:"COTURN_HOST"`
	Username string `env:"COTURN_USERNAME"`
	Password string `env:"COTURN_PASSWORD"`
}

func New() (*Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if c.Coturn.Host != "" {
		c.TurnUDPServer = webrtc.ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s?transport=udp", c.Coturn.Host)},
			Username:   c.Coturn.Username,
			Credential: c.Coturn.Password,
		}

		c.TurnTCPServer = webrtc.ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s?transport=tcp", c.Coturn.Host)},
			Username:   c.Coturn.Username,
			Credential: c.Coturn.Password,
		}
	}

	return &c, nil
}

// ICEServers returns the STUN server plus TURN servers when configured.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer

	if c.StunURL != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{c.StunURL}})
	}

	if c.Coturn.Host != "" {
		servers = append(servers, c.TurnUDPServer, c.TurnTCPServer)
	}

	return servers
}
