package domain

import "time"

type Role string

const (
	RoleHost        Role = "host"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleGuest       Role = "guest"
)

// MediaState holds the current media flags of a participant. It represents
// state, not deltas: merging a partial update is last-write-wins per flag.
type MediaState struct {
	AudioEnabled  bool `json:"audio_enabled"`
	VideoEnabled  bool `json:"video_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
}

// MediaStateUpdate is a partial media-state change. Nil fields are left
// untouched on merge.
type MediaStateUpdate struct {
	AudioEnabled  *bool `json:"audio_enabled,omitempty"`
	VideoEnabled  *bool `json:"video_enabled,omitempty"`
	ScreenSharing *bool `json:"screen_sharing,omitempty"`
}

// Merge applies the update onto s and returns the result.
func (s MediaState) Merge(u MediaStateUpdate) MediaState {
	if u.AudioEnabled != nil {
		s.AudioEnabled = *u.AudioEnabled
	}
	if u.VideoEnabled != nil {
		s.VideoEnabled = *u.VideoEnabled
	}
	if u.ScreenSharing != nil {
		s.ScreenSharing = *u.ScreenSharing
	}

	return s
}

type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualityMetrics is the latest raw measurement reported for a participant.
type QualityMetrics struct {
	LatencyMs  float64 `json:"latency_ms"`
	JitterMs   float64 `json:"jitter_ms"`
	PacketLoss float64 `json:"packet_loss_percent"`
}

// ClassifyQuality maps a latency measurement onto a quality bucket.
// Pure function of the latest metrics; no smoothing.
func ClassifyQuality(latencyMs float64) Quality {
	switch {
	case latencyMs < 50:
		return QualityExcellent
	case latencyMs < 150:
		return QualityGood
	case latencyMs < 300:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Participant is one party in a session, local or remote.
type Participant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Role    Role   `json:"role"`
	IsLocal bool   `json:"is_local"`

	Media   MediaState     `json:"media"`
	Quality Quality        `json:"quality"`
	Metrics QualityMetrics `json:"metrics"`

	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
	Active   bool       `json:"active"`
}
