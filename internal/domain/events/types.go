package events

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Wire event types exchanged with the signaling server.
const (
	TypeJoinMeeting        = "join-meeting"
	TypeJoinMeetingSuccess = "join-meeting-success"
	TypeJoinMeetingError   = "join-meeting-error"
	TypeLeaveMeeting       = "leave-meeting"
	TypeLeaveSuccess       = "leave-meeting-success"
	TypeLeaveError         = "leave-meeting-error"
	TypeParticipantJoined  = "participant-joined"
	TypeParticipantLeft    = "participant-left"
	TypeMediaStateChange   = "media-state-change"
	TypeConnectionQuality  = "connection-quality"
	TypeMeetingEnded       = "meeting-ended"
	TypeServerShutdown     = "server-shutdown"
	TypeChatMessage        = "chat-message"

	// Directed peer negotiation relayed through the server.
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Message is the envelope for every signaling event. From and To carry
// participant ids for directed peer negotiation; roster events leave them
// empty.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
}

// JoinMeetingEvent is sent to request entry into a room.
type JoinMeetingEvent struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

// ParticipantInfo describes one roster entry in server events.
type ParticipantInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	AudioEnabled  bool      `json:"audio_enabled"`
	VideoEnabled  bool      `json:"video_enabled"`
	ScreenSharing bool      `json:"screen_sharing"`
	JoinedAt      time.Time `json:"joined_at"`
}

// JoinSuccessEvent carries the server-assigned ids and the room's current
// participant list.
type JoinSuccessEvent struct {
	RoomID       string            `json:"room_id"`
	MeetingID    string            `json:"meeting_id"`
	SelfID       string            `json:"self_id"`
	Role         string            `json:"role"`
	Participants []ParticipantInfo `json:"participants"`
}

type JoinErrorEvent struct {
	RoomID  string `json:"room_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type LeaveMeetingEvent struct {
	MeetingID string `json:"meeting_id"`
}

type ParticipantLeftEvent struct {
	ID string `json:"id"`
}

// MediaStateEvent is a partial update; nil flags are unchanged.
type MediaStateEvent struct {
	ID            string `json:"id"`
	AudioEnabled  *bool  `json:"audio_enabled,omitempty"`
	VideoEnabled  *bool  `json:"video_enabled,omitempty"`
	ScreenSharing *bool  `json:"screen_sharing,omitempty"`
}

type ConnectionQualityEvent struct {
	ID         string  `json:"id"`
	LatencyMs  float64 `json:"latency_ms"`
	JitterMs   float64 `json:"jitter_ms"`
	PacketLoss float64 `json:"packet_loss_percent"`
}

type MeetingEndedEvent struct {
	Reason string `json:"reason"`
}

type ChatMessageEvent struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Kind       string    `json:"kind"`
	SentAt     time.Time `json:"sent_at"`
}

// SdpEvent carries an offer or answer SDP.
type SdpEvent struct {
	SDP string `json:"sdp"`
}

type CandidateEvent struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
