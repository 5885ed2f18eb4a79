package domain

type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateJoining SessionState = "joining"
	StateJoined  SessionState = "joined"
	StateLeaving SessionState = "leaving"
	StateLeft    SessionState = "left"
	StateFailed  SessionState = "failed"
)

// Session is one user's participation in one meeting room. The join guard
// and attempt counter live here, scoped to the session's lifetime, and are
// reset only on an explicit room change.
type Session struct {
	RoomID    string       `json:"room_id"`
	MeetingID string       `json:"meeting_id,omitempty"`
	State     SessionState `json:"state"`
	LocalID   string       `json:"local_id,omitempty"`

	AttemptCount int           `json:"attempt_count"`
	LastError    *SessionError `json:"-"`
}

// Snapshot is the immutable view handed to the presentation layer. A new
// snapshot replaces the previous one atomically; readers never observe a
// roster mid-mutation.
type Snapshot struct {
	RoomID    string       `json:"room_id"`
	MeetingID string       `json:"meeting_id,omitempty"`
	State     SessionState `json:"state"`
	LocalID   string       `json:"local_id,omitempty"`

	AttemptCount int    `json:"attempt_count"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`

	Participants []Participant `json:"participants"`
	Chat         []ChatMessage `json:"chat"`
}

// Participant returns the roster entry with the given id, if present.
func (s Snapshot) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}

	return Participant{}, false
}
