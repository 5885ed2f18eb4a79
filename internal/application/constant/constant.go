package constant

// Shared slog attribute keys.
const (
	Error         = "error"
	RoomID        = "room_id"
	MeetingID     = "meeting_id"
	ParticipantID = "participant_id"
	EventType     = "event_type"
	State         = "state"
	Attempt       = "attempt"
	Status        = "status"
)
