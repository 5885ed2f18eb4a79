package domain

import "time"

type ChatMessageType string

const (
	ChatText   ChatMessageType = "text"
	ChatSystem ChatMessageType = "system"
)

// ChatMessage is an entry in the session's append-only chat log, ordered
// by arrival.
type ChatMessage struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"sender_id"`
	SenderName string          `json:"sender_name"`
	Content    string          `json:"content"`
	Type       ChatMessageType `json:"type"`
	SentAt     time.Time       `json:"sent_at"`
}
