package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/conclave-chat/conclave/internal/domain"
	"github.com/conclave-chat/conclave/internal/infra/adapters/sqlite/migrations"
)

// HistoryStore persists meeting attendance and chat transcripts in a local
// SQLite database.
type HistoryStore struct {
	db *sqlx.DB
}

// MeetingRecord is one row of attendance history.
type MeetingRecord struct {
	ID        int64      `db:"id" json:"id"`
	RoomID    string     `db:"room_id" json:"room_id"`
	MeetingID string     `db:"meeting_id" json:"meeting_id"`
	JoinedAt  time.Time  `db:"joined_at" json:"joined_at"`
	LeftAt    *time.Time `db:"left_at" json:"left_at,omitempty"`
}

func NewHistoryStore(path string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// WAL keeps the writer from blocking snapshot readers.
	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure history db: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

func (s *HistoryStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.MigrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db.DB, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func (s *HistoryStore) RecordMeeting(ctx context.Context, roomID, meetingID string, joinedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		"INSERT INTO meetings (room_id, meeting_id, joined_at) VALUES (?, ?, ?)",
		roomID,
		meetingID,
		joinedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert meeting: %w", err)
	}

	return res.LastInsertId()
}

func (s *HistoryStore) CloseMeeting(ctx context.Context, id int64, leftAt time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		"UPDATE meetings SET left_at = ? WHERE id = ? AND left_at IS NULL",
		leftAt.UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("close meeting: %w", err)
	}

	return nil
}

func (s *HistoryStore) AppendChat(ctx context.Context, meetingRow int64, msg domain.ChatMessage) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO chat_messages (id, meeting_row, sender_id, sender_name, content, kind, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID,
		meetingRow,
		msg.SenderID,
		msg.SenderName,
		msg.Content,
		string(msg.Type),
		msg.SentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}

	return nil
}

func (s *HistoryStore) RecentMeetings(ctx context.Context, limit int) ([]MeetingRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	var records []MeetingRecord

	err := s.db.SelectContext(
		ctx,
		&records,
		"SELECT * FROM meetings ORDER BY joined_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select meetings: %w", err)
	}

	return records, nil
}

func (s *HistoryStore) ChatForMeeting(ctx context.Context, meetingRow int64) ([]domain.ChatMessage, error) {
	type row struct {
		ID         string    `db:"id"`
		SenderID   string    `db:"sender_id"`
		SenderName string    `db:"sender_name"`
		Content    string    `db:"content"`
		Kind       string    `db:"kind"`
		SentAt     time.Time `db:"sent_at"`
	}

	var rows []row

	err := s.db.SelectContext(
		ctx,
		&rows,
		"SELECT id, sender_id, sender_name, content, kind, sent_at FROM chat_messages WHERE meeting_row = ? ORDER BY sent_at",
		meetingRow,
	)
	if err != nil {
		return nil, fmt.Errorf("select chat messages: %w", err)
	}

	messages := make([]domain.ChatMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, domain.ChatMessage{
			ID:         r.ID,
			SenderID:   r.SenderID,
			SenderName: r.SenderName,
			Content:    r.Content,
			Type:       domain.ChatMessageType(r.Kind),
			SentAt:     r.SentAt,
		})
	}

	return messages, nil
}
