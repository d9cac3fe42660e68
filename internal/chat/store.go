package chat

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the durable, append-only message log. Append and MarkRead are
// the only mutators; both must be atomic with respect to concurrent
// reads.
type Store interface {
	// Append assigns an id and persists the message with read=false.
	Append(ctx context.Context, msg *Message) (*Message, error)
	// History returns all direct messages between the pair, oldest first.
	History(ctx context.Context, userA, userB string) ([]Message, error)
	// GroupHistory returns all messages sent to the group, oldest first.
	GroupHistory(ctx context.Context, group string) ([]Message, error)
	// UnreadBySender counts unread direct messages addressed to viewer,
	// grouped by sender.
	UnreadBySender(ctx context.Context, viewer string) (map[string]int, error)
	// MarkRead flags every unread message from sender to viewer as read.
	// Idempotent: a second call is a no-op.
	MarkRead(ctx context.Context, viewer, sender string) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}

	persisted := *msg
	persisted.ID = uuid.NewString()
	persisted.Read = false
	if persisted.SentAt.IsZero() {
		persisted.SentAt = time.Now().UTC()
	}

	query := `INSERT INTO messages (id, sender, recipient, group_name, body, sent_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query,
		persisted.ID, persisted.Sender,
		nullable(persisted.Recipient), nullable(persisted.Group),
		persisted.Body, persisted.SentAt)
	if err != nil {
		return nil, fmt.Errorf("%w: append: %v", ErrStore, err)
	}
	return &persisted, nil
}

func (s *PostgresStore) History(ctx context.Context, userA, userB string) ([]Message, error) {
	query := `
		SELECT id, sender, recipient, body, sent_at, read
		FROM messages
		WHERE (sender = $1 AND recipient = $2) OR (sender = $2 AND recipient = $1)
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrStore, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var recipient sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Sender, &recipient, &msg.Body, &msg.SentAt, &msg.Read); err != nil {
			return nil, fmt.Errorf("%w: history: %v", ErrStore, err)
		}
		msg.Recipient = recipient.String
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrStore, err)
	}
	return messages, nil
}

func (s *PostgresStore) GroupHistory(ctx context.Context, group string) ([]Message, error) {
	query := `
		SELECT id, sender, group_name, body, sent_at
		FROM messages
		WHERE group_name = $1
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, group)
	if err != nil {
		return nil, fmt.Errorf("%w: group history: %v", ErrStore, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Group, &msg.Body, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("%w: group history: %v", ErrStore, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: group history: %v", ErrStore, err)
	}
	return messages, nil
}

func (s *PostgresStore) UnreadBySender(ctx context.Context, viewer string) (map[string]int, error) {
	query := `
		SELECT sender, COUNT(*)
		FROM messages
		WHERE recipient = $1 AND NOT read
		GROUP BY sender
	`
	rows, err := s.db.QueryContext(ctx, query, viewer)
	if err != nil {
		return nil, fmt.Errorf("%w: unread counts: %v", ErrStore, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var n int
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, fmt.Errorf("%w: unread counts: %v", ErrStore, err)
		}
		counts[sender] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: unread counts: %v", ErrStore, err)
	}
	return counts, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, viewer, sender string) error {
	query := `UPDATE messages SET read = TRUE
	          WHERE recipient = $1 AND sender = $2 AND NOT read`
	if _, err := s.db.ExecContext(ctx, query, viewer, sender); err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrStore, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// MemoryStore implements Store over a mutex-guarded slice, preserving
// insertion order. It backs tests and local runs without Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	msgs []Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, msg *Message) (*Message, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}

	persisted := *msg
	persisted.ID = uuid.NewString()
	persisted.Read = false
	if persisted.SentAt.IsZero() {
		persisted.SentAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.msgs = append(s.msgs, persisted)
	s.mu.Unlock()
	return &persisted, nil
}

func (s *MemoryStore) History(_ context.Context, userA, userB string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []Message
	for _, m := range s.msgs {
		if (m.Sender == userA && m.Recipient == userB) || (m.Sender == userB && m.Recipient == userA) {
			messages = append(messages, m)
		}
	}
	return messages, nil
}

func (s *MemoryStore) GroupHistory(_ context.Context, group string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []Message
	for _, m := range s.msgs {
		if m.Group == group {
			messages = append(messages, m)
		}
	}
	return messages, nil
}

func (s *MemoryStore) UnreadBySender(_ context.Context, viewer string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, m := range s.msgs {
		if m.Recipient == viewer && !m.Read {
			counts[m.Sender]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, viewer, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.msgs {
		if s.msgs[i].Recipient == viewer && s.msgs[i].Sender == sender {
			s.msgs[i].Read = true
		}
	}
	return nil
}
