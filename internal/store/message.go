package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/genstream-io/genstream/internal/scope"
)

// MessageState records how a generation task ended.
type MessageState string

const (
	MessageStateCompleted MessageState = "completed"
	MessageStateStopped   MessageState = "stopped"
	MessageStateFailed    MessageState = "failed"
)

// Message is one persisted assistant response. Content is the final assembled
// text for Completed messages and whatever had accumulated for Stopped ones.
// This table is the read path clients reconcile against after a reconnect.
type Message struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	Scope     scope.Scope  `json:"scope"`
	State     MessageState `json:"state"`
	Content   string       `json:"content"`
	Error     *string      `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// MessageStore provides operations on the messages table.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// DB returns the underlying database connection.
func (s *MessageStore) DB() *sql.DB {
	return s.db
}

// Append inserts a terminal message for a task.
func (s *MessageStore) Append(ctx context.Context, taskID string, sc scope.Scope, state MessageState, content string, errMsg *string) (*Message, error) {
	now := time.Now().UTC()
	msg := &Message{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Scope:     sc,
		State:     state,
		Content:   content,
		Error:     errMsg,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, task_id, project_id, session_id, thread_id, state, content, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TaskID, sc.ProjectID, sc.SessionID, sc.ThreadID,
		string(msg.State), msg.Content, msg.Error, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// GetByID retrieves a message by its ID.
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, project_id, session_id, thread_id, state, content, error, created_at
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListByThread retrieves all messages for a thread, oldest first.
func (s *MessageStore) ListByThread(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, project_id, session_id, thread_id, state, content, error, created_at
		 FROM messages WHERE thread_id = ? ORDER BY rowid ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages by thread: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListByScope retrieves all messages for one conversation lane, oldest first.
func (s *MessageStore) ListByScope(ctx context.Context, sc scope.Scope) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, project_id, session_id, thread_id, state, content, error, created_at
		 FROM messages WHERE project_id = ? AND session_id = ? AND thread_id = ? ORDER BY rowid ASC`,
		sc.ProjectID, sc.SessionID, sc.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("list messages by scope: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var state string
	var errMsg sql.NullString
	var createdAt string

	err := s.Scan(&m.ID, &m.TaskID, &m.Scope.ProjectID, &m.Scope.SessionID, &m.Scope.ThreadID,
		&state, &m.Content, &errMsg, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.State = MessageState(state)
	if errMsg.Valid {
		v := errMsg.String
		m.Error = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	return &m, nil
}
