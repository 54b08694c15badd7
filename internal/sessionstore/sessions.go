package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-converse/internal/protocol"
)

// Session is the persisted identity of a conversation.
type Session struct {
	ID        string
	CreatedAt time.Time
}

// Message is one immutable entry in a session's history.
type Message struct {
	ID        string
	SessionID string
	Role      protocol.Role
	Content   string
	CreatedAt time.Time
}

// ChatMessage strips persistence metadata.
func (m Message) ChatMessage() protocol.ChatMessage {
	return protocol.ChatMessage{Role: m.Role, Content: m.Content}
}

// HistoryEntry converts m to its wire form.
func (m Message) HistoryEntry() protocol.HistoryEntry {
	return protocol.HistoryEntry{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt}
}

// EnsureSession returns the session with id, creating it when unseen. The
// boolean reports whether it was created by this call.
func (s *Store) EnsureSession(ctx context.Context, id string) (Session, bool, error) {
	if id == "" {
		return Session{}, false, errors.New("session id must not be empty")
	}
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO sessions(session_id, created_at, memory, memory_version)
		 VALUES(?, ?, '', 0)
		 ON CONFLICT(session_id) DO NOTHING`),
		id, now.UnixNano())
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Session{}, false, err
	}
	if affected == 1 {
		return Session{ID: id, CreatedAt: now}, true, nil
	}

	var created int64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT created_at FROM sessions WHERE session_id = ?`), id).Scan(&created)
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	return Session{ID: id, CreatedAt: time.Unix(0, created).UTC()}, false, nil
}

// AppendMessage writes a message to the session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role protocol.Role, content string) (Message, error) {
	if _, err := protocol.ParseRole(string(role)); err != nil {
		return Message{}, err
	}
	now := s.clock().UTC()
	msg := Message{
		ID:        s.newID(now),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO messages(id, session_id, role, content, created_at) VALUES(?, ?, ?, ?, ?)`),
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, now.UnixNano())
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// History returns every message of a session in chronological order. An
// unknown session yields an empty slice.
func (s *Store) History(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the last n messages of a session in chronological
// order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	return recentMessages(ctx, s.db, s.rebind, sessionID, n)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func recentMessages(ctx context.Context, q queryer, rebind func(string) string, sessionID string, n int) ([]Message, error) {
	if n <= 0 {
		return []Message{}, nil
	}
	rows, err := q.QueryContext(ctx,
		rebind(`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	msgs := []Message{}
	for rows.Next() {
		var m Message
		var role string
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &created); err != nil {
			return nil, err
		}
		parsed, err := protocol.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.Role = parsed
		m.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
