package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-converse/internal/protocol"
)

// Memory is the bounded conversational context carried between turns. It is a
// plain value: callers load it, derive an updated copy and save it back.
type Memory struct {
	Version  int64                  `json:"version"`
	Window   int                    `json:"window"`
	Messages []protocol.ChatMessage `json:"messages"`
}

// Append returns a copy of m with msgs added and trimmed to the window.
func (m Memory) Append(msgs ...protocol.ChatMessage) Memory {
	out := Memory{Version: m.Version, Window: m.Window}
	all := make([]protocol.ChatMessage, 0, len(m.Messages)+len(msgs))
	all = append(all, m.Messages...)
	all = append(all, msgs...)
	if m.Window > 0 && len(all) > m.Window {
		all = all[len(all)-m.Window:]
	}
	out.Messages = all
	return out
}

// Context returns a copy of the remembered messages in chronological order.
func (m Memory) Context() []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// LoadMemory reads the session's memory. Unknown sessions and sessions that
// never committed a turn yield an empty memory at version 0.
func (s *Store) LoadMemory(ctx context.Context, sessionID string) (Memory, error) {
	var blob string
	var version int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT memory, memory_version FROM sessions WHERE session_id = ?`), sessionID).Scan(&blob, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{Window: s.cfg.ContextWindow}, nil
	}
	if err != nil {
		return Memory{}, fmt.Errorf("load memory: %w", err)
	}
	mem := Memory{}
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &mem); err != nil {
			return Memory{}, fmt.Errorf("decode memory: %w", err)
		}
	}
	mem.Version = version
	mem.Window = s.cfg.ContextWindow
	if mem.Window > 0 && len(mem.Messages) > mem.Window {
		mem.Messages = mem.Messages[len(mem.Messages)-mem.Window:]
	}
	return mem, nil
}

// SaveMemory writes mem if the stored version still equals mem.Version and
// returns the saved value with its new version. ErrMemoryConflict reports a
// concurrent write.
func (s *Store) SaveMemory(ctx context.Context, sessionID string, mem Memory) (Memory, error) {
	next := mem
	next.Version = mem.Version + 1
	blob, err := json.Marshal(next)
	if err != nil {
		return Memory{}, fmt.Errorf("encode memory: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE sessions SET memory = ?, memory_version = ? WHERE session_id = ? AND memory_version = ?`),
		string(blob), next.Version, sessionID, mem.Version)
	if err != nil {
		return Memory{}, fmt.Errorf("save memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Memory{}, err
	}
	if affected == 0 {
		return Memory{}, ErrMemoryConflict
	}
	return next, nil
}

// RebuildMemory recomputes the memory from the last persisted messages and
// stores it unconditionally.
func (s *Store) RebuildMemory(ctx context.Context, sessionID string) (mem Memory, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	msgs, err := recentMessages(ctx, tx, s.rebind, sessionID, s.cfg.ContextWindow)
	if err != nil {
		return Memory{}, err
	}
	var version int64
	if err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT memory_version FROM sessions WHERE session_id = ?`), sessionID).Scan(&version); err != nil {
		return Memory{}, fmt.Errorf("load memory version: %w", err)
	}

	mem = Memory{Version: version + 1, Window: s.cfg.ContextWindow}
	for _, m := range msgs {
		mem.Messages = append(mem.Messages, m.ChatMessage())
	}
	blob, err := json.Marshal(mem)
	if err != nil {
		return Memory{}, err
	}
	if _, err = tx.ExecContext(ctx,
		s.rebind(`UPDATE sessions SET memory = ?, memory_version = ? WHERE session_id = ?`),
		string(blob), mem.Version, sessionID); err != nil {
		return Memory{}, err
	}
	err = tx.Commit()
	return mem, err
}
