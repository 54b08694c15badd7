package protocol

import (
	"fmt"
	"time"
)

// Role tags a conversational message. The set is closed.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleSystem, RoleUser, RoleAssistant:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ChatMessage is a role-tagged piece of conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the inbound client event that starts a turn.
type TurnRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

// Event is an outbound server event. Incremental events carry Streaming=true.
// Sentence events carry a ChunkIndex; text-so-far events do not. The final
// event of a turn carries Streaming=false and either FullMessage or an
// "Error: ..." Message. A greeting is sent once per connection, before any
// turn, and belongs to no turn.
type Event struct {
	Message     string  `json:"message,omitempty"`
	FullMessage *string `json:"full_message,omitempty"`
	Audio       []byte  `json:"audio,omitempty"`
	SessionID   string  `json:"session_id"`
	Streaming   bool    `json:"streaming"`
	ChunkIndex  *int    `json:"chunk_index,omitempty"`
	IsFinal     bool    `json:"is_final"`
	Greeting    bool    `json:"greeting,omitempty"`
}

// Terminal reports whether e ends a turn.
func (e Event) Terminal() bool { return !e.Streaming && !e.Greeting }

// Failed reports whether e is a terminal error event. A successful final
// event always carries full_message, even when the reply is empty.
func (e Event) Failed() bool { return e.Terminal() && e.FullMessage == nil }

// Reply returns the full reply of a final event.
func (e Event) Reply() string {
	if e.FullMessage == nil {
		return ""
	}
	return *e.FullMessage
}

// IncrementalEvent builds a streaming event.
func IncrementalEvent(sessionID string, index int, message string, audio []byte, final bool) Event {
	idx := index
	return Event{
		Message:    message,
		Audio:      audio,
		SessionID:  sessionID,
		Streaming:  true,
		ChunkIndex: &idx,
		IsFinal:    final,
	}
}

// TextEvent builds a text-so-far event. It has no chunk index so clients can
// tell it apart from sentence events.
func TextEvent(sessionID, textSoFar string) Event {
	return Event{Message: textSoFar, SessionID: sessionID, Streaming: true}
}

// GreetingEvent builds the connection welcome.
func GreetingEvent(message string) Event {
	return Event{Message: message, Greeting: true}
}

// FinalEvent builds the successful terminal event.
func FinalEvent(sessionID, fullMessage string) Event {
	return Event{FullMessage: &fullMessage, SessionID: sessionID}
}

// ErrorEvent builds the failed terminal event.
func ErrorEvent(sessionID string, err error) Event {
	return Event{Message: "Error: " + err.Error(), SessionID: sessionID}
}

// HistoryRequest asks for a session's persisted messages.
type HistoryRequest struct {
	SessionID string `json:"session_id"`
}

// HistoryEntry is one persisted message as returned by the history query.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryResponse lists a session's messages in order. Unknown sessions yield
// an empty list.
type HistoryResponse struct {
	SessionID string         `json:"session_id"`
	Messages  []HistoryEntry `json:"messages"`
	Error     string         `json:"error,omitempty"`
}

const (
	SubjectTurnRequest    = "turn.request"
	SubjectSessionHistory = "session.history"
	QueueTurnWorkers      = "turn-workers"
)
