package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-converse/internal/config"
	"github.com/loqalabs/loqa-converse/internal/protocol"
	"github.com/loqalabs/loqa-converse/internal/turn"
)

// Runner executes turns. *turn.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req protocol.TurnRequest, em turn.Emitter) turn.Result
}

// Handler serves the websocket turn endpoint and the history query.
type Handler struct {
	cfg     config.GatewayConfig
	runner  Runner
	history turn.HistoryReader
	log     *slog.Logger

	done     context.Context
	stopAll  context.CancelFunc
	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

func New(cfg config.GatewayConfig, runner Runner, history turn.HistoryReader, log *slog.Logger) *Handler {
	done, stopAll := context.WithCancel(context.Background())
	return &Handler{
		cfg:     cfg,
		runner:  runner,
		history: history,
		log:     log.With(slog.String("component", "gateway")),
		done:    done,
		stopAll: stopAll,
	}
}

// Shutdown refuses new chat connections, cancels the turns in flight and
// waits until every connection has finished persisting, or ctx expires.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.stopAll()

	finished := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for chat connections: %w", ctx.Err())
	}
}

func (h *Handler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions.Add(1)
	return true
}

// Register mounts the gateway routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	chatPath := h.cfg.ChatPath
	if chatPath == "" {
		chatPath = "/v1/chat"
	}
	mux.HandleFunc("GET "+chatPath, h.ServeChat)
	mux.HandleFunc("GET /v1/sessions/{id}/history", h.ServeHistory)
}

func (h *Handler) originAllowed(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

type inbound struct {
	req protocol.TurnRequest
	err error
}

// ServeChat upgrades to a websocket, sends the configured greeting and runs
// one turn per inbound message, sequentially. A read failure cancels the turn
// in flight.
func (h *Handler) ServeChat(w http.ResponseWriter, r *http.Request) {
	if !h.enter() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.sessions.Done()

	upgrader := websocket.Upgrader{
		CheckOrigin: h.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stopOnShutdown := context.AfterFunc(h.done, func() {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stopOnShutdown()

	log := h.log.With(slog.String("remote", r.RemoteAddr))
	log.Info("chat connection opened")

	out := &writer{conn: conn, timeout: time.Duration(h.cfg.WriteTimeoutMS) * time.Millisecond}
	if h.cfg.WelcomeMessage != "" {
		if err := out.Emit(ctx, protocol.GreetingEvent(h.cfg.WelcomeMessage)); err != nil {
			log.Debug("failed to send greeting", slogError(err))
			return
		}
	}

	requests := make(chan inbound, 8)
	go func() {
		defer close(requests)
		defer cancel()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("chat read ended", slogError(err))
				}
				return
			}
			in := inbound{}
			if messageType != websocket.TextMessage {
				in.err = errors.New("expected a text frame")
			} else if err := json.Unmarshal(data, &in.req); err != nil {
				in.err = fmt.Errorf("decode request: %w", err)
			}
			select {
			case requests <- in:
			case <-ctx.Done():
				return
			}
		}
	}()

	var lastSession string
	for in := range requests {
		if in.err != nil {
			if err := out.Emit(ctx, protocol.ErrorEvent(lastSession, fmt.Errorf("%w: %v", turn.ErrInvalidRequest, in.err))); err != nil {
				break
			}
			continue
		}
		if in.req.SessionID == "" {
			in.req.SessionID = lastSession
		}
		res := h.runner.Run(ctx, in.req, out)
		if res.SessionID != "" {
			lastSession = res.SessionID
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Info("chat connection closed")
}

// writer serialises event writes on one connection.
type writer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *writer) Emit(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteJSON(ev)
}

// ServeHistory returns a session's messages. Unknown sessions yield an empty
// list.
func (h *Handler) ServeHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	resp := protocol.HistoryResponse{SessionID: sessionID, Messages: []protocol.HistoryEntry{}}
	status := http.StatusOK

	msgs, err := h.history.History(r.Context(), sessionID)
	if err != nil {
		h.log.Warn("failed to load history", slog.String("session_id", sessionID), slogError(err))
		resp.Error = "failed to load history"
		status = http.StatusInternalServerError
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, m.HistoryEntry())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Debug("failed to write history response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
