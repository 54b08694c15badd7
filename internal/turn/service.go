package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-converse/internal/bus"
	"github.com/loqalabs/loqa-converse/internal/protocol"
	"github.com/loqalabs/loqa-converse/internal/sessionstore"
	"github.com/nats-io/nats.go"
)

// HistoryReader lists a session's persisted messages.
type HistoryReader interface {
	History(ctx context.Context, sessionID string) ([]sessionstore.Message, error)
}

// Service exposes the orchestrator on the bus. Turn requests are spread over
// the turn-workers queue group and every event is published to the request's
// reply subject.
type Service struct {
	orch       *Orchestrator
	history    HistoryReader
	bus        *bus.Client
	logger     *slog.Logger
	subTurns   *nats.Subscription
	subHistory *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ErrServiceClosed is reported to requests that arrive after Close.
var ErrServiceClosed = errors.New("turn service is shutting down")

func NewService(parent context.Context, orch *Orchestrator, history HistoryReader, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		orch:    orch,
		history: history,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "turn-service")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectTurnRequest, protocol.QueueTurnWorkers, s.handleTurn)
	if err != nil {
		return fmt.Errorf("subscribe turn requests: %w", err)
	}
	s.subTurns = sub

	subHistory, err := s.bus.Conn().Subscribe(protocol.SubjectSessionHistory, s.handleHistory)
	if err != nil {
		_ = s.subTurns.Drain()
		return fmt.Errorf("subscribe history requests: %w", err)
	}
	s.subHistory = subHistory
	return nil
}

// Close stops accepting turns, cancels the ones in flight and waits for them
// to finish persisting.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.subTurns != nil {
		_ = s.subTurns.Drain()
	}
	if s.subHistory != nil {
		_ = s.subHistory.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subTurns != nil && s.subHistory != nil && s.bus.Healthy()
}

func (s *Service) handleTurn(msg *nats.Msg) {
	if msg.Reply == "" {
		s.logger.Warn("dropping turn request without reply subject")
		return
	}
	var req protocol.TurnRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode turn request", slogError(err))
		s.publish(msg.Reply, protocol.ErrorEvent("", fmt.Errorf("%w: %v", ErrInvalidRequest, err)))
		return
	}

	if !s.track() {
		s.publish(msg.Reply, protocol.ErrorEvent(req.SessionID, ErrServiceClosed))
		return
	}
	go func() {
		defer s.wg.Done()
		s.orch.Run(s.ctx, req, EmitterFunc(func(_ context.Context, ev protocol.Event) error {
			return s.publish(msg.Reply, ev)
		}))
	}()
}

// track registers a turn unless the service is closed. Add never races with
// the Wait in Close.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) publish(subject string, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish turn event", slogError(err))
		return err
	}
	return nil
}

func (s *Service) handleHistory(msg *nats.Msg) {
	var req protocol.HistoryRequest
	resp := protocol.HistoryResponse{Messages: []protocol.HistoryEntry{}}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "invalid history request: " + err.Error()
	} else {
		resp.SessionID = req.SessionID
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		msgs, err := s.history.History(ctx, req.SessionID)
		cancel()
		if err != nil {
			s.logger.Warn("failed to load history", slogError(err))
			resp.Error = err.Error()
		}
		for _, m := range msgs {
			resp.Messages = append(resp.Messages, m.HistoryEntry())
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal history response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to history request", slogError(err))
	}
}

// RequestTurn sends req over conn and calls fn for every event until the
// terminal one. It is the client side of Service.
func RequestTurn(ctx context.Context, conn *nats.Conn, req protocol.TurnRequest, fn func(protocol.Event) error) error {
	inbox := nats.NewInbox()
	sub, err := conn.SubscribeSync(inbox)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := conn.PublishRequest(protocol.SubjectTurnRequest, inbox, data); err != nil {
		return err
	}
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return err
		}
		var ev protocol.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("decode turn event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
}

// RequestHistory fetches a session's history over conn.
func RequestHistory(ctx context.Context, conn *nats.Conn, sessionID string) (protocol.HistoryResponse, error) {
	data, err := json.Marshal(protocol.HistoryRequest{SessionID: sessionID})
	if err != nil {
		return protocol.HistoryResponse{}, err
	}
	msg, err := conn.RequestWithContext(ctx, protocol.SubjectSessionHistory, data)
	if err != nil {
		return protocol.HistoryResponse{}, err
	}
	var resp protocol.HistoryResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return protocol.HistoryResponse{}, fmt.Errorf("decode history response: %w", err)
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}
