package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-converse/internal/config"
	"github.com/loqalabs/loqa-converse/internal/facts"
	"github.com/loqalabs/loqa-converse/internal/llm"
	"github.com/loqalabs/loqa-converse/internal/protocol"
	"github.com/loqalabs/loqa-converse/internal/segment"
	"github.com/loqalabs/loqa-converse/internal/sessionstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidRequest rejects a turn before any side effect.
	ErrInvalidRequest = errors.New("invalid turn request")
	// ErrTurnInProgress rejects a second concurrent turn on one session.
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
)

const persistTimeout = 5 * time.Second

// Emitter delivers events to the client in order. An error means the client
// can no longer receive events and cancels the turn.
type Emitter interface {
	Emit(ctx context.Context, ev protocol.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev protocol.Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev protocol.Event) error { return f(ctx, ev) }

// Synthesizer turns one sentence into audio. *tts.Stage satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, sentence, voice string) ([]byte, error)
}

// Store is the persistence the orchestrator needs. *sessionstore.Store
// satisfies it.
type Store interface {
	EnsureSession(ctx context.Context, id string) (sessionstore.Session, bool, error)
	AppendMessage(ctx context.Context, sessionID string, role protocol.Role, content string) (sessionstore.Message, error)
	LoadMemory(ctx context.Context, sessionID string) (sessionstore.Memory, error)
	SaveMemory(ctx context.Context, sessionID string, mem sessionstore.Memory) (sessionstore.Memory, error)
	RebuildMemory(ctx context.Context, sessionID string) (sessionstore.Memory, error)
	UpsertFacts(ctx context.Context, sessionID string, extracted facts.Record, policy facts.Policy) (facts.Record, error)
}

// Options tune the orchestrator.
type Options struct {
	SystemPrompt  string
	BrevityHint   string
	Abbreviations segment.Abbreviations
	FactsPolicy   facts.Policy
	Concurrency   int
	QueueDepth    int
	MaxDuration   time.Duration
	Defaults      llm.Request
}

// OptionsFromConfig derives Options from the runtime configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SystemPrompt:  cfg.Turn.SystemPrompt,
		BrevityHint:   cfg.Turn.BrevityHint,
		Abbreviations: segment.DefaultAbbreviations().With(cfg.Segmenter.ExtraAbbreviations...),
		FactsPolicy:   facts.ParsePolicy(cfg.SessionStore.FactsPolicy),
		Concurrency:   cfg.TTS.Concurrency,
		QueueDepth:    cfg.Turn.QueueDepth,
		MaxDuration:   time.Duration(cfg.Turn.MaxDurationMS) * time.Millisecond,
		Defaults:      llm.OptionsFromConfig(cfg.LLM),
	}
}

// Result summarises a finished turn.
type Result struct {
	SessionID string
	Reply     string
	States    []State
	Facts     facts.Record
	Err       error
}

// State returns the last state the turn reached.
func (r Result) State() State {
	if len(r.States) == 0 {
		return StateLoadingContext
	}
	return r.States[len(r.States)-1]
}

// Orchestrator runs turns: it streams a reply from the generator, speaks it
// sentence by sentence and persists the exchange.
type Orchestrator struct {
	store Store
	gen   llm.Generator
	synth Synthesizer
	opts  Options
	log   *slog.Logger

	tracer      trace.Tracer
	turns       metric.Int64Counter
	ttsFailures metric.Int64Counter
	duration    metric.Float64Histogram

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New builds an Orchestrator. synth may be nil, in which case every turn runs
// in text mode.
func New(store Store, gen llm.Generator, synth Synthesizer, opts Options, log *slog.Logger) *Orchestrator {
	if opts.Abbreviations.Len() == 0 {
		opts.Abbreviations = segment.DefaultAbbreviations()
	}
	if opts.FactsPolicy == "" {
		opts.FactsPolicy = facts.PolicyMerge
	}
	meter := otel.Meter("github.com/loqalabs/loqa-converse/internal/turn")
	o := &Orchestrator{
		store:    store,
		gen:      gen,
		synth:    synth,
		opts:     opts,
		log:      log.With(slog.String("component", "turn")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-converse/internal/turn"),
		inflight: make(map[string]struct{}),
	}
	var err error
	if o.turns, err = meter.Int64Counter("loqa.turns", metric.WithDescription("Completed turns by outcome")); err != nil {
		o.log.Warn("failed to create turn counter", slogError(err))
	}
	if o.ttsFailures, err = meter.Int64Counter("loqa.tts.failures", metric.WithDescription("Sentences delivered without audio")); err != nil {
		o.log.Warn("failed to create tts failure counter", slogError(err))
	}
	if o.duration, err = meter.Float64Histogram("loqa.turn.duration_ms", metric.WithUnit("ms")); err != nil {
		o.log.Warn("failed to create turn duration histogram", slogError(err))
	}
	return o
}

func (o *Orchestrator) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[sessionID]; busy {
		return false
	}
	o.inflight[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.inflight, sessionID)
	o.mu.Unlock()
}

// turnRun holds the per-turn state.
type turnRun struct {
	o       *Orchestrator
	em      Emitter
	log     *slog.Logger
	res     Result
	voice   string
	next    int
	emitErr error
}

func (t *turnRun) transition(s State) {
	t.res.States = append(t.res.States, s)
	t.log.Debug("turn state", slog.String("state", s.String()))
}

func (t *turnRun) index() int {
	i := t.next
	t.next++
	return i
}

// Run executes one turn and returns once every event, including the terminal
// one, was handed to em.
func (o *Orchestrator) Run(ctx context.Context, req protocol.TurnRequest, em Emitter) Result {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "turn.run")
	defer span.End()

	t := &turnRun{o: o, em: em, res: Result{SessionID: req.SessionID}, voice: req.Voice}
	if o.synth == nil {
		t.voice = ""
	}
	outcome := o.run(ctx, t, req)

	t.log.Info("turn finished",
		slog.String("outcome", outcome),
		slog.Int("reply_chars", len(t.res.Reply)),
		slog.Duration("elapsed", time.Since(start)))
	span.SetAttributes(
		attribute.String("session.id", t.res.SessionID),
		attribute.String("turn.outcome", outcome),
		attribute.Bool("turn.voice", t.voice != ""),
	)
	if t.res.Err != nil {
		span.RecordError(t.res.Err)
		span.SetStatus(codes.Error, t.res.Err.Error())
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if o.turns != nil {
		o.turns.Add(ctx, 1, attrs)
	}
	if o.duration != nil {
		o.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	return t.res
}

func (o *Orchestrator) run(ctx context.Context, t *turnRun, req protocol.TurnRequest) string {
	t.log = o.log
	t.transition(StateLoadingContext)

	if strings.TrimSpace(req.Message) == "" {
		t.fail(ctx, fmt.Errorf("%w: message must not be empty", ErrInvalidRequest))
		return "rejected"
	}
	if t.res.SessionID == "" {
		t.res.SessionID = uuid.NewString()
	}
	sessionID := t.res.SessionID
	t.log = o.log.With(slog.String("session_id", sessionID))

	if !o.acquire(sessionID) {
		t.fail(ctx, ErrTurnInProgress)
		return "rejected"
	}
	defer o.release(sessionID)

	if o.opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.MaxDuration)
		defer cancel()
	}

	if _, created, err := o.store.EnsureSession(ctx, sessionID); err != nil {
		t.fail(ctx, fmt.Errorf("resolve session: %w", err))
		return "errored"
	} else if created {
		t.log.Info("session created")
	}
	mem, err := o.store.LoadMemory(ctx, sessionID)
	if err != nil {
		t.fail(ctx, fmt.Errorf("load memory: %w", err))
		return "errored"
	}
	user := protocol.ChatMessage{Role: protocol.RoleUser, Content: req.Message}
	if _, err := o.store.AppendMessage(ctx, sessionID, user.Role, user.Content); err != nil {
		t.fail(ctx, fmt.Errorf("persist user message: %w", err))
		return "errored"
	}

	genReq := o.opts.Defaults
	genReq.SessionID = sessionID
	genReq.Messages = o.prompt(mem.Context(), user)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		genReq.TraceID = sc.TraceID().String()
	}

	reply, genErr := t.stream(ctx, genReq)
	t.res.Reply = reply

	switch {
	case t.emitErr != nil || ctx.Err() != nil:
		cause := t.emitErr
		if cause == nil {
			cause = context.Cause(ctx)
		}
		t.log.Warn("turn cancelled", slogError(cause))
		t.persistPartial(ctx, mem, user, reply)
		t.res.Err = cause
		t.transition(StateErrored)
		if t.emitErr == nil && errors.Is(cause, context.DeadlineExceeded) {
			// backstop expired while the client is still listening
			_ = t.em.Emit(context.WithoutCancel(ctx), protocol.ErrorEvent(sessionID, errors.New("turn exceeded its time limit")))
		}
		return "cancelled"
	case genErr != nil:
		t.log.Warn("generation failed", slogError(genErr))
		t.commitMemory(ctx, mem, user)
		t.fail(ctx, fmt.Errorf("generation failed: %w", genErr))
		return "errored"
	}

	t.transition(StatePersisting)
	if _, err := o.store.AppendMessage(ctx, sessionID, protocol.RoleAssistant, reply); err != nil {
		t.commitMemory(ctx, mem, user)
		t.fail(ctx, fmt.Errorf("persist reply: %w", err))
		return "errored"
	}
	if extracted := facts.Extract(reply); !extracted.Empty() {
		rec, err := o.store.UpsertFacts(ctx, sessionID, extracted, o.opts.FactsPolicy)
		if err != nil {
			t.log.Warn("failed to store facts", slogError(err))
		} else {
			t.res.Facts = rec
		}
	}
	t.commitMemory(ctx, mem, user, protocol.ChatMessage{Role: protocol.RoleAssistant, Content: reply})

	t.transition(StateDone)
	if err := t.em.Emit(ctx, protocol.FinalEvent(sessionID, reply)); err != nil {
		t.log.Warn("failed to deliver final event", slogError(err))
	}
	return "done"
}

// prompt builds the generator input. The system prompt opens a conversation
// only; later turns carry the remembered window and the brevity hint.
func (o *Orchestrator) prompt(window []protocol.ChatMessage, user protocol.ChatMessage) []protocol.ChatMessage {
	msgs := make([]protocol.ChatMessage, 0, len(window)+3)
	if len(window) == 0 {
		if o.opts.SystemPrompt != "" {
			msgs = append(msgs, protocol.ChatMessage{Role: protocol.RoleSystem, Content: o.opts.SystemPrompt})
		}
	} else {
		msgs = append(msgs, window...)
		if o.opts.BrevityHint != "" {
			msgs = append(msgs, protocol.ChatMessage{Role: protocol.RoleSystem, Content: o.opts.BrevityHint})
		}
	}
	return append(msgs, user)
}

// stream drives generation and incremental emission. It returns the
// accumulated reply, which is partial when generation did not finish.
func (t *turnRun) stream(ctx context.Context, req llm.Request) (string, error) {
	o := t.o
	t.transition(StateStreamingGeneration)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	emit := func(ev protocol.Event) error {
		if err := t.em.Emit(ctx, ev); err != nil {
			err = fmt.Errorf("emit event: %w", err)
			t.emitErr = err
			cancel(err)
			return err
		}
		return nil
	}

	var acc strings.Builder
	seg := segment.New(o.opts.Abbreviations)
	if t.voice == "" {
		err := o.gen.Generate(ctx, req, func(c llm.Chunk) error {
			if c.Content == "" {
				return nil
			}
			acc.WriteString(c.Content)
			if err := emit(protocol.TextEvent(req.SessionID, acc.String())); err != nil {
				return err
			}
			for _, sentence := range seg.Append(c.Content) {
				if err := emit(protocol.IncrementalEvent(req.SessionID, t.index(), sentence, nil, false)); err != nil {
					return err
				}
			}
			return nil
		})
		t.transition(StateDrainingTail)
		if err == nil && ctx.Err() == nil {
			if tail := seg.Flush(); tail != "" {
				err = emit(protocol.IncrementalEvent(req.SessionID, t.index(), tail, nil, true))
			}
		}
		return acc.String(), err
	}

	seq := newSequencer(ctx, o.synth, t.voice, o.opts.Concurrency, o.opts.QueueDepth, func(sl *slot) error {
		if sl.err != nil {
			t.log.Warn("synthesis failed, sending text only",
				slog.Int("chunk_index", sl.index), slogError(sl.err))
			if o.ttsFailures != nil {
				o.ttsFailures.Add(ctx, 1)
			}
		}
		return emit(protocol.IncrementalEvent(req.SessionID, sl.index, sl.text, sl.audio, sl.final))
	})

	err := o.gen.Generate(ctx, req, func(c llm.Chunk) error {
		if c.Content == "" {
			return nil
		}
		acc.WriteString(c.Content)
		for _, sentence := range seg.Append(c.Content) {
			if err := seq.dispatch(t.index(), sentence, false); err != nil {
				return err
			}
		}
		return nil
	})

	t.transition(StateDrainingTail)
	if err == nil && ctx.Err() == nil {
		if tail := seg.Flush(); tail != "" {
			err = seq.dispatch(t.index(), tail, true)
		}
	}
	if waitErr := seq.wait(); waitErr != nil && t.emitErr == nil {
		t.emitErr = waitErr
	}
	return acc.String(), err
}

// persistPartial keeps whatever was generated before a cancellation. It runs
// on a detached context so a dropped client does not lose the exchange.
func (t *turnRun) persistPartial(ctx context.Context, mem sessionstore.Memory, user protocol.ChatMessage, partial string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if partial == "" {
		t.commitMemory(ctx, mem, user)
		return
	}
	if _, err := t.o.store.AppendMessage(ctx, t.res.SessionID, protocol.RoleAssistant, partial); err != nil {
		t.log.Warn("failed to persist partial reply", slogError(err))
		t.commitMemory(ctx, mem, user)
		return
	}
	t.commitMemory(ctx, mem, user, protocol.ChatMessage{Role: protocol.RoleAssistant, Content: partial})
}

// commitMemory saves mem extended by msgs. A version conflict means another
// writer touched the session, so the window is rebuilt from history instead.
func (t *turnRun) commitMemory(ctx context.Context, mem sessionstore.Memory, msgs ...protocol.ChatMessage) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
	}
	_, err := t.o.store.SaveMemory(ctx, t.res.SessionID, mem.Append(msgs...))
	if errors.Is(err, sessionstore.ErrMemoryConflict) {
		t.log.Info("memory changed concurrently, rebuilding from history")
		_, err = t.o.store.RebuildMemory(ctx, t.res.SessionID)
	}
	if err != nil {
		t.log.Warn("failed to save memory", slogError(err))
	}
}

// fail ends the turn with an error event.
func (t *turnRun) fail(ctx context.Context, err error) {
	t.res.Err = err
	t.transition(StateErrored)
	if emitErr := t.em.Emit(ctx, protocol.ErrorEvent(t.res.SessionID, err)); emitErr != nil {
		t.log.Warn("failed to deliver error event", slogError(emitErr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
