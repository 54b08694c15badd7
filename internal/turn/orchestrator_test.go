package turn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-converse/internal/config"
	"github.com/loqalabs/loqa-converse/internal/facts"
	"github.com/loqalabs/loqa-converse/internal/llm"
	"github.com/loqalabs/loqa-converse/internal/protocol"
	"github.com/loqalabs/loqa-converse/internal/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T, window int) *sessionstore.Store {
	t.Helper()
	cfg := config.SessionStoreConfig{Driver: "sqlite", RetentionMode: "ephemeral", ContextWindow: window}
	s, err := sessionstore.Open(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// scriptedGenerator streams fragments, then fails with err or, when block is
// set, waits for cancellation.
type scriptedGenerator struct {
	fragments []string
	err       error
	block     bool
	started   chan struct{}
	release   chan struct{}

	mu       sync.Mutex
	requests []llm.Request
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.started != nil {
		close(g.started)
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for i, f := range g.fragments {
		if err := consumer(llm.Chunk{SessionID: req.SessionID, Content: f, Partial: i < len(g.fragments)-1}); err != nil {
			return err
		}
	}
	if g.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return g.err
}

func (g *scriptedGenerator) calls() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Request(nil), g.requests...)
}

type fakeSynth struct {
	delays map[string]time.Duration
	fail   map[string]bool
}

func (s *fakeSynth) Synthesize(ctx context.Context, sentence, voice string) ([]byte, error) {
	select {
	case <-time.After(s.delays[sentence]):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.fail[sentence] {
		return nil, errors.New("synthesis backend down")
	}
	return []byte(voice + ":" + sentence), nil
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	onEmit func(protocol.Event) error
}

func (r *recorder) Emit(_ context.Context, ev protocol.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.onEmit != nil {
		return r.onEmit(ev)
	}
	return nil
}

func (r *recorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func testOptions() Options {
	return Options{
		SystemPrompt: "You scope software projects.",
		BrevityHint:  "Be brief.",
		Concurrency:  4,
		QueueDepth:   8,
	}
}

func TestRunTextMode(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"First one. ", "Tail without stop"}}
	orch := New(store, gen, nil, testOptions(), newLogger())
	rec := &recorder{}

	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "hi", SessionID: "s1"}, rec)
	require.NoError(t, res.Err)
	assert.Equal(t, "First one. Tail without stop", res.Reply)
	assert.Equal(t, []State{StateLoadingContext, StateStreamingGeneration, StateDrainingTail, StatePersisting, StateDone}, res.States)

	events := rec.all()
	require.Len(t, events, 5)

	// text so far after every fragment, without a chunk index
	assert.Equal(t, protocol.TextEvent("s1", "First one. "), events[0])
	assert.Equal(t, protocol.TextEvent("s1", "First one. Tail without stop"), events[2])

	// completed sentences and the flushed tail
	assert.Equal(t, protocol.IncrementalEvent("s1", 0, "First one.", nil, false), events[1])
	assert.Equal(t, protocol.IncrementalEvent("s1", 1, "Tail without stop", nil, true), events[3])
	assert.Nil(t, events[3].Audio)

	assert.Equal(t, protocol.FinalEvent("s1", "First one. Tail without stop"), events[4])
	assert.False(t, events[4].Failed())

	history, err := store.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, protocol.RoleUser, history[0].Role)
	assert.Equal(t, "First one. Tail without stop", history[1].Content)
}

func TestRunTextModeWithoutTail(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"Done here. "}}
	orch := New(store, gen, nil, testOptions(), newLogger())
	rec := &recorder{}

	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "hi", SessionID: "s1"}, rec)
	require.NoError(t, res.Err)

	events := rec.all()
	require.Len(t, events, 3)
	assert.Equal(t, protocol.TextEvent("s1", "Done here. "), events[0])
	assert.Equal(t, protocol.IncrementalEvent("s1", 0, "Done here.", nil, false), events[1])
	assert.True(t, events[2].Terminal())
}

func TestEmptyReplyStillCarriesFullMessage(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{}
	orch := New(store, gen, nil, testOptions(), newLogger())
	rec := &recorder{}

	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "hi", SessionID: "s1"}, rec)
	require.NoError(t, res.Err)

	events := rec.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].Failed())
	data, err := json.Marshal(events[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"full_message":""`)
}

func TestRunAssignsSessionID(t *testing.T) {
	store := newStore(t, 10)
	orch := New(store, &scriptedGenerator{fragments: []string{"ok"}}, nil, testOptions(), newLogger())
	rec := &recorder{}
	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "hi"}, rec)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.SessionID)
	for _, ev := range rec.all() {
		assert.Equal(t, res.SessionID, ev.SessionID)
	}
}

func TestVoiceEmissionOrderUnderReversedLatencies(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"One. ", "Two. ", "Three. ", "Four."}}
	synth := &fakeSynth{delays: map[string]time.Duration{
		"One.":   80 * time.Millisecond,
		"Two.":   60 * time.Millisecond,
		"Three.": 40 * time.Millisecond,
		"Four.":  20 * time.Millisecond,
	}}
	orch := New(store, gen, synth, testOptions(), newLogger())
	rec := &recorder{}

	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "count", SessionID: "s1", Voice: "v1"}, rec)
	require.NoError(t, res.Err)

	events := rec.all()
	require.Len(t, events, 5)
	for i, want := range []string{"One.", "Two.", "Three.", "Four."} {
		ev := events[i]
		assert.True(t, ev.Streaming)
		assert.Equal(t, i, *ev.ChunkIndex)
		assert.Equal(t, want, ev.Message)
		assert.Equal(t, []byte("v1:"+want), ev.Audio)
		assert.Equal(t, i == 3, ev.IsFinal)
	}
	assert.True(t, events[4].Terminal())
	assert.Equal(t, "One. Two. Three. Four.", events[4].Reply())
}

func TestSecondTurnOmitsSystemPrompt(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"Sure."}}
	opts := testOptions()
	orch := New(store, gen, nil, opts, newLogger())

	for _, msg := range []string{"first", "second"} {
		res := orch.Run(context.Background(), protocol.TurnRequest{Message: msg, SessionID: "s1"}, &recorder{})
		require.NoError(t, res.Err)
	}

	calls := gen.calls()
	require.Len(t, calls, 2)
	first := calls[0].Messages
	require.Len(t, first, 2)
	assert.Equal(t, protocol.ChatMessage{Role: protocol.RoleSystem, Content: opts.SystemPrompt}, first[0])
	assert.Equal(t, protocol.ChatMessage{Role: protocol.RoleUser, Content: "first"}, first[1])

	second := calls[1].Messages
	for _, m := range second {
		assert.NotEqual(t, opts.SystemPrompt, m.Content)
	}
	assert.Equal(t, []protocol.ChatMessage{
		{Role: protocol.RoleUser, Content: "first"},
		{Role: protocol.RoleAssistant, Content: "Sure."},
		{Role: protocol.RoleSystem, Content: opts.BrevityHint},
		{Role: protocol.RoleUser, Content: "second"},
	}, second)
}

func TestInvalidRequestNeverReachesGenerator(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"nope"}}
	orch := New(store, gen, nil, testOptions(), newLogger())
	rec := &recorder{}

	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "   ", SessionID: "s1"}, rec)
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)
	assert.Equal(t, []State{StateLoadingContext, StateErrored}, res.States)
	assert.Empty(t, gen.calls())

	events := rec.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Failed())
	assert.True(t, strings.HasPrefix(events[0].Message, "Error: "))

	history, err := store.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSynthesisFailureDegradesToText(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"One. Two. Three."}}
	synth := &fakeSynth{fail: map[string]bool{"Two.": true}}
	orch := New(store, gen, synth, testOptions(), newLogger())
	rec := &recorder{}

	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "go", SessionID: "s1", Voice: "v"}, rec)
	require.NoError(t, res.Err)

	events := rec.all()
	require.Len(t, events, 4)
	assert.Equal(t, "Two.", events[1].Message)
	assert.Nil(t, events[1].Audio)
	assert.NotNil(t, events[0].Audio)
	assert.NotNil(t, events[2].Audio)
	assert.Equal(t, "One. Two. Three.", events[3].Reply())
}

func TestGenerationErrorEmitsErrorEvent(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"Partial answer. ", "and"}, err: errors.New("model crashed")}
	orch := New(store, gen, &fakeSynth{}, testOptions(), newLogger())
	rec := &recorder{}

	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "hi", SessionID: "s1", Voice: "v"}, rec)
	require.Error(t, res.Err)
	assert.Equal(t, StateErrored, res.State())

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "Partial answer.", events[0].Message)
	last := events[1]
	assert.True(t, last.Failed())
	assert.Equal(t, "s1", last.SessionID)
	assert.Contains(t, last.Message, "model crashed")

	history, err := store.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, protocol.RoleUser, history[0].Role)

	mem, err := store.LoadMemory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []protocol.ChatMessage{{Role: protocol.RoleUser, Content: "hi"}}, mem.Messages)
}

func TestCancellationPersistsPartialReply(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"Hello "}, block: true}
	orch := New(store, gen, nil, testOptions(), newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onEmit: func(protocol.Event) error {
		cancel()
		return nil
	}}

	res := orch.Run(ctx, protocol.TurnRequest{Message: "hi", SessionID: "s1"}, rec)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, StateErrored, res.State())
	assert.Len(t, rec.all(), 1)

	history, err := store.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Hello ", history[1].Content)

	mem, err := store.LoadMemory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, mem.Messages, 2)
}

func TestEmitFailureCancelsTurn(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"One. ", "Two. "}, block: true}
	orch := New(store, gen, &fakeSynth{}, testOptions(), newLogger())
	rec := &recorder{onEmit: func(protocol.Event) error { return errors.New("connection reset") }}

	done := make(chan Result, 1)
	go func() {
		done <- orch.Run(context.Background(), protocol.TurnRequest{Message: "hi", SessionID: "s1", Voice: "v"}, rec)
	}()
	select {
	case res := <-done:
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "connection reset")
		assert.Len(t, rec.all(), 1)
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not stop after emit failure")
	}

	history, err := store.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "One. Two. ", history[1].Content)
}

func TestMaxDurationBackstop(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"Thinking "}, block: true}
	opts := testOptions()
	opts.MaxDuration = 50 * time.Millisecond
	orch := New(store, gen, nil, opts, newLogger())
	rec := &recorder{}

	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "hi", SessionID: "s1"}, rec)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	events := rec.all()
	require.Len(t, events, 2)
	assert.True(t, events[1].Failed())
}

func TestConcurrentTurnRejected(t *testing.T) {
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"done"}, started: make(chan struct{}), release: make(chan struct{})}
	orch := New(store, gen, nil, testOptions(), newLogger())

	first := make(chan Result, 1)
	go func() {
		first <- orch.Run(context.Background(), protocol.TurnRequest{Message: "one", SessionID: "s1"}, &recorder{})
	}()
	<-gen.started

	rec := &recorder{}
	res := orch.Run(context.Background(), protocol.TurnRequest{Message: "two", SessionID: "s1"}, rec)
	assert.ErrorIs(t, res.Err, ErrTurnInProgress)
	events := rec.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Failed())
	assert.Equal(t, "s1", events[0].SessionID)

	close(gen.release)
	require.NoError(t, (<-first).Err)
}

func TestMemoryMirrorsLastMessages(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 4)
	gen := &scriptedGenerator{fragments: []string{"Noted."}}
	orch := New(store, gen, nil, testOptions(), newLogger())

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, orch.Run(ctx, protocol.TurnRequest{Message: msg, SessionID: "s1"}, &recorder{}).Err)
	}

	history, err := store.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 6)
	mem, err := store.LoadMemory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, mem.Messages, 4)
	for i, m := range history[2:] {
		assert.Equal(t, m.ChatMessage(), mem.Messages[i])
	}
}

// racingStore simulates another process committing memory between this
// turn's load and save.
type racingStore struct {
	*sessionstore.Store
	once sync.Once
}

func (r *racingStore) SaveMemory(ctx context.Context, id string, mem sessionstore.Memory) (sessionstore.Memory, error) {
	r.once.Do(func() {
		stale, _ := r.Store.LoadMemory(ctx, id)
		_, _ = r.Store.SaveMemory(ctx, id, stale)
	})
	return r.Store.SaveMemory(ctx, id, mem)
}

func TestMemoryConflictRebuildsFromHistory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 10)
	racing := &racingStore{Store: store}
	orch := New(racing, &scriptedGenerator{fragments: []string{"Reply."}}, nil, testOptions(), newLogger())

	require.NoError(t, orch.Run(ctx, protocol.TurnRequest{Message: "hi", SessionID: "s1"}, &recorder{}).Err)

	mem, err := store.LoadMemory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem.Version)
	assert.Equal(t, []protocol.ChatMessage{
		{Role: protocol.RoleUser, Content: "hi"},
		{Role: protocol.RoleAssistant, Content: "Reply."},
	}, mem.Messages)
}

func TestFactsExtractedFromReply(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 10)
	gen := &scriptedGenerator{fragments: []string{"We recommend 3 developers for 2 months ", "at a cost of $5,000 using Firebase and Stripe."}}
	orch := New(store, gen, nil, testOptions(), newLogger())

	res := orch.Run(ctx, protocol.TurnRequest{Message: "estimate please", SessionID: "s1"}, &recorder{})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Facts.NumDevelopers)
	assert.Equal(t, 3, *res.Facts.NumDevelopers)

	stored, ok, err := store.Facts(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, stored.Services)
	assert.Equal(t, "FIREBASE, STRIPE", *stored.Services)
	assert.Equal(t, facts.PolicyMerge, orch.opts.FactsPolicy)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STREAMING_GENERATION", StateStreamingGeneration.String())
	assert.True(t, StateDone.Terminal())
	assert.False(t, StatePersisting.Terminal())
}
