package turn

import (
	"context"
)

// slot is one dispatched sentence. ready is closed once audio or err is set.
type slot struct {
	index int
	text  string
	final bool
	ready chan struct{}
	audio []byte
	err   error
}

// sequencer runs synthesis concurrently but hands finished slots to emit
// strictly in dispatch order.
type sequencer struct {
	ctx   context.Context
	synth Synthesizer
	voice string
	slots chan *slot
	sem   chan struct{}
	emit  func(*slot) error
	done  chan struct{}
	err   error
}

func newSequencer(ctx context.Context, synth Synthesizer, voice string, concurrency, depth int, emit func(*slot) error) *sequencer {
	if concurrency < 1 {
		concurrency = 1
	}
	if depth < 1 {
		depth = 1
	}
	s := &sequencer{
		ctx:   ctx,
		synth: synth,
		voice: voice,
		slots: make(chan *slot, depth),
		sem:   make(chan struct{}, concurrency),
		emit:  emit,
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// dispatch queues a sentence and starts its synthesis. It blocks while the
// queue or the synthesis pool is full.
func (s *sequencer) dispatch(index int, text string, final bool) error {
	sl := &slot{index: index, text: text, final: final, ready: make(chan struct{})}
	select {
	case s.slots <- sl:
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	}
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		sl.err = context.Cause(s.ctx)
		close(sl.ready)
		return sl.err
	}
	go func() {
		defer func() { <-s.sem }()
		sl.audio, sl.err = s.synth.Synthesize(s.ctx, sl.text, s.voice)
		close(sl.ready)
	}()
	return nil
}

func (s *sequencer) run() {
	defer close(s.done)
	for sl := range s.slots {
		<-sl.ready
		if s.err != nil || s.ctx.Err() != nil {
			continue
		}
		if err := s.emit(sl); err != nil {
			s.err = err
		}
	}
}

// wait closes the queue, blocks until every slot was handled and returns the
// first emit error.
func (s *sequencer) wait() error {
	close(s.slots)
	<-s.done
	return s.err
}
