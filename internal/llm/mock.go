package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	reply string
	delay time.Duration
}

// NewMockGenerator streams reply word by word, pausing delay before each
// fragment. An empty reply echoes the last user message.
func NewMockGenerator(reply string, delay time.Duration) Generator {
	return &mockGenerator{reply: reply, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	content := m.reply
	if content == "" {
		content = "[mock completion for " + strings.TrimSpace(lastUserMessage(req.Messages)) + "]"
	}
	start := time.Now()
	words := strings.SplitAfter(content, " ")
	for i, word := range words {
		if word == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   i < len(words)-1,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
