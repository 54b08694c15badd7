package tts

import (
	"context"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	perWord    time.Duration
}

// NewMockSynth streams the text back as "audio", one chunk per word, waiting
// perWord before each chunk so latency grows with sentence length.
func NewMockSynth(sampleRate, channels int, perWord time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, perWord: perWord}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	words := strings.SplitAfter(req.Text, " ")
	chunks := make(chan SynthChunk, len(words))
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i, word := range words {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.perWord):
			}
			chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        []byte(word),
				Final:      i == len(words)-1,
			}
		}
	}()
	return chunks, errs
}
