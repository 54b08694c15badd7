package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-converse/internal/config"
)

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, 15*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "cartesia":
		return NewCartesiaSynth(cfg.Endpoint, cfg.APIKey, cfg.Format, cfg.SampleRate, cfg.Channels)
	}
	return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
}
