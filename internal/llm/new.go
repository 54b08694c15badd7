package llm

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-converse/internal/config"
)

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(cfg.MockReply, 20*time.Millisecond), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model)
	case "anthropic":
		return NewAnthropicGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model)
	case "exec":
		return NewExecGenerator(cfg.Command)
	}
	return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
}
