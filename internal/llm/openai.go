package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-converse/internal/protocol"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator streams chat completions from the OpenAI API or any
// compatible endpoint when baseURL is set.
func NewOpenAIGenerator(apiKey, baseURL, model string) (Generator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAIGenerator{client: openai.NewClient(opts...), model: model}, nil
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   chunk.Choices[0].Delta.Content,
			Partial:   chunk.Choices[0].FinishReason == "",
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}

func toOpenAIMessages(msgs []protocol.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case protocol.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
