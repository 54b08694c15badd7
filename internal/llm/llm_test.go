package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-converse/internal/config"
	"github.com/loqalabs/loqa-converse/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, g Generator, req Request) (string, []Chunk) {
	t.Helper()
	var b strings.Builder
	var chunks []Chunk
	err := g.Generate(context.Background(), req, func(c Chunk) error {
		b.WriteString(c.Content)
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	return b.String(), chunks
}

func TestMockGeneratorStreamsWords(t *testing.T) {
	g := NewMockGenerator("Hello there. How are you?", 0)
	text, chunks := collect(t, g, Request{SessionID: "s1"})
	assert.Equal(t, "Hello there. How are you?", text)
	require.Len(t, chunks, 5)
	assert.Equal(t, "s1", chunks[0].SessionID)
	assert.True(t, chunks[0].Partial)
	assert.False(t, chunks[len(chunks)-1].Partial)
}

func TestMockGeneratorEchoesLastUserMessage(t *testing.T) {
	g := NewMockGenerator("", 0)
	text, _ := collect(t, g, Request{Messages: []protocol.ChatMessage{
		{Role: protocol.RoleSystem, Content: "be nice"},
		{Role: protocol.RoleUser, Content: " hi "},
	}})
	assert.Equal(t, "[mock completion for hi]", text)
}

func TestMockGeneratorStopsOnConsumerError(t *testing.T) {
	g := NewMockGenerator("one two three", 0)
	boom := errors.New("boom")
	calls := 0
	err := g.Generate(context.Background(), Request{}, func(Chunk) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestOllamaGeneratorChat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		for _, part := range []string{"Hi", " there."} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":3,"prompt_eval_count":7}`)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "qwen2.5")
	text, chunks := collect(t, g, Request{
		SessionID: "s1",
		MaxTokens: 64,
		Messages: []protocol.ChatMessage{
			{Role: protocol.RoleSystem, Content: "sys"},
			{Role: protocol.RoleUser, Content: "hello"},
		},
	})
	assert.Equal(t, "Hi there.", text)
	assert.Equal(t, "qwen2.5", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 64, got.Options.NumPredict)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	last := chunks[len(chunks)-1]
	assert.False(t, last.Partial)
	assert.Equal(t, 3, last.CompletionTokens)
	assert.Equal(t, 7, last.PromptTokens)
}

func TestOllamaGeneratorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "missing")
	err := g.Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaGeneratorBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "m").Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestExecGeneratorStreamsLines(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "gen.sh")
	body := "#!/bin/sh\ncat > /dev/null\n" +
		`echo '{"content":"Hello "}'` + "\n" +
		`echo '{"content":"world.","done":true}'` + "\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	g, err := NewExecGenerator("sh " + script)
	require.NoError(t, err)
	text, chunks := collect(t, g, Request{Messages: []protocol.ChatMessage{{Role: protocol.RoleUser, Content: "hi"}}})
	assert.Equal(t, "Hello world.", text)
	require.Len(t, chunks, 2)
	assert.False(t, chunks[1].Partial)
}

func TestExecGeneratorFailure(t *testing.T) {
	g, err := NewExecGenerator("sh -c 'exit 3'")
	require.NoError(t, err)
	err = g.Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	assert.Error(t, err)
}

func TestNewExecGeneratorRejectsEmpty(t *testing.T) {
	_, err := NewExecGenerator("   ")
	assert.Error(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	g, err := New(config.LLMConfig{Mode: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &mockGenerator{}, g)

	g, err = New(config.LLMConfig{Mode: "ollama", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &ollamaGenerator{}, g)

	_, err = New(config.LLMConfig{Mode: "openai"})
	assert.Error(t, err)

	_, err = New(config.LLMConfig{Mode: "bogus"})
	assert.Error(t, err)
}

func TestToAnthropicMessagesSplitsSystem(t *testing.T) {
	msgs, system := toAnthropicMessages([]protocol.ChatMessage{
		{Role: protocol.RoleSystem, Content: "a"},
		{Role: protocol.RoleUser, Content: "hi"},
		{Role: protocol.RoleAssistant, Content: "hello"},
		{Role: protocol.RoleSystem, Content: "b"},
	})
	assert.Equal(t, "a\n\nb", system)
	assert.Len(t, msgs, 2)
}
