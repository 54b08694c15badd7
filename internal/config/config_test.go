package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.SessionStore.ContextWindow != 10 {
		t.Fatalf("expected default context window 10, got %d", cfg.SessionStore.ContextWindow)
	}
	if cfg.SessionStore.FactsPolicy != "merge" {
		t.Fatalf("expected merge facts policy, got %q", cfg.SessionStore.FactsPolicy)
	}
	if cfg.Bus.MaxPayload != 8*1024*1024 {
		t.Fatalf("expected 8MiB bus payload limit, got %d", cfg.Bus.MaxPayload)
	}
	if cfg.Telemetry.TraceStdout {
		t.Fatalf("expected span printing to be off by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_SESSION_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_SESSION_STORE_RETENTION_MODE", "session")
	t.Setenv("LOQA_SESSION_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_SESSION_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_SESSION_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_SESSION_STORE_CONTEXT_WINDOW", "6")
	t.Setenv("LOQA_SESSION_STORE_FACTS_POLICY", "replace")
	t.Setenv("LOQA_SEGMENTER_EXTRA_ABBREVIATIONS", "Gov., Sen.")
	t.Setenv("LOQA_TTS_CONCURRENCY", "5")
	t.Setenv("LOQA_GATEWAY_MAX_MESSAGE_BYTES", "2048")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.SessionStore.Path != "./tmp.db" {
		t.Fatalf("expected session store path override")
	}
	if cfg.SessionStore.RetentionMode != "session" {
		t.Fatalf("expected session store retention mode override")
	}
	if cfg.SessionStore.RetentionDays != 7 {
		t.Fatalf("expected session store retention days override")
	}
	if cfg.SessionStore.MaxSessions != 123 {
		t.Fatalf("expected session store max sessions override")
	}
	if !cfg.SessionStore.VacuumOnStart {
		t.Fatalf("expected session store vacuum flag override")
	}
	if cfg.SessionStore.ContextWindow != 6 {
		t.Fatalf("expected context window override, got %d", cfg.SessionStore.ContextWindow)
	}
	if cfg.SessionStore.FactsPolicy != "replace" {
		t.Fatalf("expected facts policy override")
	}
	if len(cfg.Segmenter.ExtraAbbreviations) != 2 || cfg.Segmenter.ExtraAbbreviations[1] != "Sen." {
		t.Fatalf("unexpected abbreviations: %v", cfg.Segmenter.ExtraAbbreviations)
	}
	if cfg.TTS.Concurrency != 5 {
		t.Fatalf("expected tts concurrency override")
	}
	if cfg.Gateway.MaxMessageBytes != 2048 {
		t.Fatalf("expected gateway max message bytes override")
	}
}

func TestWelcomeMessage(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.WelcomeMessage == "" {
		t.Fatal("expected a default welcome message")
	}

	t.Setenv("LOQA_GATEWAY_WELCOME_MESSAGE", "")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.WelcomeMessage != "" {
		t.Fatalf("expected welcome disabled by empty override, got %q", cfg.Gateway.WelcomeMessage)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := []byte(`
runtime_name: converse-test
llm:
  mode: ollama
  endpoint: http://ollama:11434
  model: qwen2.5
tts:
  mode: exec
  command: "piper --json"
turn:
  brevity_hint: ""
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "converse-test" {
		t.Fatalf("unexpected runtime name %q", cfg.RuntimeName)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Model != "qwen2.5" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.TTS.Command != "piper --json" {
		t.Fatalf("unexpected tts command %q", cfg.TTS.Command)
	}
	if cfg.Turn.BrevityHint != "" {
		t.Fatalf("expected brevity hint cleared, got %q", cfg.Turn.BrevityHint)
	}
	if cfg.TTS.SampleRate != 22050 {
		t.Fatalf("expected default sample rate kept, got %d", cfg.TTS.SampleRate)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"facts policy":   func(c *Config) { c.SessionStore.FactsPolicy = "append" },
		"context window": func(c *Config) { c.SessionStore.ContextWindow = 0 },
		"llm mode":       func(c *Config) { c.LLM.Mode = "telepathy" },
		"openai key":     func(c *Config) { c.LLM.Mode = "openai" },
		"tts exec":       func(c *Config) { c.TTS.Mode = "exec" },
		"postgres dsn":   func(c *Config) { c.SessionStore.Driver = "postgres" },
		"ephemeral pg": func(c *Config) {
			c.SessionStore.Driver = "postgres"
			c.SessionStore.DSN = "postgres://localhost/loqa"
			c.SessionStore.RetentionMode = "ephemeral"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
