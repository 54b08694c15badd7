package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
	Turn         TurnConfig         `yaml:"turn"`
	Gateway      GatewayConfig      `yaml:"gateway"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxPayload     int      `yaml:"max_payload_bytes"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SessionStoreConfig struct {
	Driver          string `yaml:"driver"` // sqlite, postgres
	Path            string `yaml:"path"`
	DSN             string `yaml:"dsn"`
	RetentionMode   string `yaml:"retention_mode"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxSessions     int    `yaml:"max_sessions"`
	PruneIntervalMS int    `yaml:"prune_interval_ms"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start"`
	ContextWindow   int    `yaml:"context_window"`
	FactsPolicy     string `yaml:"facts_policy"` // merge, replace
}

type SegmenterConfig struct {
	ExtraAbbreviations []string `yaml:"extra_abbreviations"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, openai, anthropic, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MockReply   string  `yaml:"mock_reply"`
}

type TTSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode"` // mock, exec, cartesia
	Command     string `yaml:"command"`
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	Voice       string `yaml:"voice"`
	Format      string `yaml:"format"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	Concurrency int    `yaml:"concurrency"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

type TurnConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`
	BrevityHint   string `yaml:"brevity_hint"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
	QueueDepth    int    `yaml:"queue_depth"`
}

type GatewayConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ChatPath        string   `yaml:"chat_path"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	WriteTimeoutMS  int      `yaml:"write_timeout_ms"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	WelcomeMessage  string   `yaml:"welcome_message"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-converse",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxPayload:     8 * 1024 * 1024,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		SessionStore: SessionStoreConfig{
			Driver:          "sqlite",
			Path:            "./data/loqa-sessions.db",
			RetentionMode:   "persistent",
			RetentionDays:   30,
			MaxSessions:     10000,
			PruneIntervalMS: 3600000,
			ContextWindow:   10,
			FactsPolicy:     "merge",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Enabled:     true,
			Mode:        "mock",
			Voice:       "en-US",
			Format:      "pcm",
			SampleRate:  22050,
			Channels:    1,
			Concurrency: 3,
			TimeoutMS:   30000,
		},
		Turn: TurnConfig{
			SystemPrompt: "You are a helpful assistant that scopes software projects. Answer conversationally.",
			BrevityHint:  "Keep your response short and conversational.",
			QueueDepth:   32,
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			ChatPath:        "/v1/chat",
			MaxMessageBytes: 64 * 1024,
			WriteTimeoutMS:  5000,
			WelcomeMessage:  "Hi, I can help you scope your project. Tell me a bit about what you have in mind.",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "LOQA_TELEMETRY_METRICS_PATH")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD_BYTES")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.SessionStore.Driver, "LOQA_SESSION_STORE_DRIVER")
	overrideString(&cfg.SessionStore.Path, "LOQA_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.DSN, "LOQA_SESSION_STORE_DSN")
	overrideString(&cfg.SessionStore.RetentionMode, "LOQA_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.RetentionDays, "LOQA_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "LOQA_SESSION_STORE_MAX_SESSIONS")
	overrideInt(&cfg.SessionStore.PruneIntervalMS, "LOQA_SESSION_STORE_PRUNE_INTERVAL_MS")
	overrideBool(&cfg.SessionStore.VacuumOnStart, "LOQA_SESSION_STORE_VACUUM_ON_START")
	overrideInt(&cfg.SessionStore.ContextWindow, "LOQA_SESSION_STORE_CONTEXT_WINDOW")
	overrideString(&cfg.SessionStore.FactsPolicy, "LOQA_SESSION_STORE_FACTS_POLICY")
	overrideStringSlice(&cfg.Segmenter.ExtraAbbreviations, "LOQA_SEGMENTER_EXTRA_ABBREVIATIONS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.MockReply, "LOQA_LLM_MOCK_REPLY")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Format, "LOQA_TTS_FORMAT")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.Concurrency, "LOQA_TTS_CONCURRENCY")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.Turn.SystemPrompt, "LOQA_TURN_SYSTEM_PROMPT")
	overrideString(&cfg.Turn.BrevityHint, "LOQA_TURN_BREVITY_HINT")
	overrideInt(&cfg.Turn.MaxDurationMS, "LOQA_TURN_MAX_DURATION_MS")
	overrideInt(&cfg.Turn.QueueDepth, "LOQA_TURN_QUEUE_DEPTH")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.ChatPath, "LOQA_GATEWAY_CHAT_PATH")
	overrideInt64(&cfg.Gateway.MaxMessageBytes, "LOQA_GATEWAY_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Gateway.WriteTimeoutMS, "LOQA_GATEWAY_WRITE_TIMEOUT_MS")
	overrideStringSlice(&cfg.Gateway.AllowedOrigins, "LOQA_GATEWAY_ALLOWED_ORIGINS")
	// an empty welcome disables the greeting
	if value, ok := os.LookupEnv("LOQA_GATEWAY_WELCOME_MESSAGE"); ok {
		cfg.Gateway.WelcomeMessage = value
	}
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.MetricsPath == "" || !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.MaxPayload < 0 {
				return errors.New("bus.max_payload_bytes must be >= 0")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if err := validateSessionStore(cfg.SessionStore); err != nil {
		return err
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "openai", "anthropic", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|anthropic|exec")
	}
	if (cfg.LLM.Mode == "openai" || cfg.LLM.Mode == "anthropic") && cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "cartesia":
		default:
			return errors.New("tts.mode must be one of mock|exec|cartesia")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.Mode == "cartesia" && cfg.TTS.APIKey == "" {
			return errors.New("tts.api_key must be set when mode=cartesia")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.Concurrency <= 0 {
			return errors.New("tts.concurrency must be >= 1")
		}
	}
	if cfg.Turn.MaxDurationMS < 0 {
		return errors.New("turn.max_duration_ms must be >= 0")
	}
	if cfg.Turn.QueueDepth <= 0 {
		return errors.New("turn.queue_depth must be >= 1")
	}
	if cfg.Gateway.Enabled && !strings.HasPrefix(cfg.Gateway.ChatPath, "/") {
		return errors.New("gateway.chat_path must start with /")
	}
	return nil
}

func validateSessionStore(cfg SessionStoreConfig) error {
	switch cfg.Driver {
	case "sqlite":
		if cfg.Path == "" && cfg.RetentionMode != "ephemeral" {
			return errors.New("session_store.path must not be empty")
		}
	case "postgres":
		if cfg.DSN == "" {
			return errors.New("session_store.dsn must be set when driver=postgres")
		}
	default:
		return errors.New("session_store.driver must be one of sqlite|postgres")
	}
	switch cfg.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.RetentionMode == "ephemeral" && cfg.Driver != "sqlite" {
		return errors.New("session_store.retention_mode=ephemeral requires driver=sqlite")
	}
	if cfg.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}
	if cfg.ContextWindow <= 0 {
		return errors.New("session_store.context_window must be >= 1")
	}
	switch cfg.FactsPolicy {
	case "merge", "replace":
	default:
		return errors.New("session_store.facts_policy must be one of merge|replace")
	}
	return nil
}
