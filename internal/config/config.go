package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Ollama    OllamaConfig
	OpenAI    OpenAIConfig
	Log       LogConfig
	Retrieval RetrievalConfig
	Rewrite   RewriteConfig
	Processor ProcessorConfig
	Eval      EvalConfig
	API       APIConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type StorageConfig struct {
	DataDir string
}

type EngineConfig struct {
	// Provider is ollama, openai or hash.
	Provider string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type LogConfig struct {
	Level string
}

type RetrievalConfig struct {
	TopK    int
	Timeout time.Duration
}

type RewriteConfig struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	// RedisURL switches the rewrite cache from in-process to Redis.
	RedisURL string
}

type ProcessorConfig struct {
	Workers       int
	PollInterval  time.Duration
	ClaimTTL      time.Duration
	MaxAttempts   int
	SweepSchedule string
}

type EvalConfig struct {
	Concurrency int
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       4100,
			MCPEnabled: false,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			Provider: "ollama",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrieval: RetrievalConfig{
			TopK:    5,
			Timeout: 5 * time.Second,
		},
		Rewrite: RewriteConfig{
			Timeout:  3 * time.Second,
			CacheTTL: time.Hour,
		},
		Processor: ProcessorConfig{
			Workers:       2,
			PollInterval:  500 * time.Millisecond,
			ClaimTTL:      2 * time.Minute,
			MaxAttempts:   3,
			SweepSchedule: "@every 30s",
		},
		Eval: EvalConfig{
			Concurrency: 4,
		},
	}
}

// Load builds the configuration in layers: defaults, then the JSON file at
// ConfigFilePath, then a .env file in the working directory, then
// SCOPEDRAG_* environment variables. Secrets are only read from the
// environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), ".env")
}

func loadWith(b ConfigBackend, dotenv string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	// godotenv never overrides variables already set in the process.
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", dotenv, err)
		}
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Engine.Provider {
	case "ollama", "hash":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable %s", envName("openai.api_key"))
		}
	default:
		return fmt.Errorf("engine.provider must be ollama, openai or hash, got %q", c.Engine.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 100 {
		return fmt.Errorf("retrieval.top_k must be between 1 and 100, got %d", c.Retrieval.TopK)
	}
	if c.Processor.Workers < 1 {
		return fmt.Errorf("processor.workers must be at least 1")
	}
	if c.Processor.MaxAttempts < 1 {
		return fmt.Errorf("processor.max_attempts must be at least 1")
	}
	return nil
}

// EmbedModel returns the default embedding model of the configured provider.
func (c Config) EmbedModel() string {
	if c.Engine.Provider == "openai" {
		return c.OpenAI.EmbedModel
	}
	return c.Ollama.EmbedModel
}

// ChatModel returns the default rewrite model of the configured provider.
func (c Config) ChatModel() string {
	if c.Engine.Provider == "openai" {
		return c.OpenAI.ChatModel
	}
	return c.Ollama.ChatModel
}

// SlogLevel maps log.level onto a slog level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
