package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SCOPEDRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "SCOPEDRAG_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCOPEDRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.provider", typ: kString, env: "SCOPEDRAG_ENGINE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Provider },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SCOPEDRAG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "SCOPEDRAG_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "SCOPEDRAG_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "openai.api_key", typ: kString, env: "SCOPEDRAG_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "SCOPEDRAG_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.chat_model", typ: kString, env: "SCOPEDRAG_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embed_model", typ: kString, env: "SCOPEDRAG_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "log.level", typ: kString, env: "SCOPEDRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "SCOPEDRAG_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.timeout", typ: kDuration, env: "SCOPEDRAG_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "rewrite.timeout", typ: kDuration, env: "SCOPEDRAG_REWRITE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rewrite.Timeout },
	},
	{
		key: "rewrite.cache_ttl", typ: kDuration, env: "SCOPEDRAG_REWRITE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rewrite.CacheTTL },
	},
	{
		key: "rewrite.redis_url", typ: kString, env: "SCOPEDRAG_REWRITE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Rewrite.RedisURL },
	},
	{
		key: "processor.workers", typ: kInt, env: "SCOPEDRAG_PROCESSOR_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Processor.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Processor.Workers },
	},
	{
		key: "processor.poll_interval", typ: kDuration, env: "SCOPEDRAG_PROCESSOR_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Processor.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Processor.PollInterval },
	},
	{
		key: "processor.claim_ttl", typ: kDuration, env: "SCOPEDRAG_PROCESSOR_CLAIM_TTL",
		apply:   func(cfg *Config, v any) { cfg.Processor.ClaimTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Processor.ClaimTTL },
	},
	{
		key: "processor.max_attempts", typ: kInt, env: "SCOPEDRAG_PROCESSOR_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Processor.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Processor.MaxAttempts },
	},
	{
		key: "processor.sweep_schedule", typ: kString, env: "SCOPEDRAG_PROCESSOR_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Processor.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Processor.SweepSchedule },
	},
	{
		key: "eval.concurrency", typ: kInt, env: "SCOPEDRAG_EVAL_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Eval.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Eval.Concurrency },
	},
	{
		key: "api.token", typ: kString, env: "SCOPEDRAG_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func envName(key string) string {
	for _, s := range specs {
		if s.key == key {
			return s.env
		}
	}
	return ""
}

// parseValue converts raw text into the Go type of the key.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", raw)
		}
		return d, nil
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || (raw == "" && s.typ != kString) {
				continue
			}
			v, err := parseValue(s, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
