package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	data map[string]any
}

func newMemBackend(kv map[string]any) *memBackend {
	if kv == nil {
		kv = map[string]any{}
	}
	return &memBackend{data: kv}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", true, nil
	}
	return s, true, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (m *memBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *memBackend) Delete(key string) error { delete(m.data, key); return nil }

// clearEnv unsets every SCOPEDRAG_* variable for the test. t.Setenv
// restores the original values afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
		os.Unsetenv(s.env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(nil), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Engine.Provider != "ollama" {
		t.Errorf("Engine.Provider = %q, want ollama", cfg.Engine.Provider)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.Timeout != 5*time.Second {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Processor.MaxAttempts != 3 || cfg.Processor.ClaimTTL != 2*time.Minute {
		t.Errorf("Processor = %+v", cfg.Processor)
	}
	if cfg.Processor.SweepSchedule != "@every 30s" {
		t.Errorf("SweepSchedule = %q", cfg.Processor.SweepSchedule)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend(map[string]any{
		"server.port":             5000,
		"server.mcp_enabled":      "true",
		"engine.provider":         "hash",
		"ollama.chat_model":       "custom-chat",
		"rewrite.cache_ttl":       "10m",
		"processor.poll_interval": "250ms",
		"eval.concurrency":        8,
	})
	cfg, err := loadWith(b, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 || !cfg.Server.MCPEnabled {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Engine.Provider != "hash" || cfg.Ollama.ChatModel != "custom-chat" {
		t.Errorf("Engine = %+v, Ollama = %+v", cfg.Engine, cfg.Ollama)
	}
	if cfg.Rewrite.CacheTTL != 10*time.Minute || cfg.Processor.PollInterval != 250*time.Millisecond {
		t.Errorf("durations: cache_ttl = %v, poll_interval = %v", cfg.Rewrite.CacheTTL, cfg.Processor.PollInterval)
	}
	if cfg.Eval.Concurrency != 8 {
		t.Errorf("Eval.Concurrency = %d", cfg.Eval.Concurrency)
	}
}

func TestBackend_BadDurationKeepsDefault(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(map[string]any{"retrieval.timeout": "soon"}), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.Timeout != 5*time.Second {
		t.Errorf("Retrieval.Timeout = %v, want default", cfg.Retrieval.Timeout)
	}
}

func TestBackend_IgnoresSecrets(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(map[string]any{"api.token": "from-file"}), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Token != "" {
		t.Errorf("API.Token = %q, want secrets to come only from the environment", cfg.API.Token)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCOPEDRAG_SERVER_PORT", "6000")
	t.Setenv("SCOPEDRAG_API_TOKEN", "env-token")
	t.Setenv("SCOPEDRAG_PROCESSOR_CLAIM_TTL", "45s")

	cfg, err := loadWith(newMemBackend(map[string]any{"server.port": 5000}), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("API.Token = %q", cfg.API.Token)
	}
	if cfg.Processor.ClaimTTL != 45*time.Second {
		t.Errorf("ClaimTTL = %v", cfg.Processor.ClaimTTL)
	}
}

func TestDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := "SCOPEDRAG_ENGINE_PROVIDER=openai\nSCOPEDRAG_OPENAI_API_KEY=sk-dotenv\nSCOPEDRAG_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	// Already set in the process: .env must not win.
	t.Setenv("SCOPEDRAG_LOG_LEVEL", "warn")

	cfg, err := loadWith(newMemBackend(nil), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Provider != "openai" || cfg.OpenAI.APIKey != "sk-dotenv" {
		t.Errorf("Engine = %+v, OpenAI key = %q", cfg.Engine, cfg.OpenAI.APIKey)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestDotEnv_MissingFileIsFine(t *testing.T) {
	clearEnv(t)
	if _, err := loadWith(newMemBackend(nil), filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		kv   map[string]any
		want string
	}{
		{"openai without key", map[string]any{"engine.provider": "openai"}, "missing required config"},
		{"unknown provider", map[string]any{"engine.provider": "llama"}, "engine.provider"},
		{"top_k too large", map[string]any{"retrieval.top_k": 500}, "retrieval.top_k"},
		{"no workers", map[string]any{"processor.workers": 0}, "processor.workers"},
		{"bad port", map[string]any{"server.port": 70000}, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(newMemBackend(tt.kv), "")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestModelSelection(t *testing.T) {
	cfg := defaults()
	if cfg.EmbedModel() != "nomic-embed-text" || cfg.ChatModel() != "phi3.5" {
		t.Errorf("ollama models = %s, %s", cfg.EmbedModel(), cfg.ChatModel())
	}
	cfg.Engine.Provider = "openai"
	if cfg.EmbedModel() != "text-embedding-3-small" || cfg.ChatModel() != "gpt-4o-mini" {
		t.Errorf("openai models = %s, %s", cfg.EmbedModel(), cfg.ChatModel())
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend(nil)

	if err := setKey(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKey(server.port): %v", err)
	}
	if b.data["server.port"] != 4200 {
		t.Errorf("server.port stored as %#v", b.data["server.port"])
	}
	if err := setKey(b, "rewrite.timeout", "1500ms"); err != nil {
		t.Fatalf("setKey(rewrite.timeout): %v", err)
	}
	if b.data["rewrite.timeout"] != "1.5s" {
		t.Errorf("rewrite.timeout stored as %#v", b.data["rewrite.timeout"])
	}

	if err := setKey(b, "server.port", "many"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "openai.api_key", "sk-x"); err == nil || !strings.Contains(err.Error(), "SCOPEDRAG_OPENAI_API_KEY") {
		t.Errorf("secret error = %v", err)
	}
	if err := setKey(b, "nope.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scopedrag", "config.json")
	b := newFileBackend(path)
	if err := setKey(b, "processor.workers", "6"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "engine.provider", "hash"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	clearEnv(t)
	cfg, err := loadWith(newFileBackend(path), "")
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Processor.Workers != 6 || cfg.Engine.Provider != "hash" {
		t.Errorf("reloaded = workers %d, provider %q", cfg.Processor.Workers, cfg.Engine.Provider)
	}
}

func TestConfigFilePath_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigFilePath(); got != "/tmp/xdg/scopedrag/config.json" {
		t.Errorf("ConfigFilePath = %q", got)
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "super-secret"

	var found bool
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "api.token" {
			found = true
			if ki.Value == "super-secret" || !ki.Secret {
				t.Errorf("api.token shown as %+v", ki)
			}
		}
	}
	if !found {
		t.Error("api.token missing from ShowAll")
	}
	if len(ShowAll(cfg)) != len(specs) {
		t.Errorf("ShowAll returned %d keys, want %d", len(ShowAll(cfg)), len(specs))
	}
}
