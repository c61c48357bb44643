package engine

import "fmt"

// DetectConfig selects and configures an inference backend.
type DetectConfig struct {
	Provider      string
	OllamaBaseURL string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// Detect returns the engine named by cfg.Provider. An empty provider
// means ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("engine provider openai requires openai.api_key")
		}
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case "hash":
		return NewHashEngine(DefaultHashDim), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q (want ollama, openai or hash)", cfg.Provider)
	}
}
