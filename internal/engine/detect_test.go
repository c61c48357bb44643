package engine

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		cfg     DetectConfig
		want    string
		wantErr bool
	}{
		{cfg: DetectConfig{OllamaBaseURL: "http://localhost:11434"}, want: "ollama"},
		{cfg: DetectConfig{Provider: "hash"}, want: "hash"},
		{cfg: DetectConfig{Provider: "openai", OpenAIAPIKey: "sk-test"}, want: "openai"},
		{cfg: DetectConfig{Provider: "openai"}, wantErr: true},
		{cfg: DetectConfig{Provider: "mlx"}, wantErr: true},
	}
	for _, tt := range tests {
		e, err := Detect(tt.cfg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Detect(%+v) = %T, want error", tt.cfg, e)
			}
			continue
		}
		if err != nil {
			t.Errorf("Detect(%+v): %v", tt.cfg, err)
			continue
		}
		if e.Name() != tt.want {
			t.Errorf("Detect(%+v).Name() = %q, want %q", tt.cfg, e.Name(), tt.want)
		}
	}
}
