package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kalambet/scopedrag/internal/apperr"
)

// RAGConfig is the subset of a project's RAG configuration blob that the
// core reads. Unknown keys are preserved in the stored blob.
type RAGConfig struct {
	TopK         int     `json:"top_k,omitempty"`
	EmbedModel   string  `json:"embed_model,omitempty"`
	RewriteModel string  `json:"rewrite_model,omitempty"`
	MinScore     float64 `json:"min_score,omitempty"`
	IndexVersion string  `json:"index_version,omitempty"`
}

const ragConfigSchema = `{
	"type": "object",
	"properties": {
		"top_k":         {"type": "integer", "minimum": 1, "maximum": 100},
		"embed_model":   {"type": "string"},
		"rewrite_model": {"type": "string"},
		"min_score":     {"type": "number", "minimum": -1, "maximum": 1},
		"index_version": {"type": "string"}
	},
	"additionalProperties": true
}`

var ragSchema = gojsonschema.NewStringLoader(ragConfigSchema)

// ParseRAGConfig validates raw against the RAG config schema and decodes
// the fields the core consumes. An empty blob is the zero config.
func ParseRAGConfig(raw json.RawMessage) (RAGConfig, error) {
	if len(raw) == 0 {
		return RAGConfig{}, nil
	}
	result, err := gojsonschema.Validate(ragSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return RAGConfig{}, apperr.Validation("rag_config", "not valid JSON: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return RAGConfig{}, apperr.Validation("rag_config", "%s", strings.Join(msgs, "; "))
	}
	var cfg RAGConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return RAGConfig{}, fmt.Errorf("decoding rag_config: %w", err)
	}
	return cfg, nil
}
