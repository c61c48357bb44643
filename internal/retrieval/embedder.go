package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/engine"
	"github.com/kalambet/scopedrag/internal/storage"
)

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine engine.Engine
	model  string
}

// NewEmbedder creates an Embedder using the given Engine and default model.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Resolve picks the embedding model and index version for a project. The
// version defaults to "<engine>/<model>" so vectors from different models
// never meet in one search.
func (e *Embedder) Resolve(cfg storage.RAGConfig) (model, version string) {
	model = cfg.EmbedModel
	if model == "" {
		model = e.model
	}
	version = cfg.IndexVersion
	if version == "" {
		version = e.engine.Name() + "/" + model
	}
	return model, version
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := e.engine.Embed(ctx, model, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, apperr.Permanent("embed", errors.New("engine returned an empty vector"))
	}
	return vecs[0], nil
}
