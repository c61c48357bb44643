// Package engine abstracts the inference backends used for embedding memos
// and rewriting queries.
package engine

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Engine is an inference backend (Ollama, an OpenAI-compatible API, or the
// local hash embedder). Errors are classified with apperr: retryable
// failures are TransientError, the rest PermanentError.
type Engine interface {
	// Name identifies the backend in logs and index versions.
	Name() string

	// Chat sends messages to the given model and returns the assistant's reply.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// ModelManager is implemented by backends that host models locally and can
// download missing ones.
type ModelManager interface {
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string
	Total     int64
	Completed int64
}
