package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/kalambet/scopedrag/internal/apperr"
)

// DefaultHashDim is the vector width of the hash embedder.
const DefaultHashDim = 512

var _ Engine = (*HashEngine)(nil)

// ErrNoTerms is returned when text has nothing left to hash once
// stopwords and punctuation are dropped.
var ErrNoTerms = errors.New("text has no indexable words")

// HashEngine is a deterministic, offline backend. Embeddings are L2
// normalized bags of lowercase word hashes, so texts sharing words score
// high under cosine similarity. Chat echoes the last user message, which
// makes query rewriting an identity transform.
type HashEngine struct {
	dim int
}

func NewHashEngine(dim int) *HashEngine {
	if dim <= 0 {
		dim = DefaultHashDim
	}
	return &HashEngine{dim: dim}
}

func (e *HashEngine) Name() string { return "hash" }

func (e *HashEngine) Chat(_ context.Context, _ string, messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, nil
		}
	}
	return "", apperr.Permanent("hash chat", errors.New("no user message"))
}

func (e *HashEngine) Embed(ctx context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, ok := e.embedOne(text)
		if !ok {
			return nil, apperr.Permanent("hash embed", ErrNoTerms)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *HashEngine) IsRunning(context.Context) bool { return true }

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "for": {}, "in": {}, "is": {},
	"it": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "was": {}, "what": {},
}

func (e *HashEngine) embedOne(text string) ([]float32, bool) {
	vec := make([]float32, e.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	n := 0
	for _, w := range words {
		if _, stop := stopwords[w]; stop {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		vec[sum%uint64(e.dim)] += 1
		n++
	}
	if n == 0 {
		return nil, false
	}

	var norm float64
	for _, f := range vec {
		norm += float64(f) * float64(f)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, true
}
