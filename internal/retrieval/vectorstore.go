package retrieval

import (
	"context"
	"time"

	"github.com/kalambet/scopedrag/internal/scope"
)

// Index finds the memos nearest to a query vector. Implementations must
// only return processed memos of the queried project that are visible to
// the permitted scopes, and must order results by score descending, then
// created_at descending, then memo id ascending.
//
// The SQLite implementation scans brute force. A backend with ANN indexes
// can replace it without touching the Retriever.
type Index interface {
	Search(ctx context.Context, q SearchQuery) ([]Candidate, error)
}

// SearchQuery is one nearest-neighbour lookup.
type SearchQuery struct {
	ProjectID    string
	Vector       []float32
	TopK         int
	Permitted    scope.Set
	IndexVersion string
	MinScore     float32
}

// Candidate is a memo matched by the index, before hydration.
type Candidate struct {
	MemoID    string
	Score     float32
	CreatedAt time.Time
}

// ranksBefore reports whether a sorts ahead of b in result order.
func ranksBefore(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.MemoID < b.MemoID
}
