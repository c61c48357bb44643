package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kalambet/scopedrag/internal/storage"
)

var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex searches the memo_vectors table with brute-force cosine
// similarity. Scope and status filters run in SQL; scoring runs in Go.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps a database migrated by storage.Open.
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// buildSearchSQL returns the candidate scan for q. Unscoped memos always
// pass; scoped memos pass only with at least one permitted tag, checked
// against the memo_scopes inverted index.
func buildSearchSQL(q SearchQuery) (string, []any) {
	var b strings.Builder
	args := []any{q.ProjectID}
	b.WriteString(`SELECT v.memo_id, v.embedding, m.created_at
		FROM memo_vectors v JOIN memos m ON m.id = v.memo_id
		WHERE v.project_id = ? AND m.status = 'processed'`)
	if q.IndexVersion != "" {
		b.WriteString(` AND v.index_version = ?`)
		args = append(args, q.IndexVersion)
	}
	b.WriteString(` AND (NOT EXISTS (SELECT 1 FROM memo_scopes s WHERE s.memo_id = v.memo_id)`)
	if len(q.Permitted) > 0 {
		b.WriteString(` OR EXISTS (SELECT 1 FROM memo_scopes s WHERE s.memo_id = v.memo_id AND s.scope IN (?`)
		b.WriteString(strings.Repeat(",?", len(q.Permitted)-1))
		b.WriteString(`))`)
		for _, tag := range q.Permitted {
			args = append(args, tag)
		}
	}
	b.WriteString(`)`)
	return b.String(), args
}

// Search returns up to q.TopK candidates in result order.
func (s *SQLiteIndex) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	queryNorm := norm(q.Vector)
	if queryNorm == 0 {
		return nil, nil
	}

	query, args := buildSearchSQL(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	var buf []float32
	for rows.Next() {
		var id, createdAt string
		var blob []byte
		if err := rows.Scan(&id, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		// Vectors from a different model cannot be compared.
		if len(buf) != len(q.Vector) {
			continue
		}
		score := cosine(q.Vector, buf, queryNorm)
		if score < q.MinScore {
			continue
		}
		ts, err := storage.ParseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", id, err)
		}

		c := Candidate{MemoID: id, Score: score, CreatedAt: ts}
		if h.Len() < q.TopK {
			heap.Push(h, c)
		} else if ranksBefore(c, (*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	out := make([]Candidate, h.Len())
	copy(out, *h)
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	return out, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|) with aNorm precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bNormSq)))
}

// candidateHeap keeps the worst-ranked candidate at the root so it can be
// evicted when a better one arrives.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
