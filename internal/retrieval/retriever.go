package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/engine"
	"github.com/kalambet/scopedrag/internal/extract"
	"github.com/kalambet/scopedrag/internal/rewrite"
	"github.com/kalambet/scopedrag/internal/scope"
	"github.com/kalambet/scopedrag/internal/storage"
)

const (
	DefaultTopK    = 5
	MaxTopK        = 100
	DefaultTimeout = 5 * time.Second
	snippetRunes   = 280
)

// QueryRewriter is satisfied by *rewrite.Rewriter.
type QueryRewriter interface {
	Rewrite(ctx context.Context, query string, opts rewrite.Options) rewrite.Result
}

// Request is one retrieval call. Scopes is the caller's permitted scope
// set; an empty set sees only unscoped memos.
type Request struct {
	ProjectID string   `json:"project_id"`
	Query     string   `json:"query"`
	Scopes    []string `json:"scopes,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
	// Rewrite overrides the project's query_rewrite_enabled flag when set.
	Rewrite *bool `json:"rewrite,omitempty"`
	// IndexVersion pins the index version searched; empty uses the project's.
	IndexVersion string `json:"index_version,omitempty"`

	// RewriteCache overrides the rewriter's cache for this call.
	RewriteCache rewrite.Cache `json:"-"`
}

// Hit is one retrieved memo.
type Hit struct {
	MemoID    string    `json:"memo_id"`
	Score     float32   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	Scopes    []string  `json:"scopes,omitempty"`
	Snippet   string    `json:"snippet"`
}

// Response carries ranked hits and the query actually searched.
type Response struct {
	Query           string `json:"query"`
	RewrittenQuery  string `json:"rewritten_query,omitempty"`
	RewriteDegraded bool   `json:"rewrite_degraded,omitempty"`
	Hits            []Hit  `json:"hits"`
}

type Config struct {
	DefaultTopK int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Retriever combines query rewriting, embedding and index search with
// scope enforcement.
type Retriever struct {
	store    *storage.Store
	index    Index
	embedder *Embedder
	rewriter QueryRewriter
	topK     int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. rewriter may be nil, in which case
// rewriting is never applied.
func NewRetriever(store *storage.Store, index Index, embedder *Embedder, rewriter QueryRewriter, cfg Config) *Retriever {
	if cfg.DefaultTopK <= 0 || cfg.DefaultTopK > MaxTopK {
		cfg.DefaultTopK = DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		index:    index,
		embedder: embedder,
		rewriter: rewriter,
		topK:     cfg.DefaultTopK,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Retrieve returns the processed memos of the project nearest to the
// query that the caller's scopes allow. No matches is an empty result,
// not an error.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Response{}, apperr.Validation("query", "must not be empty")
	}
	if req.TopK < 0 || req.TopK > MaxTopK {
		return Response{}, apperr.Validation("top_k", "must be between 1 and %d", MaxTopK)
	}
	permitted, err := scope.Normalize(req.Scopes)
	if err != nil {
		return Response{}, err
	}

	project, err := r.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return Response{}, fmt.Errorf("loading project %s: %w", req.ProjectID, err)
	}
	cfg, err := storage.ParseRAGConfig(project.RAGConfig)
	if err != nil {
		return Response{}, err
	}

	topK := req.TopK
	if topK == 0 {
		topK = cfg.TopK
	}
	if topK == 0 {
		topK = r.topK
	}

	resp := Response{Query: req.Query, Hits: []Hit{}}
	searchText := req.Query
	doRewrite := project.QueryRewriteEnabled
	if req.Rewrite != nil {
		doRewrite = *req.Rewrite
	}
	if doRewrite && r.rewriter != nil {
		res := r.rewriter.Rewrite(ctx, req.Query, rewrite.Options{Model: cfg.RewriteModel, Cache: req.RewriteCache})
		searchText = res.Query
		resp.RewriteDegraded = res.Degraded
		if res.Rewritten {
			resp.RewrittenQuery = res.Query
		}
	}

	model, version := r.embedder.Resolve(cfg)
	if req.IndexVersion != "" {
		version = req.IndexVersion
	}
	vec, err := r.embedder.Embed(ctx, model, searchText)
	if errors.Is(err, engine.ErrNoTerms) {
		r.logger.Debug("query has no indexable words", "project", project.ID)
		return resp, nil
	}
	if err != nil {
		return Response{}, fmt.Errorf("embedding query: %w", err)
	}

	candidates, err := r.search(ctx, SearchQuery{
		ProjectID:    project.ID,
		Vector:       vec,
		TopK:         topK,
		Permitted:    permitted,
		IndexVersion: version,
		MinScore:     float32(cfg.MinScore),
	})
	if err != nil {
		return Response{}, err
	}
	if len(candidates) == 0 {
		return resp, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.MemoID
	}
	memos, err := r.store.GetMemos(ctx, ids)
	if err != nil {
		return Response{}, apperr.Transient("hydrating hits", err)
	}

	for _, c := range candidates {
		m, ok := memos[c.MemoID]
		// The memo may have been deleted or reset since the index scan.
		if !ok || m.Status != storage.StatusProcessed || m.ProjectID != project.ID {
			continue
		}
		if !scope.Visible(m.Scopes, permitted) {
			r.logger.Warn("index returned memo outside caller scopes", "memo_id", m.ID)
			continue
		}
		resp.Hits = append(resp.Hits, Hit{
			MemoID:    m.ID,
			Score:     c.Score,
			CreatedAt: m.CreatedAt,
			Scopes:    m.Scopes,
			Snippet:   snippet(m.Content, m.ContentType),
		})
	}
	return resp, nil
}

// search runs the index query under the retrieval timeout. Any index
// failure is transient: the caller may retry.
func (r *Retriever) search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.index.Search(ctx, q)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != context.DeadlineExceeded {
			return nil, err
		}
		return nil, apperr.Transient("index search", err)
	}
	return out, nil
}

func snippet(content, contentType string) string {
	if contentType == extract.TypePDF {
		return ""
	}
	if contentType != extract.TypeText {
		if text, err := extract.Text(contentType, content); err == nil {
			content = text
		}
	}
	s := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetRunes]) + "…"
}
