package eval

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/engine"
	"github.com/kalambet/scopedrag/internal/processor"
	"github.com/kalambet/scopedrag/internal/retrieval"
	"github.com/kalambet/scopedrag/internal/rewrite"
	"github.com/kalambet/scopedrag/internal/storage"
)

// mockRetriever implements Retriever for testing.
type mockRetriever struct {
	mu       sync.Mutex
	requests []retrieval.Request
	fn       func(ctx context.Context, req retrieval.Request) (retrieval.Response, error)
}

func (m *mockRetriever) Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.fn(ctx, req)
}

// hitsFor answers every query with the given memo ids in order.
func hitsFor(ids ...string) func(context.Context, retrieval.Request) (retrieval.Response, error) {
	return func(_ context.Context, req retrieval.Request) (retrieval.Response, error) {
		resp := retrieval.Response{Query: req.Query}
		for _, id := range ids {
			resp.Hits = append(resp.Hits, retrieval.Hit{MemoID: id})
		}
		return resp, nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedDataset creates project p1 and dataset d1 holding cases.
func seedDataset(t *testing.T, s *storage.Store, cases ...storage.EvaluationCase) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateProject(ctx, storage.Project{ID: "p1", Name: "geo"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.CreateDataset(ctx, storage.EvaluationDataset{ID: "d1", ProjectID: "p1", Name: "golden"}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	if len(cases) == 0 {
		return
	}
	if _, err := s.AddCases(ctx, "d1", cases); err != nil {
		t.Fatalf("AddCases: %v", err)
	}
}

func TestRun_EmptyDataset(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s)
	e := New(s, &mockRetriever{fn: hitsFor()}, Config{Logger: quietLogger()})

	if _, err := e.Run(context.Background(), "d1", PipelineConfig{}); !apperr.IsValidation(err) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestRun_UnknownDataset(t *testing.T) {
	e := New(openTestStore(t), &mockRetriever{fn: hitsFor()}, Config{Logger: quietLogger()})
	if _, err := e.Run(context.Background(), "nope", PipelineConfig{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s, storage.EvaluationCase{ID: "c1", Query: "q", ExpectedIDs: []string{"m1"}})
	e := New(s, &mockRetriever{fn: hitsFor()}, Config{Logger: quietLogger()})

	for _, cfg := range []PipelineConfig{
		{Metrics: []string{"f1"}},
		{TopK: -1},
		{TopK: retrieval.MaxTopK + 1},
		{Concurrency: -1},
	} {
		if _, err := e.Run(context.Background(), "d1", cfg); !apperr.IsValidation(err) {
			t.Errorf("Run(%+v) error = %v, want ValidationError", cfg, err)
		}
	}
}

func TestRun_ScoresInDatasetOrder(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s,
		storage.EvaluationCase{ID: "c1", Query: "first", ExpectedIDs: []string{"m1"}, Weight: 3},
		storage.EvaluationCase{ID: "c2", Query: "second", ExpectedIDs: []string{"m9"}},
		storage.EvaluationCase{ID: "c3", Query: "third", ExpectedIDs: []string{"m2"}},
	)
	e := New(s, &mockRetriever{fn: hitsFor("m1", "m2")}, Config{Logger: quietLogger()})

	run, err := e.Run(context.Background(), "d1", PipelineConfig{TopK: 2, Metrics: []string{MetricMRR}, Concurrency: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != StatusComplete || run.CasesScored != 3 || run.CasesFailed != 0 {
		t.Errorf("run = %s scored %d failed %d", run.Status, run.CasesScored, run.CasesFailed)
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if run.Cases[i].CaseID != want {
			t.Errorf("cases[%d] = %s, want %s", i, run.Cases[i].CaseID, want)
		}
	}
	// (3·1 + 1·0 + 1·0.5) / 5
	if got := run.Aggregate[MetricMRR]; !approx(got, 0.7) {
		t.Errorf("aggregate mrr = %v, want 0.7", got)
	}
}

func TestRun_DefaultsTopKFromProject(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s, storage.EvaluationCase{ID: "c1", Query: "q", ExpectedIDs: []string{"m1"}})
	ret := &mockRetriever{fn: hitsFor("m1")}
	e := New(s, ret, Config{Logger: quietLogger()})

	run, err := e.Run(context.Background(), "d1", PipelineConfig{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Config.TopK != retrieval.DefaultTopK || ret.requests[0].TopK != retrieval.DefaultTopK {
		t.Errorf("top_k = %d / %d, want %d", run.Config.TopK, ret.requests[0].TopK, retrieval.DefaultTopK)
	}
	if len(run.Aggregate) != len(DefaultMetrics) {
		t.Errorf("aggregate = %v, want default metrics", run.Aggregate)
	}
}

func TestRun_CaseErrorIsolated(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s,
		storage.EvaluationCase{ID: "ok", Query: "fine", ExpectedIDs: []string{"m1"}},
		storage.EvaluationCase{ID: "bad", Query: "boom", ExpectedIDs: []string{"m1"}},
	)
	ret := &mockRetriever{fn: func(ctx context.Context, req retrieval.Request) (retrieval.Response, error) {
		if req.Query == "boom" {
			return retrieval.Response{}, apperr.Transient("index search", errors.New("index unavailable"))
		}
		return hitsFor("m1")(ctx, req)
	}}
	e := New(s, ret, Config{Logger: quietLogger()})

	run, err := e.Run(context.Background(), "d1", PipelineConfig{TopK: 1, Metrics: []string{MetricPrecision}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != StatusComplete || run.CasesFailed != 1 || run.CasesScored != 2 {
		t.Errorf("run = %s scored %d failed %d", run.Status, run.CasesScored, run.CasesFailed)
	}
	bad := run.Cases[1]
	if bad.Error == "" || bad.Scores[MetricPrecision] != 0 {
		t.Errorf("failed case = %+v", bad)
	}
	if got := run.Aggregate[MetricPrecision]; !approx(got, 0.5) {
		t.Errorf("aggregate = %v, want 0.5", got)
	}
}

func TestRun_CancelledIsPartial(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s,
		storage.EvaluationCase{ID: "c1", Query: "one", ExpectedIDs: []string{"m1"}},
		storage.EvaluationCase{ID: "c2", Query: "two", ExpectedIDs: []string{"m1"}},
		storage.EvaluationCase{ID: "c3", Query: "three", ExpectedIDs: []string{"m1"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ret := &mockRetriever{fn: func(ctx context.Context, req retrieval.Request) (retrieval.Response, error) {
		cancel()
		// The started case keeps a live context.
		if ctx.Err() != nil {
			return retrieval.Response{}, ctx.Err()
		}
		return hitsFor("m1")(ctx, req)
	}}
	e := New(s, ret, Config{Logger: quietLogger()})

	run, err := e.Run(ctx, "d1", PipelineConfig{TopK: 1, Concurrency: 1, Metrics: []string{MetricPrecision}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != StatusPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	if run.CasesScored != 1 || run.CasesTotal != 3 {
		t.Errorf("scored %d of %d, want 1 of 3", run.CasesScored, run.CasesTotal)
	}
	if c := run.Cases[0]; !c.Scored || c.Error != "" || c.Scores[MetricPrecision] != 1 {
		t.Errorf("started case = %+v, want scored to completion", c)
	}
	if run.Cases[2].Scored {
		t.Error("case after cancellation was scored")
	}
	if got := run.Aggregate[MetricPrecision]; got != 1 {
		t.Errorf("aggregate over scored cases = %v, want 1", got)
	}
}

func TestRun_PinsRewriteFlag(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s, storage.EvaluationCase{ID: "c1", Query: "q", ExpectedIDs: []string{"m1"}, Scopes: []string{"hr"}})
	ret := &mockRetriever{fn: hitsFor()}
	e := New(s, ret, Config{Logger: quietLogger()})

	for _, on := range []bool{true, false} {
		if _, err := e.Run(context.Background(), "d1", PipelineConfig{Rewrite: on, IndexVersion: "v7"}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		req := ret.requests[len(ret.requests)-1]
		if req.Rewrite == nil || *req.Rewrite != on {
			t.Errorf("rewrite = %v, want %v", req.Rewrite, on)
		}
		if req.IndexVersion != "v7" || len(req.Scopes) != 1 || req.Scopes[0] != "hr" || req.RewriteCache == nil {
			t.Errorf("request = %+v", req)
		}
	}
}

func TestRun_PersistAndFetch(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s,
		storage.EvaluationCase{ID: "c1", Query: "one", ExpectedIDs: []string{"m1"}},
		storage.EvaluationCase{ID: "c2", Query: "two", ExpectedIDs: []string{"m2"}},
	)
	e := New(s, &mockRetriever{fn: hitsFor("m1")}, Config{Logger: quietLogger()})

	run, err := e.Run(context.Background(), "d1", PipelineConfig{TopK: 1, Persist: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := e.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.Status || got.CasesTotal != 2 || got.Config.TopK != 1 {
		t.Errorf("GetRun = %+v", got)
	}
	for m, v := range run.Aggregate {
		if !approx(got.Aggregate[m], v) {
			t.Errorf("aggregate[%s] = %v, want %v", m, got.Aggregate[m], v)
		}
	}
	if len(got.Cases) != 2 || got.Cases[1].CaseID != "c2" || got.Cases[0].RetrievedIDs[0] != "m1" {
		t.Errorf("cases = %+v", got.Cases)
	}

	runs, err := e.ListRuns(context.Background(), "d1")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("ListRuns = %+v", runs)
	}

	// Without persist nothing is stored.
	if _, err := e.Run(context.Background(), "d1", PipelineConfig{TopK: 1}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runs, _ := e.ListRuns(context.Background(), "d1"); len(runs) != 1 {
		t.Errorf("runs after ephemeral run = %d, want 1", len(runs))
	}
}

// echoChatter rewrites every query to a fixed phrase and counts calls.
type echoChatter struct {
	calls atomic.Int32
}

func (c *echoChatter) Chat(_ context.Context, _ string, msgs []engine.Message) (string, error) {
	c.calls.Add(1)
	return msgs[len(msgs)-1].Content + " city", nil
}

type pipeline struct {
	store *storage.Store
	proc  *processor.Processor
	chat  *echoChatter
	eval  *Engine
}

// newPipeline wires the real processor, retriever and rewriter over the
// hash engine.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	s := openTestStore(t)
	hash := engine.NewHashEngine(0)
	emb := retrieval.NewEmbedder(hash, "hash-embed")
	chat := &echoChatter{}
	rw := rewrite.New(chat, rewrite.Config{Logger: quietLogger()})
	ret := retrieval.NewRetriever(s, retrieval.NewSQLiteIndex(s.DB()), emb, rw, retrieval.Config{Logger: quietLogger()})
	return &pipeline{
		store: s,
		proc:  processor.New(s, emb, processor.Config{Logger: quietLogger()}),
		chat:  chat,
		eval:  New(s, ret, Config{Logger: quietLogger()}),
	}
}

func (p *pipeline) ingest(t *testing.T, content string) string {
	t.Helper()
	res, err := p.proc.Submit(context.Background(), processor.SubmitRequest{ProjectID: "p1", Content: content})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m, err := p.proc.Process(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if m.Status != storage.StatusProcessed {
		t.Fatalf("memo status = %s: %s", m.Status, m.ProcessingError)
	}
	return res.ID
}

func TestEndToEnd_ParisPrecision(t *testing.T) {
	p := newPipeline(t)
	if err := p.store.CreateProject(context.Background(), storage.Project{ID: "p1", Name: "geo"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	paris := p.ingest(t, "Paris is the capital of France.")
	p.ingest(t, "Berlin is the capital of Germany.")

	ctx := context.Background()
	if err := p.store.CreateDataset(ctx, storage.EvaluationDataset{ID: "d1", ProjectID: "p1", Name: "capitals"}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	if _, err := p.store.AddCases(ctx, "d1", []storage.EvaluationCase{{ID: "c1", Query: "capital of France", ExpectedIDs: []string{paris}}}); err != nil {
		t.Fatalf("AddCases: %v", err)
	}

	cfg := PipelineConfig{TopK: 1, Metrics: []string{MetricPrecision}}
	run, err := p.eval.Run(ctx, "d1", cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := run.Aggregate[MetricPrecision]; got != 1 {
		t.Fatalf("precision@1 = %v, want 1", got)
	}

	// Rerunning is reproducible.
	again, err := p.eval.Run(ctx, "d1", cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if again.Cases[0].RetrievedIDs[0] != run.Cases[0].RetrievedIDs[0] || again.Aggregate[MetricPrecision] != 1 {
		t.Errorf("rerun differs: %+v", again.Cases[0])
	}

	if err := p.store.DeleteMemo(ctx, paris); err != nil {
		t.Fatalf("DeleteMemo: %v", err)
	}
	run, err = p.eval.Run(ctx, "d1", cfg)
	if err != nil {
		t.Fatalf("Run after delete: %v", err)
	}
	if run.Status != StatusComplete {
		t.Errorf("status = %s, want complete", run.Status)
	}
	if got := run.Aggregate[MetricPrecision]; got != 0 {
		t.Errorf("precision@1 after delete = %v, want 0", got)
	}
}

func TestEndToEnd_RewriteToggleWithoutReprocessing(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	if err := p.store.CreateProject(ctx, storage.Project{ID: "p1", Name: "geo"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	paris := p.ingest(t, "Paris is the capital city of France.")
	if err := p.store.CreateDataset(ctx, storage.EvaluationDataset{ID: "d1", ProjectID: "p1", Name: "capitals"}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	cases := []storage.EvaluationCase{
		{ID: "c1", Query: "capital of France", ExpectedIDs: []string{paris}},
		{ID: "c2", Query: "capital of France", ExpectedIDs: []string{paris}},
		{ID: "c3", Query: "capital of France", ExpectedIDs: []string{paris}},
		{ID: "c4", Query: "French capital", ExpectedIDs: []string{paris}},
	}
	if _, err := p.store.AddCases(ctx, "d1", cases); err != nil {
		t.Fatalf("AddCases: %v", err)
	}

	off, err := p.eval.Run(ctx, "d1", PipelineConfig{TopK: 1})
	if err != nil {
		t.Fatalf("Run(rewrite off): %v", err)
	}
	if p.chat.calls.Load() != 0 {
		t.Errorf("rewriter called with rewrite off")
	}
	for _, c := range off.Cases {
		if c.RewrittenQuery != "" {
			t.Errorf("case %s rewritten with rewrite off", c.CaseID)
		}
	}

	on, err := p.eval.Run(ctx, "d1", PipelineConfig{TopK: 1, Rewrite: true})
	if err != nil {
		t.Fatalf("Run(rewrite on): %v", err)
	}
	if n := p.chat.calls.Load(); n != 2 {
		t.Errorf("rewrite calls = %d, want one per distinct query (2)", n)
	}
	if on.Cases[0].RewrittenQuery != "capital of France city" {
		t.Errorf("realized rewrite = %q", on.Cases[0].RewrittenQuery)
	}
	for i := range on.Cases[:3] {
		if on.Cases[i].RewrittenQuery != on.Cases[0].RewrittenQuery {
			t.Errorf("case %d rewrite differs within one run", i)
		}
	}
}
