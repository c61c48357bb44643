// Package eval replays evaluation datasets through the retrieval pipeline
// and scores the results.
//
// A run is deterministic for a fixed index state: each distinct query is
// rewritten at most once per run, retrieval ties break on a fixed order,
// and case results are kept in dataset order however the cases were
// scheduled.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/retrieval"
	"github.com/kalambet/scopedrag/internal/rewrite"
	"github.com/kalambet/scopedrag/internal/storage"
)

const DefaultConcurrency = 4

type RunStatus string

const (
	StatusComplete RunStatus = "complete"
	StatusPartial  RunStatus = "partial"
)

// PipelineConfig pins the retrieval pipeline for one run.
type PipelineConfig struct {
	Rewrite      bool     `json:"rewrite"`
	TopK         int      `json:"top_k,omitempty"`
	Metrics      []string `json:"metrics,omitempty"`
	IndexVersion string   `json:"index_version,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
	Persist      bool     `json:"persist,omitempty"`
}

func (c PipelineConfig) validate() error {
	if c.TopK < 0 || c.TopK > retrieval.MaxTopK {
		return apperr.Validation("top_k", "must be between 1 and %d", retrieval.MaxTopK)
	}
	if c.Concurrency < 0 {
		return apperr.Validation("concurrency", "must not be negative")
	}
	for _, m := range c.Metrics {
		if _, ok := metrics[m]; !ok {
			return apperr.Validation("metrics", "unknown metric %q (known: %s)", m, strings.Join(KnownMetrics(), ", "))
		}
	}
	return nil
}

type CaseResult struct {
	CaseID         string             `json:"case_id"`
	Position       int                `json:"position"`
	Query          string             `json:"query"`
	RewrittenQuery string             `json:"rewritten_query,omitempty"`
	RetrievedIDs   []string           `json:"retrieved_ids"`
	Scores         map[string]float64 `json:"scores,omitempty"`
	// Scored is false for cases skipped by cancellation.
	Scored bool    `json:"scored"`
	Error  string  `json:"error,omitempty"`
	Weight float64 `json:"weight"`
}

type Run struct {
	ID          string             `json:"id"`
	DatasetID   string             `json:"dataset_id"`
	Status      RunStatus          `json:"status"`
	Config      PipelineConfig     `json:"config"`
	Aggregate   map[string]float64 `json:"aggregate"`
	Cases       []CaseResult       `json:"cases"`
	CasesTotal  int                `json:"cases_total"`
	CasesScored int                `json:"cases_scored"`
	CasesFailed int                `json:"cases_failed"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// Retriever is satisfied by *retrieval.Retriever.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Response, error)
}

// Store is the subset of *storage.Store used by the engine.
type Store interface {
	GetProject(ctx context.Context, id string) (storage.Project, error)
	GetDataset(ctx context.Context, id string) (storage.EvaluationDataset, error)
	ListCases(ctx context.Context, datasetID string) ([]storage.EvaluationCase, error)
	SaveRun(ctx context.Context, run storage.RunRecord, results []storage.CaseResultRecord) error
	GetRun(ctx context.Context, id string) (storage.RunRecord, error)
	ListRuns(ctx context.Context, datasetID string) ([]storage.RunRecord, error)
	ListCaseResults(ctx context.Context, runID string) ([]storage.CaseResultRecord, error)
}

type Config struct {
	Concurrency int
	Logger      *slog.Logger
}

type Engine struct {
	store       Store
	retriever   Retriever
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func New(store Store, retriever Retriever, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:       store,
		retriever:   retriever,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run scores every case of the dataset against the pipeline in cfg.
// Cancelling ctx stops scheduling new cases; cases already running finish
// and the run comes back partial rather than as an error.
func (e *Engine) Run(ctx context.Context, datasetID string, cfg PipelineConfig) (Run, error) {
	if err := cfg.validate(); err != nil {
		return Run{}, err
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = DefaultMetrics
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = e.concurrency
	}

	dataset, err := e.store.GetDataset(ctx, datasetID)
	if err != nil {
		return Run{}, fmt.Errorf("loading dataset %s: %w", datasetID, err)
	}
	cases, err := e.store.ListCases(ctx, datasetID)
	if err != nil {
		return Run{}, fmt.Errorf("loading cases: %w", err)
	}
	if len(cases) == 0 {
		return Run{}, apperr.Validation("dataset", "%s has no cases", datasetID)
	}
	if cfg.TopK == 0 {
		if cfg.TopK, err = e.projectTopK(ctx, dataset.ProjectID); err != nil {
			return Run{}, err
		}
	}

	run := Run{
		ID:         uuid.New().String(),
		DatasetID:  datasetID,
		Config:     cfg,
		Cases:      make([]CaseResult, len(cases)),
		CasesTotal: len(cases),
		StartedAt:  e.now(),
	}
	log := e.logger.With("run_id", run.ID, "dataset_id", datasetID)
	log.Info("evaluation started", "cases", len(cases), "rewrite", cfg.Rewrite, "top_k", cfg.TopK)

	pinned := rewrite.NewPinnedCache()
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, c := range cases {
		run.Cases[i] = CaseResult{CaseID: c.ID, Position: c.Position, Query: c.Query, RetrievedIDs: []string{}, Weight: c.Weight}
		if ctx.Err() != nil {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			// Started cases are scored to completion.
			run.Cases[i] = e.runCase(context.WithoutCancel(ctx), dataset.ProjectID, c, cfg, pinned, log)
			return nil
		})
	}
	g.Wait()
	run.FinishedAt = e.now()

	run.Aggregate = aggregate(run.Cases, cfg.Metrics)
	for _, cr := range run.Cases {
		if cr.Scored {
			run.CasesScored++
		}
		if cr.Error != "" {
			run.CasesFailed++
		}
	}
	run.Status = StatusComplete
	if run.CasesScored < run.CasesTotal {
		run.Status = StatusPartial
	}
	log.Info("evaluation finished", "status", run.Status, "scored", run.CasesScored, "failed", run.CasesFailed)

	if cfg.Persist {
		if err := e.save(context.WithoutCancel(ctx), run); err != nil {
			return run, err
		}
	}
	return run, nil
}

func (e *Engine) projectTopK(ctx context.Context, projectID string) (int, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("loading project %s: %w", projectID, err)
	}
	rag, err := storage.ParseRAGConfig(project.RAGConfig)
	if err != nil {
		return 0, err
	}
	if rag.TopK > 0 {
		return rag.TopK, nil
	}
	return retrieval.DefaultTopK, nil
}

// runCase retrieves and scores one case. A retrieval failure scores zero
// on every metric and is recorded on the result.
func (e *Engine) runCase(ctx context.Context, projectID string, c storage.EvaluationCase, cfg PipelineConfig, pinned rewrite.Cache, log *slog.Logger) CaseResult {
	res := CaseResult{
		CaseID:       c.ID,
		Position:     c.Position,
		Query:        c.Query,
		RetrievedIDs: []string{},
		Scores:       make(map[string]float64, len(cfg.Metrics)),
		Scored:       true,
		Weight:       c.Weight,
	}
	rewriteOn := cfg.Rewrite
	resp, err := e.retriever.Retrieve(ctx, retrieval.Request{
		ProjectID:    projectID,
		Query:        c.Query,
		Scopes:       c.Scopes,
		TopK:         cfg.TopK,
		Rewrite:      &rewriteOn,
		IndexVersion: cfg.IndexVersion,
		RewriteCache: pinned,
	})
	if err != nil {
		caseErr := &apperr.CaseError{CaseID: c.ID, Err: err}
		log.Warn("evaluation case failed", "case_id", c.ID, "error", caseErr)
		res.Error = err.Error()
		for _, m := range cfg.Metrics {
			res.Scores[m] = 0
		}
		return res
	}

	res.RewrittenQuery = resp.RewrittenQuery
	for _, h := range resp.Hits {
		res.RetrievedIDs = append(res.RetrievedIDs, h.MemoID)
	}
	j := judge(c, resp.Hits)
	for _, m := range cfg.Metrics {
		res.Scores[m] = metrics[m](j, cfg.TopK)
	}
	return res
}

// judge marks each hit relevant if it is one of the expected memos. Cases
// with only an expected answer count a hit relevant when its snippet
// contains the answer, and have one relevant item in total.
func judge(c storage.EvaluationCase, hits []retrieval.Hit) judgement {
	j := judgement{relevant: make([]bool, len(hits))}
	if len(c.ExpectedIDs) > 0 {
		expected := make(map[string]struct{}, len(c.ExpectedIDs))
		for _, id := range c.ExpectedIDs {
			expected[id] = struct{}{}
		}
		j.total = len(expected)
		for i, h := range hits {
			_, j.relevant[i] = expected[h.MemoID]
		}
		return j
	}
	answer := strings.ToLower(strings.TrimSpace(c.ExpectedAnswer))
	if answer == "" {
		return j
	}
	j.total = 1
	for i, h := range hits {
		j.relevant[i] = strings.Contains(strings.ToLower(h.Snippet), answer)
	}
	return j
}

// aggregate computes the weighted mean of each metric over scored cases.
func aggregate(results []CaseResult, names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	var totalWeight float64
	for _, r := range results {
		if r.Scored {
			totalWeight += r.Weight
		}
	}
	for _, name := range names {
		var sum float64
		for _, r := range results {
			if r.Scored {
				sum += r.Weight * r.Scores[name]
			}
		}
		if totalWeight > 0 {
			out[name] = sum / totalWeight
		} else {
			out[name] = 0
		}
	}
	return out
}

func (e *Engine) save(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("encoding run config: %w", err)
	}
	aggJSON, err := json.Marshal(run.Aggregate)
	if err != nil {
		return fmt.Errorf("encoding aggregate: %w", err)
	}
	results := make([]storage.CaseResultRecord, len(run.Cases))
	for i, c := range run.Cases {
		results[i] = storage.CaseResultRecord{
			RunID:          run.ID,
			CaseID:         c.CaseID,
			Position:       c.Position,
			Query:          c.Query,
			RewrittenQuery: c.RewrittenQuery,
			RetrievedIDs:   c.RetrievedIDs,
			Scores:         c.Scores,
			Scored:         c.Scored,
			Error:          c.Error,
		}
	}
	rec := storage.RunRecord{
		ID:          run.ID,
		DatasetID:   run.DatasetID,
		Status:      string(run.Status),
		Config:      cfgJSON,
		Aggregate:   aggJSON,
		CasesTotal:  run.CasesTotal,
		CasesScored: run.CasesScored,
		CasesFailed: run.CasesFailed,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}
	if err := e.store.SaveRun(ctx, rec, results); err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a persisted run with its case results.
func (e *Engine) GetRun(ctx context.Context, id string) (Run, error) {
	rec, err := e.store.GetRun(ctx, id)
	if err != nil {
		return Run{}, err
	}
	run, err := fromRecord(rec)
	if err != nil {
		return Run{}, err
	}
	results, err := e.store.ListCaseResults(ctx, id)
	if err != nil {
		return Run{}, fmt.Errorf("loading case results: %w", err)
	}
	run.Cases = make([]CaseResult, len(results))
	for i, r := range results {
		run.Cases[i] = CaseResult{
			CaseID:         r.CaseID,
			Position:       r.Position,
			Query:          r.Query,
			RewrittenQuery: r.RewrittenQuery,
			RetrievedIDs:   r.RetrievedIDs,
			Scores:         r.Scores,
			Scored:         r.Scored,
			Error:          r.Error,
		}
	}
	return run, nil
}

// ListRuns returns a dataset's persisted runs, newest first, without case
// results.
func (e *Engine) ListRuns(ctx context.Context, datasetID string) ([]Run, error) {
	if _, err := e.store.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}
	recs, err := e.store.ListRuns(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(recs))
	for _, rec := range recs {
		run, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func fromRecord(rec storage.RunRecord) (Run, error) {
	run := Run{
		ID:          rec.ID,
		DatasetID:   rec.DatasetID,
		Status:      RunStatus(rec.Status),
		CasesTotal:  rec.CasesTotal,
		CasesScored: rec.CasesScored,
		CasesFailed: rec.CasesFailed,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
	if err := json.Unmarshal(rec.Config, &run.Config); err != nil {
		return Run{}, fmt.Errorf("decoding config of run %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(rec.Aggregate, &run.Aggregate); err != nil {
		return Run{}, fmt.Errorf("decoding aggregate of run %s: %w", rec.ID, err)
	}
	return run, nil
}
