// Package processor turns pending memos into indexed ones.
//
// Workers claim memos from the store, run the parse, embed and index
// stages, and settle each memo as processed, failed, or pending again
// after a transient error. A claim expires unless its heartbeat keeps
// extending it, so a crashed worker's memo is picked up by another.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/extract"
	"github.com/kalambet/scopedrag/internal/storage"
)

const (
	DefaultWorkers      = 2
	DefaultPollInterval = 500 * time.Millisecond
	DefaultClaimTTL     = 2 * time.Minute
	DefaultMaxAttempts  = 3
	DefaultRetryBase    = 2 * time.Second
	DefaultRetryMax     = 5 * time.Minute
)

// MemoStore is the subset of *storage.Store the processor needs.
type MemoStore interface {
	CreateMemo(ctx context.Context, m storage.Memo) (string, bool, error)
	GetMemo(ctx context.Context, id string) (storage.Memo, error)
	GetProject(ctx context.Context, id string) (storage.Project, error)
	ClaimMemo(ctx context.Context, id, token string, ttl time.Duration) (storage.Memo, error)
	ClaimNextMemo(ctx context.Context, token string, ttl time.Duration) (*storage.Memo, error)
	ExtendClaim(ctx context.Context, id, token string, ttl time.Duration) error
	MarkProcessed(ctx context.Context, id, token string, entry storage.IndexEntry) error
	FailMemo(ctx context.Context, id, token, errMsg, errClass string) error
	ReleaseMemo(ctx context.Context, id, token string, runAfter time.Time) error
	RequeueStale(ctx context.Context, maxAttempts int) (requeued, failed int64, err error)
	ResetMemo(ctx context.Context, id string) error
}

// Embedder produces the vector for a memo. *retrieval.Embedder satisfies it.
type Embedder interface {
	Resolve(cfg storage.RAGConfig) (model, version string)
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

type Config struct {
	Workers      int
	PollInterval time.Duration
	ClaimTTL     time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	// SweepSchedule is a cron spec for the stale-claim sweeper.
	SweepSchedule string
	Logger        *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Processor struct {
	store    MemoStore
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(store MemoStore, embedder Embedder, cfg Config) *Processor {
	cfg.applyDefaults()
	return &Processor{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SubmitRequest is a new memo as received from a caller.
type SubmitRequest struct {
	ProjectID   string   `json:"project_id"`
	ExternalID  string   `json:"external_id,omitempty"`
	Content     string   `json:"content"`
	ContentType string   `json:"content_type,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

type SubmitResult struct {
	ID string `json:"id"`
	// Created is false when ExternalID matched an existing memo.
	Created bool `json:"created"`
}

// Submit validates req and stores it as a pending memo. Processing happens
// later on a worker.
func (p *Processor) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return SubmitResult{}, apperr.Validation("project_id", "must not be empty")
	}
	if err := extract.Validate(req.ContentType, req.Content); err != nil {
		return SubmitResult{}, err
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = extract.TypeText
	}
	id, created, err := p.store.CreateMemo(ctx, storage.Memo{
		ID:          uuid.New().String(),
		ProjectID:   req.ProjectID,
		ExternalID:  strings.TrimSpace(req.ExternalID),
		Content:     req.Content,
		ContentType: contentType,
		Scopes:      req.Scopes,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("storing memo: %w", err)
	}
	if created {
		p.logger.Debug("memo submitted", "memo_id", id, "project_id", req.ProjectID)
	}
	return SubmitResult{ID: id, Created: created}, nil
}

// Run starts the configured number of workers and blocks until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) {
	var g errgroup.Group
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	g.Wait()
}

func (p *Processor) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes the next claimable memo. Returns true if a
// memo was handled, whatever the outcome.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	token := uuid.New().String()
	m, err := p.store.ClaimNextMemo(ctx, token, p.cfg.ClaimTTL)
	if err != nil {
		return false, fmt.Errorf("claiming memo: %w", err)
	}
	if m == nil {
		return false, nil
	}
	return true, p.handle(ctx, *m, token)
}

// Process claims the given memo and runs it through the stages now,
// returning the memo as settled. Returns storage.ErrNotClaimable if the
// memo is not pending or is held by a live claim.
func (p *Processor) Process(ctx context.Context, memoID string) (storage.Memo, error) {
	token := uuid.New().String()
	m, err := p.store.ClaimMemo(ctx, memoID, token, p.cfg.ClaimTTL)
	if err != nil {
		return storage.Memo{}, fmt.Errorf("claiming memo %s: %w", memoID, err)
	}
	if err := p.handle(ctx, m, token); err != nil {
		return storage.Memo{}, err
	}
	return p.store.GetMemo(ctx, memoID)
}

// Reprocess sends a failed or processed memo back to pending.
func (p *Processor) Reprocess(ctx context.Context, memoID string) error {
	if err := p.store.ResetMemo(ctx, memoID); err != nil {
		return fmt.Errorf("resetting memo %s: %w", memoID, err)
	}
	p.logger.Info("memo queued for reprocessing", "memo_id", memoID)
	return nil
}

// handle runs the stages for a claimed memo and settles it. The returned
// error is about settling, not about the memo's own failure.
func (p *Processor) handle(ctx context.Context, m storage.Memo, token string) error {
	log := p.logger.With("memo_id", m.ID, "attempt", m.Attempts+1)

	// A reclaimed memo already counted the abandoned attempt.
	if m.Attempts >= p.cfg.MaxAttempts {
		log.Warn("memo exhausted its attempts on abandoned claims")
		return p.settle(ctx, m, token, apperr.Transient("processing", errors.New("claim expired: worker stopped responding")), log)
	}

	stageCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := p.heartbeat(stageCtx, cancel, m.ID, token)
	entry, err := p.runStages(stageCtx, m)
	stopHeartbeat()

	if err == nil {
		err = p.store.MarkProcessed(ctx, m.ID, token, entry)
		if err == nil {
			log.Debug("memo processed", "index_version", entry.IndexVersion)
			return nil
		}
		if errors.Is(err, storage.ErrClaimLost) {
			log.Warn("claim lost before indexing, result discarded")
			return nil
		}
		if !apperr.IsValidation(err) {
			err = apperr.Transient("index", err)
		}
	}
	if cause := context.Cause(stageCtx); errors.Is(cause, storage.ErrClaimLost) {
		log.Warn("claim lost while processing, result discarded")
		return nil
	}
	if ctx.Err() != nil {
		// Shutdown mid-stage: leave the claim to expire and be swept.
		return nil
	}
	return p.settle(ctx, m, token, err, log)
}

func (p *Processor) runStages(ctx context.Context, m storage.Memo) (storage.IndexEntry, error) {
	text, err := extract.Text(m.ContentType, m.Content)
	if err != nil {
		return storage.IndexEntry{}, err
	}

	project, err := p.store.GetProject(ctx, m.ProjectID)
	if err != nil {
		return storage.IndexEntry{}, apperr.Transient("loading project", err)
	}
	cfg, err := storage.ParseRAGConfig(project.RAGConfig)
	if err != nil {
		return storage.IndexEntry{}, apperr.Permanent("project rag_config", err)
	}
	model, version := p.embedder.Resolve(cfg)

	vec, err := p.embedder.Embed(ctx, model, text)
	if err != nil {
		return storage.IndexEntry{}, err
	}
	return storage.IndexEntry{Embedding: vec, IndexVersion: version}, nil
}

// settle records a failed attempt. Permanent and validation errors fail
// the memo; anything else is retried with backoff until MaxAttempts.
func (p *Processor) settle(ctx context.Context, m storage.Memo, token string, cause error, log *slog.Logger) error {
	permanent := apperr.IsPermanent(cause) || apperr.IsValidation(cause)
	spent := m.Attempts + 1

	var err error
	switch {
	case permanent || spent >= p.cfg.MaxAttempts:
		log.Warn("memo failed", "error", cause, "error_class", apperr.Class(cause))
		err = p.store.FailMemo(ctx, m.ID, token, cause.Error(), apperr.Class(cause))
	default:
		delay := p.backoff(m.Attempts)
		log.Info("memo released for retry", "error", cause, "retry_in", delay)
		err = p.store.ReleaseMemo(ctx, m.ID, token, p.now().Add(delay))
	}
	if errors.Is(err, storage.ErrClaimLost) {
		log.Warn("claim lost before settling")
		return nil
	}
	if err != nil {
		return fmt.Errorf("settling memo %s: %w", m.ID, err)
	}
	return nil
}

// backoff returns RetryBase·2^attempts, capped at RetryMax.
func (p *Processor) backoff(attempts int) time.Duration {
	d := p.cfg.RetryBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.RetryMax {
			return p.cfg.RetryMax
		}
	}
	return d
}

// heartbeat extends the claim every ClaimTTL/3 until stopped. If the claim
// is lost, the stage context is cancelled with storage.ErrClaimLost.
func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, memoID, token string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.cfg.ClaimTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.store.ExtendClaim(ctx, memoID, token, p.cfg.ClaimTTL)
				if errors.Is(err, storage.ErrClaimLost) {
					cancel(storage.ErrClaimLost)
					return
				}
				if err != nil {
					p.logger.Warn("extending claim", "memo_id", memoID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
