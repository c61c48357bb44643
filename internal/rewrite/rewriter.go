// Package rewrite turns raw user queries into queries better suited to the
// semantic index. Rewriting is an optional enhancement: any failure falls
// back to the raw query.
package rewrite

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
)

// DefaultTimeout bounds a single rewrite call.
const DefaultTimeout = 3 * time.Second

// maxOutputRunes rejects runaway model output.
const maxOutputRunes = 1024

// Chatter is the chat half of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message) (string, error)
}

// Result is the outcome of one rewrite.
type Result struct {
	// Query is the text to search with: the rewrite, or the raw query on fallback.
	Query string `json:"query"`
	// Rewritten is true when Query differs from the raw query.
	Rewritten bool `json:"rewritten"`
	// Degraded is true when rewriting failed and the raw query was kept.
	Degraded bool `json:"degraded"`
}

// Options adjust a single Rewrite call.
type Options struct {
	// Model overrides the rewriter's default model.
	Model string
	// Cache overrides the rewriter's service cache, e.g. with a PinnedCache
	// for an evaluation run.
	Cache Cache
}

type Config struct {
	Model   string
	Timeout time.Duration
	Cache   Cache
	Logger  *slog.Logger
}

// Rewriter rewrites queries with a chat model.
type Rewriter struct {
	chat    Chatter
	model   string
	timeout time.Duration
	cache   Cache
	logger  *slog.Logger
}

func New(chat Chatter, cfg Config) *Rewriter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Rewriter{
		chat:    chat,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		cache:   cfg.Cache,
		logger:  cfg.Logger,
	}
}

// Rewrite returns a rewritten query. It never fails: on timeout, chat
// error or unusable output it logs a degraded warning and returns the raw
// query.
func (r *Rewriter) Rewrite(ctx context.Context, query string, opts Options) Result {
	if strings.TrimSpace(query) == "" {
		return Result{Query: query}
	}
	model := opts.Model
	if model == "" {
		model = r.model
	}
	cache := opts.Cache
	if cache == nil {
		cache = r.cache
	}

	if l, ok := cache.(loader); ok {
		return l.load(cacheKey(model, query), func() Result { return r.rewrite(ctx, model, query) })
	}

	key := cacheKey(model, query)
	if cache != nil {
		v, ok, err := cache.Get(ctx, key)
		if err != nil {
			r.logger.Debug("rewrite cache get failed", "error", err)
		} else if ok {
			return Result{Query: v, Rewritten: v != query}
		}
	}

	res := r.rewrite(ctx, model, query)
	if cache != nil && !res.Degraded {
		if err := cache.Set(ctx, key, res.Query); err != nil {
			r.logger.Debug("rewrite cache set failed", "error", err)
		}
	}
	return res
}

func (r *Rewriter) rewrite(ctx context.Context, model, query string) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.chat.Chat(ctx, model, BuildPrompt(query))
	if err == nil {
		raw, err = cleanOutput(raw)
	}
	if err != nil {
		derr := &apperr.DegradedError{Feature: "query_rewrite", Err: err}
		r.logger.Warn("query rewrite degraded, using raw query", "error", derr, "model", model)
		return Result{Query: query, Degraded: true}
	}
	return Result{Query: raw, Rewritten: raw != query}
}

var errEmptyRewrite = errors.New("model returned an empty rewrite")

// cleanOutput keeps the first non-empty line and strips wrapping quotes.
func cleanOutput(raw string) (string, error) {
	var line string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.Trim(line, "\"'`")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errEmptyRewrite
	}
	if n := utf8.RuneCountInString(line); n > maxOutputRunes {
		return "", fmt.Errorf("rewrite too long: %d runes", n)
	}
	return line, nil
}

func cacheKey(model, query string) string {
	return model + "\x00" + query
}
