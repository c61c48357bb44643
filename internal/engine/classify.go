package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/ollama"
)

// classify wraps a backend error as transient or permanent. Rate limits,
// server errors, timeouts and connection failures are retryable; any other
// HTTP status means the request itself is wrong.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.IsTransient(err) || apperr.IsPermanent(err) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var se *ollama.StatusError
	if errors.As(err, &se) {
		return byStatus(op, se.Code, err)
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return byStatus(op, oe.StatusCode, err)
	}

	// Connection refused, DNS and decode failures: retry.
	return apperr.Transient(op, err)
}

func byStatus(op string, code int, err error) error {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return apperr.Transient(op, err)
	}
	return apperr.Permanent(op, err)
}
