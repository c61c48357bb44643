package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps err onto a status code and error type.
func writeError(w http.ResponseWriter, err error) {
	code, errType := classify(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	httpError(w, code, errType, "%v", err)
}

func classify(err error) (int, string) {
	switch {
	case apperr.IsValidation(err):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrReferenced):
		return http.StatusConflict, "conflict"
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrNotClaimable):
		return http.StatusConflict, "invalid_state"
	case apperr.IsTransient(err):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "api_error"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a size-limited JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeLimited(w, r, maxRequestBodySize, v)
}

func decodeLimited(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}
