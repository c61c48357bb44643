package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/processor"
	"github.com/kalambet/scopedrag/internal/retrieval"
	"github.com/kalambet/scopedrag/internal/storage"
)

type memoStatusResponse struct {
	ID     string             `json:"id"`
	Status storage.MemoStatus `json:"status"`
}

// handleSubmitMemo queues a memo for processing. A repeated external_id
// returns the existing memo with 200 instead of 202.
func handleSubmitMemo(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req processor.SubmitRequest
		if !decodeLimited(w, r, maxMemoBodySize, &req) {
			return
		}
		req.ProjectID = chi.URLParam(r, "id")

		res, err := deps.Processor.Submit(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Created {
			writeJSON(w, http.StatusAccepted, memoStatusResponse{ID: res.ID, Status: storage.StatusPending})
			return
		}
		m, err := deps.Store.GetMemo(r.Context(), res.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, memoStatusResponse{ID: m.ID, Status: m.Status})
	}
}

func handleListMemos(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		status := storage.MemoStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			writeError(w, apperr.Validation("status", "unknown status %q", status))
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		if _, err := deps.Store.GetProject(r.Context(), projectID); err != nil {
			writeError(w, err)
			return
		}
		memos, err := deps.Store.ListMemos(r.Context(), projectID, status, limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		if memos == nil {
			memos = []storage.Memo{}
		}
		writeJSON(w, http.StatusOK, memos)
	}
}

func handleGetMemo(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Store.GetMemo(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleDeleteMemo(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteMemo(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleReprocessMemo(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Processor.Reprocess(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, memoStatusResponse{ID: id, Status: storage.StatusPending})
	}
}

func handleUpdateScopes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Scopes []string `json:"scopes"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		m, err := deps.Store.UpdateMemoScopes(r.Context(), chi.URLParam(r, "id"), req.Scopes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleRetrieve(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retrieval.Request
		if !decodeBody(w, r, &req) {
			return
		}
		req.ProjectID = chi.URLParam(r, "id")

		resp, err := deps.Retriever.Retrieve(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		if resp.Hits == nil {
			resp.Hits = []retrieval.Hit{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
