package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/scopedrag/internal/storage"
)

type projectRequest struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	QueryRewriteEnabled bool            `json:"query_rewrite_enabled"`
	RAGConfig           json.RawMessage `json:"rag_config"`
}

type projectPatch struct {
	Name                *string         `json:"name"`
	QueryRewriteEnabled *bool           `json:"query_rewrite_enabled"`
	RAGConfig           json.RawMessage `json:"rag_config"`
}

func handleCreateProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req projectRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		p := storage.Project{
			ID:                  req.ID,
			Name:                req.Name,
			QueryRewriteEnabled: req.QueryRewriteEnabled,
			RAGConfig:           req.RAGConfig,
		}
		if err := deps.Store.CreateProject(r.Context(), p); err != nil {
			writeError(w, err)
			return
		}
		created, err := deps.Store.GetProject(r.Context(), p.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleGetProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetProject(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleUpdateProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req projectPatch
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Store.UpdateProject(r.Context(), chi.URLParam(r, "id"), storage.ProjectUpdate{
			Name:                req.Name,
			QueryRewriteEnabled: req.QueryRewriteEnabled,
			RAGConfig:           req.RAGConfig,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleDeleteProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// handleProjectStats reports memo counts per status.
func handleProjectStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetProject(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		counts, err := deps.Store.StatusCounts(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		out := map[storage.MemoStatus]int{
			storage.StatusPending:    0,
			storage.StatusProcessing: 0,
			storage.StatusProcessed:  0,
			storage.StatusFailed:     0,
		}
		for st, n := range counts {
			out[st] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{"project_id": id, "memos": out})
	}
}
