package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/scopedrag/internal/eval"
	"github.com/kalambet/scopedrag/internal/processor"
	"github.com/kalambet/scopedrag/internal/retrieval"
	"github.com/kalambet/scopedrag/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxMemoBodySize    = 10 << 20 // 10MB
)

// Retriever is satisfied by *retrieval.Retriever.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Response, error)
}

// Evaluator is satisfied by *eval.Engine.
type Evaluator interface {
	Run(ctx context.Context, datasetID string, cfg eval.PipelineConfig) (eval.Run, error)
	GetRun(ctx context.Context, id string) (eval.Run, error)
	ListRuns(ctx context.Context, datasetID string) ([]eval.Run, error)
}

type AppDeps struct {
	Store     *storage.Store
	Processor *processor.Processor
	Retriever Retriever
	Eval      Evaluator
	Token     string
}

// NewAppHandler returns the HTTP API. /health is served without auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/projects", handleCreateProject(deps))
		r.Get("/projects/{id}", handleGetProject(deps))
		r.Patch("/projects/{id}", handleUpdateProject(deps))
		r.Delete("/projects/{id}", handleDeleteProject(deps))
		r.Get("/projects/{id}/stats", handleProjectStats(deps))

		r.Post("/projects/{id}/memos", handleSubmitMemo(deps))
		r.Get("/projects/{id}/memos", handleListMemos(deps))
		r.Get("/memos/{id}", handleGetMemo(deps))
		r.Delete("/memos/{id}", handleDeleteMemo(deps))
		r.Post("/memos/{id}/reprocess", handleReprocessMemo(deps))
		r.Put("/memos/{id}/scopes", handleUpdateScopes(deps))

		r.Post("/projects/{id}/retrieve", handleRetrieve(deps))

		r.Post("/projects/{id}/datasets", handleCreateDataset(deps))
		r.Get("/projects/{id}/datasets", handleListDatasets(deps))
		r.Get("/datasets/{id}", handleGetDataset(deps))
		r.Post("/datasets/{id}/cases", handleAddCases(deps))
		r.Delete("/datasets/{id}", handleDeleteDataset(deps))
		r.Post("/datasets/{id}/runs", handleStartRun(deps))
		r.Get("/datasets/{id}/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
