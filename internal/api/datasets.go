package api

import (
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/scopedrag/internal/eval"
	"github.com/kalambet/scopedrag/internal/storage"
)

const yamlContentType = "application/yaml"

type datasetResponse struct {
	storage.EvaluationDataset
	Cases []storage.EvaluationCase `json:"cases"`
}

func isYAML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == yamlContentType || mt == "text/yaml" || mt == "application/x-yaml"
}

// handleCreateDataset accepts either JSON or a YAML dataset document,
// chosen by Content-Type.
func handleCreateDataset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")

		var ds storage.EvaluationDataset
		var err error
		if isYAML(r.Header.Get("Content-Type")) {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			defer r.Body.Close()
			ds, err = eval.ImportDataset(r.Context(), deps.Store, projectID, r.Body)
		} else {
			var f eval.DatasetFile
			if !decodeBody(w, r, &f) {
				return
			}
			ds, err = eval.CreateDataset(r.Context(), deps.Store, projectID, f)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeDataset(w, r, deps, http.StatusCreated, ds)
	}
}

func handleListDatasets(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetProject(r.Context(), projectID); err != nil {
			writeError(w, err)
			return
		}
		datasets, err := deps.Store.ListDatasets(r.Context(), projectID)
		if err != nil {
			writeError(w, err)
			return
		}
		if datasets == nil {
			datasets = []storage.EvaluationDataset{}
		}
		writeJSON(w, http.StatusOK, datasets)
	}
}

// handleGetDataset returns the dataset with its cases, as YAML when the
// client asks for it with ?format=yaml or an Accept header.
func handleGetDataset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if r.URL.Query().Get("format") == "yaml" || strings.Contains(r.Header.Get("Accept"), yamlContentType) {
			// Checked up front so a missing dataset still gets a JSON 404.
			if _, err := deps.Store.GetDataset(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", yamlContentType)
			if err := eval.ExportDataset(r.Context(), deps.Store, id, w); err != nil {
				writeError(w, err)
			}
			return
		}
		ds, err := deps.Store.GetDataset(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeDataset(w, r, deps, http.StatusOK, ds)
	}
}

func writeDataset(w http.ResponseWriter, r *http.Request, deps AppDeps, code int, ds storage.EvaluationDataset) {
	cases, err := deps.Store.ListCases(r.Context(), ds.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cases == nil {
		cases = []storage.EvaluationCase{}
	}
	writeJSON(w, code, datasetResponse{EvaluationDataset: ds, Cases: cases})
}

func handleAddCases(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Cases []eval.CaseFile `json:"cases"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		cases, err := eval.AddCases(r.Context(), deps.Store, chi.URLParam(r, "id"), req.Cases)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cases)
	}
}

func handleDeleteDataset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteDataset(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// handleStartRun runs the evaluation synchronously and returns the run.
// A client that disconnects mid-run gets a partial run persisted if it
// asked for persistence.
func handleStartRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg eval.PipelineConfig
		if !decodeBody(w, r, &cfg) {
			return
		}
		run, err := deps.Eval.Run(r.Context(), chi.URLParam(r, "id"), cfg)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Eval.ListRuns(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if runs == nil {
			runs = []eval.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Eval.GetRun(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}
