package eval

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/storage"
)

// DatasetFile is the YAML form of a dataset and its cases.
// The same shape is accepted as JSON by the HTTP API.
type DatasetFile struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Cases       []CaseFile `yaml:"cases" json:"cases"`
}

type CaseFile struct {
	Query          string   `yaml:"query" json:"query"`
	ExpectedIDs    []string `yaml:"expected_ids,omitempty" json:"expected_ids,omitempty"`
	ExpectedAnswer string   `yaml:"expected_answer,omitempty" json:"expected_answer,omitempty"`
	Weight         float64  `yaml:"weight,omitempty" json:"weight,omitempty"`
	Scopes         []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// DatasetStore is the subset of *storage.Store used for import and export.
type DatasetStore interface {
	CreateDataset(ctx context.Context, d storage.EvaluationDataset) error
	GetDataset(ctx context.Context, id string) (storage.EvaluationDataset, error)
	DeleteDataset(ctx context.Context, id string) error
	AddCases(ctx context.Context, datasetID string, cases []storage.EvaluationCase) ([]storage.EvaluationCase, error)
	ListCases(ctx context.Context, datasetID string) ([]storage.EvaluationCase, error)
}

// ImportDataset reads a YAML dataset and stores it under projectID.
func ImportDataset(ctx context.Context, store DatasetStore, projectID string, r io.Reader) (storage.EvaluationDataset, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f DatasetFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return storage.EvaluationDataset{}, apperr.Validation("dataset", "empty document")
		}
		return storage.EvaluationDataset{}, apperr.Validation("dataset", "invalid YAML: %v", err)
	}
	if len(f.Cases) == 0 {
		return storage.EvaluationDataset{}, apperr.Validation("cases", "must not be empty")
	}

	return CreateDataset(ctx, store, projectID, f)
}

// CreateDataset stores f under projectID. A dataset whose cases fail
// validation is removed again before the error is returned.
func CreateDataset(ctx context.Context, store DatasetStore, projectID string, f DatasetFile) (storage.EvaluationDataset, error) {
	ds := storage.EvaluationDataset{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Name:        f.Name,
		Description: f.Description,
	}
	if err := store.CreateDataset(ctx, ds); err != nil {
		return storage.EvaluationDataset{}, fmt.Errorf("creating dataset: %w", err)
	}
	if len(f.Cases) > 0 {
		if _, err := AddCases(ctx, store, ds.ID, f.Cases); err != nil {
			if delErr := store.DeleteDataset(context.WithoutCancel(ctx), ds.ID); delErr != nil {
				return storage.EvaluationDataset{}, errors.Join(err, fmt.Errorf("removing partial dataset: %w", delErr))
			}
			return storage.EvaluationDataset{}, err
		}
	}
	return store.GetDataset(ctx, ds.ID)
}

// AddCases appends cases to an existing dataset, assigning fresh ids.
func AddCases(ctx context.Context, store DatasetStore, datasetID string, in []CaseFile) ([]storage.EvaluationCase, error) {
	if len(in) == 0 {
		return nil, apperr.Validation("cases", "must not be empty")
	}
	cases := make([]storage.EvaluationCase, len(in))
	for i, c := range in {
		cases[i] = storage.EvaluationCase{
			ID:             uuid.New().String(),
			Query:          c.Query,
			ExpectedIDs:    c.ExpectedIDs,
			ExpectedAnswer: c.ExpectedAnswer,
			Weight:         c.Weight,
			Scopes:         c.Scopes,
		}
	}
	return store.AddCases(ctx, datasetID, cases)
}

// ExportDataset writes a dataset and its cases as YAML.
func ExportDataset(ctx context.Context, store DatasetStore, datasetID string, w io.Writer) error {
	ds, err := store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	cases, err := store.ListCases(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("loading cases: %w", err)
	}
	f := DatasetFile{Name: ds.Name, Description: ds.Description, Cases: make([]CaseFile, len(cases))}
	for i, c := range cases {
		f.Cases[i] = CaseFile{
			Query:          c.Query,
			ExpectedIDs:    c.ExpectedIDs,
			ExpectedAnswer: c.ExpectedAnswer,
			Weight:         c.Weight,
			Scopes:         c.Scopes,
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encoding dataset: %w", err)
	}
	return enc.Close()
}
