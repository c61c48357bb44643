package eval

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/storage"
)

const capitalsYAML = `
name: capitals
description: European capitals
cases:
  - query: capital of France
    expected_ids: [m-paris]
  - query: capital of Germany
    expected_answer: Berlin
    weight: 2
    scopes: [geo]
`

func TestImportExportDataset(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s)
	ctx := context.Background()

	ds, err := ImportDataset(ctx, s, "p1", strings.NewReader(capitalsYAML))
	if err != nil {
		t.Fatalf("ImportDataset: %v", err)
	}
	if ds.Name != "capitals" || ds.ProjectID != "p1" {
		t.Errorf("dataset = %+v", ds)
	}
	cases, err := s.ListCases(ctx, ds.ID)
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if len(cases) != 2 || cases[0].Weight != 1 || cases[1].Weight != 2 || cases[1].Scopes[0] != "geo" {
		t.Fatalf("cases = %+v", cases)
	}

	var buf bytes.Buffer
	if err := ExportDataset(ctx, s, ds.ID, &buf); err != nil {
		t.Fatalf("ExportDataset: %v", err)
	}
	var out DatasetFile
	if err := yaml.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("exported YAML does not parse: %v\n%s", err, buf.String())
	}
	if out.Name != "capitals" || len(out.Cases) != 2 || out.Cases[0].ExpectedIDs[0] != "m-paris" || out.Cases[1].ExpectedAnswer != "Berlin" {
		t.Errorf("exported = %+v", out)
	}
}

func TestImportDataset_Invalid(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s)
	ctx := context.Background()

	tests := map[string]string{
		"empty":          "",
		"unknown field":  "name: x\ncases:\n  - query: q\n    expected: [a]\n",
		"no cases":       "name: x\ncases: []\n",
		"no name":        "cases:\n  - query: q\n    expected_ids: [a]\n",
		"no expectation": "name: x\ncases:\n  - query: q\n",
	}
	for name, doc := range tests {
		if _, err := ImportDataset(ctx, s, "p1", strings.NewReader(doc)); !apperr.IsValidation(err) {
			t.Errorf("%s: error = %v, want ValidationError", name, err)
		}
	}

	// Only the dataset created by seedDataset remains.
	datasets, err := s.ListDatasets(ctx, "p1")
	if err != nil {
		t.Fatalf("ListDatasets: %v", err)
	}
	if len(datasets) != 1 {
		t.Errorf("datasets = %d, want 1 (failed imports must not linger)", len(datasets))
	}
}

func TestImportDataset_NonFiniteWeight(t *testing.T) {
	s := openTestStore(t)
	seedDataset(t, s)
	ctx := context.Background()

	for _, w := range []string{".inf", "-.inf", ".nan"} {
		doc := "name: weights\ncases:\n  - query: capital of France\n    expected_ids: [m-paris]\n    weight: " + w + "\n"
		_, err := ImportDataset(ctx, s, "p1", strings.NewReader(doc))
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("weight %s: error = %v, want ValidationError", w, err)
			continue
		}
		if ve.Field != "cases[0].weight" {
			t.Errorf("weight %s: field = %q, want cases[0].weight", w, ve.Field)
		}
	}

	datasets, err := s.ListDatasets(ctx, "p1")
	if err != nil {
		t.Fatalf("ListDatasets: %v", err)
	}
	if len(datasets) != 1 {
		t.Errorf("datasets = %d, want 1", len(datasets))
	}
}

func TestImportDataset_UnknownProject(t *testing.T) {
	s := openTestStore(t)
	_, err := ImportDataset(context.Background(), s, "nope", strings.NewReader(capitalsYAML))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
