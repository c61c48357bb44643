package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/scope"
)

func (s *Store) CreateDataset(ctx context.Context, d EvaluationDataset) error {
	if strings.TrimSpace(d.Name) == "" {
		return apperr.Validation("name", "must not be empty")
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id = ?`, d.ProjectID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("project %s: %w", d.ProjectID, ErrNotFound)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_datasets (id, project_id, name, description, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			d.ID, d.ProjectID, d.Name, d.Description, formatTime(createdAt),
		)
		return err
	})
}

func scanDataset(row rowScanner) (EvaluationDataset, error) {
	var d EvaluationDataset
	var createdAt string
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Description, &createdAt); err != nil {
		return EvaluationDataset{}, err
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return EvaluationDataset{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

func (s *Store) GetDataset(ctx context.Context, id string) (EvaluationDataset, error) {
	d, err := scanDataset(s.read.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, created_at
		FROM evaluation_datasets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return EvaluationDataset{}, ErrNotFound
	}
	return d, err
}

func (s *Store) ListDatasets(ctx context.Context, projectID string) ([]EvaluationDataset, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, project_id, name, description, created_at
		FROM evaluation_datasets WHERE project_id = ?
		ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvaluationDataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDataset removes a dataset with its cases and persisted runs.
func (s *Store) DeleteDataset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evaluation_datasets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddCases appends cases to a dataset after its current last position.
// Positions on the input are ignored and assigned in slice order.
func (s *Store) AddCases(ctx context.Context, datasetID string, cases []EvaluationCase) ([]EvaluationCase, error) {
	for i := range cases {
		if strings.TrimSpace(cases[i].Query) == "" {
			return nil, apperr.Validation(fmt.Sprintf("cases[%d].query", i), "must not be empty")
		}
		if len(cases[i].ExpectedIDs) == 0 && strings.TrimSpace(cases[i].ExpectedAnswer) == "" {
			return nil, apperr.Validation(fmt.Sprintf("cases[%d]", i), "needs expected_ids or expected_answer")
		}
		if math.IsNaN(cases[i].Weight) || math.IsInf(cases[i].Weight, 0) {
			return nil, apperr.Validation(fmt.Sprintf("cases[%d].weight", i), "must be a finite number")
		}
		if cases[i].Weight == 0 {
			cases[i].Weight = 1
		}
		if cases[i].Weight < 0 {
			return nil, apperr.Validation(fmt.Sprintf("cases[%d].weight", i), "must be positive")
		}
		normalized, err := scope.Normalize(cases[i].Scopes)
		if err != nil {
			return nil, err
		}
		cases[i].Scopes = normalized
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluation_datasets WHERE id = ?`, datasetID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}

		var next int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM evaluation_cases WHERE dataset_id = ?`,
			datasetID).Scan(&next); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO evaluation_cases (id, dataset_id, position, query, expected_ids, expected_answer, weight, scopes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing case insert: %w", err)
		}
		defer stmt.Close()

		for i := range cases {
			c := &cases[i]
			c.DatasetID = datasetID
			c.Position = next + i
			expected, err := encodeStrings(c.ExpectedIDs)
			if err != nil {
				return err
			}
			scopes, err := encodeStrings(c.Scopes)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, c.ID, datasetID, c.Position, c.Query, expected, c.ExpectedAnswer, c.Weight, scopes); err != nil {
				return fmt.Errorf("inserting case %d: %w", c.Position, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cases, nil
}

// ListCases returns a dataset's cases ordered by position.
func (s *Store) ListCases(ctx context.Context, datasetID string) ([]EvaluationCase, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, dataset_id, position, query, expected_ids, expected_answer, weight, scopes
		FROM evaluation_cases WHERE dataset_id = ?
		ORDER BY position ASC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvaluationCase
	for rows.Next() {
		var c EvaluationCase
		var expected, scopes string
		if err := rows.Scan(&c.ID, &c.DatasetID, &c.Position, &c.Query, &expected, &c.ExpectedAnswer, &c.Weight, &scopes); err != nil {
			return nil, err
		}
		if c.ExpectedIDs, err = decodeStrings(expected); err != nil {
			return nil, fmt.Errorf("decoding expected_ids for case %s: %w", c.ID, err)
		}
		if c.Scopes, err = decodeStrings(scopes); err != nil {
			return nil, fmt.Errorf("decoding scopes for case %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
