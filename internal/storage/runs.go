package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveRun persists a run and its per-case results in one transaction.
func (s *Store) SaveRun(ctx context.Context, run RunRecord, results []CaseResultRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_runs (id, dataset_id, status, config, aggregate,
				cases_total, cases_scored, cases_failed, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.DatasetID, run.Status, rawOr(run.Config, "{}"), rawOr(run.Aggregate, "{}"),
			run.CasesTotal, run.CasesScored, run.CasesFailed,
			formatTime(run.StartedAt), formatTime(run.FinishedAt),
		); err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO evaluation_case_results (run_id, case_id, position, query, rewritten_query,
				retrieved_ids, scores, scored, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing case result insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range results {
			retrieved, err := encodeStrings(r.RetrievedIDs)
			if err != nil {
				return err
			}
			scores, err := json.Marshal(r.Scores)
			if err != nil {
				return fmt.Errorf("encoding scores: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, run.ID, r.CaseID, r.Position, r.Query, r.RewrittenQuery,
				retrieved, string(scores), r.Scored, r.Error); err != nil {
				return fmt.Errorf("inserting result for case %d: %w", r.Position, err)
			}
		}
		return nil
	})
}

func rawOr(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

const runColumns = `id, dataset_id, status, config, aggregate, cases_total, cases_scored, cases_failed, started_at, finished_at`

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var cfg, agg, started, finished string
	if err := row.Scan(&r.ID, &r.DatasetID, &r.Status, &cfg, &agg,
		&r.CasesTotal, &r.CasesScored, &r.CasesFailed, &started, &finished); err != nil {
		return RunRecord{}, err
	}
	r.Config = json.RawMessage(cfg)
	r.Aggregate = json.RawMessage(agg)
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return RunRecord{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return RunRecord{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	r, err := scanRun(s.read.QueryRowContext(ctx, `SELECT `+runColumns+` FROM evaluation_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns a dataset's persisted runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, datasetID string) ([]RunRecord, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT `+runColumns+` FROM evaluation_runs
		WHERE dataset_id = ? ORDER BY started_at DESC, id ASC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListCaseResults(ctx context.Context, runID string) ([]CaseResultRecord, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT run_id, case_id, position, query, rewritten_query, retrieved_ids, scores, scored, error
		FROM evaluation_case_results WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaseResultRecord
	for rows.Next() {
		var r CaseResultRecord
		var retrieved, scores string
		if err := rows.Scan(&r.RunID, &r.CaseID, &r.Position, &r.Query, &r.RewrittenQuery,
			&retrieved, &scores, &r.Scored, &r.Error); err != nil {
			return nil, err
		}
		if r.RetrievedIDs, err = decodeStrings(retrieved); err != nil {
			return nil, fmt.Errorf("decoding retrieved_ids: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &r.Scores); err != nil {
			return nil, fmt.Errorf("decoding scores: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
