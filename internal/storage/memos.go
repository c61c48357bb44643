package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/scopedrag/internal/apperr"
	"github.com/kalambet/scopedrag/internal/scope"
)

// MaxErrorLength bounds the stored processing_error text.
const MaxErrorLength = 4096

const truncatedSuffix = "…[truncated]"

const memoColumns = `id, project_id, external_id, content, content_type, status, processing_error,
	error_class, scopes, attempts, claim_token, claim_expires_at, run_after, created_at, updated_at`

// claimable matches memos a worker may take: pending ones whose backoff has
// elapsed, and processing ones whose claim expired.
const claimable = `((status = 'pending' AND run_after <= ?) OR (status = 'processing' AND claim_expires_at <= ?))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemo(row rowScanner) (Memo, error) {
	var m Memo
	var externalID, procErr, errClass, claimToken, claimExpires sql.NullString
	var scopesJSON, runAfter, createdAt, updatedAt, status string
	if err := row.Scan(&m.ID, &m.ProjectID, &externalID, &m.Content, &m.ContentType, &status, &procErr,
		&errClass, &scopesJSON, &m.Attempts, &claimToken, &claimExpires, &runAfter, &createdAt, &updatedAt); err != nil {
		return Memo{}, err
	}
	m.Status = MemoStatus(status)
	m.ExternalID = externalID.String
	m.ProcessingError = procErr.String
	m.ErrorClass = errClass.String
	m.ClaimToken = claimToken.String

	var err error
	if m.Scopes, err = decodeStrings(scopesJSON); err != nil {
		return Memo{}, fmt.Errorf("decoding scopes for memo %s: %w", m.ID, err)
	}
	if m.ClaimExpiresAt, err = parseNullTime(claimExpires); err != nil {
		return Memo{}, fmt.Errorf("parsing claim_expires_at for memo %s: %w", m.ID, err)
	}
	if m.RunAfter, err = parseTime(runAfter); err != nil {
		return Memo{}, fmt.Errorf("parsing run_after for memo %s: %w", m.ID, err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Memo{}, fmt.Errorf("parsing created_at for memo %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Memo{}, fmt.Errorf("parsing updated_at for memo %s: %w", m.ID, err)
	}
	return m, nil
}

// CreateMemo inserts m in pending state and returns its id. When m carries
// an external id already used in the project, the existing memo id is
// returned with created=false; reusing it for different content is a
// validation error.
func (s *Store) CreateMemo(ctx context.Context, m Memo) (id string, created bool, err error) {
	scopes, err := scope.Normalize(m.Scopes)
	if err != nil {
		return "", false, err
	}
	scopesJSON, err := encodeStrings(scopes)
	if err != nil {
		return "", false, fmt.Errorf("encoding scopes: %w", err)
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = "text"
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id = ?`, m.ProjectID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("project %s: %w", m.ProjectID, ErrNotFound)
		}

		if m.ExternalID != "" {
			var existingID, existingContent string
			err := tx.QueryRowContext(ctx, `SELECT id, content FROM memos WHERE project_id = ? AND external_id = ?`,
				m.ProjectID, m.ExternalID).Scan(&existingID, &existingContent)
			switch {
			case err == nil:
				if existingContent != m.Content {
					return apperr.Validation("external_id", "%q already used for different content", m.ExternalID)
				}
				id = existingID
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}

		var externalID any
		if m.ExternalID != "" {
			externalID = m.ExternalID
		}
		ts := formatTime(createdAt)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memos (id, project_id, external_id, content, content_type, status, scopes, run_after, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
			m.ID, m.ProjectID, externalID, m.Content, contentType, scopesJSON, ts, ts, ts,
		); err != nil {
			return fmt.Errorf("inserting memo: %w", err)
		}
		if err := insertScopes(ctx, tx, m.ID, scopes); err != nil {
			return err
		}
		id = m.ID
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

func insertScopes(ctx context.Context, tx *sql.Tx, memoID string, scopes []string) error {
	if len(scopes) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO memo_scopes (scope, memo_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing scope insert: %w", err)
	}
	defer stmt.Close()
	for _, sc := range scopes {
		if _, err := stmt.ExecContext(ctx, sc, memoID); err != nil {
			return fmt.Errorf("inserting scope %q: %w", sc, err)
		}
	}
	return nil
}

func (s *Store) GetMemo(ctx context.Context, id string) (Memo, error) {
	m, err := scanMemo(s.read.QueryRowContext(ctx, `SELECT `+memoColumns+` FROM memos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Memo{}, ErrNotFound
	}
	return m, err
}

// GetMemos returns the memos with the given ids, keyed by id. Missing ids
// are absent from the map.
func (s *Store) GetMemos(ctx context.Context, ids []string) (map[string]Memo, error) {
	if len(ids) == 0 {
		return map[string]Memo{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.read.QueryContext(ctx, `SELECT `+memoColumns+` FROM memos WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Memo, len(ids))
	for rows.Next() {
		m, err := scanMemo(rows)
		if err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// ListMemos returns a project's memos, newest first. An empty status lists all.
func (s *Store) ListMemos(ctx context.Context, projectID string, status MemoStatus, limit, offset int) ([]Memo, error) {
	query := `SELECT ` + memoColumns + ` FROM memos WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memo
	for rows.Next() {
		m, err := scanMemo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of memos in each status for a project.
func (s *Store) StatusCounts(ctx context.Context, projectID string) (map[MemoStatus]int, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT status, COUNT(*) FROM memos WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[MemoStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[MemoStatus(st)] = n
	}
	return counts, rows.Err()
}

// DeleteMemo removes a memo; its scope rows and index entry go with it.
func (s *Store) DeleteMemo(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memos WHERE id = ?`, id)
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

// UpdateMemoScopes replaces a memo's scope set and its inverted-index rows.
func (s *Store) UpdateMemoScopes(ctx context.Context, id string, tags []string) (Memo, error) {
	scopes, err := scope.Normalize(tags)
	if err != nil {
		return Memo{}, err
	}
	scopesJSON, err := encodeStrings(scopes)
	if err != nil {
		return Memo{}, fmt.Errorf("encoding scopes: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE memos SET scopes = ?, updated_at = ? WHERE id = ?`,
			scopesJSON, formatTime(s.now()), id)
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM memo_scopes WHERE memo_id = ?`, id); err != nil {
			return fmt.Errorf("clearing scopes: %w", err)
		}
		return insertScopes(ctx, tx, id, scopes)
	})
	if err != nil {
		return Memo{}, err
	}
	return s.GetMemo(ctx, id)
}

// --- Claims ---

const claimUpdate = `UPDATE memos SET
		attempts = CASE WHEN status = 'processing' THEN attempts + 1 ELSE attempts END,
		status = 'processing', claim_token = ?, claim_expires_at = ?, updated_at = ?
	WHERE id = ? AND ` + claimable

// ClaimMemo atomically moves the given memo to processing under token.
// Reclaiming an expired claim counts as a spent attempt. Returns
// ErrNotClaimable when another worker holds a live claim or the memo is
// not pending.
func (s *Store) ClaimMemo(ctx context.Context, id, token string, ttl time.Duration) (Memo, error) {
	var claimed Memo
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		nowStr := formatTime(now)
		res, err := tx.ExecContext(ctx, claimUpdate, token, formatTime(now.Add(ttl)), nowStr, id, nowStr, nowStr)
		if err != nil {
			return fmt.Errorf("claiming memo %s: %w", id, err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n != 1 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memos WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrNotClaimable
		}
		claimed, err = scanMemo(tx.QueryRowContext(ctx, `SELECT `+memoColumns+` FROM memos WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return Memo{}, err
	}
	return claimed, nil
}

// ClaimNextMemo claims the oldest claimable memo. Returns nil when there is
// nothing to do.
func (s *Store) ClaimNextMemo(ctx context.Context, token string, ttl time.Duration) (*Memo, error) {
	var claimed *Memo
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		nowStr := formatTime(now)

		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM memos WHERE `+claimable+`
			ORDER BY run_after ASC, created_at ASC LIMIT 1`, nowStr, nowStr).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next memo: %w", err)
		}

		res, err := tx.ExecContext(ctx, claimUpdate, token, formatTime(now.Add(ttl)), nowStr, id, nowStr, nowStr)
		if err != nil {
			return fmt.Errorf("claiming memo %s: %w", id, err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		m, err := scanMemo(tx.QueryRowContext(ctx, `SELECT `+memoColumns+` FROM memos WHERE id = ?`, id))
		if err != nil {
			return err
		}
		claimed = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ExtendClaim pushes the claim expiry forward. Returns ErrClaimLost when
// token no longer owns the memo.
func (s *Store) ExtendClaim(ctx context.Context, id, token string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `UPDATE memos SET claim_expires_at = ?, updated_at = ?
		WHERE id = ? AND claim_token = ? AND status = 'processing'`,
		formatTime(now.Add(ttl)), formatTime(now), id, token)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// IndexEntry is the vector written when a memo finishes processing.
type IndexEntry struct {
	Embedding    []float32
	IndexVersion string
}

// MarkProcessed writes the memo's index entry and flips it to processed in
// one transaction, provided token still owns the claim. On ErrClaimLost
// nothing is written.
func (s *Store) MarkProcessed(ctx context.Context, id, token string, entry IndexEntry) error {
	if len(entry.Embedding) == 0 {
		return apperr.Validation("embedding", "must not be empty")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var projectID string
		err := tx.QueryRowContext(ctx, `SELECT project_id FROM memos WHERE id = ? AND claim_token = ? AND status = 'processing'`,
			id, token).Scan(&projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return err
		}

		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memo_vectors (memo_id, project_id, embedding, index_version, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(memo_id) DO UPDATE SET
				embedding = excluded.embedding,
				index_version = excluded.index_version,
				created_at = excluded.created_at`,
			id, projectID, EncodeVector(entry.Embedding), entry.IndexVersion, now,
		); err != nil {
			return fmt.Errorf("writing index entry: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE memos SET status = 'processed', processing_error = NULL, error_class = NULL,
				claim_token = NULL, claim_expires_at = NULL, updated_at = ?
			WHERE id = ? AND claim_token = ? AND status = 'processing'`, now, id, token)
		if err != nil {
			return fmt.Errorf("marking memo processed: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrClaimLost
		}
		return nil
	})
}

// FailMemo settles a claimed memo to failed with a truncated error message.
func (s *Store) FailMemo(ctx context.Context, id, token, errMsg, errClass string) error {
	if strings.TrimSpace(errMsg) == "" {
		errMsg = "unknown error"
	}
	errMsg = TruncateError(errMsg)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE memos SET status = 'failed', processing_error = ?, error_class = ?,
				attempts = attempts + 1, claim_token = NULL, claim_expires_at = NULL, updated_at = ?
			WHERE id = ? AND claim_token = ? AND status = 'processing'`,
			errMsg, errClass, formatTime(s.now()), id, token)
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrClaimLost
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM memo_vectors WHERE memo_id = ?`, id)
		return err
	})
}

// ReleaseMemo hands a claimed memo back to the queue after a transient
// failure. It becomes claimable again at runAfter.
func (s *Store) ReleaseMemo(ctx context.Context, id, token string, runAfter time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memos SET status = 'pending', attempts = attempts + 1,
			claim_token = NULL, claim_expires_at = NULL, run_after = ?, updated_at = ?
		WHERE id = ? AND claim_token = ? AND status = 'processing'`,
		formatTime(runAfter), formatTime(s.now()), id, token)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// RequeueStale returns processing memos whose claim expired to pending.
// Memos that have used up maxAttempts are failed instead, so a memo that
// keeps crashing its worker cannot cycle forever.
func (s *Store) RequeueStale(ctx context.Context, maxAttempts int) (requeued, failed int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `UPDATE memos SET status = 'failed',
				processing_error = 'claim expired: worker stopped responding', error_class = 'transient',
				attempts = attempts + 1, claim_token = NULL, claim_expires_at = NULL, updated_at = ?
			WHERE status = 'processing' AND claim_expires_at <= ? AND attempts + 1 >= ?`,
			now, now, maxAttempts)
		if err != nil {
			return fmt.Errorf("failing exhausted memos: %w", err)
		}
		if failed, err = affected(res); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `UPDATE memos SET status = 'pending', attempts = attempts + 1,
				claim_token = NULL, claim_expires_at = NULL, run_after = ?, updated_at = ?
			WHERE status = 'processing' AND claim_expires_at <= ?`, now, now, now)
		if err != nil {
			return fmt.Errorf("requeueing stale memos: %w", err)
		}
		requeued, err = affected(res)
		return err
	})
	return requeued, failed, err
}

// ResetMemo sends a failed or processed memo back to pending for another
// processing round, dropping its index entry.
func (s *Store) ResetMemo(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `UPDATE memos SET status = 'pending', processing_error = NULL, error_class = NULL,
				attempts = 0, run_after = ?, updated_at = ?
			WHERE id = ? AND status IN ('failed', 'processed')`, now, now, id)
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM memos WHERE id = ?`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("memo %s is %s: %w", id, status, ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM memo_vectors WHERE memo_id = ?`, id)
		return err
	})
}

// TruncateError bounds msg to MaxErrorLength bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength - len(truncatedSuffix)
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + truncatedSuffix
}
