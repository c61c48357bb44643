package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/scopedrag/internal/apperr"
)

// ProjectUpdate carries optional changes to a project. Nil fields are left alone.
type ProjectUpdate struct {
	Name                *string
	QueryRewriteEnabled *bool
	RAGConfig           json.RawMessage
}

func (s *Store) CreateProject(ctx context.Context, p Project) error {
	if strings.TrimSpace(p.Name) == "" {
		return apperr.Validation("name", "must not be empty")
	}
	cfg := p.RAGConfig
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	if _, err := ParseRAGConfig(cfg); err != nil {
		return err
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, query_rewrite_enabled, rag_config, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.QueryRewriteEnabled, string(cfg), formatTime(createdAt),
	)
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	var cfg, createdAt string
	err := s.read.QueryRowContext(ctx, `
		SELECT id, name, query_rewrite_enabled, rag_config, created_at
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.QueryRewriteEnabled, &cfg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	p.RAGConfig = json.RawMessage(cfg)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Project{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (Project, error) {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return Project{}, apperr.Validation("name", "must not be empty")
	}
	if upd.RAGConfig != nil {
		if _, err := ParseRAGConfig(upd.RAGConfig); err != nil {
			return Project{}, err
		}
	}

	var sets []string
	var args []any
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.QueryRewriteEnabled != nil {
		sets = append(sets, "query_rewrite_enabled = ?")
		args = append(args, *upd.QueryRewriteEnabled)
	}
	if upd.RAGConfig != nil {
		sets = append(sets, "rag_config = ?")
		args = append(args, string(upd.RAGConfig))
	}
	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, `UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return Project{}, err
		}
		n, err := affected(res)
		if err != nil {
			return Project{}, err
		}
		if n == 0 {
			return Project{}, ErrNotFound
		}
	}
	return s.GetProject(ctx, id)
}

// DeleteProject removes a project and cascades to its memos and index
// entries. It refuses with ErrReferenced while evaluation datasets still
// point at the project.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var refs int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluation_datasets WHERE project_id = ?`, id).Scan(&refs); err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("project %s has %d evaluation datasets: %w", id, refs, ErrReferenced)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
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
	})
}
