package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevinxiao27/canvas-sync/ol"
)

const createProjectOperations = `
CREATE TABLE IF NOT EXISTS project_operations (
	project_id text PRIMARY KEY,
	body jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// PostgresStore keeps each project's history as one jsonb row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createProjectOperations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Load(ctx context.Context, projectID string) (ol.Snapshot, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM project_operations WHERE project_id = $1`, projectID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return ol.Snapshot{}, fmt.Errorf("load %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return ol.Snapshot{}, fmt.Errorf("load %s: %w", projectID, err)
	}
	return decode(projectID, body)
}

func (s *PostgresStore) Save(ctx context.Context, snapshot ol.Snapshot) error {
	body, err := encode(snapshot)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO project_operations (project_id, body, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (project_id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		snapshot.ProjectID, body,
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", snapshot.ProjectID, err)
	}
	return nil
}

// Append locks the project row for the length of one transaction. The
// placeholder insert makes the row exist before it is locked.
func (s *PostgresStore) Append(ctx context.Context, projectID string, ops []ol.Operation) error {
	empty, err := encode(ol.Snapshot{ProjectID: projectID})
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO project_operations (project_id, body)
			VALUES ($1, $2)
			ON CONFLICT (project_id) DO NOTHING`,
			projectID, empty,
		); err != nil {
			return err
		}

		var body []byte
		if err := tx.QueryRow(ctx,
			`SELECT body FROM project_operations WHERE project_id = $1 FOR UPDATE`, projectID,
		).Scan(&body); err != nil {
			return err
		}
		snapshot, err := decode(projectID, body)
		if err != nil {
			return err
		}
		snapshot, added := appendOps(snapshot, ops)
		if added == 0 {
			return nil
		}
		if body, err = encode(snapshot); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE project_operations SET body = $2, updated_at = now() WHERE project_id = $1`,
			projectID, body,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", projectID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, projectID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM project_operations WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("delete %s: %w", projectID, err)
	}
	return nil
}
