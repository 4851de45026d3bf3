package relational

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresArtifactStore struct{ pool *pgxpool.Pool }

// NewPostgresArtifactStore ensures the artifacts table exists.
func NewPostgresArtifactStore(ctx context.Context, pool *pgxpool.Pool) (ArtifactStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			owner TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '',
			inline_payload JSONB,
			object_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			graph_epoch BIGINT NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS artifacts_type_owner ON artifacts(type, owner)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, fmt.Errorf("ensure artifacts schema: %w", err)
		}
	}
	return &postgresArtifactStore{pool: pool}, nil
}

func (s *postgresArtifactStore) Insert(ctx context.Context, a ArtifactRow) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO artifacts (id, type, owner, params, inline_payload, object_key, created_at, graph_epoch, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.Type, a.Owner, a.Params, nullBytes(a.InlinePayload), a.ObjectKey, a.CreatedAt, a.GraphEpoch, a.ExpiresAt)
	return err
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func scanArtifact(row pgx.Row) (ArtifactRow, error) {
	var a ArtifactRow
	if err := row.Scan(&a.ID, &a.Type, &a.Owner, &a.Params, &a.InlinePayload, &a.ObjectKey, &a.CreatedAt, &a.GraphEpoch, &a.ExpiresAt); err != nil {
		return ArtifactRow{}, err
	}
	return a, nil
}

const artifactColumns = `id, type, owner, params, inline_payload, object_key, created_at, graph_epoch, expires_at`

func (s *postgresArtifactStore) Get(ctx context.Context, id string) (ArtifactRow, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=$1`, id)
	a, err := scanArtifact(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ArtifactRow{}, false, nil
		}
		return ArtifactRow{}, false, err
	}
	return a, true, nil
}

func (s *postgresArtifactStore) List(ctx context.Context, filter ArtifactFilter) ([]ArtifactRow, error) {
	q := `SELECT ` + artifactColumns + ` FROM artifacts WHERE ($1 = '' OR type=$1) AND ($2 = '' OR owner=$2)`
	args := []any{filter.Type, filter.Owner}
	if filter.StaleFor != nil {
		q += ` AND graph_epoch != $3`
		args = append(args, *filter.StaleFor)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArtifactRow
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresArtifactStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM artifacts WHERE id=$1`, id)
	return err
}
