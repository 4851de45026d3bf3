package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresJobStore persists Job rows with pgx, using a plain
// `UPDATE jobs SET state=$to WHERE id=$id AND state=$from` as the CAS
// primitive (§5: "no in-process locks are permitted to guard state-machine
// invariants; they must survive process restart"). Grounded on the
// teacher's pool lifecycle conventions in postgres_doc.go/pool.go.
type postgresJobStore struct{ pool *pgxpool.Pool }

// NewPostgresJobStore ensures the jobs table/indexes exist and returns a
// JobStore backed by it.
func NewPostgresJobStore(ctx context.Context, pool *pgxpool.Pool) (JobStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			owner_principal TEXT NOT NULL,
			ontology_name TEXT NOT NULL,
			document_name TEXT NOT NULL DEFAULT '',
			input_object_key TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMPTZ NOT NULL,
			state TEXT NOT NULL,
			cost JSONB NOT NULL DEFAULT '{}'::jsonb,
			chunks JSONB NOT NULL DEFAULT '{}'::jsonb,
			mode TEXT NOT NULL DEFAULT 'serial',
			progress JSONB NOT NULL DEFAULT '{}'::jsonb,
			result JSONB,
			error JSONB,
			dedup_key TEXT NOT NULL DEFAULT '',
			approval_deadline TIMESTAMPTZ,
			terminal_at TIMESTAMPTZ,
			client_request_id TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			cancel_requested BOOLEAN NOT NULL DEFAULT false,
			retry_count INT NOT NULL DEFAULT 0,
			last_progress_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_state ON jobs(state)`,
		`CREATE INDEX IF NOT EXISTS jobs_owner_created ON jobs(owner_principal, submitted_at)`,
		`CREATE INDEX IF NOT EXISTS jobs_dedup ON jobs(dedup_key, ontology_name)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, fmt.Errorf("ensure jobs schema: %w", err)
		}
	}
	return &postgresJobStore{pool: pool}, nil
}

func (s *postgresJobStore) Insert(ctx context.Context, j Job) error {
	cost, _ := json.Marshal(j.Cost)
	chunks, _ := json.Marshal(j.Chunks)
	progress, _ := json.Marshal(j.Progress)
	var result, jobErr []byte
	if j.Result != nil {
		result, _ = json.Marshal(j.Result)
	}
	if j.Error != nil {
		jobErr, _ = json.Marshal(j.Error)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO jobs (id, kind, owner_principal, ontology_name, document_name, input_object_key,
  submitted_at, state, cost, chunks, mode, progress, result, error, dedup_key, approval_deadline,
  terminal_at, client_request_id, worker_id, cancel_requested, retry_count, last_progress_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		j.ID, j.Kind, j.OwnerPrincipal, j.OntologyName, j.DocumentName, j.InputObjectKey,
		j.SubmittedAt, j.State, cost, chunks, j.Mode, progress, result, jobErr, j.DedupKey, j.ApprovalDeadline,
		j.TerminalAt, j.ClientRequestID, j.WorkerID, j.CancelRequested, j.RetryCount, nullTime(j.LastProgressAt))
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var cost, chunks, progress []byte
	var result, jobErr []byte
	var lastProgress *time.Time
	if err := row.Scan(&j.ID, &j.Kind, &j.OwnerPrincipal, &j.OntologyName, &j.DocumentName, &j.InputObjectKey,
		&j.SubmittedAt, &j.State, &cost, &chunks, &j.Mode, &progress, &result, &jobErr, &j.DedupKey,
		&j.ApprovalDeadline, &j.TerminalAt, &j.ClientRequestID, &j.WorkerID, &j.CancelRequested,
		&j.RetryCount, &lastProgress); err != nil {
		return Job{}, err
	}
	if lastProgress != nil {
		j.LastProgressAt = *lastProgress
	}
	_ = json.Unmarshal(cost, &j.Cost)
	_ = json.Unmarshal(chunks, &j.Chunks)
	_ = json.Unmarshal(progress, &j.Progress)
	if len(result) > 0 {
		var r Result
		if err := json.Unmarshal(result, &r); err == nil {
			j.Result = &r
		}
	}
	if len(jobErr) > 0 {
		var e JobError
		if err := json.Unmarshal(jobErr, &e); err == nil {
			j.Error = &e
		}
	}
	return j, nil
}

const jobColumns = `id, kind, owner_principal, ontology_name, document_name, input_object_key,
  submitted_at, state, cost, chunks, mode, progress, result, error, dedup_key, approval_deadline,
  terminal_at, client_request_id, worker_id, cancel_requested, retry_count, last_progress_at`

func (s *postgresJobStore) LoadByID(ctx context.Context, id string) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return j, nil
}

func (s *postgresJobStore) FindTerminalByDedupKey(ctx context.Context, dedupKey, ontology string) (Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE dedup_key=$1 AND ontology_name=$2 AND state IN ('completed','failed','cancelled','expired')
ORDER BY submitted_at DESC LIMIT 1`, dedupKey, ontology)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}
	return j, true, nil
}

// UpdateStateAtomically is the row-level CAS: exactly one concurrent caller
// observes RowsAffected()==1 for a given (id, from) pair (§8 "at-most-once
// processing start").
func (s *postgresJobStore) UpdateStateAtomically(ctx context.Context, id string, from, to JobState, patch func(*Job)) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 AND state=$2 FOR UPDATE`, id, from)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	j.State = to
	if to.Terminal() {
		now := time.Now()
		j.TerminalAt = &now
	}
	if patch != nil {
		patch(&j)
	}

	cost, _ := json.Marshal(j.Cost)
	chunks, _ := json.Marshal(j.Chunks)
	progress, _ := json.Marshal(j.Progress)
	var result, jobErr []byte
	if j.Result != nil {
		result, _ = json.Marshal(j.Result)
	}
	if j.Error != nil {
		jobErr, _ = json.Marshal(j.Error)
	}
	tag, err := tx.Exec(ctx, `
UPDATE jobs SET state=$2, cost=$3, chunks=$4, mode=$5, progress=$6, result=$7, error=$8,
  approval_deadline=$9, terminal_at=$10, worker_id=$11, cancel_requested=$12, retry_count=$13,
  last_progress_at=$14
WHERE id=$1 AND state=$15`,
		id, j.State, cost, chunks, j.Mode, progress, result, jobErr,
		j.ApprovalDeadline, j.TerminalAt, j.WorkerID, j.CancelRequested, j.RetryCount,
		nullTime(j.LastProgressAt), from)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *postgresJobStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	b, _ := json.Marshal(p)
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET progress=$2, last_progress_at=$3 WHERE id=$1`, id, b, p.UpdatedAt)
	return err
}

func (s *postgresJobStore) RequestCancel(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET cancel_requested=true WHERE id=$1`, id)
	return err
}

func (s *postgresJobStore) List(ctx context.Context, filter JobFilter, page Pagination) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE ($1 = '' OR state=$1) AND ($2 = '' OR owner_principal=$2)
AND ($3 = '' OR kind=$3) AND ($4 = '' OR dedup_key=$4) AND ($5 = '' OR ontology_name=$5)
ORDER BY submitted_at DESC`
	args := []any{string(filter.State), filter.Owner, string(filter.Kind), filter.DedupKey, filter.Ontology}
	if page.Limit > 0 {
		q += ` LIMIT $6 OFFSET $7`
		args = append(args, page.Limit, page.Offset)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *postgresJobStore) GarbageCollect(ctx context.Context, olderThan time.Time, states []JobState) (int, error) {
	strStates := make([]string, len(states))
	for i, st := range states {
		strStates[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE state = ANY($1) AND terminal_at < $2`, strStates, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
