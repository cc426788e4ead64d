// Package queue is the SQLite-backed job queue. Claims are mutually
// exclusive by construction: a single atomic UPDATE moves the oldest
// eligible job to running, so exactly one worker holds a job at a time.
// Delivery is at-least-once; a failed or orphaned job returns to queued
// until its attempt budget is spent.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

type Queue struct {
	db          *sql.DB
	backoffBase time.Duration
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, backoffBase: 30 * time.Second}
}

// SetBackoffBase overrides the inter-attempt delay base used by Fail.
func (q *Queue) SetBackoffBase(d time.Duration) {
	if d > 0 {
		q.backoffBase = d
	}
}

// Enqueue records a new job and makes it immediately visible as queued.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Module == "" {
		return "", fmt.Errorf("module is empty")
	}
	if req.Target == "" {
		return "", fmt.Errorf("target is empty")
	}
	if req.Workspace == "" {
		return "", fmt.Errorf("workspace is empty")
	}
	if req.OutDir == "" {
		return "", fmt.Errorf("outdir is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var options any
	if len(req.Options) > 0 {
		options = string(req.Options)
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO jobs(id, workspace, module, target, outdir, options, status, attempt, max_attempts, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
`, id, req.Workspace, req.Module, req.Target, req.OutDir, options, StatusQueued, maxAttempts, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Claim atomically moves the oldest eligible queued job to running and
// returns it. Jobs waiting out a retry delay are not eligible. Returns
// (nil, nil) when nothing is claimable.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM jobs
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE jobs
SET status = ?, started_at = ?, attempt = attempt + 1
WHERE id IN (SELECT id FROM next)
RETURNING id, workspace, module, target, outdir, options, status, attempt, max_attempts,
          created_at, started_at, completed_at, next_retry_at, last_error, result;
`, StatusQueued, nowS, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Complete records a successful run with its result envelope. The job is
// immutable afterward.
func (q *Queue) Complete(ctx context.Context, jobID string, result []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := q.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at = ?, result = ?, last_error = NULL
WHERE id = ? AND status = ?;
`, StatusFinished, now, string(result), jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireRow(res, jobID)
}

// Fail records a failed attempt. While attempts remain the job returns to
// queued with next_retry_at set to now + base * 2^(attempt-1); once the
// budget is spent the job lands terminally failed.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempt, maxAttempts int
	err = tx.QueryRowContext(ctx, `
SELECT attempt, max_attempts FROM jobs WHERE id = ? AND status = ?;
`, jobID, StatusRunning).Scan(&attempt, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job for failure: %w", err)
	}

	now := time.Now().UTC()
	if attempt >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = ?, completed_at = ?, last_error = ? WHERE id = ?;
`, StatusFailed, now.Format(time.RFC3339Nano), errMsg, jobID)
	} else {
		delay := q.backoffBase * (1 << (attempt - 1))
		retryAt := now.Add(delay).Format(time.RFC3339Nano)
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = ?, next_retry_at = ?, last_error = ? WHERE id = ?;
`, StatusQueued, retryAt, errMsg, jobID)
	}
	if err != nil {
		return fmt.Errorf("record job failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FailTerminal marks a job failed regardless of remaining attempts. Used
// for caller-fault errors that retrying cannot fix.
func (q *Queue) FailTerminal(ctx context.Context, jobID, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, completed_at = ?, last_error = ? WHERE id = ? AND status = ?;
`, StatusFailed, now, errMsg, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return requireRow(res, jobID)
}

// RecoverOrphans handles crash recovery at startup: jobs stuck running are
// re-queued for redelivery, or failed when their budget is already spent.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	requeued, err := q.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, last_error = 'orphaned by worker crash'
WHERE status = ? AND attempt < max_attempts;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue orphans: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, completed_at = ?, last_error = 'orphaned by worker crash: max attempts reached'
WHERE status = ?;
`, StatusFailed, now, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted orphans: %w", err)
	}

	n, _ := requeued.RowsAffected()
	return int(n), nil
}

// Get returns a job by id. Pruned or never-known ids report ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, workspace, module, target, outdir, options, status, attempt, max_attempts,
       created_at, started_at, completed_at, next_retry_at, last_error, result
FROM jobs WHERE id = ?;
`, jobID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs newest-first, optionally filtered by workspace.
func (q *Queue) List(ctx context.Context, workspace string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT id, workspace, module, target, outdir, options, status, attempt, max_attempts,
       created_at, started_at, completed_at, next_retry_at, last_error, result
FROM jobs`
	args := []any{}
	if workspace != "" {
		query += ` WHERE workspace = ?`
		args = append(args, workspace)
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Depth returns the number of jobs waiting or running.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs WHERE status IN (?, ?);
`, StatusQueued, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Prune deletes terminal job records older than the retention horizon.
// Lookups after pruning return ErrJobNotFound.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `
DELETE FROM jobs WHERE status IN (?, ?) AND completed_at < ?;
`, StatusFinished, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		options      sql.NullString
		statusS      string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
		result       sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Workspace, &j.Module, &j.Target, &j.OutDir, &options, &statusS, &j.Attempt, &j.MaxAttempts,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError, &result,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if options.Valid {
		j.Options = []byte(options.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if nextRetryAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextRetryAtS.String); err == nil {
			j.NextRetryAt = &t
		}
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	return &j, nil
}

func requireRow(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s not running: %w", jobID, ErrJobNotFound)
	}
	return nil
}
