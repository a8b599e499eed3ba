package batchjob

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketcache/internal/apperror"
	domain "marketcache/internal/batch"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const jobColumns = `id, tickers, batch_size, total_batches, current_batch, status,
	processed, successful, failed, start_year, end_year, retry_delisted, force_refresh,
	message, created_at, processing_started_at, last_update_at`

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	tickers, err := json.Marshal(j.Tickers)
	if err != nil {
		return fmt.Errorf("create job: marshal tickers: %w", err)
	}

	now := time.Now().UTC()
	const query = `INSERT INTO batch_jobs
		(id, tickers, batch_size, total_batches, current_batch, status,
		 processed, successful, failed, start_year, end_year, retry_delisted, force_refresh,
		 message, created_at, last_update_at)
		VALUES (?, ?, ?, ?, 0, ?, 0, 0, 0, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		j.ID, string(tickers), j.BatchSize, j.TotalBatches, string(j.Status),
		j.StartYear, j.EndYear, boolToInt(j.RetryDelisted), boolToInt(j.Force),
		j.Message, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	j.CreatedAt = now
	j.LastUpdateAt = now
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = ?`
	return r.scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *Repository) Start(ctx context.Context, id string) (*domain.Job, error) {
	const query = `UPDATE batch_jobs
		SET status = 'running', processing_started_at = ?, last_update_at = ?
		WHERE id = ? AND status = 'pending'`

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.db.ExecContext(ctx, query, now, now, id); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	return r.Get(ctx, id)
}

// Advance merges one completed batch into the job. The WHERE clause pins the
// merge to the batch index the caller processed: if another invocation (or a
// crash-and-retry of this one) already merged that index, zero rows match and
// nothing is applied. This is what makes concurrent continuation triggers for
// the same job safe without a distributed lock.
func (r *Repository) Advance(ctx context.Context, id string, batchIndex int, res domain.BatchResult) (*domain.Job, bool, error) {
	const query = `UPDATE batch_jobs SET
			current_batch = ? + 1,
			processed = processed + ?,
			successful = successful + ?,
			failed = failed + ?,
			status = CASE WHEN ? + 1 >= total_batches THEN 'completed' ELSE status END,
			message = ?,
			last_update_at = ?
		WHERE id = ? AND current_batch = ? AND status = 'running'`

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, query,
		batchIndex,
		res.Processed(), res.SuccessCount(), res.FailedCount(),
		batchIndex,
		batchMessage(batchIndex, res),
		now,
		id, batchIndex,
	)
	if err != nil {
		return nil, false, fmt.Errorf("advance job: %w", err)
	}

	n, _ := result.RowsAffected()
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if n > 0 {
		return j, true, nil
	}
	// Not applied. A duplicate delivery (index already merged), a pause, or a
	// terminal transition are all fine; anything else is a real conflict.
	if j.CurrentBatch > batchIndex || j.Status != domain.StatusRunning {
		return j, false, nil
	}
	return j, false, apperror.New(apperror.Conflict,
		fmt.Sprintf("job %s: cannot merge batch %d at current batch %d", id, batchIndex, j.CurrentBatch))
}

func (r *Repository) Touch(ctx context.Context, id, message string) error {
	const query = `UPDATE batch_jobs SET message = ?, last_update_at = ? WHERE id = ?`
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.db.ExecContext(ctx, query, message, now, id); err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// MarkFailed preserves counts and batch index; it only flips the status.
// Terminal states are immutable, so completed/failed jobs are left alone.
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	const query = `UPDATE batch_jobs SET status = 'failed', message = ?, last_update_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')`

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.db.ExecContext(ctx, query, reason, now, id); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

func (r *Repository) Pause(ctx context.Context, id string) error {
	const query = `UPDATE batch_jobs SET status = 'paused', last_update_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.Conflict, "job is not pausable")
	}
	return nil
}

func (r *Repository) Resume(ctx context.Context, id string) error {
	const query = `UPDATE batch_jobs SET status = 'running', last_update_at = ?
		WHERE id = ? AND status = 'paused'`

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.Conflict, "job is not paused")
	}
	return nil
}

func (r *Repository) ListActive(ctx context.Context) ([]domain.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM batch_jobs
		WHERE status IN ('pending', 'running') ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}

	return jobs, rows.Err()
}

func (r *Repository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM batch_jobs`); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanJob(row rowScanner) (*domain.Job, error) {
	j := &domain.Job{}
	var tickersJSON, status, createdStr, updatedStr string
	var startedStr sql.NullString
	var retryDelisted, force int

	err := row.Scan(
		&j.ID, &tickersJSON, &j.BatchSize, &j.TotalBatches, &j.CurrentBatch, &status,
		&j.Processed, &j.Successful, &j.Failed, &j.StartYear, &j.EndYear,
		&retryDelisted, &force, &j.Message, &createdStr, &startedStr, &updatedStr,
	)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal([]byte(tickersJSON), &j.Tickers); err != nil {
		return nil, fmt.Errorf("unmarshal tickers: %w", err)
	}
	j.Status = domain.Status(status)
	j.RetryDelisted = retryDelisted != 0
	j.Force = force != 0
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	j.LastUpdateAt, _ = time.Parse(time.RFC3339, updatedStr)
	if startedStr.Valid {
		j.ProcessingStartedAt, _ = time.Parse(time.RFC3339, startedStr.String)
	}
	return j, nil
}

func batchMessage(batchIndex int, res domain.BatchResult) string {
	msg := fmt.Sprintf("batch %d done: %d successful, %d failed", batchIndex+1, res.SuccessCount(), res.FailedCount())
	if err := res.Err(); err != nil {
		msg += "; errors: " + err.Error()
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
