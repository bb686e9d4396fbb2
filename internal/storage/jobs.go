package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"monoledger/internal/core"
)

var ErrJobNotFound = errors.New("job not found")

// EnqueueJob persists a new ingestion job in pending state. The row is
// the durable record; the AMQP message that may accompany it is only a
// latency optimization.
func (r *SQLiteRepository) EnqueueJob(ctx context.Context, job core.Job) error {
	if !job.Kind.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownJobKind, job.Kind)
	}

	now := time.Now()
	if job.Status == "" {
		job.Status = core.JobPending
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (id, account_id, kind, payload, attempt_count, status, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.AccountID, string(job.Kind), string(job.Payload),
		job.AttemptCount, string(job.Status), job.RunAfter.Unix(), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	slog.InfoContext(ctx, "Job enqueued",
		"job_id", job.ID,
		"account_id", job.AccountID,
		"job_kind", job.Kind)
	return nil
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (core.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, kind, payload, attempt_count, status, run_after, last_error, created_at, updated_at
		FROM ingestion_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// DueJobs returns pending jobs whose backoff gate has passed. Webhook
// jobs come first: they carry lower-latency provider events than
// scheduled polls.
func (r *SQLiteRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]core.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, kind, payload, attempt_count, status, run_after, last_error, created_at, updated_at
		FROM ingestion_jobs
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY CASE kind WHEN 'webhook_push' THEN 0 ELSE 1 END, created_at
		LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// HasOpenPollJob reports whether a pending or running scheduled poll
// already exists for the account, so the scheduler does not pile up
// duplicate poll jobs behind a slow one.
func (r *SQLiteRepository) HasOpenPollJob(ctx context.Context, accountID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM ingestion_jobs
		WHERE account_id = ? AND kind = 'scheduled_poll' AND status IN ('pending', 'running')
		LIMIT 1`, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has open poll job: %w", err)
	}
	return true, nil
}

// MarkJobRunning transitions pending -> running. The compare-and-set on
// status means two dispatchers racing for the same job see exactly one
// winner; the loser gets false.
func (r *SQLiteRepository) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_jobs SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) MarkJobSucceeded(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_jobs SET status = 'succeeded', updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	return nil
}

// RescheduleJob sends a failed attempt back to pending with its backoff
// gate set and the attempt counted.
func (r *SQLiteRepository) RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET status = 'pending', attempt_count = attempt_count + 1, run_after = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		runAfter.Unix(), lastErr, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// MarkJobFailed is the terminal transition after the attempt cap.
func (r *SQLiteRepository) MarkJobFailed(ctx context.Context, id string, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET status = 'failed', attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?`,
		lastErr, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ResetStaleRunning returns jobs stuck in running (a worker crashed
// mid-execution) to pending. Called on worker startup and at the top of
// every dispatch sweep, so a peer's orphans are reclaimed within a tick.
func (r *SQLiteRepository) ResetStaleRunning(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_jobs SET status = 'pending', updated_at = ?
		WHERE status = 'running' AND updated_at <= ?`,
		time.Now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("reset stale running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		slog.WarnContext(ctx, "Reset stale running jobs", "count", n)
	}
	return n, nil
}

// AcquireAccountLease takes the per-account execution lease. The lease
// is a database row with an expiry rather than in-process state, so
// mutual exclusion holds across worker instances. Re-acquiring one's own
// live lease extends it.
func (r *SQLiteRepository) AcquireAccountLease(ctx context.Context, accountID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO account_leases (account_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE account_leases.expires_at <= ? OR account_leases.owner = excluded.owner`,
		accountID, owner, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("acquire account lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) ReleaseAccountLease(ctx context.Context, accountID, owner string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM account_leases WHERE account_id = ? AND owner = ?`,
		accountID, owner)
	if err != nil {
		return fmt.Errorf("release account lease: %w", err)
	}
	return nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(row jobScanner) (core.Job, error) {
	var (
		job                           core.Job
		kind, status, payload         string
		runAfter, createdAt, updateAt int64
	)
	err := row.Scan(&job.ID, &job.AccountID, &kind, &payload, &job.AttemptCount,
		&status, &runAfter, &job.LastError, &createdAt, &updateAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Job{}, ErrJobNotFound
	}
	if err != nil {
		return core.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Kind = core.JobKind(kind)
	job.Status = core.JobStatus(status)
	job.Payload = []byte(payload)
	job.RunAfter = time.Unix(runAfter, 0).UTC()
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	job.UpdatedAt = time.Unix(updateAt, 0).UTC()
	return job, nil
}
