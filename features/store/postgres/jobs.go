package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/secrets"
	"github.com/cronicorn/cronicorn/runtime/store"
)

type jobsStore struct {
	q      querier
	cipher *secrets.Cipher
	clock  schedule.Clock
	cron   schedule.Cron
}

// archivePause is the sentinel pause applied to endpoints of archived jobs.
var archivePause = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

const jobColumns = `id, user_id, name, description, status, created_at, updated_at`

func (j *jobsStore) CreateJob(ctx context.Context, job *schedule.Job) error {
	if job.Status == "" {
		job.Status = schedule.JobActive
	}
	now := j.clock.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	_, err := j.q.Exec(ctx, `
		INSERT INTO jobs (id, user_id, name, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.UserID, job.Name, job.Description, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (j *jobsStore) GetJob(ctx context.Context, id string) (*schedule.Job, error) {
	row := j.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

func (j *jobsStore) ListJobs(ctx context.Context, userID string, filter store.JobFilter) ([]*schedule.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []any{userID}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += ` AND status = $2`
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := j.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*schedule.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (j *jobsStore) UpdateJob(ctx context.Context, job *schedule.Job) error {
	job.UpdatedAt = j.clock.Now()
	tag, err := j.q.Exec(ctx, `
		UPDATE jobs SET name = $2, description = $3, status = $4, updated_at = $5
		WHERE id = $1`,
		job.ID, job.Name, job.Description, job.Status, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrNotFound)
	}
	return nil
}

func (j *jobsStore) ArchiveJob(ctx context.Context, id string) error {
	now := j.clock.Now()
	tag, err := j.q.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1`,
		id, schedule.JobArchived, now)
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	// Pause the job's endpoints indefinitely.
	_, err = j.q.Exec(ctx, `
		UPDATE endpoints SET paused_until = $2, updated_at = $3
		WHERE job_id = $1`,
		id, archivePause, now)
	if err != nil {
		return fmt.Errorf("pause archived endpoints: %w", err)
	}
	return nil
}

const endpointColumns = `id, job_id, tenant_id, name, description,
	baseline_cron, baseline_interval_ms, min_interval_ms, max_interval_ms,
	ai_hint_interval_ms, ai_hint_next_run_at, ai_hint_expires_at, ai_hint_reason,
	paused_until, last_run_at, next_run_at, failure_count,
	url, method, headers, body_json, timeout_ms, max_execution_time_ms, max_response_kb,
	locked_until, created_at, updated_at`

func (j *jobsStore) AddEndpoint(ctx context.Context, ep *schedule.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	now := j.clock.Now()
	ep.CreatedAt, ep.UpdatedAt = now, now
	if ep.NextRunAt.IsZero() {
		ep.NextRunAt = schedule.PlanNextRun(now, ep, j.cron).At
	}
	headers, err := j.cipher.EncryptHeaders(ep.Headers)
	if err != nil {
		return fmt.Errorf("encrypt headers: %w", err)
	}
	_, err = j.q.Exec(ctx, `
		INSERT INTO endpoints (
			id, job_id, tenant_id, name, description,
			baseline_cron, baseline_interval_ms, min_interval_ms, max_interval_ms,
			ai_hint_interval_ms, ai_hint_next_run_at, ai_hint_expires_at, ai_hint_reason,
			paused_until, last_run_at, next_run_at, failure_count,
			url, method, headers, body_json, timeout_ms, max_execution_time_ms, max_response_kb,
			locked_until, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)`,
		ep.ID, ep.JobID, ep.TenantID, ep.Name, ep.Description,
		nullString(ep.BaselineCron), nullMs(ep.BaselineInterval), msOrNil(ep.MinInterval), msOrNil(ep.MaxInterval),
		msOrNil(ep.AIHintInterval), ep.AIHintNextRunAt, ep.AIHintExpiresAt, ep.AIHintReason,
		ep.PausedUntil, ep.LastRunAt, ep.NextRunAt, ep.FailureCount,
		ep.URL, string(ep.Method), headers, ep.BodyJSON, nullMs(ep.Timeout), nullMs(ep.MaxExecutionTime), ep.MaxResponseKB,
		ep.LockedUntil, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("add endpoint: %w", err)
	}
	return nil
}

func (j *jobsStore) UpdateEndpoint(ctx context.Context, ep *schedule.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	ep.UpdatedAt = j.clock.Now()
	headers, err := j.cipher.EncryptHeaders(ep.Headers)
	if err != nil {
		return fmt.Errorf("encrypt headers: %w", err)
	}
	tag, err := j.q.Exec(ctx, `
		UPDATE endpoints SET
			job_id = $2, name = $3, description = $4,
			baseline_cron = $5, baseline_interval_ms = $6, min_interval_ms = $7, max_interval_ms = $8,
			paused_until = $9, next_run_at = $10,
			url = $11, method = $12, headers = $13, body_json = $14,
			timeout_ms = $15, max_execution_time_ms = $16, max_response_kb = $17,
			updated_at = $18
		WHERE id = $1`,
		ep.ID, ep.JobID, ep.Name, ep.Description,
		nullString(ep.BaselineCron), nullMs(ep.BaselineInterval), msOrNil(ep.MinInterval), msOrNil(ep.MaxInterval),
		ep.PausedUntil, ep.NextRunAt,
		ep.URL, string(ep.Method), headers, ep.BodyJSON,
		nullMs(ep.Timeout), nullMs(ep.MaxExecutionTime), ep.MaxResponseKB,
		ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s: %w", ep.ID, store.ErrNotFound)
	}
	return nil
}

func (j *jobsStore) GetEndpoint(ctx context.Context, id string) (*schedule.Endpoint, error) {
	row := j.q.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, id)
	ep, err := j.scanEndpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return ep, nil
}

func (j *jobsStore) ListEndpointsByJob(ctx context.Context, jobID string) ([]*schedule.Endpoint, error) {
	rows, err := j.q.Query(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()
	var out []*schedule.Endpoint
	for rows.Next() {
		ep, err := j.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (j *jobsStore) DeleteEndpoint(ctx context.Context, id string) error {
	tag, err := j.q.Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ClaimDueEndpoints selects and locks due endpoints in one statement. The CTE
// takes row locks with SKIP LOCKED so concurrent workers partition the due set
// instead of contending on it; the UPDATE then publishes the claim as
// locked_until before the transaction commits.
func (j *jobsStore) ClaimDueEndpoints(ctx context.Context, limit int, horizon, defaultLock time.Duration) ([]string, error) {
	now := j.clock.Now()
	rows, err := j.q.Query(ctx, `
		WITH due AS (
			SELECT id, max_execution_time_ms
			FROM endpoints
			WHERE next_run_at <= $2
			  AND (paused_until IS NULL OR paused_until <= $1)
			  AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY next_run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE endpoints e
		SET locked_until = $1 + make_interval(secs =>
				GREATEST(COALESCE(due.max_execution_time_ms, 0), $4) / 1000.0),
			updated_at = $1
		FROM due
		WHERE e.id = due.id
		RETURNING e.id`,
		now, now.Add(horizon), limit, defaultLock.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim due endpoints: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (j *jobsStore) SetLock(ctx context.Context, id string, until time.Time) error {
	return j.exec(ctx, id, `UPDATE endpoints SET locked_until = $2, updated_at = $3 WHERE id = $1`,
		id, until, j.clock.Now())
}

func (j *jobsStore) ClearLock(ctx context.Context, id string) error {
	return j.exec(ctx, id, `UPDATE endpoints SET locked_until = NULL, updated_at = $2 WHERE id = $1`,
		id, j.clock.Now())
}

func (j *jobsStore) SetNextRunAtIfEarlier(ctx context.Context, id string, at time.Time) error {
	tag, err := j.q.Exec(ctx, `
		UPDATE endpoints SET next_run_at = $2, updated_at = $3
		WHERE id = $1 AND next_run_at > $2`,
		id, at, j.clock.Now())
	if err != nil {
		return fmt.Errorf("nudge endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the endpoint is missing or the stored time is already earlier.
		var exists bool
		if err := j.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM endpoints WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
		}
	}
	return nil
}

func (j *jobsStore) UpdateAfterRun(ctx context.Context, id string, advance store.AfterRun) error {
	query := `
		UPDATE endpoints SET
			last_run_at = $2, next_run_at = $3, failure_count = $4,
			locked_until = NULL, updated_at = $5`
	if advance.ClearHints {
		query += `,
			ai_hint_interval_ms = NULL, ai_hint_next_run_at = NULL,
			ai_hint_expires_at = NULL, ai_hint_reason = ''`
	}
	query += ` WHERE id = $1`
	return j.exec(ctx, id, query, id, advance.LastRunAt, advance.NextRunAt, advance.FailureCount, j.clock.Now())
}

func (j *jobsStore) WriteAIHint(ctx context.Context, id string, hint store.Hint) error {
	return j.exec(ctx, id, `
		UPDATE endpoints SET
			ai_hint_interval_ms = $2, ai_hint_next_run_at = $3,
			ai_hint_expires_at = $4, ai_hint_reason = $5, updated_at = $6
		WHERE id = $1`,
		id, msOrNil(hint.Interval), hint.NextRunAt, hint.ExpiresAt, hint.Reason, j.clock.Now())
}

func (j *jobsStore) ClearAIHints(ctx context.Context, id string) error {
	return j.exec(ctx, id, `
		UPDATE endpoints SET
			ai_hint_interval_ms = NULL, ai_hint_next_run_at = NULL,
			ai_hint_expires_at = NULL, ai_hint_reason = '', updated_at = $2
		WHERE id = $1`,
		id, j.clock.Now())
}

func (j *jobsStore) SetPausedUntil(ctx context.Context, id string, until *time.Time) error {
	return j.exec(ctx, id, `UPDATE endpoints SET paused_until = $2, updated_at = $3 WHERE id = $1`,
		id, until, j.clock.Now())
}

func (j *jobsStore) ResetFailureCount(ctx context.Context, id string) error {
	return j.exec(ctx, id, `UPDATE endpoints SET failure_count = 0, updated_at = $2 WHERE id = $1`,
		id, j.clock.Now())
}

func (j *jobsStore) GetUsage(ctx context.Context, userID string, since time.Time) (int, error) {
	var total int
	err := j.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(s.token_usage), 0)
		FROM sessions s
		JOIN endpoints e ON e.id = s.endpoint_id
		WHERE e.tenant_id = $1 AND s.analyzed_at >= $2`,
		userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum token usage: %w", err)
	}
	return total, nil
}

func (j *jobsStore) exec(ctx context.Context, id, query string, args ...any) error {
	tag, err := j.q.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (j *jobsStore) scanEndpoint(row pgx.Row) (*schedule.Endpoint, error) {
	var (
		ep        schedule.Endpoint
		cron      *string
		baseMs    *int64
		minMs     *int64
		maxMs     *int64
		hintMs    *int64
		timeoutMs *int64
		execMs    *int64
		method    string
		headers   string
	)
	err := row.Scan(
		&ep.ID, &ep.JobID, &ep.TenantID, &ep.Name, &ep.Description,
		&cron, &baseMs, &minMs, &maxMs,
		&hintMs, &ep.AIHintNextRunAt, &ep.AIHintExpiresAt, &ep.AIHintReason,
		&ep.PausedUntil, &ep.LastRunAt, &ep.NextRunAt, &ep.FailureCount,
		&ep.URL, &method, &headers, &ep.BodyJSON, &timeoutMs, &execMs, &ep.MaxResponseKB,
		&ep.LockedUntil, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cron != nil {
		ep.BaselineCron = *cron
	}
	if baseMs != nil {
		ep.BaselineInterval = time.Duration(*baseMs) * time.Millisecond
	}
	ep.MinInterval = durOrNil(minMs)
	ep.MaxInterval = durOrNil(maxMs)
	ep.AIHintInterval = durOrNil(hintMs)
	if timeoutMs != nil {
		ep.Timeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	if execMs != nil {
		ep.MaxExecutionTime = time.Duration(*execMs) * time.Millisecond
	}
	ep.Method = schedule.Method(method)
	ep.Headers, err = j.cipher.DecryptHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("decrypt headers for endpoint %s: %w", ep.ID, err)
	}
	return &ep, nil
}

func scanJob(row pgx.Row) (*schedule.Job, error) {
	var job schedule.Job
	err := row.Scan(&job.ID, &job.UserID, &job.Name, &job.Description, &job.Status,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullMs(d time.Duration) *int64 {
	if d == 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
