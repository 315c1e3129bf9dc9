package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

type runsStore struct {
	q     querier
	clock schedule.Clock
}

const runColumns = `id, endpoint_id, attempt, source, status, started_at, finished_at,
	duration_ms, status_code, response_body, error_message, error_details`

func (r *runsStore) Create(ctx context.Context, run *schedule.Run) error {
	if run.Status == "" {
		run.Status = schedule.RunRunning
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO runs (id, endpoint_id, attempt, source, status, started_at,
			duration_ms, response_body, error_message, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, 0, '', '', '')`,
		run.ID, run.EndpointID, run.Attempt, run.Source, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Finish transitions a running run to its terminal state. The status guard in
// the WHERE clause makes double-finishes fail instead of overwriting history.
func (r *runsStore) Finish(ctx context.Context, runID string, outcome store.RunOutcome) error {
	now := r.clock.Now()
	tag, err := r.q.Exec(ctx, `
		UPDATE runs SET
			status = $2, finished_at = $3, duration_ms = $4,
			status_code = $5, response_body = $6, error_message = $7, error_details = $8
		WHERE id = $1 AND status = $9`,
		runID, outcome.Status, now, outcome.Duration.Milliseconds(),
		outcome.StatusCode, outcome.ResponseBody, outcome.ErrorMessage, outcome.ErrorDetails,
		schedule.RunRunning)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status schedule.RunStatus
		err := r.q.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("run %s already finished as %s", runID, status)
	}
	return nil
}

func (r *runsStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*schedule.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.EndpointID != "" {
		args = append(args, filter.EndpointID)
		query += fmt.Sprintf(` AND endpoint_id = $%d`, len(args))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY started_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *runsStore) GetRunDetails(ctx context.Context, runID string) (*schedule.Run, error) {
	row := r.q.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
		}
		return nil, err
	}
	return run, nil
}

// GetHealthSummary aggregates finished runs in Go rather than SQL because the
// failure streak needs newest-first traversal order.
func (r *runsStore) GetHealthSummary(ctx context.Context, endpointID string, since time.Time) (*store.HealthSummary, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE endpoint_id = $1 AND started_at >= $2 AND status <> $3
		ORDER BY started_at DESC, id`,
		endpointID, since, schedule.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("health summary: %w", err)
	}
	defer rows.Close()
	finished, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}

	summary := &store.HealthSummary{}
	var totalDur time.Duration
	streakBroken := false
	for _, run := range finished {
		if run.Status == schedule.RunSuccess {
			summary.SuccessCount++
			streakBroken = true
		} else {
			summary.FailureCount++
			if !streakBroken {
				summary.FailureStreak++
			}
		}
		totalDur += run.Duration
	}
	if len(finished) > 0 {
		summary.AvgDuration = totalDur / time.Duration(len(finished))
		summary.LastRun = finished[0]
	}
	return summary, nil
}

func (r *runsStore) GetEndpointsWithRecentRuns(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT endpoint_id FROM runs WHERE started_at >= $1 ORDER BY endpoint_id`,
		since)
	if err != nil {
		return nil, fmt.Errorf("endpoints with recent runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *runsStore) GetLatestResponse(ctx context.Context, endpointID string) (*store.LatestResponse, error) {
	row := r.q.QueryRow(ctx, `
		SELECT response_body, started_at, status, status_code
		FROM runs
		WHERE endpoint_id = $1 AND status <> $2
		ORDER BY started_at DESC, id
		LIMIT 1`,
		endpointID, schedule.RunRunning)
	latest := &store.LatestResponse{}
	err := row.Scan(&latest.ResponseBody, &latest.Timestamp, &latest.Status, &latest.StatusCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return &store.LatestResponse{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest response: %w", err)
	}
	latest.Found = true
	return latest, nil
}

func (r *runsStore) GetResponseHistory(ctx context.Context, endpointID string, limit, offset int) ([]*schedule.Run, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE endpoint_id = $1 AND status <> $2
		ORDER BY started_at DESC, id
		LIMIT $3 OFFSET $4`,
		endpointID, schedule.RunRunning, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("response history: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *runsStore) GetSiblingLatestResponses(ctx context.Context, jobID, excludeEndpointID string) ([]*store.SiblingResponse, error) {
	now := r.clock.Now()
	rows, err := r.q.Query(ctx, `
		SELECT e.id, e.name, e.next_run_at, e.paused_until,
			e.ai_hint_interval_ms, e.ai_hint_expires_at, e.ai_hint_reason,
			latest.response_body, latest.started_at, latest.status, latest.status_code
		FROM endpoints e
		LEFT JOIN LATERAL (
			SELECT response_body, started_at, status, status_code
			FROM runs
			WHERE endpoint_id = e.id AND status <> $3
			ORDER BY started_at DESC, id
			LIMIT 1
		) latest ON true
		WHERE e.job_id = $1 AND e.id <> $2
		ORDER BY e.id`,
		jobID, excludeEndpointID, schedule.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("sibling responses: %w", err)
	}
	defer rows.Close()

	var out []*store.SiblingResponse
	for rows.Next() {
		var (
			sib       store.SiblingResponse
			hintMs    *int64
			expiresAt *time.Time
			body      *string
			startedAt *time.Time
			status    *schedule.RunStatus
			code      *int
		)
		err := rows.Scan(&sib.EndpointID, &sib.Name, &sib.NextRunAt, &sib.PausedUntil,
			&hintMs, &expiresAt, &sib.HintReason,
			&body, &startedAt, &status, &code)
		if err != nil {
			return nil, err
		}
		sib.HintActive = expiresAt != nil && expiresAt.After(now)
		if sib.HintActive {
			sib.HintInterval = durOrNil(hintMs)
		}
		if body != nil && startedAt != nil && status != nil {
			sib.Latest = store.LatestResponse{
				Found:        true,
				ResponseBody: *body,
				Timestamp:    *startedAt,
				Status:       *status,
				StatusCode:   code,
			}
		}
		out = append(out, &sib)
	}
	return out, rows.Err()
}

func (r *runsStore) CleanupZombieRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	now := r.clock.Now()
	tag, err := r.q.Exec(ctx, `
		UPDATE runs SET
			status = $1, finished_at = $2,
			duration_ms = (EXTRACT(EPOCH FROM ($2 - started_at)) * 1000)::bigint,
			error_message = $3
		WHERE status = $4 AND started_at <= $5`,
		schedule.RunFailed, now,
		fmt.Sprintf("zombie run: still running after %s", olderThan),
		schedule.RunRunning, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup zombie runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectRuns(rows pgx.Rows) ([]*schedule.Run, error) {
	var out []*schedule.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*schedule.Run, error) {
	var (
		run schedule.Run
		ms  int64
	)
	err := row.Scan(&run.ID, &run.EndpointID, &run.Attempt, &run.Source, &run.Status,
		&run.StartedAt, &run.FinishedAt, &ms, &run.StatusCode,
		&run.ResponseBody, &run.ErrorMessage, &run.ErrorDetails)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(ms) * time.Millisecond
	return &run, nil
}
