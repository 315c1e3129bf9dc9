package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

type sessionsStore struct {
	q querier
}

const sessionColumns = `id, endpoint_id, analyzed_at, tool_calls, reasoning,
	token_usage, duration_ms, next_analysis_at, endpoint_failure_count`

func (s *sessionsStore) Create(ctx context.Context, sess *schedule.Session) error {
	toolCalls, err := json.Marshal(sess.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO sessions (id, endpoint_id, analyzed_at, tool_calls, reasoning,
			token_usage, duration_ms, next_analysis_at, endpoint_failure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.EndpointID, sess.AnalyzedAt, toolCalls, sess.Reasoning,
		sess.TokenUsage, sess.Duration.Milliseconds(), sess.NextAnalysisAt,
		sess.EndpointFailureCount)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *sessionsStore) GetLastSession(ctx context.Context, endpointID string) (*schedule.Session, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE endpoint_id = $1
		ORDER BY analyzed_at DESC, id
		LIMIT 1`,
		endpointID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sessions for endpoint %s: %w", endpointID, store.ErrNotFound)
		}
		return nil, err
	}
	return sess, nil
}

func (s *sessionsStore) GetRecentSessions(ctx context.Context, endpointID string, limit, offset int) ([]*schedule.Session, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE endpoint_id = $1
		ORDER BY analyzed_at DESC, id
		LIMIT $2 OFFSET $3`,
		endpointID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	defer rows.Close()
	var out []*schedule.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sessionsStore) GetTotalTokenUsage(ctx context.Context, endpointID string, since time.Time) (int, error) {
	var total int
	err := s.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(token_usage), 0) FROM sessions
		WHERE endpoint_id = $1 AND analyzed_at >= $2`,
		endpointID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total token usage: %w", err)
	}
	return total, nil
}

func scanSession(row pgx.Row) (*schedule.Session, error) {
	var (
		sess      schedule.Session
		toolCalls []byte
		ms        int64
	)
	err := row.Scan(&sess.ID, &sess.EndpointID, &sess.AnalyzedAt, &toolCalls,
		&sess.Reasoning, &sess.TokenUsage, &ms, &sess.NextAnalysisAt,
		&sess.EndpointFailureCount)
	if err != nil {
		return nil, err
	}
	sess.Duration = time.Duration(ms) * time.Millisecond
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &sess.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return &sess, nil
}

type usersStore struct {
	q querier
}

func (u *usersStore) GetUser(ctx context.Context, id string) (*schedule.User, error) {
	var user schedule.User
	err := u.q.QueryRow(ctx, `SELECT id, email, tier FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
