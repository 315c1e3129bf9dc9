// Package inmem provides an in-memory implementation of the store contracts.
// It exists to test the scheduler, governor wiring, and AI planner without a
// database; all operations are serialized by a single mutex, which also makes
// the claim protocol atomic with respect to concurrent callers.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

// Store holds all entities in process memory.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*schedule.Job
	endpoints map[string]*schedule.Endpoint
	runs      map[string]*schedule.Run
	sessions  map[string]*schedule.Session
	users     map[string]*schedule.User
	clock     schedule.Clock
	cron      schedule.Cron
}

// New constructs an empty Store. A nil clock falls back to the system clock.
func New(clock schedule.Clock) *Store {
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	return &Store{
		jobs:      make(map[string]*schedule.Job),
		endpoints: make(map[string]*schedule.Endpoint),
		runs:      make(map[string]*schedule.Run),
		sessions:  make(map[string]*schedule.Session),
		users:     make(map[string]*schedule.User),
		clock:     clock,
		cron:      schedule.NewStandardCron(),
	}
}

// Stores returns the repository bundle backed by this Store.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Jobs:     &jobsStore{s},
		Runs:     &runsStore{s},
		Sessions: &sessionsStore{s},
		Users:    &usersStore{s},
	}
}

// InTx runs fn against the live stores. The fixture applies writes
// immediately; atomicity across operations is approximated by the per-op
// mutex, which is sufficient for single-process tests.
func (s *Store) InTx(_ context.Context, fn func(store.Stores) error) error {
	return fn(s.Stores())
}

// PutUser seeds a user.
func (s *Store) PutUser(u *schedule.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

func copyEndpoint(ep *schedule.Endpoint) *schedule.Endpoint {
	cp := *ep
	if ep.Headers != nil {
		cp.Headers = make(map[string]string, len(ep.Headers))
		for k, v := range ep.Headers {
			cp.Headers[k] = v
		}
	}
	if ep.BodyJSON != nil {
		cp.BodyJSON = append([]byte(nil), ep.BodyJSON...)
	}
	return &cp
}

func copyRun(r *schedule.Run) *schedule.Run {
	cp := *r
	return &cp
}

func copySession(sess *schedule.Session) *schedule.Session {
	cp := *sess
	cp.ToolCalls = append([]schedule.ToolCallRecord(nil), sess.ToolCalls...)
	return &cp
}

// archivePause is the sentinel pause applied to endpoints of archived jobs.
var archivePause = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

type jobsStore struct{ s *Store }

func (j *jobsStore) CreateJob(_ context.Context, job *schedule.Job) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if job.Status == "" {
		job.Status = schedule.JobActive
	}
	now := j.s.clock.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	j.s.jobs[job.ID] = &cp
	return nil
}

func (j *jobsStore) GetJob(_ context.Context, id string) (*schedule.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

func (j *jobsStore) ListJobs(_ context.Context, userID string, filter store.JobFilter) ([]*schedule.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	var out []*schedule.Job
	for _, job := range j.s.jobs {
		if job.UserID != userID {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (j *jobsStore) UpdateJob(_ context.Context, job *schedule.Job) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if _, ok := j.s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrNotFound)
	}
	job.UpdatedAt = j.s.clock.Now()
	cp := *job
	j.s.jobs[job.ID] = &cp
	return nil
}

func (j *jobsStore) ArchiveJob(_ context.Context, id string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.Status = schedule.JobArchived
	job.UpdatedAt = j.s.clock.Now()
	for _, ep := range j.s.endpoints {
		if ep.JobID != nil && *ep.JobID == id {
			until := archivePause
			ep.PausedUntil = &until
		}
	}
	return nil
}

func (j *jobsStore) AddEndpoint(_ context.Context, ep *schedule.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	now := j.s.clock.Now()
	ep.CreatedAt, ep.UpdatedAt = now, now
	if ep.NextRunAt.IsZero() {
		ep.NextRunAt = schedule.PlanNextRun(now, ep, j.s.cron).At
	}
	j.s.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (j *jobsStore) UpdateEndpoint(_ context.Context, ep *schedule.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if _, ok := j.s.endpoints[ep.ID]; !ok {
		return fmt.Errorf("endpoint %s: %w", ep.ID, store.ErrNotFound)
	}
	ep.UpdatedAt = j.s.clock.Now()
	j.s.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (j *jobsStore) GetEndpoint(_ context.Context, id string) (*schedule.Endpoint, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	ep, ok := j.s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	return copyEndpoint(ep), nil
}

func (j *jobsStore) ListEndpointsByJob(_ context.Context, jobID string) ([]*schedule.Endpoint, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	var out []*schedule.Endpoint
	for _, ep := range j.s.endpoints {
		if ep.JobID != nil && *ep.JobID == jobID {
			out = append(out, copyEndpoint(ep))
		}
	}
	sort.Slice(out, func(a, b int) bool { return strings.Compare(out[a].ID, out[b].ID) < 0 })
	return out, nil
}

func (j *jobsStore) DeleteEndpoint(_ context.Context, id string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if _, ok := j.s.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	delete(j.s.endpoints, id)
	for rid, r := range j.s.runs {
		if r.EndpointID == id {
			delete(j.s.runs, rid)
		}
	}
	for sid, sess := range j.s.sessions {
		if sess.EndpointID == id {
			delete(j.s.sessions, sid)
		}
	}
	return nil
}

func (j *jobsStore) ClaimDueEndpoints(_ context.Context, limit int, horizon, defaultLock time.Duration) ([]string, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	now := j.s.clock.Now()
	deadline := now.Add(horizon)

	var due []*schedule.Endpoint
	for _, ep := range j.s.endpoints {
		if ep.NextRunAt.After(deadline) {
			continue
		}
		if ep.PausedUntil != nil && ep.PausedUntil.After(now) {
			continue
		}
		if ep.LockedUntil != nil && ep.LockedUntil.After(now) {
			continue
		}
		due = append(due, ep)
	}
	sort.Slice(due, func(a, b int) bool { return due[a].NextRunAt.Before(due[b].NextRunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, 0, len(due))
	for _, ep := range due {
		lock := defaultLock
		if ep.MaxExecutionTime > lock {
			lock = ep.MaxExecutionTime
		}
		until := now.Add(lock)
		ep.LockedUntil = &until
		ids = append(ids, ep.ID)
	}
	return ids, nil
}

func (j *jobsStore) SetLock(_ context.Context, id string, until time.Time) error {
	return j.mutate(id, func(ep *schedule.Endpoint) {
		ep.LockedUntil = &until
	})
}

func (j *jobsStore) ClearLock(_ context.Context, id string) error {
	return j.mutate(id, func(ep *schedule.Endpoint) {
		ep.LockedUntil = nil
	})
}

func (j *jobsStore) SetNextRunAtIfEarlier(_ context.Context, id string, at time.Time) error {
	return j.mutate(id, func(ep *schedule.Endpoint) {
		if at.Before(ep.NextRunAt) {
			ep.NextRunAt = at
		}
	})
}

func (j *jobsStore) UpdateAfterRun(_ context.Context, id string, advance store.AfterRun) error {
	return j.mutate(id, func(ep *schedule.Endpoint) {
		last := advance.LastRunAt
		ep.LastRunAt = &last
		ep.NextRunAt = advance.NextRunAt
		ep.FailureCount = advance.FailureCount
		if advance.ClearHints {
			ep.ClearHints()
		}
		ep.LockedUntil = nil
	})
}

func (j *jobsStore) WriteAIHint(_ context.Context, id string, hint store.Hint) error {
	return j.mutate(id, func(ep *schedule.Endpoint) {
		ep.AIHintInterval = hint.Interval
		ep.AIHintNextRunAt = hint.NextRunAt
		expires := hint.ExpiresAt
		ep.AIHintExpiresAt = &expires
		ep.AIHintReason = hint.Reason
	})
}

func (j *jobsStore) ClearAIHints(_ context.Context, id string) error {
	return j.mutate(id, func(ep *schedule.Endpoint) {
		ep.ClearHints()
	})
}

func (j *jobsStore) SetPausedUntil(_ context.Context, id string, until *time.Time) error {
	return j.mutate(id, func(ep *schedule.Endpoint) {
		ep.PausedUntil = until
	})
}

func (j *jobsStore) ResetFailureCount(_ context.Context, id string) error {
	return j.mutate(id, func(ep *schedule.Endpoint) {
		ep.FailureCount = 0
	})
}

func (j *jobsStore) GetUsage(_ context.Context, userID string, since time.Time) (int, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	owned := make(map[string]bool)
	for id, ep := range j.s.endpoints {
		if ep.TenantID == userID {
			owned[id] = true
		}
	}
	total := 0
	for _, sess := range j.s.sessions {
		if owned[sess.EndpointID] && !sess.AnalyzedAt.Before(since) {
			total += sess.TokenUsage
		}
	}
	return total, nil
}

func (j *jobsStore) mutate(id string, fn func(*schedule.Endpoint)) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	ep, ok := j.s.endpoints[id]
	if !ok {
		return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	fn(ep)
	ep.UpdatedAt = j.s.clock.Now()
	return nil
}

type runsStore struct{ s *Store }

func (r *runsStore) Create(_ context.Context, run *schedule.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if run.Status == "" {
		run.Status = schedule.RunRunning
	}
	r.s.runs[run.ID] = copyRun(run)
	return nil
}

func (r *runsStore) Finish(_ context.Context, runID string, outcome store.RunOutcome) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.Status != schedule.RunRunning {
		return fmt.Errorf("run %s already finished as %s", runID, run.Status)
	}
	now := r.s.clock.Now()
	run.Status = outcome.Status
	run.FinishedAt = &now
	run.Duration = outcome.Duration
	run.StatusCode = outcome.StatusCode
	run.ResponseBody = outcome.ResponseBody
	run.ErrorMessage = outcome.ErrorMessage
	run.ErrorDetails = outcome.ErrorDetails
	return nil
}

func (r *runsStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*schedule.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*schedule.Run
	for _, run := range r.s.runs {
		if filter.EndpointID != "" && run.EndpointID != filter.EndpointID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *runsStore) GetRunDetails(_ context.Context, runID string) (*schedule.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return copyRun(run), nil
}

func (r *runsStore) GetHealthSummary(_ context.Context, endpointID string, since time.Time) (*store.HealthSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var finished []*schedule.Run
	for _, run := range r.s.runs {
		if run.EndpointID != endpointID || !run.Status.Terminal() || run.StartedAt.Before(since) {
			continue
		}
		finished = append(finished, run)
	}
	sort.Slice(finished, func(a, b int) bool { return finished[a].StartedAt.After(finished[b].StartedAt) })

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
		summary.LastRun = copyRun(finished[0])
	}
	return summary, nil
}

func (r *runsStore) GetEndpointsWithRecentRuns(_ context.Context, since time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, run := range r.s.runs {
		if run.StartedAt.Before(since) || seen[run.EndpointID] {
			continue
		}
		seen[run.EndpointID] = true
		out = append(out, run.EndpointID)
	}
	sort.Strings(out)
	return out, nil
}

func (r *runsStore) GetLatestResponse(_ context.Context, endpointID string) (*store.LatestResponse, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.latestLocked(endpointID), nil
}

func (r *runsStore) latestLocked(endpointID string) *store.LatestResponse {
	var latest *schedule.Run
	for _, run := range r.s.runs {
		if run.EndpointID != endpointID || !run.Status.Terminal() {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return &store.LatestResponse{}
	}
	return &store.LatestResponse{
		Found:        true,
		ResponseBody: latest.ResponseBody,
		Timestamp:    latest.StartedAt,
		Status:       latest.Status,
		StatusCode:   latest.StatusCode,
	}
}

func (r *runsStore) GetResponseHistory(ctx context.Context, endpointID string, limit, offset int) ([]*schedule.Run, error) {
	var finished []*schedule.Run
	all, err := r.ListRuns(ctx, store.RunFilter{EndpointID: endpointID})
	if err != nil {
		return nil, err
	}
	for _, run := range all {
		if run.Status.Terminal() {
			finished = append(finished, run)
		}
	}
	if offset >= len(finished) {
		return nil, nil
	}
	finished = finished[offset:]
	if limit > 0 && len(finished) > limit {
		finished = finished[:limit]
	}
	return finished, nil
}

func (r *runsStore) GetSiblingLatestResponses(_ context.Context, jobID, excludeEndpointID string) ([]*store.SiblingResponse, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock.Now()
	var out []*store.SiblingResponse
	for _, ep := range r.s.endpoints {
		if ep.JobID == nil || *ep.JobID != jobID || ep.ID == excludeEndpointID {
			continue
		}
		sib := &store.SiblingResponse{
			EndpointID:  ep.ID,
			Name:        ep.Name,
			Latest:      *r.latestLocked(ep.ID),
			NextRunAt:   ep.NextRunAt,
			PausedUntil: ep.PausedUntil,
			HintActive:  ep.HintFresh(now),
			HintReason:  ep.AIHintReason,
		}
		if sib.HintActive {
			sib.HintInterval = ep.AIHintInterval
		}
		out = append(out, sib)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].EndpointID < out[b].EndpointID })
	return out, nil
}

func (r *runsStore) CleanupZombieRuns(_ context.Context, olderThan time.Duration) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock.Now()
	cutoff := now.Add(-olderThan)
	count := 0
	for _, run := range r.s.runs {
		if run.Status != schedule.RunRunning || run.StartedAt.After(cutoff) {
			continue
		}
		run.Status = schedule.RunFailed
		run.FinishedAt = &now
		run.Duration = now.Sub(run.StartedAt)
		run.ErrorMessage = fmt.Sprintf("zombie run: still running after %s", olderThan)
		count++
	}
	return count, nil
}

type sessionsStore struct{ s *Store }

func (s *sessionsStore) Create(_ context.Context, sess *schedule.Session) error {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	s.s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *sessionsStore) GetLastSession(_ context.Context, endpointID string) (*schedule.Session, error) {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	var last *schedule.Session
	for _, sess := range s.s.sessions {
		if sess.EndpointID != endpointID {
			continue
		}
		if last == nil || sess.AnalyzedAt.After(last.AnalyzedAt) {
			last = sess
		}
	}
	if last == nil {
		return nil, fmt.Errorf("sessions for endpoint %s: %w", endpointID, store.ErrNotFound)
	}
	return copySession(last), nil
}

func (s *sessionsStore) GetRecentSessions(_ context.Context, endpointID string, limit, offset int) ([]*schedule.Session, error) {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	var out []*schedule.Session
	for _, sess := range s.s.sessions {
		if sess.EndpointID == endpointID {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AnalyzedAt.After(out[b].AnalyzedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *sessionsStore) GetTotalTokenUsage(_ context.Context, endpointID string, since time.Time) (int, error) {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	total := 0
	for _, sess := range s.s.sessions {
		if sess.EndpointID == endpointID && !sess.AnalyzedAt.Before(since) {
			total += sess.TokenUsage
		}
	}
	return total, nil
}

type usersStore struct{ s *Store }

func (u *usersStore) GetUser(_ context.Context, id string) (*schedule.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	cp := *user
	return &cp, nil
}
