package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/features/store/inmem"
	"github.com/cronicorn/cronicorn/runtime/dispatcher"
	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubExecutor returns canned outcomes keyed by endpoint ID.
type stubExecutor struct {
	mu       sync.Mutex
	outcomes map[string]dispatcher.Outcome
	calls    map[string]int
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{outcomes: make(map[string]dispatcher.Outcome), calls: make(map[string]int)}
}

func (s *stubExecutor) set(id string, out dispatcher.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[id] = out
}

func (s *stubExecutor) Execute(_ context.Context, ep *schedule.Endpoint) dispatcher.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[ep.ID]++
	if out, ok := s.outcomes[ep.ID]; ok {
		return out
	}
	code := 200
	return dispatcher.Outcome{Status: schedule.RunSuccess, Duration: 50 * time.Millisecond, StatusCode: &code}
}

func newWorkerFixture(t *testing.T) (*Worker, store.Stores, *fakeClock, *stubExecutor) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	mem := inmem.New(clock)
	exec := newStubExecutor()
	w, err := New(Options{
		Stores:     mem.Stores(),
		Tx:         mem,
		Dispatcher: exec,
		Clock:      clock,
	})
	require.NoError(t, err)
	return w, mem.Stores(), clock, exec
}

func addEndpoint(t *testing.T, stores store.Stores, id string, ep schedule.Endpoint) {
	t.Helper()
	ep.ID = id
	if ep.URL == "" {
		ep.URL = "https://example.com/" + id
	}
	if ep.TenantID == "" {
		ep.TenantID = "u1"
	}
	require.NoError(t, stores.Jobs.AddEndpoint(context.Background(), &ep))
}

func TestTickHappyPath(t *testing.T) {
	w, stores, clock, _ := newWorkerFixture(t)
	ctx := context.Background()
	now := clock.Now()

	addEndpoint(t, stores, "e1", schedule.Endpoint{
		BaselineInterval: time.Minute,
		NextRunAt:        now.Add(2 * time.Second),
	})

	w.Tick(ctx)

	runs, err := stores.Runs.ListRuns(ctx, store.RunFilter{EndpointID: "e1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.RunSuccess, runs[0].Status)
	assert.Equal(t, 1, runs[0].Attempt)
	assert.Equal(t, schedule.SourceBaselineInterval, runs[0].Source)
	assert.Greater(t, runs[0].Duration, time.Duration(0))

	ep, err := stores.Jobs.GetEndpoint(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, ep.FailureCount)
	require.NotNil(t, ep.LastRunAt)
	assert.Equal(t, now, *ep.LastRunAt)
	assert.Equal(t, now.Add(time.Minute), ep.NextRunAt)
	assert.Nil(t, ep.LockedUntil)
}

func TestTickFailureIncrementsAndBacksOff(t *testing.T) {
	w, stores, clock, exec := newWorkerFixture(t)
	ctx := context.Background()
	now := clock.Now()

	addEndpoint(t, stores, "e1", schedule.Endpoint{
		BaselineInterval: time.Minute,
		NextRunAt:        now,
	})
	code := 500
	exec.set("e1", dispatcher.Outcome{
		Status:       schedule.RunFailed,
		Duration:     10 * time.Millisecond,
		StatusCode:   &code,
		ErrorMessage: "HTTP 500 Internal Server Error",
	})

	w.Tick(ctx)

	ep, err := stores.Jobs.GetEndpoint(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, ep.FailureCount)
	assert.Equal(t, now.Add(2*time.Minute), ep.NextRunAt, "one failure doubles the interval")

	runs, err := stores.Runs.ListRuns(ctx, store.RunFilter{EndpointID: "e1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.RunFailed, runs[0].Status)
	assert.Equal(t, "HTTP 500 Internal Server Error", runs[0].ErrorMessage)
}

func TestTickSuccessResetsFailureCount(t *testing.T) {
	w, stores, clock, _ := newWorkerFixture(t)
	ctx := context.Background()
	now := clock.Now()

	addEndpoint(t, stores, "e1", schedule.Endpoint{
		BaselineInterval: time.Minute,
		NextRunAt:        now,
		FailureCount:     4,
	})

	w.Tick(ctx)

	ep, err := stores.Jobs.GetEndpoint(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, ep.FailureCount)
	assert.Equal(t, now.Add(time.Minute), ep.NextRunAt)

	runs, err := stores.Runs.ListRuns(ctx, store.RunFilter{EndpointID: "e1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 5, runs[0].Attempt, "attempt is failureCount+1 at dispatch time")
}

func TestTickClearsExpiredHints(t *testing.T) {
	w, stores, clock, _ := newWorkerFixture(t)
	ctx := context.Background()
	now := clock.Now()

	hint := 30 * time.Second
	expired := now.Add(-time.Minute)
	addEndpoint(t, stores, "e1", schedule.Endpoint{
		BaselineInterval: time.Minute,
		NextRunAt:        now,
		AIHintInterval:   &hint,
		AIHintExpiresAt:  &expired,
		AIHintReason:     "stale",
	})

	w.Tick(ctx)

	ep, err := stores.Jobs.GetEndpoint(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, ep.AIHintInterval)
	assert.Nil(t, ep.AIHintExpiresAt)
	assert.Empty(t, ep.AIHintReason)
	assert.Equal(t, now.Add(time.Minute), ep.NextRunAt, "expired hint does not shape the next run")
}

func TestTickFreshHintTagsSourceAndSchedules(t *testing.T) {
	w, stores, clock, _ := newWorkerFixture(t)
	ctx := context.Background()
	now := clock.Now()

	hint := 30 * time.Second
	fresh := now.Add(time.Hour)
	addEndpoint(t, stores, "e1", schedule.Endpoint{
		BaselineInterval: time.Minute,
		NextRunAt:        now,
		AIHintInterval:   &hint,
		AIHintExpiresAt:  &fresh,
	})

	w.Tick(ctx)

	runs, err := stores.Runs.ListRuns(ctx, store.RunFilter{EndpointID: "e1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.SourceAIInterval, runs[0].Source)

	ep, err := stores.Jobs.GetEndpoint(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(hint), ep.NextRunAt)
}

func TestTickOneFailureDoesNotStopOthers(t *testing.T) {
	w, stores, clock, exec := newWorkerFixture(t)
	ctx := context.Background()
	now := clock.Now()

	addEndpoint(t, stores, "bad", schedule.Endpoint{BaselineInterval: time.Minute, NextRunAt: now})
	addEndpoint(t, stores, "healthy", schedule.Endpoint{BaselineInterval: time.Minute, NextRunAt: now.Add(time.Second)})
	exec.set("bad", dispatcher.Outcome{Status: schedule.RunFailed, ErrorMessage: "request timed out after 1000ms"})

	w.Tick(ctx)

	for _, id := range []string{"bad", "healthy"} {
		runs, err := stores.Runs.ListRuns(ctx, store.RunFilter{EndpointID: id})
		require.NoError(t, err)
		assert.Len(t, runs, 1, id)
		assert.Equal(t, 1, exec.calls[id], id)
	}
}

func TestDispatchOneMissingEndpoint(t *testing.T) {
	w, _, _, _ := newWorkerFixture(t)
	err := w.dispatchOne(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTickSkipsPausedEndpoints(t *testing.T) {
	w, stores, clock, exec := newWorkerFixture(t)
	ctx := context.Background()
	now := clock.Now()

	paused := now.Add(time.Hour)
	addEndpoint(t, stores, "e1", schedule.Endpoint{
		BaselineInterval: time.Minute,
		NextRunAt:        now,
		PausedUntil:      &paused,
	})

	w.Tick(ctx)

	assert.Zero(t, exec.calls["e1"])
	runs, err := stores.Runs.ListRuns(ctx, store.RunFilter{EndpointID: "e1"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCleanupReapsZombies(t *testing.T) {
	w, stores, clock, _ := newWorkerFixture(t)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, stores.Runs.Create(ctx, &schedule.Run{
		ID: "stuck", EndpointID: "e1", StartedAt: now.Add(-2 * time.Hour), Status: schedule.RunRunning,
	}))

	w.Cleanup(ctx)

	run, err := stores.Runs.GetRunDetails(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, schedule.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "zombie")
	assert.Equal(t, 2*time.Hour, run.Duration)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, _, _, _ := newWorkerFixture(t)
	w.pollInterval = 10 * time.Millisecond
	w.cleanupInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
