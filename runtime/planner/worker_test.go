package planner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/features/store/inmem"
	"github.com/cronicorn/cronicorn/runtime/model"
	"github.com/cronicorn/cronicorn/runtime/quota"
	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

type workerFixture struct {
	clock  *fakeClock
	mem    *inmem.Store
	stores store.Stores
	client *scriptedClient
	worker *Worker
}

// submitOnly always finishes immediately with a fixed reanalysis delay.
func submitOnlyResponses(n int) []model.Response {
	var out []model.Response
	for i := 0; i < n; i++ {
		out = append(out, model.Response{
			ToolCalls: []model.ToolCall{{
				ID:        "c1",
				Name:      ToolSubmitAnalysis,
				Arguments: json.RawMessage(`{"reasoning":"steady","next_analysis_in_ms":600000}`),
			}},
			Usage: model.TokenUsage{TotalTokens: 25},
		})
	}
	return out
}

func newPlannerWorkerFixture(t *testing.T, client *scriptedClient) *workerFixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	mem := inmem.New(clock)
	stores := mem.Stores()
	mem.PutUser(&schedule.User{ID: "user-1", Tier: schedule.TierPro})

	analyzer, err := NewAnalyzer(AnalyzerOptions{
		Stores: stores,
		Quota:  quota.NewGuard(stores.Users, stores.Jobs, clock),
		Client: client,
		Clock:  clock,
	})
	require.NoError(t, err)
	worker, err := NewWorker(WorkerOptions{
		Analyzer: analyzer,
		Stores:   stores,
		Clock:    clock,
		Lookback: 5 * time.Minute,
	})
	require.NoError(t, err)
	return &workerFixture{clock: clock, mem: mem, stores: stores, client: client, worker: worker}
}

func (f *workerFixture) addEndpoint(t *testing.T, id string) {
	t.Helper()
	ep := &schedule.Endpoint{
		ID:               id,
		TenantID:         "user-1",
		Name:             id,
		URL:              "https://example.com/" + id,
		BaselineInterval: 10 * time.Minute,
		NextRunAt:        f.clock.Now().Add(10 * time.Minute),
	}
	require.NoError(t, f.stores.Jobs.AddEndpoint(context.Background(), ep))
}

func (f *workerFixture) addRun(t *testing.T, runID, epID string, startedAgo time.Duration) {
	t.Helper()
	ctx := context.Background()
	run := &schedule.Run{
		ID:         runID,
		EndpointID: epID,
		Attempt:    1,
		StartedAt:  f.clock.Now().Add(-startedAgo),
	}
	require.NoError(t, f.stores.Runs.Create(ctx, run))
	code := 200
	require.NoError(t, f.stores.Runs.Finish(ctx, runID, store.RunOutcome{
		Status:     schedule.RunSuccess,
		Duration:   100 * time.Millisecond,
		StatusCode: &code,
	}))
}

func TestTickAnalyzesEndpointsWithRecentRunsOnce(t *testing.T) {
	client := &scriptedClient{responses: submitOnlyResponses(2)}
	f := newPlannerWorkerFixture(t, client)
	ctx := context.Background()

	f.addEndpoint(t, "ep-recent")
	f.addRun(t, "run-1", "ep-recent", time.Minute)
	f.addEndpoint(t, "ep-stale")
	f.addRun(t, "run-2", "ep-stale", time.Hour)

	f.worker.Tick(ctx)

	// only the endpoint with a run inside the lookback was analyzed
	require.Len(t, client.requests, 1)
	sess, err := f.stores.Sessions.GetLastSession(ctx, "ep-recent")
	require.NoError(t, err)
	assert.Equal(t, "steady", sess.Reasoning)
	_, err = f.stores.Sessions.GetLastSession(ctx, "ep-stale")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// a second tick before the scheduled reanalysis does nothing
	f.addRun(t, "run-3", "ep-recent", 0)
	f.worker.Tick(ctx)
	assert.Len(t, client.requests, 1)
}

func TestTickReanalyzesWhenScheduled(t *testing.T) {
	client := &scriptedClient{responses: submitOnlyResponses(2)}
	f := newPlannerWorkerFixture(t, client)
	ctx := context.Background()

	f.addEndpoint(t, "ep-1")
	f.addRun(t, "run-1", "ep-1", time.Minute)
	f.worker.Tick(ctx)
	require.Len(t, client.requests, 1)

	// next_analysis_in_ms was 10 minutes; advance past it with fresh activity
	f.clock.Advance(11 * time.Minute)
	f.addRun(t, "run-2", "ep-1", time.Minute)
	f.worker.Tick(ctx)
	assert.Len(t, client.requests, 2)

	sessions, err := f.stores.Sessions.GetRecentSessions(ctx, "ep-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestTickReanalyzesOnNewFailures(t *testing.T) {
	client := &scriptedClient{responses: submitOnlyResponses(2)}
	f := newPlannerWorkerFixture(t, client)
	ctx := context.Background()

	f.addEndpoint(t, "ep-1")
	f.addRun(t, "run-1", "ep-1", time.Minute)
	f.worker.Tick(ctx)
	require.Len(t, client.requests, 1)

	// failures since the last session override the reanalysis schedule
	ep, err := f.stores.Jobs.GetEndpoint(ctx, "ep-1")
	require.NoError(t, err)
	require.NoError(t, f.stores.Jobs.UpdateAfterRun(ctx, "ep-1", store.AfterRun{
		LastRunAt:    f.clock.Now(),
		NextRunAt:    ep.NextRunAt,
		FailureCount: 2,
	}))
	f.clock.Advance(time.Minute)
	f.addRun(t, "run-2", "ep-1", 0)
	f.worker.Tick(ctx)
	assert.Len(t, client.requests, 2)

	sess, err := f.stores.Sessions.GetLastSession(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.EndpointFailureCount)
}

func TestTickOneFailureDoesNotStopOthers(t *testing.T) {
	client := &scriptedClient{responses: submitOnlyResponses(1)}
	f := newPlannerWorkerFixture(t, client)
	ctx := context.Background()

	// a run pointing at a deleted endpoint makes its analysis fail
	f.addEndpoint(t, "ep-gone")
	f.addRun(t, "run-gone", "ep-gone", time.Minute)
	f.addEndpoint(t, "ep-ok")
	f.addRun(t, "run-ok", "ep-ok", time.Minute)
	require.NoError(t, deleteEndpointKeepRun(ctx, f, "ep-gone", "run-gone"))

	f.worker.Tick(ctx)

	sess, err := f.stores.Sessions.GetLastSession(ctx, "ep-ok")
	require.NoError(t, err)
	assert.Equal(t, "steady", sess.Reasoning)
}

// deleteEndpointKeepRun removes the endpoint but re-seeds its run so the
// discovery query still reports it, modeling a race between a delete and the
// planner tick.
func deleteEndpointKeepRun(ctx context.Context, f *workerFixture, epID, runID string) error {
	if err := f.stores.Jobs.DeleteEndpoint(ctx, epID); err != nil {
		return err
	}
	run := &schedule.Run{
		ID:         runID,
		EndpointID: epID,
		Attempt:    1,
		Status:     schedule.RunSuccess,
		StartedAt:  f.clock.Now().Add(-time.Minute),
	}
	return f.stores.Runs.Create(ctx, run)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	client := &scriptedClient{}
	f := newPlannerWorkerFixture(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
