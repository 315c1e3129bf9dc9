// Package scheduler implements the tick-driven worker that claims due
// endpoints under a pessimistic lock, dispatches their HTTP calls with
// bounded parallelism, records runs, and advances endpoint state through the
// governor. It also hosts the zombie-run cleanup loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/cronicorn/cronicorn/runtime/dispatcher"
	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
	"github.com/cronicorn/cronicorn/runtime/telemetry"
)

// Default worker cadences and limits.
const (
	DefaultBatchSize       = 10
	DefaultPollInterval    = 5 * time.Second
	DefaultClaimHorizon    = 10 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
	DefaultZombieThreshold = time.Hour
	DefaultLockDuration    = time.Minute
)

// Executor abstracts the HTTP dispatcher so worker tests can stub outcomes.
type Executor interface {
	Execute(ctx context.Context, ep *schedule.Endpoint) dispatcher.Outcome
}

// Options configures the scheduler worker.
type Options struct {
	Stores     store.Stores
	Tx         store.TxRunner
	Dispatcher Executor
	Clock      schedule.Clock
	Cron       schedule.Cron
	Metrics    telemetry.Metrics

	BatchSize       int
	PollInterval    time.Duration
	ClaimHorizon    time.Duration
	CleanupInterval time.Duration
	ZombieThreshold time.Duration
	LockDuration    time.Duration
}

// Worker is the scheduler worker. Multiple instances can run concurrently
// against the same store; the claim query serializes them.
type Worker struct {
	stores     store.Stores
	tx         store.TxRunner
	dispatcher Executor
	clock      schedule.Clock
	cron       schedule.Cron
	metrics    telemetry.Metrics

	batchSize       int
	pollInterval    time.Duration
	claimHorizon    time.Duration
	cleanupInterval time.Duration
	zombieThreshold time.Duration
	lockDuration    time.Duration
}

// New validates options and constructs a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Stores.Jobs == nil || opts.Stores.Runs == nil {
		return nil, errors.New("jobs and runs stores are required")
	}
	if opts.Tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	w := &Worker{
		stores:          opts.Stores,
		tx:              opts.Tx,
		dispatcher:      opts.Dispatcher,
		clock:           opts.Clock,
		cron:            opts.Cron,
		metrics:         opts.Metrics,
		batchSize:       opts.BatchSize,
		pollInterval:    opts.PollInterval,
		claimHorizon:    opts.ClaimHorizon,
		cleanupInterval: opts.CleanupInterval,
		zombieThreshold: opts.ZombieThreshold,
		lockDuration:    opts.LockDuration,
	}
	if w.clock == nil {
		w.clock = schedule.SystemClock{}
	}
	if w.cron == nil {
		w.cron = schedule.NewStandardCron()
	}
	if w.metrics == nil {
		w.metrics = telemetry.NopMetrics{}
	}
	if w.batchSize <= 0 {
		w.batchSize = DefaultBatchSize
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.claimHorizon <= 0 {
		w.claimHorizon = DefaultClaimHorizon
	}
	if w.cleanupInterval <= 0 {
		w.cleanupInterval = DefaultCleanupInterval
	}
	if w.zombieThreshold <= 0 {
		w.zombieThreshold = DefaultZombieThreshold
	}
	if w.lockDuration <= 0 {
		w.lockDuration = DefaultLockDuration
	}
	return w, nil
}

// Run drives the tick and cleanup loops until ctx is canceled. The tick in
// flight at cancellation time completes before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	log.Info(ctx, log.KV{K: "msg", V: "scheduler worker started"},
		log.KV{K: "poll_interval", V: w.pollInterval.String()},
		log.KV{K: "batch_size", V: w.batchSize})

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.cleanupLoop(ctx)
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			log.Info(ctx, log.KV{K: "msg", V: "scheduler worker stopped"})
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one claim-dispatch-record cycle. Failures are logged and never
// abort the loop.
func (w *Worker) Tick(ctx context.Context) {
	start := w.clock.Now()
	w.metrics.IncCounter("scheduler.ticks", 1)

	ids, err := w.stores.Jobs.ClaimDueEndpoints(ctx, w.batchSize, w.claimHorizon, w.lockDuration)
	if err != nil {
		log.Errorf(ctx, err, "claim due endpoints")
		return
	}
	if len(ids) == 0 {
		return
	}
	log.Debug(ctx, log.KV{K: "msg", V: "claimed endpoints"}, log.KV{K: "count", V: len(ids)})

	g := &errgroup.Group{}
	g.SetLimit(w.batchSize)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := w.dispatchOne(ctx, id); err != nil {
				w.metrics.IncCounter("scheduler.run_failures", 1)
				log.Errorf(ctx, err, "dispatch endpoint %s", id)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // goroutines never return errors
	w.metrics.RecordTimer("scheduler.tick_duration", w.clock.Now().Sub(start))
}

// dispatchOne executes a single claimed endpoint: create the run, invoke the
// dispatcher, then finish the run and advance the endpoint in one
// transaction that also releases the claim lock.
func (w *Worker) dispatchOne(ctx context.Context, id string) error {
	ep, err := w.stores.Jobs.GetEndpoint(ctx, id)
	if err != nil {
		return fmt.Errorf("load endpoint: %w", err)
	}

	now := w.clock.Now()
	// The run's provenance tag is re-derived from the endpoint snapshot at
	// dispatch time.
	decision := schedule.PlanNextRun(now, ep, w.cron)
	run := &schedule.Run{
		ID:         uuid.NewString(),
		EndpointID: id,
		Attempt:    ep.FailureCount + 1,
		Source:     decision.Source,
		Status:     schedule.RunRunning,
		StartedAt:  now,
	}
	if err := w.stores.Runs.Create(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	out := w.dispatcher.Execute(ctx, ep)
	finishedAt := w.clock.Now()
	w.metrics.IncCounter("scheduler.runs", 1, "status", string(out.Status))

	advanced := *ep
	advanced.LastRunAt = &finishedAt
	if out.Status == schedule.RunSuccess {
		advanced.FailureCount = 0
	} else {
		advanced.FailureCount++
	}
	clearHints := ep.AIHintExpiresAt != nil && !ep.AIHintExpiresAt.After(finishedAt)
	if clearHints {
		advanced.ClearHints()
	}
	next := schedule.PlanNextRun(finishedAt, &advanced, w.cron)

	err = w.tx.InTx(ctx, func(s store.Stores) error {
		if err := s.Runs.Finish(ctx, run.ID, store.RunOutcome{
			Status:       out.Status,
			Duration:     out.Duration,
			StatusCode:   out.StatusCode,
			ResponseBody: out.ResponseBody,
			ErrorMessage: out.ErrorMessage,
		}); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		if err := s.Jobs.UpdateAfterRun(ctx, id, store.AfterRun{
			LastRunAt:    finishedAt,
			NextRunAt:    next.At,
			FailureCount: advanced.FailureCount,
			ClearHints:   clearHints,
		}); err != nil {
			return fmt.Errorf("advance endpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug(ctx, log.KV{K: "msg", V: "run finished"},
		log.KV{K: "endpoint_id", V: id},
		log.KV{K: "status", V: string(out.Status)},
		log.KV{K: "source", V: string(run.Source)},
		log.KV{K: "next_run_at", V: next.At.Format(time.RFC3339)})
	return nil
}

// cleanupLoop reaps zombie runs on its own timer until ctx is canceled.
func (w *Worker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Cleanup(ctx)
		}
	}
}

// Cleanup fails runs stuck in running beyond the zombie threshold. Endpoint
// state is left alone; the next natural advance reconciles it.
func (w *Worker) Cleanup(ctx context.Context) {
	count, err := w.stores.Runs.CleanupZombieRuns(ctx, w.zombieThreshold)
	if err != nil {
		log.Errorf(ctx, err, "cleanup zombie runs")
		return
	}
	if count > 0 {
		w.metrics.IncCounter("scheduler.zombies_reaped", float64(count))
		log.Warn(ctx, log.KV{K: "msg", V: "reaped zombie runs"}, log.KV{K: "count", V: count})
	}
}
