package planner

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
	"github.com/cronicorn/cronicorn/runtime/telemetry"
)

// Default planner cadences.
const (
	DefaultAnalysisInterval = 5 * time.Minute
	DefaultLookback         = 5 * time.Minute
)

// WorkerOptions configures the planner worker.
type WorkerOptions struct {
	Analyzer *Analyzer
	Stores   store.Stores
	Clock    schedule.Clock
	Metrics  telemetry.Metrics

	AnalysisInterval time.Duration
	Lookback         time.Duration
}

// Worker discovers endpoints with recent runs and analyzes the ones due for
// it. Endpoints are analyzed sequentially; one failure never aborts the tick.
type Worker struct {
	analyzer *Analyzer
	stores   store.Stores
	clock    schedule.Clock
	metrics  telemetry.Metrics

	analysisInterval time.Duration
	lookback         time.Duration
}

// NewWorker validates options and constructs a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Analyzer == nil {
		return nil, errors.New("analyzer is required")
	}
	if opts.Stores.Runs == nil || opts.Stores.Sessions == nil || opts.Stores.Jobs == nil {
		return nil, errors.New("jobs, runs and sessions stores are required")
	}
	w := &Worker{
		analyzer:         opts.Analyzer,
		stores:           opts.Stores,
		clock:            opts.Clock,
		metrics:          opts.Metrics,
		analysisInterval: opts.AnalysisInterval,
		lookback:         opts.Lookback,
	}
	if w.clock == nil {
		w.clock = schedule.SystemClock{}
	}
	if w.metrics == nil {
		w.metrics = telemetry.NopMetrics{}
	}
	if w.analysisInterval <= 0 {
		w.analysisInterval = DefaultAnalysisInterval
	}
	if w.lookback <= 0 {
		w.lookback = DefaultLookback
	}
	return w, nil
}

// Run drives the analysis loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info(ctx, log.KV{K: "msg", V: "ai planner worker started"},
		log.KV{K: "analysis_interval", V: w.analysisInterval.String()},
		log.KV{K: "lookback", V: w.lookback.String()})

	ticker := time.NewTicker(w.analysisInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, log.KV{K: "msg", V: "ai planner worker stopped"})
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick analyzes every endpoint that is due for it.
func (w *Worker) Tick(ctx context.Context) {
	now := w.clock.Now()
	ids, err := w.stores.Runs.GetEndpointsWithRecentRuns(ctx, now.Add(-w.lookback))
	if err != nil {
		log.Errorf(ctx, err, "discover endpoints with recent runs")
		return
	}
	for _, id := range ids {
		due, err := w.dueForAnalysis(ctx, id, now)
		if err != nil {
			log.Errorf(ctx, err, "check analysis due for %s", id)
			continue
		}
		if !due {
			continue
		}
		if err := w.analyzer.Analyze(ctx, id); err != nil {
			log.Errorf(ctx, err, "analyze endpoint %s", id)
		}
	}
}

// dueForAnalysis applies the three triggers: first analysis, scheduled
// reanalysis, and new failures since the last session.
func (w *Worker) dueForAnalysis(ctx context.Context, endpointID string, now time.Time) (bool, error) {
	last, err := w.stores.Sessions.GetLastSession(ctx, endpointID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if last.NextAnalysisAt != nil && !last.NextAnalysisAt.After(now) {
		return true, nil
	}
	ep, err := w.stores.Jobs.GetEndpoint(ctx, endpointID)
	if err != nil {
		return false, err
	}
	return ep.FailureCount > last.EndpointFailureCount, nil
}
