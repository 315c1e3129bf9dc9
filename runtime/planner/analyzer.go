package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/cronicorn/cronicorn/runtime/model"
	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
	"github.com/cronicorn/cronicorn/runtime/telemetry"
)

// Defaults for the analysis loop.
const (
	DefaultMaxTokens   = 1500
	DefaultTemperature = 0.7
	DefaultMaxTurns    = 8

	healthLookback = 24 * time.Hour
)

// AnalyzerOptions configures an Analyzer.
type AnalyzerOptions struct {
	Stores  store.Stores
	Quota   store.QuotaGuard
	Client  model.Client
	Clock   schedule.Clock
	Metrics telemetry.Metrics

	Model       string
	MaxTokens   int
	Temperature float32
	// MaxTurns bounds the tool loop; a model that never submits is cut off
	// after this many completions.
	MaxTurns int
}

/// Analyzer runs one AI analysis per endpoint: quota check, health summary,
// prompt, tool loop, session persist.
type Analyzer struct {
	stores  store.Stores
	quota   store.QuotaGuard
	client  model.Client
	clock   schedule.Clock
	metrics telemetry.Metrics

	modelID     string
	maxTokens   int
	temperature float32
	maxTurns    int
}

// NewAnalyzer validates options and constructs an Analyzer.
func NewAnalyzer(opts AnalyzerOptions) (*Analyzer, error) {
	if opts.Stores.Jobs == nil || opts.Stores.Runs == nil || opts.Stores.Sessions == nil {
		return nil, errors.New("jobs, runs and sessions stores are required")
	}
	if opts.Quota == nil {
		return nil, errors.New("quota guard is required")
	}
	if opts.Client == nil {
		return nil, errors.New("model client is required")
	}
	a := &Analyzer{
		stores:      opts.Stores,
		quota:       opts.Quota,
		client:      opts.Client,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		modelID:     opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		maxTurns:    opts.MaxTurns,
	}
	if a.clock == nil {
		a.clock = schedule.SystemClock{}
	}
	if a.metrics == nil {
		a.metrics = telemetry.NopMetrics{}
	}
	if a.maxTokens <= 0 {
		a.maxTokens = DefaultMaxTokens
	}
	if a.temperature <= 0 {
		a.temperature = DefaultTemperature
	}
	if a.maxTurns <= 0 {
		a.maxTurns = DefaultMaxTurns
	}
	return a, nil
}

// Analyze performs one analysis of the endpoint. A denied quota skips the
// analysis without error; everything else that fails is returned so the
// worker can log and move on to the next endpoint.
func (a *Analyzer) Analyze(ctx context.Context, endpointID string) error {
	start := a.clock.Now()

	ep, err := a.stores.Jobs.GetEndpoint(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("load endpoint: %w", err)
	}

	ok, err := a.quota.CanProceed(ctx, ep.TenantID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		a.metrics.IncCounter("planner.quota_denied", 1)
		log.Warn(ctx, log.KV{K: "msg", V: "monthly token quota exhausted, skipping analysis"},
			log.KV{K: "endpoint_id", V: endpointID},
			log.KV{K: "tenant_id", V: ep.TenantID})
		return nil
	}

	health, err := a.stores.Runs.GetHealthSummary(ctx, endpointID, start.Add(-healthLookback))
	if err != nil {
		return fmt.Errorf("health summary: %w", err)
	}

	var job *schedule.Job
	jobID := ""
	if ep.JobID != nil {
		jobID = *ep.JobID
		if job, err = a.stores.Jobs.GetJob(ctx, jobID); err != nil {
			return fmt.Errorf("load job: %w", err)
		}
	}

	toolset, err := NewToolset(endpointID, jobID, a.stores.Jobs, a.stores.Runs, a.clock)
	if err != nil {
		return fmt.Errorf("build toolset: %w", err)
	}

	session := &schedule.Session{
		ID:                   uuid.NewString(),
		EndpointID:           endpointID,
		AnalyzedAt:           start,
		EndpointFailureCount: ep.FailureCount,
	}
	submit, usage := a.runToolLoop(ctx, toolset, session, buildPrompt(start, job, ep, health))

	session.TokenUsage = usage
	session.Duration = a.clock.Now().Sub(start)
	if submit != nil {
		session.Reasoning = submit.Reasoning
		if submit.NextAnalysisInMs > 0 {
			at := start.Add(time.Duration(submit.NextAnalysisInMs) * time.Millisecond)
			session.NextAnalysisAt = &at
		}
	} else {
		log.Warn(ctx, log.KV{K: "msg", V: "analysis ended without submit_analysis"},
			log.KV{K: "endpoint_id", V: endpointID})
	}

	if err := a.stores.Sessions.Create(ctx, session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if err := a.quota.RecordUsage(ctx, ep.TenantID, usage); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	a.metrics.IncCounter("planner.analyses", 1)
	log.Info(ctx, log.KV{K: "msg", V: "analysis complete"},
		log.KV{K: "endpoint_id", V: endpointID},
		log.KV{K: "tool_calls", V: len(session.ToolCalls)},
		log.KV{K: "tokens", V: usage})
	return nil
}

// runToolLoop drives the agentic loop until the model calls submit_analysis,
// stops proposing tools, or the turn budget runs out. Tool failures are fed
// back to the model as error results rather than aborting the loop.
func (a *Analyzer) runToolLoop(ctx context.Context, toolset *Toolset, session *schedule.Session, prompt string) (*SubmitArgs, int) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		{Role: model.RoleUser, Content: prompt},
	}
	defs := toolset.Definitions()

	var submit *SubmitArgs
	usage := 0
	for turn := 0; turn < a.maxTurns && submit == nil; turn++ {
		resp, err := a.client.Complete(ctx, model.Request{
			Model:       a.modelID,
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   a.maxTokens,
			Temperature: a.temperature,
		})
		if err != nil {
			log.Errorf(ctx, err, "model completion (turn %d)", turn)
			break
		}
		usage += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			break
		}
		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result, err := toolset.Execute(ctx, call.Name, call.Arguments)
			record := schedule.ToolCallRecord{Tool: call.Name, Args: string(call.Arguments)}
			var resultJSON string
			if err != nil {
				resultJSON = marshalToolResult(map[string]any{"error": err.Error()})
				log.Warn(ctx, log.KV{K: "msg", V: "tool call failed"},
					log.KV{K: "tool", V: call.Name},
					log.KV{K: "error", V: err.Error()})
			} else {
				resultJSON = marshalToolResult(result)
				if call.Name == ToolSubmitAnalysis {
					var args SubmitArgs
					if jerr := json.Unmarshal(call.Arguments, &args); jerr == nil {
						submit = &args
					}
				}
			}
			record.Result = resultJSON
			session.ToolCalls = append(session.ToolCalls, record)
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				Content:    resultJSON,
				ToolCallID: call.ID,
			})
		}
	}
	return submit, usage
}

func marshalToolResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unserializable tool result"}`
	}
	return string(data)
}
