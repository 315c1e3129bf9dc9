// Package planner implements the AI planner worker: it discovers endpoints
// with recent activity, decides which are due for analysis, and drives a
// tool-using LLM whose tools read run history and mutate scheduling hints on
// a single endpoint. Every analysis is persisted as an immutable session.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cronicorn/cronicorn/runtime/model"
	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

// Tool names exposed to the model.
const (
	ToolGetLatestResponse    = "get_latest_response"
	ToolGetResponseHistory   = "get_response_history"
	ToolGetSiblingResponses  = "get_sibling_latest_responses"
	ToolProposeInterval      = "propose_interval"
	ToolProposeNextTime      = "propose_next_time"
	ToolPauseUntil           = "pause_until"
	ToolClearHints           = "clear_hints"
	ToolSubmitAnalysis       = "submit_analysis"
	historyBodyTruncateChars = 1000
)

// Bounds on the model-requested reanalysis delay.
const (
	MinNextAnalysisMs = 300_000
	MaxNextAnalysisMs = 86_400_000
)

// tool pairs a compiled argument schema with its executor.
type tool struct {
	description string
	schema      json.RawMessage
	compiled    *jsonschema.Schema
	run         func(ctx context.Context, raw json.RawMessage) (any, error)
}

// Toolset is the tool surface bound to a single endpoint (and its job). All
// side effects are confined to that endpoint.
type Toolset struct {
	endpointID string
	jobID      string
	jobs       store.JobsStore
	runs       store.RunsStore
	clock      schedule.Clock

	tools map[string]*tool
	order []string
}

// NewToolset builds and compiles the endpoint-scoped tool surface. jobID may
// be empty for ungrouped endpoints; the sibling tool then reports no
// siblings.
func NewToolset(endpointID, jobID string, jobs store.JobsStore, runs store.RunsStore, clock schedule.Clock) (*Toolset, error) {
	ts := &Toolset{
		endpointID: endpointID,
		jobID:      jobID,
		jobs:       jobs,
		runs:       runs,
		clock:      clock,
		tools:      make(map[string]*tool),
	}
	specs := []struct {
		name        string
		description string
		schema      string
		run         func(ctx context.Context, raw json.RawMessage) (any, error)
	}{
		{
			name:        ToolGetLatestResponse,
			description: "Return the response body and status of the endpoint's most recent finished run.",
			schema:      `{"type":"object","properties":{},"additionalProperties":false}`,
			run:         ts.getLatestResponse,
		},
		{
			name:        ToolGetResponseHistory,
			description: "Return recent finished runs newest-first with response bodies truncated to 1000 characters.",
			schema:      `{"type":"object","properties":{"limit":{"type":"integer","minimum":1,"maximum":10},"offset":{"type":"integer","minimum":0}},"additionalProperties":false}`,
			run:         ts.getResponseHistory,
		},
		{
			name:        ToolGetSiblingResponses,
			description: "Return the latest response and schedule state of every other endpoint in the same job.",
			schema:      `{"type":"object","properties":{},"additionalProperties":false}`,
			run:         ts.getSiblingResponses,
		},
		{
			name:        ToolProposeInterval,
			description: "Write a TTL-bounded interval hint so the endpoint runs every intervalMs until the hint expires.",
			schema:      `{"type":"object","properties":{"intervalMs":{"type":"integer","minimum":1000},"ttlMinutes":{"type":"integer","minimum":1,"maximum":10080},"reason":{"type":"string"}},"required":["intervalMs","ttlMinutes"],"additionalProperties":false}`,
			run:         ts.proposeInterval,
		},
		{
			name:        ToolProposeNextTime,
			description: "Write a TTL-bounded one-shot hint scheduling a single run at nextRunAtIso.",
			schema:      `{"type":"object","properties":{"nextRunAtIso":{"type":"string"},"ttlMinutes":{"type":"integer","minimum":1,"maximum":10080},"reason":{"type":"string"}},"required":["nextRunAtIso","ttlMinutes"],"additionalProperties":false}`,
			run:         ts.proposeNextTime,
		},
		{
			name:        ToolPauseUntil,
			description: "Pause the endpoint until untilIso, or clear the pause when untilIso is null.",
			schema:      `{"type":"object","properties":{"untilIso":{"type":["string","null"]},"reason":{"type":"string"}},"required":["untilIso"],"additionalProperties":false}`,
			run:         ts.pauseUntil,
		},
		{
			name:        ToolClearHints,
			description: "Remove all active AI hints so the baseline schedule applies again.",
			schema:      `{"type":"object","properties":{"reason":{"type":"string"}},"required":["reason"],"additionalProperties":false}`,
			run:         ts.clearHints,
		},
		{
			name:        ToolSubmitAnalysis,
			description: "Finish the analysis. Must be called exactly once, last, with the final reasoning.",
			schema: fmt.Sprintf(`{"type":"object","properties":{"reasoning":{"type":"string"},"actions_taken":{"type":"array","items":{"type":"string"}},"confidence":{"type":"number","minimum":0,"maximum":1},"next_analysis_in_ms":{"type":"integer","minimum":%d,"maximum":%d}},"required":["reasoning"],"additionalProperties":false}`,
				MinNextAnalysisMs, MaxNextAnalysisMs),
			run: ts.submitAnalysis,
		},
	}
	for _, spec := range specs {
		compiled, err := compileSchema(spec.name, spec.schema)
		if err != nil {
			return nil, err
		}
		ts.tools[spec.name] = &tool{
			description: spec.description,
			schema:      json.RawMessage(spec.schema),
			compiled:    compiled,
			run:         spec.run,
		}
		ts.order = append(ts.order, spec.name)
	}
	return ts, nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("register schema for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return compiled, nil
}

// Definitions lists the tool surface in declaration order for the model
// request.
func (ts *Toolset) Definitions() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(ts.order))
	for _, name := range ts.order {
		t := ts.tools[name]
		defs = append(defs, model.ToolDefinition{
			Name:        name,
			Description: t.description,
			InputSchema: t.schema,
		})
	}
	return defs
}

// Execute validates raw against the tool's schema and dispatches. Unknown
// tool names and schema violations return errors the analyzer feeds back to
// the model as failed tool results.
func (ts *Toolset) Execute(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	t, ok := ts.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %s: arguments are not valid JSON: %w", name, err)
	}
	if err := t.compiled.Validate(val); err != nil {
		return nil, fmt.Errorf("tool %s: invalid arguments: %w", name, err)
	}
	return t.run(ctx, raw)
}

func (ts *Toolset) getLatestResponse(ctx context.Context, _ json.RawMessage) (any, error) {
	latest, err := ts.runs.GetLatestResponse(ctx, ts.endpointID)
	if err != nil {
		return nil, err
	}
	if !latest.Found {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{
		"found":        true,
		"responseBody": latest.ResponseBody,
		"timestamp":    latest.Timestamp.Format(time.RFC3339),
		"status":       string(latest.Status),
	}, nil
}

func (ts *Toolset) getResponseHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.Limit == 0 {
		args.Limit = 5
	}
	runs, err := ts.runs.GetResponseHistory(ctx, ts.endpointID, args.Limit, args.Offset)
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		body := run.ResponseBody
		if len(body) > historyBodyTruncateChars {
			body = body[:historyBodyTruncateChars]
		}
		entry := map[string]any{
			"runId":      run.ID,
			"status":     string(run.Status),
			"startedAt":  run.StartedAt.Format(time.RFC3339),
			"durationMs": run.Duration.Milliseconds(),
		}
		if body != "" {
			entry["responseBody"] = body
		}
		if run.StatusCode != nil {
			entry["statusCode"] = *run.StatusCode
		}
		if run.ErrorMessage != "" {
			entry["errorMessage"] = run.ErrorMessage
		}
		entries = append(entries, entry)
	}
	return map[string]any{
		"runs":   entries,
		"limit":  args.Limit,
		"offset": args.Offset,
		"count":  len(entries),
	}, nil
}

func (ts *Toolset) getSiblingResponses(ctx context.Context, _ json.RawMessage) (any, error) {
	if ts.jobID == "" {
		return map[string]any{"siblings": []any{}}, nil
	}
	siblings, err := ts.runs.GetSiblingLatestResponses(ctx, ts.jobID, ts.endpointID)
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]any, 0, len(siblings))
	for _, sib := range siblings {
		entry := map[string]any{
			"endpointId": sib.EndpointID,
			"name":       sib.Name,
			"nextRunAt":  sib.NextRunAt.Format(time.RFC3339),
			"hintActive": sib.HintActive,
		}
		if sib.Latest.Found {
			entry["latestStatus"] = string(sib.Latest.Status)
			if sib.Latest.ResponseBody != "" {
				entry["latestResponse"] = sib.Latest.ResponseBody
			}
		}
		if sib.PausedUntil != nil {
			entry["pausedUntil"] = sib.PausedUntil.Format(time.RFC3339)
		}
		if sib.HintInterval != nil {
			entry["hintIntervalMs"] = sib.HintInterval.Milliseconds()
		}
		if sib.HintReason != "" {
			entry["hintReason"] = sib.HintReason
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a]["endpointId"].(string) < entries[b]["endpointId"].(string)
	})
	return map[string]any{"siblings": entries}, nil
}

func (ts *Toolset) proposeInterval(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		IntervalMs int64  `json:"intervalMs"`
		TTLMinutes int    `json:"ttlMinutes"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	now := ts.clock.Now()
	interval := time.Duration(args.IntervalMs) * time.Millisecond
	expires := now.Add(time.Duration(args.TTLMinutes) * time.Minute)
	if err := ts.jobs.WriteAIHint(ctx, ts.endpointID, store.Hint{
		Interval:  &interval,
		ExpiresAt: expires,
		Reason:    args.Reason,
	}); err != nil {
		return nil, err
	}
	if err := ts.jobs.SetNextRunAtIfEarlier(ctx, ts.endpointID, now.Add(interval)); err != nil {
		return nil, err
	}
	return map[string]any{
		"applied":    true,
		"intervalMs": args.IntervalMs,
		"expiresAt":  expires.Format(time.RFC3339),
	}, nil
}

func (ts *Toolset) proposeNextTime(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		NextRunAtIso string `json:"nextRunAtIso"`
		TTLMinutes   int    `json:"ttlMinutes"`
		Reason       string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	at, err := time.Parse(time.RFC3339, args.NextRunAtIso)
	if err != nil {
		return nil, fmt.Errorf("nextRunAtIso is not RFC3339: %w", err)
	}
	now := ts.clock.Now()
	expires := now.Add(time.Duration(args.TTLMinutes) * time.Minute)
	if err := ts.jobs.WriteAIHint(ctx, ts.endpointID, store.Hint{
		NextRunAt: &at,
		ExpiresAt: expires,
		Reason:    args.Reason,
	}); err != nil {
		return nil, err
	}
	if err := ts.jobs.SetNextRunAtIfEarlier(ctx, ts.endpointID, at); err != nil {
		return nil, err
	}
	return map[string]any{
		"applied":   true,
		"nextRunAt": at.Format(time.RFC3339),
		"expiresAt": expires.Format(time.RFC3339),
	}, nil
}

func (ts *Toolset) pauseUntil(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		UntilIso *string `json:"untilIso"`
		Reason   string  `json:"reason"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.UntilIso == nil {
		if err := ts.jobs.SetPausedUntil(ctx, ts.endpointID, nil); err != nil {
			return nil, err
		}
		return map[string]any{"paused": false}, nil
	}
	until, err := time.Parse(time.RFC3339, *args.UntilIso)
	if err != nil {
		return nil, fmt.Errorf("untilIso is not RFC3339: %w", err)
	}
	if err := ts.jobs.SetPausedUntil(ctx, ts.endpointID, &until); err != nil {
		return nil, err
	}
	return map[string]any{"paused": true, "until": until.Format(time.RFC3339)}, nil
}

func (ts *Toolset) clearHints(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := ts.jobs.ClearAIHints(ctx, ts.endpointID); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

// submitAnalysis has no side effects of its own; the analyzer recognizes the
// call and ends the session.
func (ts *Toolset) submitAnalysis(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"recorded": true}, nil
}

// SubmitArgs is the parsed payload of a submit_analysis call.
type SubmitArgs struct {
	Reasoning        string   `json:"reasoning"`
	ActionsTaken     []string `json:"actions_taken"`
	Confidence       float64  `json:"confidence"`
	NextAnalysisInMs int64    `json:"next_analysis_in_ms"`
}
