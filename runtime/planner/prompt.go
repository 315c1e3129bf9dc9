package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

// systemPrompt frames the model's role and decision policy.
const systemPrompt = `You are the scheduling analyst for an HTTP job scheduler. You inspect one
endpoint's recent behavior and may adjust its schedule through tools.

Decision framework, in order:
1. Stability first: prefer the baseline schedule unless the evidence clearly
   argues for a change.
2. Intervene on evidence: repeated failures, error responses, or response
   payloads that indicate load changes justify a hint; a single anomaly does
   not.
3. Hints are temporary: always bound them with a TTL and explain the reason.
4. Pause only for sustained hard failure, and never longer than necessary.

Read tools may be called freely. Write tools change the endpoint's schedule.
You MUST finish by calling submit_analysis exactly once with your reasoning.`

// buildPrompt renders the endpoint context the model analyzes. job may be nil
// for ungrouped endpoints.
func buildPrompt(now time.Time, job *schedule.Job, ep *schedule.Endpoint, health *store.HealthSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\n", now.Format(time.RFC3339))

	if job != nil {
		fmt.Fprintf(&b, "Job: %s\n", job.Name)
		if job.Description != "" {
			fmt.Fprintf(&b, "Job description: %s\n", job.Description)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Endpoint: %s\n", ep.Name)
	if ep.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", ep.Description)
	}
	fmt.Fprintf(&b, "Target: %s %s\n", ep.Method, ep.URL)

	if ep.BaselineCron != "" {
		fmt.Fprintf(&b, "Baseline schedule: cron %q\n", ep.BaselineCron)
	} else {
		fmt.Fprintf(&b, "Baseline schedule: every %s\n", ep.BaselineInterval)
	}
	if ep.MinInterval != nil {
		fmt.Fprintf(&b, "Minimum interval: %s\n", *ep.MinInterval)
	}
	if ep.MaxInterval != nil {
		fmt.Fprintf(&b, "Maximum interval: %s\n", *ep.MaxInterval)
	}

	if ep.LastRunAt != nil {
		fmt.Fprintf(&b, "Last run: %s\n", ep.LastRunAt.Format(time.RFC3339))
	} else {
		b.WriteString("Last run: never\n")
	}
	fmt.Fprintf(&b, "Next run: %s\n", ep.NextRunAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Consecutive failures: %d\n", ep.FailureCount)

	if ep.PausedUntil != nil && ep.PausedUntil.After(now) {
		fmt.Fprintf(&b, "Paused until: %s\n", ep.PausedUntil.Format(time.RFC3339))
	}

	if ep.HintFresh(now) {
		b.WriteString("\nActive hint:\n")
		if ep.AIHintInterval != nil {
			fmt.Fprintf(&b, "  interval: %s\n", *ep.AIHintInterval)
		}
		if ep.AIHintNextRunAt != nil {
			fmt.Fprintf(&b, "  one-shot at: %s\n", ep.AIHintNextRunAt.Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "  expires: %s\n", ep.AIHintExpiresAt.Format(time.RFC3339))
		if ep.AIHintReason != "" {
			fmt.Fprintf(&b, "  reason: %s\n", ep.AIHintReason)
		}
	}

	b.WriteString("\nLast 24h health:\n")
	fmt.Fprintf(&b, "  successes: %d\n", health.SuccessCount)
	fmt.Fprintf(&b, "  failures: %d\n", health.FailureCount)
	fmt.Fprintf(&b, "  failure streak: %d\n", health.FailureStreak)
	fmt.Fprintf(&b, "  avg duration: %s\n", health.AvgDuration)
	if health.LastRun != nil {
		fmt.Fprintf(&b, "  last outcome: %s", health.LastRun.Status)
		if health.LastRun.ErrorMessage != "" {
			fmt.Fprintf(&b, " (%s)", health.LastRun.ErrorMessage)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nAvailable tools: get_latest_response, get_response_history, " +
		"get_sibling_latest_responses, propose_interval, propose_next_time, " +
		"pause_until, clear_hints, submit_analysis.\n")
	b.WriteString("Analyze the endpoint and adjust its schedule if the evidence warrants it.")
	return b.String()
}
