package schedule

import "time"

// Source tags the provenance of a scheduling decision.
type Source string

// Closed enumeration of decision sources.
const (
	SourcePaused           Source = "paused"
	SourceAIOneShot        Source = "ai-oneshot"
	SourceAIInterval       Source = "ai-interval"
	SourceBaselineCron     Source = "baseline-cron"
	SourceBaselineInterval Source = "baseline-interval"
	SourceClampedMin       Source = "clamped-min"
	SourceClampedMax       Source = "clamped-max"
)

// maxBackoffShift caps exponential backoff at 2^5 = 32x the baseline.
const maxBackoffShift = 5

// Decision is the governor's output: when the endpoint should run next and
// which rule produced that time.
type Decision struct {
	At     time.Time
	Source Source
}

// tieRank orders candidate sources for earliest-time ties. Lower wins.
func tieRank(s Source) int {
	switch s {
	case SourceAIOneShot:
		return 0
	case SourceAIInterval:
		return 1
	case SourceBaselineCron:
		return 2
	default:
		return 3
	}
}

// PlanNextRun computes the next run time for an endpoint at now.
//
// Evaluation order: an active pause wins outright; otherwise the baseline
// candidate (cron next-fire, or interval with exponential failure backoff)
// competes with any fresh AI hint candidates and the earliest wins; min/max
// interval clamps are applied last and override the source tag when they
// fire. The returned time is never before now.
//
// The function is total and referentially transparent: it performs no I/O
// and never fails. An unparseable cron expression (rejected upstream by
// Validate) degrades to a candidate at now.
func PlanNextRun(now time.Time, e *Endpoint, cron Cron) Decision {
	if e.PausedUntil != nil && e.PausedUntil.After(now) {
		return Decision{At: *e.PausedUntil, Source: SourcePaused}
	}

	anchor := now
	if e.LastRunAt != nil && e.LastRunAt.After(now) {
		anchor = *e.LastRunAt
	}

	var baseline Decision
	if e.BaselineCron != "" {
		next, err := cron.Next(e.BaselineCron, now)
		if err != nil || next.IsZero() {
			next = now
		}
		baseline = Decision{At: next, Source: SourceBaselineCron}
	} else {
		shift := e.FailureCount
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		if shift < 0 {
			shift = 0
		}
		effective := e.BaselineInterval * time.Duration(1<<shift)
		baseline = Decision{At: anchor.Add(effective), Source: SourceBaselineInterval}
	}

	chosen := baseline
	if e.HintFresh(now) {
		// A fresh hint bypasses failure backoff: its interval candidate uses
		// the raw hint interval.
		if e.AIHintInterval != nil {
			cand := Decision{At: anchor.Add(*e.AIHintInterval), Source: SourceAIInterval}
			chosen = earlier(chosen, cand)
		}
		if e.AIHintNextRunAt != nil {
			cand := Decision{At: *e.AIHintNextRunAt, Source: SourceAIOneShot}
			chosen = earlier(chosen, cand)
		}
	}

	if e.MinInterval != nil {
		if minAt := now.Add(*e.MinInterval); chosen.At.Before(minAt) {
			chosen = Decision{At: minAt, Source: SourceClampedMin}
		}
	}
	if chosen.Source != SourceClampedMin && e.MaxInterval != nil && e.LastRunAt != nil {
		if maxAt := e.LastRunAt.Add(*e.MaxInterval); chosen.At.After(maxAt) {
			chosen = Decision{At: maxAt, Source: SourceClampedMax}
		}
	}

	if chosen.At.Before(now) {
		chosen.At = now
	}
	return chosen
}

func earlier(a, b Decision) Decision {
	if b.At.Before(a.At) {
		return b
	}
	if a.At.Before(b.At) {
		return a
	}
	if tieRank(b.Source) < tieRank(a.Source) {
		return b
	}
	return a
}
