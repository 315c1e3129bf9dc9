// Package schedule defines the Cronicorn scheduling domain: endpoints and
// their runtime state, runs, AI analysis sessions, jobs, and users. It also
// hosts the governor, the pure function that computes the next run time of an
// endpoint from its state (see governor.go), and the Clock and Cron
// abstractions that keep that computation deterministic in tests.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Method is an HTTP method an endpoint may be invoked with.
type Method string

// Supported HTTP methods.
const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// RunStatus enumerates the lifecycle states of a run.
type RunStatus string

// Run lifecycle states. A run is created as Running and transitions exactly
// once to one of the terminal states.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

// Terminal reports whether s is a terminal run state.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCanceled
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

// Job lifecycle states.
const (
	JobActive   JobStatus = "active"
	JobPaused   JobStatus = "paused"
	JobArchived JobStatus = "archived"
)

// Tier identifies a user's billing tier, which selects the monthly AI token
// quota.
type Tier string

// Billing tiers.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// DefaultMaxResponseKB caps captured response bodies when the endpoint does
// not override it.
const DefaultMaxResponseKB = 100

// MinBaselineInterval is the smallest accepted baseline interval.
const MinBaselineInterval = time.Second

// Endpoint is the atomic scheduling target: one URL, one cadence, one runtime
// state. Headers are held decrypted in memory; the storage layer is
// responsible for encrypting sensitive values at rest.
type Endpoint struct {
	ID          string
	JobID       *string
	TenantID    string
	Name        string
	Description string

	// Baseline cadence. Exactly one of BaselineCron or BaselineInterval is
	// set; a zero BaselineInterval means "use the cron expression".
	BaselineCron     string
	BaselineInterval time.Duration

	// Guardrails the governor must enforce on every decision.
	MinInterval *time.Duration
	MaxInterval *time.Duration

	// AI hint slot, mutated by the planner and TTL-scoped by AIHintExpiresAt.
	AIHintInterval  *time.Duration
	AIHintNextRunAt *time.Time
	AIHintExpiresAt *time.Time
	AIHintReason    string

	// PausedUntil overrides every other scheduling source while in the future.
	PausedUntil *time.Time

	// Runtime state.
	LastRunAt    *time.Time
	NextRunAt    time.Time
	FailureCount int

	// Execution config.
	URL              string
	Method           Method
	Headers          map[string]string
	BodyJSON         []byte
	Timeout          time.Duration
	MaxExecutionTime time.Duration
	MaxResponseKB    int

	// LockedUntil is the pessimistic lock deadline. It is adapter-private
	// state surfaced here so in-memory fixtures can model the claim protocol.
	LockedUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the structural invariants of the endpoint definition.
func (e *Endpoint) Validate() error {
	if e.URL == "" {
		return errors.New("endpoint URL is required")
	}
	if e.Method != "" && !e.Method.Valid() {
		return fmt.Errorf("unsupported method %q", e.Method)
	}
	hasCron := e.BaselineCron != ""
	hasInterval := e.BaselineInterval != 0
	if hasCron == hasInterval {
		return errors.New("exactly one of baseline cron or baseline interval must be set")
	}
	if hasInterval && e.BaselineInterval < MinBaselineInterval {
		return fmt.Errorf("baseline interval %s below minimum %s", e.BaselineInterval, MinBaselineInterval)
	}
	if e.MinInterval != nil && e.MaxInterval != nil && *e.MinInterval > *e.MaxInterval {
		return errors.New("min interval exceeds max interval")
	}
	if e.FailureCount < 0 {
		return errors.New("failure count must be non-negative")
	}
	return nil
}

// HintFresh reports whether the endpoint's AI hint is active at now: the
// hint carries an expiration strictly in the future.
func (e *Endpoint) HintFresh(now time.Time) bool {
	return e.AIHintExpiresAt != nil && e.AIHintExpiresAt.After(now)
}

// ClearHints unsets the full AI hint quadruple.
func (e *Endpoint) ClearHints() {
	e.AIHintInterval = nil
	e.AIHintNextRunAt = nil
	e.AIHintExpiresAt = nil
	e.AIHintReason = ""
}

// EffectiveTimeout returns the dispatch timeout clamped to [1s, ...] with a
// 30s default when unset.
func (e *Endpoint) EffectiveTimeout() time.Duration {
	if e.Timeout <= 0 {
		return 30 * time.Second
	}
	if e.Timeout < time.Second {
		return time.Second
	}
	return e.Timeout
}

// ResponseCap returns the response capture cap in bytes.
func (e *Endpoint) ResponseCap() int64 {
	kb := e.MaxResponseKB
	if kb <= 0 {
		kb = DefaultMaxResponseKB
	}
	return int64(kb) * 1024
}

// Run records one attempt to execute one endpoint.
type Run struct {
	ID         string
	EndpointID string
	Attempt    int
	Source     Source
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Duration   time.Duration

	StatusCode   *int
	ResponseBody string
	ErrorMessage string
	ErrorDetails string
}

// ToolCallRecord is one tool invocation captured during an AI analysis.
type ToolCallRecord struct {
	Tool   string `json:"tool"`
	Args   string `json:"args"`
	Result string `json:"result"`
}

// Session records one AI analysis of one endpoint. Sessions are immutable
// once written and drive auditing, quota accounting, and reanalysis timing.
type Session struct {
	ID                   string
	EndpointID           string
	AnalyzedAt           time.Time
	ToolCalls            []ToolCallRecord
	Reasoning            string
	TokenUsage           int
	Duration             time.Duration
	NextAnalysisAt       *time.Time
	EndpointFailureCount int
}

// Job groups related endpoints; it does not itself run.
type Job struct {
	ID          string
	UserID      string
	Name        string
	Description string
	Status      JobStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// User owns jobs and endpoints; the tier selects the monthly AI token quota.
type User struct {
	ID    string
	Email string
	Tier  Tier
}
