// Package store declares the persistence contracts the Cronicorn workers and
// external collaborators (API, MCP, billing) coordinate through. The database
// behind these interfaces is the only mutation channel between workers: the
// scheduler writes runs and advances endpoint state, the AI planner writes
// hints and sessions, and both claim work through the same pessimistic lock.
//
// Two implementations ship with the repository: a pgx-backed one under
// features/store/postgres and an in-memory fixture under features/store/inmem
// used to test the workers without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cronicorn/cronicorn/runtime/schedule"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// JobFilter narrows job listings.
type JobFilter struct {
	Status *schedule.JobStatus
}

// RunFilter narrows run listings. Zero limit means the implementation
// default.
type RunFilter struct {
	EndpointID string
	Status     *schedule.RunStatus
	Limit      int
	Offset     int
}

// AfterRun carries the endpoint state advance computed by the scheduler after
// a run finishes. The write clears the pessimistic lock and, when ClearHints
// is set, the expired AI hint quadruple.
type AfterRun struct {
	LastRunAt    time.Time
	NextRunAt    time.Time
	FailureCount int
	ClearHints   bool
}

// Hint is the AI hint quadruple written by the planner tools. Each write
// replaces the whole slot.
type Hint struct {
	Interval  *time.Duration
	NextRunAt *time.Time
	ExpiresAt time.Time
	Reason    string
}

// RunOutcome carries the terminal fields of a finished run.
type RunOutcome struct {
	Status       schedule.RunStatus
	Duration     time.Duration
	StatusCode   *int
	ResponseBody string
	ErrorMessage string
	ErrorDetails string
}

// HealthSummary aggregates an endpoint's recent run outcomes for the AI
// planner's prompt.
type HealthSummary struct {
	SuccessCount  int
	FailureCount  int
	AvgDuration   time.Duration
	LastRun       *schedule.Run
	FailureStreak int
}

// LatestResponse is the most recent finished run's captured response.
type LatestResponse struct {
	Found        bool
	ResponseBody string
	Timestamp    time.Time
	Status       schedule.RunStatus
	StatusCode   *int
}

// SiblingResponse pairs a sibling endpoint's latest response with its
// schedule and hint state.
type SiblingResponse struct {
	EndpointID   string
	Name         string
	Latest       LatestResponse
	NextRunAt    time.Time
	PausedUntil  *time.Time
	HintActive   bool
	HintInterval *time.Duration
	HintReason   string
}

// JobsStore persists jobs and endpoints, including the claim protocol the
// scheduler workers contend on.
type JobsStore interface {
	CreateJob(ctx context.Context, job *schedule.Job) error
	GetJob(ctx context.Context, id string) (*schedule.Job, error)
	ListJobs(ctx context.Context, userID string, filter JobFilter) ([]*schedule.Job, error)
	UpdateJob(ctx context.Context, job *schedule.Job) error
	// ArchiveJob marks the job archived and pauses its endpoints indefinitely.
	ArchiveJob(ctx context.Context, id string) error

	AddEndpoint(ctx context.Context, ep *schedule.Endpoint) error
	UpdateEndpoint(ctx context.Context, ep *schedule.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*schedule.Endpoint, error)
	ListEndpointsByJob(ctx context.Context, jobID string) ([]*schedule.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error

	// ClaimDueEndpoints atomically selects up to limit endpoints due within
	// the horizon (not paused, not locked) ordered by next run time, locks
	// each for max(endpoint.MaxExecutionTime, defaultLock), and returns the
	// claimed IDs. Safe against concurrent callers.
	ClaimDueEndpoints(ctx context.Context, limit int, horizon, defaultLock time.Duration) ([]string, error)
	SetLock(ctx context.Context, id string, until time.Time) error
	ClearLock(ctx context.Context, id string) error

	// SetNextRunAtIfEarlier nudges the endpoint forward: the write applies
	// only when the new time is earlier than the stored one.
	SetNextRunAtIfEarlier(ctx context.Context, id string, at time.Time) error
	UpdateAfterRun(ctx context.Context, id string, advance AfterRun) error

	WriteAIHint(ctx context.Context, id string, hint Hint) error
	ClearAIHints(ctx context.Context, id string) error
	SetPausedUntil(ctx context.Context, id string, until *time.Time) error
	ResetFailureCount(ctx context.Context, id string) error

	// GetUsage sums session token usage across the user's endpoints since
	// the given instant (inclusive).
	GetUsage(ctx context.Context, userID string, since time.Time) (int, error)
}

// RunsStore persists run attempts and their captured responses.
type RunsStore interface {
	Create(ctx context.Context, run *schedule.Run) error
	Finish(ctx context.Context, runID string, outcome RunOutcome) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schedule.Run, error)
	GetRunDetails(ctx context.Context, runID string) (*schedule.Run, error)

	GetHealthSummary(ctx context.Context, endpointID string, since time.Time) (*HealthSummary, error)
	GetEndpointsWithRecentRuns(ctx context.Context, since time.Time) ([]string, error)
	GetLatestResponse(ctx context.Context, endpointID string) (*LatestResponse, error)
	GetResponseHistory(ctx context.Context, endpointID string, limit, offset int) ([]*schedule.Run, error)
	GetSiblingLatestResponses(ctx context.Context, jobID, excludeEndpointID string) ([]*SiblingResponse, error)

	// CleanupZombieRuns fails runs stuck in running longer than the
	// threshold and returns how many were reaped.
	CleanupZombieRuns(ctx context.Context, olderThan time.Duration) (int, error)
}

// SessionsStore persists AI analysis sessions.
type SessionsStore interface {
	Create(ctx context.Context, session *schedule.Session) error
	GetLastSession(ctx context.Context, endpointID string) (*schedule.Session, error)
	GetRecentSessions(ctx context.Context, endpointID string, limit, offset int) ([]*schedule.Session, error)
	GetTotalTokenUsage(ctx context.Context, endpointID string, since time.Time) (int, error)
}

// UsersStore resolves tenants for quota decisions.
type UsersStore interface {
	GetUser(ctx context.Context, id string) (*schedule.User, error)
}

// Stores bundles the repositories a transaction spans.
type Stores struct {
	Jobs     JobsStore
	Runs     RunsStore
	Sessions SessionsStore
	Users    UsersStore
}

// TxRunner executes fn against a transactional view of the stores: every
// write inside fn commits atomically or not at all. The scheduler relies on
// this to finish a run and advance its endpoint (releasing the lock) in one
// commit.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Stores) error) error
}

// QuotaGuard gates AI analysis on the tenant's monthly token budget.
type QuotaGuard interface {
	CanProceed(ctx context.Context, userID string) (bool, error)
	// RecordUsage is a no-op for implementations that derive usage from
	// sessions; it exists so billing integrations can meter eagerly.
	RecordUsage(ctx context.Context, userID string, tokens int) error
}
