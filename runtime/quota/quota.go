// Package quota enforces per-tenant monthly AI token budgets. Usage is
// derived from persisted analysis sessions, so recording is a no-op and the
// guard is a pure read over the stores.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

// TierLimits maps billing tiers to monthly AI token budgets.
var TierLimits = map[schedule.Tier]int{
	schedule.TierFree:       100_000,
	schedule.TierPro:        1_000_000,
	schedule.TierEnterprise: 10_000_000,
}

// Guard implements store.QuotaGuard by summing session token usage across
// the tenant's endpoints since the start of the current UTC month.
type Guard struct {
	users store.UsersStore
	jobs  store.JobsStore
	clock schedule.Clock
}

// NewGuard builds a Guard over the given stores.
func NewGuard(users store.UsersStore, jobs store.JobsStore, clock schedule.Clock) *Guard {
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	return &Guard{users: users, jobs: jobs, clock: clock}
}

// CanProceed reports whether the tenant's usage this month is strictly below
// its tier budget. Unknown tiers fail closed.
func (g *Guard) CanProceed(ctx context.Context, userID string) (bool, error) {
	user, err := g.users.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load user %s: %w", userID, err)
	}
	limit, ok := TierLimits[user.Tier]
	if !ok {
		return false, nil
	}
	used, err := g.jobs.GetUsage(ctx, userID, StartOfMonthUTC(g.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("sum usage for %s: %w", userID, err)
	}
	return used < limit, nil
}

// RecordUsage is a no-op: usage is derived from sessions at read time.
func (g *Guard) RecordUsage(context.Context, string, int) error { return nil }

// StartOfMonthUTC returns UTC midnight of the first day of now's month.
func StartOfMonthUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
