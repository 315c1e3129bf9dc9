package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/store"
)

type fakeUsers struct {
	user *schedule.User
	err  error
}

func (f *fakeUsers) GetUser(context.Context, string) (*schedule.User, error) {
	return f.user, f.err
}

type fakeUsage struct {
	store.JobsStore

	used  int
	since time.Time
}

func (f *fakeUsage) GetUsage(_ context.Context, _ string, since time.Time) (int, error) {
	f.since = since
	return f.used, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestStartOfMonthUTC(t *testing.T) {
	now, err := time.Parse(time.RFC3339, "2025-03-15T17:42:09Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), StartOfMonthUTC(now))

	// A second after month-start midnight still counts into the new month.
	justAfter := time.Date(2025, 4, 1, 0, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), StartOfMonthUTC(justAfter))

	// A second before midnight belongs to the prior month.
	justBefore := time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), StartOfMonthUTC(justBefore))
}

func TestCanProceedUnderBudget(t *testing.T) {
	usage := &fakeUsage{used: 99_999}
	guard := NewGuard(&fakeUsers{user: &schedule.User{Tier: schedule.TierFree}}, usage, fixedClock{now: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)})

	ok, err := guard.CanProceed(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), usage.since)
}

func TestCanProceedAtBudgetDenies(t *testing.T) {
	guard := NewGuard(&fakeUsers{user: &schedule.User{Tier: schedule.TierFree}}, &fakeUsage{used: 100_000}, fixedClock{now: time.Now().UTC()})

	ok, err := guard.CanProceed(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok, "usage equal to the limit is not strictly less")
}

func TestCanProceedUnknownTierFailsClosed(t *testing.T) {
	guard := NewGuard(&fakeUsers{user: &schedule.User{Tier: "platinum"}}, &fakeUsage{}, fixedClock{now: time.Now().UTC()})

	ok, err := guard.CanProceed(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanProceedUserLookupError(t *testing.T) {
	guard := NewGuard(&fakeUsers{err: store.ErrNotFound}, &fakeUsage{}, fixedClock{now: time.Now().UTC()})

	_, err := guard.CanProceed(context.Background(), "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
