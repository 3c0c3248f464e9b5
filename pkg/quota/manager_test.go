package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, limits Limits) *Manager {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewManager(limits, NewLocalWindowLimiter()).
		WithClock(func() time.Time { return now })
}

func TestConcurrencyLimit(t *testing.T) {
	m := newManager(t, Limits{MaxConcurrentJobs: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		refusal, err := m.Reserve(ctx, "acme", 1)
		require.NoError(t, err)
		require.Nil(t, refusal)
	}

	// Two running jobs, the third submission is refused at the boundary.
	refusal, err := m.Reserve(ctx, "acme", 1)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Equal(t, "max_concurrent_jobs", refusal.Dimension)
	assert.Equal(t, int64(2), refusal.Limit)
	assert.GreaterOrEqual(t, refusal.RetryAfterSeconds(), int64(1))

	// A completion frees the slot.
	m.Release("acme")
	refusal, err = m.Reserve(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Nil(t, refusal)
}

func TestConcurrencyIsPerTenant(t *testing.T) {
	m := newManager(t, Limits{MaxConcurrentJobs: 1})
	ctx := context.Background()

	refusal, err := m.Reserve(ctx, "acme", 1)
	require.NoError(t, err)
	require.Nil(t, refusal)

	refusal, err = m.Reserve(ctx, "other", 1)
	require.NoError(t, err)
	assert.Nil(t, refusal, "tenants must not share concurrency slots")
}

func TestRateWindow(t *testing.T) {
	m := newManager(t, Limits{RatePerMinute: 60, RateBurst: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		refusal, err := m.Reserve(ctx, "acme", 1)
		require.NoError(t, err)
		require.Nil(t, refusal)
	}

	refusal, err := m.Reserve(ctx, "acme", 1)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Equal(t, "rate_per_minute", refusal.Dimension)
	assert.Equal(t, int64(60), refusal.Limit)
	assert.Greater(t, refusal.RetryAfter, time.Duration(0))
}

func TestDailyCostBudget(t *testing.T) {
	m := newManager(t, Limits{DailyCostBudget: 10})
	ctx := context.Background()

	refusal, err := m.Reserve(ctx, "acme", 6)
	require.NoError(t, err)
	require.Nil(t, refusal)

	// 6 + 5 exceeds the budget of 10.
	refusal, err = m.Reserve(ctx, "acme", 5)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Equal(t, "daily_cost_budget", refusal.Dimension)
	assert.Equal(t, int64(10), refusal.Limit)

	// Exactly up to the budget is admitted.
	refusal, err = m.Reserve(ctx, "acme", 4)
	require.NoError(t, err)
	assert.Nil(t, refusal)

	// Release does not refund spent budget.
	m.Release("acme")
	refusal, err = m.Reserve(ctx, "acme", 1)
	require.NoError(t, err)
	require.NotNil(t, refusal)
}

func TestCostBudgetResetsDaily(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	m := NewManager(Limits{DailyCostBudget: 5}, NewLocalWindowLimiter()).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	refusal, err := m.Reserve(ctx, "acme", 5)
	require.NoError(t, err)
	require.Nil(t, refusal)

	refusal, err = m.Reserve(ctx, "acme", 1)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	// The budget refusal points at the next UTC midnight.
	assert.LessOrEqual(t, refusal.RetryAfter, time.Hour)

	now = now.Add(2 * time.Hour) // past midnight
	refusal, err = m.Reserve(ctx, "acme", 5)
	require.NoError(t, err)
	assert.Nil(t, refusal)
}

func TestTenantOverrides(t *testing.T) {
	m := newManager(t, Limits{MaxConcurrentJobs: 1})
	ctx := context.Background()

	m.SetLimits("vip", Limits{MaxConcurrentJobs: 3})

	for i := 0; i < 3; i++ {
		refusal, err := m.Reserve(ctx, "vip", 1)
		require.NoError(t, err)
		require.Nil(t, refusal)
	}
	refusal, err := m.Reserve(ctx, "vip", 1)
	require.NoError(t, err)
	require.NotNil(t, refusal)

	usage := m.UsageFor("vip")
	assert.Equal(t, 3, usage.ActiveJobs)
	assert.Equal(t, 3, usage.Limits.MaxConcurrentJobs)
}

// slowWindow admits everything after a short pause, long enough for
// concurrent reservations to overlap in the window phase.
type slowWindow struct{}

func (slowWindow) Allow(ctx context.Context, tenant string, ratePerMinute, burst int) (bool, time.Duration, error) {
	time.Sleep(5 * time.Millisecond)
	return true, 0, nil
}

func TestConcurrentReservesHonorSlotPool(t *testing.T) {
	m := NewManager(Limits{MaxConcurrentJobs: 2}, slowWindow{})
	ctx := context.Background()

	const callers = 16
	admitted := make(chan struct{}, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refusal, err := m.Reserve(ctx, "acme", 1)
			assert.NoError(t, err)
			if err == nil && refusal == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	assert.Equal(t, 2, len(admitted), "only the slot pool's worth of reservations may be admitted")
	assert.Equal(t, 2, m.UsageFor("acme").ActiveJobs)
}

func TestWindowRefusalRollsBackReservation(t *testing.T) {
	m := newManager(t, Limits{MaxConcurrentJobs: 1, RatePerMinute: 60, RateBurst: 1})
	ctx := context.Background()

	refusal, err := m.Reserve(ctx, "acme", 3)
	require.NoError(t, err)
	require.Nil(t, refusal)
	m.Release("acme")

	// The burst is spent: the window refuses, and the provisional slot
	// and cost must be returned.
	refusal, err = m.Reserve(ctx, "acme", 3)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Equal(t, "rate_per_minute", refusal.Dimension)

	usage := m.UsageFor("acme")
	assert.Equal(t, 0, usage.ActiveJobs)
	assert.Equal(t, int64(3), usage.CostUsedToday, "only the admitted reservation's cost is spent")
}

func TestRefusalErr(t *testing.T) {
	r := &Refusal{Dimension: "max_concurrent_jobs", Limit: 2, RetryAfter: 10 * time.Second}
	err := r.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_jobs")
}

func TestSetActiveSeedsRebuild(t *testing.T) {
	m := newManager(t, Limits{MaxConcurrentJobs: 2})
	ctx := context.Background()

	m.SetActive("acme", 2)
	refusal, err := m.Reserve(ctx, "acme", 1)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Equal(t, "max_concurrent_jobs", refusal.Dimension)
}
