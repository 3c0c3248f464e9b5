package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/domaindetermine/governance/pkg/errs"
)

// Limits are one tenant's admission limits. Zero values disable the
// corresponding dimension.
type Limits struct {
	MaxConcurrentJobs int   `json:"max_concurrent_jobs"`
	RatePerMinute     int   `json:"rate_per_minute"`
	RateBurst         int   `json:"rate_burst"`
	DailyCostBudget   int64 `json:"daily_cost_budget"`
}

// Refusal explains a denied reservation: which dimension refused, its
// limit, and when a retry can succeed.
type Refusal struct {
	Dimension  string        `json:"dimension"`
	Limit      int64         `json:"limit"`
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, minimum
// one, for the Retry-After header and response body.
func (r *Refusal) RetryAfterSeconds() int64 {
	secs := int64(r.RetryAfter / time.Second)
	if r.RetryAfter%time.Second != 0 || secs < 1 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RefusalError carries the refusal through an error chain so the HTTP
// boundary can shape the 429 body from its fields.
type RefusalError struct {
	Refusal *Refusal
	inner   *errs.Error
}

func (e *RefusalError) Error() string { return e.inner.Error() }
func (e *RefusalError) Unwrap() error { return e.inner }

// Err converts the refusal into a RATE_LIMITED error.
func (r *Refusal) Err() error {
	return &RefusalError{
		Refusal: r,
		inner: errs.Newf(errs.RateLimited, "quota exceeded on %s (limit %d)", r.Dimension, r.Limit).
			WithRetryAfter(time.Duration(r.RetryAfterSeconds()) * time.Second).
			WithRemediation("retry after the indicated delay or request a quota increase"),
	}
}

// Usage is a tenant's current consumption snapshot.
type Usage struct {
	Tenant        string `json:"tenant"`
	ActiveJobs    int    `json:"active_jobs"`
	CostUsedToday int64  `json:"cost_used_today"`
	Limits        Limits `json:"limits"`
}

// retryAfterConcurrency is the retry hint when the concurrency slot
// pool is full; completion times are unknowable, so it is a fixed poll
// interval.
const retryAfterConcurrency = 10 * time.Second

type tenantUsage struct {
	active   int
	costDay  string // UTC date the cost counter belongs to
	costUsed int64
}

// Manager tracks reservations per tenant. A reservation is taken at
// enqueue and held for the job's whole active life, including retries.
type Manager struct {
	mu        sync.Mutex
	defaults  Limits
	overrides map[string]Limits
	window    WindowLimiter
	tenants   map[string]*tenantUsage
	clock     func() time.Time
}

// NewManager creates a quota manager with the given default limits.
func NewManager(defaults Limits, window WindowLimiter) *Manager {
	return &Manager{
		defaults:  defaults,
		overrides: make(map[string]Limits),
		window:    window,
		tenants:   make(map[string]*tenantUsage),
		clock:     time.Now,
	}
}

// WithClock injects a deterministic clock (tests).
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// SetLimits overrides the limits for one tenant.
func (m *Manager) SetLimits(tenant string, limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[tenant] = limits
}

// LimitsFor returns the effective limits for a tenant.
func (m *Manager) LimitsFor(tenant string) Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitsForLocked(tenant)
}

func (m *Manager) limitsForLocked(tenant string) Limits {
	if l, ok := m.overrides[tenant]; ok {
		return l
	}
	return m.defaults
}

func (m *Manager) usage(tenant string) *tenantUsage {
	u, ok := m.tenants[tenant]
	if !ok {
		u = &tenantUsage{}
		m.tenants[tenant] = u
	}
	return u
}

func (m *Manager) rollCostDay(u *tenantUsage, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if u.costDay != day {
		u.costDay = day
		u.costUsed = 0
	}
}

// Reserve admits one job of the given estimated cost, or returns a
// Refusal naming the exhausted dimension. Concurrency and budget are
// taken provisionally under the lock, then the rate window is consulted
// outside it; a window refusal rolls the provisional reservation back.
// Concurrent callers therefore never over-admit a full slot pool.
func (m *Manager) Reserve(ctx context.Context, tenant string, cost int64) (*Refusal, error) {
	now := m.clock()

	m.mu.Lock()
	limits := m.limitsForLocked(tenant)
	u := m.usage(tenant)
	m.rollCostDay(u, now)

	if limits.MaxConcurrentJobs > 0 && u.active >= limits.MaxConcurrentJobs {
		m.mu.Unlock()
		return &Refusal{
			Dimension:  "max_concurrent_jobs",
			Limit:      int64(limits.MaxConcurrentJobs),
			RetryAfter: retryAfterConcurrency,
		}, nil
	}

	if limits.DailyCostBudget > 0 && u.costUsed+cost > limits.DailyCostBudget {
		retry := m.untilNextUTCDay(now)
		m.mu.Unlock()
		return &Refusal{
			Dimension:  "daily_cost_budget",
			Limit:      limits.DailyCostBudget,
			RetryAfter: retry,
		}, nil
	}

	// Hold the slot and the budget before dropping the lock; the window
	// check may block (Redis round trip) and must not run under it.
	u.active++
	u.costUsed += cost
	m.mu.Unlock()

	allowed, retry, err := m.window.Allow(ctx, tenant, limits.RatePerMinute, limits.RateBurst)
	if err != nil {
		m.rollback(tenant, cost)
		return nil, fmt.Errorf("quota window check failed: %w", err)
	}
	if !allowed {
		m.rollback(tenant, cost)
		return &Refusal{
			Dimension:  "rate_per_minute",
			Limit:      int64(limits.RatePerMinute),
			RetryAfter: retry,
		}, nil
	}
	return nil, nil
}

// rollback undoes a provisional reservation after a window refusal.
func (m *Manager) rollback(tenant string, cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage(tenant)
	if u.active > 0 {
		u.active--
	}
	u.costUsed -= cost
	if u.costUsed < 0 {
		u.costUsed = 0
	}
}

// Release returns a concurrency slot when a job leaves its active
// state. Cost stays consumed; the daily budget does not refund work
// already admitted.
func (m *Manager) Release(tenant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage(tenant)
	if u.active > 0 {
		u.active--
	}
}

// SetActive seeds a tenant's active count, used when rebuilding state
// from the job store on startup.
func (m *Manager) SetActive(tenant string, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage(tenant).active = active
}

// UsageFor returns the tenant's current snapshot.
func (m *Manager) UsageFor(tenant string) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage(tenant)
	m.rollCostDay(u, m.clock())
	return Usage{
		Tenant:        tenant,
		ActiveJobs:    u.active,
		CostUsedToday: u.costUsed,
		Limits:        m.limitsForLocked(tenant),
	}
}

func (m *Manager) untilNextUTCDay(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now.UTC())
}
