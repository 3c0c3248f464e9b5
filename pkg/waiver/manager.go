package waiver

import (
	"context"
	"log/slog"
	"time"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/telemetry"
)

// ExpiryWarningWindow is how far ahead of expiry the sweeper emits a
// waiver_expiring warning.
const ExpiryWarningWindow = 7 * 24 * time.Hour

// Manager runs the waiver lifecycle and journals every transition.
type Manager struct {
	store  *Store
	log    eventlog.Log
	logger *slog.Logger
	tel    *telemetry.Provider
	clock  func() time.Time
}

// NewManager creates a waiver manager.
func NewManager(store *Store, log eventlog.Log, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		log:    log,
		logger: logger.With("component", "waiver"),
		clock:  time.Now,
	}
}

// WithClock injects a deterministic clock (tests).
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithTelemetry wires the expiry-warning gauge.
func (m *Manager) WithTelemetry(tel *telemetry.Provider) *Manager {
	m.tel = tel
	return m
}

// Propose creates a PROPOSED waiver. Expiry must be in the future.
func (m *Manager) Propose(ctx context.Context, tenant, scope, reason, requestedBy string, expiresAt time.Time) (*Waiver, error) {
	now := m.clock().UTC()
	if !expiresAt.After(now) {
		return nil, errs.New(errs.SchemaViolation, "waiver expiry must be in the future")
	}
	if scope == "" || reason == "" {
		return nil, errs.New(errs.SchemaViolation, "waiver scope and reason are required")
	}

	id, err := newWaiverID()
	if err != nil {
		return nil, err
	}
	w := &Waiver{
		ID:          id,
		Tenant:      tenant,
		Scope:       scope,
		Reason:      reason,
		RequestedBy: requestedBy,
		State:       StatePropose,
		CreatedAt:   now,
		ExpiresAt:   expiresAt.UTC(),
	}
	if err := m.store.insert(ctx, w); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "waiver proposed",
		"waiver_id", w.ID, "tenant", tenant, "scope", scope, "expires_at", w.ExpiresAt)
	return w, nil
}

// Approve moves a PROPOSED waiver to APPROVED. Only governance role
// holders may approve; the transition is journaled as waiver_granted.
func (m *Manager) Approve(ctx context.Context, id, actor string, roles []string) (*Waiver, error) {
	if !hasRole(roles, "governance") {
		return nil, errs.New(errs.PolicyViolation, "waiver approval requires the governance role")
	}

	w, err := m.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.State != StatePropose {
		return nil, errs.Newf(errs.PolicyViolation,
			"waiver %s is %s, only PROPOSED waivers can be approved", id, w.State)
	}
	if !w.ExpiresAt.After(m.clock().UTC()) {
		return nil, errs.Newf(errs.PolicyViolation, "waiver %s already passed its expiry", id)
	}

	if err := m.store.setState(ctx, id, StateApproved, actor); err != nil {
		return nil, err
	}
	w.State = StateApproved
	w.ApprovedBy = actor

	if _, err := m.log.Append(ctx, &eventlog.Event{
		Tenant:    w.Tenant,
		Actor:     actor,
		Kind:      eventlog.KindWaiverGranted,
		SubjectID: w.ID,
		Payload: map[string]any{
			"scope":      w.Scope,
			"reason":     w.Reason,
			"expires_at": w.ExpiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "waiver approved", "waiver_id", w.ID, "actor", actor)
	return w, nil
}

// Revoke retires a waiver before its expiry.
func (m *Manager) Revoke(ctx context.Context, id, actor string) (*Waiver, error) {
	w, err := m.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.State == StateExpired || w.State == StateRevoked {
		return nil, errs.Newf(errs.PolicyViolation, "waiver %s is already %s", id, w.State)
	}

	if err := m.store.setState(ctx, id, StateRevoked, ""); err != nil {
		return nil, err
	}
	w.State = StateRevoked
	m.logger.InfoContext(ctx, "waiver revoked", "waiver_id", w.ID, "actor", actor)
	return w, nil
}

// Get loads a waiver by id.
func (m *Manager) Get(ctx context.Context, id string) (*Waiver, error) {
	return m.store.get(ctx, id)
}

// Valid reports whether the waiver id is usable right now.
func (m *Manager) Valid(ctx context.Context, id string) (bool, error) {
	w, err := m.store.get(ctx, id)
	if err != nil {
		return false, err
	}
	return w.Valid(m.clock().UTC()), nil
}

// FindValidForScope returns a currently valid waiver covering the given
// tenant and scope, or nil when none exists.
func (m *Manager) FindValidForScope(ctx context.Context, tenant, scope string) (*Waiver, error) {
	waivers, err := m.store.listApprovedByScope(ctx, tenant, scope)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	for _, w := range waivers {
		if w.Valid(now) {
			return w, nil
		}
	}
	return nil, nil
}

// Sweep expires overdue approved waivers and warns about those inside
// the expiry warning window. Expiry is journaled as waiver_expired, the
// warning (once per waiver) as waiver_expiring.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.clock().UTC()

	approved, err := m.store.listByState(ctx, StateApproved)
	if err != nil {
		return err
	}

	for _, w := range approved {
		if !w.ExpiresAt.After(now) {
			if err := m.store.setState(ctx, w.ID, StateExpired, ""); err != nil {
				return err
			}
			if _, err := m.log.Append(ctx, &eventlog.Event{
				Tenant:    w.Tenant,
				Actor:     "system:waiver-sweeper",
				Kind:      eventlog.KindWaiverExpired,
				SubjectID: w.ID,
				Payload:   map[string]any{"scope": w.Scope},
			}); err != nil {
				return err
			}
			m.logger.InfoContext(ctx, "waiver expired", "waiver_id", w.ID, "tenant", w.Tenant)
			continue
		}

		if w.ExpiresAt.Sub(now) <= ExpiryWarningWindow {
			warned, err := m.store.isWarned(ctx, w.ID)
			if err != nil {
				return err
			}
			if warned {
				continue
			}
			if err := m.store.markWarned(ctx, w.ID); err != nil {
				return err
			}
			if m.tel != nil {
				m.tel.RecordWaiverExpiring(ctx, w.Tenant)
			}
			if _, err := m.log.Append(ctx, &eventlog.Event{
				Tenant:    w.Tenant,
				Actor:     "system:waiver-sweeper",
				Kind:      eventlog.KindWaiverExpiring,
				SubjectID: w.ID,
				Payload: map[string]any{
					"scope":      w.Scope,
					"expires_at": w.ExpiresAt.Format(time.RFC3339),
				},
			}); err != nil {
				return err
			}
			m.logger.WarnContext(ctx, "waiver expiring soon",
				"waiver_id", w.ID, "tenant", w.Tenant, "expires_at", w.ExpiresAt)
		}
	}
	return nil
}

// RunSweeper runs Sweep on the given interval until ctx is canceled.
// Production wiring uses a daily interval.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "waiver sweep failed", "error", err)
			}
		}
	}
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
