package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/signer"
)

// Log is the durable journal interface.
type Log interface {
	// Append assigns seq, prev_hmac and hmac, then durably commits the
	// entry. A failure before the durable commit leaves no trace.
	Append(ctx context.Context, ev *Event) (uint64, error)

	// Range returns entries with from <= seq <= to in seq order.
	// The chain is re-verified while reading; a broken link fails the
	// read with NONDETERMINISTIC_OUTPUT.
	Range(ctx context.Context, tenant string, from, to uint64) ([]Event, error)

	// Head returns the highest committed seq for the tenant (0 if none).
	Head(ctx context.Context, tenant string) (uint64, error)

	// VerifyChain re-computes the whole chain for a tenant and returns
	// the number of verified entries.
	VerifyChain(ctx context.Context, tenant string) (uint64, error)
}

// MemoryLog is the in-memory reference implementation, used in tests
// and as the journal of single-process tooling.
type MemoryLog struct {
	mu      sync.Mutex
	mac     *signer.EventMAC
	tenants map[string][]Event
	clock   func() time.Time
}

// NewMemoryLog creates an in-memory journal chained with mac.
func NewMemoryLog(mac *signer.EventMAC) *MemoryLog {
	return &MemoryLog{
		mac:     mac,
		tenants: make(map[string][]Event),
		clock:   time.Now,
	}
}

// WithClock injects a deterministic clock (tests).
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func (l *MemoryLog) Append(ctx context.Context, ev *Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.tenants[ev.Tenant]
	prev := ""
	if n := len(entries); n > 0 {
		prev = entries[n-1].HMAC
	}

	ev.Seq = uint64(len(entries)) + 1
	ev.PrevHMAC = prev
	if ev.TS.IsZero() {
		ev.TS = l.clock().UTC()
	}

	body, err := ev.chainBytes()
	if err != nil {
		return 0, err
	}
	mac, err := l.mac.Chain(ev.Tenant, prev, body)
	if err != nil {
		return 0, err
	}
	ev.HMAC = mac

	l.tenants[ev.Tenant] = append(entries, *ev)
	return ev.Seq, nil
}

func (l *MemoryLog) Range(ctx context.Context, tenant string, from, to uint64) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.tenants[tenant]
	if from == 0 {
		from = 1
	}
	if to == 0 || to > uint64(len(entries)) {
		to = uint64(len(entries))
	}
	if from > to {
		return []Event{}, nil
	}

	out := make([]Event, 0, to-from+1)
	for _, e := range entries[from-1 : to] {
		if err := l.verifyEntry(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *MemoryLog) Head(ctx context.Context, tenant string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.tenants[tenant])), nil
}

func (l *MemoryLog) VerifyChain(ctx context.Context, tenant string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	for i := range l.tenants[tenant] {
		e := l.tenants[tenant][i]
		if e.PrevHMAC != prev {
			return uint64(i), errs.Newf(errs.NondeterministicOutput,
				"event chain break at tenant %s seq %d: prev_hmac mismatch", tenant, e.Seq)
		}
		if err := l.verifyEntry(&e); err != nil {
			return uint64(i), err
		}
		prev = e.HMAC
	}
	return uint64(len(l.tenants[tenant])), nil
}

func (l *MemoryLog) verifyEntry(e *Event) error {
	body, err := e.chainBytes()
	if err != nil {
		return err
	}
	ok, err := l.mac.VerifyLink(e.Tenant, e.PrevHMAC, body, e.HMAC)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NondeterministicOutput,
			"event chain break at tenant %s seq %d: hmac mismatch", e.Tenant, e.Seq)
	}
	return nil
}

// decodeEntry reconstructs an Event from its persisted canonical bytes
// plus the stored hmac, verifying the chain link on the way.
func decodeEntry(mac *signer.EventMAC, tenant string, canonicalBody []byte, storedMAC string) (Event, error) {
	var ev Event
	if err := json.Unmarshal(canonicalBody, &ev); err != nil {
		return Event{}, errs.Wrap(errs.NondeterministicOutput, err, "corrupt journal record")
	}
	ok, err := mac.VerifyLink(tenant, ev.PrevHMAC, canonicalBody, storedMAC)
	if err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{}, errs.Newf(errs.NondeterministicOutput,
			"event chain break at tenant %s seq %d: hmac mismatch", tenant, ev.Seq)
	}
	ev.HMAC = storedMAC
	return ev, nil
}
