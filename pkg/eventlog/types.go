// Package eventlog implements the append-only, HMAC-chained governance
// journal, partitioned by tenant.
//
// Every entry carries the HMAC of the previous entry, so any mutation
// or reorder breaks the chain. Sequence numbers are strictly monotonic
// per tenant; cross-tenant order is undefined.
package eventlog

import (
	"errors"
	"time"

	"github.com/domaindetermine/governance/pkg/canonical"
)

// Kind identifies a governance event type.
type Kind string

const (
	KindArtifactPublished  Kind = "artifact_published"
	KindArtifactRolledBack Kind = "artifact_rolled_back"
	KindWaiverGranted      Kind = "waiver_granted"
	KindWaiverExpired      Kind = "waiver_expired"
	KindWaiverExpiring     Kind = "waiver_expiring"
	KindPromptPublished    Kind = "prompt_published"
	KindJobEnqueued        Kind = "service_job_enqueued"
	KindJobCompleted       Kind = "service_job_completed"
	KindJobFailed          Kind = "service_job_failed"
	KindJobQuotaExceeded   Kind = "service_job_quota_exceeded"
	KindDeploymentGate     Kind = "deployment_gate"
)

// Event is a single journal entry.
// hmac = HMAC(tenant_key, prev_hmac || canonical(event-without-hmac)).
type Event struct {
	Seq       uint64         `json:"seq"`
	Tenant    string         `json:"tenant"`
	TS        time.Time      `json:"ts"`
	Actor     string         `json:"actor"`
	Kind      Kind           `json:"kind"`
	SubjectID string         `json:"subject_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHMAC  string         `json:"prev_hmac"`
	HMAC      string         `json:"hmac,omitempty"`
}

// chainBytes returns the canonical byte form of the event minus its
// own hmac. These are also the bytes persisted in the journal record.
func (e *Event) chainBytes() ([]byte, error) {
	shadow := *e
	shadow.HMAC = ""
	return canonical.Canonicalize(&shadow)
}

// ErrNotFound is returned when no entry exists for the requested seq.
var ErrNotFound = errors.New("eventlog: entry not found")
