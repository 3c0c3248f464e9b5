// Package jobs runs governed background work: a handler registry, a
// durable per-tenant FIFO queue, a worker pool with bounded retries,
// and idempotent enqueue.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/domaindetermine/governance/pkg/canonical"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Active reports whether the status still holds a quota reservation.
func (s Status) Active() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Record is the durable state of one job.
type Record struct {
	JobID          string          `json:"job_id"`
	Tenant         string          `json:"tenant"`
	Project        string          `json:"project,omitempty"`
	Type           string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	EstimatedCost  int64           `json:"estimated_cost"`
	SubmittedBy    string          `json:"submitted_by"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// LogLine is one entry of a job's execution log.
type LogLine struct {
	Seq  int       `json:"seq"`
	TS   time.Time `json:"ts"`
	Line string    `json:"line"`
}

// DeriveIdempotencyKey computes the default idempotency key for a
// submission that did not provide one: the hash of the job type and
// the canonical payload. Byte-identical submissions collapse.
func DeriveIdempotencyKey(jobType string, payload json.RawMessage) (string, error) {
	doc := map[string]any{"job_type": jobType}
	if len(payload) > 0 {
		var p any
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", fmt.Errorf("jobs: payload is not valid JSON: %w", err)
		}
		doc["payload"] = p
	}
	return canonical.Hash(doc)
}

func newJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("jobs: failed to generate job id: %w", err)
	}
	return "job-" + id.String(), nil
}
