package jobs

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy shapes retry delays: exponential growth from BaseMs
// capped at MaxMs, plus deterministic jitter up to MaxJitterMs.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff is the retry policy jobs run with unless overridden.
var DefaultBackoff = BackoffPolicy{
	BaseMs:      500,
	MaxMs:       60_000,
	MaxJitterMs: 1_000,
	MaxAttempts: 4,
}

// ComputeBackoff returns the delay before the given attempt (0-based
// retry index). Jitter is a PRF of the job identity and attempt, so
// replays of the same schedule are reproducible.
func ComputeBackoff(tenant, jobID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+deterministicJitter(tenant, jobID, attempt, policy.MaxJitterMs)) * time.Millisecond
}

func deterministicJitter(tenant, jobID string, attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", tenant, jobID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs))
}
