// Package retry computes bounded exponential backoff with deterministic
// jitter and runs operations under it.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identify one attempt. Equal params always yield the same delay.
type BackoffParams struct {
	// Key names the operation being retried, e.g. a reply subject.
	Key          string
	AttemptIndex int
}

type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used for reply publication.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{BaseMs: 50, MaxMs: 2000, MaxJitterMs: 50, MaxAttempts: 6}
}

// ComputeBackoff returns the delay before an attempt: base * 2^attempt, capped
// at MaxMs, plus deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}
	return time.Duration(baseDelay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])
	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}
