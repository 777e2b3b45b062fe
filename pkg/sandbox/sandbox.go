// Package sandbox runs one untrusted command to completion or forced
// termination under policy-derived limits and returns raw execution telemetry.
//
// Two isolation backends implement the Backend interface:
//   - NativeBackend: bubblewrap namespaces, a seccomp allow-list, cgroup v2
//     ceilings and rlimits on Linux hosts.
//   - ManagedBackend: a wazero WASI instance with a memory page limit, a step
//     budget and cooperative interruption; only the scratch directory is visible.
//
// The Executor selects a backend at provisioning time and degrades from native
// to managed when native isolation cannot be established and policy allows it.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// BackendKind identifies an isolation backend.
type BackendKind string

const (
	BackendNative  BackendKind = "native"
	BackendManaged BackendKind = "wasm"
)

// State is a step of the per-run state machine.
type State string

const (
	StateInit             State = "init"
	StateProvisioning     State = "provisioning"
	StateRunning          State = "running"
	StateCompleted        State = "completed"
	StateTimedOut         State = "timed_out"
	StateResourceExceeded State = "resource_exceeded"
	StateIsolationFailed  State = "isolation_failed"
	StateFinalized        State = "finalized"
)

// Terminal reports whether s ends the running phase.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateResourceExceeded, StateIsolationFailed:
		return true
	}
	return false
}

// Exit codes reported when the payload did not exit on its own.
const (
	ExitTimedOut        = 124
	ExitInvalidModule   = 126
	ExitCommandNotFound = 127
	ExitKilled          = 137
)

// Violation is one denied capability use or tripped limit.
type Violation struct {
	Kind   policy.ViolationKind `json:"kind"`
	Detail string               `json:"detail"`
}

// Output is a bounded capture of one output stream.
type Output struct {
	Data      []byte `json:"-"`
	Total     int64  `json:"total_bytes"`
	Truncated bool   `json:"truncated"`
}

// Telemetry is the write-once record of one sandbox run.
type Telemetry struct {
	State      State                `json:"state"`
	Trail      []State              `json:"trail"`
	ExitCode   int                  `json:"exit_code"`
	Stdout     Output               `json:"stdout"`
	Stderr     Output               `json:"stderr"`
	Duration   time.Duration        `json:"duration_ns"`
	Violations []Violation          `json:"violations,omitempty"`
	Backend    BackendKind          `json:"backend"`
	Degraded   bool                 `json:"degraded"`
	Limit      policy.ViolationKind `json:"limit,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
}

// ViolationKinds returns the distinct violation kinds in first-seen order.
func (t *Telemetry) ViolationKinds() []policy.ViolationKind {
	seen := make(map[policy.ViolationKind]bool, len(t.Violations))
	var kinds []policy.ViolationKind
	for _, v := range t.Violations {
		if !seen[v.Kind] {
			seen[v.Kind] = true
			kinds = append(kinds, v.Kind)
		}
	}
	return kinds
}

func (t *Telemetry) addViolation(kind policy.ViolationKind, detail string) {
	for _, v := range t.Violations {
		if v.Kind == kind && v.Detail == detail {
			return
		}
	}
	t.Violations = append(t.Violations, Violation{Kind: kind, Detail: detail})
}

// Job is everything a backend needs for one run.
type Job struct {
	Request   spell.Request
	Policy    *policy.ResolvedPolicy
	Workspace *Workspace
	// Timeout is the effective wall-clock limit for this run.
	Timeout time.Duration
}

// Capabilities is the result of probing a backend on this host.
type Capabilities struct {
	Backend   BackendKind
	Available bool
	// Missing lists isolation primitives that are unavailable. A native run
	// with missing primitives proceeds degraded unless isolation is mandatory.
	Missing []string
	Detail  map[string]string
}

// Backend is one isolation technology.
type Backend interface {
	Name() BackendKind
	Probe(ctx context.Context) Capabilities
	// Run executes the job once. Payload misbehavior is reported through
	// telemetry; an error means isolation could not be established
	// (*IsolationError) or an internal fault occurred.
	Run(ctx context.Context, job *Job) (*Telemetry, error)
}

// IsolationError means the isolation mechanism itself could not be
// established. It is never caused by the payload.
type IsolationError struct {
	Backend BackendKind
	Reason  string
	Err     error
}

func (e *IsolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("isolation failed (%s): %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("isolation failed (%s): %s", e.Backend, e.Reason)
}

func (e *IsolationError) Unwrap() error { return e.Err }

// effectiveTimeout bounds the request timeout by the policy wall limit.
func effectiveTimeout(req spell.Request, pol *policy.ResolvedPolicy) time.Duration {
	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(spell.DefaultTimeoutSec) * time.Second
	}
	if pol.Limits.Wall > 0 && pol.Limits.Wall < timeout {
		timeout = pol.Limits.Wall
	}
	return timeout
}
