package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// exitSIGSYS is the shell-style status of a process killed by seccomp.
const exitSIGSYS = 128 + 31

// Executor owns the per-run lifecycle: workspace, backend selection, one run
// and telemetry finalization.
type Executor struct {
	native       Backend
	managed      Backend
	workDir      string
	forceManaged bool
	logger       *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithNativeBackend replaces the native backend.
func WithNativeBackend(b Backend) ExecutorOption {
	return func(e *Executor) { e.native = b }
}

// WithManagedBackend replaces the managed backend.
func WithManagedBackend(b Backend) ExecutorOption {
	return func(e *Executor) { e.managed = b }
}

// WithForceManaged skips native isolation entirely. Policies that make native
// isolation mandatory are refused instead.
func WithForceManaged(force bool) ExecutorOption {
	return func(e *Executor) { e.forceManaged = force }
}

// WithWorkDir sets the parent directory of per-run workspaces.
func WithWorkDir(dir string) ExecutorOption {
	return func(e *Executor) { e.workDir = dir }
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor with default backends unless overridden.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "sandbox")
	if e.native == nil {
		e.native = NewNativeBackend(NativeOptions{Logger: e.logger})
	}
	if e.managed == nil {
		e.managed = NewManagedBackend(ManagedOptions{Logger: e.logger})
	}
	return e
}

// Execute runs req once under pol. The returned telemetry is final. An error
// means the run could not be isolated as required or an internal fault.
func (e *Executor) Execute(ctx context.Context, req spell.Request, pol *policy.ResolvedPolicy) (*Telemetry, error) {
	var trail []State
	step := func(s State) {
		trail = append(trail, s)
		e.logger.Debug("run state", "state", s)
	}
	step(StateInit)
	step(StateProvisioning)

	ws, err := NewWorkspace(e.workDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			e.logger.Warn("workspace cleanup failed", "root", ws.Root, "error", err)
		}
	}()

	inputViolations, err := ws.Materialize(req.Files, pol.FS)
	if err != nil {
		return nil, err
	}
	job := &Job{
		Request:   req,
		Policy:    pol,
		Workspace: ws,
		Timeout:   effectiveTimeout(req, pol),
	}

	var (
		tel      *Telemetry
		degraded bool
		warning  string
	)
	if e.forceManaged && pol.Isolation.Native == policy.NativeMandatory {
		step(StateIsolationFailed)
		step(StateFinalized)
		return nil, &IsolationError{Backend: BackendNative, Reason: "native isolation mandatory but managed backend forced"}
	}
	if e.forceManaged || pol.Isolation.Native == policy.NativeDisabled {
		step(StateRunning)
		tel, err = e.managed.Run(ctx, job)
	} else {
		tel, err = e.runNative(ctx, job, step)
		var isoErr *IsolationError
		if errors.As(err, &isoErr) {
			step(StateIsolationFailed)
			if pol.Isolation.Native == policy.NativeMandatory || !pol.Isolation.AllowFallback {
				step(StateFinalized)
				return nil, err
			}
			warning = fmt.Sprintf("native isolation unavailable, ran in managed backend: %s", isoErr.Reason)
			e.logger.Warn("falling back to managed backend", "reason", isoErr.Reason)
			degraded = true
			step(StateProvisioning)
			step(StateRunning)
			tel, err = e.managed.Run(ctx, job)
		}
	}
	if err != nil {
		return nil, err
	}

	if degraded {
		tel.Degraded = true
		tel.Warnings = append(tel.Warnings, warning)
	}
	e.finalize(tel, inputViolations)
	step(tel.State)
	step(StateFinalized)
	tel.Trail = trail
	return tel, nil
}

func (e *Executor) runNative(ctx context.Context, job *Job, step func(State)) (*Telemetry, error) {
	caps := e.native.Probe(ctx)
	if !caps.Available {
		return nil, &IsolationError{Backend: BackendNative, Reason: unavailableReason(caps)}
	}
	step(StateRunning)
	return e.native.Run(ctx, job)
}

// finalize merges input-file and stderr-derived violations into tel.
func (e *Executor) finalize(tel *Telemetry, inputViolations []Violation) {
	derived := classifyStderr(tel.Stderr.Data)
	if tel.ExitCode == exitSIGSYS {
		derived = append(derived, Violation{Kind: policy.KindSyscall, Detail: "killed by SIGSYS"})
	}
	for _, v := range derived {
		tel.addViolation(v.Kind, v.Detail)
		if v.Kind == policy.KindMemory && tel.State == StateCompleted && tel.ExitCode != 0 {
			tel.State, tel.Limit = StateResourceExceeded, policy.KindMemory
		}
	}
	if len(inputViolations) > 0 {
		merged := append([]Violation(nil), inputViolations...)
		tel.Violations = append(merged, tel.Violations...)
	}
}
