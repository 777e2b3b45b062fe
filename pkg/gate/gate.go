// Package gate is the single entry point of the execution pipeline: it
// validates a request, resolves its policy, runs the payload at most once per
// fingerprint, grades the run and returns a schema-valid result.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/magicrune/pkg/grader"
	"github.com/Mindburn-Labs/magicrune/pkg/ledger"
	"github.com/Mindburn-Labs/magicrune/pkg/observability"
	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/quarantine"
	"github.com/Mindburn-Labs/magicrune/pkg/sandbox"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// Runner executes one request in isolation. *sandbox.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, req spell.Request, pol *policy.ResolvedPolicy) (*sandbox.Telemetry, error)
}

// Gate wires the pipeline stages together. It is safe for concurrent use.
type Gate struct {
	registry    *policy.Registry
	runner      Runner
	grader      *grader.Grader
	coordinator *ledger.Coordinator
	obs         *observability.Provider
	logger      *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

func WithRegistry(r *policy.Registry) Option {
	return func(g *Gate) { g.registry = r }
}

func WithRunner(r Runner) Option {
	return func(g *Gate) { g.runner = r }
}

func WithGrader(gr *grader.Grader) Option {
	return func(g *Gate) { g.grader = gr }
}

// WithCoordinator sets the ledger coordinator. Gates sharing a coordinator
// (or its store) share idempotency.
func WithCoordinator(c *ledger.Coordinator) Option {
	return func(g *Gate) { g.coordinator = c }
}

func WithObservability(p *observability.Provider) Option {
	return func(g *Gate) { g.obs = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate. Unset stages get process-local defaults: the built-in
// policy registry, the sandbox executor, a grader quarantining to a temp
// directory and an in-memory ledger.
func New(opts ...Option) (*Gate, error) {
	g := &Gate{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")

	if g.registry == nil {
		r, err := policy.NewRegistry("")
		if err != nil {
			return nil, newError(CodeInternal, err, "load built-in policy")
		}
		g.registry = r
	}
	if g.runner == nil {
		g.runner = sandbox.NewExecutor(sandbox.WithLogger(g.logger))
	}
	if g.grader == nil {
		store, err := quarantine.NewFileStore(filepath.Join(os.TempDir(), "magicrune-quarantine"))
		if err != nil {
			return nil, newError(CodeInternal, err, "open quarantine")
		}
		g.grader = grader.New(grader.WithQuarantine(store), grader.WithLogger(g.logger))
	}
	if g.coordinator == nil {
		g.coordinator = ledger.NewCoordinator(ledger.NewMemoryStore(), ledger.WithLogger(g.logger))
	}
	return g, nil
}

type execConfig struct {
	policy     *policy.ResolvedPolicy
	timeoutSec int
	onPending  func()
	source     string
}

// ExecOption adjusts one Execute call.
type ExecOption func(*execConfig)

// WithPolicy runs the request under pol instead of resolving policy_id.
func WithPolicy(pol *policy.ResolvedPolicy) ExecOption {
	return func(c *execConfig) { c.policy = pol }
}

// WithTimeout overrides the request's timeout_sec. The override is part of
// the fingerprint.
func WithTimeout(sec int) ExecOption {
	return func(c *execConfig) { c.timeoutSec = sec }
}

// WithOnPending fires once the request is durably recorded as at least
// pending, before the result is known.
func WithOnPending(fn func()) ExecOption {
	return func(c *execConfig) { c.onPending = fn }
}

// WithSource labels the caller in traces and metrics.
func WithSource(s string) ExecOption {
	return func(c *execConfig) { c.source = s }
}

// Outcome is a result together with its idempotency metadata.
type Outcome struct {
	Result      *spell.Result
	Fingerprint string
	// Replayed is true when the result was produced by an earlier execution.
	Replayed bool
}

var (
	defaultOnce sync.Once
	defaultGate *Gate
	defaultErr  error
)

// Execute runs req through a process-wide default gate.
func Execute(ctx context.Context, req spell.Request, opts ...ExecOption) (*spell.Result, error) {
	defaultOnce.Do(func() { defaultGate, defaultErr = New() })
	if defaultErr != nil {
		return nil, defaultErr
	}
	return defaultGate.Execute(ctx, req, opts...)
}

// Execute returns the result for req, running the payload only if no result
// for its fingerprint exists.
func (g *Gate) Execute(ctx context.Context, req spell.Request, opts ...ExecOption) (*spell.Result, error) {
	out, err := g.Run(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Run is Execute with idempotency metadata.
func (g *Gate) Run(ctx context.Context, req spell.Request, opts ...ExecOption) (*Outcome, error) {
	cfg := execConfig{source: "direct"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeoutSec > 0 {
		req.TimeoutSec = cfg.timeoutSec
	}
	if cfg.policy != nil && cfg.policy.ID != "" {
		req.PolicyID = cfg.policy.ID
	}
	req = req.Normalize()

	if err := req.Validate(); err != nil {
		return nil, newError(CodeInputInvalid, err, "request rejected")
	}
	fp, err := req.Fingerprint()
	if err != nil {
		return nil, newError(CodeInternal, err, "fingerprint")
	}
	runID := spell.RunID(fp)

	ctx, finish := g.obs.TrackRun(ctx, "magicrune.execute",
		observability.AttrRunID.String(runID),
		observability.AttrPolicyID.String(req.PolicyID),
		observability.AttrSource.String(cfg.source),
	)

	pol := cfg.policy
	if pol == nil {
		if pol, err = g.registry.Resolve(req.PolicyID); err != nil {
			gerr := newError(CodePolicyViolation, err, "resolve policy %q", req.PolicyID)
			finish(gerr)
			return nil, gerr
		}
	}
	if err := pol.CheckRequest(req); err != nil {
		gerr := newError(CodePolicyViolation, err, "request exceeds policy %s", pol.ID)
		finish(gerr)
		return nil, gerr
	}

	logger := g.logger.With("run_id", runID, "policy_id", pol.ID, "policy_digest", pol.Digest)
	out, err := g.coordinator.Do(ctx, fp, func(ctx context.Context) ([]byte, error) {
		return g.execute(ctx, logger, req, pol, fp)
	}, ledger.WithOnPending(cfg.onPending))
	if err != nil {
		gerr := classify(err)
		if gerr.Code == CodeInternal {
			logger.Error("pipeline failed", "fingerprint", fp, "error", err)
		}
		finish(gerr)
		return nil, gerr
	}

	res, err := spell.DecodeResult(out.Result)
	if err != nil {
		gerr := newError(CodeOutputInvalid, err, "stored result for %s", runID)
		finish(gerr)
		return nil, gerr
	}
	if out.Replayed {
		logger.Debug("replayed stored result", "verdict", res.Verdict)
	}
	finish(nil,
		observability.AttrVerdict.String(string(res.Verdict)),
		observability.AttrBackend.String(res.Backend),
		observability.AttrReplayed.Bool(out.Replayed),
	)
	return &Outcome{Result: res, Fingerprint: fp, Replayed: out.Replayed}, nil
}

// execute is the body that runs at most once per fingerprint. A returned
// error releases the ledger entry.
func (g *Gate) execute(ctx context.Context, logger *slog.Logger, req spell.Request, pol *policy.ResolvedPolicy, fp string) ([]byte, error) {
	tel, err := g.runner.Execute(ctx, req, pol)
	if err != nil {
		var iso *sandbox.IsolationError
		if errors.As(err, &iso) {
			return nil, newError(CodePolicyViolation, err, "isolation required by policy %s is unavailable", pol.ID)
		}
		if errors.Is(err, spell.ErrInvalidRequest) {
			return nil, newError(CodeInputInvalid, err, "request rejected")
		}
		return nil, newError(CodeInternal, err, "sandbox")
	}

	v := g.grader.Grade(tel, pol, req)
	res := assemble(spell.RunID(fp), tel, v)
	if err := g.grader.Seal(ctx, res, tel, fp, pol.ID); err != nil {
		return nil, newError(CodeInternal, err, "quarantine red output")
	}
	if err := res.Validate(); err != nil {
		return nil, newError(CodeOutputInvalid, err, "result rejected")
	}

	logger.Info("run graded",
		"verdict", res.Verdict,
		"risk_score", res.RiskScore,
		"static", v.Static,
		"learned", v.Learned,
		"signals", v.SignalsMatched,
		"exit_code", res.ExitCode,
		"state", tel.State,
		"backend", res.Backend,
		"degraded", res.Degraded,
	)
	data, err := json.Marshal(res)
	if err != nil {
		return nil, newError(CodeInternal, err, "encode result")
	}
	return data, nil
}

// assemble builds the result of a graded run. Output is inline here; Seal
// removes it again for red verdicts.
func assemble(runID string, tel *sandbox.Telemetry, v grader.Verdict) *spell.Result {
	res := &spell.Result{
		RunID:       runID,
		Verdict:     v.Verdict,
		RiskScore:   v.RiskScore,
		ExitCode:    tel.ExitCode,
		DurationMs:  tel.Duration.Milliseconds(),
		StdoutTrunc: tel.Stdout.Truncated,
		Stdout:      string(tel.Stdout.Data),
		Stderr:      string(tel.Stderr.Data),
		Backend:     string(tel.Backend),
		Degraded:    tel.Degraded,
	}
	for _, viol := range tel.Violations {
		res.Violations = append(res.Violations, fmt.Sprintf("%s: %s", viol.Kind, viol.Detail))
	}
	return res
}

func classify(err error) *Error {
	var gerr *Error
	switch {
	case errors.As(err, &gerr):
		return gerr
	case errors.Is(err, ledger.ErrOrphaned):
		return newError(CodeInternal, err, "ledger entry left pending without completion")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTransport, err, "caller gave up waiting")
	default:
		return newError(CodeInternal, err, "ledger")
	}
}
