// Package grader turns execution telemetry into a risk score and verdict.
package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/quarantine"
	"github.com/Mindburn-Labs/magicrune/pkg/sandbox"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// ErrNoQuarantine is returned when a red result cannot be sealed.
var ErrNoQuarantine = errors.New("grader: no quarantine store configured")

// Verdict is the derived risk assessment of one run.
type Verdict struct {
	RiskScore      int           `json:"risk_score"`
	Verdict        spell.Verdict `json:"verdict"`
	Static         int           `json:"static_component"`
	Learned        int           `json:"learned_component"`
	Kinds          []string      `json:"kinds,omitempty"`
	SignalsMatched []string      `json:"signals_matched,omitempty"`
}

// Corrector adjusts the static score. The adjustment may be negative; the
// final score is clamped at zero.
type Corrector interface {
	Correct(tel *sandbox.Telemetry, static int) int
}

// CorrectorFunc adapts a function to Corrector.
type CorrectorFunc func(tel *sandbox.Telemetry, static int) int

func (f CorrectorFunc) Correct(tel *sandbox.Telemetry, static int) int { return f(tel, static) }

// NoCorrection is the default corrector.
type NoCorrection struct{}

func (NoCorrection) Correct(*sandbox.Telemetry, int) int { return 0 }

// Grader scores telemetry and seals red results.
type Grader struct {
	corrector Corrector
	store     quarantine.Store
	logger    *slog.Logger
}

// Option configures a Grader.
type Option func(*Grader)

func WithCorrector(c Corrector) Option {
	return func(g *Grader) { g.corrector = c }
}

// WithQuarantine sets the store red bundles are written to.
func WithQuarantine(s quarantine.Store) Option {
	return func(g *Grader) { g.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Grader) { g.logger = l }
}

// New creates a grader.
func New(opts ...Option) *Grader {
	g := &Grader{corrector: NoCorrection{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "grader")
	return g
}

// Grade is New().Grade.
func Grade(tel *sandbox.Telemetry, pol *policy.ResolvedPolicy, req spell.Request) Verdict {
	return New().Grade(tel, pol, req)
}

// Grade scores one run. Each distinct violation kind counts once, whether
// observed in telemetry or declared by a matched signal; signals without a
// kind add their own weight. The result does not depend on violation order.
func (g *Grader) Grade(tel *sandbox.Telemetry, pol *policy.ResolvedPolicy, req spell.Request) Verdict {
	kinds := make(map[policy.ViolationKind]bool)
	for _, k := range tel.ViolationKinds() {
		kinds[k] = true
	}

	var v Verdict
	vars := policy.RequestVars(req)
	for _, sig := range pol.Grading.Signals {
		matched, err := sig.Eval(vars)
		if err != nil {
			g.logger.Warn("signal evaluation failed", "signal", sig.Name, "error", err)
			continue
		}
		if !matched {
			continue
		}
		v.SignalsMatched = append(v.SignalsMatched, sig.Name)
		if sig.Kind != "" {
			kinds[sig.Kind] = true
		} else {
			v.Static += sig.Weight
		}
	}
	for k := range kinds {
		v.Static += pol.Grading.Weight(k)
		v.Kinds = append(v.Kinds, string(k))
	}
	sort.Strings(v.Kinds)
	sort.Strings(v.SignalsMatched)

	v.Learned = g.corrector.Correct(tel, v.Static)
	v.RiskScore = v.Static + v.Learned
	if v.RiskScore < 0 {
		v.RiskScore = 0
	}
	v.Verdict = pol.Grading.Thresholds.Classify(int64(v.RiskScore))
	return v
}

// Seal moves the output of a red result into quarantine: the bundle holds the
// result as graded plus both streams and the telemetry, and the result keeps
// only the reference. Non-red results are left untouched.
func (g *Grader) Seal(ctx context.Context, res *spell.Result, tel *sandbox.Telemetry, fingerprint, policyID string) error {
	if res.Verdict != spell.VerdictRed {
		return nil
	}
	if g.store == nil {
		return ErrNoQuarantine
	}
	res.Stdout, res.Stderr, res.QuarantineRef = "", "", ""
	graded, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("grader: encode result: %w", err)
	}
	summary, err := json.Marshal(tel)
	if err != nil {
		return fmt.Errorf("grader: encode telemetry: %w", err)
	}
	ref, err := quarantine.Put(ctx, g.store, &quarantine.Bundle{
		RunID:       res.RunID,
		Fingerprint: fingerprint,
		PolicyID:    policyID,
		Result:      graded,
		Stdout:      tel.Stdout.Data,
		Stderr:      tel.Stderr.Data,
		Telemetry:   summary,
	})
	if err != nil {
		return fmt.Errorf("grader: quarantine: %w", err)
	}
	res.QuarantineRef = ref
	g.logger.Info("output quarantined", "run_id", res.RunID, "ref", ref, "risk_score", res.RiskScore)
	return nil
}
