package policy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// Unbounded marks a band with no upper bound.
const Unbounded = math.MaxInt64

// Band is an inclusive score range mapped to a verdict.
type Band struct {
	Verdict spell.Verdict
	Min     int64
	Max     int64
}

func (b Band) Contains(score int64) bool {
	return score >= b.Min && score <= b.Max
}

func (b Band) String() string {
	if b.Max == Unbounded {
		return fmt.Sprintf("%s[%d, +inf)", b.Verdict, b.Min)
	}
	return fmt.Sprintf("%s[%d, %d]", b.Verdict, b.Min, b.Max)
}

// Thresholds is an ordered partition of [0, +inf) into verdict bands.
type Thresholds []Band

// Classify returns the verdict of the first band containing score. Negative
// scores are clamped to zero.
func (t Thresholds) Classify(score int64) spell.Verdict {
	if score < 0 {
		score = 0
	}
	for _, b := range t {
		if b.Contains(score) {
			return b.Verdict
		}
	}
	// unreachable for compiled thresholds
	return spell.VerdictRed
}

// DefaultThresholds is green <=20, yellow 21..=60, red >=61.
func DefaultThresholds() Thresholds {
	return Thresholds{
		{Verdict: spell.VerdictGreen, Min: 0, Max: 20},
		{Verdict: spell.VerdictYellow, Min: 21, Max: 60},
		{Verdict: spell.VerdictRed, Min: 61, Max: Unbounded},
	}
}

// CompileThresholds parses each band, orders them by lower bound and checks
// that together they cover [0, +inf) with no gap and no overlap.
func CompileThresholds(doc ThresholdsDoc) (Thresholds, error) {
	specs := []struct {
		verdict spell.Verdict
		spec    RangeSpec
	}{
		{spell.VerdictGreen, doc.Green},
		{spell.VerdictYellow, doc.Yellow},
		{spell.VerdictRed, doc.Red},
	}

	bands := make(Thresholds, 0, len(specs))
	for _, s := range specs {
		b, err := parseRange(s.spec)
		if err != nil {
			return nil, newError(CodeThresholdSyntax, "grading.thresholds."+string(s.verdict), "%v", err)
		}
		b.Verdict = s.verdict
		bands = append(bands, b)
	}
	if err := bands.check(); err != nil {
		return nil, err
	}
	return bands, nil
}

func (t Thresholds) check() error {
	sort.SliceStable(t, func(i, j int) bool { return t[i].Min < t[j].Min })

	if t[0].Min > 0 {
		return newError(CodeThresholdGap, "grading.thresholds", "scores [0, %d] are not covered", t[0].Min-1)
	}
	for i := 1; i < len(t); i++ {
		prev, cur := t[i-1], t[i]
		if prev.Max == Unbounded || cur.Min <= prev.Max {
			return newError(CodeThresholdOverlap, "grading.thresholds", "%s overlaps %s", prev, cur)
		}
		if cur.Min > prev.Max+1 {
			return newError(CodeThresholdGap, "grading.thresholds", "scores [%d, %d] are not covered", prev.Max+1, cur.Min-1)
		}
	}
	if last := t[len(t)-1]; last.Max != Unbounded {
		return newError(CodeThresholdGap, "grading.thresholds", "scores above %d are not covered", last.Max)
	}
	return nil
}

func parseRange(r RangeSpec) (Band, error) {
	if r.Expr == "" {
		if r.Min == nil {
			return Band{}, fmt.Errorf("range needs min")
		}
		b := Band{Min: *r.Min, Max: Unbounded}
		if r.Max != nil {
			b.Max = *r.Max
		}
		return validBand(b)
	}

	expr := strings.ReplaceAll(r.Expr, " ", "")
	switch {
	case strings.HasPrefix(expr, "<="):
		n, err := parseBound(expr[2:])
		return bandOrErr(Band{Min: 0, Max: n}, err)
	case strings.HasPrefix(expr, ">="):
		n, err := parseBound(expr[2:])
		return bandOrErr(Band{Min: n, Max: Unbounded}, err)
	case strings.HasPrefix(expr, "<"):
		n, err := parseBound(expr[1:])
		return bandOrErr(Band{Min: 0, Max: n - 1}, err)
	case strings.HasPrefix(expr, ">"):
		n, err := parseBound(expr[1:])
		return bandOrErr(Band{Min: n + 1, Max: Unbounded}, err)
	case strings.Contains(expr, "..="):
		parts := strings.SplitN(expr, "..=", 2)
		lo, err := parseBound(parts[0])
		if err != nil {
			return Band{}, err
		}
		hi, err := parseBound(parts[1])
		return bandOrErr(Band{Min: lo, Max: hi}, err)
	case strings.Contains(expr, ".."):
		parts := strings.SplitN(expr, "..", 2)
		lo, err := parseBound(parts[0])
		if err != nil {
			return Band{}, err
		}
		if parts[1] == "" {
			return validBand(Band{Min: lo, Max: Unbounded})
		}
		hi, err := parseBound(parts[1])
		return bandOrErr(Band{Min: lo, Max: hi - 1}, err)
	default:
		n, err := parseBound(expr)
		return bandOrErr(Band{Min: n, Max: n}, err)
	}
}

func parseBound(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bound %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative bound %d", n)
	}
	return n, nil
}

func bandOrErr(b Band, err error) (Band, error) {
	if err != nil {
		return Band{}, err
	}
	return validBand(b)
}

func validBand(b Band) (Band, error) {
	if b.Max < b.Min {
		return Band{}, fmt.Errorf("empty range [%d, %d]", b.Min, b.Max)
	}
	return b, nil
}
