//go:build property
// +build property

package grader

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

var allKinds = []policy.ViolationKind{
	policy.KindNet, policy.KindFS, policy.KindPids, policy.KindMemory,
	policy.KindCPU, policy.KindWall, policy.KindSyscall,
}

// TestGradeProperties checks that the score depends only on the set of
// violation kinds and is never negative.
func TestGradeProperties(t *testing.T) {
	pol, err := policy.Default()
	if err != nil {
		t.Fatal(err)
	}
	req := spell.Request{Cmd: "true"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("score is invariant under violation order", prop.ForAll(
		func(idx []int, seed int64) bool {
			kinds := make([]policy.ViolationKind, len(idx))
			for i, n := range idx {
				kinds[i] = allKinds[n]
			}
			shuffled := append([]policy.ViolationKind(nil), kinds...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			a := Grade(telemetry(kinds...), pol, req)
			b := Grade(telemetry(shuffled...), pol, req)
			return a.RiskScore == b.RiskScore && a.Verdict == b.Verdict
		},
		gen.SliceOf(gen.IntRange(0, len(allKinds)-1)),
		gen.Int64(),
	))

	properties.Property("score equals the sum over distinct kinds", prop.ForAll(
		func(idx []int) bool {
			seen := map[policy.ViolationKind]bool{}
			kinds := make([]policy.ViolationKind, len(idx))
			want := 0
			for i, n := range idx {
				kinds[i] = allKinds[n]
				if !seen[kinds[i]] {
					seen[kinds[i]] = true
					want += pol.Grading.Weight(kinds[i])
				}
			}
			v := Grade(telemetry(kinds...), pol, req)
			return v.RiskScore == want && v.RiskScore >= 0
		},
		gen.SliceOf(gen.IntRange(0, len(allKinds)-1)),
	))

	properties.TestingRun(t)
}
