//go:build property
// +build property

package policy

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestThresholdPartition verifies that contiguous cut points always compile
// and that every non-negative score lands in exactly one band.
func TestThresholdPartition(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("contiguous bands compile and partition scores", prop.ForAll(
		func(a, b int64, score int64) bool {
			// green [0, a], yellow [a+1, a+1+b], red [a+b+2, inf)
			doc := ThresholdsDoc{
				Green:  RangeSpec{Expr: "<=" + strconv.FormatInt(a, 10)},
				Yellow: RangeSpec{Expr: strconv.FormatInt(a+1, 10) + "..=" + strconv.FormatInt(a+1+b, 10)},
				Red:    RangeSpec{Expr: ">=" + strconv.FormatInt(a+b+2, 10)},
			}
			th, err := CompileThresholds(doc)
			if err != nil {
				return false
			}
			hits := 0
			for _, band := range th {
				if band.Contains(score) {
					hits++
				}
			}
			return hits == 1
		},
		gen.Int64Range(0, 1000),
		gen.Int64Range(0, 1000),
		gen.Int64Range(0, 5000),
	))

	properties.Property("shifted band boundaries are rejected", prop.ForAll(
		func(a, b, shift int64) bool {
			if shift == 0 {
				return true
			}
			doc := ThresholdsDoc{
				Green:  RangeSpec{Expr: "<=" + strconv.FormatInt(a, 10)},
				Yellow: RangeSpec{Expr: strconv.FormatInt(a+1+shift, 10) + "..=" + strconv.FormatInt(a+1+b+10, 10)},
				Red:    RangeSpec{Expr: ">=" + strconv.FormatInt(a+b+12, 10)},
			}
			_, err := CompileThresholds(doc)
			if err == nil {
				return false
			}
			code := CodeOf(err)
			if shift > 0 {
				return code == CodeThresholdGap
			}
			return code == CodeThresholdOverlap
		},
		gen.Int64Range(5, 1000),
		gen.Int64Range(0, 1000),
		gen.Int64Range(-5, 5),
	))

	properties.TestingRun(t)
}
