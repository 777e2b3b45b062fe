package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 100, MaxMs: 30000, MaxAttempts: 5}

	plan := Plan("run.res.r_1", policy)
	require.Len(t, plan, 5)
	assert.Equal(t, int64(0), plan[0].DelayMs)
	assert.Equal(t, int64(200), plan[1].DelayMs)
	assert.Equal(t, int64(400), plan[2].DelayMs)
	assert.Equal(t, int64(1600), plan[4].DelayMs)
}

func TestComputeBackoffCapped(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 100, MaxMs: 1000}
	assert.Equal(t, time.Second, ComputeBackoff(BackoffParams{Key: "k", AttemptIndex: 10}, policy))
	assert.Equal(t, time.Second, ComputeBackoff(BackoffParams{Key: "k", AttemptIndex: 64}, policy))
}

func TestDeterministicJitter(t *testing.T) {
	policy := BackoffPolicy{MaxJitterMs: 1000}
	params := BackoffParams{Key: "run.res.r_1", AttemptIndex: 2}

	j1 := ComputeDeterministicJitter(params, policy)
	j2 := ComputeDeterministicJitter(params, policy)
	assert.Equal(t, j1, j2)
	assert.GreaterOrEqual(t, j1, int64(0))
	assert.Less(t, j1, int64(1000))

	assert.Zero(t, ComputeDeterministicJitter(params, BackoffPolicy{}))
}

func TestDo(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 1, MaxMs: 5, MaxAttempts: 4}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), "k", policy, func(_ context.Context, attempt int) error {
			calls++
			if attempt < 2 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), "k", policy, func(context.Context, int) error {
			calls++
			return errors.New("timeout")
		})
		assert.ErrorIs(t, err, ErrExhausted)
		assert.Contains(t, err.Error(), "timeout")
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		bad := errors.New("payload too large")
		calls := 0
		err := Do(context.Background(), "k", policy, func(context.Context, int) error {
			calls++
			return Permanent(bad)
		})
		assert.ErrorIs(t, err, bad)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := Do(ctx, "k", BackoffPolicy{BaseMs: 1000, MaxMs: 1000, MaxAttempts: 3}, func(context.Context, int) error {
			cancel()
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
