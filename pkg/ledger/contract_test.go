package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("ClaimCreatesPendingEntry", func(t *testing.T) {
		s := newStore(t)
		e, claimed, err := s.Claim(ctx, "fp-claim", "owner-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, StatusPending, e.Status)
		assert.Equal(t, "owner-a", e.Owner)
		assert.True(t, e.LeaseUntil.After(time.Now()))

		got, err := s.Get(ctx, "fp-claim")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, "owner-a", got.Owner)
		assert.Empty(t, got.Result)
	})

	t.Run("SecondClaimReturnsExisting", func(t *testing.T) {
		s := newStore(t)
		_, claimed, err := s.Claim(ctx, "fp-dup", "owner-a", time.Minute)
		require.NoError(t, err)
		require.True(t, claimed)

		e, claimed, err := s.Claim(ctx, "fp-dup", "owner-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, "owner-a", e.Owner)
		assert.Equal(t, StatusPending, e.Status)
	})

	t.Run("CompleteStoresResult", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Claim(ctx, "fp-done", "owner-a", time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Complete(ctx, "fp-done", "owner-b", []byte(`{}`)), ErrNotOwner)
		require.NoError(t, s.Complete(ctx, "fp-done", "owner-a", []byte(`{"run_id":"r_1"}`)))

		got, err := s.Get(ctx, "fp-done")
		require.NoError(t, err)
		assert.Equal(t, StatusDone, got.Status)
		assert.Equal(t, `{"run_id":"r_1"}`, string(got.Result))

		e, claimed, err := s.Claim(ctx, "fp-done", "owner-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, StatusDone, e.Status)
		assert.Equal(t, `{"run_id":"r_1"}`, string(e.Result))
	})

	t.Run("DoneEntryIsFinal", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Claim(ctx, "fp-final", "owner-a", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "fp-final", "owner-a", []byte("1")))

		assert.ErrorIs(t, s.Complete(ctx, "fp-final", "owner-a", []byte("2")), ErrNotOwner)
		assert.ErrorIs(t, s.Release(ctx, "fp-final", "owner-a"), ErrNotOwner)
		assert.ErrorIs(t, s.Renew(ctx, "fp-final", "owner-a", time.Minute), ErrNotOwner)

		got, err := s.Get(ctx, "fp-final")
		require.NoError(t, err)
		assert.Equal(t, "1", string(got.Result))
	})

	t.Run("ReleaseAllowsReclaim", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Claim(ctx, "fp-rel", "owner-a", time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Release(ctx, "fp-rel", "owner-b"), ErrNotOwner)
		require.NoError(t, s.Release(ctx, "fp-rel", "owner-a"))

		_, err = s.Get(ctx, "fp-rel")
		assert.ErrorIs(t, err, ErrNotFound)

		e, claimed, err := s.Claim(ctx, "fp-rel", "owner-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, "owner-b", e.Owner)
	})

	t.Run("RenewExtendsLease", func(t *testing.T) {
		s := newStore(t)
		first, _, err := s.Claim(ctx, "fp-renew", "owner-a", time.Second)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Renew(ctx, "fp-renew", "owner-b", time.Hour), ErrNotOwner)
		require.NoError(t, s.Renew(ctx, "fp-renew", "owner-a", time.Hour))

		got, err := s.Get(ctx, "fp-renew")
		require.NoError(t, err)
		assert.True(t, got.LeaseUntil.After(first.LeaseUntil))
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "fp-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ExpiredLeaseIsOrphaned", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Claim(ctx, "fp-orphan", "owner-a", time.Millisecond)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)

		e, claimed, err := s.Claim(ctx, "fp-orphan", "owner-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.True(t, e.Orphaned(time.Now()))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		db, err := OpenSQL(DialectSQLite, filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		s := NewSQLStore(db, DialectSQLite)
		require.NoError(t, s.Init(context.Background()))
		return s
	})
}
