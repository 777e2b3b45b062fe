package quarantine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, RefOf([]byte("payload")), ref)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref)

	again, err := s.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, s.Delete(ctx, ref))
	require.NoError(t, s.Delete(ctx, ref))
	ok, err = s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), []byte("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".bundle", filepath.Ext(entries[0].Name()))
}

func TestFileStore_RejectsBadRefs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"", "abc", "sha256:zz", "sha256:abcd", "md5:" + RefOf(nil)[7:], "sha256:../../etc/passwd"} {
		_, err := s.Get(context.Background(), ref)
		assert.Error(t, err, ref)
		_, err = s.Exists(context.Background(), ref)
		assert.Error(t, err, ref)
		assert.Error(t, s.Delete(context.Background(), ref), ref)
	}
}

func TestBundle_PutLoad(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	b := &Bundle{
		RunID:       "r_0123456789abcdef0123456789abcdef",
		Fingerprint: "f",
		PolicyID:    "default",
		Result:      []byte(`{"verdict":"red","risk_score":70}`),
		Stdout:      []byte("secret\x00binary"),
		Stderr:      []byte("curl: (6) Could not resolve host"),
		Telemetry:   []byte(`{"state":"completed"}`),
	}
	ref, err := Put(ctx, s, b)
	require.NoError(t, err)

	ref2, err := Put(ctx, s, b)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	got, err := Load(ctx, s, ref)
	require.NoError(t, err)
	assert.Equal(t, b.Stdout, got.Stdout)
	assert.Equal(t, b.RunID, got.RunID)
	assert.JSONEq(t, string(b.Result), string(got.Result))
}
