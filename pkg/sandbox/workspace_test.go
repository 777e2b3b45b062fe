package sandbox

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestWorkspace_Materialize(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	defer ws.Close()

	pol := defaultPolicy(t)
	violations, err := ws.Materialize([]spell.File{
		{Path: "main.py", ContentB64: b64("print(1)")},
		{Path: "/work/data/in.txt", ContentB64: b64("in")},
		{Path: "/etc/passwd", ContentB64: b64("root::0:0")},
		{Path: "../escape.txt", ContentB64: b64("x")},
	}, pol.FS)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(ws.Scratch, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(got))

	got, err = os.ReadFile(filepath.Join(ws.Scratch, "data", "in.txt"))
	require.NoError(t, err)
	assert.Equal(t, "in", string(got))

	require.Len(t, violations, 2)
	for _, v := range violations {
		assert.Equal(t, policy.KindFS, v.Kind)
	}
	assert.Contains(t, violations[0].Detail, "/etc/passwd")
	assert.NoFileExists(t, filepath.Join(ws.Root, "escape.txt"))
}

// A path the policy permits outside /work is written to the directory bound
// at that location and costs no violation.
func TestWorkspace_MaterializePermittedTmp(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	defer ws.Close()

	pol := defaultPolicy(t)
	require.True(t, pol.FS.Permits("/tmp/data.txt"))
	violations, err := ws.Materialize([]spell.File{
		{Path: "/tmp/data.txt", ContentB64: b64("payload")},
		{Path: "/tmp/nested/dir/x", ContentB64: b64("x")},
	}, pol.FS)
	require.NoError(t, err)
	assert.Empty(t, violations)

	got, err := os.ReadFile(filepath.Join(ws.Tmp, "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.FileExists(t, filepath.Join(ws.Tmp, "nested", "dir", "x"))
	assert.NoFileExists(t, filepath.Join(ws.Scratch, "data.txt"))
}

func TestWorkspace_MaterializePermittedButUnmounted(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Materialize([]spell.File{{Path: "/opt/tool.cfg", ContentB64: b64("x")}},
		policy.FSCapability{Default: policy.Allow})
	assert.ErrorIs(t, err, spell.ErrInvalidRequest)
}

func TestWorkspace_MaterializeBadContent(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Materialize([]spell.File{{Path: "x", ContentB64: "%%%"}}, defaultPolicy(t).FS)
	assert.Error(t, err)
}

func TestWorkspace_CloseRemovesReadOnlyTree(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	dir := filepath.Join(ws.Scratch, "ro")
	require.NoError(t, os.Mkdir(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o600))
	require.NoError(t, os.Chmod(dir, 0o500))

	require.NoError(t, ws.Close())
	assert.NoDirExists(t, ws.Root)
}

func TestWorkspace_HostPath(t *testing.T) {
	ws := &Workspace{Root: "/r", Scratch: "/r/scratch", Tmp: "/r/tmp"}

	p, ok := ws.HostPath("tool.wasm")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/r/scratch", "tool.wasm"), p)

	p, ok = ws.HostPath("/tmp/a/b")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/r/tmp", "a", "b"), p)

	_, ok = ws.HostPath("/usr/bin/tool.wasm")
	assert.False(t, ok)
}
