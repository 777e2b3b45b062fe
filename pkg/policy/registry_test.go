package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestRegistry_DefaultOnly(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)
	require.NoError(t, r.Reload())

	p, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyID, p.ID)

	_, err = r.Resolve("missing")
	assert.Equal(t, CodeUnresolved, CodeOf(err))
}

func TestRegistry_LoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "strict.yml", "version: 1\nlimits: {wall_sec: 5}\n")
	writePolicy(t, dir, "named.json", `{"version":1,"id":"ci"}`)
	writePolicy(t, dir, "README.md", "ignored")

	r, err := NewRegistry(dir)
	require.NoError(t, err)
	var reloaded []string
	r.OnReload(func(p *ResolvedPolicy) { reloaded = append(reloaded, p.ID) })
	require.NoError(t, r.Reload())

	assert.Equal(t, []string{"ci", "default", "strict"}, r.IDs())
	assert.ElementsMatch(t, []string{"ci", "strict"}, reloaded)

	p, err := r.Resolve("strict")
	require.NoError(t, err)
	assert.Equal(t, 5, int(p.Limits.Wall.Seconds()))
}

func TestRegistry_InvalidFileKeepsPreviousSet(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "ok.yaml", "version: 1\n")
	r, err := NewRegistry(dir)
	require.NoError(t, err)
	require.NoError(t, r.Reload())

	writePolicy(t, dir, "broken.yaml", "version: 1\nunknown: true\n")
	err = r.Reload()
	require.Error(t, err)
	assert.Equal(t, CodeSchemaInvalid, CodeOf(err))

	_, err = r.Resolve("ok")
	assert.NoError(t, err)
}

func TestRegistry_Register(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)
	p, err := Load([]byte("version: 1\nid: custom\n"))
	require.NoError(t, err)
	require.NoError(t, r.Register(p))

	got, err := r.Resolve("custom")
	require.NoError(t, err)
	assert.Same(t, p, got)
}
