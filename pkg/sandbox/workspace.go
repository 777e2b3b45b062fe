package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// tmpMount is the sandbox path backed by Workspace.Tmp.
const tmpMount = "/tmp"

// Workspace is the per-run host directory tree. Scratch is mounted at
// policy.SandboxRoot and Tmp at /tmp; they are the only writable locations
// visible to the payload.
type Workspace struct {
	Root    string
	Scratch string
	Tmp     string
}

// NewWorkspace creates a fresh workspace under baseDir (os.TempDir if empty).
func NewWorkspace(baseDir string) (*Workspace, error) {
	root, err := os.MkdirTemp(baseDir, "magicrune-run-")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create workspace: %w", err)
	}
	ws := &Workspace{
		Root:    root,
		Scratch: filepath.Join(root, "scratch"),
		Tmp:     filepath.Join(root, "tmp"),
	}
	for _, dir := range []string{ws.Scratch, ws.Tmp} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("sandbox: create %s: %w", filepath.Base(dir), err)
		}
	}
	return ws, nil
}

// Materialize writes the request files into the workspace. Relative paths
// resolve under SandboxRoot. A path the policy FS allow-list does not permit,
// or a relative path escaping SandboxRoot, is not written and is reported as
// an fs violation. A permitted path outside every writable mount cannot be
// provided and is rejected as invalid input.
func (w *Workspace) Materialize(files []spell.File, fs policy.FSCapability) ([]Violation, error) {
	var violations []Violation
	for _, f := range files {
		sandboxPath := policy.CleanPath(f.Path)
		absolute := strings.HasPrefix(f.Path, "/")
		hostPath, mounted := w.HostPath(sandboxPath)
		if !absolute && !strings.HasPrefix(sandboxPath, policy.SandboxRoot+"/") || absolute && !fs.Permits(sandboxPath) {
			violations = append(violations, Violation{
				Kind:   policy.KindFS,
				Detail: fmt.Sprintf("input file %s denied by policy", sandboxPath),
			})
			continue
		}
		if !mounted {
			return violations, fmt.Errorf("%w: input file %s: no writable mount in the sandbox", spell.ErrInvalidRequest, sandboxPath)
		}
		content, err := f.Content()
		if err != nil {
			return violations, err
		}
		if err := os.MkdirAll(filepath.Dir(hostPath), 0o700); err != nil {
			return violations, fmt.Errorf("%w: materialize %s: %v", spell.ErrInvalidRequest, sandboxPath, err)
		}
		if err := os.WriteFile(hostPath, content, 0o600); err != nil {
			return violations, fmt.Errorf("%w: materialize %s: %v", spell.ErrInvalidRequest, sandboxPath, err)
		}
	}
	return violations, nil
}

// HostPath maps a sandbox path under SandboxRoot or /tmp to the workspace.
func (w *Workspace) HostPath(sandboxPath string) (string, bool) {
	p := policy.CleanPath(sandboxPath)
	for _, m := range []struct{ mount, dir string }{
		{policy.SandboxRoot, w.Scratch},
		{tmpMount, w.Tmp},
	} {
		if rel, ok := strings.CutPrefix(p, m.mount+"/"); ok && m.dir != "" {
			return filepath.Join(m.dir, filepath.FromSlash(rel)), true
		}
	}
	return "", false
}

// Close removes the workspace and everything the payload left in it.
func (w *Workspace) Close() error {
	if w == nil || w.Root == "" {
		return nil
	}
	// payloads may leave read-only directories behind
	_ = filepath.WalkDir(w.Root, func(p string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(w.Root)
}
