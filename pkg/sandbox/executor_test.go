package sandbox

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

type fakeBackend struct {
	kind BackendKind
	caps Capabilities
	tel  Telemetry
	err  error
	runs int
	seen []string
}

func (f *fakeBackend) Name() BackendKind { return f.kind }

func (f *fakeBackend) Probe(context.Context) Capabilities { return f.caps }

func (f *fakeBackend) Run(_ context.Context, job *Job) (*Telemetry, error) {
	f.runs++
	entries, _ := os.ReadDir(job.Workspace.Scratch)
	for _, e := range entries {
		f.seen = append(f.seen, e.Name())
	}
	if f.err != nil {
		return nil, f.err
	}
	tel := f.tel
	tel.Backend = f.kind
	if tel.State == "" {
		tel.State = StateCompleted
	}
	return &tel, nil
}

func newFakes() (*fakeBackend, *fakeBackend) {
	native := &fakeBackend{kind: BackendNative, caps: Capabilities{Backend: BackendNative, Available: true}}
	managed := &fakeBackend{kind: BackendManaged, caps: Capabilities{Backend: BackendManaged, Available: true}}
	return native, managed
}

func newTestExecutor(t *testing.T, native, managed Backend, opts ...ExecutorOption) *Executor {
	t.Helper()
	base := []ExecutorOption{WithNativeBackend(native), WithManagedBackend(managed), WithWorkDir(t.TempDir())}
	return NewExecutor(append(base, opts...)...)
}

func TestExecutor_PrefersNative(t *testing.T) {
	native, managed := newFakes()
	native.tel = Telemetry{ExitCode: 0, Stdout: Output{Data: []byte("ok")}}

	tel, err := newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "echo ok"}, defaultPolicy(t))
	require.NoError(t, err)

	assert.Equal(t, 1, native.runs)
	assert.Zero(t, managed.runs)
	assert.Equal(t, BackendNative, tel.Backend)
	assert.False(t, tel.Degraded)
	assert.Equal(t, []State{StateInit, StateProvisioning, StateRunning, StateCompleted, StateFinalized}, tel.Trail)
}

func TestExecutor_FallsBackWhenNativeUnavailable(t *testing.T) {
	native, managed := newFakes()
	native.caps = Capabilities{Backend: BackendNative, Detail: map[string]string{"bwrap": "not found on PATH"}}

	tel, err := newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "x"}, defaultPolicy(t))
	require.NoError(t, err)

	assert.Zero(t, native.runs)
	assert.Equal(t, 1, managed.runs)
	assert.Equal(t, BackendManaged, tel.Backend)
	assert.True(t, tel.Degraded)
	assert.Contains(t, tel.Trail, StateIsolationFailed)
	require.NotEmpty(t, tel.Warnings)
	assert.Contains(t, tel.Warnings[len(tel.Warnings)-1], "bwrap")
}

func TestExecutor_FallsBackOnIsolationError(t *testing.T) {
	native, managed := newFakes()
	native.err = &IsolationError{Backend: BackendNative, Reason: "bwrap: setting up uid map: Permission denied"}

	tel, err := newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "x"}, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, 1, native.runs)
	assert.Equal(t, 1, managed.runs)
	assert.True(t, tel.Degraded)
}

func TestExecutor_MandatoryNeverFallsBack(t *testing.T) {
	native, managed := newFakes()
	native.err = &IsolationError{Backend: BackendNative, Reason: "mandatory isolation missing cgroup"}
	pol := defaultPolicy(t)
	pol.Isolation.Native = policy.NativeMandatory

	_, err := newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "x"}, pol)
	var isoErr *IsolationError
	require.ErrorAs(t, err, &isoErr)
	assert.Zero(t, managed.runs)

	// forcing the managed backend does not override a mandatory policy
	native, managed = newFakes()
	_, err = newTestExecutor(t, native, managed, WithForceManaged(true)).Execute(context.Background(), spell.Request{Cmd: "x"}, pol)
	require.ErrorAs(t, err, &isoErr)
	assert.Contains(t, isoErr.Reason, "mandatory")
	assert.Zero(t, native.runs)
	assert.Zero(t, managed.runs)
}

func TestExecutor_FallbackForbidden(t *testing.T) {
	native, managed := newFakes()
	native.caps.Available = false
	pol := defaultPolicy(t)
	pol.Isolation.AllowFallback = false

	_, err := newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "x"}, pol)
	assert.Error(t, err)
	assert.Zero(t, managed.runs)
}

func TestExecutor_ManagedWhenForcedOrDisabled(t *testing.T) {
	native, managed := newFakes()
	tel, err := newTestExecutor(t, native, managed, WithForceManaged(true)).Execute(context.Background(), spell.Request{Cmd: "x"}, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, BackendManaged, tel.Backend)
	assert.False(t, tel.Degraded)

	native, managed = newFakes()
	pol := defaultPolicy(t)
	pol.Isolation.Native = policy.NativeDisabled
	tel, err = newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "x"}, pol)
	require.NoError(t, err)
	assert.Equal(t, BackendManaged, tel.Backend)
	assert.Zero(t, native.runs)
	assert.NotContains(t, tel.Trail, StateIsolationFailed)
}

func TestExecutor_InternalErrorPropagates(t *testing.T) {
	native, managed := newFakes()
	native.err = errors.New("boom")

	_, err := newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "x"}, defaultPolicy(t))
	assert.EqualError(t, err, "boom")
	assert.Zero(t, managed.runs)
}

func TestExecutor_MaterializesAndCleansUp(t *testing.T) {
	native, managed := newFakes()
	workDir := t.TempDir()
	req := spell.Request{Cmd: "cat in.txt", Files: []spell.File{
		{Path: "in.txt", ContentB64: b64("x")},
		{Path: "/etc/shadow", ContentB64: b64("x")},
	}}
	native.tel = Telemetry{Stderr: Output{Data: []byte("curl: (6) Could not resolve host: a\n")}}

	tel, err := NewExecutor(WithNativeBackend(native), WithManagedBackend(managed), WithWorkDir(workDir)).
		Execute(context.Background(), req, defaultPolicy(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"in.txt"}, native.seen)
	assert.Equal(t, []policy.ViolationKind{policy.KindFS, policy.KindNet}, tel.ViolationKinds())
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace left behind: %v", entries)
}

func TestExecutor_DerivedViolations(t *testing.T) {
	native, managed := newFakes()
	native.tel = Telemetry{ExitCode: exitSIGSYS}
	tel, err := newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "x"}, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, []policy.ViolationKind{policy.KindSyscall}, tel.ViolationKinds())

	native, managed = newFakes()
	native.tel = Telemetry{ExitCode: 1, Stderr: Output{Data: []byte("MemoryError\n")}}
	tel, err = newTestExecutor(t, native, managed).Execute(context.Background(), spell.Request{Cmd: "x"}, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, StateResourceExceeded, tel.State)
	assert.Equal(t, policy.KindMemory, tel.Limit)
}
