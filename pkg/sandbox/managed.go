package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

const (
	// wasmPageSize is the WebAssembly linear memory page size.
	wasmPageSize = 64 * 1024
	// DefaultStepsPerMs converts the policy CPU budget into a function-call budget.
	DefaultStepsPerMs = 10_000
)

// ManagedOptions configures the managed backend.
type ManagedOptions struct {
	// ModuleDir is searched for commands of the form "name.wasm" that are not
	// present in the request files.
	ModuleDir string
	// ShellModule is a WASI build of a POSIX shell. When set, commands that
	// are not .wasm modules run as `sh -c <cmd>` inside it.
	ShellModule string
	StepsPerMs  int64
	Logger      *slog.Logger
}

// ManagedBackend runs WASI modules in-process under wazero. Only the scratch
// directory is visible and there is no network.
type ManagedBackend struct {
	opts   ManagedOptions
	logger *slog.Logger
}

// NewManagedBackend creates a managed backend.
func NewManagedBackend(opts ManagedOptions) *ManagedBackend {
	if opts.StepsPerMs <= 0 {
		opts.StepsPerMs = DefaultStepsPerMs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagedBackend{opts: opts, logger: logger.With("component", "sandbox.managed")}
}

func (b *ManagedBackend) Name() BackendKind { return BackendManaged }

// Probe always succeeds: the runtime is linked into the binary.
func (b *ManagedBackend) Probe(context.Context) Capabilities {
	detail := map[string]string{"runtime": "wazero interpreter"}
	if b.opts.ShellModule != "" {
		detail["shell"] = b.opts.ShellModule
	}
	return Capabilities{Backend: BackendManaged, Available: true, Detail: detail}
}

// Run instantiates the module the command resolves to and waits for it to
// exit, trap, exhaust its step budget or reach the timeout.
func (b *ManagedBackend) Run(ctx context.Context, job *Job) (*Telemetry, error) {
	pol := job.Policy
	tel := &Telemetry{Backend: BackendManaged}
	stdout := newBoundedBuffer(pol.Limits.OutputBytes)
	stderr := newBoundedBuffer(pol.Limits.OutputBytes)
	finish := func() *Telemetry {
		tel.Stdout = stdout.Output()
		tel.Stderr = stderr.Output()
		if tel.State == "" {
			tel.State = StateCompleted
		}
		return tel
	}

	wasm, args, err := b.resolve(job)
	if err != nil {
		fmt.Fprintf(stderr, "magicrune: %v\n", err)
		tel.ExitCode = ExitCommandNotFound
		return finish(), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	cfg := wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true)
	if pol.Limits.MemoryBytes > 0 {
		pages := uint32(pol.Limits.MemoryBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(execCtx, cfg)
	defer func() { _ = r.Close(context.Background()) }()
	wasi_snapshot_preview1.MustInstantiate(execCtx, r)

	budget := &stepBudget{limit: pol.Limits.CPU.Milliseconds() * b.opts.StepsPerMs, cancel: cancel}
	compiled, err := r.CompileModule(experimental.WithFunctionListenerFactory(execCtx, budget), wasm)
	if err != nil {
		if isMemoryLimitError(err) {
			tel.State, tel.Limit = StateResourceExceeded, policy.KindMemory
			tel.ExitCode = ExitKilled
			tel.addViolation(policy.KindMemory, fmt.Sprintf("module memory exceeds %d MiB", pol.Limits.MemoryBytes>>20))
			return finish(), nil
		}
		fmt.Fprintf(stderr, "magicrune: invalid module: %v\n", err)
		tel.ExitCode = ExitInvalidModule
		return finish(), nil
	}

	// Clocks stay at wazero's deterministic defaults and randomness is seeded
	// from the request, so identical requests observe identical environments.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(args...).
		WithStdin(strings.NewReader(job.Request.Stdin)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithFSConfig(wazero.NewFSConfig().
			WithDirMount(job.Workspace.Scratch, policy.SandboxRoot).
			WithDirMount(job.Workspace.Tmp, tmpMount)).
		WithRandSource(rand.New(rand.NewSource(int64(job.Request.Seed))))
	keys := make([]string, 0, len(job.Request.Env))
	for k := range job.Request.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		modCfg = modCfg.WithEnv(k, job.Request.Env[k])
	}

	start := time.Now()
	mod, runErr := r.InstantiateModule(execCtx, compiled, modCfg)
	tel.Duration = time.Since(start)
	if mod != nil {
		_ = mod.Close(context.Background())
	}

	switch {
	case budget.exceeded.Load():
		tel.State, tel.Limit = StateResourceExceeded, policy.KindCPU
		tel.ExitCode = ExitKilled
		tel.addViolation(policy.KindCPU, fmt.Sprintf("cpu budget %s exceeded", pol.Limits.CPU))
	case execCtx.Err() != nil:
		tel.State, tel.Limit = StateTimedOut, policy.KindWall
		tel.ExitCode = ExitTimedOut
		tel.addViolation(policy.KindWall, fmt.Sprintf("wall-clock limit %s exceeded", job.Timeout))
	default:
		tel.ExitCode = managedExitCode(runErr, stderr)
	}
	return finish(), nil
}

// resolve maps the command to module bytes and argv. "x.wasm" loads from the
// scratch directory, then from ModuleDir; anything else needs ShellModule.
func (b *ManagedBackend) resolve(job *Job) ([]byte, []string, error) {
	fields := strings.Fields(job.Request.Cmd)
	if len(fields) == 0 {
		return nil, nil, errors.New("empty command")
	}
	name := fields[0]
	if strings.HasSuffix(name, ".wasm") {
		var candidates []string
		if p, ok := job.Workspace.HostPath(name); ok {
			candidates = append(candidates, p)
		}
		if b.opts.ModuleDir != "" {
			candidates = append(candidates, filepath.Join(b.opts.ModuleDir, filepath.Base(name)))
		}
		for _, p := range candidates {
			if data, err := os.ReadFile(p); err == nil {
				return data, fields, nil
			}
		}
		return nil, nil, fmt.Errorf("%s: command not found", name)
	}
	if b.opts.ShellModule != "" {
		data, err := os.ReadFile(b.opts.ShellModule)
		if err != nil {
			b.logger.Error("shell module unreadable", "path", b.opts.ShellModule, "error", err)
			return nil, nil, fmt.Errorf("%s: command not found", name)
		}
		return data, []string{"sh", "-c", job.Request.Cmd}, nil
	}
	return nil, nil, fmt.Errorf("%s: command not found", name)
}

// managedExitCode converts an instantiation result into an exit code. Traps
// are reported like a native SIGKILL and noted on stderr.
func managedExitCode(err error, stderr *boundedBuffer) int {
	if err == nil {
		return 0
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return int(exitErr.ExitCode())
	}
	fmt.Fprintf(stderr, "magicrune: trap: %v\n", err)
	return ExitKilled
}

func isMemoryLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "memory") && strings.Contains(msg, "limit")
}

// stepBudget counts function entries and cancels the run once the budget is
// spent. Loops without calls are bounded by the wall-clock timeout instead.
type stepBudget struct {
	limit    int64
	steps    atomic.Int64
	exceeded atomic.Bool
	cancel   context.CancelFunc
}

func (s *stepBudget) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return s
}

func (s *stepBudget) Before(context.Context, api.Module, api.FunctionDefinition, []uint64, experimental.StackIterator) {
	if s.limit <= 0 {
		return
	}
	if s.steps.Add(1) > s.limit && s.exceeded.CompareAndSwap(false, true) {
		s.cancel()
	}
}

func (s *stepBudget) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (s *stepBudget) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
