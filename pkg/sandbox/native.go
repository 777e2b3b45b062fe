package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

// Isolation primitives reported in Capabilities.Missing.
const (
	primitiveCgroup  = "cgroup"
	primitiveSeccomp = "seccomp"
)

// NativeOptions configures the native backend.
type NativeOptions struct {
	// BwrapPath is the bubblewrap binary; looked up on PATH when empty.
	BwrapPath string
	// CgroupParent is a delegated cgroup v2 directory under which per-run
	// leaves are created. Without it limits fall back to rlimits and polling.
	CgroupParent string
	Logger       *slog.Logger
}

// NativeBackend runs commands under bubblewrap on Linux.
type NativeBackend struct {
	opts   NativeOptions
	logger *slog.Logger

	once  sync.Once
	caps  Capabilities
	bwrap string
	// init is the host binary mounted as sandbox init; empty without seccomp.
	init string
}

// NewNativeBackend creates a native backend. Probing is deferred to first use.
func NewNativeBackend(opts NativeOptions) *NativeBackend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NativeBackend{
		opts:   opts,
		logger: logger.With("component", "sandbox.native"),
	}
}

func (b *NativeBackend) Name() BackendKind { return BackendNative }

// Probe inspects the host once and caches the answer.
func (b *NativeBackend) Probe(ctx context.Context) Capabilities {
	b.once.Do(func() {
		b.caps = b.probe(ctx)
		b.logger.Info("native isolation probed",
			"available", b.caps.Available,
			"missing", strings.Join(b.caps.Missing, ","),
		)
	})
	return b.caps
}

// Run executes the job under bubblewrap. It refuses to run when isolation is
// mandatory and any primitive is missing.
func (b *NativeBackend) Run(ctx context.Context, job *Job) (*Telemetry, error) {
	caps := b.Probe(ctx)
	if !caps.Available {
		return nil, &IsolationError{Backend: BackendNative, Reason: unavailableReason(caps)}
	}
	if job.Policy.Isolation.Native == policy.NativeMandatory && len(caps.Missing) > 0 {
		return nil, &IsolationError{
			Backend: BackendNative,
			Reason:  fmt.Sprintf("mandatory isolation missing %s", strings.Join(caps.Missing, ", ")),
		}
	}
	return b.run(ctx, job, caps)
}

func unavailableReason(caps Capabilities) string {
	for _, k := range []string{"os", "bwrap", "userns"} {
		if d, ok := caps.Detail[k]; ok {
			return k + ": " + d
		}
	}
	return "native isolation unavailable"
}
