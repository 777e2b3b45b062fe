package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

func defaultPolicy(t *testing.T) *policy.ResolvedPolicy {
	t.Helper()
	p, err := policy.Default()
	require.NoError(t, err)
	return p
}

func newJob(t *testing.T, cmd string, pol *policy.ResolvedPolicy) *Job {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	req := spell.Request{Cmd: cmd, TimeoutSec: spell.DefaultTimeoutSec}
	return &Job{Request: req, Policy: pol, Workspace: ws, Timeout: effectiveTimeout(req, pol)}
}
