package sandbox

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

// pollInterval is how often resource usage is sampled during a native run.
const pollInterval = 20 * time.Millisecond

// usageSample is one observation of the payload's resource usage, from the
// cgroup when available and from /proc otherwise.
type usageSample struct {
	CPU           time.Duration
	Memory        int64
	Procs         int
	OOMKills      int64
	MemoryMaxHits int64
	PidsMaxHits   int64
}

// tripped returns the first limit the sample exceeds, in a fixed order so
// that well-separated limits are reported deterministically.
func (s usageSample) tripped(l policy.Limits, cgroup bool) (policy.ViolationKind, string) {
	if s.OOMKills > 0 || (!cgroup && l.MemoryBytes > 0 && s.Memory > l.MemoryBytes) {
		return policy.KindMemory, fmt.Sprintf("memory limit %d MiB exceeded", l.MemoryBytes>>20)
	}
	if s.PidsMaxHits > 0 || (!cgroup && l.PidsMax > 0 && s.Procs > l.PidsMax) {
		return policy.KindPids, fmt.Sprintf("process limit %d exceeded", l.PidsMax)
	}
	if l.CPU > 0 && s.CPU > l.CPU {
		return policy.KindCPU, fmt.Sprintf("cpu budget %s exceeded", l.CPU)
	}
	return "", ""
}
