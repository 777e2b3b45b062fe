package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

func TestUsageSample_Tripped(t *testing.T) {
	limits := policy.Limits{CPU: time.Second, MemoryBytes: 64 << 20, PidsMax: 8}
	tests := []struct {
		name   string
		sample usageSample
		cgroup bool
		want   policy.ViolationKind
	}{
		{"idle", usageSample{CPU: time.Millisecond, Memory: 1 << 20, Procs: 1}, true, ""},
		{"oom kill", usageSample{OOMKills: 1}, true, policy.KindMemory},
		{"cgroup memory reading alone", usageSample{Memory: 128 << 20}, true, ""},
		{"proc rss over limit", usageSample{Memory: 128 << 20}, false, policy.KindMemory},
		{"pids max hit", usageSample{PidsMaxHits: 3}, true, policy.KindPids},
		{"proc count over limit", usageSample{Procs: 9}, false, policy.KindPids},
		{"cpu", usageSample{CPU: 2 * time.Second}, true, policy.KindCPU},
		{"memory wins over cpu", usageSample{OOMKills: 1, CPU: 2 * time.Second}, true, policy.KindMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, detail := tt.sample.tripped(limits, tt.cgroup)
			assert.Equal(t, tt.want, kind)
			if tt.want != "" {
				assert.NotEmpty(t, detail)
			}
		})
	}
}
