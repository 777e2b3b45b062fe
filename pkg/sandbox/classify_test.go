package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   []policy.ViolationKind
	}{
		{"empty", "", nil},
		{"benign", "warning: deprecated flag\n", nil},
		{"curl resolve", "curl: (6) Could not resolve host: example.com\n", []policy.ViolationKind{policy.KindNet}},
		{"python unreachable", "OSError: [Errno 101] Network is unreachable\n", []policy.ViolationKind{policy.KindNet}},
		{"write denied", "sh: 1: cannot create /etc/x: Permission denied\n", []policy.ViolationKind{policy.KindFS}},
		{"fork bomb", "sh: fork: retry: Resource temporarily unavailable\n", []policy.ViolationKind{policy.KindPids}},
		{"seccomp", "Bad system call (core dumped)\n", []policy.ViolationKind{policy.KindSyscall}},
		{"oom", "MemoryError\n", []policy.ViolationKind{policy.KindMemory}},
		{
			"several kinds once each",
			"Permission denied\ncould not resolve host: a\npermission denied again\n",
			[]policy.ViolationKind{policy.KindFS, policy.KindNet},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var kinds []policy.ViolationKind
			for _, v := range classifyStderr([]byte(tt.stderr)) {
				kinds = append(kinds, v.Kind)
			}
			assert.Equal(t, tt.want, kinds)
		})
	}
}

func TestClassifyStderr_DetailIsBounded(t *testing.T) {
	line := "permission denied " + string(make([]byte, 500))
	v := classifyStderr([]byte(line))
	if assert.Len(t, v, 1) {
		assert.LessOrEqual(t, len(v[0].Detail), 203)
	}
}
