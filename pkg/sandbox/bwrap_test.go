package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

func noSymlinks(string) (string, error) { return "", errors.New("not a symlink") }

func indexOf(args []string, want ...string) int {
	for i := 0; i+len(want) <= len(args); i++ {
		match := true
		for j, w := range want {
			if args[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func TestBwrapBuilder_Isolated(t *testing.T) {
	args, err := (&BwrapBuilder{}).Build(bwrapSpec{
		Scratch:  "/tmp/run/scratch",
		Tmp:      "/tmp/run/tmp",
		Init:     "/usr/local/bin/magicrune",
		Env:      map[string]string{"B": "2", "A": "1", "PATH": "/custom"},
		Command:  "echo hi",
		Limits:   policy.Limits{MemoryBytes: 64 << 20, CPU: 1500 * time.Millisecond, PidsMax: 16},
		Readlink: noSymlinks,
	})
	require.NoError(t, err)

	for _, flag := range []string{"--unshare-user", "--unshare-pid", "--unshare-ipc", "--unshare-uts", "--unshare-net", "--die-with-parent", "--new-session", "--clearenv"} {
		assert.Contains(t, args, flag)
	}
	assert.Equal(t, []string{"--info-fd", "3", "--block-fd", "4"}, args[:4])
	assert.NotEqual(t, -1, indexOf(args, "--bind", "/tmp/run/scratch", "/work"))
	assert.NotEqual(t, -1, indexOf(args, "--bind", "/tmp/run/tmp", "/tmp"))
	assert.NotEqual(t, -1, indexOf(args, "--ro-bind-try", "/usr", "/usr"))
	assert.NotEqual(t, -1, indexOf(args, "--ro-bind", "/usr/local/bin/magicrune", initPath))
	assert.NotContains(t, args, "--tmpfs")
	assert.NotContains(t, args, "--seccomp")
	assert.Equal(t, -1, indexOf(args, "--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf"))

	a := indexOf(args, "--setenv", "A", "1")
	bIdx := indexOf(args, "--setenv", "B", "2")
	require.NotEqual(t, -1, a)
	assert.Less(t, a, bIdx)
	assert.NotEqual(t, -1, indexOf(args, "--setenv", "PATH", "/custom"))
	assert.NotEqual(t, -1, indexOf(args, "--setenv", "HOME", "/work"))

	tail := args[len(args)-8:]
	assert.Equal(t, []string{"--", initPath, initArg, "/bin/sh", "-c"}, tail[:5])
	assert.Equal(t, "magicrune-sh", tail[6])
	assert.Equal(t, "echo hi", tail[7])
	assert.Contains(t, tail[5], "ulimit -t 2")
	assert.NotContains(t, tail[5], "ulimit -v")
	assert.NotContains(t, tail[5], "ulimit -u")
}

func TestBwrapBuilder_SharedNetwork(t *testing.T) {
	args, err := (&BwrapBuilder{}).Build(bwrapSpec{
		Scratch:        "/s",
		ShareNet:       true,
		Command:        "true",
		Limits:         policy.Limits{PidsMax: 4},
		RlimitFallback: true,
		Readlink: func(p string) (string, error) {
			if p == "/bin" {
				return "usr/bin", nil
			}
			return "", errors.New("no")
		},
	})
	require.NoError(t, err)

	assert.NotContains(t, args, "--unshare-net")
	assert.NotContains(t, args, initArg)
	assert.NotEqual(t, -1, indexOf(args, "--tmpfs", "/tmp"))
	assert.NotEqual(t, -1, indexOf(args, "--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf"))
	assert.NotEqual(t, -1, indexOf(args, "--symlink", "usr/bin", "/bin"))
	assert.Equal(t, []string{"--", "/bin/sh", "-c"}, args[len(args)-6:len(args)-3])
	assert.True(t, strings.Contains(args[len(args)-3], "ulimit -u 4"))
}

func TestRlimitPrelude(t *testing.T) {
	l := policy.Limits{MemoryBytes: 512 << 20, CPU: 2 * time.Second, PidsMax: 8}

	withCgroup := rlimitPrelude(l, false)
	assert.Equal(t, `ulimit -t 2 2>/dev/null; exec /bin/sh -c "$1"`, withCgroup)

	fallback := rlimitPrelude(l, true)
	// the address space cap leaves room above the ceiling for the sampler
	assert.Contains(t, fallback, fmt.Sprintf("ulimit -v %d ", (2*(512<<20)+(64<<20))/1024))
	assert.Contains(t, fallback, "ulimit -u 8")
	assert.Greater(t, addressSpaceBackstop(l.MemoryBytes), l.MemoryBytes)
}

func TestBwrapBuilder_Rejects(t *testing.T) {
	_, err := (&BwrapBuilder{}).Build(bwrapSpec{Command: "true"})
	assert.Error(t, err)
	_, err = (&BwrapBuilder{}).Build(bwrapSpec{Scratch: "/s", Command: "  "})
	assert.Error(t, err)
}
