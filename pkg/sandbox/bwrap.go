package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

// Descriptor numbers seen by bwrap and the sandbox init, in
// exec.Cmd.ExtraFiles order.
const (
	infoFD   = 3 // bwrap reports {"child-pid": N}
	blockFD  = 4 // bwrap waits for one byte before executing the command
	filterFD = 5 // encoded seccomp program
	notifyFD = 6 // unix socket to the supervisor
)

// initArg marks a re-execution of the current binary as the sandbox init.
const initArg = "magicrune-sandbox-init"

// initPath is where the current binary is mounted inside the sandbox.
const initPath = "/run/magicrune/init"

// defaultSandboxEnv is set before request env, which may override it.
var defaultSandboxEnv = map[string]string{
	"PATH":   "/usr/local/bin:/usr/bin:/bin",
	"HOME":   policy.SandboxRoot,
	"TMPDIR": "/tmp",
	"LANG":   "C.UTF-8",
}

// readOnlySystemDirs are bound read-only from the host when present.
var readOnlySystemDirs = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc/alternatives", "/etc/ld.so.cache"}

// networkFiles are needed for name resolution when the network is shared.
var networkFiles = []string{"/etc/resolv.conf", "/etc/hosts", "/etc/nsswitch.conf", "/etc/ssl", "/etc/ca-certificates"}

// bwrapSpec describes one sandboxed invocation.
type bwrapSpec struct {
	Scratch string
	// Tmp is bound at /tmp; a private tmpfs is used when empty.
	Tmp      string
	ShareNet bool
	// Init is the host binary run as sandbox init to install the seccomp
	// filter; the command runs directly when empty.
	Init    string
	Env     map[string]string
	Command string
	Limits  policy.Limits
	// RlimitFallback applies address-space and process rlimits because no
	// cgroup holds the ceilings.
	RlimitFallback bool
	// Readlink resolves host symlinks such as /bin -> usr/bin; os.Readlink when nil.
	Readlink func(string) (string, error)
}

// BwrapBuilder builds bubblewrap command-line arguments.
type BwrapBuilder struct {
	args []string
}

// Build constructs the bwrap argument vector (without the bwrap binary).
func (b *BwrapBuilder) Build(spec bwrapSpec) ([]string, error) {
	if spec.Scratch == "" {
		return nil, fmt.Errorf("scratch directory is required")
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	readlink := spec.Readlink
	if readlink == nil {
		readlink = os.Readlink
	}

	b.args = []string{
		"--info-fd", fmt.Sprint(infoFD),
		"--block-fd", fmt.Sprint(blockFD),
	}
	b.addNamespaces(spec.ShareNet)
	b.args = append(b.args, "--die-with-parent", "--new-session")
	b.addSystemMounts(readlink)
	if spec.ShareNet {
		for _, f := range networkFiles {
			b.args = append(b.args, "--ro-bind-try", f, f)
		}
	}
	b.args = append(b.args, "--proc", "/proc", "--dev", "/dev")
	if spec.Tmp != "" {
		b.args = append(b.args, "--bind", spec.Tmp, "/tmp")
	} else {
		b.args = append(b.args, "--tmpfs", "/tmp")
	}
	b.args = append(b.args,
		"--bind", spec.Scratch, policy.SandboxRoot,
		"--chdir", policy.SandboxRoot,
	)
	if spec.Init != "" {
		b.args = append(b.args, "--ro-bind", spec.Init, initPath)
	}
	b.addEnv(spec.Env)

	b.args = append(b.args, "--")
	if spec.Init != "" {
		b.args = append(b.args, initPath, initArg)
	}
	b.args = append(b.args, "/bin/sh", "-c", rlimitPrelude(spec.Limits, spec.RlimitFallback), "magicrune-sh", spec.Command)
	return b.args, nil
}

func (b *BwrapBuilder) addNamespaces(shareNet bool) {
	b.args = append(b.args,
		"--unshare-user",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-cgroup-try",
	)
	if !shareNet {
		b.args = append(b.args, "--unshare-net")
	}
	b.args = append(b.args, "--hostname", "magicrune")
}

func (b *BwrapBuilder) addSystemMounts(readlink func(string) (string, error)) {
	for _, dir := range readOnlySystemDirs {
		if target, err := readlink(dir); err == nil {
			// merged-/usr hosts: recreate the symlink instead of binding it
			b.args = append(b.args, "--symlink", target, dir)
			continue
		}
		b.args = append(b.args, "--ro-bind-try", dir, dir)
	}
}

func (b *BwrapBuilder) addEnv(reqEnv map[string]string) {
	env := make(map[string]string, len(defaultSandboxEnv)+len(reqEnv))
	for k, v := range defaultSandboxEnv {
		env[k] = v
	}
	for k, v := range reqEnv {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.args = append(b.args, "--clearenv")
	for _, k := range keys {
		b.args = append(b.args, "--setenv", k, env[k])
	}
}

// rlimitPrelude is the shell snippet run before the payload. The CPU rlimit
// always applies. Without a cgroup, the address space is capped at
// addressSpaceBackstop and the process count at PidsMax; the resident memory
// ceiling itself is enforced by sampling, so a payload is stopped by the
// sampler rather than by a refused allocation it could catch. Failures to set
// a limit are ignored.
func rlimitPrelude(l policy.Limits, fallback bool) string {
	var b strings.Builder
	if fallback && l.MemoryBytes > 0 {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", addressSpaceBackstop(l.MemoryBytes)/1024)
	}
	if l.CPU > 0 {
		secs := int64((l.CPU + time.Second - 1) / time.Second)
		fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", secs)
	}
	if fallback && l.PidsMax > 0 {
		fmt.Fprintf(&b, "ulimit -u %d 2>/dev/null; ", l.PidsMax)
	}
	b.WriteString(`exec /bin/sh -c "$1"`)
	return b.String()
}

// addressSpaceBackstop is the RLIMIT_AS used without a cgroup: twice the
// memory ceiling plus room for the interpreter.
func addressSpaceBackstop(memory int64) int64 {
	return 2*memory + 64<<20
}
