//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

const (
	probeTimeout = 5 * time.Second
	// startTimeout bounds the handshake with bwrap and the sandbox init.
	startTimeout = 10 * time.Second
)

func (b *NativeBackend) probe(ctx context.Context) Capabilities {
	caps := Capabilities{Backend: BackendNative, Detail: map[string]string{}}

	path := b.opts.BwrapPath
	if path == "" {
		var err error
		if path, err = exec.LookPath("bwrap"); err != nil {
			caps.Detail["bwrap"] = "not found on PATH"
			return caps
		}
	}
	b.bwrap = path
	caps.Detail["bwrap"] = path

	if err := userNamespacesEnabled(ctx, path); err != nil {
		caps.Detail["userns"] = err.Error()
		return caps
	}
	caps.Available = true

	if err := cgroupDelegated(b.opts.CgroupParent); err != nil {
		caps.Missing = append(caps.Missing, primitiveCgroup)
		caps.Detail[primitiveCgroup] = err.Error()
	}
	if reason := b.probeSeccomp(); reason != "" {
		caps.Missing = append(caps.Missing, primitiveSeccomp)
		caps.Detail[primitiveSeccomp] = reason
	}
	return caps
}

// probeSeccomp records the sandbox init binary and returns why seccomp
// supervision cannot be used, or "".
func (b *NativeBackend) probeSeccomp() string {
	if !SeccompSupported() {
		return "no syscall table for this architecture"
	}
	if err := userNotifySupported(); err != nil {
		return fmt.Sprintf("seccomp user notification unavailable: %v", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Sprintf("locate sandbox init: %v", err)
	}
	b.init = exe
	return ""
}

// userNamespacesEnabled checks the sysctls some distributions use to disable
// unprivileged user namespaces, then tries one.
func userNamespacesEnabled(ctx context.Context, bwrap string) error {
	for _, knob := range []string{
		"/proc/sys/kernel/unprivileged_userns_clone",
		"/proc/sys/user/max_user_namespaces",
	} {
		if b, err := os.ReadFile(knob); err == nil && strings.TrimSpace(string(b)) == "0" {
			return fmt.Errorf("disabled by %s", knob)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, bwrap, "--unshare-user", "--ro-bind", "/", "/", "--", "true").CombinedOutput()
	if err != nil {
		return fmt.Errorf("trial sandbox failed: %s", firstLine(out, err))
	}
	return nil
}

func firstLine(out []byte, err error) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return err.Error()
	}
	return line
}

func (b *NativeBackend) run(ctx context.Context, job *Job, caps Capabilities) (*Telemetry, error) {
	pol := job.Policy
	useCgroup := !contains(caps.Missing, primitiveCgroup)
	useSeccomp := !contains(caps.Missing, primitiveSeccomp) && b.init != ""
	shareNet := pol.NetworkGranted(job.Request)
	tel := &Telemetry{
		Backend:  BackendNative,
		Degraded: len(caps.Missing) > 0,
	}
	for _, m := range caps.Missing {
		tel.Warnings = append(tel.Warnings, fmt.Sprintf("native isolation without %s: %s", m, caps.Detail[m]))
	}

	spec := bwrapSpec{
		Scratch:        job.Workspace.Scratch,
		Tmp:            job.Workspace.Tmp,
		ShareNet:       shareNet,
		Env:            job.Request.Env,
		Command:        job.Request.Cmd,
		Limits:         pol.Limits,
		RlimitFallback: !useCgroup,
	}
	if useSeccomp {
		spec.Init = b.init
	}
	args, err := (&BwrapBuilder{}).Build(spec)
	if err != nil {
		return nil, &IsolationError{Backend: BackendNative, Reason: "build sandbox arguments", Err: err}
	}

	cmd := exec.Command(b.bwrap, args...)
	cmd.Dir = job.Workspace.Scratch
	cmd.Env = []string{}
	cmd.Stdin = strings.NewReader(job.Request.Stdin)
	stdout := newBoundedBuffer(pol.Limits.OutputBytes)
	stderr := newBoundedBuffer(pol.Limits.OutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}

	// Without a cgroup the filter refuses single mappings above the ceiling.
	var memCeiling uint64
	if !useCgroup && pol.Limits.MemoryBytes > 0 {
		memCeiling = uint64(pol.Limits.MemoryBytes)
	}
	files, err := newSandboxFiles(job.Workspace.Root, useSeccomp, memCeiling)
	if err != nil {
		return nil, &IsolationError{Backend: BackendNative, Reason: "prepare sandbox descriptors", Err: err}
	}
	defer files.Close()
	cmd.ExtraFiles = files.child()

	var leaf *cgroupLeaf
	if useCgroup {
		if leaf, err = newCgroupLeaf(b.opts.CgroupParent, pol.Limits); err != nil {
			return nil, &IsolationError{Backend: BackendNative, Reason: "create cgroup", Err: err}
		}
		defer func() {
			if err := leaf.Remove(); err != nil {
				b.logger.Warn("cgroup cleanup failed", "error", err)
			}
		}()
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = leaf.FD()
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &IsolationError{Backend: BackendNative, Reason: "start bwrap", Err: err}
	}
	files.closeChild()
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	kill := func() {
		if leaf != nil {
			_ = leaf.Kill()
		}
		for _, p := range procTree(pid) {
			_ = unix.Kill(p, unix.SIGKILL)
		}
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
	// abort is only used before the payload was released, so everything on
	// stderr so far came from bwrap or the sandbox init.
	abort := func(fallback string, cause error) (*Telemetry, error) {
		kill()
		<-done
		reason := fallback
		if line, _, _ := strings.Cut(strings.TrimSpace(stderr.String()), "\n"); line != "" {
			reason = line
		}
		return nil, &IsolationError{Backend: BackendNative, Reason: reason, Err: cause}
	}

	startCtx, cancelStart := context.WithTimeout(ctx, startTimeout)
	defer cancelStart()

	childPID, err := awaitChildPID(startCtx, files.info)
	if err != nil {
		return abort("bwrap exited before starting the sandbox", err)
	}
	var counters *netCounters
	if !shareNet {
		if counters, err = openNetCounters(childPID); err != nil {
			tel.Warnings = append(tel.Warnings, fmt.Sprintf("network attempt counters unavailable: %v", err))
		} else {
			defer counters.Close()
		}
	}
	if err := files.release(); err != nil {
		return abort("sandbox exited before the command was released", err)
	}

	memTrip := make(chan struct{}, 1)
	var sup *supervisor
	if useSeccomp {
		listener, err := awaitListener(startCtx, files.notify)
		if err != nil {
			return abort("sandbox init failed", err)
		}
		sup = newSupervisor(listener, pol.Isolation.Seccomp, func(int32, uint64) {
			select {
			case memTrip <- struct{}{}:
			default:
			}
		})
		sup.Start()
		defer sup.Stop()
	}
	cancelStart()

	timer := time.NewTimer(job.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	memoryExceeded := fmt.Sprintf("memory limit %d MiB exceeded", pol.Limits.MemoryBytes>>20)
	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-timer.C:
			tel.State, tel.Limit = StateTimedOut, policy.KindWall
		case <-ctx.Done():
			tel.State, tel.Limit = StateTimedOut, policy.KindWall
		case <-memTrip:
			tel.State, tel.Limit = StateResourceExceeded, policy.KindMemory
			tel.addViolation(policy.KindMemory, memoryExceeded)
		case <-ticker.C:
			var s usageSample
			if leaf != nil {
				s = leaf.Sample()
			} else {
				s = sampleProcTree(pid)
			}
			kind, detail := s.tripped(pol.Limits, leaf != nil)
			if kind == "" {
				continue
			}
			tel.State, tel.Limit = StateResourceExceeded, kind
			tel.addViolation(kind, detail)
		}
		kill()
		waitErr = <-done
		break
	}
	tel.Duration = time.Since(start)
	tel.Stdout = stdout.Output()
	tel.Stderr = stderr.Output()
	tel.ExitCode = exitStatus(cmd.ProcessState, waitErr)

	if sup != nil {
		sup.Stop()
		nrs, counts := sup.Denied()
		for _, nr := range nrs {
			tel.addViolation(policy.KindSyscall, fmt.Sprintf("syscall %d denied (%d calls)", nr, counts[nr]))
		}
	}
	if counters != nil {
		switch attempts, err := counters.Attempts(); {
		case err != nil:
			tel.Warnings = append(tel.Warnings, fmt.Sprintf("network attempt counters unreadable: %v", err))
		case attempts != "":
			tel.addViolation(policy.KindNet, attempts)
		}
	}

	switch tel.State {
	case StateTimedOut:
		tel.ExitCode = ExitTimedOut
		tel.addViolation(policy.KindWall, fmt.Sprintf("wall-clock limit %s exceeded", job.Timeout))
	case StateResourceExceeded:
	default:
		tel.State = StateCompleted
		memoryHit := false
		if leaf != nil {
			memoryHit = leaf.Sample().OOMKills > 0
		} else if pol.Limits.MemoryBytes > 0 {
			memoryHit = peakRSS(cmd.ProcessState) > pol.Limits.MemoryBytes
		}
		if memoryHit {
			tel.State, tel.Limit = StateResourceExceeded, policy.KindMemory
			tel.addViolation(policy.KindMemory, memoryExceeded)
		}
	}
	return tel, nil
}

// awaitChildPID reads the child pid bwrap reports on its info descriptor.
// bwrap writes it only after the sandbox process exists, through a descriptor
// the payload never holds.
func awaitChildPID(ctx context.Context, info io.Reader) (int, error) {
	type result struct {
		pid int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var msg struct {
			ChildPID int `json:"child-pid"`
		}
		err := json.NewDecoder(info).Decode(&msg)
		ch <- result{msg.ChildPID, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return 0, r.err
		}
		if r.pid <= 0 {
			return 0, errors.New("no child pid reported")
		}
		return r.pid, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// awaitListener receives the seccomp listener the sandbox init sends before
// it executes the command.
func awaitListener(ctx context.Context, sock int) (int, error) {
	type result struct {
		fd  int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 1)
		oob := make([]byte, unix.CmsgSpace(4))
		_, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
		if err != nil {
			ch <- result{-1, err}
			return
		}
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			ch <- result{-1, err}
			return
		}
		if len(msgs) == 0 {
			ch <- result{-1, errors.New("no listener received")}
			return
		}
		fds, err := unix.ParseUnixRights(&msgs[0])
		if err != nil || len(fds) == 0 {
			ch <- result{-1, fmt.Errorf("no listener received: %v", err)}
			return
		}
		for _, extra := range fds[1:] {
			_ = unix.Close(extra)
		}
		ch <- result{fds[0], nil}
	}()
	select {
	case r := <-ch:
		return r.fd, r.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// sandboxFiles holds both ends of the descriptors passed to bwrap.
type sandboxFiles struct {
	info, infoChild   *os.File
	block, blockChild *os.File
	filter            *os.File
	notify            int
	notifyChild       *os.File
}

func newSandboxFiles(root string, seccomp bool, memCeiling uint64) (*sandboxFiles, error) {
	f := &sandboxFiles{notify: -1}
	var err error
	if f.info, f.infoChild, err = os.Pipe(); err != nil {
		return nil, err
	}
	if f.blockChild, f.block, err = os.Pipe(); err != nil {
		f.Close()
		return nil, err
	}
	if !seccomp {
		return f, nil
	}
	if f.filter, err = seccompFile(root, memCeiling); err != nil {
		f.Close()
		return nil, fmt.Errorf("seccomp filter: %w", err)
	}
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.notify = pair[0]
	f.notifyChild = os.NewFile(uintptr(pair[1]), "notify")
	return f, nil
}

// child returns the descriptors in the order of infoFD, blockFD, filterFD
// and notifyFD.
func (f *sandboxFiles) child() []*os.File {
	files := []*os.File{f.infoChild, f.blockChild}
	if f.filter != nil {
		files = append(files, f.filter, f.notifyChild)
	}
	return files
}

// closeChild drops the ends the started process now holds.
func (f *sandboxFiles) closeChild() {
	for _, c := range []*os.File{f.infoChild, f.blockChild, f.filter, f.notifyChild} {
		if c != nil {
			_ = c.Close()
		}
	}
	f.infoChild, f.blockChild, f.filter, f.notifyChild = nil, nil, nil, nil
}

// release lets bwrap execute the command.
func (f *sandboxFiles) release() error {
	_, err := f.block.Write([]byte{1})
	if cerr := f.block.Close(); err == nil {
		err = cerr
	}
	f.block = nil
	return err
}

func (f *sandboxFiles) Close() {
	f.closeChild()
	for _, c := range []*os.File{f.info, f.block} {
		if c != nil {
			_ = c.Close()
		}
	}
	f.info, f.block = nil, nil
	if f.notify >= 0 {
		_ = unix.Close(f.notify)
		f.notify = -1
	}
}

// seccompFile writes the encoded filter to an unlinked file in the workspace
// root, which the sandbox init reads from filterFD.
func seccompFile(root string, memCeiling uint64) (*os.File, error) {
	prog, err := nativeSeccompProgram(memCeiling)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(root, "seccomp-*.bpf")
	if err != nil {
		return nil, err
	}
	_ = os.Remove(f.Name())
	if _, err := f.Write(prog); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// peakRSS is the largest resident set of the process tree in bytes, as
// reported by wait4.
func peakRSS(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		return ru.Maxrss * 1024
	}
	return 0
}

// exitStatus maps a wait result to a shell-style exit code.
func exitStatus(state *os.ProcessState, waitErr error) int {
	if state == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
