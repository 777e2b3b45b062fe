//go:build linux

package sandbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// exitInitFailed is the status of a sandbox init that could not hand over.
const exitInitFailed = 125

func init() {
	if len(os.Args) > 1 && os.Args[1] == initArg {
		os.Exit(sandboxInit(os.Args[2:]))
	}
}

// sandboxInit runs inside bwrap before the payload. It installs the seccomp
// filter with a user notification listener, passes the listener to the
// supervisor over notifyFD and executes argv. The payload never sees the
// listener or any inherited descriptor.
func sandboxInit(argv []string) int {
	runtime.LockOSThread()
	fail := func(step string, err error) int {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %s: %v\n", initArg, step, err)
		return exitInitFailed
	}
	if len(argv) == 0 {
		return fail("exec", errors.New("no command"))
	}

	filter := os.NewFile(filterFD, "seccomp")
	raw, err := io.ReadAll(filter)
	_ = filter.Close()
	if err != nil {
		return fail("read filter", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fail("no_new_privs", err)
	}
	listener, err := installListener(raw)
	if err != nil {
		return fail("seccomp", err)
	}
	if err := unix.Sendmsg(notifyFD, []byte{'L'}, unix.UnixRights(listener), nil, 0); err != nil {
		return fail("hand over listener", err)
	}
	_ = unix.Close(listener)
	if err := unix.CloseRange(3, ^uint(0), 0); err != nil {
		// kernels before 5.9
		for fd := 3; fd < 1024; fd++ {
			_ = unix.Close(fd)
		}
	}

	err = unix.Exec(argv[0], argv, os.Environ())
	_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", argv[0], err)
	return ExitCommandNotFound
}

// installListener loads an encoded sock_filter array on the calling thread
// and returns the notification descriptor.
func installListener(raw []byte) (int, error) {
	if len(raw) == 0 || len(raw)%8 != 0 {
		return -1, fmt.Errorf("malformed program of %d bytes", len(raw))
	}
	filters := make([]unix.SockFilter, len(raw)/8)
	for i := range filters {
		b := raw[i*8:]
		filters[i] = unix.SockFilter{
			Code: binary.LittleEndian.Uint16(b[0:2]),
			Jt:   b[2],
			Jf:   b[3],
			K:    binary.LittleEndian.Uint32(b[4:8]),
		}
	}
	prog := unix.SockFprog{Len: uint16(len(filters)), Filter: &filters[0]}
	fd, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		unix.SECCOMP_SET_MODE_FILTER,
		unix.SECCOMP_FILTER_FLAG_NEW_LISTENER,
		uintptr(unsafe.Pointer(&prog)))
	runtime.KeepAlive(filters)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}
