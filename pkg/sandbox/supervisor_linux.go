//go:build linux

package sandbox

import (
	"errors"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

// struct seccomp_data, seccomp_notif and seccomp_notif_resp from
// <linux/seccomp.h>; x/sys/unix only carries the ioctl numbers.
type seccompData struct {
	Nr                 int32
	Arch               uint32
	InstructionPointer uint64
	Args               [6]uint64
}

type seccompNotif struct {
	ID    uint64
	Pid   uint32
	Flags uint32
	Data  seccompData
}

type seccompNotifResp struct {
	ID    uint64
	Val   int64
	Error int32
	Flags uint32
}

// supervisorPoll is how long one poll on the listener waits, in milliseconds.
const supervisorPoll = 50

// supervisor answers the seccomp notifications of one run. Every notification
// is a syscall the payload was not allowed to make; it is recorded before the
// payload learns the answer, so the payload cannot hide it.
type supervisor struct {
	fd     int
	action policy.SeccompAction
	// onMemory is called once when a guarded allocation exceeds the ceiling.
	onMemory func(nr int32, length uint64)

	mu      sync.Mutex
	denied  map[int32]int
	memHits int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSupervisor(fd int, action policy.SeccompAction, onMemory func(int32, uint64)) *supervisor {
	return &supervisor{
		fd:       fd,
		action:   action,
		onMemory: onMemory,
		denied:   make(map[int32]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start serves notifications until every sandboxed task has exited or Stop
// is called.
func (s *supervisor) Start() {
	go func() {
		defer close(s.done)
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			n, err := unix.Poll(fds, supervisorPoll)
			if errors.Is(err, unix.EINTR) || n == 0 {
				continue
			}
			if err != nil {
				return
			}
			if fds[0].Revents&unix.POLLIN != 0 {
				s.answer()
				continue
			}
			if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				return
			}
		}
	}()
}

// Stop ends the loop and closes the listener. It is safe to call twice.
func (s *supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		_ = unix.Close(s.fd)
	})
}

func (s *supervisor) answer() {
	var req seccompNotif
	if err := seccompIoctl(s.fd, unix.SECCOMP_IOCTL_NOTIF_RECV, unsafe.Pointer(&req)); err != nil {
		// ENOENT: the task died before we read it
		return
	}
	resp := seccompNotifResp{ID: req.ID, Error: -int32(unix.EPERM)}

	if sizeGuarded(req.Data.Nr) {
		resp.Error = -int32(unix.ENOMEM)
		s.mu.Lock()
		s.memHits++
		first := s.memHits == 1
		s.mu.Unlock()
		if first && s.onMemory != nil {
			s.onMemory(req.Data.Nr, mappingLength(req.Data))
		}
	} else {
		s.mu.Lock()
		s.denied[req.Data.Nr]++
		s.mu.Unlock()
		if s.action == policy.SeccompKill {
			_ = unix.Kill(int(req.Pid), unix.SIGKILL)
		}
	}
	_ = seccompIoctl(s.fd, unix.SECCOMP_IOCTL_NOTIF_SEND, unsafe.Pointer(&resp))
}

// mappingLength returns the length argument of a guarded syscall.
func mappingLength(d seccompData) uint64 {
	for _, g := range seccompSizeGuards() {
		if int32(g.nr) == d.Nr {
			return d.Args[g.arg]
		}
	}
	return 0
}

// Denied returns the denied syscall numbers in ascending order with their
// counts.
func (s *supervisor) Denied() ([]int32, map[int32]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int32]int, len(s.denied))
	nrs := make([]int32, 0, len(s.denied))
	for nr, n := range s.denied {
		counts[nr] = n
		nrs = append(nrs, nr)
	}
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })
	return nrs, counts
}

func seccompIoctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// userNotifySupported asks the kernel whether SECCOMP_RET_USER_NOTIF is
// available.
func userNotifySupported() error {
	action := uint32(seccompRetUserNotif)
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, unix.SECCOMP_GET_ACTION_AVAIL, 0, uintptr(unsafe.Pointer(&action)))
	if errno != 0 {
		return errno
	}
	return nil
}
