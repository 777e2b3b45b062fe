//go:build linux && amd64

package sandbox

import "golang.org/x/sys/unix"

const seccompArch uint32 = auditArchX86_64

// seccompAllowList is the x86_64 syscall allow-list installed for native runs.
// Namespace, mount, module, tracing and keyring syscalls are absent.
func seccompAllowList() []uint32 {
	nrs := []uintptr{
		unix.SYS_READ,
		unix.SYS_WRITE,
		unix.SYS_OPEN,
		unix.SYS_CLOSE,
		unix.SYS_STAT,
		unix.SYS_FSTAT,
		unix.SYS_LSTAT,
		unix.SYS_POLL,
		unix.SYS_LSEEK,
		unix.SYS_MMAP,
		unix.SYS_MPROTECT,
		unix.SYS_MUNMAP,
		unix.SYS_BRK,
		unix.SYS_RT_SIGACTION,
		unix.SYS_RT_SIGPROCMASK,
		unix.SYS_RT_SIGRETURN,
		unix.SYS_IOCTL,
		unix.SYS_PREAD64,
		unix.SYS_PWRITE64,
		unix.SYS_READV,
		unix.SYS_WRITEV,
		unix.SYS_ACCESS,
		unix.SYS_PIPE,
		unix.SYS_SELECT,
		unix.SYS_SCHED_YIELD,
		unix.SYS_MREMAP,
		unix.SYS_MSYNC,
		unix.SYS_MINCORE,
		unix.SYS_MADVISE,
		unix.SYS_DUP,
		unix.SYS_DUP2,
		unix.SYS_PAUSE,
		unix.SYS_NANOSLEEP,
		unix.SYS_GETITIMER,
		unix.SYS_ALARM,
		unix.SYS_SETITIMER,
		unix.SYS_GETPID,
		unix.SYS_SENDFILE,
		unix.SYS_SOCKET,
		unix.SYS_CONNECT,
		unix.SYS_ACCEPT,
		unix.SYS_SENDTO,
		unix.SYS_RECVFROM,
		unix.SYS_SENDMSG,
		unix.SYS_RECVMSG,
		unix.SYS_SHUTDOWN,
		unix.SYS_BIND,
		unix.SYS_LISTEN,
		unix.SYS_GETSOCKNAME,
		unix.SYS_GETPEERNAME,
		unix.SYS_SOCKETPAIR,
		unix.SYS_SETSOCKOPT,
		unix.SYS_GETSOCKOPT,
		unix.SYS_CLONE,
		unix.SYS_FORK,
		unix.SYS_VFORK,
		unix.SYS_EXECVE,
		unix.SYS_EXIT,
		unix.SYS_WAIT4,
		unix.SYS_KILL,
		unix.SYS_UNAME,
		unix.SYS_FCNTL,
		unix.SYS_FLOCK,
		unix.SYS_FSYNC,
		unix.SYS_FDATASYNC,
		unix.SYS_TRUNCATE,
		unix.SYS_FTRUNCATE,
		unix.SYS_GETDENTS,
		unix.SYS_GETCWD,
		unix.SYS_CHDIR,
		unix.SYS_FCHDIR,
		unix.SYS_RENAME,
		unix.SYS_MKDIR,
		unix.SYS_RMDIR,
		unix.SYS_CREAT,
		unix.SYS_LINK,
		unix.SYS_UNLINK,
		unix.SYS_SYMLINK,
		unix.SYS_READLINK,
		unix.SYS_CHMOD,
		unix.SYS_FCHMOD,
		unix.SYS_UMASK,
		unix.SYS_GETTIMEOFDAY,
		unix.SYS_GETRLIMIT,
		unix.SYS_GETRUSAGE,
		unix.SYS_SYSINFO,
		unix.SYS_TIMES,
		unix.SYS_GETUID,
		unix.SYS_GETGID,
		unix.SYS_GETEUID,
		unix.SYS_GETEGID,
		unix.SYS_SETPGID,
		unix.SYS_GETPPID,
		unix.SYS_GETPGRP,
		unix.SYS_SETSID,
		unix.SYS_GETGROUPS,
		unix.SYS_GETRESUID,
		unix.SYS_GETRESGID,
		unix.SYS_GETPGID,
		unix.SYS_GETSID,
		unix.SYS_CAPGET,
		unix.SYS_RT_SIGPENDING,
		unix.SYS_RT_SIGTIMEDWAIT,
		unix.SYS_RT_SIGQUEUEINFO,
		unix.SYS_RT_SIGSUSPEND,
		unix.SYS_SIGALTSTACK,
		unix.SYS_UTIME,
		unix.SYS_STATFS,
		unix.SYS_FSTATFS,
		unix.SYS_GETPRIORITY,
		unix.SYS_SCHED_GETPARAM,
		unix.SYS_SCHED_GETSCHEDULER,
		unix.SYS_SCHED_GET_PRIORITY_MAX,
		unix.SYS_SCHED_GET_PRIORITY_MIN,
		unix.SYS_PRCTL,
		unix.SYS_ARCH_PRCTL,
		unix.SYS_SETRLIMIT,
		unix.SYS_GETTID,
		unix.SYS_GETXATTR,
		unix.SYS_LGETXATTR,
		unix.SYS_FGETXATTR,
		unix.SYS_LISTXATTR,
		unix.SYS_LLISTXATTR,
		unix.SYS_FLISTXATTR,
		unix.SYS_TKILL,
		unix.SYS_TIME,
		unix.SYS_FUTEX,
		unix.SYS_SCHED_GETAFFINITY,
		unix.SYS_EPOLL_CREATE,
		unix.SYS_GETDENTS64,
		unix.SYS_SET_TID_ADDRESS,
		unix.SYS_RESTART_SYSCALL,
		unix.SYS_FADVISE64,
		unix.SYS_TIMER_CREATE,
		unix.SYS_TIMER_SETTIME,
		unix.SYS_TIMER_GETTIME,
		unix.SYS_TIMER_GETOVERRUN,
		unix.SYS_TIMER_DELETE,
		unix.SYS_CLOCK_GETTIME,
		unix.SYS_CLOCK_GETRES,
		unix.SYS_CLOCK_NANOSLEEP,
		unix.SYS_EXIT_GROUP,
		unix.SYS_EPOLL_WAIT,
		unix.SYS_EPOLL_CTL,
		unix.SYS_TGKILL,
		unix.SYS_UTIMES,
		unix.SYS_WAITID,
		unix.SYS_OPENAT,
		unix.SYS_MKDIRAT,
		unix.SYS_NEWFSTATAT,
		unix.SYS_UNLINKAT,
		unix.SYS_RENAMEAT,
		unix.SYS_LINKAT,
		unix.SYS_SYMLINKAT,
		unix.SYS_READLINKAT,
		unix.SYS_FCHMODAT,
		unix.SYS_FACCESSAT,
		unix.SYS_PSELECT6,
		unix.SYS_PPOLL,
		unix.SYS_SET_ROBUST_LIST,
		unix.SYS_GET_ROBUST_LIST,
		unix.SYS_SPLICE,
		unix.SYS_TEE,
		unix.SYS_UTIMENSAT,
		unix.SYS_EPOLL_PWAIT,
		unix.SYS_TIMERFD_CREATE,
		unix.SYS_EVENTFD,
		unix.SYS_FALLOCATE,
		unix.SYS_TIMERFD_SETTIME,
		unix.SYS_TIMERFD_GETTIME,
		unix.SYS_ACCEPT4,
		unix.SYS_EVENTFD2,
		unix.SYS_EPOLL_CREATE1,
		unix.SYS_DUP3,
		unix.SYS_PIPE2,
		unix.SYS_PREADV,
		unix.SYS_PWRITEV,
		unix.SYS_RECVMMSG,
		unix.SYS_PRLIMIT64,
		unix.SYS_SENDMMSG,
		unix.SYS_GETCPU,
		unix.SYS_RENAMEAT2,
		unix.SYS_GETRANDOM,
		unix.SYS_MEMFD_CREATE,
		unix.SYS_MEMBARRIER,
		unix.SYS_COPY_FILE_RANGE,
		unix.SYS_PREADV2,
		unix.SYS_PWRITEV2,
		unix.SYS_STATX,
		unix.SYS_RSEQ,
		unix.SYS_CLONE3,
		unix.SYS_CLOSE_RANGE,
		unix.SYS_FACCESSAT2,
		unix.SYS_EPOLL_PWAIT2,
		unix.SYS_PIDFD_OPEN,
		unix.SYS_PIDFD_SEND_SIGNAL,
		unix.SYS_SCHED_SETAFFINITY,
		unix.SYS_SETPRIORITY,
		unix.SYS_CHOWN,
		unix.SYS_FCHOWN,
		unix.SYS_LCHOWN,
		unix.SYS_FCHOWNAT,
		unix.SYS_SYNC,
		unix.SYS_SYNCFS,
	}
	out := make([]uint32, len(nrs))
	for i, nr := range nrs {
		out[i] = uint32(nr)
	}
	return out
}

// seccompSizeGuards lists the mapping syscalls and the index of their length
// argument.
func seccompSizeGuards() []sizeGuard {
	return []sizeGuard{
		{nr: unix.SYS_MMAP, arg: 1},
		{nr: unix.SYS_MREMAP, arg: 2},
	}
}
