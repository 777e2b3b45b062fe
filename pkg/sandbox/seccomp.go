package sandbox

import (
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/net/bpf"
)

// Classic BPF return values understood by the kernel seccomp filter.
const (
	seccompRetKillProcess = 0x80000000
	seccompRetUserNotif   = 0x7fc00000
	seccompRetAllow       = 0x7fff0000

	// offsets into struct seccomp_data
	seccompDataNr   = 0
	seccompDataArch = 4
	seccompDataArgs = 16

	auditArchX86_64 = 0xc000003e
	x32SyscallBit   = 0x40000000
)

// sizeGuard names a syscall whose length argument is checked against the
// memory ceiling before the allow-list applies.
type sizeGuard struct {
	nr  uint32
	arg uint32
}

// buildSeccompFilter produces an allow-list filter for one architecture.
// Syscalls outside the list are handed to the user-space supervisor, which
// records them and answers for the policy action. When memCeiling is set, a
// guarded syscall asking for more than the ceiling in one call is handed over
// too. Foreign-architecture syscalls kill the process; on x86_64 the x32 ABI
// is denied.
func buildSeccompFilter(arch uint32, allowed []uint32, guards []sizeGuard, memCeiling uint64) ([]bpf.Instruction, error) {
	if len(allowed) == 0 {
		return nil, fmt.Errorf("seccomp: empty allow-list")
	}
	nrs := append([]uint32(nil), allowed...)
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: seccompDataArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: arch, SkipTrue: 1},
		bpf.RetConstant{Val: seccompRetKillProcess},
		bpf.LoadAbsolute{Off: seccompDataNr, Size: 4},
	}
	if arch == auditArchX86_64 {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpLessThan, Val: x32SyscallBit, SkipTrue: 1},
			bpf.RetConstant{Val: seccompRetUserNotif},
		)
	}
	if memCeiling > 0 {
		for _, g := range guards {
			check := lengthCheck(seccompDataArgs+8*g.arg, memCeiling)
			prog = append(prog, bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: g.nr, SkipTrue: uint8(len(check))})
			prog = append(prog, check...)
		}
	}
	var last uint32
	for i, nr := range nrs {
		if i > 0 && nr == last {
			continue
		}
		last = nr
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: nr, SkipTrue: 1},
			bpf.RetConstant{Val: seccompRetAllow},
		)
	}
	prog = append(prog, bpf.RetConstant{Val: seccompRetUserNotif})
	return prog, nil
}

// lengthCheck compares the 64-bit little-endian argument at off with limit:
// above it the call goes to the supervisor, otherwise it is allowed.
func lengthCheck(off uint32, limit uint64) []bpf.Instruction {
	hi, lo := uint32(limit>>32), uint32(limit)
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: off + 4, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: hi, SkipTrue: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: hi, SkipFalse: 2},
		bpf.LoadAbsolute{Off: off, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: lo, SkipTrue: 1},
		bpf.RetConstant{Val: seccompRetAllow},
		bpf.RetConstant{Val: seccompRetUserNotif},
	}
}

// sizeGuarded reports whether nr is one of the guarded allocation syscalls.
func sizeGuarded(nr int32) bool {
	for _, g := range seccompSizeGuards() {
		if int32(g.nr) == nr {
			return true
		}
	}
	return false
}

// encodeSeccompFilter assembles the program into the struct sock_filter
// array the sandbox init reads from its filter descriptor.
func encodeSeccompFilter(prog []bpf.Instruction) ([]byte, error) {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("seccomp: assemble: %w", err)
	}
	out := make([]byte, 0, len(raw)*8)
	for _, ins := range raw {
		var b [8]byte
		binary.LittleEndian.PutUint16(b[0:2], ins.Op)
		b[2] = ins.Jt
		b[3] = ins.Jf
		binary.LittleEndian.PutUint32(b[4:8], ins.K)
		out = append(out, b[:]...)
	}
	return out, nil
}

// SeccompSupported reports whether this build carries a syscall table for
// the host architecture.
func SeccompSupported() bool {
	return seccompArch != 0 && len(seccompAllowList()) > 0
}

// nativeSeccompProgram returns the encoded filter for the host architecture.
// A zero memCeiling leaves allocation sizes to the cgroup.
func nativeSeccompProgram(memCeiling uint64) ([]byte, error) {
	if !SeccompSupported() {
		return nil, fmt.Errorf("seccomp: no syscall table for this architecture")
	}
	prog, err := buildSeccompFilter(seccompArch, seccompAllowList(), seccompSizeGuards(), memCeiling)
	if err != nil {
		return nil, err
	}
	return encodeSeccompFilter(prog)
}
