package policy

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/magicrune/pkg/canonicalize"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// Access is a capability default.
type Access string

const (
	Deny  Access = "deny"
	Allow Access = "allow"
)

// ViolationKind classifies a denied capability or a tripped limit.
type ViolationKind string

const (
	KindNet     ViolationKind = "net"
	KindFS      ViolationKind = "fs"
	KindPids    ViolationKind = "pids"
	KindMemory  ViolationKind = "memory"
	KindCPU     ViolationKind = "cpu"
	KindWall    ViolationKind = "wall"
	KindSyscall ViolationKind = "syscall"
)

// DefaultWeights are the static score contributions per violation kind.
func DefaultWeights() map[ViolationKind]int {
	return map[ViolationKind]int{
		KindNet:     40,
		KindFS:      20,
		KindPids:    30,
		KindMemory:  30,
		KindCPU:     20,
		KindWall:    25,
		KindSyscall: 50,
	}
}

// NativeMode controls use of the native isolation backend.
type NativeMode string

const (
	NativePreferred NativeMode = "preferred"
	NativeMandatory NativeMode = "mandatory"
	NativeDisabled  NativeMode = "disabled"
)

// SeccompAction is applied to syscalls outside the allow-list.
type SeccompAction string

const (
	SeccompErrno SeccompAction = "errno"
	SeccompKill  SeccompAction = "kill"
)

// Defaults for limits a document leaves unset.
const (
	DefaultCPUMs       = 5000
	DefaultMemoryMB    = 512
	DefaultWallSec     = 60
	DefaultPidsMax     = 256
	DefaultOutputBytes = 1 << 20
)

type FSCapability struct {
	Default Access
	Allow   *FSMatcher
}

// Permits reports whether the concrete path may be accessed.
func (c FSCapability) Permits(p string) bool {
	return c.Default == Allow || c.Allow.Match(p)
}

type NetCapability struct {
	Default Access
	Allow   *NetMatcher
}

type Limits struct {
	CPU         time.Duration
	MemoryBytes int64
	Wall        time.Duration
	PidsMax     int
	OutputBytes int64
}

type Isolation struct {
	Native        NativeMode
	AllowFallback bool
	Seccomp       SeccompAction
}

type Grading struct {
	Thresholds Thresholds
	Weights    map[ViolationKind]int
	Signals    []*Signal
}

// Weight returns the configured weight of a violation kind.
func (g Grading) Weight(k ViolationKind) int {
	return g.Weights[k]
}

// ResolvedPolicy is a compiled, immutable policy.
type ResolvedPolicy struct {
	ID        string
	Version   string
	Digest    string // SHA-256 of the canonical document
	FS        FSCapability
	Net       NetCapability
	Limits    Limits
	Isolation Isolation
	Grading   Grading
}

// Load parses and compiles a policy document in one step.
func Load(data []byte) (*ResolvedPolicy, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Compile(doc)
}

// Compile turns a parsed document into a ResolvedPolicy. It never returns a
// partial policy.
func Compile(doc *Document) (*ResolvedPolicy, error) {
	digest, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return nil, fmt.Errorf("policy: digest: %w", err)
	}
	p := &ResolvedPolicy{
		ID:      doc.ID,
		Version: doc.Version,
		Digest:  digest,
	}

	fsAllow, err := CompileFS(doc.Capabilities.FS.Allow)
	if err != nil {
		return nil, err
	}
	p.FS = FSCapability{Default: accessOf(doc.Capabilities.FS.Default), Allow: fsAllow}

	netAllow, err := CompileNet(doc.Capabilities.Net.Allow)
	if err != nil {
		return nil, err
	}
	p.Net = NetCapability{Default: accessOf(doc.Capabilities.Net.Default), Allow: netAllow}

	p.Limits = compileLimits(doc.Limits)
	p.Isolation = Isolation{
		Native:        NativePreferred,
		AllowFallback: true,
		Seccomp:       SeccompErrno,
	}
	if doc.Isolation.Native != "" {
		p.Isolation.Native = NativeMode(doc.Isolation.Native)
	}
	if doc.Isolation.AllowFallback != nil {
		p.Isolation.AllowFallback = *doc.Isolation.AllowFallback
	}
	if doc.Isolation.Seccomp != "" {
		p.Isolation.Seccomp = SeccompAction(doc.Isolation.Seccomp)
	}

	p.Grading.Thresholds = DefaultThresholds()
	if doc.Grading.Thresholds != nil {
		if p.Grading.Thresholds, err = CompileThresholds(*doc.Grading.Thresholds); err != nil {
			return nil, err
		}
	}
	p.Grading.Weights = DefaultWeights()
	for k, w := range doc.Grading.Weights {
		p.Grading.Weights[ViolationKind(k)] = w
	}
	seen := make(map[string]bool, len(doc.Grading.Signals))
	for i, sd := range doc.Grading.Signals {
		if seen[sd.Name] {
			return nil, newError(CodeSignalInvalid, fmt.Sprintf("grading.signals[%d]", i), "duplicate signal %q", sd.Name)
		}
		seen[sd.Name] = true
		s, err := compileSignal(i, sd)
		if err != nil {
			return nil, err
		}
		p.Grading.Signals = append(p.Grading.Signals, s)
	}
	return p, nil
}

func accessOf(s string) Access {
	if s == string(Allow) {
		return Allow
	}
	return Deny
}

func compileLimits(d LimitsDoc) Limits {
	or := func(v, def int64) int64 {
		if v > 0 {
			return v
		}
		return def
	}
	return Limits{
		CPU:         time.Duration(or(d.CPUMs, DefaultCPUMs)) * time.Millisecond,
		MemoryBytes: or(d.MemoryMB, DefaultMemoryMB) << 20,
		Wall:        time.Duration(or(int64(d.WallSec), DefaultWallSec)) * time.Second,
		PidsMax:     int(or(int64(d.PidsMax), DefaultPidsMax)),
		OutputBytes: or(d.OutputBytes, DefaultOutputBytes),
	}
}

// CheckRequest verifies that the request asks for nothing the policy does not
// grant: every allow_net and allow_fs hint must be covered, and the request
// timeout must fit within the wall-clock limit.
func (p *ResolvedPolicy) CheckRequest(req spell.Request) error {
	if wall := int(p.Limits.Wall / time.Second); req.TimeoutSec > wall {
		return newError(CodeCapabilityExceeded, "timeout_sec", "%d exceeds wall_sec limit %d", req.TimeoutSec, wall)
	}
	for i, e := range req.AllowNet {
		if p.Net.Default == Allow {
			if _, err := ParseNetRule(e); err != nil {
				return newError(CodeCapabilityExceeded, fmt.Sprintf("allow_net[%d]", i), "%v", err)
			}
			continue
		}
		ok, err := p.Net.Allow.Covers(e)
		if err != nil {
			return newError(CodeCapabilityExceeded, fmt.Sprintf("allow_net[%d]", i), "%v", err)
		}
		if !ok {
			return newError(CodeCapabilityExceeded, fmt.Sprintf("allow_net[%d]", i), "%q is not granted by policy %s", e, p.ID)
		}
	}
	for i, e := range req.AllowFS {
		if p.FS.Default == Allow {
			continue
		}
		if !p.FS.Allow.Covers(e) {
			return newError(CodeCapabilityExceeded, fmt.Sprintf("allow_fs[%d]", i), "%q is not granted by policy %s", e, p.ID)
		}
	}
	return nil
}

// NetworkGranted reports whether the sandbox should get a network namespace
// shared with the host for this request.
func (p *ResolvedPolicy) NetworkGranted(req spell.Request) bool {
	return p.Net.Default == Allow || len(req.AllowNet) > 0
}
