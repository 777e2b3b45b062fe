//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// netAttemptCounters move when a payload without network access tries to
// reach something: a packet with no route out, a refused TCP connect or a
// datagram to a closed port (such as a resolver on loopback).
var netAttemptCounters = []string{
	"IpOutNoRoutes",
	"Ip6OutNoRoutes",
	"TcpAttemptFails",
	"UdpNoPorts",
	"Udp6NoPorts",
}

// netCounters reads the SNMP counters of one network namespace. The open
// files pin the namespace, so it can still be read after the payload exits.
type netCounters struct {
	files []*os.File
	base  map[string]int64
}

// openNetCounters opens the counters of the namespace pid lives in and
// records the baseline.
func openNetCounters(pid int) (*netCounters, error) {
	n := &netCounters{}
	dir := filepath.Join("/proc", strconv.Itoa(pid), "net")
	for _, name := range []string{"snmp", "snmp6"} {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			if name == "snmp6" && errors.Is(err, fs.ErrNotExist) {
				continue // IPv6 disabled
			}
			n.Close()
			return nil, err
		}
		n.files = append(n.files, f)
	}
	base, err := n.read()
	if err != nil {
		n.Close()
		return nil, err
	}
	n.base = base
	return n, nil
}

func (n *netCounters) read() (map[string]int64, error) {
	out := make(map[string]int64)
	for _, f := range n.files {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		parseSNMP(string(data), out)
	}
	return out, nil
}

// Attempts returns a description of every attempt counter that moved since
// the baseline, or "" when none did.
func (n *netCounters) Attempts() (string, error) {
	now, err := n.read()
	if err != nil {
		return "", err
	}
	return describeAttempts(n.base, now), nil
}

func (n *netCounters) Close() {
	for _, f := range n.files {
		_ = f.Close()
	}
	n.files = nil
}

func describeAttempts(base, now map[string]int64) string {
	var moved []string
	for _, c := range netAttemptCounters {
		if d := now[c] - base[c]; d > 0 {
			moved = append(moved, fmt.Sprintf("%s +%d", c, d))
		}
	}
	if len(moved) == 0 {
		return ""
	}
	return "network access attempted without a grant (" + strings.Join(moved, ", ") + ")"
}

// parseSNMP reads both layouts found under /proc/<pid>/net: snmp pairs a
// header line with a value line per protocol ("Tcp: ActiveOpens ..." then
// "Tcp: 3 ..."), snmp6 has one "Ip6OutNoRoutes 0" pair per line. Keys are
// the protocol prefix joined with the counter name.
func parseSNMP(data string, into map[string]int64) {
	lines := strings.Split(strings.TrimSpace(data), "\n")
	for i := 0; i < len(lines); i++ {
		fields := strings.Fields(lines[i])
		if len(fields) < 2 {
			continue
		}
		if proto, ok := strings.CutSuffix(fields[0], ":"); ok {
			if i+1 >= len(lines) {
				return
			}
			values := strings.Fields(lines[i+1])
			if len(values) != len(fields) || values[0] != fields[0] {
				continue
			}
			for j := 1; j < len(fields); j++ {
				if v, err := strconv.ParseInt(values[j], 10, 64); err == nil {
					into[proto+fields[j]] = v
				}
			}
			i++
			continue
		}
		if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			into[fields[0]] = v
		}
	}
}
