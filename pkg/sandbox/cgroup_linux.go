//go:build linux

package sandbox

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

// cgroupLeaf is a per-run cgroup v2 directory holding the ceilings.
type cgroupLeaf struct {
	path string
	fd   *os.File
}

// cgroupDelegated reports whether parent is a writable cgroup v2 directory
// with the memory, pids and cpu controllers enabled for its children.
func cgroupDelegated(parent string) error {
	if parent == "" {
		return errors.New("no cgroup parent configured")
	}
	var st unix.Statfs_t
	if err := unix.Statfs(parent, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", parent, err)
	}
	if st.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("%s is not a cgroup v2 mount", parent)
	}
	if err := unix.Access(parent, unix.W_OK); err != nil {
		return fmt.Errorf("%s is not writable: %w", parent, err)
	}
	data, err := os.ReadFile(filepath.Join(parent, "cgroup.subtree_control"))
	if err != nil {
		return err
	}
	enabled := strings.Fields(string(data))
	for _, want := range []string{"memory", "pids", "cpu"} {
		if !contains(enabled, want) {
			return fmt.Errorf("controller %s not delegated to %s", want, parent)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// newCgroupLeaf creates a leaf under parent and writes the limits.
func newCgroupLeaf(parent string, limits policy.Limits) (*cgroupLeaf, error) {
	path := filepath.Join(parent, "magicrune-"+uuid.NewString())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("cgroup: mkdir: %w", err)
	}
	leaf := &cgroupLeaf{path: path}
	writes := map[string]string{
		"memory.max":      strconv.FormatInt(limits.MemoryBytes, 10),
		"memory.swap.max": "0",
		"pids.max":        strconv.Itoa(limits.PidsMax),
		// one CPU worth of bandwidth; the cpu_ms budget is enforced by the poller
		"cpu.max": "100000 100000",
	}
	for file, value := range writes {
		if err := os.WriteFile(filepath.Join(path, file), []byte(value), 0o644); err != nil {
			if file == "memory.swap.max" && errors.Is(err, os.ErrNotExist) {
				continue
			}
			_ = leaf.Remove()
			return nil, fmt.Errorf("cgroup: write %s: %w", file, err)
		}
	}
	fd, err := os.Open(path)
	if err != nil {
		_ = leaf.Remove()
		return nil, fmt.Errorf("cgroup: open: %w", err)
	}
	leaf.fd = fd
	return leaf, nil
}

// FD is passed to SysProcAttr.CgroupFD so the child starts inside the leaf.
func (c *cgroupLeaf) FD() int { return int(c.fd.Fd()) }

// Kill terminates every process in the leaf (cgroup.kill, Linux 5.14+).
func (c *cgroupLeaf) Kill() error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.kill"), []byte("1"), 0o644)
}

// Sample reads the counters the poller needs.
func (c *cgroupLeaf) Sample() usageSample {
	var s usageSample
	if ev, err := readKeyed(filepath.Join(c.path, "memory.events")); err == nil {
		s.OOMKills = ev["oom_kill"]
		s.MemoryMaxHits = ev["max"]
	}
	if ev, err := readKeyed(filepath.Join(c.path, "pids.events")); err == nil {
		s.PidsMaxHits = ev["max"]
	}
	if st, err := readKeyed(filepath.Join(c.path, "cpu.stat")); err == nil {
		s.CPU = time.Duration(st["usage_usec"]) * time.Microsecond
	}
	if b, err := os.ReadFile(filepath.Join(c.path, "memory.current")); err == nil {
		s.Memory, _ = strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	}
	if b, err := os.ReadFile(filepath.Join(c.path, "pids.current")); err == nil {
		n, _ := strconv.Atoi(strings.TrimSpace(string(b)))
		s.Procs = n
	}
	return s
}

// Remove deletes the leaf. It retries briefly while killed processes exit.
func (c *cgroupLeaf) Remove() error {
	if c.fd != nil {
		_ = c.fd.Close()
		c.fd = nil
	}
	var err error
	for i := 0; i < 50; i++ {
		if err = os.Remove(c.path); err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("cgroup: remove %s: %w", c.path, err)
}

// readKeyed parses "key value" lines such as memory.events and cpu.stat.
func readKeyed(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := make(map[string]int64)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			out[fields[0]] = v
		}
	}
	return out, sc.Err()
}
