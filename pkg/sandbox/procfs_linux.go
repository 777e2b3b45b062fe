//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const clockTicks = 100 // USER_HZ on every Linux ABI we run on

// procTree returns root and all of its descendants found under /proc.
func procTree(root int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return []int{root}
	}
	children := make(map[int][]int)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fields := statFields(pid)
		if len(fields) < 2 {
			continue
		}
		ppid, _ := strconv.Atoi(fields[1])
		children[ppid] = append(children[ppid], pid)
	}
	tree := []int{root}
	for i := 0; i < len(tree); i++ {
		tree = append(tree, children[tree[i]]...)
	}
	return tree
}

// statFields returns /proc/<pid>/stat fields after the command name, so
// index 0 is the state (field 3 in proc(5)).
func statFields(pid int) []string {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil
	}
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 > len(s) {
		return nil
	}
	return strings.Fields(s[i+2:])
}

// sampleProcTree sums usage over the process tree rooted at pid.
func sampleProcTree(pid int) usageSample {
	var s usageSample
	page := int64(os.Getpagesize())
	for _, p := range procTree(pid) {
		f := statFields(p)
		// utime=14 stime=15 rss=24 in proc(5) numbering
		if len(f) < 22 {
			continue
		}
		s.Procs++
		utime, _ := strconv.ParseInt(f[11], 10, 64)
		stime, _ := strconv.ParseInt(f[12], 10, 64)
		rss, _ := strconv.ParseInt(f[21], 10, 64)
		s.CPU += time.Duration(utime+stime) * time.Second / clockTicks
		s.Memory += rss * page
	}
	return s
}
