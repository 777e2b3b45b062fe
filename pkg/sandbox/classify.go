package sandbox

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

// diagnostic maps stderr fragments to the violation kind they indicate.
type diagnostic struct {
	kind      policy.ViolationKind
	fragments []string
}

var diagnostics = []diagnostic{
	{policy.KindNet, []string{
		"could not resolve host",
		"temporary failure in name resolution",
		"name or service not known",
		"network is unreachable",
		"no route to host",
		"failed to connect to",
		"unable to resolve host address",
	}},
	{policy.KindFS, []string{
		"permission denied",
		"read-only file system",
		"operation not permitted",
	}},
	{policy.KindPids, []string{
		"fork: retry",
		"fork: resource temporarily unavailable",
		"cannot fork",
		"can't fork",
		"resource temporarily unavailable",
	}},
	{policy.KindSyscall, []string{
		"bad system call",
	}},
	{policy.KindMemory, []string{
		"cannot allocate memory",
		"out of memory",
		"memoryerror",
		"std::bad_alloc",
	}},
}

// classifyStderr derives violations from diagnostics printed by the payload.
// Each kind is reported once, with the first matching line as detail.
func classifyStderr(stderr []byte) []Violation {
	var out []Violation
	seen := make(map[policy.ViolationKind]bool)
	sc := bufio.NewScanner(bytes.NewReader(stderr))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		lower := strings.ToLower(line)
		for _, d := range diagnostics {
			if seen[d.kind] {
				continue
			}
			for _, f := range d.fragments {
				if strings.Contains(lower, f) {
					seen[d.kind] = true
					out = append(out, Violation{Kind: d.kind, Detail: truncateDetail(line)})
					break
				}
			}
		}
	}
	return out
}

func truncateDetail(s string) string {
	const maxDetail = 200
	if len(s) > maxDetail {
		return s[:maxDetail] + "..."
	}
	return s
}
