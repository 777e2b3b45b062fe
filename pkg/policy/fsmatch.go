package policy

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SandboxRoot is where request-relative paths resolve inside the sandbox.
const SandboxRoot = "/work"

// FSMatcher matches absolute paths against glob patterns. Patterns support
// '*', '?' and character classes within one path segment and '**' for any
// number of segments.
type FSMatcher struct {
	raw      []string
	patterns [][]string
}

// CompileFS validates and compiles glob patterns. Patterns must be absolute.
func CompileFS(patterns []string) (*FSMatcher, error) {
	m := &FSMatcher{}
	for i, p := range patterns {
		if !strings.HasPrefix(p, "/") {
			return nil, newError(CodeMatcherInvalid, fmt.Sprintf("capabilities.fs.allow[%d]", i), "%q is not absolute", p)
		}
		segs := splitPath(CleanPath(p))
		for _, s := range segs {
			if s == "**" {
				continue
			}
			if _, err := path.Match(s, ""); err != nil {
				return nil, newError(CodeMatcherInvalid, fmt.Sprintf("capabilities.fs.allow[%d]", i), "%q: %v", p, err)
			}
		}
		m.raw = append(m.raw, p)
		m.patterns = append(m.patterns, segs)
	}
	return m, nil
}

// Patterns returns the source patterns in order.
func (m *FSMatcher) Patterns() []string {
	return append([]string(nil), m.raw...)
}

// Match reports whether the concrete path p is matched by any pattern.
func (m *FSMatcher) Match(p string) bool {
	segs := splitPath(CleanPath(p))
	for _, pat := range m.patterns {
		if matchSegments(pat, segs, false) {
			return true
		}
	}
	return false
}

// Covers reports whether every path matched by the glob g is also matched by
// some pattern. The check is conservative: a '**' in g is only covered by '**'.
func (m *FSMatcher) Covers(g string) bool {
	segs := splitPath(CleanPath(g))
	for _, pat := range m.patterns {
		if matchSegments(pat, segs, true) {
			return true
		}
	}
	return false
}

// CleanPath resolves p to a clean absolute NFC path; relative paths are taken
// relative to SandboxRoot.
func CleanPath(p string) string {
	p = norm.NFC.String(p)
	if !strings.HasPrefix(p, "/") {
		p = SandboxRoot + "/" + p
	}
	return path.Clean(p)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pat, segs []string, globTarget bool) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:], globTarget) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if globTarget && segs[0] == "**" {
		return false
	}
	ok, err := path.Match(pat[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], segs[1:], globTarget)
}
