package policy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// NetRule is one compiled network allow entry.
type NetRule struct {
	Raw      string
	any      bool
	host     string
	wildcard bool
	prefix   netip.Prefix
	isAddr   bool
	portLo   uint16
	portHi   uint16
}

func (r NetRule) anyPort() bool { return r.portLo == 0 && r.portHi == 65535 }

// ParseNetRule parses "*", "host", "*.suffix", an IP address or CIDR, each
// optionally followed by ":port" or ":lo-hi". IPv6 with a port uses brackets.
func ParseNetRule(entry string) (NetRule, error) {
	r := NetRule{Raw: entry, portLo: 0, portHi: 65535}
	hostPart, portPart, err := splitHostPortRange(strings.TrimSpace(entry))
	if err != nil {
		return NetRule{}, err
	}
	if portPart != "" {
		if r.portLo, r.portHi, err = parsePortRange(portPart); err != nil {
			return NetRule{}, err
		}
	}

	switch {
	case hostPart == "*":
		r.any = true
	case strings.Contains(hostPart, "/"):
		p, err := netip.ParsePrefix(hostPart)
		if err != nil {
			return NetRule{}, fmt.Errorf("invalid CIDR %q: %v", hostPart, err)
		}
		r.prefix, r.isAddr = p.Masked(), true
	default:
		if a, err := netip.ParseAddr(hostPart); err == nil {
			r.prefix, r.isAddr = netip.PrefixFrom(a, a.BitLen()), true
			break
		}
		host := strings.ToLower(strings.TrimSuffix(hostPart, "."))
		if strings.HasPrefix(host, "*.") {
			r.wildcard = true
			host = host[2:]
		}
		if !validHostname(host) {
			return NetRule{}, fmt.Errorf("invalid host %q", hostPart)
		}
		r.host = host
	}
	return r, nil
}

func splitHostPortRange(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("empty entry")
	}
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", fmt.Errorf("unterminated '[' in %q", s)
		}
		host, rest := s[1:end], s[end+1:]
		if rest == "" {
			return host, "", nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", fmt.Errorf("unexpected %q after address", rest)
		}
		return host, rest[1:], nil
	}
	if strings.Count(s, ":") > 1 {
		// bare IPv6 address or prefix, no port
		return s, "", nil
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[:i], s[i+1:], nil
	}
	return s, "", nil
}

func parsePortRange(s string) (uint16, uint16, error) {
	lo, hi := s, s
	if i := strings.Index(s, "-"); i >= 0 {
		lo, hi = s[:i], s[i+1:]
	}
	l, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q", lo)
	}
	h, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q", hi)
	}
	if h < l {
		return 0, 0, fmt.Errorf("empty port range %s", s)
	}
	return uint16(l), uint16(h), nil
}

func validHostname(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
				return false
			}
		}
	}
	return true
}

// matchHost reports whether a concrete host name or address is within the rule.
func (r NetRule) matchHost(host string) bool {
	if r.any {
		return true
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return r.isAddr && r.prefix.Contains(a.Unmap())
	}
	if r.isAddr {
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if r.wildcard {
		return strings.HasSuffix(host, "."+r.host)
	}
	return host == r.host
}

// covers reports whether every destination of o is also a destination of r.
func (r NetRule) covers(o NetRule) bool {
	if o.portLo < r.portLo || o.portHi > r.portHi {
		return false
	}
	switch {
	case r.any:
		return true
	case o.any:
		return false
	case o.isAddr:
		return r.isAddr && r.prefix.Bits() <= o.prefix.Bits() && r.prefix.Contains(o.prefix.Addr())
	case o.wildcard:
		return r.wildcard && (o.host == r.host || strings.HasSuffix(o.host, "."+r.host))
	default:
		return r.matchHost(o.host)
	}
}

// NetMatcher is an ordered set of network allow rules.
type NetMatcher struct {
	rules []NetRule
}

// CompileNet parses every entry; any invalid entry fails the whole set.
func CompileNet(entries []string) (*NetMatcher, error) {
	m := &NetMatcher{}
	for i, e := range entries {
		r, err := ParseNetRule(e)
		if err != nil {
			return nil, newError(CodeMatcherInvalid, fmt.Sprintf("capabilities.net.allow[%d]", i), "%v", err)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Empty reports whether the matcher has no rules.
func (m *NetMatcher) Empty() bool { return len(m.rules) == 0 }

// Allows reports whether a connection to host:port is permitted. Port 0
// means "any port" and is only allowed by rules without a port restriction.
func (m *NetMatcher) Allows(host string, port uint16) bool {
	for _, r := range m.rules {
		if !r.matchHost(host) {
			continue
		}
		if port == 0 && r.anyPort() || port != 0 && port >= r.portLo && port <= r.portHi {
			return true
		}
	}
	return false
}

// Covers reports whether the request entry is granted by some rule.
func (m *NetMatcher) Covers(entry string) (bool, error) {
	o, err := ParseNetRule(entry)
	if err != nil {
		return false, err
	}
	for _, r := range m.rules {
		if r.covers(o) {
			return true, nil
		}
	}
	return false, nil
}
