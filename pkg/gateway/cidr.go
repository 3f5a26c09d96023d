package gateway

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ipRule is one parsed deny/allow entry: either a bare address or a CIDR
// block.
type ipRule struct {
	raw    string
	ip     net.IP
	bits   int
	isCIDR bool
}

// IPMatcher matches client addresses against a list of bare IPs and CIDR
// blocks. Rules only ever match addresses of their own family.
type IPMatcher struct {
	rules []ipRule
}

// NewIPMatcher parses the rule list. Invalid entries fail parsing rather
// than silently never matching.
func NewIPMatcher(entries []string) (*IPMatcher, error) {
	m := &IPMatcher{rules: make([]ipRule, 0, len(entries))}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if slash := strings.IndexByte(entry, '/'); slash >= 0 {
			ip := net.ParseIP(entry[:slash])
			bits, err := strconv.Atoi(entry[slash+1:])
			if err != nil || ip == nil {
				return nil, fmt.Errorf("invalid CIDR rule %q", entry)
			}
			max := 32
			if ip.To4() == nil {
				max = 128
			}
			if bits < 0 || bits > max {
				return nil, fmt.Errorf("invalid prefix length in rule %q", entry)
			}
			m.rules = append(m.rules, ipRule{raw: entry, ip: canonical(ip), bits: bits, isCIDR: true})
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP rule %q", entry)
		}
		m.rules = append(m.rules, ipRule{raw: entry, ip: canonical(ip)})
	}
	return m, nil
}

// Match reports whether the address matches any rule, along with the rule
// that matched.
func (m *IPMatcher) Match(addr net.IP) (bool, string) {
	if addr == nil {
		return false, ""
	}
	addr = canonical(addr)
	for _, r := range m.rules {
		if matchRule(r, addr) {
			return true, r.raw
		}
	}
	return false, ""
}

func matchRule(r ipRule, addr net.IP) bool {
	// Family must match: a v4 rule never matches a v6 address.
	if len(r.ip) != len(addr) {
		return false
	}
	if !r.isCIDR {
		return r.ip.Equal(addr)
	}

	full := r.bits / 8
	for i := 0; i < full; i++ {
		if r.ip[i] != addr[i] {
			return false
		}
	}
	if rem := r.bits % 8; rem != 0 {
		mask := byte(0xFF << (8 - rem))
		if r.ip[full]&mask != addr[full]&mask {
			return false
		}
	}
	return true
}

// canonical collapses v4-in-v6 addresses to 4 bytes so family comparison is
// by representation length.
func canonical(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// clientIP extracts the remote address without its port.
func clientIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(strings.Trim(host, "[]"))
}
