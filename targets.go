package k0fiscan

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// MaxExpandedHosts bounds CIDR blocks and address ranges.
const MaxExpandedHosts = 1 << 16

// ParseTarget parses a single IP address.
func ParseTarget(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, configError(fmt.Errorf("%w: %v", ErrInvalidTarget, err), "parse_target", s)
	}
	return addr, nil
}

// ExpandCIDR lists the host addresses of a CIDR block. For IPv4 blocks
// larger than /31 the network and broadcast addresses are left out.
func ExpandCIDR(s string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return nil, configError(fmt.Errorf("%w: %v", ErrInvalidTarget, err), "expand_cidr", s)
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 16 {
		return nil, configError(fmt.Errorf("%w: /%d holds more than %d addresses", ErrTooManyHosts, prefix.Bits(), MaxExpandedHosts), "expand_cidr", s)
	}
	count := 1 << hostBits

	addr := prefix.Addr()
	skipEdges := prefix.Addr().Is4() && hostBits >= 2
	if skipEdges {
		addr = addr.Next()
		count -= 2
	}

	hosts := make([]netip.Addr, 0, count)
	for i := 0; i < count; i++ {
		hosts = append(hosts, addr)
		addr = addr.Next()
	}
	return hosts, nil
}

// AddrRange lists every address from start to end inclusive. Both ends
// must belong to the same family and start must not be after end.
func AddrRange(start, end netip.Addr) ([]netip.Addr, error) {
	target := start.String() + "-" + end.String()
	if !start.IsValid() || !end.IsValid() || start.Is4() != end.Is4() {
		return nil, configError(fmt.Errorf("%w: addresses must be of the same family", ErrInvalidHostRange), "addr_range", target)
	}
	if start.Compare(end) > 0 {
		return nil, configError(fmt.Errorf("%w: start is after end", ErrInvalidHostRange), "addr_range", target)
	}

	var hosts []netip.Addr
	for addr := start; ; addr = addr.Next() {
		if len(hosts) == MaxExpandedHosts {
			return nil, configError(fmt.Errorf("%w: range holds more than %d addresses", ErrTooManyHosts, MaxExpandedHosts), "addr_range", target)
		}
		hosts = append(hosts, addr)
		if addr == end {
			return hosts, nil
		}
	}
}

// ParseHostList parses a comma-separated list of addresses or host names.
// Names are resolved through r; a nil r accepts addresses only. Repeated
// hosts are kept once, in first-seen order.
func ParseHostList(ctx context.Context, s string, r *Resolver) ([]netip.Addr, error) {
	seen := make(map[netip.Addr]struct{})
	var hosts []netip.Addr

	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, configError(fmt.Errorf("%w: empty entry in host list", ErrInvalidTarget), "parse_host_list", s)
		}

		addr, err := netip.ParseAddr(item)
		if err != nil {
			if r == nil || !IsValidHostname(item) {
				return nil, configError(fmt.Errorf("%w: %q", ErrInvalidTarget, item), "parse_host_list", s)
			}
			if addr, err = r.Resolve(ctx, item); err != nil {
				return nil, configError(fmt.Errorf("%w: %v", ErrInvalidTarget, err), "parse_host_list", item)
			}
		}

		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		hosts = append(hosts, addr)
	}
	return hosts, nil
}

// IsValidHostname checks if a string is a syntactically valid DNS name
func IsValidHostname(hostname string) bool {
	hostname = strings.TrimSuffix(hostname, ".")
	if hostname == "" || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}
