package util

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// MaxInterfaceName is IFNAMSIZ minus the trailing NUL.
const MaxInterfaceName = 15

// CheckCIDR reports whether s is an address with prefix length, e.g. 192.168.1.1/24.
// Host bits are allowed and preserved.
func CheckCIDR(s string) bool {
	_, err := netip.ParsePrefix(s)
	return err == nil
}

func CheckMAC(s string) bool {
	_, err := net.ParseMAC(s)
	return err == nil
}

func CheckInterfaceName(s string) bool {
	if s == "" || len(s) > MaxInterfaceName {
		return false
	}
	return !strings.ContainsAny(s, "/ \t\n:")
}

// ParseGateway accepts "via 192.168.1.1" or "192.168.1.1".
func ParseGateway(s string) (netip.Addr, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "via"))
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid gateway %q: %v", s, err)
	}
	return addr, nil
}

// ParseDestination accepts a CIDR or "default"/"" for 0.0.0.0/0.
func ParseDestination(s string) (netip.Prefix, error) {
	if s == "" || s == "default" {
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid destination %q: %v", s, err)
	}
	return p.Masked(), nil
}

// HostIP strips the prefix length from a CIDR, returning s unchanged when it has none.
func HostIP(cidr string) string {
	if i := strings.IndexByte(cidr, '/'); i >= 0 {
		return cidr[:i]
	}
	return cidr
}
