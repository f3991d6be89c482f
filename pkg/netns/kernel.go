package netns

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"text/tabwriter"
)

// Kernel is the set of OS primitives a Handle needs, scoped to one network namespace.
type Kernel interface {
	// Path is the namespace file, e.g. /var/run/netns/netlab-h1.
	Path() string
	// Do runs fn on an OS thread switched into the namespace.
	Do(fn func() error) error

	LinkSetUp(iface string) error
	LinkSetHardwareAddr(iface string, mac net.HardwareAddr) error
	AddrReplace(iface string, addr netip.Prefix) error
	AddrList(iface string) ([]netip.Prefix, error)
	RouteAdd(r Route) error
	RouteList() ([]Route, error)

	// Sysctl reads key, or writes value to it when given. Keys use dots: net.ipv4.ip_forward.
	Sysctl(key string, value ...string) (string, error)

	// Exec runs argv inside the namespace, writing stdout and stderr to out as they
	// are produced. A non-zero exit is reported through the exit code, err is
	// reserved for failures to run the command. Cancelling ctx interrupts the command.
	Exec(ctx context.Context, argv []string, out io.Writer) (exitCode int, err error)

	Close() error
}

type Route struct {
	Dst     netip.Prefix
	Gateway netip.Addr // zero for directly connected routes
	Dev     string
}

func (r Route) IsDefault() bool {
	return r.Dst.Bits() == 0
}

// FormatRoutes renders routes in the layout of `route -n`.
func FormatRoutes(routes []Route) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "Destination\tGateway\tGenmask\tFlags\tIface")
	for _, r := range routes {
		gw, flags := "0.0.0.0", "U"
		if r.Gateway.IsValid() {
			gw, flags = r.Gateway.String(), "UG"
		}
		mask := net.CIDRMask(r.Dst.Bits(), r.Dst.Addr().BitLen())
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Dst.Addr(), gw, net.IP(mask), flags, r.Dev)
	}
	w.Flush()
	return sb.String()
}
