package netns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os/exec"
	"syscall"
	"time"

	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/containernetworking/plugins/pkg/utils/sysctl"
	"github.com/vishvananda/netlink"
	vnetns "github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// nsKernel talks to one namespace through a netlink handle bound to it, and enters
// the namespace only for work that needs a thread inside it (exec, sysctl).
type nsKernel struct {
	netNS ns.NetNS
	nl    *netlink.Handle
}

// OpenKernel opens the namespace file at path.
func OpenKernel(path string) (Kernel, error) {
	netNS, err := ns.GetNS(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get namespace %s: %w", path, err)
	}
	nsh, err := vnetns.GetFromPath(path)
	if err != nil {
		netNS.Close()
		return nil, fmt.Errorf("failed to open namespace %s: %w", path, err)
	}
	defer nsh.Close()
	nl, err := netlink.NewHandleAt(nsh)
	if err != nil {
		netNS.Close()
		return nil, Classify("netlink socket", fmt.Errorf("failed to open netlink in %s: %w", path, err))
	}
	return &nsKernel{netNS: netNS, nl: nl}, nil
}

func (k *nsKernel) Path() string {
	return k.netNS.Path()
}

func (k *nsKernel) Do(fn func() error) error {
	return k.netNS.Do(func(_ ns.NetNS) error {
		return fn()
	})
}

func (k *nsKernel) link(iface string) (netlink.Link, error) {
	link, err := k.nl.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to get link by name %s: %w", iface, err)
	}
	return link, nil
}

func (k *nsKernel) LinkSetUp(iface string) error {
	link, err := k.link(iface)
	if err != nil {
		return err
	}
	return k.nl.LinkSetUp(link)
}

func (k *nsKernel) LinkSetHardwareAddr(iface string, mac net.HardwareAddr) error {
	link, err := k.link(iface)
	if err != nil {
		return err
	}
	return k.nl.LinkSetHardwareAddr(link, mac)
}

func (k *nsKernel) AddrReplace(iface string, addr netip.Prefix) error {
	link, err := k.link(iface)
	if err != nil {
		return err
	}
	ipNet := &net.IPNet{
		IP:   net.IP(addr.Addr().AsSlice()),
		Mask: net.CIDRMask(addr.Bits(), addr.Addr().BitLen()),
	}
	return k.nl.AddrReplace(link, &netlink.Addr{IPNet: ipNet})
}

func (k *nsKernel) AddrList(iface string) ([]netip.Prefix, error) {
	link, err := k.link(iface)
	if err != nil {
		return nil, err
	}
	addrs, err := k.nl.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ones, _ := a.Mask.Size()
		out = append(out, netip.PrefixFrom(ip.Unmap(), ones))
	}
	return out, nil
}

func (k *nsKernel) RouteAdd(r Route) error {
	route := &netlink.Route{}
	if !r.IsDefault() {
		route.Dst = &net.IPNet{
			IP:   net.IP(r.Dst.Addr().AsSlice()),
			Mask: net.CIDRMask(r.Dst.Bits(), r.Dst.Addr().BitLen()),
		}
	}
	if r.Gateway.IsValid() {
		route.Gw = net.IP(r.Gateway.AsSlice())
	}
	if r.Dev != "" {
		link, err := k.link(r.Dev)
		if err != nil {
			return err
		}
		route.LinkIndex = link.Attrs().Index
	}
	return k.nl.RouteAdd(route)
}

func (k *nsKernel) RouteList() ([]Route, error) {
	routes, err := k.nl.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		route := Route{Dst: netip.PrefixFrom(netip.IPv4Unspecified(), 0)}
		if r.Dst != nil {
			ip, _ := netip.AddrFromSlice(r.Dst.IP)
			ones, _ := r.Dst.Mask.Size()
			route.Dst = netip.PrefixFrom(ip.Unmap(), ones)
		}
		if r.Gw != nil {
			route.Gateway, _ = netip.AddrFromSlice(r.Gw)
			route.Gateway = route.Gateway.Unmap()
		}
		if link, err := k.nl.LinkByIndex(r.LinkIndex); err == nil {
			route.Dev = link.Attrs().Name
		}
		out = append(out, route)
	}
	return out, nil
}

func (k *nsKernel) Sysctl(key string, value ...string) (string, error) {
	var out string
	err := k.Do(func() error {
		var err error
		out, err = sysctl.Sysctl(key, value...)
		return err
	})
	return out, err
}

// interruptGrace is how long an interrupted command may take to exit before it
// is killed.
const interruptGrace = 2 * time.Second

// Exec forks from the thread that Do switched into the namespace, so the child
// inherits it. The child gets its own process group; cancelling ctx sends SIGINT
// to that group like a terminal would.
func (k *nsKernel) Exec(ctx context.Context, argv []string, out io.Writer) (int, error) {
	code := -1
	err := k.Do(func() error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = out
		cmd.Stderr = out
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return unix.Kill(-cmd.Process.Pid, unix.SIGINT)
		}
		cmd.WaitDelay = interruptGrace
		err := cmd.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = 128 + int(ws.Signal())
			}
			return nil
		}
		if err != nil {
			return err
		}
		code = 0
		return nil
	})
	return code, err
}

func (k *nsKernel) Close() error {
	k.nl.Close()
	return k.netNS.Close()
}
