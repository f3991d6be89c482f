// Package netnstest provides in-memory namespaces for tests that cannot create
// real ones.
package netnstest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"sync"

	"Netlab/api"
	"Netlab/pkg/netns"
)

// Kernel is an in-memory netns.Kernel. Interfaces must be added with AddIface
// (lo exists from the start) before link operations succeed.
type Kernel struct {
	path string

	mu       sync.Mutex
	ifaces   map[string]bool
	up       map[string]bool
	macs     map[string]string
	addrs    map[string][]netip.Prefix
	routes   []netns.Route
	sysctls  map[string]string
	commands [][]string
	closed   bool

	// ExecFunc answers Exec; nil means every command succeeds with no output.
	ExecFunc func(ctx context.Context, argv []string) ([]byte, int, error)
}

func NewKernel(path string) *Kernel {
	return &Kernel{
		path:    path,
		ifaces:  map[string]bool{"lo": true},
		up:      map[string]bool{},
		macs:    map[string]string{},
		addrs:   map[string][]netip.Prefix{},
		sysctls: map[string]string{},
	}
}

func (k *Kernel) AddIface(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ifaces[name] = true
}

func (k *Kernel) DelIface(name string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.ifaces[name] {
		return false
	}
	delete(k.ifaces, name)
	delete(k.up, name)
	delete(k.addrs, name)
	delete(k.macs, name)
	return true
}

func (k *Kernel) HasIface(name string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ifaces[name]
}

func (k *Kernel) IsUp(name string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.up[name]
}

func (k *Kernel) MAC(name string) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.macs[name]
}

func (k *Kernel) Commands() [][]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([][]string(nil), k.commands...)
}

func (k *Kernel) IsClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

func (k *Kernel) check(iface string) error {
	if !k.ifaces[iface] {
		return fmt.Errorf("link %s not found", iface)
	}
	return nil
}

func (k *Kernel) Path() string { return k.path }

func (k *Kernel) Do(fn func() error) error { return fn() }

func (k *Kernel) LinkSetUp(iface string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.check(iface); err != nil {
		return err
	}
	k.up[iface] = true
	return nil
}

func (k *Kernel) LinkSetHardwareAddr(iface string, mac net.HardwareAddr) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.check(iface); err != nil {
		return err
	}
	k.macs[iface] = mac.String()
	return nil
}

func (k *Kernel) AddrReplace(iface string, addr netip.Prefix) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.check(iface); err != nil {
		return err
	}
	for _, a := range k.addrs[iface] {
		if a == addr {
			return nil
		}
	}
	k.addrs[iface] = append(k.addrs[iface], addr)
	return nil
}

func (k *Kernel) AddrList(iface string) ([]netip.Prefix, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.check(iface); err != nil {
		return nil, err
	}
	return append([]netip.Prefix(nil), k.addrs[iface]...), nil
}

// RouteAdd rejects a gateway that is not reachable through a connected route,
// like the kernel does.
func (k *Kernel) RouteAdd(r netns.Route) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if r.Gateway.IsValid() && k.connectedDev(r.Gateway) == "" {
		return errors.New("network is unreachable")
	}
	if r.Dev == "" && r.Gateway.IsValid() {
		r.Dev = k.connectedDev(r.Gateway)
	}
	k.routes = append(k.routes, r)
	return nil
}

func (k *Kernel) connectedDev(ip netip.Addr) string {
	for iface, addrs := range k.addrs {
		if !k.up[iface] {
			continue
		}
		for _, a := range addrs {
			if a.Masked().Contains(ip) {
				return iface
			}
		}
	}
	return ""
}

// RouteList returns the connected routes of up interfaces followed by added routes.
func (k *Kernel) RouteList() ([]netns.Route, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []netns.Route
	names := make([]string, 0, len(k.addrs))
	for iface := range k.addrs {
		names = append(names, iface)
	}
	sort.Strings(names)
	for _, iface := range names {
		if !k.up[iface] {
			continue
		}
		for _, a := range k.addrs[iface] {
			if a.Addr().Is4() {
				out = append(out, netns.Route{Dst: a.Masked(), Dev: iface})
			}
		}
	}
	return append(out, k.routes...), nil
}

func (k *Kernel) Sysctl(key string, value ...string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(value) > 0 {
		k.sysctls[key] = value[0]
		return value[0], nil
	}
	v, ok := k.sysctls[key]
	if !ok {
		return "0", nil
	}
	return v, nil
}

func (k *Kernel) Exec(ctx context.Context, argv []string, out io.Writer) (int, error) {
	k.mu.Lock()
	k.commands = append(k.commands, argv)
	fn := k.ExecFunc
	k.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	b, code, err := fn(ctx, argv)
	if len(b) > 0 {
		if _, werr := out.Write(b); werr != nil {
			return -1, werr
		}
	}
	return code, err
}

func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

// Provider hands out Kernel-backed handles and counts the live ones.
type Provider struct {
	mu       sync.Mutex
	kernels  map[string]*Kernel
	live     map[string]bool
	acquired []string
	released []string

	// FailOn makes Acquire fail for the named node with this error.
	FailOn  string
	FailErr error
	// NewKernel customizes fresh kernels; nil uses NewKernel.
	NewKernel func(node string) *Kernel
}

func NewProvider() *Provider {
	return &Provider{
		kernels: map[string]*Kernel{},
		live:    map[string]bool{},
	}
}

func (p *Provider) Acquire(_ context.Context, n *api.Node) (*netns.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n.Name == p.FailOn {
		return nil, p.FailErr
	}
	if p.live[n.Name] {
		return nil, fmt.Errorf("%w: %s", netns.ErrNamespaceExists, n.Name)
	}
	var k *Kernel
	if p.NewKernel != nil {
		k = p.NewKernel(n.Name)
	} else {
		k = NewKernel("/fake/netns/" + n.Name)
	}
	p.kernels[n.Name] = k
	p.live[n.Name] = true
	p.acquired = append(p.acquired, n.Name)
	return netns.NewHandle(n.Name, n.Kind, k, false), nil
}

func (p *Provider) Release(_ context.Context, h *netns.Handle) error {
	if err := h.Close(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live[h.Name()] {
		return nil
	}
	delete(p.live, h.Name())
	p.released = append(p.released, h.Name())
	return nil
}

// Kernel returns the kernel last handed out for node.
func (p *Provider) Kernel(node string) *Kernel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kernels[node]
}

func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *Provider) Acquired() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.acquired...)
}

func (p *Provider) Released() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}
