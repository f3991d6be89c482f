// Package linktest provides a link.Driver that wires netnstest kernels together.
package linktest

import (
	"context"
	"errors"
	"sync"

	"Netlab/pkg/link"
	"Netlab/pkg/netns/netnstest"
)

var ErrInjected = errors.New("linktest: injected failure")

type Driver struct {
	kernels *netnstest.Provider

	mu      sync.Mutex
	live    map[string]bool
	created int

	// FailAfter makes AddPair fail once this many pairs were created; negative disables it.
	FailAfter int
	// FailErr is returned by injected failures, ErrInjected when nil.
	FailErr error
}

func NewDriver(p *netnstest.Provider) *Driver {
	return &Driver{kernels: p, live: map[string]bool{}, FailAfter: -1}
}

func key(a, b link.Endpoint) string {
	return a.String() + "|" + b.String()
}

func (d *Driver) AddPair(_ context.Context, a, b link.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailAfter >= 0 && d.created >= d.FailAfter {
		if d.FailErr != nil {
			return d.FailErr
		}
		return ErrInjected
	}
	ka, kb := d.kernels.Kernel(a.Node.Name()), d.kernels.Kernel(b.Node.Name())
	if ka == nil || kb == nil {
		return errors.New("linktest: unknown namespace")
	}
	if ka.HasIface(a.Iface) || kb.HasIface(b.Iface) {
		return errors.New("linktest: file exists")
	}
	ka.AddIface(a.Iface)
	kb.AddIface(b.Iface)
	d.live[key(a, b)] = true
	d.created++
	return nil
}

func (d *Driver) DelPair(_ context.Context, a, b link.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.live[key(a, b)] {
		return nil
	}
	if k := d.kernels.Kernel(a.Node.Name()); k != nil {
		k.DelIface(a.Iface)
	}
	if k := d.kernels.Kernel(b.Node.Name()); k != nil {
		k.DelIface(b.Iface)
	}
	delete(d.live, key(a, b))
	return nil
}

// Live counts pairs that exist.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

var _ link.Driver = &Driver{}
