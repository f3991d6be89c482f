// Package bridge realizes switches as Linux bridges inside the switch's own namespace.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/vishvananda/netlink"

	"Netlab/pkg/netns"
)

const DefaultName = "br0"

type Fabric struct {
	name   string
	logger log.Interface
}

func NewFabric(logger log.Interface) *Fabric {
	return &Fabric{name: DefaultName, logger: logger}
}

// bridgeName is br0 inside a private namespace, the switch name in a shared one.
func (f *Fabric) bridgeName(sw *netns.Handle) string {
	if sw.Shared() {
		return sw.Name()
	}
	return f.name
}

func (f *Fabric) AddSwitch(_ context.Context, sw *netns.Handle) error {
	name := f.bridgeName(sw)
	err := sw.Do(func() error {
		linkAttr := netlink.NewLinkAttrs()
		linkAttr.Name = name
		br := &netlink.Bridge{LinkAttrs: linkAttr}
		if err := netlink.LinkAdd(br); err != nil {
			return netns.Classify("bridge "+name, fmt.Errorf("failed to add bridge: %w", err))
		}
		if err := netlink.LinkSetUp(br); err != nil {
			return fmt.Errorf("failed to set bridge up: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("switch %s: %w", sw.Name(), err)
	}
	f.logger.WithField("switch", sw.Name()).WithField("bridge", name).Debug("bridge created")
	return nil
}

func (f *Fabric) AddPort(_ context.Context, sw *netns.Handle, iface string) error {
	name := f.bridgeName(sw)
	err := sw.Do(func() error {
		br, err := netlink.LinkByName(name)
		if err != nil {
			return fmt.Errorf("failed to get bridge %s: %w", name, err)
		}
		port, err := netlink.LinkByName(iface)
		if err != nil {
			return fmt.Errorf("failed to get link by name %s: %w", iface, err)
		}
		if err = netlink.LinkSetMaster(port, br); err != nil {
			return fmt.Errorf("failed to attach %s to %s: %w", iface, name, err)
		}
		return netlink.LinkSetUp(port)
	})
	if err != nil {
		return fmt.Errorf("switch %s: %w", sw.Name(), err)
	}
	return nil
}

// DelSwitch deletes the bridge; a bridge or namespace that is already gone is fine.
func (f *Fabric) DelSwitch(_ context.Context, sw *netns.Handle) error {
	if sw.Closed() {
		return nil
	}
	name := f.bridgeName(sw)
	return sw.Do(func() error {
		br, err := netlink.LinkByName(name)
		if err != nil {
			var notFound netlink.LinkNotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		return netlink.LinkDel(br)
	})
}
