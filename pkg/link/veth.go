package link

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"

	"Netlab/pkg/netns"
)

const DefaultMTU = 1500

// VethDriver creates veth pairs in the host namespace under temporary names, moves
// each end into its node's namespace and renames it there. Interface names only
// have to be unique within a node, so two nodes may both own an eth0. Ends whose
// node shares the host namespace stay where they are.
type VethDriver struct {
	MTU int
}

func NewVethDriver() *VethDriver {
	return &VethDriver{MTU: DefaultMTU}
}

var tmpSeq atomic.Uint32

// tmpName fits IFNAMSIZ: nl + 4 hex digits of the pid + - + sequence.
func tmpName() string {
	return fmt.Sprintf("nl%04x-%d", os.Getpid()&0xffff, tmpSeq.Add(1)%100000000)
}

func (d *VethDriver) AddPair(_ context.Context, a, b Endpoint) error {
	// 1. Create the pair in the host namespace
	tmpA, tmpB := tmpName(), tmpName()
	linkAttr := netlink.NewLinkAttrs()
	linkAttr.Name = tmpA
	linkAttr.MTU = d.MTU
	veth := &netlink.Veth{
		LinkAttrs: linkAttr,
		PeerName:  tmpB,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return netns.Classify("veth "+a.Iface, fmt.Errorf("failed to create veth pair: %w", err))
	}

	// 2. Move and rename the ends; deleting either end removes both
	if err := d.place(a, tmpA); err != nil {
		d.rollback(a, b, tmpA, tmpB)
		return err
	}
	if err := d.place(b, tmpB); err != nil {
		d.rollback(a, b, tmpA, tmpB)
		return err
	}
	return nil
}

func (d *VethDriver) place(ep Endpoint, tmp string) error {
	link, err := netlink.LinkByName(tmp)
	if err != nil {
		return fmt.Errorf("failed to get link by name %s: %w", tmp, err)
	}
	if ep.Node.Shared() {
		if err = netlink.LinkSetName(link, ep.Iface); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", tmp, ep.Iface, err)
		}
		return nil
	}
	target, err := ns.GetNS(ep.Node.Path())
	if err != nil {
		return fmt.Errorf("failed to get namespace for %s: %w", ep.Node.Name(), err)
	}
	defer target.Close()
	if err = netlink.LinkSetNsFd(link, int(target.Fd())); err != nil {
		return fmt.Errorf("failed to move %s into %s: %w", ep.Iface, ep.Node.Name(), err)
	}
	return ep.Node.Do(func() error {
		moved, err := netlink.LinkByName(tmp)
		if err != nil {
			return fmt.Errorf("failed to get link by name %s in %s: %w", tmp, ep.Node.Name(), err)
		}
		if err = netlink.LinkSetName(moved, ep.Iface); err != nil {
			return fmt.Errorf("failed to rename %s to %s in %s: %w", tmp, ep.Iface, ep.Node.Name(), err)
		}
		return nil
	})
}

// rollback deletes whichever end can still be found, under either name.
func (d *VethDriver) rollback(a, b Endpoint, tmpA, tmpB string) {
	if found, _ := d.delete(a, tmpA); found {
		return
	}
	_, _ = d.delete(b, tmpB)
}

func (d *VethDriver) DelPair(_ context.Context, a, b Endpoint) error {
	var errs []error
	for _, ep := range []Endpoint{a, b} {
		found, err := d.delete(ep, "")
		if found {
			return nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func delByName(names ...string) (bool, error) {
	for _, name := range names {
		if name == "" {
			continue
		}
		link, err := netlink.LinkByName(name)
		if err != nil {
			var notFound netlink.LinkNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return false, err
		}
		return true, netlink.LinkDel(link)
	}
	return false, nil
}

// delete removes the end wherever it currently lives. The final name is only
// looked up where the end is meant to be, so a host interface sharing the name
// (eth0) is never touched. tmp is the creation-time name, empty when unknown.
func (d *VethDriver) delete(ep Endpoint, tmp string) (bool, error) {
	if ep.Node.Shared() {
		return delByName(ep.Iface, tmp)
	}
	if !ep.Node.Closed() {
		var found bool
		err := ep.Node.Do(func() error {
			var err error
			found, err = delByName(ep.Iface, tmp)
			return err
		})
		if found || err != nil {
			return found, err
		}
	}
	return delByName(tmp)
}

var _ Driver = &VethDriver{}
