package netns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/apex/log"
	ns "github.com/containernetworking/plugins/pkg/ns"
	vnetns "github.com/vishvananda/netns"

	"Netlab/api"
)

const (
	// NamedNsDir is where `ip netns` and vishvananda/netns keep named namespaces.
	NamedNsDir    = "/var/run/netns"
	DefaultPrefix = "netlab-"
)

var ErrNamespaceExists = errors.New("netns: namespace already exists")

// Provider acquires and releases the namespace behind a node.
type Provider interface {
	Acquire(ctx context.Context, n *api.Node) (*Handle, error)
	// Release deletes the namespace. Releasing an already released handle is a no-op.
	Release(ctx context.Context, h *Handle) error
}

// NamedProvider creates one named namespace per node, <Prefix><node>, visible to `ip netns`.
type NamedProvider struct {
	Prefix string
	logger log.Interface
}

func NewNamedProvider(prefix string, logger log.Interface) *NamedProvider {
	return &NamedProvider{Prefix: prefix, logger: logger}
}

func (p *NamedProvider) nsName(node string) string {
	return p.Prefix + node
}

func (p *NamedProvider) Acquire(_ context.Context, n *api.Node) (*Handle, error) {
	name := p.nsName(n.Name)
	if h, err := vnetns.GetFromName(name); err == nil {
		h.Close()
		return nil, fmt.Errorf("%w: %s", ErrNamespaceExists, name)
	}
	if err := newNamed(name); err != nil {
		return nil, Classify("namespace "+name, fmt.Errorf("failed to create namespace %s: %w", name, err))
	}
	k, err := OpenKernel(filepath.Join(NamedNsDir, name))
	if err != nil {
		_ = vnetns.DeleteNamed(name)
		return nil, err
	}
	p.logger.WithField("node", n.Name).WithField("netns", name).Debug("namespace created")
	return NewHandle(n.Name, n.Kind, k, false), nil
}

// newNamed creates the namespace on a locked thread and switches that thread back,
// since vishvananda/netns leaves the caller inside the new namespace.
func newNamed(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := vnetns.Get()
	if err != nil {
		return err
	}
	defer origin.Close()

	created, err := vnetns.NewNamed(name)
	if err != nil {
		_ = vnetns.Set(origin)
		return err
	}
	created.Close()
	return vnetns.Set(origin)
}

func (p *NamedProvider) Release(_ context.Context, h *Handle) error {
	if err := h.Close(); err != nil {
		p.logger.WithError(err).WithField("node", h.Name()).Warn("failed to close namespace handle")
	}
	name := p.nsName(h.Name())
	if err := vnetns.DeleteNamed(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}
	p.logger.WithField("netns", name).Debug("namespace deleted")
	return nil
}

// HostProvider hands out the namespace the process runs in. Open vSwitch bridges
// live there, so ovs-backed switches use it. Release never deletes it.
type HostProvider struct{}

func (HostProvider) Acquire(_ context.Context, n *api.Node) (*Handle, error) {
	cur, err := ns.GetCurrentNS()
	if err != nil {
		return nil, fmt.Errorf("failed to get host namespace: %w", err)
	}
	path := cur.Path()
	cur.Close()
	k, err := OpenKernel(path)
	if err != nil {
		return nil, err
	}
	return NewHandle(n.Name, n.Kind, k, true), nil
}

func (HostProvider) Release(_ context.Context, h *Handle) error {
	return h.Close()
}

// Selector routes nodes to providers: docker-backed nodes (Image set) to Containers,
// switches to Switches and everything else to Hosts.
type Selector struct {
	Hosts      Provider
	Switches   Provider
	Containers Provider

	mu    sync.Mutex
	owner map[*Handle]Provider
}

func (s *Selector) pick(n *api.Node) (Provider, error) {
	switch {
	case n.Image != "":
		if s.Containers == nil {
			return nil, fmt.Errorf("node %s wants image %s but no container runtime is configured", n.Name, n.Image)
		}
		return s.Containers, nil
	case n.Kind == api.KindSwitch && s.Switches != nil:
		return s.Switches, nil
	}
	return s.Hosts, nil
}

func (s *Selector) Acquire(ctx context.Context, n *api.Node) (*Handle, error) {
	p, err := s.pick(n)
	if err != nil {
		return nil, err
	}
	h, err := p.Acquire(ctx, n)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.owner == nil {
		s.owner = make(map[*Handle]Provider)
	}
	s.owner[h] = p
	s.mu.Unlock()
	return h, nil
}

func (s *Selector) Release(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	p, ok := s.owner[h]
	delete(s.owner, h)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Release(ctx, h)
}

// Leftovers lists named namespaces carrying prefix, e.g. from a run that was killed.
func Leftovers(prefix string) ([]string, error) {
	entries, err := os.ReadDir(NamedNsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// DeleteNamed removes a named namespace, ignoring one that is already gone.
func DeleteNamed(name string) error {
	if err := vnetns.DeleteNamed(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
