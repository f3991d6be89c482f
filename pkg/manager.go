package pkg

import (
	"context"
	"fmt"
	"io"

	"github.com/apex/log"

	"Netlab/api"
	"Netlab/pkg/bridge"
	"Netlab/pkg/link"
	"Netlab/pkg/netns"
	"Netlab/pkg/node"
	"Netlab/pkg/ovs"
	"Netlab/pkg/topo"
)

// Fabric turns a switch node into something that forwards frames between its ports.
type Fabric interface {
	AddSwitch(ctx context.Context, sw *netns.Handle) error
	AddPort(ctx context.Context, sw *netns.Handle, iface string) error
	// DelSwitch must succeed when the switch is already gone.
	DelSwitch(ctx context.Context, sw *netns.Handle) error
}

// Manager materializes topology graphs into namespaces, links and switch fabrics,
// and tears them down again.
type Manager struct {
	provider netns.Provider
	lm       *link.LinkManager
	fabric   Fabric
	logger   log.Interface
	closers  []io.Closer
}

// NewManager wires the host implementations selected by cfg.
func NewManager(cfg Config, logger log.Interface) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sel := &netns.Selector{Hosts: netns.NewNamedProvider(cfg.Prefix, logger)}
	var fabric Fabric
	switch cfg.Switch {
	case SwitchOVS:
		sel.Switches = netns.HostProvider{}
		fabric = ovs.NewOvsManager(logger)
	default:
		fabric = bridge.NewFabric(logger)
	}

	var closers []io.Closer
	if cfg.Docker {
		cp, err := node.NewContainerProvider(cfg.Prefix, logger)
		if err != nil {
			logger.WithError(err).Warn("nodes with an image are disabled")
		} else {
			sel.Containers = cp
			closers = append(closers, cp)
		}
	}

	driver := link.NewVethDriver()
	driver.MTU = cfg.MTU
	m := NewManagerWith(sel, driver, fabric, logger)
	m.closers = closers
	return m, nil
}

// NewManagerWith builds a Manager from explicit parts.
func NewManagerWith(p netns.Provider, d link.Driver, f Fabric, logger log.Interface) *Manager {
	return &Manager{
		provider: p,
		lm:       link.NewLinkManager(d, logger),
		fabric:   f,
		logger:   logger,
	}
}

// Materialize creates every node, link, role and route of g. When any step fails,
// everything created so far is torn down before the error is returned.
func (m *Manager) Materialize(ctx context.Context, g *topo.Graph) (*Live, error) {
	live := newLive()
	if err := m.materialize(ctx, g, live); err != nil {
		m.logger.WithError(err).Warn("materialize failed, rolling back")
		m.Teardown(ctx, live)
		return nil, err
	}
	m.logger.WithFields(log.Fields{
		"nodes": len(live.Nodes()),
		"links": len(live.Links()),
	}).Info("topology started")
	return live, nil
}

func (m *Manager) materialize(ctx context.Context, g *topo.Graph, live *Live) error {
	// 1. Namespaces, switches first so their fabrics exist before any link
	for _, n := range switchesFirst(g.Nodes()) {
		if err := m.addNode(ctx, live, n); err != nil {
			return err
		}
	}

	// 2. Links
	for _, e := range g.Edges() {
		if err := m.addLink(ctx, live, e); err != nil {
			return err
		}
	}

	// 3. Roles
	for _, ln := range live.Nodes() {
		if ln.Node.Hook == nil {
			continue
		}
		if err := ln.Node.Hook.OnStart(ctx, ln.Handle); err != nil {
			return fmt.Errorf("failed to start role %s on %s: %w", ln.Node.Hook.Name(), ln.Name(), err)
		}
		live.addStarted(ln)
		m.logger.WithField("node", ln.Name()).WithField("role", ln.Node.Hook.Name()).Debug("role started")
	}

	// 4. Routes
	for _, ln := range live.Nodes() {
		if err := m.addRoutes(ln); err != nil {
			return err
		}
	}
	return nil
}

func switchesFirst(nodes []*topo.Node) []*topo.Node {
	out := make([]*topo.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Kind == api.KindSwitch {
			out = append(out, n)
		}
	}
	for _, n := range nodes {
		if n.Kind != api.KindSwitch {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) addNode(ctx context.Context, live *Live, n *topo.Node) error {
	h, err := m.provider.Acquire(ctx, &n.Node)
	if err != nil {
		return fmt.Errorf("failed to create node %s: %w", n.Name, err)
	}
	ln := live.addNode(n, h)
	if err = h.SetUp("lo"); err != nil {
		return err
	}
	if n.Kind == api.KindSwitch {
		// recorded first so a half built fabric is still deleted on rollback
		live.addSwitch(ln)
		if err = m.fabric.AddSwitch(ctx, h); err != nil {
			return fmt.Errorf("failed to create switch %s: %w", n.Name, err)
		}
	}
	m.logger.WithField("node", n.Name).WithField("kind", string(n.Kind)).Debug("node created")
	return nil
}

func (m *Manager) addLink(ctx context.Context, live *Live, e *topo.Edge) error {
	a, err := live.Node(e.A.Node)
	if err != nil {
		return err
	}
	b, err := live.Node(e.B.Node)
	if err != nil {
		return err
	}
	vl, err := m.lm.Create(ctx,
		link.Endpoint{Node: a.Handle, Iface: e.A.Iface},
		link.Endpoint{Node: b.Handle, Iface: e.B.Iface})
	if err != nil {
		return err
	}
	live.addLink(vl)
	if err = m.configure(ctx, a, e.A.Iface); err != nil {
		return err
	}
	return m.configure(ctx, b, e.B.Iface)
}

// configure enslaves switch ports to the fabric and gives other interfaces their
// MAC and address.
func (m *Manager) configure(ctx context.Context, ln *LiveNode, iface string) error {
	if ln.Kind() == api.KindSwitch {
		if err := m.fabric.AddPort(ctx, ln.Handle, iface); err != nil {
			return fmt.Errorf("failed to attach %s to switch %s: %w", iface, ln.Name(), err)
		}
		return nil
	}
	params := ln.Node.Interface(iface)
	if params != nil && params.MAC != "" {
		if err := ln.Handle.SetMAC(iface, params.MAC); err != nil {
			return err
		}
	}
	if err := ln.Handle.SetUp(iface); err != nil {
		return err
	}
	if params != nil && params.IP != "" {
		if err := ln.Handle.AssignAddress(iface, params.IP); err != nil {
			return err
		}
	}
	return nil
}

// addRoutes installs the default route and any extra routes. Routes to directly
// connected subnets come from the kernel when addresses are assigned.
func (m *Manager) addRoutes(ln *LiveNode) error {
	if ln.Node.DefaultRoute != "" {
		if err := ln.Handle.AddRoute("default", ln.Node.DefaultRoute); err != nil {
			return err
		}
	}
	for _, r := range ln.Node.Routes {
		if err := ln.Handle.InstallRoute(r); err != nil {
			return err
		}
	}
	return nil
}

// Teardown stops roles, then deletes links, switch fabrics and namespaces, each in
// reverse creation order. Failures are logged and do not stop the rest of the
// cleanup. Tearing down the same Live twice is a no-op.
func (m *Manager) Teardown(ctx context.Context, live *Live) {
	if live == nil || !live.markTorndown() {
		return
	}
	live.mu.Lock()
	started := append([]*LiveNode(nil), live.started...)
	links := append([]*link.VirtualLink(nil), live.links...)
	switches := append([]*LiveNode(nil), live.switches...)
	nodes := append([]*LiveNode(nil), live.order...)
	live.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		ln := started[i]
		if err := ln.Node.Hook.OnStop(ctx, ln.Handle); err != nil {
			m.logger.WithError(err).WithField("node", ln.Name()).Warn("failed to stop role")
		}
	}
	for i := len(links) - 1; i >= 0; i-- {
		if err := links[i].Destroy(ctx); err != nil {
			m.logger.WithError(err).WithField("link", links[i].String()).Warn("failed to delete link")
		}
	}
	for i := len(switches) - 1; i >= 0; i-- {
		if err := m.fabric.DelSwitch(ctx, switches[i].Handle); err != nil {
			m.logger.WithError(err).WithField("switch", switches[i].Name()).Warn("failed to delete switch")
		}
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := m.provider.Release(ctx, nodes[i].Handle); err != nil {
			m.logger.WithError(err).WithField("node", nodes[i].Name()).Warn("failed to delete node")
		}
	}
	m.logger.Info("topology stopped")
}

// Close releases clients held by the manager; it does not tear anything down.
func (m *Manager) Close() error {
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}
