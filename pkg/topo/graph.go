// Package topo describes a topology before anything is created: nodes, the
// interfaces they will own, and the links between those interfaces.
package topo

import (
	"errors"
	"fmt"

	"Netlab/api"
	"Netlab/pkg/role"
	"Netlab/pkg/util"
)

var (
	ErrDuplicateNode     = errors.New("topo: node already exists")
	ErrUnknownNode       = errors.New("topo: unknown node")
	ErrInterfaceConflict = errors.New("topo: interface already in use")
	ErrInvalidInterface  = errors.New("topo: invalid interface name")
	ErrInvalidKind       = errors.New("topo: invalid node kind")
	ErrInvalidCIDR       = errors.New("topo: invalid CIDR")
	ErrInvalidMAC        = errors.New("topo: invalid MAC")
	ErrInvalidRoute      = errors.New("topo: invalid route")
)

// Node is a declared node. Interfaces are filled in by AddLink.
type Node struct {
	api.Node
	Hook       role.Hook
	Interfaces []*api.Interface

	nextPort int
}

func (n *Node) Interface(name string) *api.Interface {
	for _, i := range n.Interfaces {
		if i.Name == name {
			return i
		}
	}
	return nil
}

// Endpoint names one side of an edge.
type Endpoint struct {
	Node  string
	Iface string
}

func (e Endpoint) String() string {
	return e.Node + ":" + e.Iface
}

type Edge struct {
	A, B Endpoint
}

type NodeParams struct {
	IP           string
	MAC          string
	DefaultRoute string
	Routes       []api.Route
	Image        string
	// Hook defaults to role.IPForwarder for routers.
	Hook role.Hook
}

type LinkParams struct {
	Intf1, Intf2     string
	Params1, Params2 api.InterfaceParams
}

// Graph is the declarative model. It is not safe for concurrent mutation.
type Graph struct {
	nodes map[string]*Node
	order []string
	edges []*Edge
}

func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// AddNode declares a node. On error the graph is left unchanged.
func (g *Graph) AddNode(id string, kind api.Kind, p NodeParams) (*Node, error) {
	if _, existed := g.nodes[id]; existed {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	if id == "" || !util.CheckInterfaceName(id) {
		return nil, fmt.Errorf("%w: node id %q", ErrInvalidInterface, id)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := checkAddress(p.IP, p.MAC); err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	if p.DefaultRoute != "" {
		if _, err := util.ParseGateway(p.DefaultRoute); err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", ErrInvalidRoute, id, err)
		}
	}
	for _, r := range p.Routes {
		if err := checkRoute(r); err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", ErrInvalidRoute, id, err)
		}
	}

	hook := p.Hook
	if hook == nil && kind == api.KindRouter {
		hook = role.IPForwarder()
	}
	n := &Node{
		Node: api.Node{
			Name:         id,
			Kind:         kind,
			IP:           p.IP,
			MAC:          p.MAC,
			DefaultRoute: p.DefaultRoute,
			Routes:       append([]api.Route(nil), p.Routes...),
			Image:        p.Image,
		},
		Hook:     hook,
		nextPort: portBase(kind),
	}
	if hook != nil {
		n.Role = hook.Name()
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n, nil
}

// Switch ports are numbered from 1, everything else from 0.
func portBase(kind api.Kind) int {
	if kind == api.KindSwitch {
		return 1
	}
	return 0
}

func checkAddress(ip, mac string) error {
	if ip != "" && !util.CheckCIDR(ip) {
		return fmt.Errorf("%w: %q", ErrInvalidCIDR, ip)
	}
	if mac != "" && !util.CheckMAC(mac) {
		return fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return nil
}

func checkRoute(r api.Route) error {
	if _, err := util.ParseDestination(r.Dst); err != nil {
		return err
	}
	if r.Via == "" && r.Dev == "" {
		return fmt.Errorf("route to %s needs a gateway or a device", r.Dst)
	}
	if r.Via != "" {
		if _, err := util.ParseGateway(r.Via); err != nil {
			return err
		}
	}
	return nil
}

// AddLink declares a link between a and b. Empty interface names are generated as
// <node>-eth<port>. On error the graph is left unchanged.
func (g *Graph) AddLink(a, b string, p LinkParams) (*Edge, error) {
	na, ok := g.nodes[a]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, a)
	}
	nb, ok := g.nodes[b]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, b)
	}
	if err := checkAddress(p.Params1.IP, p.Params1.MAC); err != nil {
		return nil, fmt.Errorf("link %s-%s: %w", a, b, err)
	}
	if err := checkAddress(p.Params2.IP, p.Params2.MAC); err != nil {
		return nil, fmt.Errorf("link %s-%s: %w", a, b, err)
	}

	// ports reserved on a must be visible when naming b's end of a self link
	reserved := map[string]bool{}
	name1, port1, err := g.pickName(na, p.Intf1, na.nextPort, reserved)
	if err != nil {
		return nil, err
	}
	reserved[endpointKey(a, name1)] = true
	startB := nb.nextPort
	if a == b {
		startB = port1 + 1
	}
	name2, port2, err := g.pickName(nb, p.Intf2, startB, reserved)
	if err != nil {
		return nil, err
	}

	i1 := &api.Interface{Name: name1, Node: a, IP: p.Params1.IP, MAC: p.Params1.MAC}
	i2 := &api.Interface{Name: name2, Node: b, IP: p.Params2.IP, MAC: p.Params2.MAC}
	inheritNodeAddress(na, i1)
	na.Interfaces = append(na.Interfaces, i1)
	na.nextPort = port1 + 1
	inheritNodeAddress(nb, i2)
	nb.Interfaces = append(nb.Interfaces, i2)
	if port2+1 > nb.nextPort {
		nb.nextPort = port2 + 1
	}

	e := &Edge{A: Endpoint{Node: a, Iface: name1}, B: Endpoint{Node: b, Iface: name2}}
	g.edges = append(g.edges, e)
	return e, nil
}

func endpointKey(node, iface string) string {
	return node + "/" + iface
}

// pickName validates an explicit name or generates the next free one. The
// returned port is the one the name consumed.
func (g *Graph) pickName(n *Node, explicit string, port int, reserved map[string]bool) (string, int, error) {
	taken := func(name string) bool {
		return n.Interface(name) != nil || reserved[endpointKey(n.Name, name)]
	}
	if explicit != "" {
		if !util.CheckInterfaceName(explicit) {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidInterface, explicit)
		}
		if taken(explicit) {
			return "", 0, fmt.Errorf("%w: %s:%s", ErrInterfaceConflict, n.Name, explicit)
		}
		return explicit, port, nil
	}
	for {
		name := fmt.Sprintf("%s-eth%d", n.Name, port)
		if !util.CheckInterfaceName(name) {
			return "", 0, fmt.Errorf("%w: generated name %q is too long", ErrInvalidInterface, name)
		}
		if !taken(name) {
			return name, port, nil
		}
		port++
	}
}

// The node-level IP and MAC belong to the node's first interface.
func inheritNodeAddress(n *Node, i *api.Interface) {
	if len(n.Interfaces) > 0 || n.Kind == api.KindSwitch {
		return
	}
	if i.IP == "" {
		i.IP = n.IP
	}
	if i.MAC == "" {
		i.MAC = n.MAC
	}
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

func (g *Graph) Edges() []*Edge {
	return append([]*Edge(nil), g.edges...)
}

func (g *Graph) NodeCount() int { return len(g.order) }
func (g *Graph) EdgeCount() int { return len(g.edges) }
