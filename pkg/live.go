package pkg

import (
	"fmt"
	"sync"

	"Netlab/api"
	"Netlab/pkg/link"
	"Netlab/pkg/netns"
	"Netlab/pkg/topo"
	"Netlab/pkg/util"
)

// LiveNode is a declared node bound to its namespace.
type LiveNode struct {
	Node   *topo.Node
	Handle *netns.Handle
}

func (ln *LiveNode) Name() string   { return ln.Node.Name }
func (ln *LiveNode) Kind() api.Kind { return ln.Node.Kind }

// IP is the host address of the node's first addressed interface, or "".
func (ln *LiveNode) IP() string {
	for _, i := range ln.Handle.Interfaces() {
		if i.IP != "" {
			return util.HostIP(i.IP)
		}
	}
	return ""
}

// Live is a materialized topology. Every operation takes it explicitly; there is
// no implicit current topology.
type Live struct {
	mu       sync.Mutex
	nodes    map[string]*LiveNode
	order    []*LiveNode
	switches []*LiveNode
	links    []*link.VirtualLink
	started  []*LiveNode
	torndown bool
}

func newLive() *Live {
	return &Live{nodes: make(map[string]*LiveNode)}
}

func (l *Live) addNode(n *topo.Node, h *netns.Handle) *LiveNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln := &LiveNode{Node: n, Handle: h}
	l.nodes[n.Name] = ln
	l.order = append(l.order, ln)
	return ln
}

func (l *Live) addSwitch(ln *LiveNode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.switches = append(l.switches, ln)
}

func (l *Live) addLink(vl *link.VirtualLink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.links = append(l.links, vl)
}

func (l *Live) addStarted(ln *LiveNode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, ln)
}

// markTorndown reports whether the caller is the first to tear l down.
func (l *Live) markTorndown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.torndown {
		return false
	}
	l.torndown = true
	return true
}

func (l *Live) TornDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.torndown
}

func (l *Live) Node(name string) (*LiveNode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", topo.ErrUnknownNode, name)
	}
	return ln, nil
}

// Nodes returns the nodes in creation order.
func (l *Live) Nodes() []*LiveNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*LiveNode(nil), l.order...)
}

func (l *Live) Links() []*link.VirtualLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*link.VirtualLink(nil), l.links...)
}

// Namespaces counts nodes whose namespace is still open.
func (l *Live) Namespaces() int {
	n := 0
	for _, ln := range l.Nodes() {
		if !ln.Handle.Closed() {
			n++
		}
	}
	return n
}

// LiveLinks counts links that were not destroyed.
func (l *Live) LiveLinks() int {
	n := 0
	for _, vl := range l.Links() {
		if !vl.Destroyed() {
			n++
		}
	}
	return n
}
