package pkg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"regexp"

	"github.com/apex/log"

	"Netlab/api"
	"Netlab/pkg/netns"
	"Netlab/pkg/packet"
	"Netlab/pkg/topo"
)

var ErrNotStarted = errors.New("no topology is running")

// Session owns at most one running topology for the command line.
type Session struct {
	m      *Manager
	live   *Live
	logger log.Interface
	open   func(h *netns.Handle, iface string) (packet.Conn, packet.Iface, error)
}

func NewSession(m *Manager, logger log.Interface) *Session {
	return &Session{m: m, logger: logger, open: openSocket}
}

func openSocket(h *netns.Handle, iface string) (packet.Conn, packet.Iface, error) {
	s, ifc, err := packet.Open(h.Do, iface)
	if err != nil {
		return nil, packet.Iface{}, err
	}
	return s, ifc, nil
}

func (s *Session) Start(ctx context.Context, g *topo.Graph) error {
	if s.live != nil {
		return fmt.Errorf("a topology is already running")
	}
	live, err := s.m.Materialize(ctx, g)
	if err != nil {
		return err
	}
	s.live = live
	return nil
}

// ApplyTopoConfig loads a YAML topology and starts it.
func (s *Session) ApplyTopoConfig(ctx context.Context, path string) error {
	g, err := topo.Load(path)
	if err != nil {
		return err
	}
	return s.Start(ctx, g)
}

// Destroy tears the running topology down; it is safe to call more than once.
func (s *Session) Destroy(ctx context.Context) {
	if s.live == nil {
		return
	}
	s.m.Teardown(ctx, s.live)
}

func (s *Session) Live() *Live { return s.live }

func (s *Session) running() error {
	if s.live == nil || s.live.TornDown() {
		return ErrNotStarted
	}
	return nil
}

func (s *Session) ShowNodes(w io.Writer) {
	if s.running() != nil {
		return
	}
	for _, ln := range s.live.Nodes() {
		fmt.Fprintf(w, "Node: %s, Kind: %s", ln.Name(), ln.Kind())
		if ln.Node.Hook != nil {
			fmt.Fprintf(w, ", Role: %s", ln.Node.Hook.Name())
		}
		for _, i := range ln.Handle.Interfaces() {
			fmt.Fprintf(w, ", %s", i.Name)
			if i.IP != "" {
				fmt.Fprintf(w, " %s", i.IP)
			}
			if i.MAC != "" {
				fmt.Fprintf(w, " %s", i.MAC)
			}
		}
		fmt.Fprintln(w)
	}
}

func (s *Session) ShowLinks(w io.Writer) {
	if s.running() != nil {
		return
	}
	for _, l := range s.live.Links() {
		fmt.Fprintf(w, "Link: %s\n", l)
	}
}

// RouteTable renders the IPv4 route table of node.
func (s *Session) RouteTable(node string) (string, error) {
	if err := s.running(); err != nil {
		return "", err
	}
	ln, err := s.live.Node(node)
	if err != nil {
		return "", err
	}
	routes, err := ln.Handle.Routes()
	if err != nil {
		return "", err
	}
	return netns.FormatRoutes(routes), nil
}

// Exec runs command on node. Words naming another node are replaced with that
// node's IP, so "h1x1 ping -c1 h3x2" works.
func (s *Session) Exec(ctx context.Context, node, command string) (netns.Result, error) {
	ln, err := s.node(node)
	if err != nil {
		return netns.Result{}, err
	}
	return ln.Handle.Execute(ctx, s.substitute(command))
}

// Run is Exec with the output streamed to w.
func (s *Session) Run(ctx context.Context, node, command string, w io.Writer) (netns.Result, error) {
	ln, err := s.node(node)
	if err != nil {
		return netns.Result{}, err
	}
	return ln.Handle.Stream(ctx, s.substitute(command), w)
}

func (s *Session) node(name string) (*LiveNode, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.live.Node(name)
}

var wordRe = regexp.MustCompile(`\S+`)

// substitute replaces whole words only, leaving the spacing of the rest alone.
func (s *Session) substitute(command string) string {
	return wordRe.ReplaceAllStringFunc(command, func(w string) string {
		if ln, err := s.live.Node(w); err == nil {
			if ip := ln.IP(); ip != "" {
				return ip
			}
		}
		return w
	})
}

// addr resolves a node name or an IPv4 address. "" and "-" mean none.
func (s *Session) addr(word string) (netip.Addr, error) {
	if word == "" || word == "-" {
		return netip.Addr{}, nil
	}
	if ln, err := s.live.Node(word); err == nil {
		word = ln.IP()
	}
	a, err := netip.ParseAddr(word)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", word, err)
	}
	return a, nil
}

// Send builds an IPv4 packet carrying msg on node's iface and sends it to dst,
// through router when dst is on another subnet. dst and router may be node names.
func (s *Session) Send(ctx context.Context, node, iface, dst, router, msg string, w io.Writer) error {
	ln, err := s.node(node)
	if err != nil {
		return err
	}
	to, err := s.addr(dst)
	if err != nil {
		return err
	}
	via, err := s.addr(router)
	if err != nil {
		return err
	}
	c, ifc, err := s.open(ln.Handle, iface)
	if err != nil {
		return err
	}
	defer c.Close()
	n, err := packet.Send(ctx, c, ifc, to, via, []byte(msg))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d bytes sent from %s:%s to %s\n", n, node, iface, to)
	return nil
}

// Recv waits on node's iface for one packet sent with Send, answering ARP
// requests for the interface meanwhile.
func (s *Session) Recv(ctx context.Context, node, iface string, w io.Writer) error {
	ln, err := s.node(node)
	if err != nil {
		return err
	}
	c, ifc, err := s.open(ln.Handle, iface)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintf(w, "Receiving on %s:%s...\n", node, iface)
	msg, err := packet.Recv(ctx, c, ifc)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Message: %s\nSource MAC: %s\nSource IP: %s\n", msg.Payload, msg.SrcMAC, msg.SrcIP)
	return nil
}

// PingAll pings every addressed non-switch node from every other one and returns
// the number of lost pings.
func (s *Session) PingAll(ctx context.Context, w io.Writer) (int, error) {
	if err := s.running(); err != nil {
		return 0, err
	}
	var hosts []*LiveNode
	for _, ln := range s.live.Nodes() {
		if ln.Kind() != api.KindSwitch {
			hosts = append(hosts, ln)
		}
	}
	sent, lost := 0, 0
	for _, src := range hosts {
		fmt.Fprintf(w, "%s ->", src.Name())
		for _, dst := range hosts {
			if dst == src || dst.IP() == "" {
				continue
			}
			sent++
			res, err := src.Handle.Execute(ctx, "ping -c1 -W1 "+dst.IP())
			if err != nil {
				return lost, err
			}
			if res.ExitCode == 0 {
				fmt.Fprintf(w, " %s", dst.Name())
			} else {
				lost++
				fmt.Fprint(w, " X")
			}
		}
		fmt.Fprintln(w)
	}
	if sent > 0 {
		fmt.Fprintf(w, "*** Results: %d%% dropped (%d/%d received)\n", lost*100/sent, sent-lost, sent)
	}
	return lost, nil
}
