package pkg

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"Netlab/api"
	"Netlab/pkg/link/linktest"
	"Netlab/pkg/netns"
	"Netlab/pkg/netns/netnstest"
	"Netlab/pkg/role"
	"Netlab/pkg/topo"
)

type fakeFabric struct {
	mu       sync.Mutex
	switches map[string]bool
	ports    map[string][]string
	failPort string

	// failSwitch is created, then reported as failed
	failSwitch string
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{switches: map[string]bool{}, ports: map[string][]string{}}
}

func (f *fakeFabric) AddSwitch(_ context.Context, sw *netns.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches[sw.Name()] = true
	if sw.Name() == f.failSwitch {
		return errors.New("fail mode refused")
	}
	return nil
}

func (f *fakeFabric) AddPort(_ context.Context, sw *netns.Handle, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if iface == f.failPort {
		return errors.New("port refused")
	}
	if !f.switches[sw.Name()] {
		return fmt.Errorf("no switch %s", sw.Name())
	}
	f.ports[sw.Name()] = append(f.ports[sw.Name()], iface)
	return nil
}

func (f *fakeFabric) DelSwitch(_ context.Context, sw *netns.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.switches, sw.Name())
	delete(f.ports, sw.Name())
	return nil
}

func (f *fakeFabric) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.switches)
}

type fixture struct {
	provider *netnstest.Provider
	driver   *linktest.Driver
	fabric   *fakeFabric
	m        *Manager
}

func newFixture() *fixture {
	p := netnstest.NewProvider()
	d := linktest.NewDriver(p)
	f := newFakeFabric()
	return &fixture{
		provider: p,
		driver:   d,
		fabric:   f,
		m:        NewManagerWith(p, d, f, log.Log),
	}
}

// reachable answers "ping -c1 ... <ip>" the way a flat network would: the source
// needs a route covering the target and some namespace must own the address.
func (fx *fixture) emulatePing(g *topo.Graph) {
	fx.provider.NewKernel = func(node string) *netnstest.Kernel {
		k := netnstest.NewKernel("/fake/netns/" + node)
		k.ExecFunc = func(_ context.Context, argv []string) ([]byte, int, error) {
			words := strings.Fields(argv[len(argv)-1])
			target, err := netip.ParseAddr(words[len(words)-1])
			if err != nil {
				return nil, 2, nil
			}
			routes, _ := k.RouteList()
			routed := false
			for _, r := range routes {
				if r.Dst.Contains(target) {
					routed = true
				}
			}
			if !routed {
				return []byte("connect: Network is unreachable\n"), 2, nil
			}
			for _, n := range g.Nodes() {
				other := fx.provider.Kernel(n.Name)
				for _, i := range n.Interfaces {
					addrs, _ := other.AddrList(i.Name)
					for _, a := range addrs {
						if a.Addr() == target {
							return []byte("1 packets transmitted, 1 received\n"), 0, nil
						}
					}
				}
			}
			return []byte("1 packets transmitted, 0 received\n"), 1, nil
		}
		return k
	}
}

func demo(t *testing.T) *topo.Graph {
	t.Helper()
	g, err := topo.LinuxRouter()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()

	t.Run("every node and edge becomes live with its addresses", func(t *testing.T) {
		fx := newFixture()
		g := demo(t)
		live, err := fx.m.Materialize(ctx, g)
		if err != nil {
			t.Fatal(err)
		}
		if live.Namespaces() != g.NodeCount() || fx.provider.Live() != g.NodeCount() {
			t.Fatal("unexpected namespace count", live.Namespaces())
		}
		if live.LiveLinks() != g.EdgeCount() || fx.driver.Live() != g.EdgeCount() {
			t.Fatal("unexpected link count", live.LiveLinks())
		}
		for _, n := range g.Nodes() {
			ln, err := live.Node(n.Name)
			if err != nil {
				t.Fatal(err)
			}
			for _, i := range n.Interfaces {
				got, err := ln.Handle.Address(i.Name)
				if err != nil {
					t.Fatal(err)
				}
				if got != i.IP {
					t.Fatalf("%s:%s has %q, want %q", n.Name, i.Name, got, i.IP)
				}
			}
		}
	})

	t.Run("switches are created before any node that links to them", func(t *testing.T) {
		fx := newFixture()
		if _, err := fx.m.Materialize(ctx, demo(t)); err != nil {
			t.Fatal(err)
		}
		want := []string{"s1", "s2", "s3", "r0", "h1x1", "h1x2", "h2x1", "h2x2", "h3x1", "h3x2"}
		if diff := cmp.Diff(want, fx.provider.Acquired()); diff != "" {
			t.Fatal(diff)
		}
		wantPorts := []string{"s1-eth1", "s1-eth2", "s1-eth3"}
		if diff := cmp.Diff(wantPorts, fx.fabric.ports["s1"]); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("hosts get MAC, default route and up interfaces; the router forwards", func(t *testing.T) {
		fx := newFixture()
		live, err := fx.m.Materialize(ctx, demo(t))
		if err != nil {
			t.Fatal(err)
		}
		k := fx.provider.Kernel("h3x1")
		if k.MAC("h3x1-eth0") != "00:00:00:00:00:31" || !k.IsUp("h3x1-eth0") || !k.IsUp("lo") {
			t.Fatal("h3x1-eth0 is not configured")
		}
		ln, _ := live.Node("h3x1")
		routes, err := ln.Handle.Routes()
		if err != nil {
			t.Fatal(err)
		}
		var dflt []netns.Route
		for _, r := range routes {
			if r.IsDefault() {
				dflt = append(dflt, r)
			}
		}
		want := []netns.Route{{
			Dst:     netip.MustParsePrefix("0.0.0.0/0"),
			Gateway: netip.MustParseAddr("10.0.0.1"),
			Dev:     "h3x1-eth0",
		}}
		if diff := cmp.Diff(want, dflt, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
			cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
			t.Fatal(diff)
		}
		if v, _ := fx.provider.Kernel("r0").Sysctl(role.IPv4ForwardKey); v != "1" {
			t.Fatal("router does not forward")
		}
		if v, _ := fx.provider.Kernel("h1x1").Sysctl(role.IPv4ForwardKey); v != "0" {
			t.Fatal("hosts must not forward")
		}
	})

	t.Run("a host reaches its gateway", func(t *testing.T) {
		fx := newFixture()
		g := topo.NewGraph()
		mustNode(t, g, "r0", api.KindRouter, topo.NodeParams{})
		mustNode(t, g, "s1", api.KindSwitch, topo.NodeParams{})
		mustNode(t, g, "h1", api.KindHost, topo.NodeParams{IP: "192.168.1.101/24", DefaultRoute: "via 192.168.1.1"})
		mustLink(t, g, "s1", "r0", topo.LinkParams{Params2: api.InterfaceParams{IP: "192.168.1.1/24"}})
		mustLink(t, g, "h1", "s1", topo.LinkParams{})
		fx.emulatePing(g)

		live, err := fx.m.Materialize(ctx, g)
		if err != nil {
			t.Fatal(err)
		}
		h1, _ := live.Node("h1")
		res, err := h1.Handle.Execute(ctx, "ping -c1 -W1 192.168.1.1")
		if err != nil {
			t.Fatal(err)
		}
		if res.ExitCode != 0 {
			t.Fatalf("ping failed: %+v", res)
		}
		res, err = h1.Handle.Execute(ctx, "ping -c1 -W1 192.168.1.7")
		if err != nil {
			t.Fatal(err)
		}
		if res.ExitCode == 0 {
			t.Fatal("nobody owns 192.168.1.7")
		}
	})
}

func mustNode(t *testing.T, g *topo.Graph, id string, kind api.Kind, p topo.NodeParams) {
	t.Helper()
	if _, err := g.AddNode(id, kind, p); err != nil {
		t.Fatal(err)
	}
}

func mustLink(t *testing.T, g *topo.Graph, a, b string, p topo.LinkParams) {
	t.Helper()
	if _, err := g.AddLink(a, b, p); err != nil {
		t.Fatal(err)
	}
}

func TestMaterializeRollback(t *testing.T) {
	ctx := context.Background()

	assertNothingLive := func(t *testing.T, fx *fixture) {
		t.Helper()
		if fx.provider.Live() != 0 || fx.driver.Live() != 0 || fx.fabric.live() != 0 {
			t.Fatalf("left behind: %d namespaces, %d links, %d switches",
				fx.provider.Live(), fx.driver.Live(), fx.fabric.live())
		}
	}

	t.Run("a failure after k links removes everything", func(t *testing.T) {
		edges := demo(t).EdgeCount()
		for k := 0; k < edges; k++ {
			fx := newFixture()
			fx.driver.FailAfter = k
			live, err := fx.m.Materialize(ctx, demo(t))
			if !errors.Is(err, linktest.ErrInjected) {
				t.Fatalf("k=%d: not the error we expected: %v", k, err)
			}
			if live != nil {
				t.Fatal("no topology should be returned")
			}
			assertNothingLive(t, fx)
		}
	})

	t.Run("resource exhaustion is propagated after rollback", func(t *testing.T) {
		fx := newFixture()
		fx.provider.FailOn = "h2x1"
		fx.provider.FailErr = netns.Classify("namespace", unix.ENOSPC)
		_, err := fx.m.Materialize(ctx, demo(t))
		var ree *netns.ResourceExhaustionError
		if !errors.As(err, &ree) {
			t.Fatal("not the error we expected", err)
		}
		assertNothingLive(t, fx)
		released := fx.provider.Released()
		acquired := fx.provider.Acquired()
		if len(released) != len(acquired) {
			t.Fatal("not every namespace was released", acquired, released)
		}
		for i := range acquired {
			if released[i] != acquired[len(acquired)-1-i] {
				t.Fatal("namespaces must be released in reverse order", released)
			}
		}
	})

	t.Run("a failing role stops the ones already started", func(t *testing.T) {
		fx := newFixture()
		g := topo.NewGraph()
		mustNode(t, g, "r0", api.KindRouter, topo.NodeParams{})
		mustNode(t, g, "r1", api.KindRouter, topo.NodeParams{Hook: failingHook{}})
		mustLink(t, g, "r0", "r1", topo.LinkParams{})
		_, err := fx.m.Materialize(ctx, g)
		if err == nil || !strings.Contains(err.Error(), "broken") {
			t.Fatal("not the error we expected", err)
		}
		if v, _ := fx.provider.Kernel("r0").Sysctl(role.IPv4ForwardKey); v != "0" {
			t.Fatal("r0 forwarding should have been turned off again")
		}
		assertNothingLive(t, fx)
	})

	t.Run("an unreachable gateway fails the whole topology", func(t *testing.T) {
		fx := newFixture()
		g := topo.NewGraph()
		mustNode(t, g, "h1", api.KindHost, topo.NodeParams{IP: "10.0.0.2/24", DefaultRoute: "via 192.168.1.1"})
		mustNode(t, g, "h2", api.KindHost, topo.NodeParams{IP: "10.0.0.3/24"})
		mustLink(t, g, "h1", "h2", topo.LinkParams{})
		if _, err := fx.m.Materialize(ctx, g); err == nil {
			t.Fatal("expected an error")
		}
		assertNothingLive(t, fx)
	})

	t.Run("a switch that fails half way through creation is still deleted", func(t *testing.T) {
		fx := newFixture()
		fx.fabric.failSwitch = "s2"
		_, err := fx.m.Materialize(ctx, demo(t))
		if err == nil || !strings.Contains(err.Error(), "fail mode refused") {
			t.Fatal("not the error we expected", err)
		}
		assertNothingLive(t, fx)
	})

	t.Run("a switch port failure rolls back", func(t *testing.T) {
		fx := newFixture()
		fx.fabric.failPort = "s2-eth2"
		if _, err := fx.m.Materialize(ctx, demo(t)); err == nil {
			t.Fatal("expected an error")
		}
		assertNothingLive(t, fx)
	})
}

type failingHook struct{}

func (failingHook) Name() string { return "failing" }

func (failingHook) OnStart(context.Context, *netns.Handle) error {
	return errors.New("broken")
}

func (failingHook) OnStop(context.Context, *netns.Handle) error { return nil }

func TestTeardown(t *testing.T) {
	ctx := context.Background()

	t.Run("teardown twice leaves nothing and does not fail", func(t *testing.T) {
		fx := newFixture()
		live, err := fx.m.Materialize(ctx, demo(t))
		if err != nil {
			t.Fatal(err)
		}
		r0 := fx.provider.Kernel("r0")
		fx.m.Teardown(ctx, live)
		if fx.provider.Live() != 0 || fx.driver.Live() != 0 || fx.fabric.live() != 0 {
			t.Fatal("resources left after teardown")
		}
		if live.Namespaces() != 0 || live.LiveLinks() != 0 {
			t.Fatal("live topology still reports resources")
		}
		if v, _ := r0.Sysctl(role.IPv4ForwardKey); v != "0" {
			t.Fatal("forwarding should be off after teardown")
		}
		released := len(fx.provider.Released())
		fx.m.Teardown(ctx, live)
		if len(fx.provider.Released()) != released {
			t.Fatal("second teardown released again")
		}
		if !live.TornDown() {
			t.Fatal("live topology should be marked torn down")
		}
	})

	t.Run("handles are unavailable after teardown", func(t *testing.T) {
		fx := newFixture()
		live, err := fx.m.Materialize(ctx, demo(t))
		if err != nil {
			t.Fatal(err)
		}
		h1, _ := live.Node("h1x1")
		fx.m.Teardown(ctx, live)
		var nue *netns.NamespaceUnavailableError
		if _, err := h1.Handle.Execute(ctx, "true"); !errors.As(err, &nue) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("nil is ignored", func(t *testing.T) {
		newFixture().m.Teardown(ctx, nil)
	})
}

func TestConfig(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Switch = "hub"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error")
	}
	cfg = DefaultConfig()
	cfg.Prefix = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error")
	}
}
