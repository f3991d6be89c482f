package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"

	"Netlab/pkg"
	"Netlab/pkg/link/linktest"
	"Netlab/pkg/netns"
	"Netlab/pkg/netns/netnstest"
	"Netlab/pkg/topo"
)

type nopFabric struct{}

func (nopFabric) AddSwitch(context.Context, *netns.Handle) error { return nil }
func (nopFabric) AddPort(context.Context, *netns.Handle, string) error { return nil }
func (nopFabric) DelSwitch(context.Context, *netns.Handle) error { return nil }

func startDemo(t *testing.T) (*pkg.Session, *netnstest.Provider) {
	t.Helper()
	p := netnstest.NewProvider()
	p.NewKernel = func(node string) *netnstest.Kernel {
		k := netnstest.NewKernel("/fake/netns/" + node)
		k.ExecFunc = func(_ context.Context, argv []string) ([]byte, int, error) {
			if strings.HasPrefix(argv[2], "false") {
				return nil, 1, nil
			}
			return []byte(node + ": " + argv[2] + "\n"), 0, nil
		}
		return k
	}
	m := pkg.NewManagerWith(p, linktest.NewDriver(p), nopFabric{}, log.Log)
	g, err := topo.LinuxRouter()
	if err != nil {
		t.Fatal(err)
	}
	s := pkg.NewSession(m, log.Log)
	if err := s.Start(context.Background(), g); err != nil {
		t.Fatal(err)
	}
	return s, p
}

func runShell(t *testing.T, s *pkg.Session, input string) string {
	t.Helper()
	var out bytes.Buffer
	if err := NewShell(s, strings.NewReader(input), &out).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	return out.String()
}

func TestShell(t *testing.T) {
	t.Run("node commands run inside the node with names expanded", func(t *testing.T) {
		s, _ := startDemo(t)
		defer s.Destroy(context.Background())
		out := runShell(t, s, "h1x1 ping -c1 h2x2\n")
		if !strings.Contains(out, "h1x1: ping -c1 172.16.0.102") {
			t.Fatal("unexpected output\n", out)
		}
	})

	t.Run("non-zero exit codes are shown, not fatal", func(t *testing.T) {
		s, _ := startDemo(t)
		defer s.Destroy(context.Background())
		out := runShell(t, s, "r0 false\nnodes\n")
		if !strings.Contains(out, "*** exit status 1") || !strings.Contains(out, "Node: h3x2") {
			t.Fatal("unexpected output\n", out)
		}
	})

	t.Run("routes prints a table and unknown input is reported", func(t *testing.T) {
		s, _ := startDemo(t)
		defer s.Destroy(context.Background())
		out := runShell(t, s, "routes r0\nfrobnicate\nroutes\n")
		for _, want := range []string{"Destination", "r0-eth3", "*** Unknown command: frobnicate", "usage: routes <node>"} {
			if !strings.Contains(out, want) {
				t.Fatalf("missing %q in\n%s", want, out)
			}
		}
	})

	t.Run("exit stops reading", func(t *testing.T) {
		s, p := startDemo(t)
		defer s.Destroy(context.Background())
		out := runShell(t, s, "exit\nh1x1 echo never\n")
		if !strings.Contains(out, "Exiting...") {
			t.Fatal("unexpected output\n", out)
		}
		if len(p.Kernel("h1x1").Commands()) != 0 {
			t.Fatal("commands after exit must not run")
		}
	})
}

func TestShellInterrupt(t *testing.T) {
	s, p := startDemo(t)
	defer s.Destroy(context.Background())
	started := make(chan struct{})
	p.Kernel("h1x1").ExecFunc = func(ctx context.Context, argv []string) ([]byte, int, error) {
		close(started)
		<-ctx.Done()
		return nil, 130, nil
	}

	in, feed := io.Pipe()
	var out bytes.Buffer
	sh := NewShell(s, in, &out)
	if sh.Interrupt() {
		t.Fatal("nothing runs yet")
	}
	done := make(chan error, 1)
	go func() {
		done <- sh.Run(context.Background())
	}()

	io.WriteString(feed, "h1x1 sleep 100\n")
	<-started
	if !sh.Interrupt() {
		t.Fatal("the running command should have been interrupted")
	}
	io.WriteString(feed, "h1x2 echo after\n")
	feed.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"*** Interrupted", "h1x2: echo after"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in\n%s", want, out.String())
		}
	}
}

func TestShellSendUsage(t *testing.T) {
	s, _ := startDemo(t)
	defer s.Destroy(context.Background())
	out := runShell(t, s, "send h1x1 h1x1-eth0\nrecv h1x1\n")
	for _, want := range []string{"usage: send", "usage: recv"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestRest(t *testing.T) {
	for _, tc := range []struct {
		line string
		n    int
		want string
	}{
		{"h1 echo \"a  b\"", 1, "echo \"a  b\""},
		{"send h1 eth0 10.0.0.1 - hello  world", 5, "hello  world"},
		{"h1", 1, ""},
	} {
		if got := rest(tc.line, tc.n); got != tc.want {
			t.Fatalf("rest(%q, %d) = %q, want %q", tc.line, tc.n, got, tc.want)
		}
	}
}

func TestPrintRouterTables(t *testing.T) {
	s, _ := startDemo(t)
	defer s.Destroy(context.Background())

	t.Run("tables are logged at info level", func(t *testing.T) {
		h := memory.New()
		printRouterTables(s, &log.Logger{Handler: h, Level: log.InfoLevel})
		var msgs []string
		for _, e := range h.Entries {
			msgs = append(msgs, e.Message)
		}
		joined := strings.Join(msgs, "\n")
		for _, want := range []string{"*** Routing Table on Router r0:", "Destination", "r0-eth2"} {
			if !strings.Contains(joined, want) {
				t.Fatalf("missing %q in\n%s", want, joined)
			}
		}
	})

	t.Run("a quieter level hides them", func(t *testing.T) {
		h := memory.New()
		printRouterTables(s, &log.Logger{Handler: h, Level: log.WarnLevel})
		if len(h.Entries) != 0 {
			t.Fatal("nothing should be logged", len(h.Entries))
		}
	})
}

func TestShowCmd(t *testing.T) {
	g, err := topo.LinuxRouter()
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	showNodes(&out, g)
	if !strings.Contains(out.String(), "Node: h1x1, Kind: host, h1x1-eth0 192.168.1.101/24, default via 192.168.1.1") {
		t.Fatal("unexpected output\n", out.String())
	}
	out.Reset()
	showLinks(&out, g)
	if !strings.Contains(out.String(), "Link: s1:s1-eth1 <-> r0:r0-eth1") {
		t.Fatal("unexpected output\n", out.String())
	}
}
