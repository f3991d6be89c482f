// Package role holds optional per-node behavior applied after a node's
// interfaces are configured and undone before it is torn down.
package role

import (
	"context"
	"fmt"
	"sort"

	"Netlab/pkg/netns"
)

// Hook must be idempotent and must not depend on the order in which hooks of
// other nodes run.
type Hook interface {
	Name() string
	OnStart(ctx context.Context, h *netns.Handle) error
	OnStop(ctx context.Context, h *netns.Handle) error
}

// Sysctl writes Start to Key when a node starts and Stop when it stops.
type Sysctl struct {
	Label string
	Key   string
	Start string
	Stop  string
}

func (s *Sysctl) Name() string { return s.Label }

func (s *Sysctl) OnStart(_ context.Context, h *netns.Handle) error {
	return s.set(h, s.Start)
}

func (s *Sysctl) OnStop(_ context.Context, h *netns.Handle) error {
	return s.set(h, s.Stop)
}

func (s *Sysctl) set(h *netns.Handle, value string) error {
	if cur, err := h.Sysctl(s.Key); err == nil && cur == value {
		return nil
	}
	if _, err := h.Sysctl(s.Key, value); err != nil {
		return fmt.Errorf("failed to set %s=%s on %s: %w", s.Key, value, h.Name(), err)
	}
	return nil
}

const (
	IPv4ForwardKey = "net.ipv4.ip_forward"
	IPv6ForwardKey = "net.ipv6.conf.all.forwarding"
)

// IPForwarder turns a namespace into an IPv4 router.
func IPForwarder() Hook {
	return &Sysctl{Label: "forwarder", Key: IPv4ForwardKey, Start: "1", Stop: "0"}
}

func IPv6Forwarder() Hook {
	return &Sysctl{Label: "forwarder6", Key: IPv6ForwardKey, Start: "1", Stop: "0"}
}

var registry = map[string]func() Hook{
	"forwarder":  IPForwarder,
	"forwarder6": IPv6Forwarder,
}

// Lookup returns a fresh hook registered under name.
func Lookup(name string) (Hook, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown role %q (known: %v)", name, Names())
	}
	return fn(), nil
}

func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
