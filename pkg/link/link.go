package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"

	"Netlab/pkg/netns"
)

// Endpoint is one end of a link: an interface name inside a namespace.
type Endpoint struct {
	Node  *netns.Handle
	Iface string
}

func (e Endpoint) String() string {
	return e.Node.Name() + ":" + e.Iface
}

// Driver creates and deletes interface pairs. AddPair must leave nothing behind
// when it fails. DelPair must succeed when the pair is already gone.
type Driver interface {
	AddPair(ctx context.Context, a, b Endpoint) error
	DelPair(ctx context.Context, a, b Endpoint) error
}

type VirtualLink struct {
	A, B Endpoint

	driver    Driver
	mu        sync.Mutex
	destroyed bool
}

type LinkManager struct {
	driver Driver
	logger log.Interface
}

func NewLinkManager(d Driver, logger log.Interface) *LinkManager {
	return &LinkManager{
		driver: d,
		logger: logger,
	}
}

// Create joins a and b. Either both ends exist and sit in their namespaces, or
// neither does.
func (lm *LinkManager) Create(ctx context.Context, a, b Endpoint) (*VirtualLink, error) {
	for _, ep := range []Endpoint{a, b} {
		if ep.Node.Closed() {
			return nil, &netns.NamespaceUnavailableError{Name: ep.Node.Name()}
		}
	}
	if err := lm.driver.AddPair(ctx, a, b); err != nil {
		return nil, fmt.Errorf("failed to create link %s <-> %s: %w", a, b, err)
	}
	a.Node.Attach(a.Iface)
	b.Node.Attach(b.Iface)
	lm.logger.WithFields(log.Fields{"a": a.String(), "b": b.String()}).Debug("link created")
	return &VirtualLink{A: a, B: b, driver: lm.driver}, nil
}

// Destroy removes both ends. Destroying twice is a no-op.
func (l *VirtualLink) Destroy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return nil
	}
	if err := l.driver.DelPair(ctx, l.A, l.B); err != nil {
		return fmt.Errorf("failed to delete link %s <-> %s: %w", l.A, l.B, err)
	}
	l.destroyed = true
	l.A.Node.Detach(l.A.Iface)
	l.B.Node.Detach(l.B.Iface)
	return nil
}

func (l *VirtualLink) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

func (l *VirtualLink) String() string {
	return l.A.String() + " <-> " + l.B.String()
}
