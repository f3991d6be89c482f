package netns

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"Netlab/api"
	"Netlab/pkg/util"
)

// Result is the outcome of Handle.Execute. A non-zero ExitCode is not an error.
type Result struct {
	Command  string
	Stdout   string
	ExitCode int
	node     string
}

// Err returns a *CommandFailedError when the command exited non-zero.
func (r Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return &CommandFailedError{Node: r.node, Command: r.Command, ExitCode: r.ExitCode}
}

// Handle wraps one live network namespace and the interfaces placed in it.
// Calls on different handles may run concurrently. Concurrent Execute calls on the
// same handle are not ordered.
type Handle struct {
	name   string
	kind   api.Kind
	shared bool
	kernel Kernel

	mu     sync.Mutex
	closed bool
	ifaces map[string]*api.Interface
	order  []string
}

// NewHandle binds node name to a namespace. Shared handles refer to a namespace
// the handle does not own (the host namespace), so releasing them never deletes it.
func NewHandle(name string, kind api.Kind, k Kernel, shared bool) *Handle {
	return &Handle{
		name:   name,
		kind:   kind,
		shared: shared,
		kernel: k,
		ifaces: make(map[string]*api.Interface),
	}
}

func (h *Handle) Name() string   { return h.name }
func (h *Handle) Kind() api.Kind { return h.kind }
func (h *Handle) Shared() bool   { return h.shared }

func (h *Handle) Path() string {
	return h.kernel.Path()
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) live() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &NamespaceUnavailableError{Name: h.name}
	}
	return nil
}

// Do runs fn inside the namespace.
func (h *Handle) Do(fn func() error) error {
	if err := h.live(); err != nil {
		return err
	}
	return h.kernel.Do(fn)
}

// Execute runs command through sh -c inside the namespace and blocks until it
// exits or ctx is done.
func (h *Handle) Execute(ctx context.Context, command string) (Result, error) {
	var out bytes.Buffer
	res, err := h.Stream(ctx, command, &out)
	res.Stdout = out.String()
	return res, err
}

// Stream is Execute with the output written to w while the command runs.
// Result.Stdout stays empty.
func (h *Handle) Stream(ctx context.Context, command string, w io.Writer) (Result, error) {
	res := Result{Command: command, ExitCode: -1, node: h.name}
	if err := h.live(); err != nil {
		return res, err
	}
	code, err := h.kernel.Exec(ctx, []string{"sh", "-c", command}, w)
	if err != nil {
		return res, &CommandFailedError{Node: h.name, Command: command, ExitCode: -1, Err: err}
	}
	res.ExitCode = code
	return res, nil
}

// Attach records an interface that now lives in this namespace.
func (h *Handle) Attach(iface string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ifaces[iface]; ok {
		return
	}
	h.ifaces[iface] = &api.Interface{Name: iface, Node: h.name}
	h.order = append(h.order, iface)
}

func (h *Handle) Detach(iface string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ifaces[iface]; !ok {
		return
	}
	delete(h.ifaces, iface)
	for i, name := range h.order {
		if name == iface {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Interfaces returns a snapshot of the tracked interfaces in attach order.
func (h *Handle) Interfaces() []api.Interface {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]api.Interface, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, *h.ifaces[name])
	}
	return out
}

func (h *Handle) record(iface string, fn func(*api.Interface)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i, ok := h.ifaces[iface]; ok {
		fn(i)
	}
}

func (h *Handle) SetUp(iface string) error {
	if err := h.live(); err != nil {
		return err
	}
	if err := h.kernel.LinkSetUp(iface); err != nil {
		return fmt.Errorf("failed to set %s up in %s: %w", iface, h.name, err)
	}
	return nil
}

func (h *Handle) SetMAC(iface, mac string) error {
	if err := h.live(); err != nil {
		return err
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("invalid MAC %q: %w", mac, err)
	}
	if err = h.kernel.LinkSetHardwareAddr(iface, hw); err != nil {
		return fmt.Errorf("failed to set MAC on %s in %s: %w", iface, h.name, err)
	}
	h.record(iface, func(i *api.Interface) { i.MAC = hw.String() })
	return nil
}

// AssignAddress sets cidr (host bits included) on iface, replacing an identical address.
func (h *Handle) AssignAddress(iface, cidr string) error {
	if err := h.live(); err != nil {
		return err
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	if err = h.kernel.AddrReplace(iface, prefix); err != nil {
		return fmt.Errorf("failed to add address %s to %s in %s: %w", cidr, iface, h.name, err)
	}
	h.record(iface, func(i *api.Interface) { i.IP = prefix.String() })
	return nil
}

// Address returns the first IPv4 address of iface as reported by the kernel, or ""
// when it has none.
func (h *Handle) Address(iface string) (string, error) {
	if err := h.live(); err != nil {
		return "", err
	}
	addrs, err := h.kernel.AddrList(iface)
	if err != nil {
		return "", fmt.Errorf("failed to list addresses of %s in %s: %w", iface, h.name, err)
	}
	for _, a := range addrs {
		if a.Addr().Is4() {
			return a.String(), nil
		}
	}
	return "", nil
}

// AddRoute installs a route to dst ("default" or a CIDR) through gateway.
func (h *Handle) AddRoute(dst, gateway string) error {
	return h.InstallRoute(api.Route{Dst: dst, Via: gateway})
}

func (h *Handle) InstallRoute(r api.Route) error {
	if err := h.live(); err != nil {
		return err
	}
	dst, err := util.ParseDestination(r.Dst)
	if err != nil {
		return err
	}
	route := Route{Dst: dst, Dev: r.Dev}
	if r.Via != "" {
		if route.Gateway, err = util.ParseGateway(r.Via); err != nil {
			return err
		}
	}
	if err = h.kernel.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to add route %s via %s in %s: %w", dst, r.Via, h.name, err)
	}
	return nil
}

func (h *Handle) Routes() ([]Route, error) {
	if err := h.live(); err != nil {
		return nil, err
	}
	return h.kernel.RouteList()
}

func (h *Handle) Sysctl(key string, value ...string) (string, error) {
	if err := h.live(); err != nil {
		return "", err
	}
	return h.kernel.Sysctl(key, value...)
}

// Close releases the kernel resources held by the handle. It does not delete the
// namespace; that is the Provider's job. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.kernel.Close()
}
