package packet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

const maxFrame = 65535

// readPoll is how often a blocked ReadFrame checks its context.
var readPoll = unix.Timeval{Usec: 200000}

// Socket is an AF_PACKET socket bound to one interface.
type Socket struct {
	fd      int
	ifindex int
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// Open looks up iface and opens a socket on it from inside do, which runs its
// argument in the node's namespace. The socket stays bound to that namespace.
func Open(do func(func() error) error, iface string) (*Socket, Iface, error) {
	var (
		s   *Socket
		ifc Iface
	)
	err := do(func() error {
		nif, err := net.InterfaceByName(iface)
		if err != nil {
			return fmt.Errorf("failed to find interface %s: %w", iface, err)
		}
		ifc = Iface{Name: nif.Name, Index: nif.Index, MAC: nif.HardwareAddr}
		addrs, err := nif.Addrs()
		if err != nil {
			return fmt.Errorf("failed to list addresses of %s: %w", iface, err)
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ip, _ := netip.AddrFromSlice(ipNet.IP.To4())
			ones, _ := ipNet.Mask.Size()
			ifc.Addr = netip.PrefixFrom(ip, ones)
			break
		}

		fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
		if err != nil {
			return fmt.Errorf("failed to open packet socket: %w", err)
		}
		if err = unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: nif.Index}); err != nil {
			unix.Close(fd)
			return fmt.Errorf("failed to bind packet socket to %s: %w", iface, err)
		}
		if err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &readPoll); err != nil {
			unix.Close(fd)
			return fmt.Errorf("failed to set receive timeout: %w", err)
		}
		s = &Socket{fd: fd, ifindex: nif.Index}
		return nil
	})
	if err != nil {
		return nil, Iface{}, err
	}
	return s, ifc, nil
}

// ReadFrame skips frames the socket sees leaving the interface.
func (s *Socket) ReadFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxFrame)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		return buf[:n], nil
	}
}

func (s *Socket) WriteFrame(frame []byte) error {
	return unix.Sendto(s.fd, frame, 0, &unix.SockaddrLinklayer{Ifindex: s.ifindex, Halen: 6})
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

var _ Conn = &Socket{}
