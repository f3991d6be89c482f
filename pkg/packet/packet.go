// Package packet sends and receives hand-built IPv4 frames on one interface of a
// node: the next hop is resolved with ARP, then an Ethernet frame carrying an
// IPv4 header and the message is written to the wire.
package packet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Protocol is the IPv4 protocol number carried by messages, one of the two
// numbers reserved for experimentation (RFC 3692).
const Protocol = layers.IPProtocol(253)

// ARPTimeout bounds the wait for an ARP reply in Send.
var ARPTimeout = 3 * time.Second

var ErrNoAddress = errors.New("packet: interface has no IPv4 address")

// Iface describes the interface frames go out of.
type Iface struct {
	Name  string
	Index int
	MAC   net.HardwareAddr
	Addr  netip.Prefix
}

// Conn reads and writes whole Ethernet frames. ReadFrame must return when ctx
// is done.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Message is a received message and where it came from.
type Message struct {
	SrcMAC  net.HardwareAddr
	SrcIP   netip.Addr
	DstIP   netip.Addr
	Payload []byte
}

var broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

var ipID atomic.Uint32

// NextHop is dst itself when it is on the interface's subnet, router otherwise.
func NextHop(iface Iface, dst, router netip.Addr) (netip.Addr, error) {
	if !iface.Addr.IsValid() {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddress, iface.Name)
	}
	if iface.Addr.Masked().Contains(dst) {
		return dst, nil
	}
	if !router.IsValid() {
		return netip.Addr{}, fmt.Errorf("%s is not on %s and no router was given", dst, iface.Addr.Masked())
	}
	return router, nil
}

// Resolve broadcasts an ARP request for ip and waits for the matching reply.
func Resolve(ctx context.Context, c Conn, iface Iface, ip netip.Addr) (net.HardwareAddr, error) {
	req, err := arpFrame(iface, layers.ARPRequest, broadcast, net.HardwareAddr(make([]byte, 6)), ip)
	if err != nil {
		return nil, err
	}
	if err = c.WriteFrame(req); err != nil {
		return nil, fmt.Errorf("failed to send ARP request for %s: %w", ip, err)
	}
	ctx, cancel := context.WithTimeout(ctx, ARPTimeout)
	defer cancel()
	for {
		frame, err := c.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("no ARP reply from %s", ip)
			}
			return nil, err
		}
		arp := decodeARP(frame)
		if arp == nil || arp.Operation != layers.ARPReply {
			continue
		}
		if from, ok := netip.AddrFromSlice(arp.SourceProtAddress); ok && from == ip {
			return net.HardwareAddr(arp.SourceHwAddress), nil
		}
	}
}

// Send resolves the next hop towards dst, through router when dst is not on the
// interface's subnet, and sends msg in one IPv4 packet. It returns the size of
// the frame written.
func Send(ctx context.Context, c Conn, iface Iface, dst, router netip.Addr, msg []byte) (int, error) {
	hop, err := NextHop(iface, dst, router)
	if err != nil {
		return 0, err
	}
	mac, err := Resolve(ctx, c, iface, hop)
	if err != nil {
		return 0, err
	}
	frame, err := ipFrame(iface, mac, dst, msg)
	if err != nil {
		return 0, err
	}
	if err = c.WriteFrame(frame); err != nil {
		return 0, fmt.Errorf("failed to send packet to %s: %w", dst, err)
	}
	return len(frame), nil
}

// Recv answers ARP requests for the interface's address until a message
// addressed to it arrives, and returns that message.
func Recv(ctx context.Context, c Conn, iface Iface) (Message, error) {
	if !iface.Addr.IsValid() {
		return Message{}, fmt.Errorf("%w: %s", ErrNoAddress, iface.Name)
	}
	me := iface.Addr.Addr()
	for {
		frame, err := c.ReadFrame(ctx)
		if err != nil {
			return Message{}, err
		}
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)
		if l := pkt.Layer(layers.LayerTypeARP); l != nil {
			if err = answer(c, iface, l.(*layers.ARP)); err != nil {
				return Message{}, err
			}
			continue
		}
		l := pkt.Layer(layers.LayerTypeIPv4)
		if l == nil {
			continue
		}
		ip := l.(*layers.IPv4)
		dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
		if ip.Protocol != Protocol || dst != me {
			continue
		}
		src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
		msg := Message{SrcIP: src, DstIP: dst, Payload: append([]byte(nil), ip.Payload...)}
		if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
			msg.SrcMAC = eth.SrcMAC
		}
		return msg, nil
	}
}

func answer(c Conn, iface Iface, req *layers.ARP) error {
	if req.Operation != layers.ARPRequest {
		return nil
	}
	target, ok := netip.AddrFromSlice(req.DstProtAddress)
	if !ok || target != iface.Addr.Addr() {
		return nil
	}
	asker, _ := netip.AddrFromSlice(req.SourceProtAddress)
	mac := net.HardwareAddr(req.SourceHwAddress)
	reply, err := arpFrame(iface, layers.ARPReply, mac, mac, asker)
	if err != nil {
		return err
	}
	if err = c.WriteFrame(reply); err != nil {
		return fmt.Errorf("failed to send ARP reply to %s: %w", asker, err)
	}
	return nil
}

func decodeARP(frame []byte) *layers.ARP {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)
	if l := pkt.Layer(layers.LayerTypeARP); l != nil {
		return l.(*layers.ARP)
	}
	return nil
}

func arpFrame(iface Iface, op uint16, ethDst, targetMAC net.HardwareAddr, target netip.Addr) ([]byte, error) {
	if !iface.Addr.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, iface.Name)
	}
	eth := &layers.Ethernet{
		SrcMAC:       iface.MAC,
		DstMAC:       ethDst,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   iface.MAC,
		SourceProtAddress: iface.Addr.Addr().AsSlice(),
		DstHwAddress:      targetMAC,
		DstProtAddress:    target.AsSlice(),
	}
	return serialize(eth, arp)
}

func ipFrame(iface Iface, dstMAC net.HardwareAddr, dst netip.Addr, msg []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       iface.MAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       uint16(ipID.Add(1)),
		TTL:      64,
		Protocol: Protocol,
		SrcIP:    net.IP(iface.Addr.Addr().AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	return serialize(eth, ip, gopacket.Payload(msg))
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("failed to build frame: %w", err)
	}
	return buf.Bytes(), nil
}
