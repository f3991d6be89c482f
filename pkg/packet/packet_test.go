package packet_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Netlab/pkg/packet"
	"Netlab/pkg/packet/packettest"
)

func iface(name, mac, cidr string) packet.Iface {
	hw, _ := net.ParseMAC(mac)
	return packet.Iface{Name: name, MAC: hw, Addr: netip.MustParsePrefix(cidr)}
}

var (
	h1 = iface("h1-eth0", "00:00:00:00:00:11", "192.168.1.101/24")
	h2 = iface("h2-eth0", "00:00:00:00:00:12", "192.168.1.102/24")
	r0 = iface("r0-eth1", "00:00:00:00:00:01", "192.168.1.1/24")
)

func TestNextHop(t *testing.T) {
	router := netip.MustParseAddr("192.168.1.1")

	t.Run("an on-link destination is its own next hop", func(t *testing.T) {
		got, err := packet.NextHop(h1, netip.MustParseAddr("192.168.1.102"), router)
		if err != nil {
			t.Fatal(err)
		}
		if got != netip.MustParseAddr("192.168.1.102") {
			t.Fatal("unexpected next hop", got)
		}
	})

	t.Run("other subnets go through the router", func(t *testing.T) {
		got, err := packet.NextHop(h1, netip.MustParseAddr("10.0.0.101"), router)
		if err != nil {
			t.Fatal(err)
		}
		if got != router {
			t.Fatal("unexpected next hop", got)
		}
	})

	t.Run("other subnets need a router", func(t *testing.T) {
		if _, err := packet.NextHop(h1, netip.MustParseAddr("10.0.0.101"), netip.Addr{}); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("an interface without address cannot send", func(t *testing.T) {
		_, err := packet.NextHop(packet.Iface{Name: "eth0"}, router, router)
		if !errors.Is(err, packet.ErrNoAddress) {
			t.Fatal("not the error we expected", err)
		}
	})
}

func TestSendRecv(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("a message reaches a host on the same subnet", func(t *testing.T) {
		seg := packettest.NewSegment()
		sender, receiver := seg.Attach(), seg.Attach()
		defer sender.Close()
		defer receiver.Close()

		got := make(chan packet.Message, 1)
		errch := make(chan error, 1)
		go func() {
			msg, err := packet.Recv(ctx, receiver, h2)
			errch <- err
			got <- msg
		}()

		n, err := packet.Send(ctx, sender, h1, h2.Addr.Addr(), netip.Addr{}, []byte("hello"))
		if err != nil {
			t.Fatal(err)
		}
		// short frames are padded to the Ethernet minimum
		if n != 60 {
			t.Fatal("unexpected frame size", n)
		}
		if err := <-errch; err != nil {
			t.Fatal(err)
		}
		msg := <-got
		want := packet.Message{
			SrcMAC:  h1.MAC,
			SrcIP:   h1.Addr.Addr(),
			DstIP:   h2.Addr.Addr(),
			Payload: []byte("hello"),
		}
		if diff := cmp.Diff(want, msg, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("a remote destination is framed for the router with a valid header", func(t *testing.T) {
		seg := packettest.NewSegment()
		sender, router, sniffer := seg.Attach(), seg.Attach(), seg.Attach()
		defer sender.Close()
		defer router.Close()
		defer sniffer.Close()

		rctx, rcancel := context.WithCancel(ctx)
		defer rcancel()
		go packet.Recv(rctx, router, r0)

		dst := netip.MustParseAddr("10.0.0.101")
		if _, err := packet.Send(ctx, sender, h1, dst, r0.Addr.Addr(), []byte("via r0")); err != nil {
			t.Fatal(err)
		}

		for {
			frame, err := sniffer.ReadFrame(ctx)
			if err != nil {
				t.Fatal(err)
			}
			pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
			l := pkt.Layer(layers.LayerTypeIPv4)
			if l == nil {
				continue
			}
			ip := l.(*layers.IPv4)
			eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
			if eth.DstMAC.String() != r0.MAC.String() {
				t.Fatal("frame should be addressed to the router", eth.DstMAC)
			}
			if !ip.DstIP.Equal(net.IP(dst.AsSlice())) || ip.TTL != 64 || ip.Protocol != packet.Protocol {
				t.Fatalf("unexpected header %+v", ip)
			}
			if sum := onesComplementSum(frame[14 : 14+20]); sum != 0xffff {
				t.Fatalf("bad header checksum, sum is %#x", sum)
			}
			if string(ip.Payload) != "via r0" {
				t.Fatal("unexpected payload", string(ip.Payload))
			}
			return
		}
	})

	t.Run("a next hop that never answers ARP fails", func(t *testing.T) {
		saved := packet.ARPTimeout
		packet.ARPTimeout = 50 * time.Millisecond
		defer func() { packet.ARPTimeout = saved }()

		seg := packettest.NewSegment()
		sender := seg.Attach()
		defer sender.Close()
		if _, err := packet.Send(ctx, sender, h1, h2.Addr.Addr(), netip.Addr{}, []byte("x")); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func onesComplementSum(b []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return sum
}
