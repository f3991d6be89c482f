package topo

import (
	"Netlab/api"
)

// LinuxRouter builds the demo topology: router r0 joins three subnets, each a
// switch with two hosts behind it.
//
//	r0-eth1 192.168.1.1/24 - s1 - h1x1 .101, h1x2 .102
//	r0-eth2 172.16.0.1/12  - s2 - h2x1 .101, h2x2 .102
//	r0-eth3 10.0.0.1/8     - s3 - h3x1 .101, h3x2 .102
func LinuxRouter() (*Graph, error) {
	g := NewGraph()
	const defaultIP = "192.168.1.1/24"
	if _, err := g.AddNode("r0", api.KindRouter, NodeParams{IP: defaultIP}); err != nil {
		return nil, err
	}

	subnets := []struct {
		sw, routerIntf, routerIP, gw string
		hosts                       []struct{ name, ip, mac string }
	}{
		{"s1", "r0-eth1", defaultIP, "192.168.1.1", []struct{ name, ip, mac string }{
			{"h1x1", "192.168.1.101/24", "00:00:00:00:00:11"},
			{"h1x2", "192.168.1.102/24", "00:00:00:00:00:12"},
		}},
		{"s2", "r0-eth2", "172.16.0.1/12", "172.16.0.1", []struct{ name, ip, mac string }{
			{"h2x1", "172.16.0.101/12", "00:00:00:00:00:21"},
			{"h2x2", "172.16.0.102/12", "00:00:00:00:00:22"},
		}},
		{"s3", "r0-eth3", "10.0.0.1/8", "10.0.0.1", []struct{ name, ip, mac string }{
			{"h3x1", "10.0.0.101/8", "00:00:00:00:00:31"},
			{"h3x2", "10.0.0.102/8", "00:00:00:00:00:32"},
		}},
	}

	for _, s := range subnets {
		if _, err := g.AddNode(s.sw, api.KindSwitch, NodeParams{}); err != nil {
			return nil, err
		}
	}
	for _, s := range subnets {
		if _, err := g.AddLink(s.sw, "r0", LinkParams{
			Intf2:   s.routerIntf,
			Params2: api.InterfaceParams{IP: s.routerIP},
		}); err != nil {
			return nil, err
		}
	}
	for _, s := range subnets {
		for _, h := range s.hosts {
			if _, err := g.AddNode(h.name, api.KindHost, NodeParams{
				IP:           h.ip,
				MAC:          h.mac,
				DefaultRoute: "via " + s.gw,
			}); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range subnets {
		for _, h := range s.hosts {
			if _, err := g.AddLink(h.name, s.sw, LinkParams{}); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}
