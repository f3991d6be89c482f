package topo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"Netlab/api"
	"Netlab/pkg/role"
)

// Load reads a YAML topology file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}
	var cfg api.TopoConfig
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling YAML file: %v", err)
	}
	return FromConfig(cfg)
}

// FromConfig declares every node, then every link.
func FromConfig(cfg api.TopoConfig) (*Graph, error) {
	g := NewGraph()
	for _, n := range cfg.Nodes {
		p := NodeParams{
			IP:           n.IP,
			MAC:          n.MAC,
			DefaultRoute: n.DefaultRoute,
			Routes:       n.Routes,
			Image:        n.Image,
		}
		if n.Role != "" {
			hook, err := role.Lookup(n.Role)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			p.Hook = hook
		}
		kind := n.Kind
		if kind == "" {
			kind = api.KindHost
		}
		if _, err := g.AddNode(n.Name, kind, p); err != nil {
			return nil, err
		}
	}
	for _, l := range cfg.Links {
		if _, err := g.AddLink(l.Node1, l.Node2, LinkParams{
			Intf1:   l.Intf1,
			Intf2:   l.Intf2,
			Params1: l.Params1,
			Params2: l.Params2,
		}); err != nil {
			return nil, err
		}
	}
	return g, nil
}
