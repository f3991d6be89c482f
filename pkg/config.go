package pkg

import (
	"fmt"

	"Netlab/pkg/link"
	"Netlab/pkg/netns"
)

const (
	SwitchBridge = "bridge"
	SwitchOVS    = "ovs"
)

// Config selects how a topology is realized on this host.
type Config struct {
	// Prefix is prepended to namespace and container names so leftovers can be found.
	Prefix string
	// Switch is the switch fabric: SwitchBridge (a Linux bridge inside each switch
	// namespace) or SwitchOVS (an Open vSwitch bridge in the host namespace).
	Switch string
	MTU    int
	// Docker enables nodes with an image.
	Docker bool
}

func DefaultConfig() Config {
	return Config{
		Prefix: netns.DefaultPrefix,
		Switch: SwitchBridge,
		MTU:    link.DefaultMTU,
		Docker: true,
	}
}

func (c Config) Validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("prefix must not be empty")
	}
	switch c.Switch {
	case SwitchBridge, SwitchOVS:
	default:
		return fmt.Errorf("unknown switch fabric %q (want %s or %s)", c.Switch, SwitchBridge, SwitchOVS)
	}
	if c.MTU < 68 || c.MTU > 65535 {
		return fmt.Errorf("invalid MTU %d", c.MTU)
	}
	return nil
}
