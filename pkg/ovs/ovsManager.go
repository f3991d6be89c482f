// Package ovs realizes switches as Open vSwitch bridges in the host namespace.
package ovs

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/digitalocean/go-openvswitch/ovs"

	"Netlab/pkg/netns"
	"Netlab/pkg/util"
)

const DefaultBridgePrefix = "nl-"

type OvsManager struct {
	oClient *ovs.Client
	prefix  string
	logger  log.Interface
}

func NewOvsManager(logger log.Interface) *OvsManager {
	return &OvsManager{
		oClient: ovs.New(),
		prefix:  DefaultBridgePrefix,
		logger:  logger,
	}
}

func (om *OvsManager) bridgeName(sw *netns.Handle) (string, error) {
	name := om.prefix + sw.Name()
	if !util.CheckInterfaceName(name) {
		return "", fmt.Errorf("bridge name %q for switch %s is too long", name, sw.Name())
	}
	return name, nil
}

// AddSwitch creates a standalone bridge whose only flow is the NORMAL action,
// i.e. a learning switch without a controller. A bridge that fails half way is
// deleted again.
func (om *OvsManager) AddSwitch(_ context.Context, sw *netns.Handle) error {
	if !sw.Shared() {
		return fmt.Errorf("switch %s: ovs bridges must live in the host namespace", sw.Name())
	}
	bridge, err := om.bridgeName(sw)
	if err != nil {
		return err
	}
	if err = om.oClient.VSwitch.AddBridge(bridge); err != nil {
		return fmt.Errorf("failed to add ovs bridge %s: %w", bridge, err)
	}
	if err = om.configure(sw, bridge); err != nil {
		if delErr := om.deleteBridge(bridge); delErr != nil {
			om.logger.WithError(delErr).WithField("bridge", bridge).Warn("failed to delete ovs bridge")
		}
		return err
	}
	om.logger.WithField("switch", sw.Name()).WithField("bridge", bridge).Debug("ovs bridge created")
	return nil
}

func (om *OvsManager) configure(sw *netns.Handle, bridge string) error {
	if err := om.oClient.VSwitch.SetFailMode(bridge, ovs.FailModeStandalone); err != nil {
		return fmt.Errorf("failed to set fail mode on %s: %w", bridge, err)
	}
	if err := om.oClient.OpenFlow.AddFlow(bridge, &ovs.Flow{
		Priority: 0,
		Actions:  []ovs.Action{ovs.Normal()},
	}); err != nil {
		return fmt.Errorf("failed to add normal flow on %s: %w", bridge, err)
	}
	return sw.SetUp(bridge)
}

// AddPort adds the host side of a veth pair to the switch's bridge.
func (om *OvsManager) AddPort(_ context.Context, sw *netns.Handle, iface string) error {
	bridge, err := om.bridgeName(sw)
	if err != nil {
		return err
	}
	if err = sw.SetUp(iface); err != nil {
		return fmt.Errorf("failed to bring up veth interface: %w", err)
	}
	if err = om.oClient.VSwitch.AddPort(bridge, iface); err != nil {
		return fmt.Errorf("failed to add %s to ovs bridge %s: %w", iface, bridge, err)
	}
	return nil
}

func (om *OvsManager) DelSwitch(_ context.Context, sw *netns.Handle) error {
	bridge, err := om.bridgeName(sw)
	if err != nil {
		return err
	}
	return om.deleteBridge(bridge)
}

func (om *OvsManager) deleteBridge(bridge string) error {
	bridges, err := om.oClient.VSwitch.ListBridges()
	if err != nil {
		return fmt.Errorf("failed to list ovs bridges: %w", err)
	}
	for _, b := range bridges {
		if b == bridge {
			if err = om.oClient.VSwitch.DeleteBridge(bridge); err != nil {
				return fmt.Errorf("failed to delete ovs bridge %s: %w", bridge, err)
			}
			return nil
		}
	}
	return nil
}

// Cleanup deletes every bridge carrying the manager's prefix and returns their names.
func (om *OvsManager) Cleanup() ([]string, error) {
	bridges, err := om.oClient.VSwitch.ListBridges()
	if err != nil {
		return nil, fmt.Errorf("failed to list ovs bridges: %w", err)
	}
	var removed []string
	for _, b := range bridges {
		if !strings.HasPrefix(b, om.prefix) {
			continue
		}
		if err = om.oClient.VSwitch.DeleteBridge(b); err != nil {
			return removed, fmt.Errorf("failed to delete ovs bridge %s: %w", b, err)
		}
		removed = append(removed, b)
	}
	return removed, nil
}
