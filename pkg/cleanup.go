package pkg

import (
	"context"

	"github.com/apex/log"

	"Netlab/pkg/netns"
	"Netlab/pkg/node"
	"Netlab/pkg/ovs"
)

// Cleanup removes what a killed run may have left behind: named namespaces and
// containers carrying cfg.Prefix, and prefixed Open vSwitch bridges. Each failure
// is logged and cleanup continues.
func Cleanup(ctx context.Context, cfg Config, logger log.Interface) {
	names, err := netns.Leftovers(cfg.Prefix)
	if err != nil {
		logger.WithError(err).Warn("failed to list namespaces")
	}
	for _, name := range names {
		if err := netns.DeleteNamed(name); err != nil {
			logger.WithError(err).WithField("netns", name).Warn("failed to delete namespace")
			continue
		}
		logger.WithField("netns", name).Info("namespace deleted")
	}

	if cfg.Switch == SwitchOVS {
		removed, err := ovs.NewOvsManager(logger).Cleanup()
		if err != nil {
			logger.WithError(err).Warn("failed to clean ovs bridges")
		}
		for _, b := range removed {
			logger.WithField("bridge", b).Info("ovs bridge deleted")
		}
	}

	if !cfg.Docker {
		return
	}
	cp, err := node.NewContainerProvider(cfg.Prefix, logger)
	if err != nil {
		logger.WithError(err).Warn("skipping containers")
		return
	}
	defer cp.Close()
	containers, err := cp.Leftovers(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to list containers")
		return
	}
	for _, name := range containers {
		if err := cp.Remove(ctx, name); err != nil {
			logger.WithError(err).WithField("container", name).Warn("failed to remove container")
			continue
		}
		logger.WithField("container", name).Info("container removed")
	}
}
