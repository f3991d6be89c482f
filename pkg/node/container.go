package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"Netlab/api"
	"Netlab/pkg/netns"
)

// ContainerProvider backs nodes with docker containers started without networking;
// the node's namespace is the container's, found through its init pid.
type ContainerProvider struct {
	dClient *client.Client
	prefix  string
	logger  log.Interface
}

func NewContainerProvider(prefix string, logger log.Interface) (*ContainerProvider, error) {
	dClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &ContainerProvider{
		dClient: dClient,
		prefix:  prefix,
		logger:  logger,
	}, nil
}

func (cp *ContainerProvider) containerName(node string) string {
	return cp.prefix + node
}

// Acquire creates and starts the container, then opens its network namespace.
// A container that fails half way is removed before returning.
func (cp *ContainerProvider) Acquire(ctx context.Context, n *api.Node) (*netns.Handle, error) {
	name := cp.containerName(n.Name)
	_, err := cp.dClient.ContainerCreate(ctx, &container.Config{
		Image:           n.Image,
		NetworkDisabled: true,
		User:            "root",
		Hostname:        n.Name,
	}, &container.HostConfig{
		Privileged: true,
	}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	h, err := cp.start(ctx, n, name)
	if err != nil {
		if rmErr := cp.remove(ctx, name); rmErr != nil {
			cp.logger.WithError(rmErr).WithField("container", name).Warn("failed to remove container")
		}
		return nil, err
	}
	return h, nil
}

func (cp *ContainerProvider) start(ctx context.Context, n *api.Node, name string) (*netns.Handle, error) {
	if err := cp.dClient.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}
	res, err := cp.dClient.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if res.State == nil || res.State.Pid == 0 {
		return nil, fmt.Errorf("container %s is not running", name)
	}
	path := fmt.Sprintf("/proc/%d/ns/net", res.State.Pid)
	k, err := netns.OpenKernel(path)
	if err != nil {
		return nil, err
	}
	cp.logger.WithFields(log.Fields{"node": n.Name, "container": name, "netns": path}).Debug("container started")
	return netns.NewHandle(n.Name, n.Kind, k, false), nil
}

func (cp *ContainerProvider) Release(ctx context.Context, h *netns.Handle) error {
	if err := h.Close(); err != nil {
		cp.logger.WithError(err).WithField("node", h.Name()).Warn("failed to close namespace handle")
	}
	return cp.remove(ctx, cp.containerName(h.Name()))
}

func (cp *ContainerProvider) remove(ctx context.Context, name string) error {
	err := cp.dClient.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Leftovers lists containers whose name carries the prefix.
func (cp *ContainerProvider) Leftovers(ctx context.Context) ([]string, error) {
	list, err := cp.dClient.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	var out []string
	for _, c := range list {
		for _, name := range c.Names {
			// docker reports names with a leading slash
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, cp.prefix) {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}

// Remove force-removes a container by name, ignoring one that is already gone.
func (cp *ContainerProvider) Remove(ctx context.Context, name string) error {
	return cp.remove(ctx, name)
}

func (cp *ContainerProvider) Close() error {
	return cp.dClient.Close()
}
