package supervisor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	dockerclient "github.com/moby/moby/client"
)

// DockerAPI is the subset of Docker operations the supervisor needs: image
// presence/pull and container lifecycle. Narrowed the same way the pack's
// Docker-Sentinel agent narrows its own DockerAPI interface — no swarm, no
// distribution checks, nothing the supervisor doesn't exercise.
type DockerAPI interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	ListContainers(ctx context.Context, nameFilter string) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// dockerAPI wraps the real moby/moby/client for production use.
type dockerAPI struct {
	cli *dockerclient.Client
}

// NewDockerAPI dials the Docker daemon at host (empty uses the environment
// default, e.g. DOCKER_HOST or the local socket).
func NewDockerAPI(host string) (DockerAPI, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("supervisor: connecting to docker: %w", err)
	}
	return &dockerAPI{cli: cli}, nil
}

func (d *dockerAPI) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *dockerAPI) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("supervisor: pulling %q: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *dockerAPI) ListContainers(ctx context.Context, nameFilter string) ([]container.Summary, error) {
	opts := container.ListOptions{All: true}
	summaries, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}
	if nameFilter == "" {
		return summaries, nil
	}
	var out []container.Summary
	for _, c := range summaries {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == nameFilter {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (d *dockerAPI) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	return d.cli.ContainerInspect(ctx, id)
}

func (d *dockerAPI) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerAPI) StartContainer(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerAPI) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds})
}

func (d *dockerAPI) RemoveContainer(ctx context.Context, id string, force bool) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
}
