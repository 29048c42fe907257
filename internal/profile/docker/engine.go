package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const devtoolsPort = "3000/tcp"

// containerSpec is what the backend needs from the container runtime for one
// launched profile.
type containerSpec struct {
	Name        string
	Image       string
	ProfileID   string
	UserDataDir string
}

// engine is the narrow slice of the Docker Engine API the backend uses.
type engine interface {
	EnsureImage(ctx context.Context, ref string) error
	Run(ctx context.Context, spec containerSpec) (containerID string, hostPort string, err error)
	Running(ctx context.Context, containerID string) bool
	Remove(ctx context.Context, containerID string, stopTimeout time.Duration) error
	Close() error
}

type dockerEngine struct {
	client *client.Client
}

func newDockerEngine() (*dockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerEngine{client: cli}, nil
}

func (e *dockerEngine) EnsureImage(ctx context.Context, ref string) error {
	images, err := e.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				return nil
			}
		}
	}

	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *dockerEngine) Run(ctx context.Context, spec containerSpec) (string, string, error) {
	containerConfig := &container.Config{
		Image: spec.Image,
		Labels: map[string]string{
			"profile-id": spec.ProfileID,
			"managed-by": "profilepool",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "0"},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.UserDataDir,
				Target: "/data",
			},
		},
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", "", fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := e.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return resp.ID, "", fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		return resp.ID, "", fmt.Errorf("container %s exposes no devtools port", resp.ID)
	}
	return resp.ID, bindings[0].HostPort, nil
}

func (e *dockerEngine) Running(ctx context.Context, containerID string) bool {
	inspect, err := e.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (e *dockerEngine) Remove(ctx context.Context, containerID string, stopTimeout time.Duration) error {
	timeout := int(stopTimeout.Seconds())
	if err := e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (e *dockerEngine) Close() error {
	return e.client.Close()
}
