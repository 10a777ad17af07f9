package containermanager

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
)

// ContainerInfo is what the manager needs to know about an existing
// container to decide whether to keep it.
type ContainerInfo struct {
	ID      string
	Running bool
	Labels  map[string]string
}

// ContainerSpec is everything a container is created from.
type ContainerSpec struct {
	Config     *container.Config
	HostConfig *container.HostConfig
	Networking *network.NetworkingConfig
}

// Engine is the subset of the Docker Engine the manager drives.
type Engine interface {
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) error
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error
	EnsureImage(ctx context.Context, reference string) error
	FindContainer(ctx context.Context, name string) (*ContainerInfo, error)
	CreateContainer(ctx context.Context, name string, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

// DockerEngine is the Engine backed by the Docker SDK client.
type DockerEngine struct {
	client *client.Client
	output io.Writer
}

func NewDockerEngine(client *client.Client, output io.Writer) *DockerEngine {
	if output == nil {
		output = io.Discard
	}
	return &DockerEngine{client: client, output: output}
}

func (d *DockerEngine) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if errdefs.IsConflict(err) {
		return nil
	}
	return err
}

// EnsureVolume relies on the daemon returning the existing volume when the
// name is taken.
func (d *DockerEngine) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	return err
}

func (d *DockerEngine) EnsureImage(ctx context.Context, reference string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, reference)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	body, err := d.client.ImagePull(ctx, reference, image.PullOptions{})
	if err != nil {
		return err
	}
	defer body.Close()
	return jsonmessage.DisplayJSONMessagesStream(body, d.output, 0, false, nil)
}

func (d *DockerEngine) FindContainer(ctx context.Context, name string) (*ContainerInfo, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			// The name filter matches substrings.
			filters.KeyValuePair{Key: "name", Value: "^/" + name + "$"},
		),
	})
	if err != nil {
		return nil, err
	}
	return firstContainer(containers), nil
}

func firstContainer(containers []types.Container) *ContainerInfo {
	if len(containers) == 0 {
		return nil
	}
	return &ContainerInfo{
		ID:      containers[0].ID,
		Running: containers[0].State == "running",
		Labels:  containers[0].Labels,
	}
}

func (d *DockerEngine) CreateContainer(ctx context.Context, name string, spec ContainerSpec) (string, error) {
	res, err := d.client.ContainerCreate(ctx, spec.Config, spec.HostConfig, spec.Networking, nil, name)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

func (d *DockerEngine) StartContainer(ctx context.Context, id string) error {
	return d.client.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}
