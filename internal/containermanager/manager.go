// Package containermanager applies a topology to a Docker Engine. Applying
// is idempotent: unchanged containers are left alone, changed ones are
// replaced.
package containermanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/krystofrezac/stevedore/internal/imagebuild"
	"github.com/krystofrezac/stevedore/internal/topology"
	"github.com/opencontainers/go-digest"
)

const (
	projectLabel       = "dev.stevedore.project"
	serviceLabel       = "dev.stevedore.service"
	optionsDigestLabel = "dev.stevedore.options-digest"
)

// ImageBuilder produces the image of a service that declares a build.
type ImageBuilder interface {
	BuildService(ctx context.Context, service topology.Service) (string, error)
}

type Decision string

const (
	DecisionKeep     Decision = "keep"
	DecisionStart    Decision = "start"
	DecisionCreate   Decision = "create"
	DecisionRecreate Decision = "recreate"
)

// Action is what Apply did with one service.
type Action struct {
	Service   string
	Container string
	Image     string
	Decision  Decision
}

type Manager struct {
	logger  *slog.Logger
	engine  Engine
	builder ImageBuilder
}

func NewManager(logger *slog.Logger, engine Engine, builder ImageBuilder) *Manager {
	return &Manager{logger: logger, engine: engine, builder: builder}
}

// Apply converges the engine to t, starting services in dependency order.
func (m *Manager) Apply(ctx context.Context, t topology.Topology) ([]Action, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	order, err := t.StartOrder()
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		imagebuild.ManagedLabel: "true",
		projectLabel:            t.Project,
	}

	networkName := NetworkName(t.Project)
	if err := m.engine.EnsureNetwork(ctx, networkName, labels); err != nil {
		return nil, fmt.Errorf("create network %s: %w", networkName, err)
	}
	for _, volume := range t.Volumes {
		if err := m.engine.EnsureVolume(ctx, VolumeName(t.Project, volume), labels); err != nil {
			return nil, fmt.Errorf("create volume %s: %w", volume, err)
		}
	}

	actions := make([]Action, 0, len(order))
	for _, service := range order {
		image, err := m.image(ctx, service)
		if err != nil {
			return actions, fmt.Errorf("service %s: %w", service.Name, err)
		}

		action, err := m.upsert(ctx, t.Project, service, image)
		if err != nil {
			return actions, fmt.Errorf("service %s: %w", service.Name, err)
		}
		m.logger.Info("Service applied", "service", service.Name, "container", action.Container, "image", image, "decision", action.Decision)
		actions = append(actions, action)
	}

	return actions, nil
}

func (m *Manager) image(ctx context.Context, service topology.Service) (string, error) {
	if service.Build == nil {
		return service.Image, m.engine.EnsureImage(ctx, service.Image)
	}
	if m.builder == nil {
		return "", fmt.Errorf("no image builder configured")
	}
	return m.builder.BuildService(ctx, service)
}

func (m *Manager) upsert(ctx context.Context, project string, service topology.Service, image string) (Action, error) {
	name := ContainerName(project, service.Name)
	action := Action{Service: service.Name, Container: name, Image: image}

	spec := containerSpec(project, service, image)
	optionsDigest := specDigest(spec)
	spec.Config.Labels[optionsDigestLabel] = optionsDigest

	existing, err := m.engine.FindContainer(ctx, name)
	if err != nil {
		return action, fmt.Errorf("inspect container %s: %w", name, err)
	}

	switch {
	case existing != nil && existing.Labels[optionsDigestLabel] == optionsDigest && existing.Running:
		action.Decision = DecisionKeep
		return action, nil
	case existing != nil && existing.Labels[optionsDigestLabel] == optionsDigest:
		action.Decision = DecisionStart
		return action, m.engine.StartContainer(ctx, existing.ID)
	case existing != nil:
		action.Decision = DecisionRecreate
		m.logger.Debug("Container options changed, recreating", "container", name,
			"current", existing.Labels[optionsDigestLabel], "new", optionsDigest)
		if err := m.engine.RemoveContainer(ctx, existing.ID); err != nil {
			return action, err
		}
	default:
		action.Decision = DecisionCreate
	}

	id, err := m.engine.CreateContainer(ctx, name, spec)
	if err != nil {
		return action, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := m.engine.StartContainer(ctx, id); err != nil {
		return action, fmt.Errorf("start container %s: %w", name, err)
	}
	return action, nil
}

func NetworkName(project string) string {
	return project + "_default"
}

func VolumeName(project, volume string) string {
	return project + "_" + volume
}

func ContainerName(project, service string) string {
	return project + "-" + service
}

func containerSpec(project string, service topology.Service, image string) ContainerSpec {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range service.Ports {
		port := nat.Port(strconv.Itoa(p.Container) + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.Host)})
	}

	mounts := make([]mount.Mount, 0, len(service.Volumes))
	for _, volume := range service.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: VolumeName(project, volume.Source),
			Target: volume.Target,
		})
	}

	env := make([]string, 0, len(service.Environment))
	for _, key := range slices.Sorted(maps.Keys(service.Environment)) {
		env = append(env, key+"="+service.Environment[key])
	}

	return ContainerSpec{
		Config: &container.Config{
			Image:        image,
			Cmd:          service.Command,
			Env:          env,
			ExposedPorts: exposed,
			Labels: map[string]string{
				imagebuild.ManagedLabel: "true",
				projectLabel:            project,
				serviceLabel:            service.Name,
			},
		},
		HostConfig: &container.HostConfig{
			PortBindings:  bindings,
			Mounts:        mounts,
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(service.RestartPolicy())},
		},
		Networking: &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				NetworkName(project): {Aliases: []string{service.Name}},
			},
		},
	}
}

// specDigest identifies a container spec. json.Marshal sorts map keys, so
// equal specs give equal digests.
func specDigest(spec ContainerSpec) string {
	raw, err := json.Marshal(spec)
	if err != nil {
		// Every field of the spec is marshalable.
		panic(err)
	}
	return digest.FromBytes(raw).Encoded()
}
