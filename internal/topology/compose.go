package topology

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ImageResolver returns the reference of the image built for a service
// with a build section.
type ImageResolver func(service Service) (string, error)

// composeHeader begins documents with stevedore-built services. Their
// Dockerfile is generated at build time, so docker compose cannot build them.
const composeHeader = "# Images of services built by stevedore are referenced by tag.\n# Run `stevedore up` or `stevedore build` before `docker compose up`.\n"

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]composeVolume  `yaml:"volumes,omitempty"`
}

type composeService struct {
	Image       string            `yaml:"image,omitempty"`
	Command     []string          `yaml:"command,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Restart     string            `yaml:"restart,omitempty"`
}

type composeVolume struct{}

// Compose renders the topology as a docker-compose document. Services with
// a build section reference the image that images resolves for them.
func (t Topology) Compose(images ImageResolver) ([]byte, error) {
	file := composeFile{
		Services: make(map[string]composeService, len(t.Services)),
		Volumes:  make(map[string]composeVolume, len(t.Volumes)),
	}

	built := false
	for _, service := range t.Services {
		rendered := composeService{
			Image:       service.Image,
			Command:     service.Command,
			Environment: service.Environment,
			DependsOn:   service.DependsOn,
			Restart:     service.RestartPolicy(),
		}
		if service.Build != nil {
			image, err := images(service)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", service.Name, err)
			}
			rendered.Image = image
			built = true
		}
		for _, port := range service.Ports {
			rendered.Ports = append(rendered.Ports, fmt.Sprintf("%d:%d", port.Host, port.Container))
		}
		for _, mount := range service.Volumes {
			rendered.Volumes = append(rendered.Volumes, mount.Source+":"+mount.Target)
		}
		file.Services[service.Name] = rendered
	}
	for _, volume := range t.Volumes {
		file.Volumes[volume] = composeVolume{}
	}

	var buf bytes.Buffer
	if built {
		buf.WriteString(composeHeader)
	}
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(file); err != nil {
		return nil, fmt.Errorf("render compose file: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("render compose file: %w", err)
	}
	return buf.Bytes(), nil
}
