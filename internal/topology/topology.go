// Package topology declares the services of the local environment: the
// application, its database and the named volumes they persist to.
//
// Dependency order here is container-level "starts after" only. It says
// nothing about readiness, the application's entrypoint waits for the
// database itself.
package topology

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/krystofrezac/stevedore/internal/failure"
	"gopkg.in/yaml.v3"
)

type Topology struct {
	Version  int       `yaml:"version" validate:"required,oneof=1"`
	Project  string    `yaml:"project" validate:"required,hostname_rfc1123"`
	Services []Service `yaml:"services" validate:"required,min=1,dive"`
	Volumes  []string  `yaml:"volumes,omitempty" validate:"dive,required"`
}

type Service struct {
	Name        string            `yaml:"name" validate:"required,hostname_rfc1123"`
	Image       string            `yaml:"image,omitempty"`
	Build       *Build            `yaml:"build,omitempty"`
	Command     []string          `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	DependsOn   []string          `yaml:"dependsOn,omitempty"`
	Volumes     []Mount           `yaml:"volumes,omitempty" validate:"dive"`
	Ports       []Port            `yaml:"ports,omitempty" validate:"dive"`
	Restart     string            `yaml:"restart,omitempty" validate:"omitempty,oneof=no always on-failure unless-stopped"`
}

// Build makes the image of a service with the image builder.
type Build struct {
	Context string `yaml:"context" validate:"required"`
	Dev     bool   `yaml:"dev,omitempty"`
	UserID  int    `yaml:"uid,omitempty" validate:"gte=0"`
	GroupID int    `yaml:"gid,omitempty" validate:"gte=0"`
}

// Mount attaches the named volume Source at Target.
type Mount struct {
	Source string `yaml:"source" validate:"required"`
	Target string `yaml:"target" validate:"required,startswith=/"`
}

type Port struct {
	Host      int `yaml:"host" validate:"min=1,max=65535"`
	Container int `yaml:"container" validate:"min=1,max=65535"`
}

const DefaultRestart = "unless-stopped"

// Default is the development environment of the application: the app
// built with development dependencies, and a Postgres database.
func Default() Topology {
	return Topology{
		Version: 1,
		Project: "app",
		Services: []Service{
			{
				Name:  "app",
				Build: &Build{Context: ".", Dev: true},
				Environment: map[string]string{
					"DB_HOST": "db",
					"DB_NAME": "devdb",
					"DB_USER": "devuser",
					"DB_PASS": "changeme",
					"DEBUG":   "true",
				},
				DependsOn: []string{"db"},
				Volumes:   []Mount{{Source: "dev-static-data", Target: "/vol/web"}},
				Ports:     []Port{{Host: 8000, Container: 8000}},
			},
			{
				Name:  "db",
				Image: "postgres:13-alpine",
				Environment: map[string]string{
					"POSTGRES_DB":       "devdb",
					"POSTGRES_USER":     "devuser",
					"POSTGRES_PASSWORD": "changeme",
				},
				Volumes: []Mount{{Source: "dev-db-data", Target: "/var/lib/postgresql/data"}},
			},
		},
		Volumes: []string{"dev-db-data", "dev-static-data"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load decodes and validates the topology file at path.
func Load(path string) (Topology, error) {
	file, err := os.Open(path)
	if err != nil {
		return Topology{}, fmt.Errorf("%w: %w", failure.ErrConfiguration, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	var topology Topology
	if err := decoder.Decode(&topology); err != nil {
		return Topology{}, fmt.Errorf("%w: failed to decode topology file `%s`: %s", failure.ErrConfiguration, path, err.Error())
	}

	if err := topology.Validate(); err != nil {
		return Topology{}, err
	}
	return topology, nil
}

// Validate reports every problem of the topology at once.
func (t Topology) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %s", failure.ErrConfiguration, err.Error())
	}

	problems := []error{
		t.checkServiceNameCollisions(),
		t.checkVolumeNameCollisions(),
		t.checkImageSources(),
		t.checkDependencies(),
		t.checkMounts(),
	}
	if err := errors.Join(problems...); err != nil {
		return fmt.Errorf("%w: %w", failure.ErrConfiguration, err)
	}

	if _, err := t.StartOrder(); err != nil {
		return err
	}
	return nil
}

func (t Topology) Service(name string) (Service, bool) {
	for _, service := range t.Services {
		if service.Name == name {
			return service, true
		}
	}
	return Service{}, false
}

// RestartPolicy is the service's restart policy with the default applied.
func (s Service) RestartPolicy() string {
	if s.Restart == "" {
		return DefaultRestart
	}
	return s.Restart
}

func (t Topology) checkServiceNameCollisions() error {
	names := make([]string, 0, len(t.Services))
	for _, service := range t.Services {
		names = append(names, service.Name)
	}
	if duplicates := duplicateNames(names); len(duplicates) > 0 {
		return fmt.Errorf("There are multiple services with the same name. Duplicate names %v", duplicates)
	}
	return nil
}

func (t Topology) checkVolumeNameCollisions() error {
	if duplicates := duplicateNames(t.Volumes); len(duplicates) > 0 {
		return fmt.Errorf("There are multiple volumes with the same name. Duplicate names %v", duplicates)
	}
	return nil
}

func (t Topology) checkImageSources() error {
	var problems []error
	for _, service := range t.Services {
		if (service.Image == "") == (service.Build == nil) {
			problems = append(problems, fmt.Errorf("service %s needs exactly one of image and build", service.Name))
		}
	}
	return errors.Join(problems...)
}

func (t Topology) checkDependencies() error {
	var problems []error
	for _, service := range t.Services {
		for _, dependency := range service.DependsOn {
			if dependency == service.Name {
				problems = append(problems, fmt.Errorf("service %s depends on itself", service.Name))
				continue
			}
			if _, ok := t.Service(dependency); !ok {
				problems = append(problems, fmt.Errorf("service %s depends on unknown service %s", service.Name, dependency))
			}
		}
	}
	return errors.Join(problems...)
}

func (t Topology) checkMounts() error {
	var problems []error
	for _, service := range t.Services {
		for _, mount := range service.Volumes {
			if !slices.Contains(t.Volumes, mount.Source) {
				problems = append(problems, fmt.Errorf("service %s mounts undeclared volume %s", service.Name, mount.Source))
			}
		}
	}
	return errors.Join(problems...)
}

// duplicateNames returns every name occurring more than once, in order of
// first occurrence.
func duplicateNames(names []string) []string {
	seen := map[string]int{}
	var duplicates []string
	for _, name := range names {
		seen[name]++
		if seen[name] == 2 {
			duplicates = append(duplicates, name)
		}
	}
	return duplicates
}

// StartOrder returns the services so that each starts after everything it
// depends on. Ties keep declaration order, so the order is deterministic.
func (t Topology) StartOrder() ([]Service, error) {
	remaining := map[string]int{}
	dependents := map[string][]string{}
	for _, service := range t.Services {
		remaining[service.Name] += 0
		for _, dependency := range service.DependsOn {
			remaining[service.Name]++
			dependents[dependency] = append(dependents[dependency], service.Name)
		}
	}

	order := make([]Service, 0, len(t.Services))
	started := map[string]bool{}
	for len(order) < len(t.Services) {
		progressed := false
		for _, service := range t.Services {
			if started[service.Name] || remaining[service.Name] > 0 {
				continue
			}
			started[service.Name] = true
			order = append(order, service)
			for _, dependent := range dependents[service.Name] {
				remaining[dependent]--
			}
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}

	if len(order) < len(t.Services) {
		var cycle []string
		for _, service := range t.Services {
			if !started[service.Name] {
				cycle = append(cycle, service.Name)
			}
		}
		return nil, fmt.Errorf("%w: dependency cycle between services %s", failure.ErrConfiguration, strings.Join(cycle, ", "))
	}
	return order, nil
}
