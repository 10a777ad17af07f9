package containermanager

import (
	"context"
	"path/filepath"

	"github.com/krystofrezac/stevedore/internal/imagebuild"
	"github.com/krystofrezac/stevedore/internal/layout"
	"github.com/krystofrezac/stevedore/internal/topology"
)

// ServiceBuilder builds service images with the image builder. Build
// contexts are resolved against Root.
type ServiceBuilder struct {
	Builder      *imagebuild.Builder
	Root         string
	Project      string
	BaseManifest string
	DevManifest  string
	// Empty uses the running executable.
	Entrypoint string
}

func (b ServiceBuilder) BuildService(ctx context.Context, service topology.Service) (string, error) {
	req, err := b.request(service)
	if err != nil {
		return "", err
	}
	result, err := b.Builder.Build(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Image, nil
}

// ServiceImage returns the tag BuildService gives the service's image,
// without building it. It satisfies topology.ImageResolver.
func (b ServiceBuilder) ServiceImage(service topology.Service) (string, error) {
	req, err := b.request(service)
	if err != nil {
		return "", err
	}
	return imagebuild.Reference(req)
}

func (b ServiceBuilder) request(service topology.Service) (imagebuild.BuildRequest, error) {
	contextDir := service.Build.Context
	if !filepath.IsAbs(contextDir) {
		contextDir = filepath.Join(b.Root, contextDir)
	}

	base, dev := b.BaseManifest, b.DevManifest
	if base == "" {
		base = imagebuild.DefaultBaseManifest
	}
	if dev == "" {
		dev = imagebuild.DefaultDevManifest
	}
	manifests, err := imagebuild.LoadManifests(contextDir, base, dev)
	if err != nil {
		return imagebuild.BuildRequest{}, err
	}

	identity := layout.DefaultIdentity
	if service.Build.UserID > 0 {
		identity.UserID = service.Build.UserID
	}
	if service.Build.GroupID > 0 {
		identity.GroupID = service.Build.GroupID
	}

	plan, err := imagebuild.Plan(
		imagebuild.BuildVariant{IncludeDevDependencies: service.Build.Dev},
		manifests,
		identity,
		layout.DefaultStorage,
	)
	if err != nil {
		return imagebuild.BuildRequest{}, err
	}

	return imagebuild.BuildRequest{
		ContextDir: contextDir,
		Plan:       plan,
		Name:       b.Project + "-" + service.Name,
		Entrypoint: b.Entrypoint,
	}, nil
}
