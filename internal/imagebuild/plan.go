// Package imagebuild produces the application's runtime image. One image
// definition serves both variants: the development variant installs the
// development manifest on top of the base one, the production variant
// never sees it.
package imagebuild

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/krystofrezac/stevedore/internal/failure"
	"github.com/krystofrezac/stevedore/internal/layout"
	"github.com/opencontainers/go-digest"
)

// BuildVariant is fixed for the lifetime of a build.
type BuildVariant struct {
	IncludeDevDependencies bool
}

func (v BuildVariant) Name() string {
	if v.IncludeDevDependencies {
		return "dev"
	}
	return "prod"
}

// BuildPlan is everything a build installs and provisions, decided before
// anything is built.
type BuildPlan struct {
	Variant  BuildVariant
	Install  []Manifest
	Excluded []string
	Identity layout.Identity
	Storage  layout.Storage

	// Installed for building wheels only, removed in the same layer.
	BuildPackages []string
	// Installed for good.
	RuntimePackages []string
	// Cleared at the end of the install layer.
	BuildOnlyPaths []string

	VirtualEnv string
	Port       int
}

var (
	defaultBuildPackages   = []string{"build-base", "postgresql-dev", "musl-dev"}
	defaultRuntimePackages = []string{"postgresql-client"}
)

const (
	defaultVirtualEnv = "/py"
	defaultPort       = 8000
	manifestStaging   = "/tmp"
)

// Plan decides what a build of variant installs. It has no side effects.
func Plan(variant BuildVariant, manifests Manifests, identity layout.Identity, storage layout.Storage) (BuildPlan, error) {
	if err := identity.Validate(); err != nil {
		return BuildPlan{}, err
	}
	if err := storage.Validate(); err != nil {
		return BuildPlan{}, err
	}
	if manifests.Base.Path == "" {
		return BuildPlan{}, fmt.Errorf("%w: no base manifest", failure.ErrBuildDependency)
	}

	plan := BuildPlan{
		Variant:         variant,
		Install:         []Manifest{manifests.Base},
		Identity:        identity,
		Storage:         storage,
		BuildPackages:   defaultBuildPackages,
		RuntimePackages: defaultRuntimePackages,
		BuildOnlyPaths:  []string{manifestStaging},
		VirtualEnv:      defaultVirtualEnv,
		Port:            defaultPort,
	}

	switch {
	case variant.IncludeDevDependencies && manifests.Dev == nil:
		return BuildPlan{}, fmt.Errorf("%w: dev variant requested but there is no dev manifest", failure.ErrBuildDependency)
	case variant.IncludeDevDependencies:
		plan.Install = append(plan.Install, *manifests.Dev)
	case manifests.Dev != nil:
		plan.Excluded = append(plan.Excluded, manifests.Dev.Path)
	}

	return plan, nil
}

// Packages lists the names of the requirements the image will contain, in
// install order.
func (p BuildPlan) Packages() []string {
	seen := map[string]bool{}
	var packages []string
	for _, manifest := range p.Install {
		for _, requirement := range manifest.Requirements {
			key := strings.ToLower(requirement.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			packages = append(packages, requirement.Name)
		}
	}
	return packages
}

// Digest identifies the plan by content. Equal plans give equal digests.
func (p BuildPlan) Digest() digest.Digest {
	var b strings.Builder
	b.WriteString("variant=" + p.Variant.Name() + "\n")
	for _, manifest := range p.Install {
		b.WriteString("manifest=" + manifest.Path + " " + digest.FromBytes(manifest.Data).String() + "\n")
	}
	b.WriteString("identity=" + p.Identity.Name + ":" + strconv.Itoa(p.Identity.UserID) + ":" + strconv.Itoa(p.Identity.GroupID) + "\n")
	b.WriteString("storage=" + p.Storage.Root + " " + strings.Join(p.Storage.Dirs, ",") + " " + p.Storage.Mode.String() + "\n")
	b.WriteString("build=" + strings.Join(p.BuildPackages, ",") + "\n")
	b.WriteString("runtime=" + strings.Join(p.RuntimePackages, ",") + "\n")
	return digest.FromString(b.String())
}

// ImageReference is name tagged with the variant and a short digest of the
// plan and of the build context the image is built from.
func (p BuildPlan) ImageReference(name string, context digest.Digest) string {
	combined := digest.FromString(p.Digest().String() + "\n" + context.String())
	return fmt.Sprintf("%s:%s-%s", name, p.Variant.Name(), combined.Encoded()[:12])
}
