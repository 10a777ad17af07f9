package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/krystofrezac/stevedore/internal/failure"
	"github.com/krystofrezac/stevedore/internal/imagebuild"
	"github.com/krystofrezac/stevedore/internal/layout"
	"github.com/spf13/pflag"
)

type commonFlags struct {
	logLevel  string
	logFormat string
}

func addCommonFlags(flagSet *pflag.FlagSet) *commonFlags {
	f := &commonFlags{}
	flagSet.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flagSet.StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")
	return f
}

func (f *commonFlags) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return 0, fmt.Errorf("%w: flag 'log-level': %s", failure.ErrUsage, err.Error())
	}
	return level, nil
}

func (f *commonFlags) check() error {
	if f.logFormat != "text" && f.logFormat != "json" {
		return fmt.Errorf("%w: flag 'log-format' must be text or json", failure.ErrUsage)
	}
	_, err := f.level()
	return err
}

type entrypointFlags struct {
	envFile string
	probe   string
}

func addEntrypointFlags(flagSet *pflag.FlagSet) *entrypointFlags {
	f := &entrypointFlags{}
	flagSet.StringVar(&f.envFile, "env-file", "", "Dotenv file loaded before reading the environment. Set variables win")
	flagSet.StringVar(&f.probe, "probe", "postgres", "Readiness probe: postgres (connect and ping) or tcp (port open)")
	return f
}

func (f *entrypointFlags) check() error {
	if f.probe != "postgres" && f.probe != "tcp" {
		return fmt.Errorf("%w: flag 'probe' must be postgres or tcp", failure.ErrUsage)
	}
	return nil
}

// planFlags select what an image build installs. build and plan share them.
type planFlags struct {
	dev          bool
	uid          int
	gid          int
	contextDir   string
	baseManifest string
	devManifest  string
}

func addPlanFlags(flagSet *pflag.FlagSet) *planFlags {
	f := &planFlags{}
	flagSet.BoolVar(&f.dev, "dev", false, "Install the development manifest on top of the base one")
	flagSet.IntVar(&f.uid, "uid", layout.DefaultIdentity.UserID, "User id of the unprivileged runtime user")
	flagSet.IntVar(&f.gid, "gid", layout.DefaultIdentity.GroupID, "Group id of the unprivileged runtime user")
	flagSet.StringVar(&f.contextDir, "context", ".", "Build context directory")
	flagSet.StringVar(&f.baseManifest, "base-manifest", imagebuild.DefaultBaseManifest, "Base requirements file, relative to the context")
	flagSet.StringVar(&f.devManifest, "dev-manifest", imagebuild.DefaultDevManifest, "Development requirements file, relative to the context")
	return f
}

func (f *planFlags) check() error {
	// Checking required flags
	if f.contextDir == "" {
		return fmt.Errorf("%w: flag 'context' is required", failure.ErrUsage)
	}
	if f.baseManifest == "" {
		return fmt.Errorf("%w: flag 'base-manifest' is required", failure.ErrUsage)
	}
	return nil
}

func (f *planFlags) identity() layout.Identity {
	identity := layout.DefaultIdentity
	identity.UserID = f.uid
	identity.GroupID = f.gid
	return identity
}

type buildFlags struct {
	tag        string
	name       string
	entrypoint string
}

func addBuildFlags(flagSet *pflag.FlagSet) *buildFlags {
	f := &buildFlags{}
	flagSet.StringVar(&f.tag, "tag", "", "Image reference. By default <name>:<variant>-<digest of plan and context>")
	flagSet.StringVar(&f.name, "name", "app", "Image name used for the default tag")
	flagSet.StringVar(&f.entrypoint, "entrypoint-binary", "", "stevedore binary copied into the image. By default this executable")
	return f
}

func (f *buildFlags) check() error {
	if f.tag == "" && f.name == "" {
		return fmt.Errorf("%w: one of flags 'tag' and 'name' is required", failure.ErrUsage)
	}
	if strings.ContainsAny(f.name, ":@ ") {
		return fmt.Errorf("%w: flag 'name' must not contain a tag or digest", failure.ErrUsage)
	}
	return nil
}

// topologyFlags select the environment and where its images are built
// from. compose and up share them.
type topologyFlags struct {
	file       string
	root       string
	entrypoint string
}

func addTopologyFlags(flagSet *pflag.FlagSet) *topologyFlags {
	f := &topologyFlags{}
	flagSet.StringVarP(&f.file, "file", "f", "", "Topology file. By default the built-in app and db environment")
	flagSet.StringVar(&f.root, "root", ".", "Directory build contexts are relative to")
	flagSet.StringVar(&f.entrypoint, "entrypoint-binary", "", "stevedore binary copied into built images. By default this executable")
	return f
}
