package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/krystofrezac/stevedore/internal/bootstrap"
	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/krystofrezac/stevedore/internal/containermanager"
	"github.com/krystofrezac/stevedore/internal/failure"
	"github.com/krystofrezac/stevedore/internal/imagebuild"
	"github.com/krystofrezac/stevedore/internal/launcher"
	"github.com/krystofrezac/stevedore/internal/layout"
	"github.com/krystofrezac/stevedore/internal/migrations"
	"github.com/krystofrezac/stevedore/internal/readiness"
	"github.com/krystofrezac/stevedore/internal/status"
	"github.com/krystofrezac/stevedore/internal/topology"
	"github.com/spf13/pflag"
)

func registerEntrypoint(flagSet *pflag.FlagSet) runFunc {
	flags := addEntrypointFlags(flagSet)
	return func(ctx context.Context, env *environment, args []string) error {
		if err := flags.check(); err != nil {
			return err
		}
		return runEntrypoint(ctx, env, flags, args)
	}
}

// runEntrypoint runs the application command in args, by default the
// Django development server, once the database is ready and migrated.
func runEntrypoint(ctx context.Context, env *environment, flags *entrypointFlags, args []string) error {
	if flags.envFile != "" {
		if err := config.LoadEnvFile(flags.envFile); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Debug && !env.levelSet {
		env.logLevel.Set(slog.LevelDebug)
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	logger := env.logger.With("run_id", runID.String())
	logger.Info("Starting", "database", cfg.Database.Redacted(), "address", cfg.Listen.HostPort(), "probe", flags.probe)

	metrics := status.NewMetrics()
	tracker := bootstrap.NewTracker(metrics)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.StatusAddress != "" {
		done, err := status.NewServer(logger, tracker, metrics).ListenAndServe(ctx, cfg.StatusAddress)
		if err != nil {
			return fmt.Errorf("%w: status listener: %w", failure.ErrConfiguration, err)
		}
		go logListenerExit(logger, done)
	}

	var probe readiness.Probe = readiness.NewPostgresProbe()
	if flags.probe == "tcp" {
		probe = readiness.NewTCPProbe()
	}
	prober := readiness.NewProber(logger, probe, readiness.PolicyFromConfig(cfg.Wait))
	prober.OnAttempt(tracker.ProbeAttempted)

	sequence := bootstrap.NewSequence(
		logger,
		layout.NewChecker(),
		prober,
		migrations.NewRunner(logger, cfg.Migrations),
		launcher.NewCommandServer(logger, args),
		tracker,
	)
	return sequence.Run(ctx, cfg)
}

// logListenerExit logs the status listener's error, if it stops with one.
// The application keeps running without it.
func logListenerExit(logger *slog.Logger, done <-chan error) {
	if err := <-done; err != nil {
		logger.Error("Status listener failed", "err", err)
	}
}

func registerPlan(flagSet *pflag.FlagSet) runFunc {
	flags := addPlanFlags(flagSet)
	return func(ctx context.Context, env *environment, args []string) error {
		if err := flags.check(); err != nil {
			return err
		}

		plan, err := loadPlan(flags)
		if err != nil {
			return err
		}
		dockerfile, err := imagebuild.Render(plan)
		if err != nil {
			return err
		}

		fmt.Fprintf(env.stdout, "# variant: %s\n# plan digest: %s\n# packages: %s\n", plan.Variant.Name(), plan.Digest(), strings.Join(plan.Packages(), " "))
		if len(plan.Excluded) > 0 {
			fmt.Fprintf(env.stdout, "# excluded from context: %s\n", strings.Join(plan.Excluded, " "))
		}
		fmt.Fprint(env.stdout, dockerfile)
		return nil
	}
}

func loadPlan(flags *planFlags) (imagebuild.BuildPlan, error) {
	manifests, err := imagebuild.LoadManifests(flags.contextDir, flags.baseManifest, flags.devManifest)
	if err != nil {
		return imagebuild.BuildPlan{}, err
	}
	return imagebuild.Plan(
		imagebuild.BuildVariant{IncludeDevDependencies: flags.dev},
		manifests,
		flags.identity(),
		layout.DefaultStorage,
	)
}

func registerBuild(flagSet *pflag.FlagSet) runFunc {
	plan := addPlanFlags(flagSet)
	build := addBuildFlags(flagSet)
	return func(ctx context.Context, env *environment, args []string) error {
		if err := plan.check(); err != nil {
			return err
		}
		if err := build.check(); err != nil {
			return err
		}

		buildPlan, err := loadPlan(plan)
		if err != nil {
			return err
		}
		dockerClient, err := newDockerClient()
		if err != nil {
			return err
		}
		defer dockerClient.Close()

		result, err := imagebuild.NewBuilder(env.logger, dockerClient, env.stdout).Build(ctx, imagebuild.BuildRequest{
			ContextDir: plan.contextDir,
			Plan:       buildPlan,
			Tag:        build.tag,
			Name:       build.name,
			Entrypoint: build.entrypoint,
		})
		if err != nil {
			return err
		}
		env.logger.Info("Image built", "image", result.Image, "planDigest", result.PlanDigest, "packages", strings.Join(result.Packages, ","))
		return nil
	}
}

func registerCompose(flagSet *pflag.FlagSet) runFunc {
	flags := addTopologyFlags(flagSet)
	return func(ctx context.Context, env *environment, args []string) error {
		t, err := loadTopology(flags)
		if err != nil {
			return err
		}
		builder := containermanager.ServiceBuilder{
			Root:       flags.root,
			Project:    t.Project,
			Entrypoint: flags.entrypoint,
		}
		document, err := t.Compose(builder.ServiceImage)
		if err != nil {
			return err
		}
		_, err = env.stdout.Write(document)
		return err
	}
}

func registerUp(flagSet *pflag.FlagSet) runFunc {
	flags := addTopologyFlags(flagSet)
	return func(ctx context.Context, env *environment, args []string) error {
		t, err := loadTopology(flags)
		if err != nil {
			return err
		}
		dockerClient, err := newDockerClient()
		if err != nil {
			return err
		}
		defer dockerClient.Close()

		builder := containermanager.ServiceBuilder{
			Builder:    imagebuild.NewBuilder(env.logger, dockerClient, env.stdout),
			Root:       flags.root,
			Project:    t.Project,
			Entrypoint: flags.entrypoint,
		}
		manager := containermanager.NewManager(env.logger, containermanager.NewDockerEngine(dockerClient, env.stdout), builder)

		actions, err := manager.Apply(ctx, t)
		if err != nil {
			return err
		}
		for _, action := range actions {
			fmt.Fprintf(env.stdout, "%-10s %-24s %s\n", action.Decision, action.Container, action.Image)
		}
		return nil
	}
}

func loadTopology(flags *topologyFlags) (topology.Topology, error) {
	if flags.file == "" {
		return topology.Default(), nil
	}
	return topology.Load(flags.file)
}

func newDockerClient() (*client.Client, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: initialize docker client: %w", failure.ErrBuildDependency, err)
	}
	return dockerClient, nil
}
