// Package bootstrap runs the container startup sequence: preflight checks,
// waiting for the database, applying migrations and finally serving. Each
// stage starts only after the previous one succeeded, a failing stage
// ends the sequence with its error.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"

	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/krystofrezac/stevedore/internal/failure"
)

type Preflight interface {
	Verify(dirs []string) error
}

type Prober interface {
	WaitForDependency(ctx context.Context, cfg config.Database) error
}

type Migrator interface {
	ApplyMigrations(ctx context.Context, cfg config.Database) error
}

type Server interface {
	Serve(ctx context.Context, listen config.Listen, cfg config.Runtime) error
}

type Sequence struct {
	logger    *slog.Logger
	preflight Preflight
	prober    Prober
	migrator  Migrator
	server    Server
	tracker   *Tracker
}

func NewSequence(logger *slog.Logger, preflight Preflight, prober Prober, migrator Migrator, server Server, tracker *Tracker) *Sequence {
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Sequence{
		logger:    logger,
		preflight: preflight,
		prober:    prober,
		migrator:  migrator,
		server:    server,
		tracker:   tracker,
	}
}

func (s *Sequence) Tracker() *Tracker {
	return s.tracker
}

// Run executes the sequence with cfg, which is read once by the caller and
// never reloaded. It returns when the server stops or a stage fails.
func (s *Sequence) Run(ctx context.Context, cfg config.Runtime) error {
	if err := s.enter(ctx, StagePreflight); err != nil {
		return err
	}
	if err := s.preflight.Verify(cfg.StorageDirs); err != nil {
		return s.fail(ctx, StagePreflight, err)
	}

	if err := s.enter(ctx, StageProbing); err != nil {
		return err
	}
	if err := s.prober.WaitForDependency(ctx, cfg.Database); err != nil {
		return s.fail(ctx, StageProbing, err)
	}

	if err := s.enter(ctx, StageMigrating); err != nil {
		return err
	}
	if err := s.migrator.ApplyMigrations(ctx, cfg.Database); err != nil {
		return s.fail(ctx, StageMigrating, err)
	}

	if err := s.enter(ctx, StageServing); err != nil {
		return err
	}
	s.logger.Info("Serving", "address", cfg.Listen.HostPort())
	if err := s.server.Serve(ctx, cfg.Listen, cfg); err != nil {
		return s.fail(ctx, StageServing, err)
	}

	s.tracker.Enter(StageStopped)
	return nil
}

// enter moves to stage unless ctx is already done, in which case the
// sequence stops without running it.
func (s *Sequence) enter(ctx context.Context, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return s.fail(ctx, stage, err)
	}
	s.tracker.Enter(stage)
	return nil
}

func (s *Sequence) fail(ctx context.Context, stage Stage, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.logger.Info("Startup interrupted", "stage", stage.String())
		s.tracker.Enter(StageStopped)
		return err
	}

	s.logger.Error("Startup failed", "stage", stage.String(), "kind", failure.Kind(err), "err", err)
	s.tracker.Enter(StageFailed)
	return err
}
