// Package readiness blocks container startup until the database accepts
// connections.
//
// Container ordering only guarantees that the database process has been
// launched, not that it is ready. The Prober closes that gap with a
// blocking handshake: it keeps attempting a connection, sleeping between
// attempts, until one succeeds, the optional attempt ceiling is
// exhausted, or its context is cancelled. Nothing is written to the
// database while waiting, so cancellation leaves no partial state.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/krystofrezac/stevedore/internal/failure"
)

// Policy is the retry policy of the Prober. The delay starts at Interval
// and is multiplied by Multiplier after every failed attempt, capped at
// MaxInterval. MaxAttempts 0 retries until the context is cancelled.
type Policy struct {
	Interval       time.Duration
	MaxInterval    time.Duration
	Multiplier     float64
	MaxAttempts    int
	AttemptTimeout time.Duration
}

// DefaultPolicy retries every second, forever. The orchestrator restarts
// crash-looping containers anyway, so giving up buys nothing by default.
var DefaultPolicy = Policy{
	Interval:       time.Second,
	MaxInterval:    30 * time.Second,
	Multiplier:     1,
	MaxAttempts:    0,
	AttemptTimeout: 5 * time.Second,
}

func PolicyFromConfig(wait config.Wait) Policy {
	return Policy{
		Interval:       wait.Interval,
		MaxInterval:    wait.MaxInterval,
		Multiplier:     wait.Backoff,
		MaxAttempts:    wait.MaxAttempts,
		AttemptTimeout: wait.AttemptTimeout,
	}
}

// Delay returns how long to wait after the given failed attempt (1-based).
// Without a MaxInterval the delay grows up to the largest time.Duration.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Multiplier <= 1 || attempt <= 1 {
		return p.Interval
	}

	ceiling := time.Duration(math.MaxInt64)
	if p.MaxInterval > 0 {
		ceiling = p.MaxInterval
	}
	delay := float64(p.Interval)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(ceiling) {
			return ceiling
		}
	}
	return time.Duration(delay)
}

// State is reported to the observer after every attempt.
type State struct {
	Attempt   int
	LastError error
	Ready     bool
}

type Prober struct {
	logger   *slog.Logger
	probe    Probe
	policy   Policy
	observer func(State)
}

func NewProber(logger *slog.Logger, probe Probe, policy Policy) *Prober {
	return &Prober{
		logger:   logger,
		probe:    probe,
		policy:   policy,
		observer: func(State) {},
	}
}

// OnAttempt registers a callback invoked after every attempt. It runs on
// the waiting goroutine and must not block.
func (p *Prober) OnAttempt(observer func(State)) {
	p.observer = observer
}

// WaitForDependency blocks until cfg's database is reachable.
func (p *Prober) WaitForDependency(ctx context.Context, cfg config.Database) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if p.policy.Interval <= 0 {
		return fmt.Errorf("%w: wait interval must be positive", failure.ErrConfiguration)
	}

	logger := p.logger.With("database", cfg.Address())
	logger.Info("Waiting for database")
	started := time.Now()

	state := State{}
	for {
		state.Attempt++
		err := p.attempt(ctx, cfg)
		if err == nil {
			state.LastError = nil
			state.Ready = true
			p.observer(state)
			logger.Info("Database available", "attempts", state.Attempt, "waited", time.Since(started))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state.LastError = err
		p.observer(state)

		if p.policy.MaxAttempts > 0 && state.Attempt >= p.policy.MaxAttempts {
			logger.Error("Database unavailable, giving up", "attempts", state.Attempt, "err", err)
			return fmt.Errorf("%w: %s not reachable after %d attempts: %w",
				failure.ErrDependencyUnavailable, cfg.Address(), state.Attempt, err)
		}

		delay := p.policy.Delay(state.Attempt)
		logger.Warn("Database unavailable, retrying", "attempt", state.Attempt, "retryIn", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Prober) attempt(ctx context.Context, cfg config.Database) error {
	if p.policy.AttemptTimeout <= 0 {
		return p.probe.Probe(ctx, cfg)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.policy.AttemptTimeout)
	defer cancel()
	return p.probe.Probe(attemptCtx, cfg)
}
