// Package failure holds the error kinds shared by every stage of the
// build and startup sequence, and the process exit code for each.
package failure

import (
	"context"
	"errors"
)

var (
	// Build time only. The operator fixes the manifest and re-runs the build.
	ErrBuildDependency = errors.New("build dependency error")

	// Missing or malformed runtime parameter. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// The dependent service could not be reached. Retried by the prober and
	// only surfaced once an attempt ceiling is exhausted.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// Fatal for the current container start.
	ErrMigration = errors.New("migration error")

	ErrServerStart = errors.New("server start error")

	// Unknown subcommand or bad flags.
	ErrUsage = errors.New("usage error")
)

// Exit codes follow sysexits.h where one fits.
const (
	ExitOK                    = 0
	ExitFailure               = 1
	ExitUsage                 = 64
	ExitMigration             = 65
	ExitDependencyUnavailable = 69
	ExitServerStart           = 71
	ExitBuildDependency       = 73
	ExitConfiguration         = 78
)

// ExitCode maps err to the exit code the process should terminate with.
// A nil error and a plain context cancellation both exit cleanly.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, ErrConfiguration):
		return ExitConfiguration
	case errors.Is(err, ErrDependencyUnavailable):
		return ExitDependencyUnavailable
	case errors.Is(err, ErrMigration):
		return ExitMigration
	case errors.Is(err, ErrServerStart):
		return ExitServerStart
	case errors.Is(err, ErrBuildDependency):
		return ExitBuildDependency
	case errors.Is(err, context.Canceled):
		return ExitOK
	default:
		return ExitFailure
	}
}

// Kind names the error kind of err for logs and the status listener.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUsage):
		return "UsageError"
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrDependencyUnavailable):
		return "DependencyUnavailableError"
	case errors.Is(err, ErrMigration):
		return "MigrationError"
	case errors.Is(err, ErrServerStart):
		return "ServerStartError"
	case errors.Is(err, ErrBuildDependency):
		return "BuildDependencyError"
	default:
		return "Error"
	}
}
