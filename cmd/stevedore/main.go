// stevedore builds the application image, declares its local environment
// and is the image's entrypoint: it waits for the database, applies
// migrations and then runs the application.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/krystofrezac/stevedore/internal/failure"
	"github.com/spf13/pflag"
)

type command struct {
	summary string
	// register adds the command's flags and returns what runs it.
	register func(flagSet *pflag.FlagSet) runFunc
}

type runFunc func(ctx context.Context, env *environment, args []string) error

// environment is what every command runs with.
type environment struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar
	stdout   io.Writer
	// levelSet is true when --log-level was passed explicitly.
	levelSet bool
}

var commands = map[string]command{
	"entrypoint": {summary: "Wait for the database, apply migrations, then run the application", register: registerEntrypoint},
	"plan":       {summary: "Print the Dockerfile and packages of a build variant", register: registerPlan},
	"build":      {summary: "Build the application image", register: registerBuild},
	"compose":    {summary: "Print the environment topology as a docker-compose file", register: registerCompose},
	"up":         {summary: "Apply the environment topology to the local Docker Engine", register: registerUp},
}

var commandOrder = []string{"entrypoint", "plan", "build", "compose", "up"}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		if len(args) == 0 {
			return failure.ExitUsage
		}
		return failure.ExitOK
	}

	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		printUsage(stderr)
		return failure.ExitUsage
	}

	flagSet := pflag.NewFlagSet("stevedore "+name, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	common := addCommonFlags(flagSet)
	runCommand := cmd.register(flagSet)

	if err := flagSet.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return failure.ExitOK
		}
		return failure.ExitUsage
	}

	logLevel := new(slog.LevelVar)
	logger := newLogger(stderr, common.logFormat, logLevel)
	if err := common.check(); err != nil {
		logger.Error("Invalid flags", "err", err)
		return failure.ExitCode(err)
	}
	level, _ := common.level()
	logLevel.Set(level)

	env := &environment{
		logger:   logger,
		logLevel: logLevel,
		stdout:   stdout,
		levelSet: flagSet.Changed("log-level"),
	}
	err := runCommand(ctx, env, flagSet.Args())
	if code := failure.ExitCode(err); code != failure.ExitOK {
		env.logger.Error("Command failed", "command", name, "kind", failure.Kind(err), "exitCode", code, "err", err)
		return code
	}
	return failure.ExitOK
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: stevedore <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, name := range commandOrder {
		fmt.Fprintf(w, "  %-12s %s\n", name, commands[name].summary)
	}
}
