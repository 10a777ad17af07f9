// Package launcher starts the long-running application process once the
// database is ready and migrated. It has no retry logic of its own, a
// crash is left to the container supervisor, which re-runs the whole
// startup sequence.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/krystofrezac/stevedore/internal/failure"
)

// DefaultCommand runs the application on the bound address.
var DefaultCommand = []string{"python", "manage.py", "runserver", "{address}:{port}"}

const defaultStopTimeout = 10 * time.Second

// CommandServer serves by running the application command in the
// foreground with the runtime configuration in its environment.
type CommandServer struct {
	logger      *slog.Logger
	command     []string
	stopTimeout time.Duration
	stdout      io.Writer
	stderr      io.Writer
}

func NewCommandServer(logger *slog.Logger, command []string) *CommandServer {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &CommandServer{
		logger:      logger,
		command:     command,
		stopTimeout: defaultStopTimeout,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}
}

// WithStopTimeout sets how long a terminated application gets to exit
// before it is killed.
func (s *CommandServer) WithStopTimeout(timeout time.Duration) *CommandServer {
	s.stopTimeout = timeout
	return s
}

// WithOutput redirects the application's stdout and stderr.
func (s *CommandServer) WithOutput(stdout, stderr io.Writer) *CommandServer {
	s.stdout = stdout
	s.stderr = stderr
	return s
}

// Serve runs until the application exits or ctx is cancelled. Cancelling
// ctx sends SIGTERM and counts as a clean stop.
func (s *CommandServer) Serve(ctx context.Context, listen config.Listen, cfg config.Runtime) error {
	if err := checkBindable(listen); err != nil {
		return err
	}

	args := expandArgs(s.command, listen)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), cfg.Environment()...)
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.stopTimeout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %w", failure.ErrServerStart, args[0], err)
	}
	s.logger.Info("Application started", "command", strings.Join(args, " "), "pid", cmd.Process.Pid, "address", listen.HostPort())

	err := cmd.Wait()
	if ctx.Err() != nil {
		s.logger.Info("Application stopped", "err", err)
		return nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("application exited with code %d: %w", exitErr.ExitCode(), err)
		}
		return fmt.Errorf("application: %w", err)
	}

	s.logger.Info("Application exited")
	return nil
}

// checkBindable fails fast when the address is already taken, before
// handing it to an application that would crash on it.
func checkBindable(listen config.Listen) error {
	listener, err := net.Listen("tcp", listen.HostPort())
	if err != nil {
		return fmt.Errorf("%w: cannot bind %s: %w", failure.ErrServerStart, listen.HostPort(), err)
	}
	return listener.Close()
}

func expandArgs(command []string, listen config.Listen) []string {
	replacer := strings.NewReplacer(
		"{address}", listen.Address,
		"{port}", strconv.Itoa(listen.Port),
	)

	args := make([]string, 0, len(command))
	for _, arg := range command {
		args = append(args, replacer.Replace(arg))
	}
	return args
}
