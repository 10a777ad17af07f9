package launcher

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/krystofrezac/stevedore/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func freeListen(t *testing.T) config.Listen {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return config.Listen{Address: "127.0.0.1", Port: port}
}

func testRuntime(listen config.Listen) config.Runtime {
	return config.Runtime{
		Database: config.Database{Host: "db", Port: 5432, Name: "devdb", User: "devuser", Password: "changeme", SSLMode: "disable"},
		Listen:   listen,
		Debug:    true,
	}
}

func TestServe_PassesConfigurationToApplication(t *testing.T) {
	listen := freeListen(t)
	var stdout bytes.Buffer
	server := NewCommandServer(discardLogger, []string{"/bin/sh", "-c", `echo "$DB_HOST $DB_NAME $DEBUG $1"`, "app", "{address}:{port}"}).
		WithOutput(&stdout, io.Discard)

	require.NoError(t, server.Serve(context.Background(), listen, testRuntime(listen)))
	assert.Equal(t, "db devdb true "+listen.HostPort()+"\n", stdout.String())
}

func TestServe_NonZeroExitIsError(t *testing.T) {
	listen := freeListen(t)
	server := NewCommandServer(discardLogger, []string{"/bin/sh", "-c", "exit 3"}).WithOutput(io.Discard, io.Discard)

	err := server.Serve(context.Background(), listen, testRuntime(listen))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.NotErrorIs(t, err, failure.ErrServerStart)
}

func TestServe_MissingExecutableIsStartError(t *testing.T) {
	listen := freeListen(t)
	server := NewCommandServer(discardLogger, []string{"/nonexistent/manage"})

	err := server.Serve(context.Background(), listen, testRuntime(listen))
	require.ErrorIs(t, err, failure.ErrServerStart)
	assert.Equal(t, failure.ExitServerStart, failure.ExitCode(err))
}

func TestServe_BoundPortIsStartError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	listen := config.Listen{Address: "127.0.0.1", Port: listener.Addr().(*net.TCPAddr).Port}

	server := NewCommandServer(discardLogger, []string{"/bin/sh", "-c", "exit 0"})
	err = server.Serve(context.Background(), listen, testRuntime(listen))
	require.ErrorIs(t, err, failure.ErrServerStart)
	assert.Contains(t, err.Error(), "cannot bind")
}

func TestServe_CancelStopsApplication(t *testing.T) {
	listen := freeListen(t)
	server := NewCommandServer(discardLogger, []string{"sleep", "30"}).
		WithOutput(io.Discard, io.Discard).
		WithStopTimeout(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	require.NoError(t, server.Serve(ctx, listen, testRuntime(listen)))
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestExpandArgs(t *testing.T) {
	args := expandArgs(DefaultCommand, config.Listen{Address: "0.0.0.0", Port: 8000})
	assert.Equal(t, []string{"python", "manage.py", "runserver", "0.0.0.0:8000"}, args)
}
