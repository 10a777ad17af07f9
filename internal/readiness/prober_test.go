package readiness

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/krystofrezac/stevedore/internal/failure"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testDatabase(host string, port int) config.Database {
	return config.Database{
		Host:     host,
		Port:     port,
		Name:     "devdb",
		User:     "devuser",
		Password: "changeme",
		SSLMode:  "disable",
	}
}

// closedPort returns a loopback port nothing is listening on.
func closedPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

type countingProbe struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
}

func (p *countingProbe) Probe(ctx context.Context, cfg config.Database) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return p.err
	}
	return nil
}

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		Interval:       10 * time.Millisecond,
		MaxInterval:    10 * time.Millisecond,
		Multiplier:     1,
		MaxAttempts:    maxAttempts,
		AttemptTimeout: time.Second,
	}
}

func TestWaitForDependency_UnreachableWithCeiling(t *testing.T) {
	cfg := testDatabase("127.0.0.1", closedPort(t))
	prober := NewProber(discardLogger, NewTCPProbe(), fastPolicy(5))

	var states []State
	prober.OnAttempt(func(s State) { states = append(states, s) })

	err := prober.WaitForDependency(context.Background(), cfg)
	require.ErrorIs(t, err, failure.ErrDependencyUnavailable)
	require.Len(t, states, 5)
	for i, state := range states {
		assert.Equal(t, i+1, state.Attempt)
		assert.Error(t, state.LastError)
		assert.False(t, state.Ready)
	}
}

func TestWaitForDependency_UnreachableNeverSucceeds(t *testing.T) {
	cfg := testDatabase("127.0.0.1", closedPort(t))
	prober := NewProber(discardLogger, NewTCPProbe(), fastPolicy(0))

	attempts := 0
	prober.OnAttempt(func(s State) {
		attempts = s.Attempt
		assert.False(t, s.Ready)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := prober.WaitForDependency(ctx, cfg)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, failure.ErrDependencyUnavailable)
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestWaitForDependency_SucceedsOnceListenerAccepts(t *testing.T) {
	port := closedPort(t)
	cfg := testDatabase("127.0.0.1", port)
	policy := Policy{Interval: 100 * time.Millisecond, Multiplier: 1, AttemptTimeout: time.Second}
	prober := NewProber(discardLogger, NewTCPProbe(), policy)

	done := make(chan error, 1)
	go func() {
		done <- prober.WaitForDependency(context.Background(), cfg)
	}()

	time.Sleep(250 * time.Millisecond)
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer listener.Close()
	accepting := time.Now()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Less(t, time.Since(accepting), policy.Interval+200*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not notice the listener")
	}
}

type flakyDialer struct {
	failures int
	calls    int
}

func (d *flakyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, &net.OpError{Op: "dial", Net: network, Err: &net.DNSError{Err: "no such host", Name: "db", IsNotFound: true}}
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func TestWaitForDependency_RetriesDNSFailures(t *testing.T) {
	dialer := &flakyDialer{failures: 2}
	prober := NewProber(discardLogger, TCPProbe{Dialer: dialer}, fastPolicy(10))

	err := prober.WaitForDependency(context.Background(), testDatabase("db", 5432))
	require.NoError(t, err)
	assert.Equal(t, 3, dialer.calls)
}

func TestWaitForDependency_MalformedConfigFailsFast(t *testing.T) {
	probe := &countingProbe{}
	prober := NewProber(discardLogger, probe, fastPolicy(0))

	cfg := testDatabase("db", 5432)
	cfg.User = ""

	err := prober.WaitForDependency(context.Background(), cfg)
	require.ErrorIs(t, err, failure.ErrConfiguration)
	assert.NotErrorIs(t, err, failure.ErrDependencyUnavailable)
	assert.Equal(t, 0, probe.calls)
}

func TestWaitForDependency_CountsAttempts(t *testing.T) {
	probe := &countingProbe{failures: 3, err: errors.New("connection refused")}
	prober := NewProber(discardLogger, probe, fastPolicy(0))

	var last State
	prober.OnAttempt(func(s State) { last = s })

	require.NoError(t, prober.WaitForDependency(context.Background(), testDatabase("db", 5432)))
	assert.Equal(t, 4, probe.calls)
	assert.Equal(t, State{Attempt: 4, Ready: true}, last)
}

func TestWaitForDependency_CancelledWhileWaiting(t *testing.T) {
	probe := &countingProbe{failures: 1000, err: errors.New("connection refused")}
	prober := NewProber(discardLogger, probe, Policy{Interval: time.Hour, Multiplier: 1})

	ctx, cancel := context.WithCancel(context.Background())
	prober.OnAttempt(func(State) { cancel() })

	err := prober.WaitForDependency(ctx, testDatabase("db", 5432))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, probe.calls)
}

func TestPolicy_Delay(t *testing.T) {
	policy := Policy{Interval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
	assert.Equal(t, 4*time.Second, policy.Delay(3))
	assert.Equal(t, 5*time.Second, policy.Delay(4))
	assert.Equal(t, 5*time.Second, policy.Delay(10))

	assert.Equal(t, time.Second, DefaultPolicy.Delay(7))
}

func TestPolicy_DelayWithoutCeilingNeverWraps(t *testing.T) {
	policy := Policy{Interval: time.Second, Multiplier: 2}

	assert.Equal(t, 4*time.Second, policy.Delay(3))
	for _, attempt := range []int{40, 64, 100, 10000} {
		delay := policy.Delay(attempt)
		assert.Positive(t, delay, "attempt %d", attempt)
		assert.Equal(t, time.Duration(math.MaxInt64), delay, "attempt %d", attempt)
	}
	assert.GreaterOrEqual(t, policy.Delay(34), policy.Delay(33))
}

func TestPostgresProbe(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(&pq.Error{Code: "57P03", Message: "the database system is starting up"})

	var dsns []string
	probe := PostgresProbe{Open: func(driverName, dataSourceName string) (*sql.DB, error) {
		assert.Equal(t, "postgres", driverName)
		dsns = append(dsns, dataSourceName)
		return db, nil
	}}

	cfg := testDatabase("db", 5432)

	err = probe.Probe(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot_connect_now")
	require.NoError(t, mock.ExpectationsWereMet())

	db2, mock2, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock2.ExpectPing()
	probe.Open = func(driverName, dataSourceName string) (*sql.DB, error) {
		dsns = append(dsns, dataSourceName)
		return db2, nil
	}

	require.NoError(t, probe.Probe(context.Background(), cfg))
	require.NoError(t, mock2.ExpectationsWereMet())
	assert.Equal(t, []string{cfg.DSN(), cfg.DSN()}, dsns)
}
