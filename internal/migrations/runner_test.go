package migrations

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/krystofrezac/stevedore/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testDatabase = config.Database{Host: "db", Port: 5432, Name: "devdb", User: "devuser", Password: "changeme", SSLMode: "disable"}

// memoryDriver is a database.Driver that records applied migrations in
// memory. It survives Close so several runs can share its state.
type memoryDriver struct {
	mu      sync.Mutex
	version int
	dirty   bool
	applied []string
	failOn  string
	// onRun is called after each applied migration.
	onRun  func()
	closed int
}

func newMemoryDriver() *memoryDriver {
	return &memoryDriver{version: database.NilVersion}
}

func (d *memoryDriver) Open(url string) (database.Driver, error) { return d, nil }
func (d *memoryDriver) Close() error                              { d.closed++; return nil }
func (d *memoryDriver) Lock() error                               { d.mu.Lock(); return nil }
func (d *memoryDriver) Unlock() error                             { d.mu.Unlock(); return nil }
func (d *memoryDriver) Drop() error                               { d.applied = nil; return nil }

func (d *memoryDriver) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	statement := strings.TrimSpace(string(body))
	if d.failOn != "" && strings.Contains(statement, d.failOn) {
		return errors.New("relation already exists")
	}
	d.applied = append(d.applied, statement)
	if d.onRun != nil {
		d.onRun()
	}
	return nil
}

func (d *memoryDriver) SetVersion(version int, dirty bool) error {
	d.version = version
	d.dirty = dirty
	return nil
}

func (d *memoryDriver) Version() (int, bool, error) {
	return d.version, d.dirty, nil
}

var recipeMigrations = fstest.MapFS{
	"0001_create_recipes.up.sql":     {Data: []byte("CREATE TABLE recipes;")},
	"0001_create_recipes.down.sql":   {Data: []byte("DROP TABLE recipes;")},
	"0002_create_tags.up.sql":        {Data: []byte("CREATE TABLE tags;")},
	"0003_create_ingredients.up.sql": {Data: []byte("CREATE TABLE ingredients;")},
}

func memoryOpener(t *testing.T, driver *memoryDriver, opened *int) Opener {
	return func(ctx context.Context, cfg config.Database) (*migrate.Migrate, error) {
		*opened++
		source, err := iofs.New(recipeMigrations, ".")
		require.NoError(t, err)
		return migrate.NewWithInstance("iofs", source, "memory", driver)
	}
}

func TestApplyMigrations_AppliesInVersionOrder(t *testing.T) {
	driver := newMemoryDriver()
	opened := 0
	runner := NewRunnerWithOpener(discardLogger, memoryOpener(t, driver, &opened))

	require.NoError(t, runner.ApplyMigrations(context.Background(), testDatabase))

	assert.Equal(t, []string{
		"CREATE TABLE recipes;",
		"CREATE TABLE tags;",
		"CREATE TABLE ingredients;",
	}, driver.applied)
	assert.Equal(t, 3, driver.version)
	assert.False(t, driver.dirty)
}

func TestApplyMigrations_SecondRunIsNoOp(t *testing.T) {
	driver := newMemoryDriver()
	opened := 0
	runner := NewRunnerWithOpener(discardLogger, memoryOpener(t, driver, &opened))

	require.NoError(t, runner.ApplyMigrations(context.Background(), testDatabase))
	applied := append([]string(nil), driver.applied...)

	require.NoError(t, runner.ApplyMigrations(context.Background(), testDatabase))
	assert.Equal(t, applied, driver.applied)
	assert.Equal(t, 3, driver.version)
	assert.Equal(t, 2, opened)
}

func TestApplyMigrations_OnlyPendingApplied(t *testing.T) {
	driver := newMemoryDriver()
	driver.version = 2
	opened := 0
	runner := NewRunnerWithOpener(discardLogger, memoryOpener(t, driver, &opened))

	require.NoError(t, runner.ApplyMigrations(context.Background(), testDatabase))
	assert.Equal(t, []string{"CREATE TABLE ingredients;"}, driver.applied)
}

func TestApplyMigrations_FailureIsMigrationError(t *testing.T) {
	driver := newMemoryDriver()
	driver.failOn = "tags"
	opened := 0
	runner := NewRunnerWithOpener(discardLogger, memoryOpener(t, driver, &opened))

	err := runner.ApplyMigrations(context.Background(), testDatabase)
	require.ErrorIs(t, err, failure.ErrMigration)
	assert.Equal(t, []string{"CREATE TABLE recipes;"}, driver.applied)
	assert.True(t, driver.dirty)

	// The failed version stays dirty, a restart must not silently skip it.
	driver.failOn = ""
	err = runner.ApplyMigrations(context.Background(), testDatabase)
	require.ErrorIs(t, err, failure.ErrMigration)
	assert.Contains(t, err.Error(), "dirty at version 2")
}

func TestApplyMigrations_OpenFailure(t *testing.T) {
	runner := NewRunnerWithOpener(discardLogger, func(ctx context.Context, cfg config.Database) (*migrate.Migrate, error) {
		return nil, errors.New("connection refused")
	})

	err := runner.ApplyMigrations(context.Background(), testDatabase)
	require.ErrorIs(t, err, failure.ErrMigration)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestApplyMigrations_CancelledRunIsNotSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := newMemoryDriver()
	driver.onRun = cancel
	opened := 0
	runner := NewRunnerWithOpener(discardLogger, memoryOpener(t, driver, &opened))

	err := runner.ApplyMigrations(ctx, testDatabase)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, failure.ErrMigration)
	assert.Equal(t, failure.ExitOK, failure.ExitCode(err))
	assert.NotEmpty(t, driver.applied)
	assert.False(t, driver.dirty)
}

func TestApplyMigrations_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	driver := newMemoryDriver()
	opened := 0
	runner := NewRunnerWithOpener(discardLogger, memoryOpener(t, driver, &opened))

	err := runner.ApplyMigrations(ctx, testDatabase)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, failure.ExitOK, failure.ExitCode(err))
}

// closingSource counts Close calls on the wrapped source driver.
type closingSource struct {
	source.Driver
	closed int
}

func (s *closingSource) Close() error {
	s.closed++
	return s.Driver.Close()
}

func TestWithDrivers_ClosesDriversOnError(t *testing.T) {
	original := newMigrate
	t.Cleanup(func() { newMigrate = original })
	newMigrate = func(string, source.Driver, string, database.Driver) (*migrate.Migrate, error) {
		return nil, errors.New("unknown driver")
	}

	iofsDriver, err := iofs.New(recipeMigrations, ".")
	require.NoError(t, err)
	sourceDriver := &closingSource{Driver: iofsDriver}
	databaseDriver := newMemoryDriver()

	m, err := withDrivers("memory", sourceDriver, databaseDriver)
	require.Error(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 1, sourceDriver.closed)
	assert.Equal(t, 1, databaseDriver.closed)
}

func TestWithDrivers_KeepsDriversOpenOnSuccess(t *testing.T) {
	iofsDriver, err := iofs.New(recipeMigrations, ".")
	require.NoError(t, err)
	sourceDriver := &closingSource{Driver: iofsDriver}
	databaseDriver := newMemoryDriver()

	m, err := withDrivers("memory", sourceDriver, databaseDriver)
	require.NoError(t, err)
	assert.Zero(t, sourceDriver.closed)
	assert.Zero(t, databaseDriver.closed)

	sourceErr, databaseErr := m.Close()
	require.NoError(t, sourceErr)
	require.NoError(t, databaseErr)
	assert.Equal(t, 1, sourceDriver.closed)
}
