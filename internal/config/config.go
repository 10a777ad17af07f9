// Package config builds the runtime configuration of a container start.
// It is read from the environment exactly once and then passed by value
// into every stage, nothing re-reads the environment mid-sequence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/krystofrezac/stevedore/internal/failure"
)

// Database is the connection config of the dependent database service.
type Database struct {
	Host     string `env:"DB_HOST,required" validate:"required,hostname_rfc1123|ip"`
	Port     int    `env:"DB_PORT,default=5432" validate:"min=1,max=65535"`
	Name     string `env:"DB_NAME,required" validate:"required"`
	User     string `env:"DB_USER,required" validate:"required"`
	Password string `env:"DB_PASS,required" validate:"required"`
	SSLMode  string `env:"DB_SSLMODE,default=disable" validate:"oneof=disable require verify-ca verify-full"`
}

type Listen struct {
	Address string `env:"APP_ADDRESS,default=0.0.0.0" validate:"required,ip|hostname_rfc1123"`
	Port    int    `env:"APP_PORT,default=8000" validate:"min=1,max=65535"`
}

// Wait drives the readiness retry policy. MaxAttempts 0 retries forever.
type Wait struct {
	Interval       time.Duration `env:"WAIT_INTERVAL,default=1s" validate:"gt=0"`
	MaxInterval    time.Duration `env:"WAIT_MAX_INTERVAL,default=30s" validate:"gtefield=Interval"`
	Backoff        float64       `env:"WAIT_BACKOFF,default=1" validate:"gte=1"`
	MaxAttempts    int           `env:"WAIT_MAX_ATTEMPTS,default=0" validate:"gte=0"`
	AttemptTimeout time.Duration `env:"WAIT_ATTEMPT_TIMEOUT,default=5s" validate:"gt=0"`
}

type Migrations struct {
	Dir   string `env:"MIGRATIONS_DIR,default=/app/migrations" validate:"required"`
	Table string `env:"MIGRATIONS_TABLE,default=schema_migrations" validate:"required"`
}

type Runtime struct {
	Database   Database
	Listen     Listen
	Wait       Wait
	Migrations Migrations

	Debug bool `env:"DEBUG,default=false"`
	// Directories of the persistent storage layout, checked before the
	// prober starts.
	StorageDirs []string `env:"STORAGE_DIRS,default=/vol/web/static;/vol/web/media" validate:"dive,required"`
	// Empty disables the status listener.
	StatusAddress string `env:"STATUS_ADDRESS" validate:"omitempty,hostname_port"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load decodes the runtime configuration from the process environment.
// Every problem is reported as a configuration error.
func Load() (Runtime, error) {
	var runtime Runtime
	if err := envdecode.Decode(&runtime); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return Runtime{}, fmt.Errorf("%w: no configuration found in environment", failure.ErrConfiguration)
		}
		return Runtime{}, fmt.Errorf("%w: %s", failure.ErrConfiguration, err.Error())
	}

	if err := runtime.Validate(); err != nil {
		return Runtime{}, err
	}
	return runtime, nil
}

// LoadEnvFile loads a dotenv file into the process environment. Variables
// that are already set keep their value.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: load env file %s: %s", failure.ErrConfiguration, path, err.Error())
	}
	return nil
}

func (r Runtime) Validate() error {
	return validateStruct(r)
}

func (d Database) Validate() error {
	return validateStruct(d)
}

func validateStruct(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %s", failure.ErrConfiguration, err.Error())
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields = append(fields, fmt.Sprintf("%s (%s)", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return fmt.Errorf("%w: invalid fields %s", failure.ErrConfiguration, strings.Join(fields, ", "))
}

// Address is host:port of the database.
func (d Database) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// DSN is the lib/pq connection URL for the database.
func (d Database) DSN() string {
	query := url.Values{}
	query.Set("sslmode", d.SSLMode)

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Address(),
		Path:     "/" + d.Name,
		RawQuery: query.Encode(),
	}
	return dsn.String()
}

// Redacted is the DSN with the password masked, safe for logs.
func (d Database) Redacted() string {
	dsn, err := url.Parse(d.DSN())
	if err != nil {
		return d.Address()
	}
	return dsn.Redacted()
}

// HostPort is the address the application binds.
func (l Listen) HostPort() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// Environment is the configuration the application process inherits, in
// os/exec "KEY=value" form.
func (r Runtime) Environment() []string {
	return []string{
		"DB_HOST=" + r.Database.Host,
		"DB_PORT=" + strconv.Itoa(r.Database.Port),
		"DB_NAME=" + r.Database.Name,
		"DB_USER=" + r.Database.User,
		"DB_PASS=" + r.Database.Password,
		"DB_SSLMODE=" + r.Database.SSLMode,
		"DEBUG=" + strconv.FormatBool(r.Debug),
		"APP_ADDRESS=" + r.Listen.Address,
		"APP_PORT=" + strconv.Itoa(r.Listen.Port),
	}
}
