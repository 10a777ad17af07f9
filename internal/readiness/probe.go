package readiness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/lib/pq"
)

// Probe makes a single attempt to reach the database. Any error counts as
// "not reachable yet".
type Probe interface {
	Probe(ctx context.Context, cfg config.Database) error
}

// OpenFunc matches sql.Open.
type OpenFunc func(driverName string, dataSourceName string) (*sql.DB, error)

// PostgresProbe opens a fresh lib/pq connection for every attempt and pings it.
type PostgresProbe struct {
	Open OpenFunc
}

func NewPostgresProbe() PostgresProbe {
	return PostgresProbe{Open: sql.Open}
}

func (p PostgresProbe) Probe(ctx context.Context, cfg config.Database) error {
	db, err := p.Open("postgres", cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return describePostgresError(err)
	}
	return nil
}

// describePostgresError keeps the SQLSTATE in the log line, it tells
// "starting up" (57P03) apart from auth or missing-database failures.
func describePostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("postgres %s (%s): %w", pqErr.Code, pqErr.Code.Name(), err)
	}
	return err
}

// Dialer matches net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPProbe only checks that the database port accepts connections.
type TCPProbe struct {
	Dialer Dialer
}

func NewTCPProbe() TCPProbe {
	return TCPProbe{Dialer: &net.Dialer{}}
}

func (p TCPProbe) Probe(ctx context.Context, cfg config.Database) error {
	conn, err := p.Dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}
