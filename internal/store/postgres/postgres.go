// Package postgres provides the "postgres" store.Driver built on sqlx with
// OTEL instrumentation. Change notifications are delivered through
// LISTEN/NOTIFY on the auction_changes channel.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/cockroachdb/errors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	store.Register("postgres", openPostgres)
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig, opts store.Options) (*store.Repositories, error) {
	if cfg.AutoMigrate {
		if err := Migrate(cfg.URL()); err != nil {
			return nil, err
		}
	}
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRepositories(db, cfg.DSN(), opts), nil
}

// NewRepositories wires every repository to db. dsn is used to open
// dedicated LISTEN connections.
func NewRepositories(db *sqlx.DB, dsn string, opts store.Options) *store.Repositories {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &store.Repositories{
		Teams:       NewTeamRepo(db, clk, opts.InitialBudget),
		Players:     NewPlayerRepo(db, clk),
		Assignments: NewAssignmentRepo(db),
		State:       NewStateRepo(db, clk),
		Audit:       NewAuditStore(db, clk),
		Tx:          NewTransactor(db, clk),
		Notifier:    NewNotifier(dsn, ListenerOptions{}),
		Closer:      closerFunc(db.Close),
		Ping:        db.PingContext,
	}
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, errors.Wrap(err, "registering otel driver")
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging database")
	}

	return db, nil
}

// NewMigrator returns a golang-migrate instance over the embedded
// migrations. The caller must Close it.
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "opening embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "creating migrator")
	}
	return m, nil
}

// Migrate applies every pending up migration.
func Migrate(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "applying migrations")
	}
	return nil
}

// wrap maps sql.ErrNoRows to store.ErrNotFound and annotates everything
// else.
func wrap(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(store.ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
