// Package database provides the registry database client and migration
// utilities. The default backend is a single embedded SQLite file; a
// PostgreSQL DSN may be configured instead for multi-replica deployments.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	_ "modernc.org/sqlite"             // register sqlite driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the sql.DB handle together with the active driver, so callers
// can rebind placeholders for the dialect in use.
type Client struct {
	db     *sql.DB
	driver Driver
}

// DB returns the underlying connection pool.
func (c *Client) DB() *sql.DB { return c.db }

// Driver returns the active driver.
func (c *Client) Driver() Driver { return c.driver }

// Close closes the connection pool.
func (c *Client) Close() error { return c.db.Close() }

// NewClient opens the database, configures pooling, and applies migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	driverName := "sqlite"
	if cfg.Driver == DriverPostgres {
		driverName = "pgx"
	}

	db, err := sql.Open(driverName, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// Single-writer discipline: one writer connection, WAL readers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, driver: cfg.Driver}, nil
}

// runMigrations applies embedded migrations for the active dialect.
//
// Migration files are embedded into the binary with go:embed so production
// deployments need no external files. Each dialect keeps its own directory
// because placeholder-free DDL still differs (autoincrement, partial index
// syntax is shared, serial types are not).
func runMigrations(db *sql.DB, cfg Config) error {
	sourceDriver, err := iofs.New(migrationsFS, dialectDir(cfg.Driver))
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	if cfg.Driver == DriverPostgres {
		d, err := migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, d)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	} else {
		d, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "squadron", d)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the shared
	// *sql.DB passed via WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func dialectDir(d Driver) string {
	if d == DriverPostgres {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}
