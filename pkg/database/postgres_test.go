package database

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresMigrations guards the multi-replica registry path: the same
// embedded migrations must apply cleanly on PostgreSQL. Skipped when Docker
// is unavailable.
func TestPostgresMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in -short mode")
	}
	ctx := context.Background()

	// testcontainers-go panics (rather than returning an error) when no
	// Docker host can be found; convert that into the error path below so
	// the documented skip still applies.
	pgContainer, err := func() (c *postgres.PostgresContainer, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%v", r)
			}
		}()
		return postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("squadron"),
			postgres.WithUsername("squadron"),
			postgres.WithPassword("squadron"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
	}()
	if err != nil {
		t.Skipf("could not start postgres container (docker unavailable?): %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	mapped, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{
		Driver:       DriverPostgres,
		Host:         host,
		Port:         port,
		User:         "squadron",
		Password:     "squadron",
		Database:     "squadron",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	require.NoError(t, client.HealthCheck(ctx))

	for _, table := range []string{"pipeline_runs", "stage_runs", "agents", "event_deliveries"} {
		var name string
		err := client.DB().QueryRowContext(ctx,
			`SELECT table_name FROM information_schema.tables WHERE table_name = $1`, table).Scan(&name)
		require.NoError(t, err, "table %s missing after migration", table)
	}
}
