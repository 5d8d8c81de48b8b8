package database

import (
	"context"
	"fmt"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck verifies the database is reachable and answering queries.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database probe query failed: %w", err)
	}
	return nil
}
