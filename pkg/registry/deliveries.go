package registry

import (
	"context"
	"fmt"
	"time"
)

// RecordDelivery persists an event delivery ID. Returns ErrDuplicateDelivery
// when the ID was seen before; the router drops the duplicate event.
func (s *Store) RecordDelivery(ctx context.Context, deliveryID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO event_deliveries (delivery_id, event_type, received_at)
		VALUES (?, ?, ?)`),
		deliveryID, eventType, s.now())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateDelivery, deliveryID)
		}
		return fmt.Errorf("failed to record event delivery: %w", err)
	}
	return nil
}

// PurgeDeliveries removes delivery records older than the cutoff. Delivery
// IDs only need to live long enough to catch forge redeliveries.
func (s *Store) PurgeDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM event_deliveries WHERE received_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge event deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
