package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/models"
)

// EnqueueMail stores a durable message for a sleeping agent. The message ID
// deduplicates retried sends; a duplicate returns ErrDuplicateMessage.
func (s *Store) EnqueueMail(ctx context.Context, m *models.MailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	m.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO mail_messages (id, message_id, recipient_agent_id, sender, subject, body, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.MessageID, m.RecipientID, m.Sender, m.Subject, m.Body, false, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, m.MessageID)
		}
		return fmt.Errorf("failed to enqueue mail: %w", err)
	}
	return nil
}

// PendingMail returns the undelivered messages for an agent, oldest first.
func (s *Store) PendingMail(ctx context.Context, recipientID string) ([]models.MailMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, message_id, recipient_agent_id, sender, subject, body, delivered, created_at, delivered_at
		FROM mail_messages
		WHERE recipient_agent_id = ? AND delivered = ?
		ORDER BY created_at`),
		recipientID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.MailMessage
	for rows.Next() {
		var m models.MailMessage
		var deliveredAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.MessageID, &m.RecipientID, &m.Sender, &m.Subject, &m.Body, &m.Delivered, &m.CreatedAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan mail message: %w", err)
		}
		m.DeliveredAt = timePtr(deliveredAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMailDelivered flags messages as delivered once handed to the agent.
func (s *Store) MarkMailDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE mail_messages SET delivered = ?, delivered_at = ? WHERE id = ?`),
			true, now, id)
		if err != nil {
			return fmt.Errorf("failed to mark mail delivered: %w", err)
		}
	}
	return nil
}
