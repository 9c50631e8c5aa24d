package storage

import (
	"context"
	"encoding/json"

	"github.com/careloop-health/careslot/libs/db"
)

// Notification is the delivery record kept for every booking event we acted
// on, successful or not. It is the audit trail operators query when a
// patient says "I never got the email".
type Notification struct {
	BookingCode string
	EventType   string
	Channel     string
	Recipient   string
	Payload     map[string]any
	Status      string
	Reason      string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notifications (booking_code, event_type, channel, recipient, payload, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.BookingCode, n.EventType, n.Channel, n.Recipient, payload, n.Status, n.Reason)
	return err
}
