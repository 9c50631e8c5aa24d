package refunds

import (
	"context"
	"time"

	"github.com/google/uuid"

	otelx "github.com/careloop-health/careslot/libs/otel"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

// Task is one refund owed to a patient: either a full refund retried after an
// inline attempt failed during cancel, or a fee difference from a reschedule.
type Task struct {
	ID          int64
	BookingID   uuid.UUID
	BookingCode string
	AmountCents int64
	Reason      string
	Traceparent string
	Tracestate  string
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Enqueue inserts a pending task. Callers pass the unit-of-work querier so
// the task row commits or aborts together with the booking change that owes
// the refund.
func (r *Repository) Enqueue(ctx context.Context, q storage.Querier, bookingID uuid.UUID, bookingCode string, amountCents int64, reason string) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO refund_tasks (booking_id, booking_code, amount_cents, reason, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, bookingID, bookingCode, amountCents, reason, traceparent, tracestate)
	return err
}

func (r *Repository) FetchDue(ctx context.Context, q storage.Querier, limit int) ([]Task, error) {
	rows, err := q.Query(ctx, `
		SELECT id, booking_id, booking_code, amount_cents, reason, traceparent, tracestate, attempts, max_attempts, next_run_at
		FROM refund_tasks
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.BookingID, &t.BookingCode, &t.AmountCents, &t.Reason, &t.Traceparent, &t.Tracestate, &t.Attempts, &t.MaxAttempts, &t.NextRunAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return tasks, nil
}

func (r *Repository) MarkDone(ctx context.Context, q storage.Querier, id int64, refundID string) error {
	_, err := q.Exec(ctx, `
		UPDATE refund_tasks
		SET status = 'done', refund_id = $2, updated_at = now()
		WHERE id = $1
	`, id, refundID)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, q storage.Querier, id int64, attempts, maxAttempts int, nextRunAt time.Time, lastError string) error {
	status := "pending"
	if attempts >= maxAttempts {
		status = "failed"
	}
	_, err := q.Exec(ctx, `
		UPDATE refund_tasks
		SET attempts = $2,
		    status = $3,
		    next_run_at = $4,
		    last_error = $5,
		    updated_at = now()
		WHERE id = $1
	`, id, attempts, status, nextRunAt, lastError)
	return err
}
