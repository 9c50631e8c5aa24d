package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
)

type BookingRepository struct{}

func NewBookingRepository() *BookingRepository {
	return &BookingRepository{}
}

const bookingColumns = `
	id, code, patient_id, provider_id, slot_id, location_id, entity_type,
	booking_date, window_name, window_start_min, window_end_min,
	status, payment_method, payment_status, amount_cents,
	refund_failed, COALESCE(refund_failure_reason, ''),
	patient_snapshot, provider_snapshot, slot_snapshot, metadata,
	COALESCE(cancelled_by, ''), COALESCE(cancel_reason, ''), COALESCE(note, ''),
	created_at, updated_at`

func (r *BookingRepository) Insert(ctx context.Context, q Querier, b *model.Booking) error {
	patientSnap, err := marshalSnapshot(b.PatientSnapshot)
	if err != nil {
		return err
	}
	providerSnap, err := marshalSnapshot(b.ProviderSnapshot)
	if err != nil {
		return err
	}
	slotSnap, err := marshalSnapshot(b.SlotSnapshot)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(orEmpty(b.Metadata))
	if err != nil {
		return fmt.Errorf("marshal booking metadata: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO bookings
			(id, code, patient_id, provider_id, slot_id, location_id, entity_type,
			 booking_date, window_name, window_start_min, window_end_min,
			 status, payment_method, payment_status, amount_cents,
			 patient_snapshot, provider_snapshot, slot_snapshot, metadata, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, b.ID, b.Code, b.PatientID, b.ProviderID, b.SlotID, b.LocationID, b.EntityType,
		b.BookingDate, b.WindowName, b.Window.StartMin, b.Window.EndMin,
		b.Status, b.PaymentMethod, b.PaymentStatus, b.AmountCents,
		patientSnap, providerSnap, slotSnap, metadata, b.Note)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *BookingRepository) GetByCode(ctx context.Context, q Querier, code string) (*model.Booking, error) {
	row := q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE code = $1`, code)
	return scanBooking(row)
}

// Transition moves a booking out of confirmed with a single conditional
// update. Zero rows means the booking is gone or already terminal; the
// datastore's document-level atomicity resolves racing transitions, not an
// in-memory recheck.
func (r *BookingRepository) Transition(ctx context.Context, q Querier, id uuid.UUID, next model.BookingStatus, cancelledBy, reason, note string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE bookings
		SET status = $2,
			cancelled_by = NULLIF($3, ''),
			cancel_reason = NULLIF($4, ''),
			note = COALESCE(NULLIF($5, ''), note),
			updated_at = now()
		WHERE id = $1 AND status = 'confirmed'
	`, id, next, cancelledBy, reason, note)
	if err != nil {
		return false, fmt.Errorf("transition booking: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RewriteForReschedule repoints a confirmed booking at its new slot/window,
// replacing the slot snapshot and metadata while preserving identity.
// Conditional on status so a concurrent terminal transition aborts it.
func (r *BookingRepository) RewriteForReschedule(ctx context.Context, q Querier, b *model.Booking) (bool, error) {
	slotSnap, err := marshalSnapshot(b.SlotSnapshot)
	if err != nil {
		return false, err
	}
	metadata, err := json.Marshal(orEmpty(b.Metadata))
	if err != nil {
		return false, fmt.Errorf("marshal booking metadata: %w", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE bookings
		SET slot_id = $2,
			location_id = $3,
			booking_date = $4,
			window_name = $5,
			window_start_min = $6,
			window_end_min = $7,
			amount_cents = $8,
			payment_status = $9,
			slot_snapshot = $10,
			metadata = $11,
			updated_at = now()
		WHERE id = $1 AND status = 'confirmed'
	`, b.ID, b.SlotID, b.LocationID, b.BookingDate, b.WindowName,
		b.Window.StartMin, b.Window.EndMin, b.AmountCents, b.PaymentStatus,
		slotSnap, metadata)
	if err != nil {
		return false, fmt.Errorf("rewrite booking for reschedule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetRefundFailure records that a compensating refund could not be completed.
// Never fails the transition that triggered the refund.
func (r *BookingRepository) SetRefundFailure(ctx context.Context, q Querier, id uuid.UUID, reason string) error {
	_, err := q.Exec(ctx, `
		UPDATE bookings
		SET refund_failed = true, refund_failure_reason = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

// ClearRefundFailure resets the failure flag once a retried refund went
// through.
func (r *BookingRepository) ClearRefundFailure(ctx context.Context, q Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx, `
		UPDATE bookings
		SET refund_failed = false, refund_failure_reason = '', updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (r *BookingRepository) ListByPatient(ctx context.Context, q Querier, patientID uuid.UUID, limit int) ([]model.Booking, error) {
	return r.list(ctx, q, `patient_id = $1`, patientID, limit)
}

func (r *BookingRepository) ListByProvider(ctx context.Context, q Querier, providerID uuid.UUID, limit int) ([]model.Booking, error) {
	return r.list(ctx, q, `provider_id = $1`, providerID, limit)
}

func (r *BookingRepository) list(ctx context.Context, q Querier, where string, arg any, limit int) ([]model.Booking, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := q.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE `+where+`
		ORDER BY booking_date DESC, created_at DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bookings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var b model.Booking
	var patientSnap, providerSnap, slotSnap, metadata []byte
	err := row.Scan(
		&b.ID,
		&b.Code,
		&b.PatientID,
		&b.ProviderID,
		&b.SlotID,
		&b.LocationID,
		&b.EntityType,
		&b.BookingDate,
		&b.WindowName,
		&b.Window.StartMin,
		&b.Window.EndMin,
		&b.Status,
		&b.PaymentMethod,
		&b.PaymentStatus,
		&b.AmountCents,
		&b.RefundFailed,
		&b.RefundFailureReason,
		&patientSnap,
		&providerSnap,
		&slotSnap,
		&metadata,
		&b.CancelledBy,
		&b.CancelReason,
		&b.Note,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.BookingDate = model.UTCMidnight(b.BookingDate)
	if err := unmarshalInto(patientSnap, (*map[string]any)(&b.PatientSnapshot)); err != nil {
		return nil, err
	}
	if err := unmarshalInto(providerSnap, (*map[string]any)(&b.ProviderSnapshot)); err != nil {
		return nil, err
	}
	if err := unmarshalInto(slotSnap, (*map[string]any)(&b.SlotSnapshot)); err != nil {
		return nil, err
	}
	if err := unmarshalInto(metadata, &b.Metadata); err != nil {
		return nil, err
	}
	return &b, nil
}


func marshalSnapshot(s model.Snapshot) ([]byte, error) {
	data, err := json.Marshal(orEmpty(s))
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func orEmpty[M ~map[string]any](m M) M {
	if m == nil {
		return M{}
	}
	return m
}

func unmarshalInto(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		*dst = map[string]any{}
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal booking json: %w", err)
	}
	return nil
}
