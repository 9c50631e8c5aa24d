package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
)

type SlotRepository struct{}

func NewSlotRepository() *SlotRepository {
	return &SlotRepository{}
}

func (r *SlotRepository) Insert(ctx context.Context, q Querier, slot *model.Slot) error {
	if err := slot.Validate(); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `
		INSERT INTO slots
			(id, provider_id, location_id, provider_role, entity_type, slot_date,
			 shape, advance_booking_days, is_active, fee_cents, available_capacity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, slot.ID, slot.ProviderID, slot.LocationID, slot.ProviderRole, slot.EntityType,
		slot.Date, slot.Shape, slot.AdvanceBookingDays, slot.IsActive, slot.FeeCents,
		slot.ComputeAvailable())
	if err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	for _, w := range slot.Windows {
		_, err := q.Exec(ctx, `
			INSERT INTO slot_windows (id, slot_id, name, start_min, end_min, capacity, booked)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), slot.ID, w.Name, w.StartMin, w.EndMin, w.Capacity, w.Booked)
		if err != nil {
			return fmt.Errorf("insert slot window %s: %w", w.Key(), err)
		}
	}
	return nil
}

func (r *SlotRepository) Get(ctx context.Context, q Querier, id uuid.UUID) (*model.Slot, error) {
	var s model.Slot
	err := q.QueryRow(ctx, `
		SELECT id, provider_id, location_id, provider_role, entity_type, slot_date,
			shape, advance_booking_days, is_active, fee_cents, available_capacity,
			created_at, updated_at
		FROM slots
		WHERE id = $1
	`, id).Scan(
		&s.ID,
		&s.ProviderID,
		&s.LocationID,
		&s.ProviderRole,
		&s.EntityType,
		&s.Date,
		&s.Shape,
		&s.AdvanceBookingDays,
		&s.IsActive,
		&s.FeeCents,
		&s.AvailableCapacity,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Date = model.UTCMidnight(s.Date)

	rows, err := q.Query(ctx, `
		SELECT name, start_min, end_min, capacity, booked
		FROM slot_windows
		WHERE slot_id = $1
		ORDER BY start_min
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load slot windows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w model.SlotWindow
		if err := rows.Scan(&w.Name, &w.StartMin, &w.EndMin, &w.Capacity, &w.Booked); err != nil {
			return nil, err
		}
		s.Windows = append(s.Windows, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return &s, nil
}

// Deactivate soft-disables a slot. Slots referenced by bookings are never
// hard-deleted.
func (r *SlotRepository) Deactivate(ctx context.Context, q Querier, id uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slots SET is_active = false, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

type SlotFilter struct {
	ProviderID uuid.UUID
	EntityType model.EntityType
	From       time.Time
	To         time.Time
	OnlyOpen   bool
}

// Search lists active slots for the public availability endpoint, using the
// persisted available_capacity aggregate for the open-only filter.
func (r *SlotRepository) Search(ctx context.Context, q Querier, f SlotFilter, limit int) ([]model.Slot, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := q.Query(ctx, `
		SELECT id, provider_id, location_id, provider_role, entity_type, slot_date,
			shape, advance_booking_days, is_active, fee_cents, available_capacity,
			created_at, updated_at
		FROM slots
		WHERE provider_id = $1
			AND ($2 = '' OR entity_type = $2)
			AND slot_date >= $3
			AND slot_date <= $4
			AND is_active
			AND (NOT $5 OR available_capacity > 0)
		ORDER BY slot_date
		LIMIT $6
	`, f.ProviderID, string(f.EntityType), f.From, f.To, f.OnlyOpen, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []model.Slot
	for rows.Next() {
		var s model.Slot
		if err := rows.Scan(
			&s.ID,
			&s.ProviderID,
			&s.LocationID,
			&s.ProviderRole,
			&s.EntityType,
			&s.Date,
			&s.Shape,
			&s.AdvanceBookingDays,
			&s.IsActive,
			&s.FeeCents,
			&s.AvailableCapacity,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		s.Date = model.UTCMidnight(s.Date)
		slots = append(slots, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	for i := range slots {
		wrows, err := q.Query(ctx, `
			SELECT name, start_min, end_min, capacity, booked
			FROM slot_windows
			WHERE slot_id = $1
			ORDER BY start_min
		`, slots[i].ID)
		if err != nil {
			return nil, fmt.Errorf("load slot windows: %w", err)
		}
		for wrows.Next() {
			var w model.SlotWindow
			if err := wrows.Scan(&w.Name, &w.StartMin, &w.EndMin, &w.Capacity, &w.Booked); err != nil {
				wrows.Close()
				return nil, err
			}
			slots[i].Windows = append(slots[i].Windows, w)
		}
		if wrows.Err() != nil {
			wrows.Close()
			return nil, wrows.Err()
		}
		wrows.Close()
	}
	return slots, nil
}
