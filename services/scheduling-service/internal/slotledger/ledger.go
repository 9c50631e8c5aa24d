package slotledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

var (
	ErrSlotNotFound      = errors.New("slot not found")
	ErrSlotInactive      = errors.New("slot is inactive")
	ErrWindowNotOffered  = errors.New("window not offered by slot")
	ErrCapacityExhausted = errors.New("no remaining capacity")
	ErrUnderflowRejected = errors.New("booked counter already at zero")
	ErrMatcherRequired   = errors.New("multi-window slot requires a window matcher")
)

// Ledger is the only component permitted to mutate booked counters and the
// available_capacity aggregate. Both Reserve and Release move a counter by
// exactly one unit through a single conditional UPDATE, so two concurrent
// reservations against the last unit can never both succeed.
type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

// Reserve increments booked for the matched window iff booked < capacity at
// the moment of the update. A nil matcher is only legal for single-shape
// slots, where it resolves to the slot's one window.
func (l *Ledger) Reserve(ctx context.Context, q storage.Querier, slotID uuid.UUID, matcher *model.WindowKey) (model.WindowKey, error) {
	key, err := l.resolveWindow(ctx, q, slotID, matcher)
	if err != nil {
		return model.WindowKey{}, err
	}

	tag, err := q.Exec(ctx, `
		UPDATE slot_windows w
		SET booked = w.booked + 1
		FROM slots s
		WHERE s.id = w.slot_id
			AND w.slot_id = $1
			AND w.start_min = $2
			AND w.end_min = $3
			AND s.is_active
			AND w.booked < w.capacity
	`, slotID, key.StartMin, key.EndMin)
	if err != nil {
		return model.WindowKey{}, fmt.Errorf("reserve window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.WindowKey{}, l.classify(ctx, q, slotID, key, true)
	}

	if err := l.recomputeAvailable(ctx, q, slotID); err != nil {
		return model.WindowKey{}, err
	}
	return key, nil
}

// Release decrements booked for the matched window iff it is currently above
// zero. Callers treat ErrUnderflowRejected and ErrSlotNotFound as warnings:
// the slot may have been deleted or restructured since the booking was made.
func (l *Ledger) Release(ctx context.Context, q storage.Querier, slotID uuid.UUID, matcher *model.WindowKey) error {
	key, err := l.resolveWindow(ctx, q, slotID, matcher)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE slot_windows
		SET booked = booked - 1
		WHERE slot_id = $1
			AND start_min = $2
			AND end_min = $3
			AND booked > 0
	`, slotID, key.StartMin, key.EndMin)
	if err != nil {
		return fmt.Errorf("release window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err := l.classify(ctx, q, slotID, key, false)
		if errors.Is(err, ErrCapacityExhausted) {
			// classify reports capacity problems for the reserve direction;
			// here zero rows with an existing window means booked was 0.
			return ErrUnderflowRejected
		}
		return err
	}

	return l.recomputeAvailable(ctx, q, slotID)
}

// resolveWindow validates the matcher against the slot's shape. Multi-shape
// slots must always be addressed by an explicit window; passing nil there is
// a programming error, not a race.
func (l *Ledger) resolveWindow(ctx context.Context, q storage.Querier, slotID uuid.UUID, matcher *model.WindowKey) (model.WindowKey, error) {
	var shape model.SlotShape
	var startMin, endMin int
	err := q.QueryRow(ctx, `
		SELECT s.shape, MIN(w.start_min), MIN(w.end_min)
		FROM slots s
		JOIN slot_windows w ON w.slot_id = s.id
		WHERE s.id = $1
		GROUP BY s.shape
	`, slotID).Scan(&shape, &startMin, &endMin)
	if err != nil {
		if storage.IsNotFound(err) {
			return model.WindowKey{}, ErrSlotNotFound
		}
		return model.WindowKey{}, fmt.Errorf("resolve window: %w", err)
	}

	if matcher != nil {
		return *matcher, nil
	}
	if shape == model.ShapeMulti {
		return model.WindowKey{}, ErrMatcherRequired
	}
	return model.WindowKey{StartMin: startMin, EndMin: endMin}, nil
}

// classify turns a zero-row conditional update into the precise failure. The
// extra read happens only on the failure path; the success path stays a
// single statement.
func (l *Ledger) classify(ctx context.Context, q storage.Querier, slotID uuid.UUID, key model.WindowKey, reserving bool) error {
	var isActive, windowExists bool
	err := q.QueryRow(ctx, `
		SELECT s.is_active, w.id IS NOT NULL
		FROM slots s
		LEFT JOIN slot_windows w
			ON w.slot_id = s.id AND w.start_min = $2 AND w.end_min = $3
		WHERE s.id = $1
	`, slotID, key.StartMin, key.EndMin).Scan(&isActive, &windowExists)
	if err != nil {
		if storage.IsNotFound(err) {
			return ErrSlotNotFound
		}
		return fmt.Errorf("classify ledger failure: %w", err)
	}
	if !windowExists {
		return ErrWindowNotOffered
	}
	if reserving && !isActive {
		return ErrSlotInactive
	}
	return ErrCapacityExhausted
}

func (l *Ledger) recomputeAvailable(ctx context.Context, q storage.Querier, slotID uuid.UUID) error {
	_, err := q.Exec(ctx, `
		UPDATE slots
		SET available_capacity = (
				SELECT COALESCE(SUM(capacity - booked), 0)
				FROM slot_windows
				WHERE slot_id = $1
			),
			updated_at = now()
		WHERE id = $1
	`, slotID)
	if err != nil {
		return fmt.Errorf("recompute available capacity: %w", err)
	}
	return nil
}
