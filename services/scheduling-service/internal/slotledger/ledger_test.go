package slotledger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
)

// fakeQuerier answers the ledger's statements from a single canned slot,
// dispatching on the statement text so the real SQL branches are the ones
// under test.
type fakeQuerier struct {
	slotID  uuid.UUID
	shape   model.SlotShape
	active  bool
	windows map[model.WindowKey]*windowRow

	available  int64
	recomputes int
}

type windowRow struct {
	capacity int
	booked   int
}

func newFakeQuerier(shape model.SlotShape, active bool) *fakeQuerier {
	return &fakeQuerier{
		slotID:  uuid.New(),
		shape:   shape,
		active:  active,
		windows: map[model.WindowKey]*windowRow{},
	}
}

func (f *fakeQuerier) addWindow(startMin, endMin, capacity, booked int) model.WindowKey {
	key := model.WindowKey{StartMin: startMin, EndMin: endMin}
	f.windows[key] = &windowRow{capacity: capacity, booked: booked}
	return key
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "SET booked = w.booked + 1"):
		slotID := args[0].(uuid.UUID)
		key := model.WindowKey{StartMin: args[1].(int), EndMin: args[2].(int)}
		w, ok := f.windows[key]
		if slotID != f.slotID || !ok || !f.active || w.booked >= w.capacity {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		w.booked++
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "SET booked = booked - 1"):
		slotID := args[0].(uuid.UUID)
		key := model.WindowKey{StartMin: args[1].(int), EndMin: args[2].(int)}
		w, ok := f.windows[key]
		if slotID != f.slotID || !ok || w.booked <= 0 {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		w.booked--
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "SET available_capacity"):
		f.recomputes++
		f.available = 0
		for _, w := range f.windows {
			f.available += int64(w.capacity - w.booked)
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected exec: " + sql)
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query: " + sql)
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "GROUP BY s.shape"):
		if args[0].(uuid.UUID) != f.slotID || len(f.windows) == 0 {
			return fakeRow{err: pgx.ErrNoRows}
		}
		startMin, endMin := -1, -1
		for key := range f.windows {
			if startMin == -1 || key.StartMin < startMin {
				startMin = key.StartMin
			}
			if endMin == -1 || key.EndMin < endMin {
				endMin = key.EndMin
			}
		}
		return fakeRow{vals: []any{f.shape, startMin, endMin}}

	case strings.Contains(sql, "w.id IS NOT NULL"):
		if args[0].(uuid.UUID) != f.slotID {
			return fakeRow{err: pgx.ErrNoRows}
		}
		key := model.WindowKey{StartMin: args[1].(int), EndMin: args[2].(int)}
		_, offered := f.windows[key]
		return fakeRow{vals: []any{f.active, offered}}
	}
	return fakeRow{err: errors.New("unexpected query row: " + sql)}
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *model.SlotShape:
			*p = r.vals[i].(model.SlotShape)
		case *int:
			*p = r.vals[i].(int)
		case *bool:
			*p = r.vals[i].(bool)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

func TestReserveSingleShapeResolvesWindow(t *testing.T) {
	q := newFakeQuerier(model.ShapeSingle, true)
	want := q.addWindow(540, 720, 3, 0)

	key, err := New().Reserve(context.Background(), q, q.slotID, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if key != want {
		t.Fatalf("resolved window = %v, want %v", key, want)
	}
	if got := q.windows[want].booked; got != 1 {
		t.Fatalf("booked = %d, want 1", got)
	}
	if q.recomputes != 1 {
		t.Fatalf("recomputes = %d, want 1", q.recomputes)
	}
	if q.available != 2 {
		t.Fatalf("available_capacity = %d, want 2", q.available)
	}
}

func TestReserveExhaustsLastUnit(t *testing.T) {
	q := newFakeQuerier(model.ShapeSingle, true)
	key := q.addWindow(540, 720, 1, 0)

	ledger := New()
	if _, err := ledger.Reserve(context.Background(), q, q.slotID, &key); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	_, err := ledger.Reserve(context.Background(), q, q.slotID, &key)
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("second Reserve err = %v, want ErrCapacityExhausted", err)
	}
	if got := q.windows[key].booked; got != 1 {
		t.Fatalf("booked = %d after failed reserve, want 1", got)
	}
}

func TestReserveMissingSlot(t *testing.T) {
	q := newFakeQuerier(model.ShapeSingle, true)
	q.addWindow(540, 720, 3, 0)

	_, err := New().Reserve(context.Background(), q, uuid.New(), nil)
	if !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("err = %v, want ErrSlotNotFound", err)
	}
}

func TestReserveUnknownWindow(t *testing.T) {
	q := newFakeQuerier(model.ShapeMulti, true)
	q.addWindow(540, 720, 3, 0)
	stranger := model.WindowKey{StartMin: 780, EndMin: 900}

	_, err := New().Reserve(context.Background(), q, q.slotID, &stranger)
	if !errors.Is(err, ErrWindowNotOffered) {
		t.Fatalf("err = %v, want ErrWindowNotOffered", err)
	}
}

func TestReserveInactiveSlot(t *testing.T) {
	q := newFakeQuerier(model.ShapeSingle, false)
	key := q.addWindow(540, 720, 3, 0)

	_, err := New().Reserve(context.Background(), q, q.slotID, &key)
	if !errors.Is(err, ErrSlotInactive) {
		t.Fatalf("err = %v, want ErrSlotInactive", err)
	}
}

func TestReserveMultiShapeRequiresMatcher(t *testing.T) {
	q := newFakeQuerier(model.ShapeMulti, true)
	q.addWindow(540, 720, 3, 0)
	q.addWindow(780, 1020, 3, 0)

	_, err := New().Reserve(context.Background(), q, q.slotID, nil)
	if !errors.Is(err, ErrMatcherRequired) {
		t.Fatalf("err = %v, want ErrMatcherRequired", err)
	}
}

func TestReleaseReturnsCapacity(t *testing.T) {
	q := newFakeQuerier(model.ShapeSingle, true)
	key := q.addWindow(540, 720, 3, 2)

	if err := New().Release(context.Background(), q, q.slotID, &key); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := q.windows[key].booked; got != 1 {
		t.Fatalf("booked = %d, want 1", got)
	}
	if q.available != 2 {
		t.Fatalf("available_capacity = %d, want 2", q.available)
	}
}

func TestReleaseAtZeroRejected(t *testing.T) {
	q := newFakeQuerier(model.ShapeSingle, true)
	key := q.addWindow(540, 720, 3, 0)

	err := New().Release(context.Background(), q, q.slotID, &key)
	if !errors.Is(err, ErrUnderflowRejected) {
		t.Fatalf("err = %v, want ErrUnderflowRejected", err)
	}
	if got := q.windows[key].booked; got != 0 {
		t.Fatalf("booked = %d, want 0", got)
	}
}

func TestReleaseIgnoresInactiveFlag(t *testing.T) {
	// Deactivating a slot blocks new reservations, not returns. A cancel
	// against a retired slot must still free the unit.
	q := newFakeQuerier(model.ShapeSingle, false)
	key := q.addWindow(540, 720, 3, 1)

	if err := New().Release(context.Background(), q, q.slotID, &key); err != nil {
		t.Fatalf("Release on inactive slot: %v", err)
	}
	if got := q.windows[key].booked; got != 0 {
		t.Fatalf("booked = %d, want 0", got)
	}
}

func TestReleaseUnknownWindow(t *testing.T) {
	q := newFakeQuerier(model.ShapeMulti, true)
	q.addWindow(540, 720, 3, 1)
	stranger := model.WindowKey{StartMin: 780, EndMin: 900}

	err := New().Release(context.Background(), q, q.slotID, &stranger)
	if !errors.Is(err, ErrWindowNotOffered) {
		t.Fatalf("err = %v, want ErrWindowNotOffered", err)
	}
}

func TestReleaseMissingSlot(t *testing.T) {
	q := newFakeQuerier(model.ShapeSingle, true)
	q.addWindow(540, 720, 3, 1)

	err := New().Release(context.Background(), q, uuid.New(), nil)
	if !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("err = %v, want ErrSlotNotFound", err)
	}
}
