package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type EntityType string

const (
	EntityOPD EntityType = "OPD"
	EntityIPD EntityType = "IPD"
	EntityLab EntityType = "LAB"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityOPD, EntityIPD, EntityLab:
		return true
	}
	return false
}

// SlotShape tags how a slot's capacity is laid out. A slot is always exactly
// one of the two; switching shapes replaces the window set wholesale.
type SlotShape string

const (
	ShapeSingle SlotShape = "single"
	ShapeMulti  SlotShape = "multi"
)

// WindowKey identifies one sub-window of a slot by its time range, in minutes
// from midnight. Bookings capture the key at reservation time, so it stays
// meaningful even after the slot is restructured.
type WindowKey struct {
	StartMin int
	EndMin   int
}

func (k WindowKey) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", k.StartMin/60, k.StartMin%60, k.EndMin/60, k.EndMin%60)
}

// SlotWindow is one bookable range with its own capacity counters.
// Single-shape slots have exactly one window with an empty name.
type SlotWindow struct {
	Name     string
	StartMin int
	EndMin   int
	Capacity int
	Booked   int
}

func (w SlotWindow) Key() WindowKey {
	return WindowKey{StartMin: w.StartMin, EndMin: w.EndMin}
}

func (w SlotWindow) Residual() int {
	return w.Capacity - w.Booked
}

type Slot struct {
	ID                 uuid.UUID
	ProviderID         uuid.UUID
	LocationID         *uuid.UUID
	ProviderRole       string
	EntityType         EntityType
	Date               time.Time // always UTC midnight
	Shape              SlotShape
	Windows            []SlotWindow
	AdvanceBookingDays int
	IsActive           bool
	FeeCents           int64
	AvailableCapacity  int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Window returns the sub-window matching key, or false when the slot does not
// offer that exact range.
func (s *Slot) Window(key WindowKey) (SlotWindow, bool) {
	for _, w := range s.Windows {
		if w.StartMin == key.StartMin && w.EndMin == key.EndMin {
			return w, true
		}
	}
	return SlotWindow{}, false
}

// ComputeAvailable is the live computation the persisted AvailableCapacity
// aggregate must always agree with.
func (s *Slot) ComputeAvailable() int {
	total := 0
	for _, w := range s.Windows {
		if r := w.Residual(); r > 0 {
			total += r
		}
	}
	return total
}

// Validate enforces the structural invariants: shape/window-count agreement,
// end > start and 0 <= booked <= capacity per window, and no overlap between
// the windows of a multi-shape slot.
func (s *Slot) Validate() error {
	switch s.Shape {
	case ShapeSingle:
		if len(s.Windows) != 1 {
			return fmt.Errorf("single-shape slot must have exactly one window, has %d", len(s.Windows))
		}
	case ShapeMulti:
		if len(s.Windows) == 0 {
			return fmt.Errorf("multi-shape slot must have at least one window")
		}
	default:
		return fmt.Errorf("unknown slot shape %q", s.Shape)
	}
	if !s.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", s.EntityType)
	}
	if s.AdvanceBookingDays < 0 {
		return fmt.Errorf("advance booking days must be >= 0")
	}
	for _, w := range s.Windows {
		if w.EndMin <= w.StartMin {
			return fmt.Errorf("window %s: end must be after start", w.Key())
		}
		if w.StartMin < 0 || w.EndMin > 24*60 {
			return fmt.Errorf("window %s: outside the day", w.Key())
		}
		if w.Capacity <= 0 {
			return fmt.Errorf("window %s: capacity must be positive", w.Key())
		}
		if w.Booked < 0 || w.Booked > w.Capacity {
			return fmt.Errorf("window %s: booked %d outside [0,%d]", w.Key(), w.Booked, w.Capacity)
		}
	}
	if s.Shape == ShapeMulti {
		sorted := make([]SlotWindow, len(s.Windows))
		copy(sorted, s.Windows)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartMin < sorted[j].StartMin })
		for i := 1; i < len(sorted); i++ {
			if sorted[i].StartMin < sorted[i-1].EndMin {
				return fmt.Errorf("windows %s and %s overlap", sorted[i-1].Key(), sorted[i].Key())
			}
		}
	}
	return nil
}

// UTCMidnight normalizes t to the start of its UTC day. All calendar
// comparisons in the scheduler go through this; local time never leaks in.
func UTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
