package policy

import (
	"time"

	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
)

// Verdict is the tri-state outcome of a bookability check, so callers can
// tell "slot is not bookable at all" apart from "only the requested window
// is full".
type Verdict int

const (
	Bookable Verdict = iota
	SlotUnavailable
	WindowUnavailable
)

// Reason strings surface in API error messages; keep them stable.
const (
	ReasonInactive      = "slot is inactive"
	ReasonPastDate      = "slot date is in the past"
	ReasonBeyondWindow  = "slot date is beyond the advance booking window"
	ReasonFullyBooked   = "slot has no remaining capacity"
	ReasonWindowUnknown = "requested window is not offered by this slot"
	ReasonWindowFull    = "requested window has no remaining capacity"
)

// Evaluate decides whether slot may accept a booking right now, optionally
// for one specific sub-window. Pure; the only inputs are the slot snapshot,
// the requested window and the clock.
//
// Date bounds compare UTC midnights: today <= slot date <= today + advance
// days. Local time is never consulted, matching how dates are persisted.
func Evaluate(slot *model.Slot, requested *model.WindowKey, now time.Time) (Verdict, string) {
	if !slot.IsActive {
		return SlotUnavailable, ReasonInactive
	}

	today := model.UTCMidnight(now)
	date := model.UTCMidnight(slot.Date)
	if date.Before(today) {
		return SlotUnavailable, ReasonPastDate
	}
	maxDate := today.AddDate(0, 0, slot.AdvanceBookingDays)
	if date.After(maxDate) {
		return SlotUnavailable, ReasonBeyondWindow
	}

	if slot.ComputeAvailable() <= 0 {
		return SlotUnavailable, ReasonFullyBooked
	}

	if requested != nil {
		win, ok := slot.Window(*requested)
		if !ok {
			return WindowUnavailable, ReasonWindowUnknown
		}
		if win.Residual() <= 0 {
			return WindowUnavailable, ReasonWindowFull
		}
	}

	return Bookable, ""
}
