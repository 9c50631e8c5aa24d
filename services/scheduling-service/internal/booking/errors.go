package booking

import "errors"

// Errors returned synchronously to callers. Handlers map these to HTTP
// status codes; compensating-step failures (release, refund) are never
// surfaced through them.
var (
	ErrNotFound                    = errors.New("booking not found")
	ErrForbidden                   = errors.New("actor may not operate on this booking")
	ErrIllegalTransition           = errors.New("booking is not in a state that allows this transition")
	ErrNotCancellable              = errors.New("booking can no longer be cancelled")
	ErrManualBookingNotCancellable = errors.New("manual bookings cannot be cancelled by patients")
	ErrSameSlot                    = errors.New("reschedule target is the booking's current slot")
	ErrPastBooking                 = errors.New("booking date is in the past")
	ErrSlotNotBookable             = errors.New("slot is not bookable")
	ErrNewSlotNotBookable          = errors.New("target slot is not bookable")
	ErrNewSlotFull                 = errors.New("target slot has no remaining capacity")
	ErrProviderUnverified          = errors.New("slot provider is not verified")
	ErrUnsupportedPaymentMethod    = errors.New("unsupported payment method")
	ErrNegativeAmount              = errors.New("payment amount must be non-negative")
)
