package payments

import (
	"context"
	"errors"
)

var ErrNoPaymentReference = errors.New("booking has no payment reference")

type Result struct {
	RefundID    string
	AmountCents int64
}

// Gateway executes refunds against the external payment processor. Both
// operations may fail; failure is never fatal to the booking transition that
// invoked them. Callers record the failure and move on.
type Gateway interface {
	// Refund reverses the full captured amount for a booking.
	Refund(ctx context.Context, bookingCode, paymentRef string) (Result, error)
	// PartialRefund reverses amountCents of the captured amount, e.g. the
	// fee difference after a reschedule to a cheaper slot.
	PartialRefund(ctx context.Context, bookingCode, paymentRef string, amountCents int64, reason string) (Result, error)
}
