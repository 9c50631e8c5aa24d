package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/refund"
)

// StripeGateway refunds online payments through Stripe. The payment
// reference carried on a booking is the PaymentIntent id captured by the
// checkout flow.
type StripeGateway struct{}

func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = strings.TrimSpace(secretKey)
	return &StripeGateway{}
}

func (g *StripeGateway) Refund(ctx context.Context, bookingCode, paymentRef string) (Result, error) {
	if strings.TrimSpace(paymentRef) == "" {
		return Result{}, ErrNoPaymentReference
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.AddMetadata("booking_code", bookingCode)

	r, err := refund.New(params)
	if err != nil {
		return Result{}, fmt.Errorf("stripe refund: %w", err)
	}
	return Result{RefundID: r.ID, AmountCents: r.Amount}, nil
}

func (g *StripeGateway) PartialRefund(ctx context.Context, bookingCode, paymentRef string, amountCents int64, reason string) (Result, error) {
	if strings.TrimSpace(paymentRef) == "" {
		return Result{}, ErrNoPaymentReference
	}
	if amountCents <= 0 {
		return Result{}, fmt.Errorf("partial refund amount must be positive, got %d", amountCents)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.AddMetadata("booking_code", bookingCode)
	if reason := strings.TrimSpace(reason); reason != "" {
		params.AddMetadata("reason", reason)
	}

	r, err := refund.New(params)
	if err != nil {
		return Result{}, fmt.Errorf("stripe partial refund: %w", err)
	}
	return Result{RefundID: r.ID, AmountCents: r.Amount}, nil
}
