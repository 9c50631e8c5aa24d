package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrBadAPIKey        = errors.New("invalid provider api key")
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

type Provider struct {
	ID                 uuid.UUID
	Role               string
	DisplayName        string
	Email              string
	IsVerified         bool
	VerificationStatus VerificationStatus
	IsActive           bool
}

// Bookable is the single predicate deciding whether a provider may accept
// bookings. Every caller goes through this instead of re-checking flags.
func (p Provider) Bookable() bool {
	return p.IsActive && p.IsVerified && p.VerificationStatus == VerificationApproved
}

// Directory resolves providers for the scheduler. The default implementation
// reads the local providers table; a deployment running the standalone
// directory service swaps in the gRPC client.
type Directory interface {
	FindProvider(ctx context.Context, id uuid.UUID) (Provider, error)
}
