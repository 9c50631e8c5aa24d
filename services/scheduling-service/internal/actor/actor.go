package actor

import (
	"context"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/libs/auth"
)

type Role string

const (
	RolePatient       Role = "patient"
	RoleReceptionist  Role = "receptionist"
	RoleHospitalAdmin Role = "hospital_admin"
	RolePlatformAdmin Role = "platform_admin"
)

// Context identifies who is performing an operation. It is resolved exactly
// once at the HTTP boundary (JWT claims or provider API key) and passed into
// the core; the core never re-reads headers or branches on raw role strings.
type Context struct {
	ID         uuid.UUID
	Role       Role
	ProviderID uuid.UUID // set for staff actors; the provider they act for
}

func (c Context) IsPatient() bool {
	return c.Role == RolePatient
}

// Staff actors manage bookings on the provider side: manual entry, status
// updates, cancellation of any booking under their provider.
func (c Context) Staff() bool {
	switch c.Role {
	case RoleReceptionist, RoleHospitalAdmin, RolePlatformAdmin:
		return true
	}
	return false
}

// ActsFor reports whether a staff actor may manage bookings of providerID.
// Platform admins act for every provider.
func (c Context) ActsFor(providerID uuid.UUID) bool {
	if c.Role == RolePlatformAdmin {
		return true
	}
	return c.Staff() && c.ProviderID == providerID
}

func FromClaims(claims *auth.Claims) (Context, error) {
	id, err := uuid.Parse(claims.Sub)
	if err != nil {
		return Context{}, err
	}
	ac := Context{ID: id, Role: Role(claims.Role)}
	if claims.ProviderID != "" {
		pid, err := uuid.Parse(claims.ProviderID)
		if err != nil {
			return Context{}, err
		}
		ac.ProviderID = pid
	}
	return ac, nil
}

type ctxKey int

const ctxKeyActor ctxKey = iota

func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, ctxKeyActor, ac)
}

func FromContext(ctx context.Context) (Context, bool) {
	ac, ok := ctx.Value(ctxKeyActor).(Context)
	return ac, ok
}
