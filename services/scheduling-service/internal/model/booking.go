package model

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusConfirmed BookingStatus = "confirmed"
	StatusCompleted BookingStatus = "completed"
	StatusNoShow    BookingStatus = "no_show"
	StatusCancelled BookingStatus = "cancelled"
)

func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusNoShow || s == StatusCancelled
}

// CanTransitionTo is the legality table: confirmed may move to any terminal
// state, terminal states accept nothing.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	if s != StatusConfirmed {
		return false
	}
	return next.Terminal()
}

type PaymentMethod string

const (
	PayCash   PaymentMethod = "cash"
	PayManual PaymentMethod = "manual"
	PayOnline PaymentMethod = "online"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
)

// Snapshot is an immutable copy of a mutable record, captured at booking or
// reschedule time for display and audit. Stored as JSONB; never re-joined.
type Snapshot map[string]any

type Booking struct {
	ID         uuid.UUID
	Code       string     // business-facing id, e.g. BK-4f9a21c3
	PatientID  *uuid.UUID // nil for walk-in / manual bookings
	ProviderID uuid.UUID
	SlotID     uuid.UUID
	LocationID *uuid.UUID
	EntityType EntityType

	BookingDate time.Time // the slot's calendar date, UTC midnight
	WindowName  string
	Window      WindowKey // captured at booking time

	Status BookingStatus

	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	AmountCents   int64

	RefundFailed        bool
	RefundFailureReason string

	PatientSnapshot  Snapshot
	ProviderSnapshot Snapshot
	SlotSnapshot     Snapshot
	Metadata         map[string]any

	CancelledBy  string
	CancelReason string
	Note         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Manual reports whether the booking was entered by provider staff on behalf
// of a walk-in, with no patient account attached.
func (b *Booking) Manual() bool {
	return b.PatientID == nil
}

// OwnedBy reports whether patientID is the booking's owner. Manual bookings
// have no owner.
func (b *Booking) OwnedBy(patientID uuid.UUID) bool {
	return b.PatientID != nil && *b.PatientID == patientID
}
