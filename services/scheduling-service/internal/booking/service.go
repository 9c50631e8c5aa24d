package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/services/scheduling-service/internal/actor"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/directory"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/outbox"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/payments"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/policy"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/slotledger"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

// SlotStore is the slice of SlotRepository the service needs.
type SlotStore interface {
	Get(ctx context.Context, q storage.Querier, id uuid.UUID) (*model.Slot, error)
}

type BookingStore interface {
	Insert(ctx context.Context, q storage.Querier, b *model.Booking) error
	GetByCode(ctx context.Context, q storage.Querier, code string) (*model.Booking, error)
	Transition(ctx context.Context, q storage.Querier, id uuid.UUID, next model.BookingStatus, cancelledBy, reason, note string) (bool, error)
	RewriteForReschedule(ctx context.Context, q storage.Querier, b *model.Booking) (bool, error)
	SetRefundFailure(ctx context.Context, q storage.Querier, id uuid.UUID, reason string) error
}

// CapacityLedger owns the booked counters. Reserve/Release move a counter by
// exactly one unit per call.
type CapacityLedger interface {
	Reserve(ctx context.Context, q storage.Querier, slotID uuid.UUID, matcher *model.WindowKey) (model.WindowKey, error)
	Release(ctx context.Context, q storage.Querier, slotID uuid.UUID, matcher *model.WindowKey) error
}

type UnitOfWork interface {
	Run(ctx context.Context, fn func(ctx context.Context, q storage.Querier, comp *storage.Compensator) error) error
	Atomic() bool
}

type EventSink interface {
	Insert(ctx context.Context, q storage.Querier, evt outbox.Event) error
}

// RefundEnqueuer records a refund owed to a patient for later execution by
// the refund worker. The task row commits with the surrounding unit of work.
type RefundEnqueuer interface {
	Enqueue(ctx context.Context, q storage.Querier, bookingID uuid.UUID, bookingCode string, amountCents int64, reason string) error
}

// Service implements the booking lifecycle: create, status transitions,
// cancel and reschedule. All capacity movement goes through the ledger and
// all multi-step writes run inside the unit of work.
type Service struct {
	db       storage.Querier // pool, for post-commit best-effort writes
	uow      UnitOfWork
	slots    SlotStore
	bookings BookingStore
	ledger   CapacityLedger
	dir      directory.Directory
	gateway  payments.Gateway
	events   EventSink
	refunds  RefundEnqueuer
	ids      IDGenerator
	logger   *slog.Logger

	now func() time.Time
}

type ServiceDeps struct {
	DB       storage.Querier
	UoW      UnitOfWork
	Slots    SlotStore
	Bookings BookingStore
	Ledger   CapacityLedger
	Dir      directory.Directory
	Gateway  payments.Gateway
	Events   EventSink
	Refunds  RefundEnqueuer
	IDs      IDGenerator
	Logger   *slog.Logger
}

func NewService(d ServiceDeps) *Service {
	if d.IDs == nil {
		d.IDs = NewUUIDCodes()
	}
	return &Service{
		db:       d.DB,
		uow:      d.UoW,
		slots:    d.Slots,
		bookings: d.Bookings,
		ledger:   d.Ledger,
		dir:      d.Dir,
		gateway:  d.Gateway,
		events:   d.Events,
		refunds:  d.Refunds,
		ids:      d.IDs,
		logger:   d.Logger,
		now:      time.Now,
	}
}

// Contact is where booking notifications go. Both fields are optional;
// a booking without contact info simply produces no patient messages.
type Contact struct {
	Email string
	Phone string
}

// CreateBooking books a slot for the acting patient. Payment is online and
// starts pending; the payment webhook flips it to success out of band.
func (s *Service) CreateBooking(ctx context.Context, act actor.Context, slotID uuid.UUID, window *model.WindowKey, contact Contact) (*model.Booking, error) {
	if !act.IsPatient() {
		return nil, fmt.Errorf("%w: only patients book through self-service", ErrForbidden)
	}
	patientID := act.ID
	return s.create(ctx, act, slotID, window, createParams{
		patientID: &patientID,
		method:    model.PayOnline,
		payStatus: model.PaymentPending,
		contact:   contact,
	})
}

// CreateManualBooking records a walk-in entered by provider staff. No patient
// account is attached and payment is collected at the desk.
func (s *Service) CreateManualBooking(ctx context.Context, act actor.Context, slotID uuid.UUID, window *model.WindowKey, method model.PaymentMethod, amountCents int64, contact Contact) (*model.Booking, error) {
	if !act.Staff() {
		return nil, fmt.Errorf("%w: manual bookings require a staff actor", ErrForbidden)
	}
	if method != model.PayCash && method != model.PayManual {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, method)
	}
	if amountCents < 0 {
		return nil, ErrNegativeAmount
	}
	return s.create(ctx, act, slotID, window, createParams{
		method:      method,
		payStatus:   model.PaymentSuccess,
		amountCents: &amountCents,
		contact:     contact,
	})
}

type createParams struct {
	patientID   *uuid.UUID
	method      model.PaymentMethod
	payStatus   model.PaymentStatus
	amountCents *int64 // nil means charge the slot fee
	contact     Contact
}

func (s *Service) create(ctx context.Context, act actor.Context, slotID uuid.UUID, window *model.WindowKey, p createParams) (*model.Booking, error) {
	var created *model.Booking

	err := s.uow.Run(ctx, func(ctx context.Context, q storage.Querier, comp *storage.Compensator) error {
		slot, err := s.slots.Get(ctx, q, slotID)
		if err != nil {
			if storage.IsNotFound(err) {
				return slotledger.ErrSlotNotFound
			}
			return err
		}
		if p.patientID == nil && !act.ActsFor(slot.ProviderID) {
			return fmt.Errorf("%w: staff of provider %s", ErrForbidden, slot.ProviderID)
		}

		provider, err := s.dir.FindProvider(ctx, slot.ProviderID)
		if err != nil {
			return fmt.Errorf("find provider: %w", err)
		}
		if !provider.Bookable() {
			return fmt.Errorf("%w: %s", ErrProviderUnverified, provider.VerificationStatus)
		}

		if err := s.checkPolicy(slot, window); err != nil {
			return err
		}

		key, err := s.ledger.Reserve(ctx, q, slot.ID, window)
		if err != nil {
			return err
		}
		comp.Register(func(ctx context.Context) {
			if err := s.ledger.Release(ctx, q, slot.ID, &key); err != nil {
				s.logger.Error("compensating release failed", "slot_id", slot.ID, "err", err)
			}
		})

		amount := slot.FeeCents
		if p.amountCents != nil {
			amount = *p.amountCents
		}
		windowName := ""
		if w, ok := slot.Window(key); ok {
			windowName = w.Name
		}

		b := &model.Booking{
			ID:               uuid.New(),
			Code:             s.ids.NewBookingCode(),
			PatientID:        p.patientID,
			ProviderID:       slot.ProviderID,
			SlotID:           slot.ID,
			LocationID:       slot.LocationID,
			EntityType:       slot.EntityType,
			BookingDate:      slot.Date,
			WindowName:       windowName,
			Window:           key,
			Status:           model.StatusConfirmed,
			PaymentMethod:    p.method,
			PaymentStatus:    p.payStatus,
			AmountCents:      amount,
			PatientSnapshot:  patientSnapshot(act, p.patientID),
			ProviderSnapshot: providerSnapshot(provider),
			SlotSnapshot:     slotSnapshot(slot, key),
		}
		if p.contact.Email != "" || p.contact.Phone != "" {
			b.Metadata = map[string]any{}
			if p.contact.Email != "" {
				b.Metadata["contact_email"] = p.contact.Email
			}
			if p.contact.Phone != "" {
				b.Metadata["contact_phone"] = p.contact.Phone
			}
		}
		if err := s.bookings.Insert(ctx, q, b); err != nil {
			return err
		}
		if err := s.emit(ctx, q, outbox.TopicBookingCreated, b, nil); err != nil {
			return err
		}
		created = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) checkPolicy(slot *model.Slot, window *model.WindowKey) error {
	verdict, reason := policy.Evaluate(slot, window, s.now())
	switch verdict {
	case policy.Bookable:
		return nil
	case policy.WindowUnavailable:
		if reason == policy.ReasonWindowUnknown {
			return fmt.Errorf("%w: %s", slotledger.ErrWindowNotOffered, reason)
		}
		return fmt.Errorf("%w: %s", slotledger.ErrCapacityExhausted, reason)
	default:
		if reason == policy.ReasonFullyBooked {
			return fmt.Errorf("%w: %s", slotledger.ErrCapacityExhausted, reason)
		}
		return fmt.Errorf("%w: %s", ErrSlotNotBookable, reason)
	}
}

// UpdateBookingStatus moves a confirmed booking to a terminal state on behalf
// of provider staff. Cancellation through this path carries the full cancel
// effects (release, refund).
func (s *Service) UpdateBookingStatus(ctx context.Context, act actor.Context, code string, next model.BookingStatus, note string) (*model.Booking, error) {
	if !next.Terminal() {
		return nil, fmt.Errorf("%w: target status %q", ErrIllegalTransition, next)
	}
	b, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !act.Staff() || !act.ActsFor(b.ProviderID) {
		return nil, ErrForbidden
	}
	if !b.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, b.Status, next)
	}

	if next == model.StatusCancelled {
		return s.cancel(ctx, b, cancelActor(act), "", note)
	}

	err = s.uow.Run(ctx, func(ctx context.Context, q storage.Querier, comp *storage.Compensator) error {
		ok, err := s.bookings.Transition(ctx, q, b.ID, next, "", "", note)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: booking already left %s", ErrIllegalTransition, model.StatusConfirmed)
		}
		if next == model.StatusNoShow {
			// Capacity comes back for reuse. A failed release is logged,
			// never fatal: the no-show still sticks.
			if err := s.ledger.Release(ctx, q, b.SlotID, &b.Window); err != nil {
				s.logger.Warn("release after no-show failed", "booking", b.Code, "err", err)
			}
		}
		return s.emit(ctx, q, outbox.TopicBookingStatus, b, map[string]any{"status": string(next)})
	})
	if err != nil {
		return nil, err
	}
	b.Status = next
	b.Note = note
	return b, nil
}

// CancelBooking cancels on behalf of the owning patient or provider staff.
func (s *Service) CancelBooking(ctx context.Context, act actor.Context, code, reason string) (*model.Booking, error) {
	b, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeMutation(act, b); err != nil {
		return nil, err
	}
	if !b.Status.CanTransitionTo(model.StatusCancelled) {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, b.Status)
	}
	return s.cancel(ctx, b, cancelActor(act), reason, "")
}

func (s *Service) cancel(ctx context.Context, b *model.Booking, cancelledBy, reason, note string) (*model.Booking, error) {
	err := s.uow.Run(ctx, func(ctx context.Context, q storage.Querier, comp *storage.Compensator) error {
		ok, err := s.bookings.Transition(ctx, q, b.ID, model.StatusCancelled, cancelledBy, reason, note)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: status is no longer %s", ErrNotCancellable, model.StatusConfirmed)
		}
		if err := s.ledger.Release(ctx, q, b.SlotID, &b.Window); err != nil {
			s.logger.Warn("release after cancel failed", "booking", b.Code, "err", err)
		}
		return s.emit(ctx, q, outbox.TopicBookingCancelled, b, map[string]any{
			"status":       string(model.StatusCancelled),
			"cancelled_by": cancelledBy,
			"reason":       reason,
		})
	})
	if err != nil {
		return nil, err
	}
	b.Status = model.StatusCancelled
	b.CancelledBy = cancelledBy
	b.CancelReason = reason
	b.Note = note

	// Refund runs after the cancellation committed. A broken gateway must
	// never trap a patient in an uncancellable booking, so failure is
	// recorded and retried by the refund worker, not surfaced.
	if b.PaymentMethod == model.PayOnline && b.PaymentStatus == model.PaymentSuccess {
		s.refundAfterCancel(ctx, b, reason)
	}
	return b, nil
}

func (s *Service) refundAfterCancel(ctx context.Context, b *model.Booking, reason string) {
	ref := paymentRef(b)
	var err error
	if ref == "" {
		err = payments.ErrNoPaymentReference
	} else {
		_, err = s.gateway.Refund(ctx, b.Code, ref)
	}
	if err == nil {
		return
	}
	s.logger.Warn("refund after cancel failed, queued for retry", "booking", b.Code, "err", err)
	if ferr := s.bookings.SetRefundFailure(ctx, s.db, b.ID, err.Error()); ferr != nil {
		s.logger.Error("recording refund failure", "booking", b.Code, "err", ferr)
	}
	b.RefundFailed = true
	b.RefundFailureReason = err.Error()
	if errors.Is(err, payments.ErrNoPaymentReference) {
		// Retrying would re-derive the same missing reference. The failure
		// flag is the terminal record; staff resolve it manually.
		return
	}
	if qerr := s.refunds.Enqueue(ctx, s.db, b.ID, b.Code, b.AmountCents, "cancel: "+reason); qerr != nil {
		s.logger.Error("enqueueing refund task", "booking", b.Code, "err", qerr)
	}
}

// RescheduleBooking moves a confirmed booking to a different slot of the same
// provider. Release of the old window, reserve of the new one and the booking
// rewrite all happen inside one unit of work; a full target slot aborts the
// whole thing.
func (s *Service) RescheduleBooking(ctx context.Context, act actor.Context, code string, newSlotID uuid.UUID, newWindow *model.WindowKey, reason string) (*model.Booking, error) {
	b, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeMutation(act, b); err != nil {
		return nil, err
	}
	if b.Status != model.StatusConfirmed {
		return nil, fmt.Errorf("%w: status is %s", ErrIllegalTransition, b.Status)
	}
	if newSlotID == b.SlotID {
		return nil, ErrSameSlot
	}
	if model.UTCMidnight(b.BookingDate).Before(model.UTCMidnight(s.now())) {
		return nil, ErrPastBooking
	}

	oldFee := b.AmountCents
	oldSlotID := b.SlotID
	oldWindow := b.Window
	oldDetails := map[string]any{
		"slot_id": oldSlotID.String(),
		"date":    b.BookingDate.Format("2006-01-02"),
		"window":  oldWindow.String(),
	}

	err = s.uow.Run(ctx, func(ctx context.Context, q storage.Querier, comp *storage.Compensator) error {
		newSlot, err := s.slots.Get(ctx, q, newSlotID)
		if err != nil {
			if storage.IsNotFound(err) {
				return fmt.Errorf("%w: target slot not found", ErrNewSlotNotBookable)
			}
			return err
		}
		if newSlot.ProviderID != b.ProviderID {
			return fmt.Errorf("%w: target slot belongs to a different provider", ErrNewSlotNotBookable)
		}

		verdict, why := policy.Evaluate(newSlot, newWindow, s.now())
		switch verdict {
		case policy.Bookable:
		case policy.WindowUnavailable:
			if why == policy.ReasonWindowUnknown {
				return fmt.Errorf("%w: %s", slotledger.ErrWindowNotOffered, why)
			}
			return fmt.Errorf("%w: %s", ErrNewSlotFull, why)
		default:
			if why == policy.ReasonFullyBooked {
				return fmt.Errorf("%w: %s", ErrNewSlotFull, why)
			}
			return fmt.Errorf("%w: %s", ErrNewSlotNotBookable, why)
		}

		if err := s.ledger.Release(ctx, q, oldSlotID, &oldWindow); err != nil {
			if errors.Is(err, slotledger.ErrUnderflowRejected) {
				s.logger.Warn("old window already at zero during reschedule", "booking", b.Code)
			} else {
				return err
			}
		}
		comp.Register(func(ctx context.Context) {
			if _, err := s.ledger.Reserve(ctx, q, oldSlotID, &oldWindow); err != nil {
				s.logger.Error("compensating re-reserve failed", "slot_id", oldSlotID, "err", err)
			}
		})

		key, err := s.ledger.Reserve(ctx, q, newSlot.ID, newWindow)
		if err != nil {
			if errors.Is(err, slotledger.ErrCapacityExhausted) {
				return fmt.Errorf("%w: lost the last unit to a concurrent booking", ErrNewSlotFull)
			}
			return err
		}
		comp.Register(func(ctx context.Context) {
			if err := s.ledger.Release(ctx, q, newSlot.ID, &key); err != nil {
				s.logger.Error("compensating release failed", "slot_id", newSlot.ID, "err", err)
			}
		})

		windowName := ""
		if w, ok := newSlot.Window(key); ok {
			windowName = w.Name
		}

		if b.Metadata == nil {
			b.Metadata = map[string]any{}
		}
		history, _ := b.Metadata["reschedules"].([]any)
		b.Metadata["reschedules"] = append(history, map[string]any{
			"from_slot_id": oldSlotID.String(),
			"to_slot_id":   newSlot.ID.String(),
			"from_window":  oldWindow.String(),
			"to_window":    key.String(),
			"by":           cancelActor(act),
			"reason":       reason,
			"at":           s.now().UTC().Format(time.RFC3339),
		})

		delta := newSlot.FeeCents - oldFee
		switch {
		case delta > 0:
			b.Metadata["additional_payment_cents"] = delta
			if b.PaymentMethod == model.PayOnline {
				b.PaymentStatus = model.PaymentPending
			}
		case delta < 0:
			b.Metadata["pending_refund_cents"] = -delta
			if err := s.refunds.Enqueue(ctx, q, b.ID, b.Code, -delta, "reschedule fee difference"); err != nil {
				return err
			}
		}

		b.SlotID = newSlot.ID
		b.LocationID = newSlot.LocationID
		b.BookingDate = newSlot.Date
		b.Window = key
		b.WindowName = windowName
		b.AmountCents = newSlot.FeeCents
		b.SlotSnapshot = slotSnapshot(newSlot, key)

		ok, err := s.bookings.RewriteForReschedule(ctx, q, b)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: booking left %s mid-reschedule", ErrIllegalTransition, model.StatusConfirmed)
		}
		return s.emit(ctx, q, outbox.TopicBookingRescheduled, b, map[string]any{
			"old":    oldDetails,
			"reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// authorizeMutation decides who may cancel or reschedule: the owning patient,
// or staff acting for the booking's provider. Manual bookings have no owner
// and are staff-only.
func (s *Service) authorizeMutation(act actor.Context, b *model.Booking) error {
	if act.IsPatient() {
		if b.Manual() {
			return ErrManualBookingNotCancellable
		}
		if !b.OwnedBy(act.ID) {
			return ErrForbidden
		}
		return nil
	}
	if act.ActsFor(b.ProviderID) {
		return nil
	}
	return ErrForbidden
}

func (s *Service) getByCode(ctx context.Context, code string) (*model.Booking, error) {
	b, err := s.bookings.GetByCode(ctx, s.db, code)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *Service) emit(ctx context.Context, q storage.Querier, topic string, b *model.Booking, extra map[string]any) error {
	payload := map[string]any{
		"booking_code": b.Code,
		"provider_id":  b.ProviderID.String(),
		"slot_id":      b.SlotID.String(),
		"booking_date": b.BookingDate.Format("2006-01-02"),
		"window":       b.Window.String(),
		"status":       string(b.Status),
	}
	if b.PatientID != nil {
		payload["patient_id"] = b.PatientID.String()
	}
	if email, _ := b.Metadata["contact_email"].(string); email != "" {
		payload["recipient_email"] = email
	}
	if phone, _ := b.Metadata["contact_phone"].(string); phone != "" {
		payload["recipient_phone"] = phone
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return s.events.Insert(ctx, q, outbox.Event{
		AggregateType: "booking",
		AggregateID:   b.Code,
		EventType:     topic,
		Payload:       body,
	})
}

func cancelActor(act actor.Context) string {
	if act.IsPatient() {
		return "patient:" + act.ID.String()
	}
	return string(act.Role) + ":" + act.ID.String()
}

func paymentRef(b *model.Booking) string {
	if b.Metadata == nil {
		return ""
	}
	ref, _ := b.Metadata["payment_intent"].(string)
	return ref
}

func patientSnapshot(act actor.Context, patientID *uuid.UUID) model.Snapshot {
	if patientID == nil {
		return model.Snapshot{"manual_entry_by": string(act.Role) + ":" + act.ID.String()}
	}
	return model.Snapshot{"patient_id": patientID.String()}
}

func providerSnapshot(p directory.Provider) model.Snapshot {
	return model.Snapshot{
		"provider_id":         p.ID.String(),
		"role":                p.Role,
		"display_name":        p.DisplayName,
		"verification_status": string(p.VerificationStatus),
	}
}

func slotSnapshot(s *model.Slot, key model.WindowKey) model.Snapshot {
	snap := model.Snapshot{
		"slot_id":     s.ID.String(),
		"date":        s.Date.Format("2006-01-02"),
		"shape":       string(s.Shape),
		"entity_type": string(s.EntityType),
		"window":      key.String(),
		"fee_cents":   s.FeeCents,
	}
	if s.LocationID != nil {
		snap["location_id"] = s.LocationID.String()
	}
	return snap
}
