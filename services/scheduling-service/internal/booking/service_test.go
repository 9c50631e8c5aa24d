package booking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/careloop-health/careslot/services/scheduling-service/internal/actor"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/directory"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/outbox"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/payments"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/slotledger"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

// memStore implements the slot, booking and ledger interfaces in memory
// with the same conditional-update semantics as the SQL versions.
type memStore struct {
	mu       sync.Mutex
	slots    map[uuid.UUID]*model.Slot
	bookings map[uuid.UUID]*model.Booking

	failInsert bool
}

func newMemStore() *memStore {
	return &memStore{
		slots:    map[uuid.UUID]*model.Slot{},
		bookings: map[uuid.UUID]*model.Booking{},
	}
}

func (m *memStore) Get(_ context.Context, _ storage.Querier, id uuid.UUID) (*model.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	cp.Windows = append([]model.SlotWindow(nil), s.Windows...)
	cp.AvailableCapacity = cp.ComputeAvailable()
	return &cp, nil
}

func (m *memStore) Insert(_ context.Context, _ storage.Querier, b *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert {
		return errors.New("simulated insert failure")
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *memStore) GetByCode(_ context.Context, _ storage.Querier, code string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.Code == code {
			cp := *b
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memStore) Transition(_ context.Context, _ storage.Querier, id uuid.UUID, next model.BookingStatus, cancelledBy, reason, note string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.Status != model.StatusConfirmed {
		return false, nil
	}
	b.Status = next
	b.CancelledBy = cancelledBy
	b.CancelReason = reason
	b.Note = note
	return true, nil
}

func (m *memStore) RewriteForReschedule(_ context.Context, _ storage.Querier, nb *model.Booking) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[nb.ID]
	if !ok || b.Status != model.StatusConfirmed {
		return false, nil
	}
	b.SlotID = nb.SlotID
	b.LocationID = nb.LocationID
	b.BookingDate = nb.BookingDate
	b.WindowName = nb.WindowName
	b.Window = nb.Window
	b.AmountCents = nb.AmountCents
	b.PaymentStatus = nb.PaymentStatus
	b.SlotSnapshot = nb.SlotSnapshot
	b.Metadata = nb.Metadata
	return true, nil
}

func (m *memStore) SetRefundFailure(_ context.Context, _ storage.Querier, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bookings[id]; ok {
		b.RefundFailed = true
		b.RefundFailureReason = reason
	}
	return nil
}

// Reserve and Release mirror the SQL ledger's conditional updates under one
// mutex, which is what makes the concurrency test meaningful.
func (m *memStore) Reserve(_ context.Context, _ storage.Querier, slotID uuid.UUID, matcher *model.WindowKey) (model.WindowKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return model.WindowKey{}, slotledger.ErrSlotNotFound
	}
	if !s.IsActive {
		return model.WindowKey{}, slotledger.ErrSlotInactive
	}
	key, err := resolveKey(s, matcher)
	if err != nil {
		return model.WindowKey{}, err
	}
	for i := range s.Windows {
		if s.Windows[i].Key() == key {
			if s.Windows[i].Booked >= s.Windows[i].Capacity {
				return model.WindowKey{}, slotledger.ErrCapacityExhausted
			}
			s.Windows[i].Booked++
			return key, nil
		}
	}
	return model.WindowKey{}, slotledger.ErrWindowNotOffered
}

func (m *memStore) Release(_ context.Context, _ storage.Querier, slotID uuid.UUID, matcher *model.WindowKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return slotledger.ErrSlotNotFound
	}
	key, err := resolveKey(s, matcher)
	if err != nil {
		return err
	}
	for i := range s.Windows {
		if s.Windows[i].Key() == key {
			if s.Windows[i].Booked <= 0 {
				return slotledger.ErrUnderflowRejected
			}
			s.Windows[i].Booked--
			return nil
		}
	}
	return slotledger.ErrWindowNotOffered
}

func resolveKey(s *model.Slot, matcher *model.WindowKey) (model.WindowKey, error) {
	if matcher != nil {
		return *matcher, nil
	}
	if s.Shape == model.ShapeMulti {
		return model.WindowKey{}, slotledger.ErrMatcherRequired
	}
	return s.Windows[0].Key(), nil
}

func (m *memStore) booked(slotID uuid.UUID, key model.WindowKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.slots[slotID].Windows {
		if w.Key() == key {
			return w.Booked
		}
	}
	return -1
}

// memUoW runs in degraded mode so registered compensations actually fire,
// letting the tests observe the rollback behaviour.
type memUoW struct{}

func (memUoW) Atomic() bool { return false }

func (memUoW) Run(ctx context.Context, fn func(ctx context.Context, q storage.Querier, comp *storage.Compensator) error) error {
	comp := storage.NewCompensator(true)
	if err := fn(ctx, nil, comp); err != nil {
		comp.Rollback(ctx)
		return err
	}
	return nil
}

type memDirectory struct {
	providers map[uuid.UUID]directory.Provider
}

func (d *memDirectory) FindProvider(_ context.Context, id uuid.UUID) (directory.Provider, error) {
	p, ok := d.providers[id]
	if !ok {
		return directory.Provider{}, directory.ErrProviderNotFound
	}
	return p, nil
}

type memGateway struct {
	mu      sync.Mutex
	fail    bool
	refunds []string
	partial []int64
}

func (g *memGateway) Refund(_ context.Context, bookingCode, _ string) (payments.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return payments.Result{}, errors.New("gateway down")
	}
	g.refunds = append(g.refunds, bookingCode)
	return payments.Result{RefundID: "re_1"}, nil
}

func (g *memGateway) PartialRefund(_ context.Context, bookingCode, _ string, amountCents int64, _ string) (payments.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return payments.Result{}, errors.New("gateway down")
	}
	g.partial = append(g.partial, amountCents)
	return payments.Result{RefundID: "re_2", AmountCents: amountCents}, nil
}

type memEvents struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (e *memEvents) Insert(_ context.Context, _ storage.Querier, evt outbox.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return nil
}

func (e *memEvents) topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, evt := range e.events {
		out = append(out, evt.EventType)
	}
	return out
}

func (e *memEvents) last(t *testing.T, eventType string) outbox.Event {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].EventType == eventType {
			return e.events[i]
		}
	}
	t.Fatalf("no %s event recorded", eventType)
	return outbox.Event{}
}

type memRefundQueue struct {
	mu    sync.Mutex
	tasks []int64
}

func (r *memRefundQueue) Enqueue(_ context.Context, _ storage.Querier, _ uuid.UUID, _ string, amountCents int64, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, amountCents)
	return nil
}

type fixture struct {
	store   *memStore
	dir     *memDirectory
	gateway *memGateway
	events  *memEvents
	queue   *memRefundQueue
	svc     *Service

	providerID uuid.UUID
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	providerID := uuid.New()
	dir := &memDirectory{providers: map[uuid.UUID]directory.Provider{
		providerID: {
			ID:                 providerID,
			Role:               "doctor",
			IsVerified:         true,
			VerificationStatus: directory.VerificationApproved,
			IsActive:           true,
		},
	}}
	gateway := &memGateway{}
	events := &memEvents{}
	queue := &memRefundQueue{}

	svc := NewService(ServiceDeps{
		UoW:      memUoW{},
		Slots:    store,
		Bookings: store,
		Ledger:   store,
		Dir:      dir,
		Gateway:  gateway,
		Events:   events,
		Refunds:  queue,
		Logger:   slog.New(slog.DiscardHandler),
	})
	now := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	return &fixture{
		store:      store,
		dir:        dir,
		gateway:    gateway,
		events:     events,
		queue:      queue,
		svc:        svc,
		providerID: providerID,
		now:        now,
	}
}

func (f *fixture) addSlot(capacity int, feeCents int64) *model.Slot {
	s := &model.Slot{
		ID:                 uuid.New(),
		ProviderID:         f.providerID,
		EntityType:         model.EntityOPD,
		Date:               model.UTCMidnight(f.now.AddDate(0, 0, 1)),
		Shape:              model.ShapeSingle,
		Windows:            []model.SlotWindow{{StartMin: 540, EndMin: 1020, Capacity: capacity}},
		AdvanceBookingDays: 7,
		IsActive:           true,
		FeeCents:           feeCents,
	}
	f.store.mu.Lock()
	f.store.slots[s.ID] = s
	f.store.mu.Unlock()
	return s
}

func patient() actor.Context {
	return actor.Context{ID: uuid.New(), Role: actor.RolePatient}
}

func (f *fixture) staff() actor.Context {
	return actor.Context{ID: uuid.New(), Role: actor.RoleReceptionist, ProviderID: f.providerID}
}

func TestCreateBooking(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(5, 7500)
	act := patient()

	b, err := f.svc.CreateBooking(context.Background(), act, slot.ID, nil, Contact{Email: "pat@example.com"})
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}
	if b.Status != model.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", b.Status)
	}
	if b.AmountCents != 7500 {
		t.Fatalf("amount = %d, want slot fee", b.AmountCents)
	}
	if b.PaymentMethod != model.PayOnline || b.PaymentStatus != model.PaymentPending {
		t.Fatalf("payment = %s/%s", b.PaymentMethod, b.PaymentStatus)
	}
	if got := f.store.booked(slot.ID, b.Window); got != 1 {
		t.Fatalf("booked = %d, want 1", got)
	}
	if topics := f.events.topics(); len(topics) != 1 || topics[0] != outbox.TopicBookingCreated {
		t.Fatalf("events = %v", topics)
	}
}

func TestCreateBookingRollsBackReservationOnPersistFailure(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(3, 1000)
	f.store.failInsert = true

	_, err := f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})
	if err == nil {
		t.Fatal("expected insert failure to surface")
	}
	if got := f.store.booked(slot.ID, slot.Windows[0].Key()); got != 0 {
		t.Fatalf("reservation leaked: booked = %d, want 0", got)
	}
}

func TestConcurrentBookingsNeverOversell(t *testing.T) {
	f := newFixture(t)
	const capacity = 3
	slot := f.addSlot(capacity, 1000)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})
		}(i)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, slotledger.ErrCapacityExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != capacity {
		t.Fatalf("successes = %d, want exactly %d", ok, capacity)
	}
	if exhausted != attempts-capacity {
		t.Fatalf("exhausted = %d, want %d", exhausted, attempts-capacity)
	}
	if got := f.store.booked(slot.ID, slot.Windows[0].Key()); got != capacity {
		t.Fatalf("booked = %d, want %d", got, capacity)
	}
}

func TestCreateBookingProviderUnverified(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(5, 1000)
	p := f.dir.providers[f.providerID]
	p.IsVerified = false
	p.VerificationStatus = directory.VerificationPending
	f.dir.providers[f.providerID] = p

	_, err := f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})
	if !errors.Is(err, ErrProviderUnverified) {
		t.Fatalf("err = %v, want ErrProviderUnverified", err)
	}
	if got := f.store.booked(slot.ID, slot.Windows[0].Key()); got != 0 {
		t.Fatalf("no capacity should be consumed, booked = %d", got)
	}
}

func TestCreateBookingMultiWindowRequiresMatcher(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(5, 1000)
	f.store.mu.Lock()
	slot.Shape = model.ShapeMulti
	slot.Windows = []model.SlotWindow{
		{Name: "am", StartMin: 540, EndMin: 720, Capacity: 3},
		{Name: "pm", StartMin: 780, EndMin: 1020, Capacity: 3},
	}
	f.store.mu.Unlock()

	_, err := f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})
	if !errors.Is(err, slotledger.ErrMatcherRequired) {
		t.Fatalf("err = %v, want ErrMatcherRequired", err)
	}

	am := &model.WindowKey{StartMin: 540, EndMin: 720}
	if _, err := f.svc.CreateBooking(context.Background(), patient(), slot.ID, am, Contact{}); err != nil {
		t.Fatalf("booking with matcher failed: %v", err)
	}
}

func TestCreateManualBookingValidation(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(5, 1000)

	if _, err := f.svc.CreateManualBooking(context.Background(), patient(), slot.ID, nil, model.PayCash, 1000, Contact{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("patient actor: err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.CreateManualBooking(context.Background(), f.staff(), slot.ID, nil, model.PayOnline, 1000, Contact{}); !errors.Is(err, ErrUnsupportedPaymentMethod) {
		t.Fatalf("online method: err = %v, want ErrUnsupportedPaymentMethod", err)
	}
	if _, err := f.svc.CreateManualBooking(context.Background(), f.staff(), slot.ID, nil, model.PayCash, -5, Contact{}); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("negative amount: err = %v, want ErrNegativeAmount", err)
	}

	b, err := f.svc.CreateManualBooking(context.Background(), f.staff(), slot.ID, nil, model.PayCash, 2500, Contact{})
	if err != nil {
		t.Fatalf("manual booking failed: %v", err)
	}
	if !b.Manual() {
		t.Fatal("manual booking must have no patient")
	}
	if b.AmountCents != 2500 {
		t.Fatalf("amount = %d, want the entered amount", b.AmountCents)
	}
}

func TestNoShowRestoresCapacity(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(2, 1000)
	b, err := f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}

	updated, err := f.svc.UpdateBookingStatus(context.Background(), f.staff(), b.Code, model.StatusNoShow, "")
	if err != nil {
		t.Fatalf("no-show failed: %v", err)
	}
	if updated.Status != model.StatusNoShow {
		t.Fatalf("status = %s", updated.Status)
	}
	if got := f.store.booked(slot.ID, b.Window); got != 0 {
		t.Fatalf("booked = %d, want 0 after no-show", got)
	}
}

func TestCompleteKeepsCapacityConsumed(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(2, 1000)
	b, _ := f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})

	if _, err := f.svc.UpdateBookingStatus(context.Background(), f.staff(), b.Code, model.StatusCompleted, "seen"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if got := f.store.booked(slot.ID, b.Window); got != 1 {
		t.Fatalf("booked = %d, completion must not release capacity", got)
	}
}

func TestIllegalTransitionLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(2, 1000)
	b, _ := f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})
	if _, err := f.svc.UpdateBookingStatus(context.Background(), f.staff(), b.Code, model.StatusCompleted, ""); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	_, err := f.svc.UpdateBookingStatus(context.Background(), f.staff(), b.Code, model.StatusNoShow, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	if got := f.store.booked(slot.ID, b.Window); got != 1 {
		t.Fatalf("booked = %d, terminal state must absorb without ledger effects", got)
	}
}

func TestCancelReleasesAndRefunds(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(2, 1000)
	act := patient()
	b, _ := f.svc.CreateBooking(context.Background(), act, slot.ID, nil, Contact{})

	// Simulate the payment webhook confirming the charge.
	f.store.mu.Lock()
	stored := f.store.bookings[b.ID]
	stored.PaymentStatus = model.PaymentSuccess
	stored.Metadata = map[string]any{"payment_intent": "pi_123"}
	f.store.mu.Unlock()

	cancelled, err := f.svc.CancelBooking(context.Background(), act, b.Code, "cannot make it")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if got := f.store.booked(slot.ID, b.Window); got != 0 {
		t.Fatalf("booked = %d, want 0 after cancel", got)
	}
	if len(f.gateway.refunds) != 1 {
		t.Fatalf("refunds = %v, want one full refund", f.gateway.refunds)
	}
}

func TestCancelSurvivesGatewayFailure(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(2, 1000)
	act := patient()
	b, _ := f.svc.CreateBooking(context.Background(), act, slot.ID, nil, Contact{})
	f.store.mu.Lock()
	stored := f.store.bookings[b.ID]
	stored.PaymentStatus = model.PaymentSuccess
	stored.Metadata = map[string]any{"payment_intent": "pi_123"}
	f.store.mu.Unlock()
	f.gateway.fail = true

	cancelled, err := f.svc.CancelBooking(context.Background(), act, b.Code, "emergency")
	if err != nil {
		t.Fatalf("a broken gateway must not block cancellation: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	f.store.mu.Lock()
	flagged := f.store.bookings[b.ID].RefundFailed
	f.store.mu.Unlock()
	if !flagged {
		t.Fatal("refund failure must be recorded on the booking")
	}
	if len(f.queue.tasks) != 1 {
		t.Fatalf("refund tasks = %v, want one retry task", f.queue.tasks)
	}
}

func TestCancelEventCarriesFinalStatus(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(2, 1000)
	act := patient()
	b, _ := f.svc.CreateBooking(context.Background(), act, slot.ID, nil, Contact{})

	if _, err := f.svc.CancelBooking(context.Background(), act, b.Code, "cannot make it"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	evt := f.events.last(t, outbox.TopicBookingCancelled)
	var payload map[string]any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got := payload["status"]; got != string(model.StatusCancelled) {
		t.Fatalf("payload status = %v, want cancelled", got)
	}
	if got := payload["cancelled_by"]; got != "patient:"+act.ID.String() {
		t.Fatalf("payload cancelled_by = %v", got)
	}
}

func TestCancelViaStatusUpdateRecordsActorAndNote(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(2, 1000)
	b, _ := f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})
	staff := f.staff()

	cancelled, err := f.svc.UpdateBookingStatus(context.Background(), staff, b.Code, model.StatusCancelled, "patient called ahead")
	if err != nil {
		t.Fatalf("status update failed: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if got := f.store.booked(slot.ID, b.Window); got != 0 {
		t.Fatalf("booked = %d, want 0 after cancel", got)
	}

	f.store.mu.Lock()
	stored := f.store.bookings[b.ID]
	by, reason, note := stored.CancelledBy, stored.CancelReason, stored.Note
	f.store.mu.Unlock()
	if want := string(staff.Role) + ":" + staff.ID.String(); by != want {
		t.Fatalf("cancelled_by = %q, want %q", by, want)
	}
	if reason != "" {
		t.Fatalf("cancel_reason = %q, operator note must not become the reason", reason)
	}
	if note != "patient called ahead" {
		t.Fatalf("note = %q", note)
	}
}

func TestCancelWithoutPaymentReferenceSkipsRetry(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(2, 1000)
	act := patient()
	b, _ := f.svc.CreateBooking(context.Background(), act, slot.ID, nil, Contact{})

	// Paid, but the webhook never attached a payment reference.
	f.store.mu.Lock()
	f.store.bookings[b.ID].PaymentStatus = model.PaymentSuccess
	f.store.mu.Unlock()

	cancelled, err := f.svc.CancelBooking(context.Background(), act, b.Code, "moving away")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if !cancelled.RefundFailed {
		t.Fatal("missing reference must still flag the refund as failed")
	}
	if len(f.queue.tasks) != 0 {
		t.Fatalf("refund tasks = %v, a missing reference is not retryable", f.queue.tasks)
	}
	if len(f.gateway.refunds) != 0 {
		t.Fatalf("refunds = %v, nothing should reach the gateway", f.gateway.refunds)
	}
}

func TestCancelAuthorization(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(5, 1000)
	owner := patient()
	b, _ := f.svc.CreateBooking(context.Background(), owner, slot.ID, nil, Contact{})

	if _, err := f.svc.CancelBooking(context.Background(), patient(), b.Code, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger cancel: err = %v, want ErrForbidden", err)
	}

	manual, _ := f.svc.CreateManualBooking(context.Background(), f.staff(), slot.ID, nil, model.PayCash, 1000, Contact{})
	if _, err := f.svc.CancelBooking(context.Background(), patient(), manual.Code, ""); !errors.Is(err, ErrManualBookingNotCancellable) {
		t.Fatalf("manual cancel by patient: err = %v, want ErrManualBookingNotCancellable", err)
	}

	// Staff of the owning provider can cancel both.
	if _, err := f.svc.CancelBooking(context.Background(), f.staff(), manual.Code, "walk-in left"); err != nil {
		t.Fatalf("staff cancel failed: %v", err)
	}
}

func TestRescheduleMovesCapacityAndComputesDelta(t *testing.T) {
	f := newFixture(t)
	oldSlot := f.addSlot(2, 2000)
	newSlot := f.addSlot(2, 1500) // cheaper: expect a pending refund
	act := patient()
	b, _ := f.svc.CreateBooking(context.Background(), act, oldSlot.ID, nil, Contact{})

	moved, err := f.svc.RescheduleBooking(context.Background(), act, b.Code, newSlot.ID, nil, "better time")
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if moved.SlotID != newSlot.ID {
		t.Fatal("booking not moved to the new slot")
	}
	if moved.AmountCents != 1500 {
		t.Fatalf("amount = %d, want new slot fee", moved.AmountCents)
	}
	if got := f.store.booked(oldSlot.ID, b.Window); got != 0 {
		t.Fatalf("old slot booked = %d, want 0", got)
	}
	if got := f.store.booked(newSlot.ID, moved.Window); got != 1 {
		t.Fatalf("new slot booked = %d, want 1", got)
	}
	if len(f.queue.tasks) != 1 || f.queue.tasks[0] != 500 {
		t.Fatalf("refund tasks = %v, want one 500-cent task", f.queue.tasks)
	}
	if _, ok := moved.Metadata["reschedules"]; !ok {
		t.Fatal("reschedule history missing from metadata")
	}
}

func TestReschedulePositiveDeltaFlagsAdditionalPayment(t *testing.T) {
	f := newFixture(t)
	oldSlot := f.addSlot(2, 1000)
	newSlot := f.addSlot(2, 1800)
	act := patient()
	b, _ := f.svc.CreateBooking(context.Background(), act, oldSlot.ID, nil, Contact{})
	f.store.mu.Lock()
	f.store.bookings[b.ID].PaymentStatus = model.PaymentSuccess
	f.store.mu.Unlock()

	moved, err := f.svc.RescheduleBooking(context.Background(), act, b.Code, newSlot.ID, nil, "")
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if delta, _ := moved.Metadata["additional_payment_cents"].(int64); delta != 800 {
		t.Fatalf("additional_payment_cents = %v, want 800", moved.Metadata["additional_payment_cents"])
	}
	if moved.PaymentStatus != model.PaymentPending {
		t.Fatal("online payment must flip back to pending when more is owed")
	}
	if len(f.queue.tasks) != 0 {
		t.Fatalf("no refund task expected, got %v", f.queue.tasks)
	}
}

func TestRescheduleToFullSlotAbortsCompletely(t *testing.T) {
	f := newFixture(t)
	oldSlot := f.addSlot(2, 1000)
	fullSlot := f.addSlot(1, 1000)
	act := patient()

	// Fill the target slot.
	if _, err := f.svc.CreateBooking(context.Background(), patient(), fullSlot.ID, nil, Contact{}); err != nil {
		t.Fatalf("filling target slot: %v", err)
	}

	b, _ := f.svc.CreateBooking(context.Background(), act, oldSlot.ID, nil, Contact{})

	_, err := f.svc.RescheduleBooking(context.Background(), act, b.Code, fullSlot.ID, nil, "")
	if !errors.Is(err, ErrNewSlotFull) {
		t.Fatalf("err = %v, want ErrNewSlotFull", err)
	}

	// The old reservation must be restored and the booking untouched.
	if got := f.store.booked(oldSlot.ID, b.Window); got != 1 {
		t.Fatalf("old slot booked = %d, want 1 after aborted reschedule", got)
	}
	after, err := f.store.GetByCode(context.Background(), nil, b.Code)
	if err != nil {
		t.Fatalf("GetByCode failed: %v", err)
	}
	if after.SlotID != oldSlot.ID || after.Status != model.StatusConfirmed {
		t.Fatal("booking must still point at the old slot, confirmed")
	}
}

func TestRescheduleRejectsSameSlotAndTerminalStates(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(3, 1000)
	act := patient()
	b, _ := f.svc.CreateBooking(context.Background(), act, slot.ID, nil, Contact{})

	if _, err := f.svc.RescheduleBooking(context.Background(), act, b.Code, slot.ID, nil, ""); !errors.Is(err, ErrSameSlot) {
		t.Fatalf("err = %v, want ErrSameSlot", err)
	}

	if _, err := f.svc.CancelBooking(context.Background(), act, b.Code, ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	other := f.addSlot(3, 1000)
	if _, err := f.svc.RescheduleBooking(context.Background(), act, b.Code, other.ID, nil, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestUpdateStatusRequiresProviderStaff(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(3, 1000)
	b, _ := f.svc.CreateBooking(context.Background(), patient(), slot.ID, nil, Contact{})

	if _, err := f.svc.UpdateBookingStatus(context.Background(), patient(), b.Code, model.StatusCompleted, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("patient: err = %v, want ErrForbidden", err)
	}

	otherStaff := actor.Context{ID: uuid.New(), Role: actor.RoleReceptionist, ProviderID: uuid.New()}
	if _, err := f.svc.UpdateBookingStatus(context.Background(), otherStaff, b.Code, model.StatusCompleted, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign staff: err = %v, want ErrForbidden", err)
	}
}

func TestBookingNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CancelBooking(context.Background(), patient(), "BK-missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
