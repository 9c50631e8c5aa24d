package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/libs/httpx"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/actor"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/booking"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

type BookingHandler struct {
	svc      *booking.Service
	bookings *storage.BookingRepository
	db       storage.Querier
	logger   *slog.Logger
}

func NewBookingHandler(svc *booking.Service, bookings *storage.BookingRepository, db storage.Querier, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, bookings: bookings, db: db, logger: logger}
}

type windowRef struct {
	StartMin int `json:"start_min"`
	EndMin   int `json:"end_min"`
}

func (wr *windowRef) key() *model.WindowKey {
	if wr == nil {
		return nil
	}
	return &model.WindowKey{StartMin: wr.StartMin, EndMin: wr.EndMin}
}

type createBookingRequest struct {
	SlotID       string     `json:"slot_id"`
	Window       *windowRef `json:"window,omitempty"`
	ContactEmail string     `json:"contact_email,omitempty"`
	ContactPhone string     `json:"contact_phone,omitempty"`
}

type manualBookingRequest struct {
	SlotID        string     `json:"slot_id"`
	Window        *windowRef `json:"window,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	AmountCents   int64      `json:"amount_cents"`
	ContactEmail  string     `json:"contact_email,omitempty"`
	ContactPhone  string     `json:"contact_phone,omitempty"`
}

type statusRequest struct {
	BookingCode string `json:"booking_code"`
	Status      string `json:"status"`
	Note        string `json:"note,omitempty"`
}

type cancelRequest struct {
	BookingCode string `json:"booking_code"`
	Reason      string `json:"reason,omitempty"`
}

type rescheduleRequest struct {
	BookingCode string     `json:"booking_code"`
	NewSlotID   string     `json:"new_slot_id"`
	NewWindow   *windowRef `json:"new_window,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

type bookingView struct {
	Code          string         `json:"code"`
	Status        string         `json:"status"`
	ProviderID    string         `json:"provider_id"`
	SlotID        string         `json:"slot_id"`
	BookingDate   string         `json:"booking_date"`
	Window        string         `json:"window"`
	WindowName    string         `json:"window_name,omitempty"`
	PaymentMethod string         `json:"payment_method"`
	PaymentStatus string         `json:"payment_status"`
	AmountCents   int64          `json:"amount_cents"`
	RefundFailed  bool           `json:"refund_failed,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func viewOf(b *model.Booking) bookingView {
	return bookingView{
		Code:          b.Code,
		Status:        string(b.Status),
		ProviderID:    b.ProviderID.String(),
		SlotID:        b.SlotID.String(),
		BookingDate:   b.BookingDate.Format("2006-01-02"),
		Window:        b.Window.String(),
		WindowName:    b.WindowName,
		PaymentMethod: string(b.PaymentMethod),
		PaymentStatus: string(b.PaymentStatus),
		AmountCents:   b.AmountCents,
		RefundFailed:  b.RefundFailed,
		Metadata:      b.Metadata,
	}
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	slotID, err := uuid.Parse(strings.TrimSpace(req.SlotID))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid slot_id")
		return
	}

	b, err := h.svc.CreateBooking(r.Context(), act, slotID, req.Window.key(), booking.Contact{
		Email: strings.TrimSpace(req.ContactEmail),
		Phone: strings.TrimSpace(req.ContactPhone),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, viewOf(b))
}

func (h *BookingHandler) CreateManual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	var req manualBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	slotID, err := uuid.Parse(strings.TrimSpace(req.SlotID))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid slot_id")
		return
	}

	b, err := h.svc.CreateManualBooking(r.Context(), act, slotID, req.Window.key(),
		model.PaymentMethod(strings.TrimSpace(req.PaymentMethod)), req.AmountCents, booking.Contact{
			Email: strings.TrimSpace(req.ContactEmail),
			Phone: strings.TrimSpace(req.ContactPhone),
		})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, viewOf(b))
}

func (h *BookingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.BookingCode) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "booking_code is required")
		return
	}

	b, err := h.svc.UpdateBookingStatus(r.Context(), act, strings.TrimSpace(req.BookingCode),
		model.BookingStatus(strings.TrimSpace(req.Status)), req.Note)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewOf(b))
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.BookingCode) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "booking_code is required")
		return
	}

	b, err := h.svc.CancelBooking(r.Context(), act, strings.TrimSpace(req.BookingCode), req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewOf(b))
}

func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.BookingCode) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "booking_code is required")
		return
	}
	newSlotID, err := uuid.Parse(strings.TrimSpace(req.NewSlotID))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid new_slot_id")
		return
	}

	b, err := h.svc.RescheduleBooking(r.Context(), act, strings.TrimSpace(req.BookingCode),
		newSlotID, req.NewWindow.key(), req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewOf(b))
}

// List returns the caller's bookings: the patient's own, or the acting
// provider's, depending on who is asking.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	const limit = 100
	var (
		items []model.Booking
		err   error
	)
	if act.IsPatient() {
		items, err = h.bookings.ListByPatient(r.Context(), h.db, act.ID, limit)
	} else {
		items, err = h.bookings.ListByProvider(r.Context(), h.db, act.ProviderID, limit)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	views := make([]bookingView, 0, len(items))
	for i := range items {
		views = append(views, viewOf(&items[i]))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bookings": views})
}
