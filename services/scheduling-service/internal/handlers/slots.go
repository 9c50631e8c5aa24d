package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/libs/httpx"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/actor"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/cache"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

type SlotHandler struct {
	slots  *storage.SlotRepository
	db     storage.Querier
	cache  *cache.SlotCache
	logger *slog.Logger
}

func NewSlotHandler(slots *storage.SlotRepository, db storage.Querier, slotCache *cache.SlotCache, logger *slog.Logger) *SlotHandler {
	return &SlotHandler{slots: slots, db: db, cache: slotCache, logger: logger}
}

type windowSpec struct {
	Name     string `json:"name,omitempty"`
	StartMin int    `json:"start_min"`
	EndMin   int    `json:"end_min"`
	Capacity int    `json:"capacity"`
}

type createSlotRequest struct {
	LocationID         string       `json:"location_id,omitempty"`
	ProviderRole       string       `json:"provider_role"`
	EntityType         string       `json:"entity_type"`
	Date               string       `json:"date"` // YYYY-MM-DD
	Shape              string       `json:"shape"`
	Windows            []windowSpec `json:"windows"`
	AdvanceBookingDays int          `json:"advance_booking_days"`
	FeeCents           int64        `json:"fee_cents"`
}

type slotView struct {
	ID                 string           `json:"id"`
	ProviderID         string           `json:"provider_id"`
	EntityType         string           `json:"entity_type"`
	Date               string           `json:"date"`
	Shape              string           `json:"shape"`
	Windows            []slotWindowView `json:"windows"`
	AdvanceBookingDays int              `json:"advance_booking_days"`
	FeeCents           int64            `json:"fee_cents"`
	AvailableCapacity  int              `json:"available_capacity"`
}

type slotWindowView struct {
	Name     string `json:"name,omitempty"`
	Window   string `json:"window"`
	Capacity int    `json:"capacity"`
	Residual int    `json:"residual"`
}

func slotViewOf(s *model.Slot) slotView {
	windows := make([]slotWindowView, 0, len(s.Windows))
	for _, w := range s.Windows {
		windows = append(windows, slotWindowView{
			Name:     w.Name,
			Window:   w.Key().String(),
			Capacity: w.Capacity,
			Residual: w.Residual(),
		})
	}
	return slotView{
		ID:                 s.ID.String(),
		ProviderID:         s.ProviderID.String(),
		EntityType:         string(s.EntityType),
		Date:               s.Date.Format("2006-01-02"),
		Shape:              string(s.Shape),
		Windows:            windows,
		AdvanceBookingDays: s.AdvanceBookingDays,
		FeeCents:           s.FeeCents,
		AvailableCapacity:  s.AvailableCapacity,
	}
}

// Create registers a new slot for the acting provider.
func (h *SlotHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok || !act.Staff() {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "slot management requires a staff actor")
		return
	}

	var req createSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}

	date, err := time.Parse("2006-01-02", strings.TrimSpace(req.Date))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid date, want YYYY-MM-DD")
		return
	}

	slot := &model.Slot{
		ID:                 uuid.New(),
		ProviderID:         act.ProviderID,
		ProviderRole:       strings.TrimSpace(req.ProviderRole),
		EntityType:         model.EntityType(strings.TrimSpace(req.EntityType)),
		Date:               model.UTCMidnight(date),
		Shape:              model.SlotShape(strings.TrimSpace(req.Shape)),
		AdvanceBookingDays: req.AdvanceBookingDays,
		IsActive:           true,
		FeeCents:           req.FeeCents,
	}
	if raw := strings.TrimSpace(req.LocationID); raw != "" {
		locID, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid location_id")
			return
		}
		slot.LocationID = &locID
	}
	for _, ws := range req.Windows {
		slot.Windows = append(slot.Windows, model.SlotWindow{
			Name:     strings.TrimSpace(ws.Name),
			StartMin: ws.StartMin,
			EndMin:   ws.EndMin,
			Capacity: ws.Capacity,
		})
	}
	slot.AvailableCapacity = slot.ComputeAvailable()

	if err := slot.Validate(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.slots.Insert(r.Context(), h.db, slot); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.cache.InvalidateProvider(r.Context(), slot.ProviderID)
	httpx.WriteJSON(w, http.StatusCreated, slotViewOf(slot))
}

// Deactivate soft-disables a slot. Existing bookings are untouched; the slot
// simply stops accepting new ones.
func (h *SlotHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok || !act.Staff() {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "slot management requires a staff actor")
		return
	}

	slotID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("id")))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid slot id")
		return
	}

	slot, err := h.slots.Get(r.Context(), h.db, slotID)
	if err != nil {
		if storage.IsNotFound(err) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "slot not found")
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}
	if !act.ActsFor(slot.ProviderID) {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "slot belongs to another provider")
		return
	}

	ok, err = h.slots.Deactivate(r.Context(), h.db, slotID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "slot not found")
		return
	}
	h.cache.InvalidateProvider(r.Context(), slot.ProviderID)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// PublicSearch lists a provider's open slots. Unauthenticated; results are
// cached briefly in Redis since this is the hottest read path.
func (h *SlotHandler) PublicSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	providerID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("provider_id")))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "provider_id is required")
		return
	}
	entity := model.EntityType(strings.TrimSpace(r.URL.Query().Get("entity_type")))
	if string(entity) != "" && !entity.Valid() {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "unknown entity_type")
		return
	}

	now := time.Now()
	from := model.UTCMidnight(now)
	to := from.AddDate(0, 0, 30)
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			from = model.UTCMidnight(t)
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			to = model.UTCMidnight(t)
		}
	}

	if slots, ok := h.cache.GetSearch(r.Context(), providerID, entity, from, to); ok {
		writeSlotList(w, slots)
		return
	}

	slots, err := h.slots.Search(r.Context(), h.db, storage.SlotFilter{
		ProviderID: providerID,
		EntityType: entity,
		From:       from,
		To:         to,
		OnlyOpen:   true,
	}, 100)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.cache.PutSearch(r.Context(), providerID, entity, from, to, slots)
	writeSlotList(w, slots)
}

func writeSlotList(w http.ResponseWriter, slots []model.Slot) {
	views := make([]slotView, 0, len(slots))
	for i := range slots {
		views = append(views, slotViewOf(&slots[i]))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"slots": views})
}
