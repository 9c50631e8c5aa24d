package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/careloop-health/careslot/libs/httpx"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/booking"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/slotledger"
)

// writeServiceError maps core errors to HTTP. Unrecognized errors become an
// opaque 500; the detail stays in the log.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, slotledger.ErrSlotNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, booking.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, booking.ErrManualBookingNotCancellable):
		httpx.WriteError(w, http.StatusForbidden, "manual_booking", err.Error())
	case errors.Is(err, booking.ErrIllegalTransition):
		httpx.WriteError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, booking.ErrNotCancellable):
		httpx.WriteError(w, http.StatusConflict, "not_cancellable", err.Error())
	case errors.Is(err, booking.ErrSameSlot):
		httpx.WriteError(w, http.StatusConflict, "same_slot", err.Error())
	case errors.Is(err, booking.ErrNewSlotFull):
		httpx.WriteError(w, http.StatusConflict, "new_slot_full", err.Error())
	case errors.Is(err, slotledger.ErrCapacityExhausted):
		httpx.WriteError(w, http.StatusConflict, "capacity_exhausted", err.Error())
	case errors.Is(err, slotledger.ErrWindowNotOffered):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "window_not_offered", err.Error())
	case errors.Is(err, slotledger.ErrMatcherRequired):
		httpx.WriteError(w, http.StatusBadRequest, "window_required", err.Error())
	case errors.Is(err, booking.ErrProviderUnverified):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "provider_unverified", err.Error())
	case errors.Is(err, booking.ErrSlotNotBookable), errors.Is(err, booking.ErrNewSlotNotBookable),
		errors.Is(err, slotledger.ErrSlotInactive), errors.Is(err, booking.ErrPastBooking):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "not_bookable", err.Error())
	case errors.Is(err, booking.ErrUnsupportedPaymentMethod), errors.Is(err, booking.ErrNegativeAmount):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		logger.Error("request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
