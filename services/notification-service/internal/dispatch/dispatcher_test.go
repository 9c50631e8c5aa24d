package dispatch

import (
	"strings"
	"testing"
)

func TestComposeCreated(t *testing.T) {
	evt := BookingEvent{
		BookingCode: "BK-abc123",
		BookingDate: "2026-06-01",
		Window:      "09:00-17:00",
		Status:      "confirmed",
	}
	subject, body := compose("scheduling.booking.created.v1", evt)
	if !strings.Contains(subject, "confirmed") || !strings.Contains(subject, "BK-abc123") {
		t.Fatalf("subject = %q", subject)
	}
	if !strings.Contains(body, "2026-06-01 09:00-17:00") {
		t.Fatalf("body must carry date and window, got %q", body)
	}
}

func TestComposeCancelledWithReason(t *testing.T) {
	evt := BookingEvent{BookingCode: "BK-abc123", Reason: "clinic closed"}
	_, body := compose("scheduling.booking.cancelled.v1", evt)
	if !strings.Contains(body, "cancelled") || !strings.Contains(body, "clinic closed") {
		t.Fatalf("body = %q", body)
	}
}

func TestComposeRescheduledMentionsOldSlot(t *testing.T) {
	evt := BookingEvent{
		BookingCode: "BK-abc123",
		BookingDate: "2026-06-02",
		Window:      "09:00-12:00",
		Old:         map[string]any{"date": "2026-06-01", "window": "13:00-17:00"},
	}
	_, body := compose("scheduling.booking.rescheduled.v1", evt)
	if !strings.Contains(body, "2026-06-02 09:00-12:00") {
		t.Fatalf("body missing new time: %q", body)
	}
	if !strings.Contains(body, "2026-06-01 13:00-17:00") {
		t.Fatalf("body missing previous time: %q", body)
	}
}

func TestComposeStatusFallback(t *testing.T) {
	evt := BookingEvent{BookingCode: "BK-abc123", Status: "no_show"}
	subject, body := compose("scheduling.booking.status.v1", evt)
	if !strings.Contains(subject, "update") {
		t.Fatalf("subject = %q", subject)
	}
	if !strings.Contains(body, "no_show") {
		t.Fatalf("body = %q", body)
	}
}
