package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/careloop-health/careslot/services/notification-service/internal/email"
	"github.com/careloop-health/careslot/services/notification-service/internal/sms"
	"github.com/careloop-health/careslot/services/notification-service/internal/storage"
)

// BookingEvent is the decoded payload shared by every booking lifecycle
// topic. Recipient fields are optional: a manual walk-in booking has no
// patient contact at all, and that is a skip, not a failure.
type BookingEvent struct {
	BookingCode    string         `json:"booking_code"`
	ProviderID     string         `json:"provider_id"`
	BookingDate    string         `json:"booking_date"`
	Window         string         `json:"window"`
	Status         string         `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	RecipientEmail string         `json:"recipient_email,omitempty"`
	RecipientPhone string         `json:"recipient_phone,omitempty"`
	Old            map[string]any `json:"old,omitempty"`
}

const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Dispatcher turns booking events into patient-facing messages. Everything
// is best-effort: the outcome lands in the notifications table either way.
type Dispatcher struct {
	email  email.Sender
	sms    sms.Sender
	store  *storage.Repository
	logger *slog.Logger
}

func New(emailSender email.Sender, smsSender sms.Sender, store *storage.Repository, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{email: emailSender, sms: smsSender, store: store, logger: logger}
}

// Dispatch sends the message for one event and records the outcome. The
// returned status is one of StatusSent/StatusFailed/StatusSkipped.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, evt BookingEvent) (string, error) {
	subject, body := compose(eventType, evt)

	status := StatusSkipped
	reason := ""
	channel := ""
	recipient := ""

	switch {
	case strings.TrimSpace(evt.RecipientEmail) != "":
		channel = "email"
		recipient = evt.RecipientEmail
		if err := d.email.Send(recipient, subject, body); err != nil {
			status = StatusFailed
			reason = err.Error()
			d.logger.Error("email send failed", "booking", evt.BookingCode, "err", err)
		} else {
			status = StatusSent
		}
	case strings.TrimSpace(evt.RecipientPhone) != "":
		channel = "sms"
		recipient = evt.RecipientPhone
		if err := d.sms.Send(ctx, recipient, body); err != nil {
			status = StatusFailed
			reason = err.Error()
			d.logger.Error("sms send failed", "booking", evt.BookingCode, "err", err)
		} else {
			status = StatusSent
		}
	default:
		reason = "no recipient contact on event"
	}

	err := d.store.Insert(ctx, storage.Notification{
		BookingCode: evt.BookingCode,
		EventType:   eventType,
		Channel:     channel,
		Recipient:   recipient,
		Payload:     map[string]any{"subject": subject, "body": body},
		Status:      status,
		Reason:      reason,
	})
	if err != nil {
		return status, fmt.Errorf("persist notification: %w", err)
	}
	return status, nil
}

func compose(eventType string, evt BookingEvent) (subject, body string) {
	when := evt.BookingDate
	if evt.Window != "" {
		when += " " + evt.Window
	}
	switch {
	case strings.Contains(eventType, "created"):
		subject = "Appointment confirmed: " + evt.BookingCode
		body = fmt.Sprintf("Your appointment %s is confirmed for %s.", evt.BookingCode, when)
	case strings.Contains(eventType, "cancelled"):
		subject = "Appointment cancelled: " + evt.BookingCode
		body = fmt.Sprintf("Your appointment %s has been cancelled.", evt.BookingCode)
		if evt.Reason != "" {
			body += " Reason: " + evt.Reason + "."
		}
	case strings.Contains(eventType, "rescheduled"):
		subject = "Appointment rescheduled: " + evt.BookingCode
		body = fmt.Sprintf("Your appointment %s has been moved to %s.", evt.BookingCode, when)
		if old, ok := evt.Old["date"].(string); ok && old != "" {
			body += " Previously: " + old
			if oldWin, ok := evt.Old["window"].(string); ok && oldWin != "" {
				body += " " + oldWin
			}
			body += "."
		}
		if evt.Reason != "" {
			body += " Reason: " + evt.Reason + "."
		}
	default:
		subject = "Appointment update: " + evt.BookingCode
		body = fmt.Sprintf("Your appointment %s is now %s.", evt.BookingCode, evt.Status)
	}
	return subject, body
}
