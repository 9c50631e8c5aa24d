package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventMeta is the envelope every message carries in headers: a globally
// unique event id for dedupe and the event type for routing.
type EventMeta struct {
	EventID   string
	EventType string
}

// ExtractEventMeta reads the envelope, falling back to the message key and
// topic for messages produced by tools that do not set headers.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	m := EventMeta{
		EventID:   HeaderValue(msg.Headers, "event_id"),
		EventType: HeaderValue(msg.Headers, "event_type"),
	}
	if m.EventID == "" {
		m.EventID = string(msg.Key)
	}
	if m.EventType == "" {
		m.EventType = msg.Topic
	}
	return m
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SplitBrokers parses the comma-separated KAFKA_BROKERS form.
func SplitBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
