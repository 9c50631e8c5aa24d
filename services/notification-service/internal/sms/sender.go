package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Sender interface {
	Send(ctx context.Context, to, body string) error
	ProviderID() string
}

// WebhookSender posts messages to an SMS gateway webhook. The gateway owns
// delivery; a 2xx here only means the message was accepted.
type WebhookSender struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookSender(url, token string) *WebhookSender {
	return &WebhookSender{
		url:    strings.TrimSpace(url),
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookSender) ProviderID() string { return "sms-webhook" }

func (s *WebhookSender) Send(ctx context.Context, to, body string) error {
	if s.url == "" {
		return errors.New("sms webhook url not configured")
	}
	raw, err := json.Marshal(map[string]string{"to": to, "body": body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sms webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NoopSender stands in when no gateway is configured; sends succeed silently
// so the pipeline can be exercised in dev.
type NoopSender struct{}

func NewNoopSender() *NoopSender { return &NoopSender{} }

func (NoopSender) ProviderID() string { return "sms-noop" }

func (NoopSender) Send(context.Context, string, string) error { return nil }
