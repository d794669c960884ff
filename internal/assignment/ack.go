package assignment

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Ack is the reply sent back to the chat collaborator after a command.
type Ack struct {
	Command  string `json:"command"`
	Username string `json:"username"`
	Action   string `json:"action"`
	Position int    `json:"position,omitempty"`
	Task     string `json:"task,omitempty"`
}

// Acknowledger delivers command acknowledgments. Delivery is best effort.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ack Ack) error
}

// QuotaError means the collaborator refused the acknowledgment because its
// own upstream quota is exhausted.
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("chat quota exceeded, retry after %s", e.RetryAfter)
	}
	return "chat quota exceeded"
}

// NoopAcknowledger drops every acknowledgment.
type NoopAcknowledger struct{}

func (NoopAcknowledger) Acknowledge(context.Context, Ack) error {
	return nil
}

// WebhookAcknowledger posts acknowledgments as JSON to a webhook.
type WebhookAcknowledger struct {
	client *resty.Client
	url    string
}

// NewWebhookAcknowledger creates an acknowledger posting to url.
func NewWebhookAcknowledger(url string, timeout time.Duration) *WebhookAcknowledger {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookAcknowledger{client: client, url: url}
}

func (a *WebhookAcknowledger) Acknowledge(ctx context.Context, ack Ack) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(ack).
		Post(a.url)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", ack.Command, err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return &QuotaError{RetryAfter: retryAfter(resp.Header().Get("Retry-After"))}
	case resp.IsError():
		return fmt.Errorf("acknowledge %s: unexpected status %d", ack.Command, resp.StatusCode())
	}
	return nil
}

// retryAfter understands the delay-seconds form of the header only.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
