// Package webhook delivers signed assessment events to an external consumer.
// Each event is POSTed as JSON with an HMAC-SHA256 signature over the body.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Webhook-ID"
	TimestampHeader = "X-Webhook-Timestamp"

	maxDeliveryLog = 100
)

// Event is the envelope sent to the consumer.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// DeliveryAttempt records the outcome of publishing one event.
type DeliveryAttempt struct {
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	StatusCode int           `json:"status_code"`
	Attempts   int           `json:"attempts"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// A "sha256=" prefix, as sent in the X-Signature header, is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithRetries sets the retry count and the initial wait between attempts.
// Retries happen on transport errors and 5xx responses.
func WithRetries(count int, wait time.Duration) Option {
	return func(p *Publisher) {
		p.client.SetRetryCount(count).
			SetRetryWaitTime(wait).
			SetRetryMaxWaitTime(wait * 8)
	}
}

// Publisher POSTs events to a single configured URL.
type Publisher struct {
	url    string
	secret string
	client *resty.Client
	now    func() time.Time

	mu         sync.Mutex
	deliveries []DeliveryAttempt
}

func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// NewPublisher validates the target URL and builds a publisher. An empty
// secret is rejected: consumers must be able to verify the sender.
func NewPublisher(rawURL, secret string, timeout time.Duration, opts ...Option) (*Publisher, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	p := &Publisher{url: rawURL, secret: secret, client: client, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Publish wraps payload in an Event, signs it and delivers it. Non-2xx
// responses are returned as errors after retries are exhausted.
func (p *Publisher) Publish(ctx context.Context, eventType, resourceID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	now := p.now().UTC()
	event := Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Payload:    raw,
		Timestamp:  now,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	attempt := DeliveryAttempt{EventID: event.ID, EventType: eventType, CreatedAt: now}
	start := time.Now()
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader(SignatureHeader, "sha256="+SignPayload(body, p.secret)).
		SetHeader(EventIDHeader, event.ID).
		SetHeader(TimestampHeader, now.Format(time.RFC3339)).
		SetBody(body).
		Post(p.url)
	attempt.Duration = time.Since(start)
	if resp != nil && resp.Request != nil {
		attempt.Attempts = resp.Request.Attempt
		attempt.StatusCode = resp.StatusCode()
	}

	switch {
	case err != nil:
		attempt.Error = err.Error()
		err = fmt.Errorf("deliver %s: %w", eventType, err)
	case !resp.IsSuccess():
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode())
		err = fmt.Errorf("deliver %s: %s", eventType, attempt.Error)
	default:
		attempt.Success = true
	}
	p.record(attempt)
	return err
}

func (p *Publisher) record(a DeliveryAttempt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveries = append(p.deliveries, a)
	if len(p.deliveries) > maxDeliveryLog {
		p.deliveries = p.deliveries[len(p.deliveries)-maxDeliveryLog:]
	}
}

// Deliveries returns the most recent delivery attempts, oldest first.
func (p *Publisher) Deliveries() []DeliveryAttempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeliveryAttempt, len(p.deliveries))
	copy(out, p.deliveries)
	return out
}
