// Package notify delivers operational and compliance alerts to configured
// webhook sinks. Dispatch failures are reported to the caller but must never
// block or fail the operation that raised the alert.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/medbridge/ehrsync/internal/platform/signature"
)

// Alert kinds.
const (
	KindComplianceIncident = "compliance_incident"
	KindCriticalError      = "critical_error"
	KindJobFailure         = "job_failure"
)

// Message is a single outbound alert.
type Message struct {
	Kind     string            `json:"kind"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Severity string            `json:"severity,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Notifier dispatches alerts to an external channel.
type Notifier interface {
	Dispatch(ctx context.Context, msg Message) error
}

// ---------------------------------------------------------------------------
// WebhookNotifier
// ---------------------------------------------------------------------------

// Option configures a WebhookNotifier.
type Option func(*WebhookNotifier)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *WebhookNotifier) { n.httpClient = c }
}

// WithSigning enables HMAC signing of the request body.
func WithSigning(secret, header, algo string) Option {
	return func(n *WebhookNotifier) {
		n.secret = secret
		n.header = header
		n.algo = algo
	}
}

// WebhookNotifier POSTs alerts as JSON to a fixed URL, optionally signing the
// body the same way inbound webhooks are verified.
type WebhookNotifier struct {
	url        string
	secret     string
	header     string
	algo       string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier targeting url.
func NewWebhookNotifier(url string, opts ...Option) *WebhookNotifier {
	n := &WebhookNotifier{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Dispatch delivers one alert. Non-2xx responses are errors.
func (n *WebhookNotifier) Dispatch(ctx context.Context, msg Message) error {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(n.header, n.algo+"="+signature.Sign(payload, n.secret, n.algo))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert sink returned %d", resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Multi / Nop
// ---------------------------------------------------------------------------

// Multi fans one alert out to several notifiers. All are attempted; errors
// are joined.
type Multi []Notifier

func (m Multi) Dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Dispatch(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards all alerts. Used when no sink is configured.
type Nop struct{}

func (Nop) Dispatch(context.Context, Message) error { return nil }

// ---------------------------------------------------------------------------
// Mock (test double)
// ---------------------------------------------------------------------------

// Mock records dispatched alerts for assertions.
type Mock struct {
	mu         sync.Mutex
	calls      []Message
	ShouldFail bool
	FailError  string
}

// Dispatch records the call and optionally returns an error.
func (m *Mock) Dispatch(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msg)
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded alerts.
func (m *Mock) Calls() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.calls))
	copy(out, m.calls)
	return out
}
