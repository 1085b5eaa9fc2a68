// Package webhook delivers signed JSON events over HTTP. Each body is signed
// with HMAC-SHA256 and sent with a delivery id and timestamp so the receiver
// can authenticate and deduplicate it.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Event is the envelope posted to the endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Attempt records one HTTP delivery.
type Attempt struct {
	Number     int
	StatusCode int
	Duration   time.Duration
	Err        error
}

// DeliveryError is returned when every attempt failed.
type DeliveryError struct {
	URL      string
	Attempts []Attempt
}

func (e *DeliveryError) Error() string {
	last := e.Attempts[len(e.Attempts)-1]
	if last.Err != nil {
		return fmt.Sprintf("webhook %s: %d attempt(s), last: %v", e.URL, len(e.Attempts), last.Err)
	}
	return fmt.Sprintf("webhook %s: %d attempt(s), last status %d", e.URL, len(e.Attempts), last.StatusCode)
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" or bare hex signature.
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithRetryDelays sets the waits between attempts; len(delays)+1 attempts
// are made in total.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(s *Sender) { s.retryDelays = delays }
}

// Sender posts events to one endpoint.
type Sender struct {
	url         string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
}

// NewSender validates rawURL and returns a Sender. An empty secret sends
// unsigned requests.
func NewSender(rawURL, secret string, opts ...Option) (*Sender, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https, got %q", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL has no host: %q", rawURL)
	}
	s := &Sender{
		url:         rawURL,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{200 * time.Millisecond, time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// URL returns the endpoint.
func (s *Sender) URL() string { return s.url }

// Send posts event, retrying network errors and 5xx responses until ctx ends
// or the retry budget is spent. 4xx responses are not retried.
func (s *Sender) Send(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	derr := &DeliveryError{URL: s.url}
	for i := 0; ; i++ {
		a := s.attempt(ctx, event, body)
		a.Number = i + 1
		derr.Attempts = append(derr.Attempts, a)
		if a.Err == nil && a.StatusCode >= 200 && a.StatusCode < 300 {
			return nil
		}
		if a.Err == nil && a.StatusCode < 500 {
			return derr
		}
		if i >= len(s.retryDelays) {
			return derr
		}
		select {
		case <-ctx.Done():
			return errors.Join(derr, ctx.Err())
		case <-time.After(s.retryDelays[i]):
		}
	}
}

func (s *Sender) attempt(ctx context.Context, event Event, body []byte) Attempt {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Attempt{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, event.ID)
	req.Header.Set(HeaderTimestamp, event.Timestamp.Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(body, s.secret))
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	a := Attempt{Duration: time.Since(start), Err: err}
	if err != nil {
		return a
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	a.StatusCode = resp.StatusCode
	return a
}
