package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// =========== Signature Tests ===========

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"status":"COMPLETED"}`)
	sig := SignPayload(payload, "s3cret")

	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected bare signature to verify")
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

// =========== NewSender Tests ===========

func TestNewSender_ValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://ris/", "http://", "://bad"} {
		if _, err := NewSender(raw, ""); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
	if _, err := NewSender("https://ris.example.org/mpps", ""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// =========== Send Tests ===========

func TestSend_SignsAndPosts(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature(body, "s3cret", r.Header.Get(HeaderSignature)) {
			t.Error("signature did not verify")
		}
		if r.Header.Get(HeaderID) == "" || r.Header.Get(HeaderTimestamp) == "" {
			t.Error("expected delivery id and timestamp headers")
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewSender(srv.URL, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	err = s.Send(context.Background(), Event{
		Type:    "mpps.status",
		Subject: "1.2.3",
		Payload: json.RawMessage(`{"performed_status":"COMPLETED"}`),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Type != "mpps.status" || got.Subject != "1.2.3" || got.ID == "" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := NewSender(srv.URL, "", WithRetryDelays(time.Millisecond, time.Millisecond))
	if err := s.Send(context.Background(), Event{Type: "t"}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestSend_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, _ := NewSender(srv.URL, "", WithRetryDelays(time.Millisecond))
	err := s.Send(context.Background(), Event{Type: "t"})

	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if len(derr.Attempts) != 1 || derr.Attempts[0].StatusCode != http.StatusNotFound {
		t.Errorf("unexpected attempts %+v", derr.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestSend_GivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, _ := NewSender(srv.URL, "", WithRetryDelays(time.Millisecond, time.Millisecond))
	err := s.Send(context.Background(), Event{Type: "t"})

	var derr *DeliveryError
	if !errors.As(err, &derr) || len(derr.Attempts) != 3 {
		t.Fatalf("expected 3 failed attempts, got %v", err)
	}
}

func TestSend_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, _ := NewSender(srv.URL, "", WithRetryDelays(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, Event{Type: "t"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("expected Send to return promptly after cancel")
	}
}
