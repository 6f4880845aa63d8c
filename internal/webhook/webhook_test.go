package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"admp/internal/crypto"
	"admp/internal/envelope"
	"admp/internal/store"
)

func testMessage(t *testing.T) *store.Message {
	t.Helper()
	return &store.Message{
		ID: "msg-1",
		Envelope: store.Envelope{
			Version:   "1.0",
			From:      "sender",
			To:        "recipient",
			Subject:   "hi",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Body:      json.RawMessage(`{"x":1}`),
		},
	}
}

func TestNotifySignsPayloadWhenSecretSet(t *testing.T) {
	var received payload
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := &store.Agent{AgentID: "recipient", WebhookURL: srv.URL, WebhookSecret: "s3cr3t"}
	msg := testMessage(t)

	p := &Pusher{Sleep: func(time.Duration) {}}
	p.Notify(context.Background(), agent, msg)

	if received.MessageID != "msg-1" {
		t.Fatalf("unexpected message id: %+v", received)
	}
	if received.Signature == "" {
		t.Fatal("expected a signature when webhook_secret is set")
	}
	if gotHeaders.Get("X-ADMP-Event") != "message.received" {
		t.Fatalf("unexpected event header: %v", gotHeaders.Get("X-ADMP-Event"))
	}
	if gotHeaders.Get("X-ADMP-Message-ID") != "msg-1" {
		t.Fatalf("unexpected message-id header: %v", gotHeaders.Get("X-ADMP-Message-ID"))
	}
	if gotHeaders.Get("X-ADMP-Delivery-Attempt") != "1" {
		t.Fatalf("expected first attempt, got %v", gotHeaders.Get("X-ADMP-Delivery-Attempt"))
	}

	unsigned, _ := json.Marshal(payload{MessageID: received.MessageID, Envelope: received.Envelope})
	canonical, _ := envelope.CanonicalJSON(unsigned)
	want := crypto.HMACSHA256Hex([]byte("s3cr3t"), canonical)
	if !crypto.HMACEqual(received.Signature, want) {
		t.Fatalf("signature mismatch: got %s want %s", received.Signature, want)
	}
}

func TestNotifyOmitsSignatureWhenNoSecret(t *testing.T) {
	var received payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := &store.Agent{AgentID: "recipient", WebhookURL: srv.URL}
	p := &Pusher{Sleep: func(time.Duration) {}}
	p.Notify(context.Background(), agent, testMessage(t))

	if received.Signature != "" {
		t.Fatalf("expected no signature without a webhook secret, got %q", received.Signature)
	}
}

func TestNotifyRetriesThreeTimesThenGivesUp(t *testing.T) {
	var attempts int32
	var sleeps []time.Duration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	agent := &store.Agent{AgentID: "recipient", WebhookURL: srv.URL}
	p := &Pusher{Sleep: func(d time.Duration) { sleeps = append(sleeps, d) }}
	p.Notify(context.Background(), agent, testMessage(t))

	if got := atomic.LoadInt32(&attempts); got != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, got)
	}
	if len(sleeps) != maxAttempts-1 {
		t.Fatalf("expected %d backoff sleeps, got %d: %v", maxAttempts-1, len(sleeps), sleeps)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	for i, w := range want {
		if sleeps[i] != w {
			t.Fatalf("backoff[%d] = %v, want %v", i, sleeps[i], w)
		}
	}
}

func TestNotifySucceedsOnSecondAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := &store.Agent{AgentID: "recipient", WebhookURL: srv.URL}
	p := &Pusher{Sleep: func(time.Duration) {}}
	p.Notify(context.Background(), agent, testMessage(t))

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestNotifyNoopWithoutWebhookURL(t *testing.T) {
	agent := &store.Agent{AgentID: "recipient"}
	p := &Pusher{}
	p.Notify(context.Background(), agent, testMessage(t))
}
