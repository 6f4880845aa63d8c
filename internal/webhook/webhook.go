// Package webhook delivers a fire-and-forget HMAC-signed notification
// when a message lands in an agent's inbox (spec.md §4.5). The
// HMAC-signature construction mirrors internal/billing's Stripe
// webhook-signing shape (mirrored, not reused, since ADMP signs
// outbound requests rather than verifying inbound ones).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"admp/internal/crypto"
	"admp/internal/envelope"
	"admp/internal/store"
)

const (
	maxAttempts        = 3
	defaultHTTPTimeout = 10 * time.Second
)

var backoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Pusher implements inbox.Notifier.
type Pusher struct {
	HTTPTimeout time.Duration
	Sleep       func(d time.Duration)
}

func (p *Pusher) timeout() time.Duration {
	if p.HTTPTimeout > 0 {
		return p.HTTPTimeout
	}
	return defaultHTTPTimeout
}

func (p *Pusher) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

// payload is the wire shape delivered to the recipient's webhook_url
// (spec.md §4.5).
type payload struct {
	MessageID string         `json:"message_id"`
	Envelope  store.Envelope `json:"envelope"`
	Signature string         `json:"signature,omitempty"`
}

// Notify attempts delivery up to maxAttempts times with the backoff
// schedule from spec.md §4.5. It never returns an error to the caller:
// send must not block or fail on webhook outcome.
func (p *Pusher) Notify(ctx context.Context, agent *store.Agent, msg *store.Message) {
	if agent == nil || agent.WebhookURL == "" {
		return
	}
	body, err := buildPayload(agent, msg)
	if err != nil {
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.deliverOnce(ctx, agent.WebhookURL, body, msg.ID, attempt) {
			return
		}
		if attempt < maxAttempts {
			p.sleep(backoff[attempt-1])
		}
	}
}

func buildPayload(agent *store.Agent, msg *store.Message) ([]byte, error) {
	pl := payload{MessageID: msg.ID, Envelope: msg.Envelope}
	if agent.WebhookSecret != "" {
		unsigned, err := json.Marshal(pl)
		if err != nil {
			return nil, err
		}
		canonical, err := envelope.CanonicalJSON(unsigned)
		if err != nil {
			return nil, err
		}
		pl.Signature = crypto.HMACSHA256Hex([]byte(agent.WebhookSecret), canonical)
	}
	return json.Marshal(pl)
}

func (p *Pusher) deliverOnce(ctx context.Context, url string, body []byte, messageID string, attempt int) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ADMP-Event", "message.received")
	req.Header.Set("X-ADMP-Message-ID", messageID)
	req.Header.Set("X-ADMP-Delivery-Attempt", strconv.Itoa(attempt))

	client := &http.Client{Timeout: p.timeout()}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
