package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestMessage(id, to string, createdAt time.Time) *Message {
	return &Message{
		ID:        id,
		ToAgentID: to,
		Status:    StatusQueued,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Envelope:  Envelope{Version: "1", To: to, From: "sender-a"},
	}
}

func TestClaimNextQueuedFIFO(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := newTestMessage(id, "agent-a", base.Add(time.Duration(i)*time.Second))
		if err := m.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	claimed, err := m.ClaimNextQueued(ctx, "agent-a", time.Minute, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != "m1" {
		t.Fatalf("expected oldest message m1 claimed first, got %+v", claimed)
	}
	if claimed.Status != StatusLeased {
		t.Fatalf("expected leased status, got %s", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", claimed.Attempts)
	}
}

func TestClaimNextQueuedConcurrentClaimsNeverOverlap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	const n = 50
	for i := 0; i < n; i++ {
		msg := newTestMessage(uniqueID(i), "agent-a", base.Add(time.Duration(i)*time.Millisecond))
		if err := m.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var wg sync.WaitGroup
	seen := make(chan string, n*2)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := m.ClaimNextQueued(ctx, "agent-a", time.Minute, base.Add(time.Hour))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if claimed == nil {
					return
				}
				seen <- claimed.ID
			}
		}()
	}
	wg.Wait()
	close(seen)

	counts := make(map[string]int)
	for id := range seen {
		counts[id]++
	}
	if len(counts) != n {
		t.Fatalf("expected %d distinct messages claimed, got %d", n, len(counts))
	}
	for id, c := range counts {
		if c != 1 {
			t.Fatalf("message %s claimed %d times, want exactly once", id, c)
		}
	}
}

func uniqueID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for j := range b {
		b[j] = letters[(i*7+j*13)%len(letters)]
	}
	return string(b) + "-" + string(rune('a'+i%26))
}

func TestExpireLeasesRequeues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	msg := newTestMessage("m1", "agent-a", base)
	if err := m.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.ClaimNextQueued(ctx, "agent-a", time.Second, base); err != nil {
		t.Fatalf("claim: %v", err)
	}
	count, err := m.ExpireLeases(ctx, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("expire leases: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 lease reclaimed, got %d", count)
	}
	got, err := m.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected requeued status, got %s", got.Status)
	}
	if got.LeaseUntil != nil {
		t.Fatal("expected lease cleared")
	}
}

func TestPurgeExpiredEphemeralMessagesOnAck(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	msg := newTestMessage("m1", "agent-a", base)
	msg.Ephemeral = true
	msg.Envelope.Body = []byte(`{"secret":"x"}`)
	if err := m.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	msg.Status = StatusAcked
	ackedAt := base
	msg.AckedAt = &ackedAt
	if err := m.UpdateMessage(ctx, msg); err != nil {
		t.Fatalf("update: %v", err)
	}
	count, err := m.PurgeExpiredEphemeralMessages(ctx, base)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 purged, got %d", count)
	}
	got, err := m.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPurged {
		t.Fatalf("expected purged status, got %s", got.Status)
	}
	if got.Envelope.Body != nil {
		t.Fatal("expected body purged")
	}
	if got.PurgeReason != PurgeReasonAcked {
		t.Fatalf("expected acked purge reason, got %s", got.PurgeReason)
	}
}

func TestBurnSingleUseKeyCASExactlyOneWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := &IssuedKey{KeyID: "k1", KeyHash: "hash1", SingleUse: true, CreatedAt: time.Now()}
	if err := m.CreateIssuedKey(ctx, key); err != nil {
		t.Fatalf("create key: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.BurnSingleUseKey(ctx, "k1", time.Now())
			if err != nil {
				t.Errorf("burn: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestBurnSingleUseKeyNotSingleUseAlwaysSucceeds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := &IssuedKey{KeyID: "k2", KeyHash: "hash2", SingleUse: false, CreatedAt: time.Now()}
	if err := m.CreateIssuedKey(ctx, key); err != nil {
		t.Fatalf("create key: %v", err)
	}
	for i := 0; i < 3; i++ {
		ok, err := m.BurnSingleUseKey(ctx, "k2", time.Now())
		if err != nil {
			t.Fatalf("burn: %v", err)
		}
		if !ok {
			t.Fatal("expected long-lived key to always succeed")
		}
	}
}

func TestCreateAgentRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := &Agent{AgentID: "agent-a", CreatedAt: time.Now()}
	if err := m.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateAgent(ctx, a); err != ErrConflict {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}
}

func TestGetAgentByDIDNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.GetAgentByDID(context.Background(), "did:seed:nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
