package roundtable

import (
	"context"
	"testing"
	"time"

	"admp/internal/apierr"
	"admp/internal/group"
	"admp/internal/inbox"
	"admp/internal/store"
)

func newAgent(t *testing.T, repo store.Repository, id string, now time.Time) {
	t.Helper()
	if err := repo.CreateAgent(context.Background(), &store.Agent{
		AgentID:            id,
		RegistrationStatus: store.RegistrationApproved,
		CreatedAt:          now,
		UpdatedAt:          now,
	}); err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
}

func newServices(now time.Time) (*Service, store.Repository) {
	repo := store.NewMemory()
	clock := func() time.Time { return now }
	groupSvc := &group.Service{Repository: repo, Now: clock}
	inboxSvc := &inbox.Service{Repository: repo, Now: clock}
	return &Service{Repository: repo, Group: groupSvc, Inbox: inboxSvc, Now: clock}, repo
}

func TestCreateDropsUnknownParticipants(t *testing.T) {
	now := time.Now().UTC()
	svc, repo := newServices(now)
	newAgent(t, repo, "facilitator", now)
	newAgent(t, repo, "p1", now)

	result, err := svc.Create(context.Background(), CreateOptions{
		Facilitator:  "facilitator",
		Topic:        "topic",
		Goal:         "goal",
		Participants: []string{"p1", "ghost"},
		TimeoutMin:   60,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(result.ExcludedParticipants) != 1 || result.ExcludedParticipants[0] != "ghost" {
		t.Fatalf("expected ghost excluded, got %v", result.ExcludedParticipants)
	}
	if result.RoundTable.Status != store.RoundTableOpen {
		t.Fatalf("expected open status, got %s", result.RoundTable.Status)
	}
	if result.RoundTable.IsParticipant("facilitator") == false {
		t.Fatal("expected facilitator counted as participant")
	}
	if _, ok := result.RoundTable.Participants["facilitator"]; ok {
		t.Fatal("facilitator must not appear in the Participants set itself")
	}
}

func TestCreateFailsWhenZeroEnrolled(t *testing.T) {
	now := time.Now().UTC()
	svc, repo := newServices(now)
	newAgent(t, repo, "facilitator", now)

	_, err := svc.Create(context.Background(), CreateOptions{
		Facilitator:  "facilitator",
		Topic:        "topic",
		Goal:         "goal",
		Participants: []string{"ghost1", "ghost2"},
		TimeoutMin:   60,
	})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeCreateRoundTableFailed {
		t.Fatalf("expected CREATE_ROUND_TABLE_FAILED, got %v", err)
	}
	groups, _ := repo.ListGroups(context.Background())
	if len(groups) != 0 {
		t.Fatalf("expected the partially-created group rolled back, found %d groups", len(groups))
	}
}

func TestSpeakThreadCapEnforced(t *testing.T) {
	now := time.Now().UTC()
	svc, repo := newServices(now)
	newAgent(t, repo, "facilitator", now)
	newAgent(t, repo, "p1", now)

	result, err := svc.Create(context.Background(), CreateOptions{
		Facilitator:  "facilitator",
		Topic:        "t",
		Goal:         "g",
		Participants: []string{"p1"},
		TimeoutMin:   60,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rt := result.RoundTable
	for i := 0; i < store.RoundTableMaxThread; i++ {
		if _, err := svc.Speak(context.Background(), rt.ID, "p1", []byte(`{}`)); err != nil {
			t.Fatalf("speak %d: %v", i, err)
		}
	}
	_, err = svc.Speak(context.Background(), rt.ID, "p1", []byte(`{}`))
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeRoundTableThreadFull {
		t.Fatalf("expected ROUND_TABLE_THREAD_FULL, got %v", err)
	}
}

func TestResolveRequiresFacilitatorAndOutcome(t *testing.T) {
	now := time.Now().UTC()
	svc, repo := newServices(now)
	newAgent(t, repo, "facilitator", now)
	newAgent(t, repo, "p1", now)

	result, err := svc.Create(context.Background(), CreateOptions{
		Facilitator:  "facilitator",
		Topic:        "t",
		Goal:         "g",
		Participants: []string{"p1"},
		TimeoutMin:   60,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rt := result.RoundTable

	if _, err := svc.Resolve(context.Background(), rt.ID, "p1", []byte(`{"ok":true}`)); err == nil {
		t.Fatal("expected non-facilitator resolve rejected")
	}
	resolved, err := svc.Resolve(context.Background(), rt.ID, "facilitator", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != store.RoundTableResolved {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}
}

func TestExpireNotifiesFacilitatorAndParticipants(t *testing.T) {
	now := time.Now().UTC()
	svc, repo := newServices(now)
	newAgent(t, repo, "facilitator", now)
	newAgent(t, repo, "p1", now)

	result, err := svc.Create(context.Background(), CreateOptions{
		Facilitator:  "facilitator",
		Topic:        "t",
		Goal:         "g",
		Participants: []string{"p1"},
		TimeoutMin:   60,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	expired, err := svc.ExpireOne(context.Background(), result.RoundTable)
	if err != nil || !expired {
		t.Fatalf("expire: %v, %v", expired, err)
	}
	if result.RoundTable.Status != store.RoundTableExpired {
		t.Fatalf("expected expired status, got %s", result.RoundTable.Status)
	}

	inboxSvc := svc.Inbox
	facilitatorMsg, err := inboxSvc.Pull(context.Background(), "facilitator", 60*time.Second)
	if err != nil || facilitatorMsg == nil {
		t.Fatalf("expected facilitator notified: %v", err)
	}
	if facilitatorMsg.Envelope.Type != "notification" {
		t.Fatalf("expected notification type, got %s", facilitatorMsg.Envelope.Type)
	}
	p1Msg, err := inboxSvc.Pull(context.Background(), "p1", 60*time.Second)
	if err != nil || p1Msg == nil {
		t.Fatalf("expected participant notified: %v", err)
	}
}
