// Package roundtable implements short-lived deliberation sessions on top
// of groups (spec.md §4.4). Its in-memory liveness bookkeeping shape
// (a map keyed by session ID, guarded against concurrent speak/resolve)
// is grounded on the teacher's internal/mcp session-tracking pattern.
package roundtable

import (
	"context"
	"time"

	"github.com/google/uuid"

	"admp/internal/apierr"
	"admp/internal/envelope"
	"admp/internal/group"
	"admp/internal/inbox"
	"admp/internal/store"
)

const (
	MaxTopicLen       = 500
	MaxGoalLen        = 500
	MinParticipants   = 1
	MaxParticipants   = 20
	MinTimeoutMinutes = 1
	MaxTimeoutMinutes = 10080
)

type Service struct {
	Repository store.Repository
	Group      *group.Service
	Inbox      *inbox.Service
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// CreateOptions carries round-table creation parameters (spec.md §4.4).
type CreateOptions struct {
	Facilitator  string
	Topic        string
	Goal         string
	Participants []string
	TimeoutMin   int
}

// CreateResult is Create's return value: the session plus any
// participants dropped for being unknown agents.
type CreateResult struct {
	RoundTable           *store.RoundTable
	ExcludedParticipants []string
}

func (s *Service) Create(ctx context.Context, opts CreateOptions) (CreateResult, error) {
	if opts.Topic == "" || len(opts.Topic) > MaxTopicLen {
		return CreateResult{}, apierr.New(apierr.CodeCreateRoundTableFailed, 400, "topic must be 1-500 characters")
	}
	if opts.Goal == "" || len(opts.Goal) > MaxGoalLen {
		return CreateResult{}, apierr.New(apierr.CodeCreateRoundTableFailed, 400, "goal must be 1-500 characters")
	}
	if opts.TimeoutMin < MinTimeoutMinutes || opts.TimeoutMin > MaxTimeoutMinutes {
		return CreateResult{}, apierr.New(apierr.CodeCreateRoundTableFailed, 400, "timeout_min must be 1-10080")
	}

	dedup := dedupeExcludingFacilitator(opts.Participants, opts.Facilitator)
	if len(dedup) == 0 || len(dedup) > MaxParticipants {
		return CreateResult{}, apierr.New(apierr.CodeCreateRoundTableFailed, 400, "participant list must have 1-20 distinct entries excluding the facilitator")
	}

	now := s.now()
	g, err := s.Group.Create(ctx, group.CreateOptions{
		Name:       "round-table-" + uuid.NewString(),
		Access:     store.AccessInviteOnly,
		OwnerID:    opts.Facilitator,
		MaxMembers: len(dedup) + 1,
	})
	if err != nil {
		return CreateResult{}, apierr.New(apierr.CodeCreateRoundTableFailed, 400, "unable to create backing group")
	}

	var enrolled, excluded []string
	for _, p := range dedup {
		if _, err := s.Repository.GetAgent(ctx, p); err != nil {
			excluded = append(excluded, p)
			continue
		}
		if err := s.Group.AddMember(ctx, g.ID, opts.Facilitator, p, store.RoleMember); err != nil {
			excluded = append(excluded, p)
			continue
		}
		enrolled = append(enrolled, p)
	}

	if len(enrolled) == 0 {
		_ = s.Repository.DeleteGroup(ctx, g.ID)
		return CreateResult{ExcludedParticipants: excluded}, apierr.New(apierr.CodeCreateRoundTableFailed, 400, "no participants could be enrolled")
	}

	participants := make(map[string]struct{}, len(enrolled))
	for _, p := range enrolled {
		participants[p] = struct{}{}
	}

	rt := &store.RoundTable{
		ID:           uuid.NewString(),
		Facilitator:  opts.Facilitator,
		Participants: participants,
		Topic:        opts.Topic,
		Goal:         opts.Goal,
		Status:       store.RoundTableOpen,
		ExpiresAt:    now.Add(time.Duration(opts.TimeoutMin) * time.Minute),
		GroupID:      g.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Repository.CreateRoundTable(ctx, rt); err != nil {
		return CreateResult{}, apierr.Internal(err)
	}
	return CreateResult{RoundTable: rt, ExcludedParticipants: excluded}, nil
}

func dedupeExcludingFacilitator(participants []string, facilitator string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range participants {
		if p == facilitator || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Speak appends a message to the thread (spec.md §4.4).
func (s *Service) Speak(ctx context.Context, roundTableID, agentID string, body []byte) (*store.RoundTable, error) {
	rt, err := s.Repository.GetRoundTable(ctx, roundTableID)
	if err != nil {
		return nil, apierr.New(apierr.CodeRoundTableNotFound, 404, "round table not found")
	}
	if rt.Status != store.RoundTableOpen {
		return nil, apierr.New(apierr.CodeRoundTableClosed, 403, "round table is not open")
	}
	if !rt.IsParticipant(agentID) {
		return nil, apierr.New(apierr.CodeRoundTableForbidden, 403, "agent is not a participant in this round table")
	}
	if len(rt.Thread) >= store.RoundTableMaxThread {
		return nil, apierr.New(apierr.CodeRoundTableThreadFull, 409, "round table thread is full")
	}
	rt.Thread = append(rt.Thread, store.ThreadEntry{From: agentID, Body: body, At: s.now()})
	rt.UpdatedAt = s.now()
	if err := s.Repository.UpdateRoundTable(ctx, rt); err != nil {
		return nil, apierr.Internal(err)
	}
	return rt, nil
}

// Resolve marks a round table resolved with an outcome; only the
// facilitator may resolve (spec.md §4.4).
func (s *Service) Resolve(ctx context.Context, roundTableID, agentID string, outcome []byte) (*store.RoundTable, error) {
	rt, err := s.Repository.GetRoundTable(ctx, roundTableID)
	if err != nil {
		return nil, apierr.New(apierr.CodeRoundTableNotFound, 404, "round table not found")
	}
	if agentID != rt.Facilitator {
		return nil, apierr.New(apierr.CodeRoundTableForbidden, 403, "only the facilitator may resolve")
	}
	if rt.Status != store.RoundTableOpen {
		return nil, apierr.New(apierr.CodeRoundTableClosed, 403, "round table is not open")
	}
	if len(outcome) == 0 {
		return nil, apierr.New(apierr.CodeCreateRoundTableFailed, 400, "an outcome is required to resolve")
	}
	rt.Status = store.RoundTableResolved
	rt.Outcome = outcome
	rt.UpdatedAt = s.now()
	if err := s.Repository.UpdateRoundTable(ctx, rt); err != nil {
		return nil, apierr.Internal(err)
	}
	return rt, nil
}

// ExpireOne marks a single round table expired and notifies every
// participant plus the facilitator (spec.md §4.4, §4.6 round-table
// expiry sweep). Returns false if rt was not eligible (already
// non-open).
func (s *Service) ExpireOne(ctx context.Context, rt *store.RoundTable) (bool, error) {
	if rt.Status != store.RoundTableOpen {
		return false, nil
	}
	rt.Status = store.RoundTableExpired
	rt.UpdatedAt = s.now()
	if err := s.Repository.UpdateRoundTable(ctx, rt); err != nil {
		return false, err
	}

	if s.Inbox == nil {
		return true, nil
	}
	body := []byte(`{"round_table_id":"` + rt.ID + `","reason":"timeout"}`)
	recipients := make([]string, 0, len(rt.Participants)+1)
	recipients = append(recipients, rt.Facilitator)
	for p := range rt.Participants {
		recipients = append(recipients, p)
	}
	for _, to := range recipients {
		env := store.Envelope{
			Version:   envelope.CurrentVersion,
			From:      rt.Facilitator,
			To:        to,
			Subject:   "round table expired",
			Timestamp: s.now().Format(time.RFC3339),
			Type:      "notification",
			Body:      body,
		}
		_, _ = s.Inbox.Send(ctx, env, inbox.SendOptions{})
	}
	return true, nil
}
