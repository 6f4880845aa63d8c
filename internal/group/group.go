// Package group implements group CRUD, role-gated membership, and
// message fanout over the inbox engine (spec.md §4.3). Its dedup-by-id
// history query mirrors the teacher's one-row-per-logical-entity
// convention in internal/store.
package group

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	"admp/internal/apierr"
	"admp/internal/crypto"
	"admp/internal/envelope"
	"admp/internal/inbox"
	"admp/internal/store"
)

const (
	MaxNameLen    = 100
	MaxSubjectLen = 200
	MaxBodyBytes  = 1 << 20
)

// nameSyntax is the group name charset rule (spec.md §4.3): letters,
// digits, spaces, dot, underscore, and hyphen.
var nameSyntax = regexp.MustCompile(`^[A-Za-z0-9 ._-]+$`)

type Service struct {
	Repository store.Repository
	Inbox      *inbox.Service
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// CreateOptions carries group-creation parameters (spec.md §4.3).
type CreateOptions struct {
	Name       string
	Access     store.AccessType
	JoinKey    string
	OwnerID    string
	MaxMembers int
}

func (s *Service) Create(ctx context.Context, opts CreateOptions) (*store.Group, error) {
	if opts.Name == "" {
		return nil, apierr.New(apierr.CodeInvalidName, 400, "group name is required")
	}
	if len(opts.Name) > MaxNameLen {
		return nil, apierr.New(apierr.CodeNameTooLong, 400, "group name exceeds 100 characters")
	}
	if !nameSyntax.MatchString(opts.Name) {
		return nil, apierr.New(apierr.CodeInvalidNameChars, 400, "group name contains disallowed characters")
	}
	if err := envelope.ValidAgentID(opts.OwnerID, false); err != nil {
		return nil, err
	}

	now := s.now()
	g := &store.Group{
		ID:     uuid.NewString(),
		Name:   opts.Name,
		Access: opts.Access,
		Members: []store.Member{
			{AgentID: opts.OwnerID, Role: store.RoleOwner, JoinedAt: now},
		},
		Settings:  store.GroupSettings{MaxMembers: opts.MaxMembers, HistoryVisible: true},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Access == store.AccessKeyProtected {
		if opts.JoinKey == "" {
			return nil, apierr.New(apierr.CodeSendFailed, 400, "join_key is required for key-protected groups")
		}
		g.JoinKeyHash = crypto.SHA256Hex([]byte(opts.JoinKey))
	}
	if err := s.Repository.CreateGroup(ctx, g); err != nil {
		return nil, apierr.Internal(err)
	}
	return g, nil
}

// Join implements the three access types (spec.md §4.3).
func (s *Service) Join(ctx context.Context, groupID, agentID, joinKey string) (*store.Group, error) {
	g, err := s.Repository.GetGroup(ctx, groupID)
	if err != nil {
		return nil, apierr.New(apierr.CodeGroupNotFound, 404, "group not found")
	}
	if _, ok := g.Member(agentID); ok {
		return g, nil
	}
	switch g.Access {
	case store.AccessInviteOnly:
		return nil, apierr.New(apierr.CodeForbidden, 403, "group is invite-only")
	case store.AccessKeyProtected:
		if crypto.SHA256Hex([]byte(joinKey)) != g.JoinKeyHash {
			return nil, apierr.New(apierr.CodeForbidden, 403, "invalid join key")
		}
	}
	if g.Settings.MaxMembers > 0 && len(g.Members) >= g.Settings.MaxMembers {
		return nil, apierr.New(apierr.CodeForbidden, 403, "group is at capacity")
	}
	g.Members = append(g.Members, store.Member{AgentID: agentID, Role: store.RoleMember, JoinedAt: s.now()})
	g.UpdatedAt = s.now()
	if err := s.Repository.UpdateGroup(ctx, g); err != nil {
		return nil, apierr.Internal(err)
	}
	return g, nil
}

// AddMember implements admin/owner-driven enrollment, used directly by
// round-table creation (spec.md §4.4) and invite-only groups.
func (s *Service) AddMember(ctx context.Context, groupID, actingAgentID, newAgentID string, role store.MemberRole) error {
	g, err := s.Repository.GetGroup(ctx, groupID)
	if err != nil {
		return apierr.New(apierr.CodeGroupNotFound, 404, "group not found")
	}
	if !s.canManageMembers(g, actingAgentID) {
		return apierr.ErrForbidden
	}
	if _, ok := g.Member(newAgentID); ok {
		return nil
	}
	if g.Settings.MaxMembers > 0 && len(g.Members) >= g.Settings.MaxMembers {
		return apierr.New(apierr.CodeForbidden, 403, "group is at capacity")
	}
	g.Members = append(g.Members, store.Member{AgentID: newAgentID, Role: role, JoinedAt: s.now()})
	g.UpdatedAt = s.now()
	return s.wrapUpdate(ctx, g)
}

// RemoveMember implements owner/admin member removal, and self-removal
// ("leave") for members (spec.md §4.3's role matrix).
func (s *Service) RemoveMember(ctx context.Context, groupID, actingAgentID, targetAgentID string) error {
	g, err := s.Repository.GetGroup(ctx, groupID)
	if err != nil {
		return apierr.New(apierr.CodeGroupNotFound, 404, "group not found")
	}
	target, ok := g.Member(targetAgentID)
	if !ok {
		return nil
	}
	if target.Role == store.RoleOwner {
		return apierr.New(apierr.CodeForbidden, 403, "the owner cannot be removed")
	}
	isSelf := actingAgentID == targetAgentID
	if !isSelf && !s.canManageMembers(g, actingAgentID) {
		return apierr.ErrForbidden
	}
	members := make([]store.Member, 0, len(g.Members))
	for _, m := range g.Members {
		if m.AgentID != targetAgentID {
			members = append(members, m)
		}
	}
	g.Members = members
	g.UpdatedAt = s.now()
	return s.wrapUpdate(ctx, g)
}

func (s *Service) canManageMembers(g *store.Group, agentID string) bool {
	m, ok := g.Member(agentID)
	if !ok {
		return false
	}
	return m.Role == store.RoleOwner || m.Role == store.RoleAdmin
}

func (s *Service) wrapUpdate(ctx context.Context, g *store.Group) error {
	if err := s.Repository.UpdateGroup(ctx, g); err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// PostResult is Post's return value (spec.md §4.3).
type PostResult struct {
	GroupMessageID string
	DeliveredTo    []string
	MessageIDs     map[string]string
}

// Post fans a group message out to every member other than the sender
// via the inbox engine.
func (s *Service) Post(ctx context.Context, groupID, senderID, subject string, body []byte) (PostResult, error) {
	if subject == "" || len(subject) > MaxSubjectLen {
		return PostResult{}, apierr.New(apierr.CodeInvalidName, 400, "subject must be 1-200 characters")
	}
	if len(body) > MaxBodyBytes {
		return PostResult{}, apierr.New(apierr.CodeBodyTooLarge, 400, "body exceeds 1MB")
	}
	g, err := s.Repository.GetGroup(ctx, groupID)
	if err != nil {
		return PostResult{}, apierr.New(apierr.CodeGroupNotFound, 404, "group not found")
	}
	if _, ok := g.Member(senderID); !ok {
		return PostResult{}, apierr.ErrForbidden
	}

	now := s.now()
	groupMessageID := uuid.NewString()
	result := PostResult{GroupMessageID: groupMessageID, MessageIDs: map[string]string{}}

	for _, m := range g.Members {
		if m.AgentID == senderID {
			continue
		}
		env := store.Envelope{
			Version:        envelope.CurrentVersion,
			From:           senderID,
			To:             m.AgentID,
			Subject:        subject,
			Timestamp:      now.Format(time.RFC3339),
			Type:           "group.message",
			Body:           body,
			GroupID:        groupID,
			GroupMessageID: groupMessageID,
		}
		sendResult, err := s.Inbox.Send(ctx, env, inbox.SendOptions{})
		if err != nil {
			continue
		}
		result.DeliveredTo = append(result.DeliveredTo, m.AgentID)
		result.MessageIDs[m.AgentID] = sendResult.MessageID
	}
	return result, nil
}

// History returns the group's message history, deduplicated by
// group_message_id so a fanned-out message appears once (spec.md §4.3).
func (s *Service) History(ctx context.Context, groupID string) ([]*store.Message, error) {
	messages, err := s.Repository.ListMessagesByGroup(ctx, groupID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	seen := make(map[string]bool, len(messages))
	deduped := make([]*store.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.GroupMessageID == "" || seen[msg.GroupMessageID] {
			continue
		}
		seen[msg.GroupMessageID] = true
		deduped = append(deduped, msg)
	}
	return deduped, nil
}

// PublicView is the projection non-members see (spec.md §4.3).
type PublicView struct {
	ID          string
	Name        string
	AccessType  store.AccessType
	MemberCount int
}

func PublicViewOf(g *store.Group) PublicView {
	return PublicView{ID: g.ID, Name: g.Name, AccessType: g.Access, MemberCount: len(g.Members)}
}
