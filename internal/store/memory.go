package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Repository implementation. Each entity kind
// gets its own mutex-guarded map (an RWMutex for agents, groups and
// round tables; a plain Mutex for messages and issued keys), the
// concurrency shape borrowed from
// other_examples' madmail memstore (per-aggregate locking rather than one
// global lock per operation, while still keeping claim-and-lease atomic
// by holding the messages lock for the full read-modify-write). It is
// the default backend for tests and for deployments that don't need
// durability across restarts.
type Memory struct {
	agentsMu sync.RWMutex
	agents   map[string]*Agent

	messagesMu sync.Mutex
	messages   map[string]*Message

	groupsMu sync.RWMutex
	groups   map[string]*Group

	roundTablesMu sync.RWMutex
	roundTables   map[string]*RoundTable

	keysMu sync.Mutex
	keys   map[string]*IssuedKey
}

func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[string]*Agent),
		messages:    make(map[string]*Message),
		groups:      make(map[string]*Group),
		roundTables: make(map[string]*RoundTable),
		keys:        make(map[string]*IssuedKey),
	}
}

func cloneAgent(a *Agent) *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.PublicKeys = append([]PublicKey(nil), a.PublicKeys...)
	if a.TrustedAgents != nil {
		cp.TrustedAgents = make(map[string]struct{}, len(a.TrustedAgents))
		for k := range a.TrustedAgents {
			cp.TrustedAgents[k] = struct{}{}
		}
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *Memory) CreateAgent(ctx context.Context, agent *Agent) error {
	if err := ValidAgentIDSyntax(agent.AgentID); err != nil {
		return err
	}
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	if _, exists := m.agents[agent.AgentID]; exists {
		return ErrConflict
	}
	if agent.DID != "" {
		for _, a := range m.agents {
			if a.DID == agent.DID {
				return ErrConflict
			}
		}
	}
	m.agents[agent.AgentID] = cloneAgent(agent)
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (m *Memory) GetAgentByDID(ctx context.Context, did string) (*Agent, error) {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()
	for _, a := range m.agents {
		if a.DID == did {
			return cloneAgent(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateAgent(ctx context.Context, agent *Agent) error {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	if _, ok := m.agents[agent.AgentID]; !ok {
		return ErrNotFound
	}
	m.agents[agent.AgentID] = cloneAgent(agent)
	return nil
}

func (m *Memory) DeleteAgent(ctx context.Context, agentID string) error {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.agents, agentID)
	return nil
}

func (m *Memory) ListAgentsByTenant(ctx context.Context, tenantID string) ([]*Agent, error) {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()
	var out []*Agent
	for _, a := range m.agents {
		if a.TenantID == tenantID {
			out = append(out, cloneAgent(a))
		}
	}
	sortAgentsByID(out)
	return out, nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, cloneAgent(a))
	}
	sortAgentsByID(out)
	return out, nil
}

func sortAgentsByID(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
}

func cloneMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	if msg.LeaseUntil != nil {
		t := *msg.LeaseUntil
		cp.LeaseUntil = &t
	}
	if msg.AckedAt != nil {
		t := *msg.AckedAt
		cp.AckedAt = &t
	}
	if msg.ExpiresAt != nil {
		t := *msg.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.Result = append(json.RawMessage(nil), msg.Result...)
	cp.Envelope.Body = append(json.RawMessage(nil), msg.Envelope.Body...)
	return &cp
}

func (m *Memory) CreateMessage(ctx context.Context, msg *Message) error {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return ErrConflict
	}
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (m *Memory) UpdateMessage(ctx context.Context, msg *Message) error {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		return ErrNotFound
	}
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (m *Memory) GetInbox(ctx context.Context, agentID string, statusFilter []MessageStatus) ([]*Message, error) {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	allowed := make(map[MessageStatus]bool, len(statusFilter))
	for _, s := range statusFilter {
		allowed[s] = true
	}
	var out []*Message
	for _, msg := range m.messages {
		if msg.ToAgentID != agentID {
			continue
		}
		if len(allowed) > 0 && !allowed[msg.Status] {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	sortMessagesByCreatedAt(out)
	return out, nil
}

func (m *Memory) ListMessagesByGroup(ctx context.Context, groupID string) ([]*Message, error) {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	var out []*Message
	for _, msg := range m.messages {
		if msg.Envelope.GroupID == groupID {
			out = append(out, cloneMessage(msg))
		}
	}
	sortMessagesByCreatedAt(out)
	return out, nil
}

func sortMessagesByCreatedAt(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

func (m *Memory) ClaimNextQueued(ctx context.Context, agentID string, leaseDuration time.Duration, now time.Time) (*Message, error) {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()

	var oldest *Message
	for _, msg := range m.messages {
		if msg.ToAgentID != agentID || msg.Status != StatusQueued {
			continue
		}
		if msg.ExpiresAt != nil && !msg.ExpiresAt.After(now) {
			continue
		}
		if oldest == nil || msg.CreatedAt.Before(oldest.CreatedAt) {
			oldest = msg
		}
	}
	if oldest == nil {
		return nil, nil
	}
	leaseUntil := now.Add(leaseDuration)
	oldest.Status = StatusLeased
	oldest.LeaseUntil = &leaseUntil
	oldest.Attempts++
	oldest.UpdatedAt = now
	return cloneMessage(oldest), nil
}

func (m *Memory) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	var count int
	for _, msg := range m.messages {
		if msg.Status != StatusLeased || msg.LeaseUntil == nil {
			continue
		}
		if now.After(*msg.LeaseUntil) {
			msg.Status = StatusQueued
			msg.LeaseUntil = nil
			msg.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (m *Memory) ExpireMessages(ctx context.Context, now time.Time) (int, error) {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	var count int
	for _, msg := range m.messages {
		if msg.Status != StatusQueued || msg.ExpiresAt == nil {
			continue
		}
		if now.After(*msg.ExpiresAt) {
			msg.Status = StatusExpired
			msg.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (m *Memory) CleanupExpiredMessages(ctx context.Context, cutoff time.Time) (int, error) {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	var count int
	for id, msg := range m.messages {
		if msg.Status != StatusExpired && msg.Status != StatusAcked && msg.Status != StatusPurged {
			continue
		}
		if msg.UpdatedAt.Before(cutoff) {
			delete(m.messages, id)
			count++
		}
	}
	return count, nil
}

func (m *Memory) PurgeExpiredEphemeralMessages(ctx context.Context, now time.Time) (int, error) {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	var count int
	for _, msg := range m.messages {
		if !msg.Ephemeral || msg.PurgeReason != "" {
			continue
		}
		switch {
		case msg.Status == StatusAcked:
			msg.Envelope.Body = nil
			msg.Result = nil
			msg.PurgeReason = PurgeReasonAcked
			msg.Status = StatusPurged
			msg.UpdatedAt = now
			msg.PurgedAt = &now
			count++
		case msg.Status == StatusExpired:
			msg.Envelope.Body = nil
			msg.PurgeReason = PurgeReasonTTLExpired
			msg.Status = StatusPurged
			msg.UpdatedAt = now
			msg.PurgedAt = &now
			count++
		}
	}
	return count, nil
}

func cloneGroup(g *Group) *Group {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Members = append([]Member(nil), g.Members...)
	return &cp
}

func (m *Memory) CreateGroup(ctx context.Context, group *Group) error {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	if _, exists := m.groups[group.ID]; exists {
		return ErrConflict
	}
	m.groups[group.ID] = cloneGroup(group)
	return nil
}

func (m *Memory) GetGroup(ctx context.Context, id string) (*Group, error) {
	m.groupsMu.RLock()
	defer m.groupsMu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

func (m *Memory) UpdateGroup(ctx context.Context, group *Group) error {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	if _, ok := m.groups[group.ID]; !ok {
		return ErrNotFound
	}
	m.groups[group.ID] = cloneGroup(group)
	return nil
}

func (m *Memory) DeleteGroup(ctx context.Context, id string) error {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	return nil
}

func (m *Memory) ListGroups(ctx context.Context) ([]*Group, error) {
	m.groupsMu.RLock()
	defer m.groupsMu.RUnlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneRoundTable(rt *RoundTable) *RoundTable {
	if rt == nil {
		return nil
	}
	cp := *rt
	cp.Thread = append([]ThreadEntry(nil), rt.Thread...)
	if rt.Participants != nil {
		cp.Participants = make(map[string]struct{}, len(rt.Participants))
		for k := range rt.Participants {
			cp.Participants[k] = struct{}{}
		}
	}
	cp.Outcome = append(json.RawMessage(nil), rt.Outcome...)
	return &cp
}

func (m *Memory) CreateRoundTable(ctx context.Context, rt *RoundTable) error {
	m.roundTablesMu.Lock()
	defer m.roundTablesMu.Unlock()
	if _, exists := m.roundTables[rt.ID]; exists {
		return ErrConflict
	}
	m.roundTables[rt.ID] = cloneRoundTable(rt)
	return nil
}

func (m *Memory) GetRoundTable(ctx context.Context, id string) (*RoundTable, error) {
	m.roundTablesMu.RLock()
	defer m.roundTablesMu.RUnlock()
	rt, ok := m.roundTables[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoundTable(rt), nil
}

func (m *Memory) UpdateRoundTable(ctx context.Context, rt *RoundTable) error {
	m.roundTablesMu.Lock()
	defer m.roundTablesMu.Unlock()
	if _, ok := m.roundTables[rt.ID]; !ok {
		return ErrNotFound
	}
	m.roundTables[rt.ID] = cloneRoundTable(rt)
	return nil
}

func (m *Memory) ListOpenRoundTables(ctx context.Context) ([]*RoundTable, error) {
	m.roundTablesMu.RLock()
	defer m.roundTablesMu.RUnlock()
	var out []*RoundTable
	for _, rt := range m.roundTables {
		if rt.Status == RoundTableOpen {
			out = append(out, cloneRoundTable(rt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneIssuedKey(k *IssuedKey) *IssuedKey {
	if k == nil {
		return nil
	}
	cp := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.UsedAt != nil {
		t := *k.UsedAt
		cp.UsedAt = &t
	}
	return &cp
}

func (m *Memory) CreateIssuedKey(ctx context.Context, key *IssuedKey) error {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	if _, exists := m.keys[key.KeyID]; exists {
		return ErrConflict
	}
	m.keys[key.KeyID] = cloneIssuedKey(key)
	return nil
}

func (m *Memory) GetIssuedKeyByHash(ctx context.Context, hash string) (*IssuedKey, error) {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	for _, k := range m.keys {
		if k.KeyHash == hash {
			return cloneIssuedKey(k), nil
		}
	}
	return nil, ErrNotFound
}

// BurnSingleUseKey holds the single keysMu lock for its entire
// check-then-set so concurrent redemptions of the same key serialize:
// exactly one caller observes UsedAt == nil and wins (spec.md §8's
// single-use race scenario).
func (m *Memory) BurnSingleUseKey(ctx context.Context, keyID string, now time.Time) (bool, error) {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return false, ErrNotFound
	}
	if !k.SingleUse {
		return true, nil
	}
	if k.UsedAt != nil {
		return false, nil
	}
	used := now
	k.UsedAt = &used
	return true, nil
}
