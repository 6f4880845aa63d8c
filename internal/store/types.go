// Package store defines the abstract storage contract the core requires
// (spec.md §4.6) and ships an in-memory implementation. A persistent
// backend (see pgstore) is an implementation choice, not a core
// requirement (spec.md §9).
package store

import (
	"encoding/json"
	"time"
)

// RegistrationMode enumerates how an agent came to exist in the
// repository (spec.md §3).
type RegistrationMode string

const (
	RegistrationLegacy RegistrationMode = "legacy"
	RegistrationSeed   RegistrationMode = "seed"
	RegistrationImport RegistrationMode = "import"
	RegistrationDIDWeb RegistrationMode = "did-web"
)

// RegistrationStatus gates whether a did:web shadow agent (or an agent
// registered under an approval policy) may act yet.
type RegistrationStatus string

const (
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationRejected RegistrationStatus = "rejected"
)

// PublicKey is one entry in an agent's key-rotation history. The tail of
// Agent.PublicKeys is the active signing key; older keys remain valid for
// verification until DeactivateAt passes (spec.md §3, "rotation window").
type PublicKey struct {
	Version      int
	PublicKey    []byte
	CreatedAt    time.Time
	DeactivateAt *time.Time
}

// Active returns whether this key may still be used to verify a
// signature at the given instant: it has no DeactivateAt, or that time
// hasn't passed yet. Its position in Agent.PublicKeys is not consulted.
func (k PublicKey) Active(now time.Time) bool {
	return k.DeactivateAt == nil || now.Before(*k.DeactivateAt)
}

// HeartbeatStatus tracks agent liveness for the heartbeat-timeout sweep
// (spec.md §4.6).
type HeartbeatStatus string

const (
	HeartbeatOnline  HeartbeatStatus = "online"
	HeartbeatOffline HeartbeatStatus = "offline"
)

type Heartbeat struct {
	LastHeartbeat time.Time
	Status        HeartbeatStatus
	IntervalMS    int
	TimeoutMS     int
}

type Agent struct {
	AgentID             string
	RegistrationMode    RegistrationMode
	RegistrationStatus  RegistrationStatus
	PublicKeys          []PublicKey
	DID                 string
	TenantID            string
	VerificationTier    string
	TrustedAgents       map[string]struct{}
	WebhookURL          string
	WebhookSecret       string
	Heartbeat           Heartbeat
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ActiveKey returns the current signing key (the tail of PublicKeys), or
// false if the agent has no keys on record.
func (a *Agent) ActiveKey() (PublicKey, bool) {
	if len(a.PublicKeys) == 0 {
		return PublicKey{}, false
	}
	return a.PublicKeys[len(a.PublicKeys)-1], true
}

// IsTrustedSender reports whether senderID may deposit messages into this
// agent's inbox per spec.md §4.2: "If recipient has a non-empty
// trusted_agents set, reject senders not in the set."
func (a *Agent) IsTrustedSender(senderID string) bool {
	if len(a.TrustedAgents) == 0 {
		return true
	}
	_, ok := a.TrustedAgents[senderID]
	return ok
}

// MessageStatus is the inbox-engine lease state machine (spec.md §4.2).
type MessageStatus string

const (
	StatusQueued  MessageStatus = "queued"
	StatusLeased  MessageStatus = "leased"
	StatusAcked   MessageStatus = "acked"
	StatusExpired MessageStatus = "expired"
	StatusPurged  MessageStatus = "purged"
)

// SignatureStatus records how a message's envelope signature was
// resolved at send time, surfacing the Open Question decision in
// spec.md §9 explicitly rather than silently dropping the check.
type SignatureStatus string

const (
	SignatureVerified   SignatureStatus = "verified"
	SignatureUnverified SignatureStatus = "unverified" // no signature present
	SignatureUntrusted  SignatureStatus = "untrusted"  // sender unknown to storage
)

// PurgeReason records why a message body was nulled out.
type PurgeReason string

const (
	PurgeReasonAcked      PurgeReason = "acked"
	PurgeReasonTTLExpired PurgeReason = "ttl_expired"
)

type Message struct {
	ID              string
	ToAgentID       string
	FromAgentID     string
	Envelope        Envelope
	Status          MessageStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LeaseUntil      *time.Time
	Attempts        int
	AckedAt         *time.Time
	Result          json.RawMessage
	Ephemeral       bool
	ExpiresAt       *time.Time
	GroupMessageID  string
	PurgedAt        *time.Time
	PurgeReason     PurgeReason
	SignatureStatus SignatureStatus
}

// Envelope is the canonical message payload (spec.md §6). It lives in
// store rather than a separate package so Message can embed it without an
// import cycle; internal/envelope builds and validates values of this
// type.
type Envelope struct {
	Version       string          `json:"version"`
	ID            string          `json:"id,omitempty"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Subject       string          `json:"subject"`
	Timestamp     string          `json:"timestamp"`
	Type          string          `json:"type,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Headers       map[string]any  `json:"headers,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
	TTLSec        int             `json:"ttl_sec,omitempty"`
	Signature     *Signature      `json:"signature,omitempty"`
	GroupID       string          `json:"group_id,omitempty"`
	GroupMessageID string         `json:"group_message_id,omitempty"`
}

type Signature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

// MemberRole is a group member's role in the role matrix (spec.md §4.3).
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

type Member struct {
	AgentID  string
	Role     MemberRole
	JoinedAt time.Time
}

// AccessType controls how an agent may join a group (spec.md §4.3).
type AccessType string

const (
	AccessOpen         AccessType = "open"
	AccessKeyProtected AccessType = "key-protected"
	AccessInviteOnly   AccessType = "invite-only"
)

type GroupSettings struct {
	MaxMembers      int
	MessageTTLSec   int
	HistoryVisible  bool
}

type Group struct {
	ID          string
	Name        string
	Access      AccessType
	JoinKeyHash string
	Members     []Member
	Settings    GroupSettings
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (g *Group) Member(agentID string) (Member, bool) {
	for _, m := range g.Members {
		if m.AgentID == agentID {
			return m, true
		}
	}
	return Member{}, false
}

func (g *Group) Owner() (Member, bool) {
	for _, m := range g.Members {
		if m.Role == RoleOwner {
			return m, true
		}
	}
	return Member{}, false
}

// IssuedKey is a single-use or long-lived scoped enrollment token
// (spec.md §3).
type IssuedKey struct {
	KeyID         string
	KeyHash       string
	ClientID      string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Revoked       bool
	SingleUse     bool
	UsedAt        *time.Time
	TargetAgentID string
}

// Valid reports whether the key may still authenticate a request (not
// revoked, not expired; single-use consumption is checked separately via
// BurnSingleUseKey's CAS).
func (k IssuedKey) Valid(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// RoundTableStatus is the deliberation-session lifecycle (spec.md §4.4).
type RoundTableStatus string

const (
	RoundTableOpen     RoundTableStatus = "open"
	RoundTableResolved RoundTableStatus = "resolved"
	RoundTableExpired  RoundTableStatus = "expired"
)

type ThreadEntry struct {
	From string
	Body json.RawMessage
	At   time.Time
}

type RoundTable struct {
	ID           string
	Facilitator  string
	Participants map[string]struct{}
	Topic        string
	Goal         string
	Status       RoundTableStatus
	Thread       []ThreadEntry
	ExpiresAt    time.Time
	GroupID      string
	Outcome      json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const RoundTableMaxThread = 200

func (rt *RoundTable) IsParticipant(agentID string) bool {
	if agentID == rt.Facilitator {
		return true
	}
	_, ok := rt.Participants[agentID]
	return ok
}
