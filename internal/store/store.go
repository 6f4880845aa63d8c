package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find nothing, mirroring the
// teacher's store package's sentinel-error convention (internal/store
// returns typed not-found errors rather than bare sql.ErrNoRows leaking
// through the abstraction).
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write would violate a uniqueness
// invariant (e.g. an agent_id, DID or entity ID already taken). A
// single-use key that is already burned is reported by BurnSingleUseKey
// as ok=false, not as ErrConflict.
var ErrConflict = errors.New("store: conflict")

// Repository is the storage contract the rest of ADMP depends on
// (spec.md §4.6). It is intentionally storage-agnostic: Memory satisfies
// it for tests and small deployments; pgstore.Store satisfies it for a
// durable Postgres-backed deployment. Every method is context-aware so a
// persistent implementation can honor cancellation and deadlines the way
// the teacher's Store does over *sql.DB/*sql.Tx.
type Repository interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	GetAgentByDID(ctx context.Context, did string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgentsByTenant(ctx context.Context, tenantID string) ([]*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
	GetInbox(ctx context.Context, agentID string, statusFilter []MessageStatus) ([]*Message, error)
	ListMessagesByGroup(ctx context.Context, groupID string) ([]*Message, error)

	// ClaimNextQueued atomically moves the oldest queued message addressed
	// to agentID into the leased state and returns it, or (nil, nil) if
	// the inbox has nothing queued. The claim and the lease-stamp happen
	// under a single lock so two concurrent pulls never observe the same
	// message (spec.md §5, §8 scenario 1).
	ClaimNextQueued(ctx context.Context, agentID string, leaseDuration time.Duration, now time.Time) (*Message, error)

	// ExpireLeases moves every leased message whose LeaseUntil has passed
	// back to queued, clearing LeaseUntil, and returns the count moved
	// (spec.md §4.6 lease-reclaim sweep). Attempts is left unchanged; the
	// next ClaimNextQueued increments it.
	ExpireLeases(ctx context.Context, now time.Time) (int, error)

	// ExpireMessages moves every queued message past its ExpiresAt to
	// expired and returns the count moved (spec.md §4.6 TTL-expiry sweep).
	ExpireMessages(ctx context.Context, now time.Time) (int, error)

	// CleanupExpiredMessages hard-deletes expired/acked/purged messages
	// older than the cutoff and returns the count removed.
	CleanupExpiredMessages(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeExpiredEphemeralMessages nulls the body of ephemeral messages
	// that are acked or expired and not yet purged, returning the count
	// purged (spec.md §4.2 ephemeral-message purge sweep).
	PurgeExpiredEphemeralMessages(ctx context.Context, now time.Time) (int, error)

	CreateGroup(ctx context.Context, group *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	UpdateGroup(ctx context.Context, group *Group) error
	DeleteGroup(ctx context.Context, id string) error
	ListGroups(ctx context.Context) ([]*Group, error)

	CreateRoundTable(ctx context.Context, rt *RoundTable) error
	GetRoundTable(ctx context.Context, id string) (*RoundTable, error)
	UpdateRoundTable(ctx context.Context, rt *RoundTable) error
	ListOpenRoundTables(ctx context.Context) ([]*RoundTable, error)

	CreateIssuedKey(ctx context.Context, key *IssuedKey) error
	GetIssuedKeyByHash(ctx context.Context, hash string) (*IssuedKey, error)

	// BurnSingleUseKey atomically marks a single-use key as consumed,
	// returning ok=false without error if it was already used (the CAS
	// invariant spec.md §8 requires: "under concurrent redemption, exactly
	// one caller succeeds").
	BurnSingleUseKey(ctx context.Context, keyID string, now time.Time) (ok bool, err error)
}
