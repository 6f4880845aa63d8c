package didweb

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"admp/internal/store"
)

// Resolver resolves did:web identities to verification keys and ensures
// a shadow agent exists in storage for each one, collapsing concurrent
// resolutions of the same DID via singleflight (SPEC_FULL.md domain-stack:
// golang.org/x/sync).
type Resolver struct {
	Fetcher        Fetcher
	Cache          Cache
	Repository     store.Repository
	AllowedDomains []string
	// OpenRegistration mirrors the global registration policy: when true,
	// a domain in the allowlist is auto-approved on first resolution
	// (spec.md §4.1).
	OpenRegistration bool
	Now              func() time.Time

	group singleflight.Group
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve returns the verification keys for a did:web identity,
// fetching and caching them if necessary, and ensures a shadow agent
// exists for it.
func (r *Resolver) Resolve(ctx context.Context, did string) ([][]byte, error) {
	v, err, _ := r.group.Do(did, func() (any, error) {
		return r.resolveUncached(ctx, did)
	})
	if err != nil {
		return nil, err
	}
	return v.([][]byte), nil
}

func (r *Resolver) resolveUncached(ctx context.Context, did string) ([][]byte, error) {
	identity, err := Parse(did)
	if err != nil {
		return nil, err
	}
	if !DomainAllowed(identity.Domain, r.AllowedDomains) {
		return nil, fmt.Errorf("domain %q is not in the allowed list", identity.Domain)
	}

	if r.Cache != nil {
		if entry, ok, err := r.Cache.Get(ctx, did); err == nil && ok {
			if err := r.ensureShadowAgent(ctx, identity, did); err != nil {
				return nil, err
			}
			return entry.Keys, nil
		}
	}

	raw, err := r.Fetcher.Fetch(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("fetch did document: %w", err)
	}
	keys, err := ParseDocument(raw, did)
	if err != nil {
		return nil, err
	}
	if r.Cache != nil {
		_ = r.Cache.Set(ctx, did, CacheEntry{Keys: keys, CachedAt: r.now()})
	}
	if err := r.ensureShadowAgent(ctx, identity, did); err != nil {
		return nil, err
	}
	return keys, nil
}

// ensureShadowAgent implements spec.md §4.1's "look up or create a
// shadow agent by DID... idempotent on subsequent resolutions".
func (r *Resolver) ensureShadowAgent(ctx context.Context, identity Identity, did string) error {
	if r.Repository == nil {
		return nil
	}
	agentID := identity.ShadowAgentID()
	if _, err := r.Repository.GetAgent(ctx, agentID); err == nil {
		return nil
	} else if err != store.ErrNotFound {
		return err
	}

	status := store.RegistrationPending
	if r.OpenRegistration && DomainAllowed(identity.Domain, r.AllowedDomains) {
		status = store.RegistrationApproved
	}
	now := r.now()
	agent := &store.Agent{
		AgentID:            agentID,
		RegistrationMode:   store.RegistrationDIDWeb,
		RegistrationStatus: status,
		DID:                did,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.Repository.CreateAgent(ctx, agent); err != nil && err != store.ErrConflict {
		return err
	}
	return nil
}
