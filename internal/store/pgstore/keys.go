package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"admp/internal/store"
)

const issuedKeySelect = `
	SELECT key_id, key_hash, client_id, created_at, expires_at, revoked, single_use, used_at,
		target_agent_id
	FROM issued_keys`

func (s *Store) CreateIssuedKey(ctx context.Context, k *store.IssuedKey) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO issued_keys (key_id, key_hash, client_id, created_at, expires_at, revoked,
			single_use, used_at, target_agent_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		k.KeyID, k.KeyHash, k.ClientID, k.CreatedAt, nullTime(k.ExpiresAt), k.Revoked,
		k.SingleUse, nullTime(k.UsedAt), k.TargetAgentID)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetIssuedKeyByHash(ctx context.Context, hash string) (*store.IssuedKey, error) {
	row := s.q.QueryRowContext(ctx, issuedKeySelect+` WHERE key_hash = $1`, hash)
	k, err := scanIssuedKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return k, err
}

// BurnSingleUseKey's UPDATE ... WHERE used_at IS NULL is the compare-
// and-swap: only the statement that actually flips a NULL used_at wins,
// so concurrent callers racing the same key_id never both succeed.
func (s *Store) BurnSingleUseKey(ctx context.Context, keyID string, now time.Time) (bool, error) {
	row := s.q.QueryRowContext(ctx, `SELECT single_use FROM issued_keys WHERE key_id = $1`, keyID)
	var singleUse bool
	if err := row.Scan(&singleUse); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrNotFound
		}
		return false, err
	}
	if !singleUse {
		return true, nil
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE issued_keys SET used_at = $2 WHERE key_id = $1 AND used_at IS NULL`, keyID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanIssuedKey(row *sql.Row) (*store.IssuedKey, error) {
	var k store.IssuedKey
	var expiresAt, usedAt sql.NullTime
	if err := row.Scan(&k.KeyID, &k.KeyHash, &k.ClientID, &k.CreatedAt, &expiresAt, &k.Revoked,
		&k.SingleUse, &usedAt, &k.TargetAgentID); err != nil {
		return nil, err
	}
	k.ExpiresAt = timePtr(expiresAt)
	k.UsedAt = timePtr(usedAt)
	return &k, nil
}
