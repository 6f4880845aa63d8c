package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"admp/internal/store"
)

func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) error {
	envJSON, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO messages (id, to_agent_id, from_agent_id, envelope, status, created_at,
			updated_at, lease_until, attempts, acked_at, result, ephemeral, expires_at,
			group_message_id, purged_at, purge_reason, signature_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		msg.ID, msg.ToAgentID, msg.FromAgentID, envJSON, msg.Status, msg.CreatedAt, msg.UpdatedAt,
		nullTime(msg.LeaseUntil), msg.Attempts, nullTime(msg.AckedAt), nullJSON(msg.Result),
		msg.Ephemeral, nullTime(msg.ExpiresAt), msg.GroupMessageID, nullTime(msg.PurgedAt),
		msg.PurgeReason, msg.SignatureStatus)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	row := s.q.QueryRowContext(ctx, messageSelect+` WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *Store) UpdateMessage(ctx context.Context, msg *store.Message) error {
	envJSON, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET status=$2, updated_at=$3, lease_until=$4, attempts=$5, acked_at=$6,
			result=$7, ephemeral=$8, expires_at=$9, group_message_id=$10, purged_at=$11,
			purge_reason=$12, signature_status=$13, envelope=$14
		WHERE id = $1`,
		msg.ID, msg.Status, msg.UpdatedAt, nullTime(msg.LeaseUntil), msg.Attempts,
		nullTime(msg.AckedAt), nullJSON(msg.Result), msg.Ephemeral, nullTime(msg.ExpiresAt),
		msg.GroupMessageID, nullTime(msg.PurgedAt), msg.PurgeReason, msg.SignatureStatus, envJSON)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

const messageSelect = `
	SELECT id, to_agent_id, from_agent_id, envelope, status, created_at, updated_at, lease_until,
		attempts, acked_at, result, ephemeral, expires_at, group_message_id, purged_at,
		purge_reason, signature_status
	FROM messages`

func (s *Store) GetInbox(ctx context.Context, agentID string, statusFilter []store.MessageStatus) ([]*store.Message, error) {
	query := messageSelect + ` WHERE to_agent_id = $1`
	args := []any{agentID}
	if len(statusFilter) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statusFilter))
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *Store) ListMessagesByGroup(ctx context.Context, groupID string) ([]*store.Message, error) {
	rows, err := s.q.QueryContext(ctx, messageSelect+
		` WHERE envelope->>'group_id' = $1 ORDER BY created_at ASC`, groupID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ClaimNextQueued relies on FOR UPDATE SKIP LOCKED within one
// transaction (select, update, re-read) so two concurrent pulls against the same
// inbox never claim the same row (the Postgres analogue of Memory's
// whole-map lock).
func (s *Store) ClaimNextQueued(ctx context.Context, agentID string, leaseDuration time.Duration, now time.Time) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE to_agent_id = $1 AND status = $2 AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, agentID, store.StatusQueued, now)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	leaseUntil := now.Add(leaseDuration)
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = $2, lease_until = $3, attempts = attempts + 1, updated_at = $4
		WHERE id = $1`, id, store.StatusLeased, leaseUntil, now); err != nil {
		return nil, err
	}

	claimedRow := tx.QueryRowContext(ctx, messageSelect+` WHERE id = $1`, id)
	msg, err := scanMessage(claimedRow)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET status = $1, lease_until = NULL, updated_at = $2
		WHERE status = $3 AND lease_until IS NOT NULL AND lease_until < $2`,
		store.StatusQueued, now, store.StatusLeased)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

func (s *Store) ExpireMessages(ctx context.Context, now time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET status = $1, updated_at = $2
		WHERE status = $3 AND expires_at IS NOT NULL AND expires_at < $2`,
		store.StatusExpired, now, store.StatusQueued)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

func (s *Store) CleanupExpiredMessages(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM messages
		WHERE status IN ($1,$2,$3) AND updated_at < $4`,
		store.StatusExpired, store.StatusAcked, store.StatusPurged, cutoff)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

func (s *Store) PurgeExpiredEphemeralMessages(ctx context.Context, now time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET envelope = jsonb_set(envelope, '{body}', 'null'::jsonb), result = NULL,
			purge_reason = $1, status = $2, updated_at = $3, purged_at = $3
		WHERE ephemeral AND purge_reason = '' AND status = $4`,
		store.PurgeReasonAcked, store.StatusPurged, now, store.StatusAcked)
	if err != nil {
		return 0, err
	}
	acked, err := rowCount(res)
	if err != nil {
		return 0, err
	}

	res, err = s.q.ExecContext(ctx, `
		UPDATE messages SET envelope = jsonb_set(envelope, '{body}', 'null'::jsonb),
			purge_reason = $1, status = $2, updated_at = $3, purged_at = $3
		WHERE ephemeral AND purge_reason = '' AND status = $4`,
		store.PurgeReasonTTLExpired, store.StatusPurged, now, store.StatusExpired)
	if err != nil {
		return acked, err
	}
	expired, err := rowCount(res)
	return acked + expired, err
}

func scanMessage(row *sql.Row) (*store.Message, error) {
	var msg store.Message
	var envJSON []byte
	var leaseUntil, ackedAt, expiresAt, purgedAt sql.NullTime
	var result []byte
	if err := row.Scan(&msg.ID, &msg.ToAgentID, &msg.FromAgentID, &envJSON, &msg.Status,
		&msg.CreatedAt, &msg.UpdatedAt, &leaseUntil, &msg.Attempts, &ackedAt, &result,
		&msg.Ephemeral, &expiresAt, &msg.GroupMessageID, &purgedAt, &msg.PurgeReason,
		&msg.SignatureStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(envJSON, &msg.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	msg.LeaseUntil = timePtr(leaseUntil)
	msg.AckedAt = timePtr(ackedAt)
	msg.ExpiresAt = timePtr(expiresAt)
	msg.PurgedAt = timePtr(purgedAt)
	msg.Result = result
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*store.Message, error) {
	defer rows.Close()
	var out []*store.Message
	for rows.Next() {
		var msg store.Message
		var envJSON []byte
		var leaseUntil, ackedAt, expiresAt, purgedAt sql.NullTime
		var result []byte
		if err := rows.Scan(&msg.ID, &msg.ToAgentID, &msg.FromAgentID, &envJSON, &msg.Status,
			&msg.CreatedAt, &msg.UpdatedAt, &leaseUntil, &msg.Attempts, &ackedAt, &result,
			&msg.Ephemeral, &expiresAt, &msg.GroupMessageID, &purgedAt, &msg.PurgeReason,
			&msg.SignatureStatus); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(envJSON, &msg.Envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		msg.LeaseUntil = timePtr(leaseUntil)
		msg.AckedAt = timePtr(ackedAt)
		msg.ExpiresAt = timePtr(expiresAt)
		msg.PurgedAt = timePtr(purgedAt)
		msg.Result = result
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func statusStrings(statuses []store.MessageStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rowCount(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	return int(n), err
}
