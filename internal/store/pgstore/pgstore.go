// Package pgstore is a Postgres-backed store.Repository, for
// deployments that need message durability across restarts. It mirrors
// the teacher's internal/store package's shape: sql.DB opened against
// the pgx stdlib driver, a queryer interface so the same methods work
// inside or outside a transaction, and upsert-by-ON-CONFLICT writes.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"admp/internal/store"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Repository against Postgres.
type Store struct {
	db *sql.DB
	q  queryer
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db, q: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate runs goose migrations against dsn, using the same dialect and
// table-name conventions as the teacher's migration entrypoint.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	goose.SetDialect("postgres")
	goose.SetTableName("schema_migrations")
	return goose.UpContext(ctx, db, filepath.Join("internal", "store", "pgstore", "migrations"))
}

var _ store.Repository = (*Store)(nil)

func (s *Store) CreateAgent(ctx context.Context, a *store.Agent) error {
	if err := store.ValidAgentIDSyntax(a.AgentID); err != nil {
		return err
	}
	keysJSON, _ := json.Marshal(a.PublicKeys)
	trustedJSON, _ := json.Marshal(trustedSlice(a.TrustedAgents))
	heartbeatJSON, _ := json.Marshal(a.Heartbeat)
	metaJSON, _ := json.Marshal(a.Metadata)
	did := sql.NullString{String: a.DID, Valid: a.DID != ""}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO agents (agent_id, registration_mode, registration_status, public_keys, did,
			tenant_id, verification_tier, trusted_agents, webhook_url, webhook_secret, heartbeat,
			metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.AgentID, a.RegistrationMode, a.RegistrationStatus, keysJSON, did,
		a.TenantID, a.VerificationTier, trustedJSON, a.WebhookURL, a.WebhookSecret, heartbeatJSON,
		metaJSON, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT agent_id, registration_mode, registration_status, public_keys, did, tenant_id,
			verification_tier, trusted_agents, webhook_url, webhook_secret, heartbeat, metadata,
			created_at, updated_at
		FROM agents WHERE agent_id = $1`, agentID)
	return scanAgent(row)
}

func (s *Store) GetAgentByDID(ctx context.Context, did string) (*store.Agent, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT agent_id, registration_mode, registration_status, public_keys, did, tenant_id,
			verification_tier, trusted_agents, webhook_url, webhook_secret, heartbeat, metadata,
			created_at, updated_at
		FROM agents WHERE did = $1`, did)
	return scanAgent(row)
}

func (s *Store) UpdateAgent(ctx context.Context, a *store.Agent) error {
	keysJSON, _ := json.Marshal(a.PublicKeys)
	trustedJSON, _ := json.Marshal(trustedSlice(a.TrustedAgents))
	heartbeatJSON, _ := json.Marshal(a.Heartbeat)
	metaJSON, _ := json.Marshal(a.Metadata)
	did := sql.NullString{String: a.DID, Valid: a.DID != ""}
	res, err := s.q.ExecContext(ctx, `
		UPDATE agents SET registration_mode=$2, registration_status=$3, public_keys=$4, did=$5,
			tenant_id=$6, verification_tier=$7, trusted_agents=$8, webhook_url=$9,
			webhook_secret=$10, heartbeat=$11, metadata=$12, updated_at=$13
		WHERE agent_id = $1`,
		a.AgentID, a.RegistrationMode, a.RegistrationStatus, keysJSON, did,
		a.TenantID, a.VerificationTier, trustedJSON, a.WebhookURL, a.WebhookSecret,
		heartbeatJSON, metaJSON, a.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *Store) ListAgentsByTenant(ctx context.Context, tenantID string) ([]*store.Agent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT agent_id, registration_mode, registration_status, public_keys, did, tenant_id,
			verification_tier, trusted_agents, webhook_url, webhook_secret, heartbeat, metadata,
			created_at, updated_at
		FROM agents WHERE tenant_id = $1 ORDER BY agent_id`, tenantID)
	if err != nil {
		return nil, err
	}
	return scanAgents(rows)
}

func (s *Store) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT agent_id, registration_mode, registration_status, public_keys, did, tenant_id,
			verification_tier, trusted_agents, webhook_url, webhook_secret, heartbeat, metadata,
			created_at, updated_at
		FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	return scanAgents(rows)
}

func scanAgent(row *sql.Row) (*store.Agent, error) {
	var a store.Agent
	var keysJSON, trustedJSON, heartbeatJSON, metaJSON []byte
	var did sql.NullString
	if err := row.Scan(&a.AgentID, &a.RegistrationMode, &a.RegistrationStatus, &keysJSON, &did,
		&a.TenantID, &a.VerificationTier, &trustedJSON, &a.WebhookURL, &a.WebhookSecret,
		&heartbeatJSON, &metaJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.DID = did.String
	if err := hydrateAgent(&a, keysJSON, trustedJSON, heartbeatJSON, metaJSON); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAgents(rows *sql.Rows) ([]*store.Agent, error) {
	defer rows.Close()
	var out []*store.Agent
	for rows.Next() {
		var a store.Agent
		var keysJSON, trustedJSON, heartbeatJSON, metaJSON []byte
		var did sql.NullString
		if err := rows.Scan(&a.AgentID, &a.RegistrationMode, &a.RegistrationStatus, &keysJSON, &did,
			&a.TenantID, &a.VerificationTier, &trustedJSON, &a.WebhookURL, &a.WebhookSecret,
			&heartbeatJSON, &metaJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.DID = did.String
		if err := hydrateAgent(&a, keysJSON, trustedJSON, heartbeatJSON, metaJSON); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func hydrateAgent(a *store.Agent, keysJSON, trustedJSON, heartbeatJSON, metaJSON []byte) error {
	if err := json.Unmarshal(keysJSON, &a.PublicKeys); err != nil {
		return fmt.Errorf("decode public_keys: %w", err)
	}
	var trusted []string
	if err := json.Unmarshal(trustedJSON, &trusted); err != nil {
		return fmt.Errorf("decode trusted_agents: %w", err)
	}
	if len(trusted) > 0 {
		a.TrustedAgents = make(map[string]struct{}, len(trusted))
		for _, id := range trusted {
			a.TrustedAgents[id] = struct{}{}
		}
	}
	if err := json.Unmarshal(heartbeatJSON, &a.Heartbeat); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	return nil
}

func trustedSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// uniqueViolation is Postgres's SQLSTATE for a unique_violation error.
const uniqueViolation = "23505"

// isUniqueViolation matches the teacher's cloudapi.isUniqueViolation: a
// typed errors.As against *pgconn.PgError, not string-matching err.Error().
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
