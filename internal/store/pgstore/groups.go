package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"admp/internal/store"
)

const groupSelect = `SELECT id, name, access, join_key_hash, members, settings, created_at, updated_at FROM groups`

func (s *Store) CreateGroup(ctx context.Context, g *store.Group) error {
	membersJSON, _ := json.Marshal(g.Members)
	settingsJSON, _ := json.Marshal(g.Settings)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO groups (id, name, access, join_key_hash, members, settings, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		g.ID, g.Name, g.Access, g.JoinKeyHash, membersJSON, settingsJSON, g.CreatedAt, g.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetGroup(ctx context.Context, id string) (*store.Group, error) {
	row := s.q.QueryRowContext(ctx, groupSelect+` WHERE id = $1`, id)
	return scanGroup(row)
}

func (s *Store) UpdateGroup(ctx context.Context, g *store.Group) error {
	membersJSON, _ := json.Marshal(g.Members)
	settingsJSON, _ := json.Marshal(g.Settings)
	res, err := s.q.ExecContext(ctx, `
		UPDATE groups SET name=$2, access=$3, join_key_hash=$4, members=$5, settings=$6, updated_at=$7
		WHERE id = $1`,
		g.ID, g.Name, g.Access, g.JoinKeyHash, membersJSON, settingsJSON, g.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *Store) ListGroups(ctx context.Context) ([]*store.Group, error) {
	rows, err := s.q.QueryContext(ctx, groupSelect+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Group
	for rows.Next() {
		g, err := scanGroupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row *sql.Row) (*store.Group, error) {
	g, err := scanGroupRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return g, err
}

func scanGroupRow(row rowScanner) (*store.Group, error) {
	var g store.Group
	var membersJSON, settingsJSON []byte
	if err := row.Scan(&g.ID, &g.Name, &g.Access, &g.JoinKeyHash, &membersJSON, &settingsJSON,
		&g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(membersJSON, &g.Members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	if err := json.Unmarshal(settingsJSON, &g.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &g, nil
}
