package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"admp/internal/store"
)

const roundTableSelect = `
	SELECT id, facilitator, participants, topic, goal, status, thread, expires_at, group_id,
		outcome, created_at, updated_at
	FROM round_tables`

func (s *Store) CreateRoundTable(ctx context.Context, rt *store.RoundTable) error {
	participantsJSON, _ := json.Marshal(participantSlice(rt.Participants))
	threadJSON, _ := json.Marshal(rt.Thread)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO round_tables (id, facilitator, participants, topic, goal, status, thread,
			expires_at, group_id, outcome, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rt.ID, rt.Facilitator, participantsJSON, rt.Topic, rt.Goal, rt.Status, threadJSON,
		rt.ExpiresAt, rt.GroupID, nullJSON(rt.Outcome), rt.CreatedAt, rt.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetRoundTable(ctx context.Context, id string) (*store.RoundTable, error) {
	row := s.q.QueryRowContext(ctx, roundTableSelect+` WHERE id = $1`, id)
	rt, err := scanRoundTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rt, err
}

func (s *Store) UpdateRoundTable(ctx context.Context, rt *store.RoundTable) error {
	participantsJSON, _ := json.Marshal(participantSlice(rt.Participants))
	threadJSON, _ := json.Marshal(rt.Thread)
	res, err := s.q.ExecContext(ctx, `
		UPDATE round_tables SET status=$2, thread=$3, outcome=$4, updated_at=$5, participants=$6
		WHERE id = $1`,
		rt.ID, rt.Status, threadJSON, nullJSON(rt.Outcome), rt.UpdatedAt, participantsJSON)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *Store) ListOpenRoundTables(ctx context.Context) ([]*store.RoundTable, error) {
	rows, err := s.q.QueryContext(ctx, roundTableSelect+` WHERE status = $1 ORDER BY created_at ASC`,
		store.RoundTableOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.RoundTable
	for rows.Next() {
		rt, err := scanRoundTableRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func scanRoundTable(row *sql.Row) (*store.RoundTable, error) {
	return scanRoundTableRow(row)
}

func scanRoundTableRow(row rowScanner) (*store.RoundTable, error) {
	var rt store.RoundTable
	var participantsJSON, threadJSON, outcome []byte
	if err := row.Scan(&rt.ID, &rt.Facilitator, &participantsJSON, &rt.Topic, &rt.Goal, &rt.Status,
		&threadJSON, &rt.ExpiresAt, &rt.GroupID, &outcome, &rt.CreatedAt, &rt.UpdatedAt); err != nil {
		return nil, err
	}
	var participants []string
	if err := json.Unmarshal(participantsJSON, &participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if len(participants) > 0 {
		rt.Participants = make(map[string]struct{}, len(participants))
		for _, id := range participants {
			rt.Participants[id] = struct{}{}
		}
	}
	if err := json.Unmarshal(threadJSON, &rt.Thread); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	rt.Outcome = outcome
	return &rt, nil
}

func participantSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
