package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/basket/drawproxy/internal/task"
)

// KeywordKind distinguishes domain-routing sets from banned-word sets
// sharing the same table.
type KeywordKind string

const (
	KeywordKindDomain KeywordKind = "domain"
	KeywordKindBanned KeywordKind = "banned"
)

// ListKeywordSets returns every keyword set of the given kind.
func (s *Store) ListKeywordSets(ctx context.Context, kind KeywordKind) ([]*task.KeywordSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM keyword_sets WHERE kind = ?;`, string(kind))
	if err != nil {
		return nil, wrapStorage("list keyword sets", err)
	}
	defer rows.Close()

	var out []*task.KeywordSet
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrapStorage("scan keyword set row", err)
		}
		var ks task.KeywordSet
		if err := json.Unmarshal(data, &ks); err != nil {
			return nil, wrapStorage("decode keyword set", err)
		}
		out = append(out, &ks)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate keyword set rows", err)
	}
	return out, nil
}

// GetKeywordSet fetches a single keyword set by id.
func (s *Store) GetKeywordSet(ctx context.Context, id string) (*task.KeywordSet, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM keyword_sets WHERE id = ?;`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, task.NewError(task.KindNotFound, "keyword set not found: "+id, nil)
	}
	if err != nil {
		return nil, wrapStorage("get keyword set", err)
	}
	var ks task.KeywordSet
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, wrapStorage("decode keyword set", err)
	}
	return &ks, nil
}

// SaveKeywordSet upserts ks under kind.
func (s *Store) SaveKeywordSet(ctx context.Context, kind KeywordKind, ks *task.KeywordSet) error {
	data, err := json.Marshal(ks)
	if err != nil {
		return wrapStorage("encode keyword set", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO keyword_sets (id, kind, data, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, data=excluded.data, updated_at=CURRENT_TIMESTAMP;
		`, ks.ID, string(kind), string(data))
		return err
	})
}

// DeleteKeywordSet removes a keyword set by id.
func (s *Store) DeleteKeywordSet(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM keyword_sets WHERE id = ?;`, id)
		if err != nil {
			return wrapStorage("delete keyword set", err)
		}
		return nil
	})
}

// SeenEvent records an event id for idempotency dedup. It returns false
// if the id was already recorded (the event is a duplicate).
func (s *Store) SeenEvent(ctx context.Context, eventID string) (firstSeen bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO idempotency_keys (key) VALUES (?);`, eventID)
		if execErr != nil {
			return execErr
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return rowsErr
		}
		firstSeen = n > 0
		return nil
	})
	if err != nil {
		return false, wrapStorage("record idempotency key", err)
	}
	return firstSeen, nil
}
