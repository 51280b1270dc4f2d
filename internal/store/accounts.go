package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/basket/drawproxy/internal/task"
)

// GetAccount fetches one account by channel id.
func (s *Store) GetAccount(ctx context.Context, channelID string) (*task.Account, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM accounts WHERE channel_id = ?;`, channelID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, task.NewError(task.KindNotFound, "account not found: "+channelID, nil)
	}
	if err != nil {
		return nil, wrapStorage("get account", err)
	}
	var a task.Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, wrapStorage("decode account", err)
	}
	return &a, nil
}

// ListAccounts returns every stored account.
func (s *Store) ListAccounts(ctx context.Context) ([]*task.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM accounts;`)
	if err != nil {
		return nil, wrapStorage("list accounts", err)
	}
	defer rows.Close()

	var out []*task.Account
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrapStorage("scan account row", err)
		}
		var a task.Account
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, wrapStorage("decode account", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate account rows", err)
	}
	return out, nil
}

// SaveAccount upserts a, keyed by ChannelID.
func (s *Store) SaveAccount(ctx context.Context, a *task.Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return wrapStorage("encode account", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (channel_id, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(channel_id) DO UPDATE SET data=excluded.data, updated_at=CURRENT_TIMESTAMP;
		`, a.ChannelID, string(data))
		return err
	})
}

// DeleteAccount removes an account by channel id.
func (s *Store) DeleteAccount(ctx context.Context, channelID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE channel_id = ?;`, channelID)
		if err != nil {
			return wrapStorage("delete account", err)
		}
		return nil
	})
}
