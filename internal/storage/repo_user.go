package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type userRepository struct {
	tc *Coordinator
}

func (r *userRepository) FindOrCreate(ctx context.Context, id string) (*User, error) {
	if err := requireKey("find or create user", id); err != nil {
		return nil, err
	}
	return writeValue(ctx, r.tc, func(q Querier) (*User, error) {
		if err := ensureUser(ctx, q, id); err != nil {
			return nil, err
		}
		user, err := getUser(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("find or create user %q: %w", id, ErrNotFound)
		}
		return user, nil
	})
}

func (r *userRepository) Get(ctx context.Context, id string) (*User, error) {
	return readValue(ctx, r.tc, func(q Querier) (*User, error) {
		return getUser(ctx, q, id)
	})
}

func (r *userRepository) CrossSigningKeys(ctx context.Context, id string) ([]byte, error) {
	user, err := r.Get(ctx, id)
	if err != nil || user == nil {
		return nil, err
	}
	return user.CrossSigningKeysData, nil
}

// StoreCrossSigningKeys creates the user row on first use and then rewrites
// only its cross-signing column.
func (r *userRepository) StoreCrossSigningKeys(ctx context.Context, id string, data []byte) error {
	if err := requireKey("store cross-signing keys", id); err != nil {
		return err
	}
	return r.tc.Write(ctx, func(q Querier) error {
		if err := ensureUser(ctx, q, id); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `UPDATE users SET cross_signing_keys_data = ? WHERE id = ?`, nullableBlob(data), id)
		return classify("store cross-signing keys", err)
	})
}

func (r *userRepository) AllCrossSigningKeys(ctx context.Context) ([][]byte, error) {
	return readValue(ctx, r.tc, func(q Querier) ([][]byte, error) {
		rows, err := q.QueryContext(ctx, `SELECT cross_signing_keys_data FROM users WHERE cross_signing_keys_data IS NOT NULL ORDER BY id ASC`)
		if err != nil {
			return nil, classify("list cross-signing keys", err)
		}
		defer rows.Close()

		out := [][]byte{}
		for rows.Next() {
			var data []byte
			if err := rows.Scan(scanBlob(&data)); err != nil {
				return nil, classify("list cross-signing keys: scan row", err)
			}
			out = append(out, data)
		}
		if err := rows.Err(); err != nil {
			return nil, classify("list cross-signing keys: iterate", err)
		}
		return out, nil
	})
}

func (r *userRepository) Delete(ctx context.Context, id string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		return classify("delete user", err)
	})
}

// ensureUser is the find-or-create primitive for users: an insert that is a
// no-op when the row exists. Callers run it inside their write transaction.
func ensureUser(ctx context.Context, q Querier, id string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO users(id) VALUES(?) ON CONFLICT(id) DO NOTHING`, id)
	return classify("ensure user", err)
}

func getUser(ctx context.Context, q Querier, id string) (*User, error) {
	var user User
	err := q.QueryRowContext(ctx, `SELECT id, cross_signing_keys_data FROM users WHERE id = ?`, id).Scan(&user.ID, scanBlob(&user.CrossSigningKeysData))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get user", err)
	}
	return &user, nil
}

func userExists(ctx context.Context, q Querier, id string) (bool, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, id).Scan(&count); err != nil {
		return false, classify("check user", err)
	}
	return count > 0, nil
}
