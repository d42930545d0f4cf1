package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type olmSessionRepository struct {
	tc *Coordinator
}

const selectOlmSessionColumns = `SELECT id, device_key, last_received_message_ns, session_data FROM olm_sessions`

func (r *olmSessionRepository) Store(ctx context.Context, session *OlmSession) error {
	if session == nil {
		return fmt.Errorf("store olm session: session is nil")
	}
	if err := requireKey("store olm session", session.ID, session.DeviceKey); err != nil {
		return err
	}
	return r.tc.Write(ctx, func(q Querier) error {
		return upsertOlmSession(ctx, q, session)
	})
}

func (r *olmSessionRepository) Get(ctx context.Context, id, deviceKey string) (*OlmSession, error) {
	return readValue(ctx, r.tc, func(q Querier) (*OlmSession, error) {
		return getOlmSession(ctx, q, id, deviceKey)
	})
}

// ListByDeviceKey returns the sessions with one device, most recently used
// first.
func (r *olmSessionRepository) ListByDeviceKey(ctx context.Context, deviceKey string) ([]OlmSession, error) {
	return readValue(ctx, r.tc, func(q Querier) ([]OlmSession, error) {
		rows, err := q.QueryContext(ctx, selectOlmSessionColumns+` WHERE device_key = ? ORDER BY last_received_message_ns DESC, id ASC`, deviceKey)
		if err != nil {
			return nil, classify("list olm sessions", err)
		}
		defer rows.Close()

		out := []OlmSession{}
		for rows.Next() {
			session, err := scanOlmSession(rows)
			if err != nil {
				return nil, classify("list olm sessions: scan row", err)
			}
			out = append(out, *session)
		}
		if err := rows.Err(); err != nil {
			return nil, classify("list olm sessions: iterate", err)
		}
		return out, nil
	})
}

// Update hands fn the stored session (nil when absent) and saves what fn
// leaves behind, inside one write transaction. Nothing is written for an
// absent session.
func (r *olmSessionRepository) Update(ctx context.Context, id, deviceKey string, fn func(*OlmSession) error) error {
	if fn == nil {
		return fmt.Errorf("update olm session: fn is nil")
	}
	return r.tc.Write(ctx, func(q Querier) error {
		session, err := getOlmSession(ctx, q, id, deviceKey)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		if session == nil {
			return nil
		}
		if session.ID != id || session.DeviceKey != deviceKey {
			return fmt.Errorf("update olm session: %w: key cannot change", ErrConstraintViolation)
		}
		return upsertOlmSession(ctx, q, session)
	})
}

func (r *olmSessionRepository) Delete(ctx context.Context, id, deviceKey string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM olm_sessions WHERE id = ? AND device_key = ?`, id, deviceKey)
		return classify("delete olm session", err)
	})
}

func upsertOlmSession(ctx context.Context, q Querier, session *OlmSession) error {
	receivedAt, err := unixNanos("store olm session", session.LastReceivedMessageTimestamp)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO olm_sessions(id, device_key, last_received_message_ns, session_data)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(id, device_key) DO UPDATE SET
			last_received_message_ns = excluded.last_received_message_ns,
			session_data = excluded.session_data
	`, session.ID, session.DeviceKey, receivedAt, nullableBlob(session.SessionData))
	return classify("store olm session", err)
}

func getOlmSession(ctx context.Context, q Querier, id, deviceKey string) (*OlmSession, error) {
	session, err := scanOlmSession(q.QueryRowContext(ctx, selectOlmSessionColumns+` WHERE id = ? AND device_key = ?`, id, deviceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get olm session", err)
	}
	return session, nil
}

func scanOlmSession(scanner rowScanner) (*OlmSession, error) {
	var (
		session    OlmSession
		receivedAt sql.NullInt64
	)
	if err := scanner.Scan(&session.ID, &session.DeviceKey, &receivedAt, scanBlob(&session.SessionData)); err != nil {
		return nil, err
	}
	session.LastReceivedMessageTimestamp = timeFromNanos(receivedAt)
	return &session, nil
}
