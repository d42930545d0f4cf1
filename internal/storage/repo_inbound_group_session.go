package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type inboundGroupSessionRepository struct {
	tc *Coordinator
}

const selectInboundGroupSessionColumns = `SELECT id, sender_key, session_data, backed_up FROM inbound_group_sessions`

// Store upserts every session in one transaction. An upsert can raise
// backed_up but never clears it; only ResetBackupMarkers does that.
func (r *inboundGroupSessionRepository) Store(ctx context.Context, sessions ...InboundGroupSession) error {
	if len(sessions) == 0 {
		return nil
	}
	for i := range sessions {
		if err := requireKey("store inbound group session", sessions[i].ID, sessions[i].SenderKey); err != nil {
			return err
		}
	}
	return r.tc.Write(ctx, func(q Querier) error {
		for i := range sessions {
			s := &sessions[i]
			_, err := q.ExecContext(ctx, `
				INSERT INTO inbound_group_sessions(id, sender_key, session_data, backed_up)
				VALUES(?, ?, ?, ?)
				ON CONFLICT(id, sender_key) DO UPDATE SET
					session_data = excluded.session_data,
					backed_up = MAX(backed_up, excluded.backed_up)
			`, s.ID, s.SenderKey, nullableBlob(s.SessionData), boolToInt(s.BackedUp))
			if err != nil {
				return classify(fmt.Sprintf("store inbound group session %q", s.ID), err)
			}
		}
		return nil
	})
}

func (r *inboundGroupSessionRepository) Get(ctx context.Context, id, senderKey string) (*InboundGroupSession, error) {
	return readValue(ctx, r.tc, func(q Querier) (*InboundGroupSession, error) {
		return getInboundGroupSession(ctx, q, id, senderKey)
	})
}

func (r *inboundGroupSessionRepository) List(ctx context.Context) ([]InboundGroupSession, error) {
	return readValue(ctx, r.tc, func(q Querier) ([]InboundGroupSession, error) {
		return listInboundGroupSessions(ctx, q, "list inbound group sessions", selectInboundGroupSessionColumns+` ORDER BY sender_key ASC, id ASC`)
	})
}

// Update passes fn the stored session, or nil if there is none, and writes
// back its session data. fn may raise BackedUp but clearing it has no
// effect; only ResetBackupMarkers lowers the flag.
func (r *inboundGroupSessionRepository) Update(ctx context.Context, id, senderKey string, fn func(*InboundGroupSession) error) error {
	if fn == nil {
		return fmt.Errorf("update inbound group session: fn is nil")
	}
	return r.tc.Write(ctx, func(q Querier) error {
		session, err := getInboundGroupSession(ctx, q, id, senderKey)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		if session == nil {
			return nil
		}
		if session.ID != id || session.SenderKey != senderKey {
			return fmt.Errorf("update inbound group session: %w: key cannot change", ErrConstraintViolation)
		}
		_, err = q.ExecContext(ctx, `
			UPDATE inbound_group_sessions SET session_data = ?, backed_up = MAX(backed_up, ?)
			WHERE id = ? AND sender_key = ?
		`, nullableBlob(session.SessionData), boolToInt(session.BackedUp), id, senderKey)
		return classify("update inbound group session", err)
	})
}

func (r *inboundGroupSessionRepository) Delete(ctx context.Context, id, senderKey string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM inbound_group_sessions WHERE id = ? AND sender_key = ?`, id, senderKey)
		return classify("delete inbound group session", err)
	})
}

func (r *inboundGroupSessionRepository) Count(ctx context.Context, onlyBackedUp bool) (int, error) {
	query := `SELECT COUNT(1) FROM inbound_group_sessions`
	if onlyBackedUp {
		query += ` WHERE backed_up = 1`
	}
	return readValue(ctx, r.tc, func(q Querier) (int, error) {
		var count int
		if err := q.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return 0, classify("count inbound group sessions", err)
		}
		return count, nil
	})
}

// MarkBackedUp flags the referenced sessions in one transaction. Refs that
// match no stored session are ignored.
func (r *inboundGroupSessionRepository) MarkBackedUp(ctx context.Context, refs ...SessionRef) error {
	if len(refs) == 0 {
		return nil
	}
	return r.tc.Write(ctx, func(q Querier) error {
		return markInboundBackedUp(ctx, q, refs)
	})
}

func (r *inboundGroupSessionRepository) ResetBackupMarkers(ctx context.Context) error {
	return r.tc.Write(ctx, func(q Querier) error {
		return resetInboundBackupMarkers(ctx, q)
	})
}

func (r *inboundGroupSessionRepository) ListNotBackedUp(ctx context.Context, limit int) ([]InboundGroupSession, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("list sessions to back up: %w: limit must be positive, got %d", ErrConstraintViolation, limit)
	}
	return readValue(ctx, r.tc, func(q Querier) ([]InboundGroupSession, error) {
		return listInboundGroupSessions(ctx, q, "list sessions to back up",
			selectInboundGroupSessionColumns+` WHERE backed_up = 0 ORDER BY sender_key ASC, id ASC LIMIT ?`, limit)
	})
}

func markInboundBackedUp(ctx context.Context, q Querier, refs []SessionRef) error {
	for _, ref := range refs {
		_, err := q.ExecContext(ctx, `UPDATE inbound_group_sessions SET backed_up = 1 WHERE id = ? AND sender_key = ?`, ref.ID, ref.SenderKey)
		if err != nil {
			return classify(fmt.Sprintf("mark inbound group session %q backed up", ref.ID), err)
		}
	}
	return nil
}

func resetInboundBackupMarkers(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, `UPDATE inbound_group_sessions SET backed_up = 0 WHERE backed_up <> 0`)
	return classify("reset backup markers", err)
}

func getInboundGroupSession(ctx context.Context, q Querier, id, senderKey string) (*InboundGroupSession, error) {
	session, err := scanInboundGroupSession(q.QueryRowContext(ctx, selectInboundGroupSessionColumns+` WHERE id = ? AND sender_key = ?`, id, senderKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get inbound group session", err)
	}
	return session, nil
}

func listInboundGroupSessions(ctx context.Context, q Querier, op, query string, args ...any) ([]InboundGroupSession, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := []InboundGroupSession{}
	for rows.Next() {
		session, err := scanInboundGroupSession(rows)
		if err != nil {
			return nil, classify(op+": scan row", err)
		}
		out = append(out, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op+": iterate", err)
	}
	return out, nil
}

func scanInboundGroupSession(scanner rowScanner) (*InboundGroupSession, error) {
	var (
		session  InboundGroupSession
		backedUp int
	)
	if err := scanner.Scan(&session.ID, &session.SenderKey, scanBlob(&session.SessionData), &backedUp); err != nil {
		return nil, err
	}
	session.BackedUp = backedUp != 0
	return &session, nil
}
