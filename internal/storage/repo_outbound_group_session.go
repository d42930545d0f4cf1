package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type outboundGroupSessionRepository struct {
	tc *Coordinator
}

const selectOutboundGroupSessionColumns = `SELECT room_id, session_id, session_data, creation_time FROM outbound_group_sessions`

// Store makes session the room's current outbound session, replacing any
// previous one.
func (r *outboundGroupSessionRepository) Store(ctx context.Context, session *OutboundGroupSession) error {
	if session == nil {
		return fmt.Errorf("store outbound group session: session is nil")
	}
	if err := requireKey("store outbound group session", session.RoomID, session.SessionID); err != nil {
		return err
	}
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO outbound_group_sessions(room_id, session_id, session_data, creation_time)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(room_id) DO UPDATE SET
				session_id = excluded.session_id,
				session_data = excluded.session_data,
				creation_time = excluded.creation_time
		`, session.RoomID, session.SessionID, nullableBlob(session.SessionData), fmtTime(session.CreationTime))
		return classify("store outbound group session", err)
	})
}

func (r *outboundGroupSessionRepository) Get(ctx context.Context, roomID string) (*OutboundGroupSession, error) {
	return readValue(ctx, r.tc, func(q Querier) (*OutboundGroupSession, error) {
		session, err := scanOutboundGroupSession(q.QueryRowContext(ctx, selectOutboundGroupSessionColumns+` WHERE room_id = ?`, roomID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify("get outbound group session", err)
		}
		return session, nil
	})
}

func (r *outboundGroupSessionRepository) List(ctx context.Context) ([]OutboundGroupSession, error) {
	return readValue(ctx, r.tc, func(q Querier) ([]OutboundGroupSession, error) {
		rows, err := q.QueryContext(ctx, selectOutboundGroupSessionColumns+` ORDER BY room_id ASC`)
		if err != nil {
			return nil, classify("list outbound group sessions", err)
		}
		defer rows.Close()

		out := []OutboundGroupSession{}
		for rows.Next() {
			session, err := scanOutboundGroupSession(rows)
			if err != nil {
				return nil, classify("list outbound group sessions: scan row", err)
			}
			out = append(out, *session)
		}
		if err := rows.Err(); err != nil {
			return nil, classify("list outbound group sessions: iterate", err)
		}
		return out, nil
	})
}

func (r *outboundGroupSessionRepository) Delete(ctx context.Context, roomID string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM outbound_group_sessions WHERE room_id = ?`, roomID)
		return classify("delete outbound group session", err)
	})
}

func scanOutboundGroupSession(scanner rowScanner) (*OutboundGroupSession, error) {
	var (
		session   OutboundGroupSession
		createdAt string
	)
	if err := scanner.Scan(&session.RoomID, &session.SessionID, scanBlob(&session.SessionData), &createdAt); err != nil {
		return nil, err
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	session.CreationTime = ts
	return &session, nil
}
