package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

type sharedSessionRepository struct {
	tc     *Coordinator
	logger *slog.Logger
}

// RecordShare stores the message index each recipient received. A
// recipient whose user or device row is unknown is skipped and returned.
// Re-sharing never lowers an index already recorded for a recipient.
func (r *sharedSessionRepository) RecordShare(ctx context.Context, roomID, sessionID string, recipients UsersDevicesMap) ([]Recipient, error) {
	if err := requireKey("record session share", roomID, sessionID); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, nil
	}
	return writeValue(ctx, r.tc, func(q Querier) ([]Recipient, error) {
		var skipped []Recipient
		for _, userID := range sortedKeys(recipients) {
			devices := recipients[userID]
			for _, deviceID := range sortedKeys(devices) {
				known, err := r.recipientKnown(ctx, q, userID, deviceID)
				if err != nil {
					return nil, err
				}
				if !known {
					r.logger.Debug("skipping share to unknown recipient",
						"room_id", roomID, "session_id", sessionID, "user_id", userID, "device_id", deviceID)
					skipped = append(skipped, Recipient{UserID: userID, DeviceID: deviceID})
					continue
				}
				_, err = q.ExecContext(ctx, `
					INSERT INTO shared_outbound_sessions(room_id, session_id, user_id, device_id, message_index)
					VALUES(?, ?, ?, ?, ?)
					ON CONFLICT(room_id, session_id, user_id, device_id) DO UPDATE SET
						message_index = MAX(message_index, excluded.message_index)
				`, roomID, sessionID, userID, deviceID, int64(devices[deviceID]))
				if err != nil {
					return nil, classify("record session share", err)
				}
			}
		}
		return skipped, nil
	})
}

func (r *sharedSessionRepository) recipientKnown(ctx context.Context, q Querier, userID, deviceID string) (bool, error) {
	ok, err := userExists(ctx, q, userID)
	if err != nil || !ok {
		return false, err
	}
	return deviceExists(ctx, q, userID, deviceID)
}

func (r *sharedSessionRepository) IndexFor(ctx context.Context, roomID, sessionID, userID, deviceID string) (*uint32, error) {
	return readValue(ctx, r.tc, func(q Querier) (*uint32, error) {
		var raw int64
		err := q.QueryRowContext(ctx, `
			SELECT message_index FROM shared_outbound_sessions
			WHERE room_id = ? AND session_id = ? AND user_id = ? AND device_id = ?
		`, roomID, sessionID, userID, deviceID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify("read shared message index", err)
		}
		index, err := toMessageIndex(raw)
		if err != nil {
			return nil, err
		}
		return &index, nil
	})
}

func (r *sharedSessionRepository) AllIndices(ctx context.Context, roomID, sessionID string) (UsersDevicesMap, error) {
	return readValue(ctx, r.tc, func(q Querier) (UsersDevicesMap, error) {
		rows, err := q.QueryContext(ctx, `
			SELECT user_id, device_id, message_index FROM shared_outbound_sessions
			WHERE room_id = ? AND session_id = ?
		`, roomID, sessionID)
		if err != nil {
			return nil, classify("list shared message indices", err)
		}
		defer rows.Close()

		out := UsersDevicesMap{}
		for rows.Next() {
			var (
				userID, deviceID string
				raw              int64
			)
			if err := rows.Scan(&userID, &deviceID, &raw); err != nil {
				return nil, classify("list shared message indices: scan row", err)
			}
			index, err := toMessageIndex(raw)
			if err != nil {
				return nil, err
			}
			out.Set(userID, deviceID, index)
		}
		if err := rows.Err(); err != nil {
			return nil, classify("list shared message indices: iterate", err)
		}
		return out, nil
	})
}

func (r *sharedSessionRepository) DeleteSession(ctx context.Context, roomID, sessionID string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM shared_outbound_sessions WHERE room_id = ? AND session_id = ?`, roomID, sessionID)
		return classify("delete shared session", err)
	})
}

func toMessageIndex(raw int64) (uint32, error) {
	if raw < 0 || raw > int64(^uint32(0)) {
		return 0, encodingError("read shared message index", fmt.Errorf("value %d out of range", raw))
	}
	return uint32(raw), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
