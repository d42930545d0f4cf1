package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type roomAlgorithmRepository struct {
	tc *Coordinator
}

const selectRoomAlgorithmColumns = `SELECT room_id, algorithm, blacklist_unverified_devices FROM room_algorithms`

func (r *roomAlgorithmRepository) FindOrCreate(ctx context.Context, roomID string) (*RoomAlgorithm, error) {
	if err := requireKey("find or create room algorithm", roomID); err != nil {
		return nil, err
	}
	return writeValue(ctx, r.tc, func(q Querier) (*RoomAlgorithm, error) {
		if err := ensureRoomAlgorithm(ctx, q, roomID); err != nil {
			return nil, err
		}
		room, err := getRoomAlgorithm(ctx, q, roomID)
		if err != nil {
			return nil, err
		}
		if room == nil {
			return nil, fmt.Errorf("find or create room algorithm %q: %w", roomID, ErrNotFound)
		}
		return room, nil
	})
}

func (r *roomAlgorithmRepository) Get(ctx context.Context, roomID string) (*RoomAlgorithm, error) {
	return readValue(ctx, r.tc, func(q Querier) (*RoomAlgorithm, error) {
		return getRoomAlgorithm(ctx, q, roomID)
	})
}

func (r *roomAlgorithmRepository) List(ctx context.Context) ([]RoomAlgorithm, error) {
	return readValue(ctx, r.tc, func(q Querier) ([]RoomAlgorithm, error) {
		rows, err := q.QueryContext(ctx, selectRoomAlgorithmColumns+` ORDER BY room_id ASC`)
		if err != nil {
			return nil, classify("list room algorithms", err)
		}
		defer rows.Close()

		out := []RoomAlgorithm{}
		for rows.Next() {
			room, err := scanRoomAlgorithm(rows)
			if err != nil {
				return nil, classify("list room algorithms: scan row", err)
			}
			out = append(out, *room)
		}
		if err := rows.Err(); err != nil {
			return nil, classify("list room algorithms: iterate", err)
		}
		return out, nil
	})
}

func (r *roomAlgorithmRepository) Algorithm(ctx context.Context, roomID string) (*string, error) {
	room, err := r.Get(ctx, roomID)
	if err != nil || room == nil {
		return nil, err
	}
	return room.Algorithm, nil
}

func (r *roomAlgorithmRepository) SetAlgorithm(ctx context.Context, roomID, algorithm string) error {
	return r.setColumn(ctx, "store room algorithm", "algorithm", roomID, algorithm)
}

// BlacklistUnverifiedDevices defaults to false for rooms never seen.
func (r *roomAlgorithmRepository) BlacklistUnverifiedDevices(ctx context.Context, roomID string) (bool, error) {
	room, err := r.Get(ctx, roomID)
	if err != nil || room == nil {
		return false, err
	}
	return room.BlacklistUnverifiedDevices, nil
}

func (r *roomAlgorithmRepository) SetBlacklistUnverifiedDevices(ctx context.Context, roomID string, blacklist bool) error {
	return r.setColumn(ctx, "store room blacklist", "blacklist_unverified_devices", roomID, boolToInt(blacklist))
}

func (r *roomAlgorithmRepository) Delete(ctx context.Context, roomID string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM room_algorithms WHERE room_id = ?`, roomID)
		return classify("delete room algorithm", err)
	})
}

func (r *roomAlgorithmRepository) setColumn(ctx context.Context, op, column, roomID string, value any) error {
	if err := requireKey(op, roomID); err != nil {
		return err
	}
	return r.tc.Write(ctx, func(q Querier) error {
		if err := ensureRoomAlgorithm(ctx, q, roomID); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `UPDATE room_algorithms SET `+column+` = ? WHERE room_id = ?`, value, roomID)
		return classify(op, err)
	})
}

func ensureRoomAlgorithm(ctx context.Context, q Querier, roomID string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO room_algorithms(room_id) VALUES(?) ON CONFLICT(room_id) DO NOTHING`, roomID)
	return classify("ensure room algorithm", err)
}

func getRoomAlgorithm(ctx context.Context, q Querier, roomID string) (*RoomAlgorithm, error) {
	room, err := scanRoomAlgorithm(q.QueryRowContext(ctx, selectRoomAlgorithmColumns+` WHERE room_id = ?`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get room algorithm", err)
	}
	return room, nil
}

func scanRoomAlgorithm(scanner rowScanner) (*RoomAlgorithm, error) {
	var (
		room      RoomAlgorithm
		algorithm sql.NullString
		blacklist int
	)
	if err := scanner.Scan(&room.RoomID, &algorithm, &blacklist); err != nil {
		return nil, err
	}
	room.Algorithm = stringPtr(algorithm)
	room.BlacklistUnverifiedDevices = blacklist != 0
	return &room, nil
}
