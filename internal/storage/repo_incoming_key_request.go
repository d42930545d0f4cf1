package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type incomingKeyRequestRepository struct {
	tc *Coordinator
}

const selectIncomingKeyRequestColumns = `SELECT row_id, request_id, user_id, device_id, request_body_data FROM incoming_room_key_requests`

// Store always inserts a new row, so repeated requests with the same
// (RequestID, UserID, DeviceID) are kept as duplicates.
func (r *incomingKeyRequestRepository) Store(ctx context.Context, req *IncomingRoomKeyRequest) error {
	if req == nil {
		return fmt.Errorf("store incoming key request: request is nil")
	}
	if err := requireKey("store incoming key request", req.RequestID, req.UserID, req.DeviceID); err != nil {
		return err
	}
	rowID := uuid.NewString()
	err := r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO incoming_room_key_requests(row_id, request_id, user_id, device_id, request_body_data, created_at_ns)
			VALUES(?, ?, ?, ?, ?, ?)
		`, rowID, req.RequestID, req.UserID, req.DeviceID, nullableBlob(req.RequestBodyData), time.Now().UnixNano())
		return classify("store incoming key request", err)
	})
	if err != nil {
		return err
	}
	req.RowID = rowID
	return nil
}

// Get returns the oldest stored request matching the triple.
func (r *incomingKeyRequestRepository) Get(ctx context.Context, requestID, userID, deviceID string) (*IncomingRoomKeyRequest, error) {
	return readValue(ctx, r.tc, func(q Querier) (*IncomingRoomKeyRequest, error) {
		req, err := scanIncomingKeyRequest(q.QueryRowContext(ctx, selectIncomingKeyRequestColumns+`
			WHERE request_id = ? AND user_id = ? AND device_id = ?
			ORDER BY created_at_ns ASC, rowid ASC LIMIT 1
		`, requestID, userID, deviceID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify("get incoming key request", err)
		}
		return req, nil
	})
}

func (r *incomingKeyRequestRepository) List(ctx context.Context) ([]IncomingRoomKeyRequest, error) {
	return readValue(ctx, r.tc, func(q Querier) ([]IncomingRoomKeyRequest, error) {
		rows, err := q.QueryContext(ctx, selectIncomingKeyRequestColumns+` ORDER BY created_at_ns ASC, rowid ASC`)
		if err != nil {
			return nil, classify("list incoming key requests", err)
		}
		defer rows.Close()

		out := []IncomingRoomKeyRequest{}
		for rows.Next() {
			req, err := scanIncomingKeyRequest(rows)
			if err != nil {
				return nil, classify("list incoming key requests: scan row", err)
			}
			out = append(out, *req)
		}
		if err := rows.Err(); err != nil {
			return nil, classify("list incoming key requests: iterate", err)
		}
		return out, nil
	})
}

// Delete removes every stored duplicate of the triple.
func (r *incomingKeyRequestRepository) Delete(ctx context.Context, requestID, userID, deviceID string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `
			DELETE FROM incoming_room_key_requests
			WHERE request_id = ? AND user_id = ? AND device_id = ?
		`, requestID, userID, deviceID)
		return classify("delete incoming key request", err)
	})
}

func scanIncomingKeyRequest(scanner rowScanner) (*IncomingRoomKeyRequest, error) {
	var req IncomingRoomKeyRequest
	if err := scanner.Scan(&req.RowID, &req.RequestID, &req.UserID, &req.DeviceID, scanBlob(&req.RequestBodyData)); err != nil {
		return nil, err
	}
	return &req, nil
}
