package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type outgoingKeyRequestRepository struct {
	tc *Coordinator
}

const selectOutgoingKeyRequestColumns = `
	SELECT id, cancellation_txn_id, recipients_data, request_body_string, request_body_hash, state
	FROM outgoing_room_key_requests
`

// Store upserts req by id. An empty id is replaced with a generated one.
func (r *outgoingKeyRequestRepository) Store(ctx context.Context, req *OutgoingRoomKeyRequest) error {
	if req == nil {
		return fmt.Errorf("store outgoing key request: request is nil")
	}
	if !req.State.Valid() {
		return fmt.Errorf("store outgoing key request: %w: unknown state %d", ErrConstraintViolation, req.State)
	}
	req.ID = ensureID(req.ID)
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO outgoing_room_key_requests(id, cancellation_txn_id, recipients_data, request_body_string, request_body_hash, state)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				cancellation_txn_id = excluded.cancellation_txn_id,
				recipients_data = excluded.recipients_data,
				request_body_string = excluded.request_body_string,
				request_body_hash = excluded.request_body_hash,
				state = excluded.state
		`, req.ID, nullableString(req.CancellationTxnID), nullableBlob(req.RecipientsData),
			req.RequestBodyString, req.RequestBodyHash, int(req.State))
		return classify("store outgoing key request", err)
	})
}

func (r *outgoingKeyRequestRepository) Get(ctx context.Context, id string) (*OutgoingRoomKeyRequest, error) {
	return r.getOne(ctx, "get outgoing key request", ` WHERE id = ?`, id)
}

func (r *outgoingKeyRequestRepository) GetByRequestBodyHash(ctx context.Context, hash string) (*OutgoingRoomKeyRequest, error) {
	return r.getOne(ctx, "get outgoing key request by hash", ` WHERE request_body_hash = ? ORDER BY id ASC LIMIT 1`, hash)
}

// GetByState returns the first request in state, if any.
func (r *outgoingKeyRequestRepository) GetByState(ctx context.Context, state RoomKeyRequestState) (*OutgoingRoomKeyRequest, error) {
	return r.getOne(ctx, "get outgoing key request by state", ` WHERE state = ? ORDER BY id ASC LIMIT 1`, int(state))
}

func (r *outgoingKeyRequestRepository) ListByState(ctx context.Context, states ...RoomKeyRequestState) ([]OutgoingRoomKeyRequest, error) {
	if len(states) == 0 {
		return []OutgoingRoomKeyRequest{}, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, state := range states {
		placeholders[i] = "?"
		args[i] = int(state)
	}
	query := selectOutgoingKeyRequestColumns + ` WHERE state IN (` + strings.Join(placeholders, ", ") + `) ORDER BY id ASC`
	return r.list(ctx, "list outgoing key requests by state", query, args...)
}

func (r *outgoingKeyRequestRepository) List(ctx context.Context) ([]OutgoingRoomKeyRequest, error) {
	return r.list(ctx, "list outgoing key requests", selectOutgoingKeyRequestColumns+` ORDER BY id ASC`)
}

func (r *outgoingKeyRequestRepository) UpdateState(ctx context.Context, id string, state RoomKeyRequestState) error {
	if !state.Valid() {
		return fmt.Errorf("update outgoing key request state: %w: unknown state %d", ErrConstraintViolation, state)
	}
	return r.tc.Write(ctx, func(q Querier) error {
		result, err := q.ExecContext(ctx, `UPDATE outgoing_room_key_requests SET state = ? WHERE id = ?`, int(state), id)
		if err != nil {
			return classify("update outgoing key request state", err)
		}
		return requireAffected(fmt.Sprintf("update outgoing key request %q state", id), result)
	})
}

func (r *outgoingKeyRequestRepository) Delete(ctx context.Context, id string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM outgoing_room_key_requests WHERE id = ?`, id)
		return classify("delete outgoing key request", err)
	})
}

func (r *outgoingKeyRequestRepository) getOne(ctx context.Context, op, where string, args ...any) (*OutgoingRoomKeyRequest, error) {
	return readValue(ctx, r.tc, func(q Querier) (*OutgoingRoomKeyRequest, error) {
		req, err := scanOutgoingKeyRequest(q.QueryRowContext(ctx, selectOutgoingKeyRequestColumns+where, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(op, err)
		}
		return req, nil
	})
}

func (r *outgoingKeyRequestRepository) list(ctx context.Context, op, query string, args ...any) ([]OutgoingRoomKeyRequest, error) {
	return readValue(ctx, r.tc, func(q Querier) ([]OutgoingRoomKeyRequest, error) {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, classify(op, err)
		}
		defer rows.Close()

		out := []OutgoingRoomKeyRequest{}
		for rows.Next() {
			req, err := scanOutgoingKeyRequest(rows)
			if err != nil {
				return nil, classify(op+": scan row", err)
			}
			out = append(out, *req)
		}
		if err := rows.Err(); err != nil {
			return nil, classify(op+": iterate", err)
		}
		return out, nil
	})
}

func scanOutgoingKeyRequest(scanner rowScanner) (*OutgoingRoomKeyRequest, error) {
	var (
		req         OutgoingRoomKeyRequest
		cancelTxnID sql.NullString
		state       int64
	)
	if err := scanner.Scan(&req.ID, &cancelTxnID, scanBlob(&req.RecipientsData), &req.RequestBodyString, &req.RequestBodyHash, &state); err != nil {
		return nil, err
	}
	if state < 0 || state > 255 || !RoomKeyRequestState(state).Valid() {
		return nil, encodingError("decode key request state", fmt.Errorf("unknown state %d", state))
	}
	req.State = RoomKeyRequestState(state)
	req.CancellationTxnID = stringPtr(cancelTxnID)
	return &req, nil
}
