package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type deviceRepository struct {
	tc *Coordinator
}

const selectDeviceColumns = `SELECT id, user_id, identity_key, data FROM devices`

// Store upserts a single device, creating its owning user row if needed.
func (r *deviceRepository) Store(ctx context.Context, device *Device) error {
	if device == nil {
		return fmt.Errorf("store device: device is nil")
	}
	if err := requireKey("store device", device.ID, device.UserID); err != nil {
		return err
	}
	return r.tc.Write(ctx, func(q Querier) error {
		if err := ensureUser(ctx, q, device.UserID); err != nil {
			return err
		}
		return upsertDevice(ctx, q, device)
	})
}

// ReplaceForUser swaps the complete device list of userID in one
// transaction; a failure on any device leaves the previous list intact.
func (r *deviceRepository) ReplaceForUser(ctx context.Context, userID string, devices []Device) error {
	if err := requireKey("replace devices", userID); err != nil {
		return err
	}
	for i := range devices {
		if devices[i].UserID != userID {
			return fmt.Errorf("replace devices for %q: %w: device %q belongs to %q", userID, ErrConstraintViolation, devices[i].ID, devices[i].UserID)
		}
		if devices[i].ID == "" {
			return fmt.Errorf("replace devices for %q: %w: empty device id", userID, ErrConstraintViolation)
		}
	}
	return r.tc.Write(ctx, func(q Querier) error {
		if err := ensureUser(ctx, q, userID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ?`, userID); err != nil {
			return classify("replace devices: clear", err)
		}
		for i := range devices {
			if err := upsertDevice(ctx, q, &devices[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *deviceRepository) Get(ctx context.Context, userID, deviceID string) (*Device, error) {
	return readValue(ctx, r.tc, func(q Querier) (*Device, error) {
		row := q.QueryRowContext(ctx, selectDeviceColumns+` WHERE user_id = ? AND id = ?`, userID, deviceID)
		return scanOptionalDevice("get device", row)
	})
}

func (r *deviceRepository) GetByIdentityKey(ctx context.Context, identityKey string) (*Device, error) {
	return readValue(ctx, r.tc, func(q Querier) (*Device, error) {
		row := q.QueryRowContext(ctx, selectDeviceColumns+` WHERE identity_key = ? LIMIT 1`, identityKey)
		return scanOptionalDevice("get device by identity key", row)
	})
}

func (r *deviceRepository) ListByUser(ctx context.Context, userID string) ([]Device, error) {
	return readValue(ctx, r.tc, func(q Querier) ([]Device, error) {
		rows, err := q.QueryContext(ctx, selectDeviceColumns+` WHERE user_id = ? ORDER BY id ASC`, userID)
		if err != nil {
			return nil, classify("list devices", err)
		}
		defer rows.Close()

		out := []Device{}
		for rows.Next() {
			device, err := scanDevice(rows)
			if err != nil {
				return nil, classify("list devices: scan row", err)
			}
			out = append(out, *device)
		}
		if err := rows.Err(); err != nil {
			return nil, classify("list devices: iterate", err)
		}
		return out, nil
	})
}

func (r *deviceRepository) Delete(ctx context.Context, userID, deviceID string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ? AND id = ?`, userID, deviceID)
		return classify("delete device", err)
	})
}

func upsertDevice(ctx context.Context, q Querier, device *Device) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO devices(id, user_id, identity_key, data)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(id, user_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			data = excluded.data
	`, device.ID, device.UserID, nullableString(device.IdentityKey), nullableBlob(device.Data))
	if err != nil {
		return classify(fmt.Sprintf("store device %q", device.ID), err)
	}
	return nil
}

func deviceExists(ctx context.Context, q Querier, userID, deviceID string) (bool, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM devices WHERE user_id = ? AND id = ?`, userID, deviceID).Scan(&count); err != nil {
		return false, classify("check device", err)
	}
	return count > 0, nil
}

func scanOptionalDevice(op string, row *sql.Row) (*Device, error) {
	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return device, nil
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var (
		device      Device
		identityKey sql.NullString
	)
	if err := scanner.Scan(&device.ID, &device.UserID, &identityKey, scanBlob(&device.Data)); err != nil {
		return nil, err
	}
	device.IdentityKey = stringPtr(identityKey)
	return &device, nil
}
