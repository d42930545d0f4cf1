package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type accountRepository struct {
	tc *Coordinator
}

const selectAccountColumns = `
	SELECT user_id, device_id, backup_version, device_tracking_status, sync_token, global_blacklist_unverified_devices, olm_account_data
	FROM olm_accounts
`

// Create inserts the account row for a freshly set-up device. It fails with
// ErrAlreadyExists when userID already has an account.
func (r *accountRepository) Create(ctx context.Context, userID, deviceID string) (*Account, error) {
	if err := requireKey("create account", userID, deviceID); err != nil {
		return nil, err
	}
	err := r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO olm_accounts(user_id, device_id) VALUES(?, ?)`, userID, deviceID)
		return classify("create account", err)
	})
	if err != nil {
		return nil, err
	}
	return &Account{UserID: userID, DeviceID: deviceID}, nil
}

func (r *accountRepository) Get(ctx context.Context, userID string) (*Account, error) {
	return readValue(ctx, r.tc, func(q Querier) (*Account, error) {
		return getAccount(ctx, q, userID)
	})
}

// Update loads the account, lets fn mutate it and persists the result, all
// under the write lock. fn returning an error discards the change.
func (r *accountRepository) Update(ctx context.Context, userID string, fn func(*Account) error) error {
	if fn == nil {
		return fmt.Errorf("update account: fn is nil")
	}
	return r.tc.Write(ctx, func(q Querier) error {
		account, err := getAccount(ctx, q, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("update account %q: %w", userID, ErrNotFound)
		}
		if err := fn(account); err != nil {
			return err
		}
		if account.UserID != userID {
			return fmt.Errorf("update account: %w: user id cannot change", ErrConstraintViolation)
		}
		if account.DeviceID == "" {
			return fmt.Errorf("update account: %w: device id is required", ErrConstraintViolation)
		}
		_, err = q.ExecContext(ctx, `
			UPDATE olm_accounts
			SET device_id = ?, backup_version = ?, device_tracking_status = ?, sync_token = ?,
				global_blacklist_unverified_devices = ?, olm_account_data = ?
			WHERE user_id = ?
		`, account.DeviceID, nullableString(account.BackupVersion), nullableBlob(account.DeviceTrackingStatus),
			nullableString(account.SyncToken), boolToInt(account.GlobalBlacklistUnverifiedDevices),
			nullableBlob(account.OlmAccountData), userID)
		return classify("update account", err)
	})
}

func (r *accountRepository) Delete(ctx context.Context, userID string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM olm_accounts WHERE user_id = ?`, userID)
		return classify("delete account", err)
	})
}

// DeviceID is the only narrow getter that requires the account to exist.
func (r *accountRepository) DeviceID(ctx context.Context, userID string) (string, error) {
	return readValue(ctx, r.tc, func(q Querier) (string, error) {
		var deviceID string
		err := q.QueryRowContext(ctx, `SELECT device_id FROM olm_accounts WHERE user_id = ?`, userID).Scan(&deviceID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("device id for %q: %w", userID, ErrNotFound)
		}
		if err != nil {
			return "", classify("read device id", err)
		}
		return deviceID, nil
	})
}

func (r *accountRepository) SetDeviceID(ctx context.Context, userID, deviceID string) error {
	if err := requireKey("store device id", deviceID); err != nil {
		return err
	}
	return r.setColumn(ctx, "store device id", "device_id", userID, deviceID)
}

func (r *accountRepository) SyncToken(ctx context.Context, userID string) (*string, error) {
	raw, err := r.nullStringColumn(ctx, "read sync token", "sync_token", userID)
	if err != nil {
		return nil, err
	}
	return stringPtr(raw), nil
}

func (r *accountRepository) SetSyncToken(ctx context.Context, userID, token string) error {
	return r.setColumn(ctx, "store sync token", "sync_token", userID, token)
}

func (r *accountRepository) BackupVersion(ctx context.Context, userID string) (*string, error) {
	raw, err := r.nullStringColumn(ctx, "read backup version", "backup_version", userID)
	if err != nil {
		return nil, err
	}
	return stringPtr(raw), nil
}

func (r *accountRepository) SetBackupVersion(ctx context.Context, userID string, version *string) error {
	return r.setColumn(ctx, "store backup version", "backup_version", userID, nullableString(version))
}

func (r *accountRepository) DeviceTrackingStatus(ctx context.Context, userID string) ([]byte, error) {
	return r.blobColumn(ctx, "read device tracking status", "device_tracking_status", userID)
}

func (r *accountRepository) SetDeviceTrackingStatus(ctx context.Context, userID string, data []byte) error {
	return r.setColumn(ctx, "store device tracking status", "device_tracking_status", userID, nullableBlob(data))
}

func (r *accountRepository) GlobalBlacklistUnverifiedDevices(ctx context.Context, userID string) (bool, error) {
	return readValue(ctx, r.tc, func(q Querier) (bool, error) {
		var blacklist int
		err := q.QueryRowContext(ctx, `SELECT global_blacklist_unverified_devices FROM olm_accounts WHERE user_id = ?`, userID).Scan(&blacklist)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, classify("read global blacklist", err)
		}
		return blacklist != 0, nil
	})
}

func (r *accountRepository) SetGlobalBlacklistUnverifiedDevices(ctx context.Context, userID string, blacklist bool) error {
	return r.setColumn(ctx, "store global blacklist", "global_blacklist_unverified_devices", userID, boolToInt(blacklist))
}

func (r *accountRepository) OlmAccountData(ctx context.Context, userID string) ([]byte, error) {
	return r.blobColumn(ctx, "read olm account data", "olm_account_data", userID)
}

func (r *accountRepository) SetOlmAccountData(ctx context.Context, userID string, data []byte) error {
	return r.setColumn(ctx, "store olm account data", "olm_account_data", userID, nullableBlob(data))
}

// setColumn rewrites a single column of an existing account. column is
// always one of the constants above, never caller input.
func (r *accountRepository) setColumn(ctx context.Context, op, column, userID string, value any) error {
	return r.tc.Write(ctx, func(q Querier) error {
		result, err := q.ExecContext(ctx, `UPDATE olm_accounts SET `+column+` = ? WHERE user_id = ?`, value, userID)
		if err != nil {
			return classify(op, err)
		}
		return requireAffected(op, result)
	})
}

func (r *accountRepository) nullStringColumn(ctx context.Context, op, column, userID string) (sql.NullString, error) {
	return readValue(ctx, r.tc, func(q Querier) (sql.NullString, error) {
		var raw sql.NullString
		err := q.QueryRowContext(ctx, `SELECT `+column+` FROM olm_accounts WHERE user_id = ?`, userID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.NullString{}, nil
		}
		if err != nil {
			return sql.NullString{}, classify(op, err)
		}
		return raw, nil
	})
}

func (r *accountRepository) blobColumn(ctx context.Context, op, column, userID string) ([]byte, error) {
	return readValue(ctx, r.tc, func(q Querier) ([]byte, error) {
		var raw []byte
		err := q.QueryRowContext(ctx, `SELECT `+column+` FROM olm_accounts WHERE user_id = ?`, userID).Scan(scanBlob(&raw))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(op, err)
		}
		return raw, nil
	})
}

func getAccount(ctx context.Context, q Querier, userID string) (*Account, error) {
	row := q.QueryRowContext(ctx, selectAccountColumns+` WHERE user_id = ?`, userID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get account", err)
	}
	return account, nil
}

func scanAccount(scanner rowScanner) (*Account, error) {
	var (
		account       Account
		backupVersion sql.NullString
		syncToken     sql.NullString
		blacklist     int
	)
	if err := scanner.Scan(
		&account.UserID,
		&account.DeviceID,
		&backupVersion,
		scanBlob(&account.DeviceTrackingStatus),
		&syncToken,
		&blacklist,
		scanBlob(&account.OlmAccountData),
	); err != nil {
		return nil, err
	}
	account.BackupVersion = stringPtr(backupVersion)
	account.SyncToken = stringPtr(syncToken)
	account.GlobalBlacklistUnverifiedDevices = blacklist != 0
	return &account, nil
}
