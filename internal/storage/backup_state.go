package storage

import (
	"context"
	"fmt"
)

// SwitchBackupVersion records version as the account's key backup version.
// When it differs from the stored one, every inbound session's backup
// marker is cleared in the same transaction, so sessions uploaded to an
// older backup are sent again. A nil version disables backup. It reports
// whether anything changed and returns ErrNotFound without an account.
func (s *Store) SwitchBackupVersion(ctx context.Context, userID string, version *string) (bool, error) {
	return writeValue(ctx, s.tc, func(q Querier) (bool, error) {
		account, err := getAccount(ctx, q, userID)
		if err != nil {
			return false, err
		}
		if account == nil {
			return false, fmt.Errorf("switch backup version for %q: %w", userID, ErrNotFound)
		}
		if equalOptional(account.BackupVersion, version) {
			return false, nil
		}
		if err := resetInboundBackupMarkers(ctx, q); err != nil {
			return false, err
		}
		if _, err := q.ExecContext(ctx, `UPDATE olm_accounts SET backup_version = ? WHERE user_id = ?`, nullableString(version), userID); err != nil {
			return false, classify("switch backup version", err)
		}
		return true, nil
	})
}

// MarkBackedUpForVersion marks refs as backed up only if the account's
// backup version is still version. It reports false, with nothing marked,
// when the version moved on while the upload was in flight.
func (s *Store) MarkBackedUpForVersion(ctx context.Context, userID, version string, refs ...SessionRef) (bool, error) {
	return writeValue(ctx, s.tc, func(q Querier) (bool, error) {
		account, err := getAccount(ctx, q, userID)
		if err != nil {
			return false, err
		}
		if account == nil {
			return false, fmt.Errorf("mark backed up for %q: %w", userID, ErrNotFound)
		}
		if account.BackupVersion == nil || *account.BackupVersion != version {
			return false, nil
		}
		if err := markInboundBackedUp(ctx, q, refs); err != nil {
			return false, err
		}
		return true, nil
	})
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
