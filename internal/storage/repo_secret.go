package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type secretRepository struct {
	tc *Coordinator
}

// Store upserts secret by id. The encrypted value and its IV travel
// together: both set or both nil.
func (r *secretRepository) Store(ctx context.Context, secret *Secret) error {
	if secret == nil {
		return fmt.Errorf("store secret: secret is nil")
	}
	if err := requireKey("store secret", secret.ID); err != nil {
		return err
	}
	if err := checkSecretPair(secret); err != nil {
		return fmt.Errorf("store secret %q: %w", secret.ID, err)
	}
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO secrets(id, secret, encrypted_secret, iv)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				secret = excluded.secret,
				encrypted_secret = excluded.encrypted_secret,
				iv = excluded.iv
		`, secret.ID, nullableString(secret.Plaintext), nullableBlob(secret.EncryptedSecret), nullableBlob(secret.IV))
		return classify("store secret", err)
	})
}

func (r *secretRepository) Get(ctx context.Context, id string) (*Secret, error) {
	return readValue(ctx, r.tc, func(q Querier) (*Secret, error) {
		var (
			secret    Secret
			plaintext sql.NullString
		)
		err := q.QueryRowContext(ctx, `SELECT id, secret, encrypted_secret, iv FROM secrets WHERE id = ?`, id).
			Scan(&secret.ID, &plaintext, scanBlob(&secret.EncryptedSecret), scanBlob(&secret.IV))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify("get secret", err)
		}
		secret.Plaintext = stringPtr(plaintext)
		if err := checkSecretPair(&secret); err != nil {
			return nil, fmt.Errorf("get secret %q: %w", id, err)
		}
		return &secret, nil
	})
}

func (r *secretRepository) Delete(ctx context.Context, id string) error {
	return r.tc.Write(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM secrets WHERE id = ?`, id)
		return classify("delete secret", err)
	})
}

func checkSecretPair(secret *Secret) error {
	if (secret.EncryptedSecret == nil) != (secret.IV == nil) {
		return fmt.Errorf("%w: encrypted secret and iv must be stored together", ErrEncoding)
	}
	return nil
}
