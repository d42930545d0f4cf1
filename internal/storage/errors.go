package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// classify wraps a driver error with the matching storage sentinel while
// keeping the cause reachable through errors.As.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrNotFound, ErrAlreadyExists, ErrStorageIO, ErrEncoding, ErrConstraintViolation, ErrSchemaTooNew, ErrClosed} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch code & 0xff {
		case sqlite3lib.SQLITE_CONSTRAINT:
			switch code {
			case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
				return fmt.Errorf("%s: %w: %w", op, ErrAlreadyExists, err)
			}
			return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
		case sqlite3lib.SQLITE_MISMATCH, sqlite3lib.SQLITE_TOOBIG, sqlite3lib.SQLITE_RANGE:
			return fmt.Errorf("%s: %w: %w", op, ErrEncoding, err)
		}
	}
	if strings.Contains(err.Error(), "sql: Scan error") {
		return fmt.Errorf("%s: %w: %w", op, ErrEncoding, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageIO, err)
}

func encodingError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrEncoding, err)
}
