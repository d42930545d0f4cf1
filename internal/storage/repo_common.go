package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, encodingError("parse timestamp", fmt.Errorf("%q: %w", raw, err))
	}
	return t.UTC(), nil
}

var (
	minStorableTime = time.Unix(0, math.MinInt64)
	maxStorableTime = time.Unix(0, math.MaxInt64)
)

// unixNanos encodes t for an INTEGER timestamp column. The zero time is
// stored as NULL, which sorts below every stored instant.
func unixNanos(op string, t time.Time) (sql.NullInt64, error) {
	if t.IsZero() {
		return sql.NullInt64{}, nil
	}
	if t.Before(minStorableTime) || t.After(maxStorableTime) {
		return sql.NullInt64{}, encodingError(op, fmt.Errorf("timestamp %s out of range", t.UTC().Format(time.RFC3339)))
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}, nil
}

func timeFromNanos(raw sql.NullInt64) time.Time {
	if !raw.Valid {
		return time.Time{}
	}
	return time.Unix(0, raw.Int64).UTC()
}

// nullableBlob binds nil as NULL and any other slice, empty included, as a
// BLOB. scanBlob reads the distinction back.
func nullableBlob(raw []byte) any {
	if raw == nil {
		return nil
	}
	return raw
}

// blobDest scans a BLOB column. The driver reports NULL as an untyped nil
// and a zero-length blob as a nil []byte, which database/sql would
// otherwise collapse into the same nil slice.
type blobDest struct {
	dst *[]byte
}

func scanBlob(dst *[]byte) blobDest {
	return blobDest{dst: dst}
}

func (b blobDest) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*b.dst = nil
	case []byte:
		*b.dst = append([]byte{}, v...)
	case string:
		*b.dst = []byte(v)
	default:
		return fmt.Errorf("%w: blob column holds %T", ErrEncoding, src)
	}
	return nil
}

func nullableString(raw *string) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *raw, Valid: true}
}

func stringPtr(raw sql.NullString) *string {
	if !raw.Valid {
		return nil
	}
	v := raw.String
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func requireKey(op string, parts ...string) error {
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("%s: %w: key component is empty", op, ErrConstraintViolation)
		}
	}
	return nil
}
