package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"
)

const schemaVersionMetaKey = "schema_version"

type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

var defaultMigrations = []Migration{
	{
		Version:     1,
		Description: "create crypto tables",
		Up: func(tx *sql.Tx) error {
			statements := []string{
				`CREATE TABLE IF NOT EXISTS olm_accounts (
					user_id TEXT NOT NULL PRIMARY KEY,
					device_id TEXT NOT NULL,
					backup_version TEXT,
					device_tracking_status BLOB,
					sync_token TEXT,
					global_blacklist_unverified_devices INTEGER NOT NULL DEFAULT 0,
					olm_account_data BLOB
				)`,
				`CREATE TABLE IF NOT EXISTS devices (
					id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					identity_key TEXT,
					data BLOB,
					PRIMARY KEY (id, user_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices(user_id)`,
				`CREATE INDEX IF NOT EXISTS idx_devices_identity_key ON devices(identity_key)`,
				`CREATE TABLE IF NOT EXISTS users (
					id TEXT NOT NULL PRIMARY KEY,
					cross_signing_keys_data BLOB
				)`,
				`CREATE TABLE IF NOT EXISTS room_algorithms (
					room_id TEXT NOT NULL PRIMARY KEY,
					algorithm TEXT,
					blacklist_unverified_devices INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS olm_sessions (
					id TEXT NOT NULL,
					device_key TEXT NOT NULL,
					last_received_message_ts TEXT NOT NULL,
					session_data BLOB,
					PRIMARY KEY (id, device_key)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_olm_sessions_device_key ON olm_sessions(device_key)`,
				`CREATE TABLE IF NOT EXISTS inbound_group_sessions (
					id TEXT NOT NULL,
					sender_key TEXT NOT NULL,
					session_data BLOB,
					backed_up INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (id, sender_key)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_inbound_group_sessions_backed_up ON inbound_group_sessions(backed_up)`,
				`CREATE TABLE IF NOT EXISTS outbound_group_sessions (
					room_id TEXT NOT NULL PRIMARY KEY,
					session_id TEXT NOT NULL,
					session_data BLOB,
					creation_time TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS shared_outbound_sessions (
					room_id TEXT NOT NULL,
					session_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					device_id TEXT NOT NULL,
					message_index INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS outgoing_room_key_requests (
					id TEXT NOT NULL PRIMARY KEY,
					cancellation_txn_id TEXT,
					recipients_data BLOB,
					request_body_string TEXT NOT NULL,
					request_body_hash TEXT NOT NULL,
					state INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_outgoing_room_key_requests_hash ON outgoing_room_key_requests(request_body_hash)`,
				`CREATE INDEX IF NOT EXISTS idx_outgoing_room_key_requests_state ON outgoing_room_key_requests(state)`,
				`CREATE TABLE IF NOT EXISTS incoming_room_key_requests (
					row_id TEXT NOT NULL PRIMARY KEY,
					request_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					device_id TEXT NOT NULL,
					request_body_data BLOB,
					created_at TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_incoming_room_key_requests_lookup ON incoming_room_key_requests(request_id, user_id, device_id)`,
				`CREATE TABLE IF NOT EXISTS secrets (
					id TEXT NOT NULL PRIMARY KEY,
					secret TEXT,
					encrypted_secret BLOB,
					iv BLOB
				)`,
			}
			for _, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("apply migration v1 statement: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "unique shared outbound session recipients",
		Up: func(tx *sql.Tx) error {
			// Collapse duplicates written before the unique index existed,
			// keeping the highest index handed to each recipient.
			if _, err := tx.Exec(`
				DELETE FROM shared_outbound_sessions
				WHERE rowid NOT IN (
					SELECT rowid FROM (
						SELECT rowid, ROW_NUMBER() OVER (
							PARTITION BY room_id, session_id, user_id, device_id
							ORDER BY message_index DESC, rowid DESC
						) AS rn
						FROM shared_outbound_sessions
					) WHERE rn = 1
				)
			`); err != nil {
				return fmt.Errorf("dedupe shared_outbound_sessions: %w", err)
			}
			if _, err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_shared_outbound_sessions_recipient
				ON shared_outbound_sessions(room_id, session_id, user_id, device_id)`); err != nil {
				return fmt.Errorf("create shared outbound recipient index: %w", err)
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "integer timestamps for ordered columns",
		Up: func(tx *sql.Tx) error {
			if err := timestampToNanos(tx, "olm_sessions", "last_received_message_ts", "last_received_message_ns"); err != nil {
				return err
			}
			if err := timestampToNanos(tx, "incoming_room_key_requests", "created_at", "created_at_ns"); err != nil {
				return err
			}
			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_olm_sessions_device_last_received
				ON olm_sessions(device_key, last_received_message_ns)`); err != nil {
				return fmt.Errorf("create olm session recency index: %w", err)
			}
			return nil
		},
	},
}

// timestampToNanos moves an RFC 3339 TEXT column into a new INTEGER column
// of unix nanoseconds and drops the old one. Text timestamps do not sort
// chronologically once trailing fractional zeros are trimmed.
func timestampToNanos(tx *sql.Tx, table, from, to string) error {
	if _, err := tx.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + to + ` INTEGER`); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, to, err)
	}

	type converted struct {
		rowID int64
		ns    sql.NullInt64
	}
	rows, err := tx.Query(`SELECT rowid, ` + from + ` FROM ` + table)
	if err != nil {
		return fmt.Errorf("read %s.%s: %w", table, from, err)
	}
	var pending []converted
	for rows.Next() {
		var (
			rowID int64
			raw   string
		)
		if err := rows.Scan(&rowID, &raw); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan %s.%s: %w", table, from, err)
		}
		ts, err := parseTime(raw)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("convert %s.%s: %w", table, from, err)
		}
		ns, err := unixNanos("convert "+table+"."+from, ts)
		if err != nil {
			_ = rows.Close()
			return err
		}
		pending = append(pending, converted{rowID: rowID, ns: ns})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate %s.%s: %w", table, from, err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close %s rows: %w", table, err)
	}

	for _, row := range pending {
		if _, err := tx.Exec(`UPDATE `+table+` SET `+to+` = ? WHERE rowid = ?`, row.ns, row.rowID); err != nil {
			return fmt.Errorf("write %s.%s: %w", table, to, err)
		}
	}
	if _, err := tx.Exec(`ALTER TABLE ` + table + ` DROP COLUMN ` + from); err != nil {
		return fmt.Errorf("drop %s.%s: %w", table, from, err)
	}
	return nil
}

func DefaultMigrations() []Migration {
	out := make([]Migration, len(defaultMigrations))
	copy(out, defaultMigrations)
	return out
}

func CurrentSchemaVersion() int {
	return maxMigrationVersion(defaultMigrations)
}

// RunMigrations applies every migration newer than the recorded schema
// version, each in its own transaction. Running it against an up-to-date
// database is a no-op.
func RunMigrations(db *sql.DB, migrations []Migration) error {
	if db == nil {
		return fmt.Errorf("run migrations: db is nil")
	}

	if err := ensureMigrationTables(db); err != nil {
		return err
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	current, err := readSchemaVersion(db)
	if err != nil {
		return err
	}

	maxVersion := maxMigrationVersion(ordered)
	if current > maxVersion {
		return fmt.Errorf("%w: db=%d code=%d", ErrSchemaTooNew, current, maxVersion)
	}

	for _, migration := range ordered {
		if migration.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration v%d (%s): %w", migration.Version, migration.Description, err)
		}

		if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_migrations(version, description, applied_at) VALUES (?, ?, ?)`, migration.Version, migration.Description, fmtTime(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema migration v%d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(`INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, schemaVersionMetaKey, strconv.Itoa(migration.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update schema version v%d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", migration.Version, err)
		}
	}

	return nil
}

func ensureMigrationTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			applied_at TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO store_meta(key, value) VALUES('` + schemaVersionMetaKey + `', '0')`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure migration tables: %w", err)
		}
	}
	return nil
}

func readSchemaVersion(q interface {
	QueryRow(query string, args ...any) *sql.Row
}) (int, error) {
	var versionStr string
	if err := q.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&versionStr); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionStr, err)
	}
	return version, nil
}

func maxMigrationVersion(migrations []Migration) int {
	max := 0
	for _, migration := range migrations {
		if migration.Version > max {
			max = migration.Version
		}
	}
	return max
}
