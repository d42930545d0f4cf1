package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

const (
	// journal_mode is stored in the database file, so one connection
	// setting it covers the whole pool. Per-connection pragmas go in the DSN.
	pragmaJournalModeWAL = `PRAGMA journal_mode=WAL`

	defaultBusyTimeout  = 5 * time.Second
	defaultMaxOpenConns = 8

	tracerName = "github.com/amanthanvi/cryptostore/internal/storage"
)

// Options tunes how a store is opened. The zero value is usable.
type Options struct {
	Logger       *slog.Logger
	Tracer       trace.Tracer
	BusyTimeout  time.Duration
	MaxOpenConns int
}

type Store struct {
	db     *sql.DB
	path   string
	tc     *Coordinator
	logger *slog.Logger

	Accounts              AccountRepository
	Devices               DeviceRepository
	Users                 UserRepository
	RoomAlgorithms        RoomAlgorithmRepository
	OlmSessions           OlmSessionRepository
	InboundGroupSessions  InboundGroupSessionRepository
	OutboundGroupSessions OutboundGroupSessionRepository
	SharedSessions        SharedSessionRepository
	OutgoingKeyRequests   OutgoingKeyRequestRepository
	IncomingKeyRequests   IncomingKeyRequestRepository
	Secrets               SecretRepository
}

// Open opens (creating if needed) the store file at path and migrates it to
// the current schema. No handle is returned unless migration succeeded.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open storage: empty path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	busyTimeout := opts.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open storage: create parent dir: %w: %w", ErrStorageIO, err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, busyTimeout))
	if err != nil {
		return nil, classify("open storage", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := RunMigrations(db, DefaultMigrations()); err != nil {
		_ = db.Close()
		if errors.Is(err, ErrSchemaTooNew) {
			return nil, err
		}
		return nil, classify("open storage", err)
	}

	if err := ensureDBPermissions(path); err != nil {
		_ = db.Close()
		return nil, err
	}

	tc := newCoordinator(db, logger, tracer)
	store := &Store{
		db:     db,
		path:   path,
		tc:     tc,
		logger: logger,
	}
	store.Accounts = &accountRepository{tc: tc}
	store.Devices = &deviceRepository{tc: tc}
	store.Users = &userRepository{tc: tc}
	store.RoomAlgorithms = &roomAlgorithmRepository{tc: tc}
	store.OlmSessions = &olmSessionRepository{tc: tc}
	store.InboundGroupSessions = &inboundGroupSessionRepository{tc: tc}
	store.OutboundGroupSessions = &outboundGroupSessionRepository{tc: tc}
	store.SharedSessions = &sharedSessionRepository{tc: tc, logger: logger}
	store.OutgoingKeyRequests = &outgoingKeyRequestRepository{tc: tc}
	store.IncomingKeyRequests = &incomingKeyRequestRepository{tc: tc}
	store.Secrets = &secretRepository{tc: tc}

	logger.Debug("crypto store opened", "path", path, "schema_version", CurrentSchemaVersion())
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.tc.close()
	return s.db.Close()
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Read runs fn inside a read transaction; see Coordinator.Read.
func (s *Store) Read(ctx context.Context, fn func(q Querier) error) error {
	return s.tc.Read(ctx, fn)
}

// Write runs fn under the store-wide write lock; see Coordinator.Write.
func (s *Store) Write(ctx context.Context, fn func(q Querier) error) error {
	return s.tc.Write(ctx, fn)
}

func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return readValue(ctx, s.tc, func(q Querier) (int, error) {
		var raw string
		if err := q.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&raw); err != nil {
			return 0, classify("read schema version", err)
		}
		var version int
		if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
			return 0, fmt.Errorf("read schema version: %w: %w", ErrEncoding, err)
		}
		return version, nil
	})
}

var statsTables = []string{
	"olm_accounts",
	"devices",
	"users",
	"room_algorithms",
	"olm_sessions",
	"inbound_group_sessions",
	"outbound_group_sessions",
	"shared_outbound_sessions",
	"outgoing_room_key_requests",
	"incoming_room_key_requests",
	"secrets",
}

// Stats counts rows per table from a single snapshot.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return readValue(ctx, s.tc, func(q Querier) (Stats, error) {
		stats := Stats{Tables: make(map[string]int, len(statsTables))}
		var raw string
		if err := q.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&raw); err != nil {
			return Stats{}, classify("stats: schema version", err)
		}
		if _, err := fmt.Sscanf(raw, "%d", &stats.SchemaVersion); err != nil {
			return Stats{}, fmt.Errorf("stats: schema version: %w: %w", ErrEncoding, err)
		}
		for _, table := range statsTables {
			var count int
			if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table).Scan(&count); err != nil {
				return Stats{}, classify("stats: count "+table, err)
			}
			stats.Tables[table] = count
		}
		if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM inbound_group_sessions WHERE backed_up = 1`).Scan(&stats.InboundSessionsBackedUp); err != nil {
			return Stats{}, classify("stats: count backed up", err)
		}
		return stats, nil
	})
}

// Delete removes the store file and its WAL/SHM companions. The files are
// first moved into a staging directory with renames, so a failure leaves
// the store either intact or fully gone. The store must be closed.
func Delete(path string) error {
	if path == "" {
		return fmt.Errorf("delete storage: empty path")
	}
	candidates := []string{path, path + "-wal", path + "-shm"}
	present := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if _, err := os.Lstat(candidate); err == nil {
			present = append(present, candidate)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete storage: stat %s: %w: %w", candidate, ErrStorageIO, err)
		}
	}
	if len(present) == 0 {
		return nil
	}

	staging, err := os.MkdirTemp(filepath.Dir(path), ".cryptostore-delete-")
	if err != nil {
		return fmt.Errorf("delete storage: create staging dir: %w: %w", ErrStorageIO, err)
	}

	moved := make([][2]string, 0, len(present))
	for _, src := range present {
		dst := filepath.Join(staging, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			for i := len(moved) - 1; i >= 0; i-- {
				_ = os.Rename(moved[i][1], moved[i][0])
			}
			_ = os.RemoveAll(staging)
			return fmt.Errorf("delete storage: move %s: %w: %w", src, ErrStorageIO, err)
		}
		moved = append(moved, [2]string{src, dst})
	}

	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("delete storage: remove staging dir: %w: %w", ErrStorageIO, err)
	}
	return nil
}

// sqliteDSN applies busy_timeout and synchronous to every connection the
// pool opens.
func sqliteDSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)", path, busyTimeout.Milliseconds())
}

func configureSQLite(db *sql.DB) error {
	if _, err := db.Exec(pragmaJournalModeWAL); err != nil {
		return classify(fmt.Sprintf("configure sqlite %q", pragmaJournalModeWAL), err)
	}
	return nil
}

func ensureDBPermissions(path string) error {
	for _, candidate := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Chmod(candidate, 0o600); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("set %s permissions: %w: %w", filepath.Base(candidate), ErrStorageIO, err)
			}
		}
	}
	return nil
}
