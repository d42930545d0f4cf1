// Package backup decides which inbound group sessions still need to be
// uploaded to the server-side key backup and records completed uploads.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/amanthanvi/cryptostore/internal/storage"
)

var (
	ErrValidation = errors.New("backup: validation failed")
	// ErrVersionMismatch means the backup version changed while an upload
	// was in flight; the uploaded sessions were not marked.
	ErrVersionMismatch = errors.New("backup: version mismatch")
)

// Progress summarizes how much of the inbound session set is backed up.
type Progress struct {
	Total     int `json:"total"`
	BackedUp  int `json:"backed_up"`
	Remaining int `json:"remaining"`
}

type Tracker struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewTracker(store *storage.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Version returns the backup version in use for userID, or nil when backup
// is disabled or no account exists.
func (t *Tracker) Version(ctx context.Context, userID string) (*string, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.store.Accounts.BackupVersion(ctx, userID)
}

// Enable starts backing up to version. Switching to a different version
// invalidates every earlier upload.
func (t *Tracker) Enable(ctx context.Context, userID, version string) error {
	if err := t.check(); err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("%w: backup version is required", ErrValidation)
	}
	changed, err := t.store.SwitchBackupVersion(ctx, userID, &version)
	if err != nil {
		return fmt.Errorf("enable backup: %w", err)
	}
	if changed {
		t.logger.Info("key backup enabled, markers reset", "user_id", userID, "version", version)
	}
	return nil
}

func (t *Tracker) Disable(ctx context.Context, userID string) error {
	if err := t.check(); err != nil {
		return err
	}
	changed, err := t.store.SwitchBackupVersion(ctx, userID, nil)
	if err != nil {
		return fmt.Errorf("disable backup: %w", err)
	}
	if changed {
		t.logger.Info("key backup disabled", "user_id", userID)
	}
	return nil
}

// NextBatch returns up to limit sessions awaiting upload. It is empty
// while backup is disabled.
func (t *Tracker) NextBatch(ctx context.Context, userID string, limit int) ([]storage.InboundGroupSession, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrValidation)
	}
	version, err := t.store.Accounts.BackupVersion(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("next backup batch: %w", err)
	}
	if version == nil {
		return []storage.InboundGroupSession{}, nil
	}
	sessions, err := t.store.InboundGroupSessions.ListNotBackedUp(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("next backup batch: %w", err)
	}
	return sessions, nil
}

// MarkUploaded records that sessions were uploaded to backup version.
func (t *Tracker) MarkUploaded(ctx context.Context, userID, version string, sessions []storage.InboundGroupSession) error {
	if err := t.check(); err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	refs := make([]storage.SessionRef, 0, len(sessions))
	for _, session := range sessions {
		refs = append(refs, session.Ref())
	}
	applied, err := t.store.MarkBackedUpForVersion(ctx, userID, version, refs...)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	if !applied {
		t.logger.Warn("discarding backup marks for stale version", "user_id", userID, "version", version, "sessions", len(refs))
		return fmt.Errorf("mark uploaded to %q: %w", version, ErrVersionMismatch)
	}
	t.logger.Debug("sessions marked backed up", "version", version, "sessions", len(refs))
	return nil
}

// Reset clears every backup marker without touching the version, forcing a
// full re-upload.
func (t *Tracker) Reset(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.store.InboundGroupSessions.ResetBackupMarkers(ctx); err != nil {
		return fmt.Errorf("reset backup markers: %w", err)
	}
	return nil
}

func (t *Tracker) Progress(ctx context.Context) (Progress, error) {
	if err := t.check(); err != nil {
		return Progress{}, err
	}
	total, err := t.store.InboundGroupSessions.Count(ctx, false)
	if err != nil {
		return Progress{}, fmt.Errorf("backup progress: %w", err)
	}
	backedUp, err := t.store.InboundGroupSessions.Count(ctx, true)
	if err != nil {
		return Progress{}, fmt.Errorf("backup progress: %w", err)
	}
	return Progress{Total: total, BackedUp: backedUp, Remaining: total - backedUp}, nil
}

func (t *Tracker) check() error {
	if t == nil || t.store == nil {
		return fmt.Errorf("backup tracker: store is nil")
	}
	return nil
}
