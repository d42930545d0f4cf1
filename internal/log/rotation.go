package log

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultRotationSizeMB = 10

// RotationConfig controls the on-disk log file. MaxFiles is how many
// rotated files to keep (0 keeps them all); Compress gzips rotated files.
type RotationConfig struct {
	File      string
	MaxSizeMB int
	MaxFiles  int
	Compress  bool
}

// NewRotatingWriter returns a size-rotated log file writer. The log
// directory is created owner-only because records may name users and rooms.
func NewRotatingWriter(cfg RotationConfig) (*lumberjack.Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("log rotation: file path must not be empty")
	}
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = defaultRotationSizeMB
	}
	backups := max(cfg.MaxFiles, 0)

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, fmt.Errorf("log rotation: create directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    size,
		MaxBackups: backups,
		Compress:   cfg.Compress,
	}, nil
}
