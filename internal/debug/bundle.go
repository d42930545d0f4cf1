// Package debug assembles a sanitized diagnostics bundle for a crypto store.
// Nothing in a bundle is key material: only paths, counts and check results.
package debug

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type Bundle struct {
	GeneratedAt string         `json:"generated_at"`
	GOOS        string         `json:"goos"`
	GOARCH      string         `json:"goarch"`
	Version     map[string]any `json:"version,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Store       map[string]any `json:"store,omitempty"`
	Checks      []Check        `json:"checks,omitempty"`
}

func NewBundle() Bundle {
	return Bundle{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		GOOS:        runtime.GOOS,
		GOARCH:      runtime.GOARCH,
	}
}

// AddCheck records a named result; a nil err is a passing check with message.
func (b *Bundle) AddCheck(name string, err error, message string) {
	if err != nil {
		b.Checks = append(b.Checks, Check{Name: name, OK: false, Message: err.Error()})
		return
	}
	b.Checks = append(b.Checks, Check{Name: name, OK: true, Message: message})
}

// OK reports whether every recorded check passed.
func (b Bundle) OK() bool {
	for _, check := range b.Checks {
		if !check.OK {
			return false
		}
	}
	return true
}

// CheckStoreFiles verifies the store file exists and is not readable by
// group or others. WAL/SHM companions are checked when present.
func CheckStoreFiles(storePath string) Check {
	check := Check{Name: "store_files"}
	for _, path := range []string{storePath, storePath + "-wal", storePath + "-shm"} {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != storePath {
				continue
			}
			check.Message = err.Error()
			return check
		}
		if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
			check.Message = fmt.Sprintf("%s has mode %04o, want 0600", filepath.Base(path), info.Mode().Perm())
			return check
		}
	}
	check.OK = true
	check.Message = "present with owner-only permissions"
	return check
}

func WriteBundle(outputPath string, bundle Bundle) error {
	if outputPath == "" {
		return fmt.Errorf("write debug bundle: output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("write debug bundle: create output directory: %w", err)
	}

	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("write debug bundle: marshal json: %w", err)
	}
	if err := os.WriteFile(outputPath, payload, 0o600); err != nil {
		return fmt.Errorf("write debug bundle: %w", err)
	}
	return nil
}
