package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/amanthanvi/cryptostore/internal/config"
	"github.com/amanthanvi/cryptostore/internal/log"
	"github.com/amanthanvi/cryptostore/internal/storage"
	"github.com/amanthanvi/cryptostore/internal/telemetry"
)

var (
	loadConfigFn = config.Load
	logFallback  io.Writer = os.Stderr
)

// storeSession is what a command body gets while the store is open.
type storeSession struct {
	store  *storage.Store
	logger *slog.Logger
}

func loadCommandConfig(deps commandDeps) (config.Config, error) {
	cfg, _, err := loadCommandConfigReport(deps)
	return cfg, err
}

func loadCommandConfigReport(deps commandDeps) (config.Config, config.LoadReport, error) {
	loadOpts := config.LoadOptions{}
	if deps.globals != nil {
		loadOpts.ConfigPath = strings.TrimSpace(deps.globals.ConfigPath)
		if storePath := strings.TrimSpace(deps.globals.StorePath); storePath != "" {
			loadOpts.Flags.StorePath = &storePath
		}
		if level := strings.TrimSpace(deps.globals.LogLevel); level != "" {
			loadOpts.Flags.LogLevel = &level
		}
	}

	cfg, report, err := loadConfigFn(loadOpts)
	if err != nil {
		return config.Config{}, report, fmt.Errorf("load config: %w", err)
	}
	return cfg, report, nil
}

// withStore loads config, opens (and migrates) the store, runs fn and
// closes everything again.
func withStore(cmdCtx context.Context, deps commandDeps, fn func(context.Context, storeSession) error) (err error) {
	timeout := defaultCommandTimeout
	if deps.globals != nil && deps.globals.Timeout > 0 {
		timeout = deps.globals.Timeout
	}
	ctx, cancel := context.WithTimeout(cmdCtx, timeout)
	defer cancel()

	cfg, err := loadCommandConfig(deps)
	if err != nil {
		return mapCommandError(err)
	}

	logger, logCloser, err := log.New(cfg.Logging, logFallback)
	if err != nil {
		return mapCommandError(fmt.Errorf("build logger: %w", err))
	}
	defer logCloser.Close()

	tracer, shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, "cryptostore", deps.build.Version)
	if err != nil {
		return mapCommandError(err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(cmdCtx), tracingFlushTimeout)
		defer flushCancel()
		if shutdownErr := shutdownTracing(flushCtx); shutdownErr != nil {
			logger.Warn("flush traces", "error", shutdownErr)
		}
	}()

	store, err := storage.Open(cfg.Store.Path, storage.Options{
		Logger:       logger,
		Tracer:       tracer,
		BusyTimeout:  cfg.Store.BusyTimeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return mapCommandError(err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			err = mapCommandError(errors.Join(err, fmt.Errorf("close store: %w", closeErr)))
		}
	}()

	return mapCommandError(fn(ctx, storeSession{store: store, logger: logger}))
}

const (
	defaultCommandTimeout = 30 * time.Second
	tracingFlushTimeout   = 5 * time.Second
)

func outputValue(w io.Writer, asJSON bool, value any) error {
	if asJSON {
		return printJSON(w, value)
	}
	_, err := fmt.Fprintln(w, value)
	return err
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
