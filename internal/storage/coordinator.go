package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Querier is the statement surface handed to Read and Write callbacks.
// *sql.Tx satisfies it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Coordinator owns the connection pool. Reads run in their own
// transactions and never wait on each other; writes are serialized by one
// lock shared by every repository and either commit fully or roll back.
type Coordinator struct {
	db      *sql.DB
	writeMu sync.Mutex
	closed  atomic.Bool
	logger  *slog.Logger
	tracer  trace.Tracer
}

func newCoordinator(db *sql.DB, logger *slog.Logger, tracer trace.Tracer) *Coordinator {
	return &Coordinator{db: db, logger: logger, tracer: tracer}
}

func (c *Coordinator) close() {
	c.closed.Store(true)
}

// Read runs fn against a consistent snapshot. fn must not write; the
// transaction is always rolled back.
func (c *Coordinator) Read(ctx context.Context, fn func(q Querier) error) (err error) {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, span := c.tracer.Start(ctx, "storage.read", trace.WithAttributes(attribute.String("db.system", "sqlite")))
	defer func() { endSpan(span, err) }()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin read", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// Write runs fn exclusively. Any error or panic from fn rolls back every
// statement it executed. Once started, the transaction is detached from
// ctx cancellation so it always runs to commit or rollback.
func (c *Coordinator) Write(ctx context.Context, fn func(q Querier) error) (err error) {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "storage.write", trace.WithAttributes(attribute.String("db.system", "sqlite")))
	defer func() { endSpan(span, err) }()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin write", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Error("storage write rollback failed", "error", rbErr)
		}
		if r := recover(); r != nil {
			c.logger.Warn("storage write rolled back after panic")
			panic(r)
		}
		if err != nil {
			c.logger.Warn("storage write rolled back", "error", err)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classify("commit write", err)
	}
	committed = true
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func readValue[T any](ctx context.Context, c *Coordinator, fn func(q Querier) (T, error)) (T, error) {
	var out T
	err := c.Read(ctx, func(q Querier) error {
		v, err := fn(q)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func writeValue[T any](ctx context.Context, c *Coordinator, fn func(q Querier) (T, error)) (T, error) {
	var out T
	err := c.Write(ctx, func(q Querier) error {
		v, err := fn(q)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// requireAffected turns a zero-row UPDATE into ErrNotFound.
func requireAffected(op string, result sql.Result) error {
	count, err := result.RowsAffected()
	if err != nil {
		return classify(op+": rows affected", err)
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
