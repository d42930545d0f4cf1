package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveFields are attribute keys whose values carry key material or
// session state and must never reach a log sink.
var sensitiveFields = map[string]struct{}{
	"secret":             {},
	"session_data":       {},
	"olm_account_data":   {},
	"encrypted_secret":   {},
	"iv":                 {},
	"cross_signing_keys": {},
	"sync_token":         {},
	"request_body":       {},
	"token":              {},
	"passphrase":         {},
}

type RedactingHandler struct {
	inner slog.Handler
}

func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fallback := slog.NewRecord(record.Time, slog.LevelError, "redaction handler panic recovered", record.PC)
			fallback.AddAttrs(slog.String("panic", redacted))
			err = h.inner.Handle(ctx, fallback)
		}
	}()

	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, redactAttr(attr))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(out)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(attr slog.Attr) slog.Attr {
	if _, ok := sensitiveFields[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, redacted)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindGroup:
		group := value.Group()
		nested := make([]slog.Attr, 0, len(group))
		for _, a := range group {
			nested = append(nested, redactAttr(a))
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(nested...)}
	case slog.KindAny:
		// Raw payloads are opaque engine state; only their size is logged.
		if raw, ok := value.Any().([]byte); ok {
			return slog.String(attr.Key, fmt.Sprintf("[%d bytes]", len(raw)))
		}
	}
	return attr
}
