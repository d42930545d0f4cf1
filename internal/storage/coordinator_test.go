package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCoordinatorRecordsTransactionSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store, err := Open(rawDBPath(t), Options{Tracer: tp.Tracer("storage-test")})
	require.NoError(t, err)
	t.Cleanup(func() { closeStoreNoErr(t, store) })
	ctx := context.Background()

	_, err = store.Users.Get(ctx, "u1")
	require.NoError(t, err)

	boom := errors.New("boom")
	require.ErrorIs(t, store.Write(ctx, func(Querier) error { return boom }), boom)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	require.Equal(t, "storage.read", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)

	require.Equal(t, "storage.write", spans[1].Name())
	require.Equal(t, codes.Error, spans[1].Status().Code)
	require.Equal(t, "boom", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
}

func TestCoordinatorSkipsSpanWhenClosed(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store, err := Open(rawDBPath(t), Options{Tracer: tp.Tracer("storage-test")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.ErrorIs(t, store.Write(context.Background(), func(Querier) error { return nil }), ErrClosed)
	require.Empty(t, recorder.Ended())
}
