package telemetry

import (
	"context"
	"testing"

	"github.com/amanthanvi/cryptostore/internal/config"
	"github.com/stretchr/testify/require"
)

func TestSetupNoopWhenDisabled(t *testing.T) {
	t.Parallel()

	tracer, shutdown, err := Setup(context.Background(), config.TracingConfig{Endpoint: "http://192.0.2.1:4318"}, "cryptostore", "test")
	require.NoError(t, err)
	_, span := tracer.Start(context.Background(), "probe")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	t.Parallel()

	tracer, shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true}, "cryptostore", "test")
	require.NoError(t, err)
	require.NotNil(t, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

// Not parallel: Setup registers the global provider.
func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address; nothing is exported because no span ends.
	tracer, shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Endpoint: "http://192.0.2.1:4318"}, "cryptostore", "test")
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "probe")
	require.True(t, span.SpanContext().IsValid())
	require.NoError(t, shutdown(context.Background()))
}
