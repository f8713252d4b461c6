package observability

import (
	"context"
	"testing"

	"github.com/limboys/gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracingEnabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:    true,
		Endpoint:   "http://127.0.0.1:4318",
		SampleRate: 0.5,
	}, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Shutdown flushes to an endpoint nobody listens on; errors are fine,
	// the provider itself must tear down.
	_ = shutdown(context.Background())
}
