package otel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cohort/internal/platform/config"
	"cohort/internal/platform/otel"
)

func TestSetup_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := otel.Setup(context.Background(), config.Tracing{ServiceName: "cohort"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address; nothing is exported because no spans are recorded.
	shutdown, err := otel.Setup(context.Background(), config.Tracing{
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "cohort",
	})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
