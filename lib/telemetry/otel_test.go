package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointInstallsNoopProvider(t *testing.T) {
	providers, shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, providers.MeterProvider)
	require.NoError(t, shutdown(context.Background()))
}

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("http://collector:4318")
	require.NoError(t, err)
	require.Equal(t, "collector:4318", host)
	require.True(t, insecure)

	host, insecure, err = parseEndpoint("https://collector.example.org")
	require.NoError(t, err)
	require.Equal(t, "collector.example.org", host)
	require.False(t, insecure)
}
