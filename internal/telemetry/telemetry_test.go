package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/config"
)

func TestNew_DisabledWithoutEndpoint(t *testing.T) {
	p, err := New(context.Background(), config.Config{ServiceName: "signvault"}, zap.NewNop())
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProvider_NilIsSafe(t *testing.T) {
	var p *Provider
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	require.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	require.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
