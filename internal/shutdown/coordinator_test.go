package shutdown

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGracefulStopCancelsRunContextOnly(t *testing.T) {
	t.Parallel()

	c := NewManual(context.Background(), zap.NewNop())
	defer c.Close()

	require.False(t, c.Cancelled())
	require.NoError(t, c.RunCtx().Err())
	require.NoError(t, c.HardCtx().Err())

	c.RequestStop()

	require.True(t, c.Cancelled())
	require.Error(t, c.RunCtx().Err())
	require.NoError(t, c.HardCtx().Err(), "in-flight work keeps running after a graceful stop")
}

func TestAbortCancelsBothContexts(t *testing.T) {
	t.Parallel()

	c := NewManual(context.Background(), zap.NewNop())
	defer c.Close()

	c.RequestStop()
	c.Abort()

	require.Error(t, c.RunCtx().Err())
	require.Error(t, c.HardCtx().Err())
}

func TestParentCancellationPropagates(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	c := NewManual(parent, zap.NewNop())
	defer c.Close()

	cancel()

	require.True(t, c.Cancelled())
	require.Error(t, c.HardCtx().Err())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewManual(context.Background(), zap.NewNop())
	c.Close()
	c.Close()
	require.True(t, c.Cancelled())
}
