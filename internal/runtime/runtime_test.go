package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ailoy/internal/config"
)

func TestStopIsIdempotent(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.RootDir = t.TempDir()

	rt, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, rt.Stop(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))

	_, err = rt.DefineAgent("")
	require.Error(t, err)
}
