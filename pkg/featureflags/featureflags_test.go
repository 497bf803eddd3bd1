package featureflags

import (
	"context"
	"testing"

	"smallbiznis-jobqueue/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestProvideFeatureFlagWithoutKey(t *testing.T) {
	require.Nil(t, ProvideFeatureFlag(FeatureParams{Config: &config.Config{}}))
}

func TestProvideFeatureFlagWithKey(t *testing.T) {
	cfg := &config.Config{}
	cfg.Flagsmith.ApiKey = "ser.test"
	cfg.Flagsmith.Addr = "http://127.0.0.1:1/api/v1/"

	require.NotNil(t, ProvideFeatureFlag(FeatureParams{Config: cfg}))
}

func TestStatic(t *testing.T) {
	flags := Static{"job_processing": true}

	on, err := flags.IsEnabled(context.Background(), "job_processing")
	require.NoError(t, err)
	require.True(t, on)

	on, err = flags.IsEnabled(context.Background(), "unknown")
	require.NoError(t, err)
	require.False(t, on)
}
