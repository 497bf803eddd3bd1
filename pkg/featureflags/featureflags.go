package featureflags

import (
	"context"

	"smallbiznis-jobqueue/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// FeatureFlag answers whether an environment level feature is switched on.
type FeatureFlag interface {
	IsEnabled(ctx context.Context, feature string) (bool, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

// ProvideFeatureFlag returns a Flagsmith backed FeatureFlag, or nil when no
// FLAGSMITH.API_KEY is configured.
func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return nil
	}

	var opts []flagsmith.Option
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	zap.L().Info("flagsmith enabled", zap.String("processing_flag", p.Config.Flagsmith.ProcessingFlag))
	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) IsEnabled(ctx context.Context, feature string) (bool, error) {
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		return false, err
	}

	return flags.IsFeatureEnabled(feature)
}

// Static is a fixed FeatureFlag, handy for tests and local runs.
type Static map[string]bool

func (s Static) IsEnabled(_ context.Context, feature string) (bool, error) {
	return s[feature], nil
}
