package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validPlatformConfig() PlatformConfig {
	return PlatformConfig{
		ID:          PlatformMusinsa,
		DisplayName: "Musinsa",
		BaseURL:     "https://api.musinsa.com",
		Strategies: []StrategySpec{
			{ID: "api", Type: StrategyHTTP, Priority: 1, URL: "https://api.musinsa.com/api2/goods/{productId}"},
		},
	}
}

func TestPlatformConfigValidate(t *testing.T) {
	require.NoError(t, validPlatformConfig().Validate())

	t.Run("unknown platform", func(t *testing.T) {
		cfg := validPlatformConfig()
		cfg.ID = "coupang"
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
	})

	t.Run("no strategies", func(t *testing.T) {
		cfg := validPlatformConfig()
		cfg.Strategies = nil
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
	})

	t.Run("unknown strategy type", func(t *testing.T) {
		cfg := validPlatformConfig()
		cfg.Strategies[0].Type = "grpc"
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
	})

	t.Run("browser strategy without steps", func(t *testing.T) {
		cfg := validPlatformConfig()
		cfg.Strategies[0].Type = StrategyBrowser
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidArgument)
		assert.Contains(t, err.Error(), "no steps")
	})

	t.Run("default strategy must be defined", func(t *testing.T) {
		cfg := validPlatformConfig()
		cfg.DefaultStrategy = "browser"
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidArgument)
		assert.Contains(t, err.Error(), "default strategy")

		cfg.DefaultStrategy = "api"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown step kind", func(t *testing.T) {
		cfg := validPlatformConfig()
		cfg.Strategies[0].Type = StrategyBrowser
		cfg.Strategies[0].Steps = []NavigationStep{{Kind: "scroll"}}
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
	})
}

func TestPreferredStrategy(t *testing.T) {
	cfg := validPlatformConfig()
	cfg.Strategies = []StrategySpec{
		{ID: "browser", Type: StrategyBrowser, Priority: 2},
		{ID: "api", Type: StrategyHTTP, Priority: 1},
	}

	best, err := cfg.PreferredStrategy("")
	require.NoError(t, err)
	assert.Equal(t, "api", best.ID)

	byID, err := cfg.PreferredStrategy("browser")
	require.NoError(t, err)
	assert.Equal(t, "browser", byID.ID)

	_, err = cfg.PreferredStrategy("grpc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlatformConfigUnmarshalsYAMLDurations(t *testing.T) {
	var cfg PlatformConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
id: ably
strategies:
  - id: ably-browser
    type: browser
    delay: 1s
    timeout: 45s
    steps:
      - kind: navigate
        value: https://m.a-bly.com/goods/{productId}
        timeout: 20s
rate_limit:
  requests_per_minute: 30
  per_request_delay: 1s
`), &cfg))

	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, time.Second, cfg.Strategies[0].Delay)
	assert.Equal(t, 45*time.Second, cfg.Strategies[0].Timeout)
	require.Len(t, cfg.Strategies[0].Steps, 1)
	assert.Equal(t, 20*time.Second, cfg.Strategies[0].Steps[0].Timeout)
	assert.Equal(t, time.Second, cfg.RateLimit.PerRequestDelay)
	require.NoError(t, cfg.Validate())
}
