package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant-network/carbon-registry/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Market.SweepSchedule = "" // no background sweeper in tests
	return cfg
}

func TestNewApplicationWiresEngines(t *testing.T) {
	app, err := NewApplicationWithConfig(testConfig())
	require.NoError(t, err)

	a := app.App()
	require.NotNil(t, a.Market)
	require.NotNil(t, a.Staking)
	require.NotNil(t, a.Issuance)
	require.NotNil(t, a.Validators)

	assert.EqualValues(t, 250, a.Market.FeeBps())
	assert.EqualValues(t, 0, a.Staking.TotalStaked())
	assert.EqualValues(t, 0, a.Validators.TotalBonded())
}

func TestUnconfiguredVerifierRejectsMints(t *testing.T) {
	app, err := NewApplicationWithConfig(testConfig())
	require.NoError(t, err)

	used, err := app.App().Issuance.CommitmentUsed(context.Background(), "0x01")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	app, err := NewApplicationWithConfig(testConfig())
	require.NoError(t, err)

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		app.httpServer.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Market.SweepSchedule = "@every 1h"

	app, err := NewApplicationWithConfig(cfg)
	require.NoError(t, err)

	require.NoError(t, app.App().Start(context.Background()))
	require.NoError(t, app.App().Stop(context.Background()))
}
