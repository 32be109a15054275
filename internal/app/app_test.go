package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridfetch/internal/app"
	"github.com/JakeFAU/gridfetch/internal/collector"
	"github.com/JakeFAU/gridfetch/internal/config"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Jobs: config.JobsConfig{
			File:          filepath.Join(dir, "fetchers.txt"),
			SourceField:   1,
			CategoryField: 2,
			Concurrency:   2,
			Timeout:       time.Minute,
		},
		Archive: config.ArchiveConfig{Dir: filepath.Join(dir, "zips")},
		Results: config.ResultsConfig{Dir: filepath.Join(dir, "results"), Location: "UTC"},
		Raw:     config.RawConfig{Enabled: true, Dir: filepath.Join(dir, "raw")},
		History: config.HistoryConfig{Step: time.Hour},
		Sources: map[string]config.SourceConfig{
			"dk-dk1":         {URL: "https://example.com/{category}/{source}?at={target}", Categories: []string{"production", "price"}},
			"dk-dk1->dk-dk2": {URL: "https://example.com/exchange/{source}"},
		},
	}
}

func TestNewWiresLocalServices(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.Orchestrator())
	require.NotNil(t, a.Metrics())
	assert.NotNil(t, a.Logger())
	assert.Equal(t, 2, a.Config().Jobs.Concurrency)

	reg := a.Registry()
	assert.True(t, reg.Has(collector.CategoryProduction, "DK-DK1"))
	assert.True(t, reg.Has(collector.CategoryPrice, "DK-DK1"))
	assert.True(t, reg.Has(collector.CategoryExchange, "DK-DK2->DK-DK1"))
	assert.False(t, reg.Has(collector.CategoryConsumption, "DK-DK1"))
}

func TestNewRejectsBadDSN(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.DB.DSN = "postgres://user@localhost:notaport/grid"
	_, err := app.New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "ledger store")
}

func TestNewRegistryRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	_, err := app.NewRegistry(map[string]config.SourceConfig{"fr": {}})
	require.Error(t, err)
}
