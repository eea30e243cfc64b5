package pluginhost

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHostConfig(t *testing.T) *HostConfig {
	t.Helper()
	cfg := DefaultHostConfig()
	cfg.DataDir = t.TempDir()
	cfg.DeployDir = t.TempDir()
	cfg.HotDeploy.Enabled = false
	cfg.Health.Interval = time.Hour
	cfg.Rollout.AutoProceed = false
	cfg.HTTP.Address = ""
	return cfg
}

func TestNewHost(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		h, err := NewHost(testHostConfig(t))
		require.NoError(t, err)
		assert.NotNil(t, h.Registry())
		assert.NotNil(t, h.Coordinator())
		assert.NotNil(t, h.Health())
		assert.NotNil(t, h.Deployer())
		assert.NotNil(t, h.Rollouts())
		assert.IsType(t, &FactoryLoader{}, h.Loader())
		assert.IsType(t, &ManifestLoader{}, h.DescriptorLoader())
		assert.Equal(t, StrategyNewest, h.Resolver().Strategy())
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testHostConfig(t)
		cfg.CallTimeout = 0
		_, err := NewHost(cfg)
		assert.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("nil options are rejected", func(t *testing.T) {
		for _, opt := range []HostOption{WithLogger(nil), WithLoader(nil), WithPersistence(nil), WithProber(nil), WithEventBus(nil), WithObserver(nil)} {
			_, err := NewHost(testHostConfig(t), opt)
			assert.ErrorIs(t, err, ErrNilOption)
		}
	})

	t.Run("observers and metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		obs := newRecordingObserver("rec")
		h, err := NewHost(testHostConfig(t), WithObserver(obs), WithMetricsRegisterer(reg))
		require.NoError(t, err)
		assert.Len(t, h.Events().GetObservers(), 1)
		assert.NotNil(t, h.Metrics())
	})
}

func TestHostStartStop(t *testing.T) {
	ctx := context.Background()
	cfg := testHostConfig(t)
	store := newMemoryPersistence()
	loader := newTestLoader()

	h, err := NewHost(cfg, WithLoader(loader), WithPersistence(store), WithLogger(NewDiscardLogger()))
	require.NoError(t, err)
	assert.ErrorIs(t, h.Stop(ctx), ErrHostNotStarted)
	require.NoError(t, h.Start(ctx))
	assert.ErrorIs(t, h.Start(ctx), ErrHostAlreadyStarted)

	require.NoError(t, h.Deployer().Deploy(ctx, writeBundle(t, cfg.DeployDir, "ledger", "1.0.0", ""), DeploymentManualUpdate))
	require.NoError(t, h.Deployer().Deploy(ctx, writeBundle(t, cfg.DeployDir, "billing", "1.0.0",
		"dependencies:\n  - id: ledger\n    version: \">=1.0.0\"\n"), DeploymentManualUpdate))

	require.NoError(t, h.Stop(ctx))
	for _, id := range []string{"billing", "ledger"} {
		rec, ok := h.Registry().Get(id)
		require.True(t, ok)
		assert.Equal(t, StateStopped, rec.State)
		assert.True(t, rec.Enabled, "shutdown keeps %s enabled", id)
	}
	calls := loader.calls
	assert.Less(t, slices.Index(calls, "billing@1.0.0:stop"), slices.Index(calls, "ledger@1.0.0:stop"), "dependents stop first")
	assert.ErrorIs(t, h.Start(ctx), ErrHostAlreadyStarted)

	// a new host over the same persistence restores both modules
	loader2 := newTestLoader()
	h2, err := NewHost(cfg, WithLoader(loader2), WithPersistence(store))
	require.NoError(t, err)
	require.NoError(t, h2.Start(ctx))
	defer func() { require.NoError(t, h2.Stop(ctx)) }()

	for _, id := range []string{"billing", "ledger"} {
		rec, ok := h2.Registry().Get(id)
		require.True(t, ok)
		assert.Equal(t, StateRunning, rec.State)
	}
	assert.Less(t, slices.Index(loader2.calls, "ledger@1.0.0:start"), slices.Index(loader2.calls, "billing@1.0.0:start"), "dependencies start first")
}

func TestHostRestoreSkipsMissingBundles(t *testing.T) {
	ctx := context.Background()
	cfg := testHostConfig(t)
	store := newMemoryPersistence()
	rec := NewModuleRecord(desc("billing", "1.0.0"), "")
	rec.Enabled = true
	require.NoError(t, store.SaveRecord(ctx, rec))

	h, err := NewHost(cfg, WithLoader(newTestLoader()), WithPersistence(store))
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))
	defer func() { require.NoError(t, h.Stop(ctx)) }()

	_, ok := h.Registry().Get("billing")
	assert.False(t, ok)
}

func TestHostRestorePicksLatestBundle(t *testing.T) {
	ctx := context.Background()
	cfg := testHostConfig(t)
	store := newMemoryPersistence()
	rec := NewModuleRecord(desc("billing", "1.0.0"), "")
	rec.Enabled = true
	require.NoError(t, store.SaveRecord(ctx, rec))
	writeBundle(t, cfg.DeployDir, "billing", "1.0.0", "")
	writeBundle(t, cfg.DeployDir, "billing", "1.4.0", "")

	h, err := NewHost(cfg, WithLoader(newTestLoader()), WithPersistence(store))
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))
	defer func() { require.NoError(t, h.Stop(ctx)) }()

	restored, ok := h.Registry().Get("billing")
	require.True(t, ok)
	assert.Equal(t, "1.4.0", restored.Version())
	assert.Equal(t, StateRunning, restored.State)
}
