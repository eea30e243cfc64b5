package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/pluginhost"
)

func record(id, version string, state pluginhost.ModuleState, enabled bool) *pluginhost.ModuleRecord {
	rec := pluginhost.NewModuleRecord(&pluginhost.Descriptor{ID: id, Version: version}, id+"-"+version+".yaml")
	rec.State = state
	rec.Enabled = enabled
	return rec
}

func TestStoreEnabledModules(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.SaveRecord(ctx, record("beta", "1.0.0", pluginhost.StateRunning, true)))
	require.NoError(t, s.SaveRecord(ctx, record("alpha", "1.0.0", pluginhost.StateRunning, true)))
	require.NoError(t, s.SaveRecord(ctx, record("gamma", "1.0.0", pluginhost.StateLoaded, false)))

	ids, err := s.LoadEnabledModuleIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)

	// A later save replaces the row.
	require.NoError(t, s.SaveRecord(ctx, record("beta", "1.1.0", pluginhost.StateStopped, false)))
	ids, err = s.LoadEnabledModuleIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, ids)
}

func TestStoreQueryHistory(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		require.NoError(t, s.SaveDeploymentRecord(ctx, pluginhost.DeploymentRecord{
			ModuleID:  "alpha",
			Version:   v,
			Type:      pluginhost.DeploymentHotDeploy,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Success:   true,
		}))
	}
	require.NoError(t, s.SaveDeploymentRecord(ctx, pluginhost.DeploymentRecord{ModuleID: "beta", Version: "2.0.0"}))

	all, err := s.QueryHistory(ctx, "alpha", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "1.2.0", all[0].Version)
	assert.Equal(t, "1.0.0", all[2].Version)
	for _, d := range all {
		assert.NotEmpty(t, d.ID)
	}

	latest, err := s.QueryHistory(ctx, "alpha", 2)
	require.NoError(t, err)
	assert.Len(t, latest, 2)

	none, err := s.QueryHistory(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreRolloutAndHealth(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.SaveRolloutStatus(ctx, pluginhost.RolloutStatus{ModuleID: "alpha", State: pluginhost.RolloutInProgress, CurrentPercentage: 25}))
	require.NoError(t, s.SaveRolloutStatus(ctx, pluginhost.RolloutStatus{ModuleID: "alpha", State: pluginhost.RolloutCompleted, CurrentPercentage: 100}))
	st, ok := s.Rollout("alpha")
	require.True(t, ok)
	assert.Equal(t, pluginhost.RolloutCompleted, st.State)
	_, ok = s.Rollout("beta")
	assert.False(t, ok)

	now := time.Now()
	require.NoError(t, s.SaveHealthSnapshot(ctx, pluginhost.HealthSnapshot{ModuleID: "alpha", Healthy: false, LastCheck: now}))
	require.NoError(t, s.SaveHealthSnapshot(ctx, pluginhost.HealthSnapshot{ModuleID: "alpha", Healthy: true, LastCheck: now.Add(time.Second)}))
	history, err := s.HealthHistory("alpha")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].Healthy)
	assert.True(t, history[1].Healthy)

	require.NoError(t, s.SaveVersion(ctx, pluginhost.VersionRecord{ModuleID: "alpha", Version: "1.0.0", RecordedAt: now}))
	require.NoError(t, s.SaveVersion(ctx, pluginhost.VersionRecord{ModuleID: "alpha", Version: "1.1.0", RecordedAt: now.Add(time.Minute)}))
	versions, err := s.Versions("alpha")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "1.1.0", versions[1].Version)
}
