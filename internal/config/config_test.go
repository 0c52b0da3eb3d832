package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultsMatchDocumentedConstants(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Recovery.MaxRetriesTemporary)
	assert.Equal(t, 5, cfg.Recovery.MaxRetriesRateLimit)
	assert.Equal(t, 2, cfg.Recovery.MaxRetriesAgentUnavailable)
	assert.Equal(t, 1, cfg.Recovery.MaxRetriesDataQuality)
	assert.Equal(t, time.Second, cfg.Recovery.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Recovery.BackoffCap)
	assert.Equal(t, 30*time.Second, cfg.Recovery.RateLimitBackoffBase)
	assert.Equal(t, 300*time.Second, cfg.Recovery.RateLimitBackoffCap)

	assert.InDelta(t, 0.6, cfg.Aggregator.ClusterThreshold, 1e-9)
	assert.InDelta(t, 0.8, cfg.Aggregator.EvidenceRedundancy, 1e-9)

	assert.InDelta(t, 0.3, cfg.Quality.WeightCredibility, 1e-9)
	assert.InDelta(t, 0.25, cfg.Quality.WeightConsistency, 1e-9)
	assert.InDelta(t, 0.25, cfg.Quality.WeightCrossValidation, 1e-9)
	assert.InDelta(t, 0.1, cfg.Quality.WeightRecency, 1e-9)
	assert.InDelta(t, 0.1, cfg.Quality.WeightCompleteness, 1e-9)

	assert.InDelta(t, 0.3, cfg.Progress.EMAAlpha, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  deadline_floor: 45s
store:
  backend: redis
  redis_addr: redis:6380
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.DeadlineFloor)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6380", cfg.Store.RedisAddr)
	// Untouched defaults survive.
	assert.Equal(t, 3, cfg.Recovery.MaxRetriesTemporary)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Quality.WeightCredibility = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "cassandra"
	assert.Error(t, cfg.Validate())
}

func TestRoutingWatcherAppliesInitialAndUpdatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	applied := make(chan string, 4)
	rw, err := NewRoutingWatcher(path, func(data []byte) error {
		applied <- string(data)
		return nil
	}, zap.NewNop())
	require.NoError(t, err)
	defer rw.Stop()

	require.Equal(t, "v1", <-applied)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	select {
	case got := <-applied:
		assert.Equal(t, "v2", got)
	case <-time.After(2 * time.Second):
		t.Fatal("routing update was not applied")
	}
}
