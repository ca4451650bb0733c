package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gridq/internal/queue"
)

func u32(v uint32) *uint32 { return &v }

func TestQueueParamsDefaults(t *testing.T) {
	t.Parallel()
	p, err := QueueConfig{}.Params("q1")
	require.NoError(t, err)
	require.Equal(t, queue.DefaultParams(), p)
}

func TestQueueParamsOverrides(t *testing.T) {
	t.Parallel()
	qc := QueueConfig{
		Timeout:               "2h",
		RunTimeout:            "30s",
		MaxPendingWaitTimeout: "5s",
		FailedRetries:         u32(5),
		MaxInputSize:          64,
		BlacklistTime:         "10m",
		MaxJobsPerClient:      7,
		ScrambleJobKeys:       true,
		Affinity:              &RegistryLimitsConfig{MaxRecords: 42},
		Notify:                &NotifyConfig{HifreqInterval: "50ms", RatePerSec: 10},
	}
	p, err := qc.Params("q1")
	require.NoError(t, err)

	require.Equal(t, 2*time.Hour, p.Timeout)
	require.Equal(t, 30*time.Second, p.RunTimeout)
	require.Equal(t, 5*time.Second, p.MaxPendingWaitTimeout)
	require.Equal(t, uint32(5), p.FailedRetries)
	// Read retries follow the run retries unless set on their own.
	require.Equal(t, uint32(5), p.ReadFailedRetries)
	require.Equal(t, 64, p.MaxInputSize)
	require.Equal(t, 10*time.Minute, p.BlacklistTime)
	// Same for the read blacklist.
	require.Equal(t, 10*time.Minute, p.ReadBlacklistTime)
	require.Equal(t, 7, p.MaxJobsPerClient)
	require.True(t, p.ScrambleJobKeys)
	require.Equal(t, 42, p.AffinityLimits.MaxRecords)
	require.Equal(t, 50*time.Millisecond, p.Notify.HifreqInterval)
	require.Equal(t, 10, p.Notify.RatePerSec)
}

func TestQueueParamsExplicitReadSettings(t *testing.T) {
	t.Parallel()
	qc := QueueConfig{
		FailedRetries:     u32(5),
		ReadFailedRetries: u32(1),
		BlacklistTime:     "10m",
		ReadBlacklistTime: "1s",
	}
	p, err := qc.Params("q1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), p.ReadFailedRetries)
	require.Equal(t, time.Second, p.ReadBlacklistTime)
}

func TestQueueParamsBareSeconds(t *testing.T) {
	t.Parallel()
	p, err := QueueConfig{Timeout: "90", BlacklistTime: "0"}.Params("q1")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, p.Timeout)
	// Zero falls back to the engine default.
	require.Equal(t, queue.DefaultParams().BlacklistTime, p.BlacklistTime)
}

func TestQueueParamsBadDuration(t *testing.T) {
	t.Parallel()
	_, err := QueueConfig{RunTimeout: "soon"}.Params("q1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "queues.q1.run_timeout")
}

func TestMaintenanceResolveDefaults(t *testing.T) {
	t.Parallel()
	s, err := MaintenanceConfig{}.Resolve()
	require.NoError(t, err)
	require.Equal(t, "@every 1s", s.TimeoutCheck)
	require.Equal(t, "@every 5s", s.ExpiryCheck)
	require.Equal(t, "@every 30s", s.Purge)
	require.Equal(t, "@every 10s", s.Statistics)
	require.Equal(t, 100*time.Millisecond, s.NotifyTick)
	require.Equal(t, 10000, s.ExpirySliceScan)
	require.Equal(t, 1000, s.ExpirySliceDelete)
}

func TestMaintenanceResolveOverrides(t *testing.T) {
	t.Parallel()
	s, err := MaintenanceConfig{
		ExpiryCheck:     "@every 1m",
		NotifyTick:      "250ms",
		ExpirySliceScan: 500,
	}.Resolve()
	require.NoError(t, err)
	require.Equal(t, "@every 1m", s.ExpiryCheck)
	require.Equal(t, 250*time.Millisecond, s.NotifyTick)
	require.Equal(t, 500, s.ExpirySliceScan)

	_, err = MaintenanceConfig{NotifyTick: "often"}.Resolve()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	require.Error(t, cfg.Validate())

	cfg.Queues = map[string]QueueConfig{"jobs": {}}
	require.NoError(t, cfg.Validate())

	cfg.Queues["bad"] = QueueConfig{Timeout: "soon"}
	require.Error(t, cfg.Validate())
	delete(cfg.Queues, "bad")

	cfg.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "later"}
	require.Error(t, cfg.Validate())
}

func TestConfigManagerLoadYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
server:
  node: node-a
  http_addr: 127.0.0.1:9100
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./state.json
maintenance:
  expiry_check: "@every 2s"
queues:
  jobs:
    timeout: 2h
    failed_retries: 1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "node-a", cfg.Server.Node)
	require.Equal(t, "127.0.0.1:9100", cfg.Server.HTTPAddr)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "file", cfg.Storage.Driver)
	require.Equal(t, "@every 2s", cfg.Maintenance.ExpiryCheck)

	qc, ok := cfg.Queues["jobs"]
	require.True(t, ok)
	require.Equal(t, "2h", qc.Timeout)
	require.NotNil(t, qc.FailedRetries)
	require.Equal(t, uint32(1), *qc.FailedRetries)
	require.NoError(t, cfg.Validate())
}

func TestConfigManagerRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
server:
  node: node-a
  listen: ":9100"
queues:
  jobs: {}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := NewConfigManager(path).Load()
	require.Error(t, err)
}
