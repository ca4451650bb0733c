package config

import (
	"fmt"
	"strings"
	"time"

	"gridq/internal/queue"
	"gridq/internal/storage"
	logx "gridq/pkg/logx"
)

// LogxConfig maps the logging section onto the logx service config.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		SampleRatePerSec: c.Logging.SampleRatePerSec,
	}
}

// StorageConfigParsed resolves the storage section; a nil section disables
// persistence.
func (c *Config) StorageConfigParsed() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

// Validate checks the whole config without side effects, so a reload can
// be rejected before anything is committed.
func (c *Config) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue must be configured")
	}
	for name, qc := range c.Queues {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("queue name must not be empty")
		}
		if _, err := qc.Params(name); err != nil {
			return err
		}
	}
	if _, err := c.StorageConfigParsed(); err != nil {
		return err
	}
	if _, err := c.Maintenance.Resolve(); err != nil {
		return err
	}
	return nil
}

// MaintenanceSettings is the parsed maintenance section.
type MaintenanceSettings struct {
	TimeoutCheck string
	ExpiryCheck  string
	Purge        string
	Statistics   string

	NotifyTick time.Duration

	ExpirySliceScan   int
	ExpirySliceDelete int
}

func (m MaintenanceConfig) Resolve() (MaintenanceSettings, error) {
	out := MaintenanceSettings{
		TimeoutCheck:      orDefault(m.TimeoutCheck, "@every 1s"),
		ExpiryCheck:       orDefault(m.ExpiryCheck, "@every 5s"),
		Purge:             orDefault(m.Purge, "@every 30s"),
		Statistics:        orDefault(m.Statistics, "@every 10s"),
		ExpirySliceScan:   m.ExpirySliceScan,
		ExpirySliceDelete: m.ExpirySliceDelete,
	}
	tick, err := ParseDurationOrDefault("maintenance.notify_tick", m.NotifyTick, 100*time.Millisecond)
	if err != nil {
		return out, err
	}
	out.NotifyTick = tick
	if out.ExpirySliceScan <= 0 {
		out.ExpirySliceScan = 10000
	}
	if out.ExpirySliceDelete <= 0 {
		out.ExpirySliceDelete = 1000
	}
	return out, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Params converts one queue section into engine parameters, filling every
// omitted field with the engine defaults.
func (qc QueueConfig) Params(name string) (queue.Params, error) {
	p := queue.DefaultParams()
	pfx := "queues." + name + "."

	var err error
	if p.Timeout, err = ParseDurationOrDefault(pfx+"timeout", qc.Timeout, p.Timeout); err != nil {
		return p, err
	}
	if p.RunTimeout, err = ParseDurationOrDefault(pfx+"run_timeout", qc.RunTimeout, p.RunTimeout); err != nil {
		return p, err
	}
	if p.ReadTimeout, err = ParseDurationOrDefault(pfx+"read_timeout", qc.ReadTimeout, p.ReadTimeout); err != nil {
		return p, err
	}
	if p.PendingTimeout, err = ParseDurationOrDefault(pfx+"pending_timeout", qc.PendingTimeout, p.PendingTimeout); err != nil {
		return p, err
	}
	if p.MaxPendingWaitTimeout, err = ParseDurationField(pfx+"max_pending_wait_timeout", qc.MaxPendingWaitTimeout); err != nil {
		return p, err
	}
	if p.MaxPendingReadWaitTimeout, err = ParseDurationField(pfx+"max_pending_read_wait_timeout", qc.MaxPendingReadWaitTimeout); err != nil {
		return p, err
	}

	if qc.FailedRetries != nil {
		p.FailedRetries = *qc.FailedRetries
	}
	if qc.ReadFailedRetries != nil {
		p.ReadFailedRetries = *qc.ReadFailedRetries
	} else if qc.FailedRetries != nil {
		p.ReadFailedRetries = *qc.FailedRetries
	}

	if qc.MaxInputSize > 0 {
		p.MaxInputSize = qc.MaxInputSize
	}
	if qc.MaxOutputSize > 0 {
		p.MaxOutputSize = qc.MaxOutputSize
	}

	if p.BlacklistTime, err = ParseDurationOrDefault(pfx+"blacklist_time", qc.BlacklistTime, p.BlacklistTime); err != nil {
		return p, err
	}
	if qc.ReadBlacklistTime != "" {
		if p.ReadBlacklistTime, err = ParseDurationField(pfx+"read_blacklist_time", qc.ReadBlacklistTime); err != nil {
			return p, err
		}
	} else {
		p.ReadBlacklistTime = p.BlacklistTime
	}

	p.MaxJobsPerClient = qc.MaxJobsPerClient
	p.ScrambleJobKeys = qc.ScrambleJobKeys

	if p.WnodeTimeout, err = ParseDurationOrDefault(pfx+"wnode_timeout", qc.WnodeTimeout, p.WnodeTimeout); err != nil {
		return p, err
	}
	if p.ReaderTimeout, err = ParseDurationOrDefault(pfx+"reader_timeout", qc.ReaderTimeout, p.ReaderTimeout); err != nil {
		return p, err
	}

	if err := qc.fillClientPurge(pfx, &p.ClientPurge); err != nil {
		return p, err
	}

	fillLimits(qc.Affinity, &p.AffinityLimits)
	fillLimits(qc.Group, &p.GroupLimits)
	fillLimits(qc.Scope, &p.ScopeLimits)

	if qc.Notify != nil {
		if p.Notify.HifreqInterval, err = ParseDurationOrDefault(pfx+"notify.hifreq_interval", qc.Notify.HifreqInterval, p.Notify.HifreqInterval); err != nil {
			return p, err
		}
		if qc.Notify.LofreqMultiplier > 0 {
			p.Notify.LofreqMultiplier = qc.Notify.LofreqMultiplier
		}
		if qc.Notify.RatePerSec > 0 {
			p.Notify.RatePerSec = qc.Notify.RatePerSec
		}
		if p.Notify.Handicap, err = ParseDurationField(pfx+"notify.handicap_timeout", qc.Notify.HandicapTimeout); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (qc QueueConfig) fillClientPurge(pfx string, cp *queue.ClientPurgeConfig) error {
	var err error
	if cp.WorkerNodeTimeout, err = ParseDurationOrDefault(pfx+"client_registry_timeout_worker_node",
		qc.ClientRegistryTimeoutWorkerNode, cp.WorkerNodeTimeout); err != nil {
		return err
	}
	if cp.AdminTimeout, err = ParseDurationOrDefault(pfx+"client_registry_timeout_admin",
		qc.ClientRegistryTimeoutAdmin, cp.AdminTimeout); err != nil {
		return err
	}
	if cp.SubmitterTimeout, err = ParseDurationOrDefault(pfx+"client_registry_timeout_submitter",
		qc.ClientRegistryTimeoutSubmitter, cp.SubmitterTimeout); err != nil {
		return err
	}
	if cp.ReaderTimeout, err = ParseDurationOrDefault(pfx+"client_registry_timeout_reader",
		qc.ClientRegistryTimeoutReader, cp.ReaderTimeout); err != nil {
		return err
	}
	if cp.UnknownTimeout, err = ParseDurationOrDefault(pfx+"client_registry_timeout_unknown",
		qc.ClientRegistryTimeoutUnknown, cp.UnknownTimeout); err != nil {
		return err
	}
	if qc.ClientRegistryMinWorkerNodes > 0 {
		cp.MinWorkerNodes = qc.ClientRegistryMinWorkerNodes
	}
	if qc.ClientRegistryMinAdmins > 0 {
		cp.MinAdmins = qc.ClientRegistryMinAdmins
	}
	if qc.ClientRegistryMinSubmitters > 0 {
		cp.MinSubmitters = qc.ClientRegistryMinSubmitters
	}
	if qc.ClientRegistryMinReaders > 0 {
		cp.MinReaders = qc.ClientRegistryMinReaders
	}
	if qc.ClientRegistryMinUnknowns > 0 {
		cp.MinUnknowns = qc.ClientRegistryMinUnknowns
	}
	return nil
}

func fillLimits(src *RegistryLimitsConfig, dst *queue.RegistryLimits) {
	if src == nil {
		return
	}
	if src.MaxRecords > 0 {
		dst.MaxRecords = src.MaxRecords
	}
	if src.LowMarkPercentage > 0 {
		dst.LowMarkPercentage = src.LowMarkPercentage
	}
	if src.HighMarkPercentage > 0 {
		dst.HighMarkPercentage = src.HighMarkPercentage
	}
	if src.DirtPercentage > 0 {
		dst.DirtPercentage = src.DirtPercentage
	}
	if src.LowRemoval > 0 {
		dst.LowRemoval = src.LowRemoval
	}
	if src.HighRemoval > 0 {
		dst.HighRemoval = src.HighRemoval
	}
}
