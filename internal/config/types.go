package config

// Config is the whole server configuration. On-disk format is YAML or
// JSON; YAML is coerced to JSON so both go through the same strict
// decoder.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Maintenance holds cron specs for the background sweeps. Omitted
	// fields fall back to built-in defaults.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// Queues maps queue name to its tuning. At least one queue must be
	// defined.
	Queues map[string]QueueConfig `json:"queues"`
}

// ServerConfig identifies the instance and its admin surface.
type ServerConfig struct {
	// Node is this instance's identity, echoed in wakeup datagrams so
	// clients can tell which server answered.
	Node string `json:"node"`

	// HTTPAddr serves health, metrics and the admin read endpoints.
	// Empty disables the HTTP listener.
	HTTPAddr string `json:"http_addr,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`

	// SampleRatePerSec caps debug/trace volume; 0 disables sampling.
	SampleRatePerSec int `json:"sample_rate_per_sec,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./gridq.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig carries cron specs (robfig/cron syntax, @every
// shorthand included) for the periodic sweeps, plus the sub-second
// notification tick which runs on a plain ticker.
type MaintenanceConfig struct {
	TimeoutCheck string `json:"timeout_check,omitempty"` // default "@every 1s"
	ExpiryCheck  string `json:"expiry_check,omitempty"`  // default "@every 5s"
	Purge        string `json:"purge,omitempty"`         // default "@every 30s"
	Statistics   string `json:"statistics,omitempty"`    // default "@every 10s"

	// NotifyTick is a Go duration string, default "100ms".
	NotifyTick string `json:"notify_tick,omitempty"`

	// ExpirySliceScan/Delete bound one expiry sweep slice.
	ExpirySliceScan   int `json:"expiry_slice_scan,omitempty"`   // default 10000
	ExpirySliceDelete int `json:"expiry_slice_delete,omitempty"` // default 1000
}

// QueueConfig is the per-queue tuning surface. Durations are Go duration
// strings; a bare integer means seconds.
type QueueConfig struct {
	Timeout        string `json:"timeout,omitempty"`         // job lifetime, default "1h"
	RunTimeout     string `json:"run_timeout,omitempty"`     // default "1h"
	ReadTimeout    string `json:"read_timeout,omitempty"`    // default "10m"
	PendingTimeout string `json:"pending_timeout,omitempty"` // default "168h"

	MaxPendingWaitTimeout     string `json:"max_pending_wait_timeout,omitempty"`
	MaxPendingReadWaitTimeout string `json:"max_pending_read_wait_timeout,omitempty"`

	FailedRetries     *uint32 `json:"failed_retries,omitempty"`      // default 3
	ReadFailedRetries *uint32 `json:"read_failed_retries,omitempty"` // default failed_retries

	MaxInputSize  int `json:"max_input_size,omitempty"`  // default 2048
	MaxOutputSize int `json:"max_output_size,omitempty"` // default 2048

	BlacklistTime     string `json:"blacklist_time,omitempty"`      // default "1h"
	ReadBlacklistTime string `json:"read_blacklist_time,omitempty"` // default blacklist_time

	MaxJobsPerClient int `json:"max_jobs_per_client,omitempty"` // 0 = no cap

	ScrambleJobKeys bool `json:"scramble_job_keys,omitempty"`

	WnodeTimeout  string `json:"wnode_timeout,omitempty"`  // default "40s"
	ReaderTimeout string `json:"reader_timeout,omitempty"` // default "40s"

	ClientRegistryTimeoutWorkerNode string `json:"client_registry_timeout_worker_node,omitempty"`
	ClientRegistryMinWorkerNodes    int    `json:"client_registry_min_worker_nodes,omitempty"`
	ClientRegistryTimeoutAdmin      string `json:"client_registry_timeout_admin,omitempty"`
	ClientRegistryMinAdmins         int    `json:"client_registry_min_admins,omitempty"`
	ClientRegistryTimeoutSubmitter  string `json:"client_registry_timeout_submitter,omitempty"`
	ClientRegistryMinSubmitters     int    `json:"client_registry_min_submitters,omitempty"`
	ClientRegistryTimeoutReader     string `json:"client_registry_timeout_reader,omitempty"`
	ClientRegistryMinReaders        int    `json:"client_registry_min_readers,omitempty"`
	ClientRegistryTimeoutUnknown    string `json:"client_registry_timeout_unknown,omitempty"`
	ClientRegistryMinUnknowns       int    `json:"client_registry_min_unknowns,omitempty"`

	Affinity *RegistryLimitsConfig `json:"affinity,omitempty"`
	Group    *RegistryLimitsConfig `json:"group,omitempty"`
	Scope    *RegistryLimitsConfig `json:"scope,omitempty"`

	Notify *NotifyConfig `json:"notify,omitempty"`
}

// RegistryLimitsConfig tunes one token registry and its water-mark GC.
type RegistryLimitsConfig struct {
	MaxRecords         int `json:"max_records,omitempty"`          // default 10000
	LowMarkPercentage  int `json:"low_mark_percentage,omitempty"`  // default 50
	HighMarkPercentage int `json:"high_mark_percentage,omitempty"` // default 90
	DirtPercentage     int `json:"dirt_percentage,omitempty"`      // default 20
	LowRemoval         int `json:"low_removal,omitempty"`          // default 100
	HighRemoval        int `json:"high_removal,omitempty"`         // default 1000
}

// NotifyConfig tunes the UDP wakeup machinery.
type NotifyConfig struct {
	HifreqInterval   string `json:"hifreq_interval,omitempty"`   // default "100ms"
	LofreqMultiplier int    `json:"lofreq_multiplier,omitempty"` // default 50
	RatePerSec       int    `json:"rate_per_sec,omitempty"`      // default 1000
	HandicapTimeout  string `json:"handicap_timeout,omitempty"`
}
