package queue

import "time"

// Params is the per-queue tuning surface. The queue snapshots it under the
// operation lock; hot reload swaps it wholesale via SetParams.
type Params struct {
	// Timeout is the default job lifetime measured from last touch.
	Timeout time.Duration
	// RunTimeout / ReadTimeout bound one execution / read attempt.
	RunTimeout  time.Duration
	ReadTimeout time.Duration
	// PendingTimeout caps how long a job may sit unpicked.
	PendingTimeout time.Duration

	// MaxPendingWaitTimeout enables outdated-job promotion for dispatch;
	// zero disables it. MaxPendingReadWaitTimeout is the read-side twin.
	MaxPendingWaitTimeout     time.Duration
	MaxPendingReadWaitTimeout time.Duration

	FailedRetries     uint32
	ReadFailedRetries uint32

	MaxInputSize  int
	MaxOutputSize int

	BlacklistTime     time.Duration
	ReadBlacklistTime time.Duration

	// MaxJobsPerClient caps concurrently running jobs per client IP;
	// zero means uncapped.
	MaxJobsPerClient int

	// ScrambleJobKeys obfuscates ids in externally visible job keys.
	ScrambleJobKeys bool

	WnodeTimeout  time.Duration
	ReaderTimeout time.Duration

	ClientPurge ClientPurgeConfig

	AffinityLimits RegistryLimits
	GroupLimits    RegistryLimits
	ScopeLimits    RegistryLimits

	Notify NotifyConfig
}

func DefaultParams() Params {
	p := Params{
		Timeout:           time.Hour,
		RunTimeout:        time.Hour,
		ReadTimeout:       10 * time.Minute,
		PendingTimeout:    7 * 24 * time.Hour,
		FailedRetries:     3,
		ReadFailedRetries: 3,
		MaxInputSize:      2048,
		MaxOutputSize:     2048,
		BlacklistTime:     time.Hour,
		ReadBlacklistTime: time.Hour,
		WnodeTimeout:      40 * time.Second,
		ReaderTimeout:     40 * time.Second,
		ClientPurge:       DefaultClientPurgeConfig(),
		AffinityLimits:    DefaultRegistryLimits(),
		GroupLimits:       DefaultRegistryLimits(),
		ScopeLimits:       DefaultRegistryLimits(),
		Notify:            DefaultNotifyConfig(),
	}
	return p
}

func (p *Params) normalize() {
	if p.Timeout <= 0 {
		p.Timeout = time.Hour
	}
	if p.MaxInputSize <= 0 {
		p.MaxInputSize = 2048
	}
	if p.MaxOutputSize <= 0 {
		p.MaxOutputSize = 2048
	}
	if p.AffinityLimits.MaxRecords <= 0 {
		p.AffinityLimits = DefaultRegistryLimits()
	}
	if p.GroupLimits.MaxRecords <= 0 {
		p.GroupLimits = DefaultRegistryLimits()
	}
	if p.ScopeLimits.MaxRecords <= 0 {
		p.ScopeLimits = DefaultRegistryLimits()
	}
}
