// Package maintenance drives the queue background sweeps: grant timeouts,
// lifetime expiry, deferred deletion, registry garbage collection, client
// purge and the periodic notification pass.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gridq/internal/config"
	"gridq/internal/queue"
	logx "gridq/pkg/logx"
)

// QueueProvider yields the current queue set. Indirection keeps the
// service correct across config reloads that add or drop queues.
type QueueProvider func() []*queue.Queue

type Service struct {
	log    logx.Logger
	queues QueueProvider
	parser cron.Parser

	mu       sync.Mutex
	settings config.MaintenanceSettings
	c        *cron.Cron
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(settings config.MaintenanceSettings, queues QueueProvider, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		queues:   queues,
		settings: settings,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply swaps the schedule; a running service restarts its cron.
func (s *Service) Apply(settings config.MaintenanceSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restart := settings != s.settings && s.c != nil
	s.settings = settings
	if restart {
		s.stopLocked()
		s.startLocked()
	}
}

func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.startLocked()
	s.log.Info("maintenance started",
		logx.String("timeout_check", s.settings.TimeoutCheck),
		logx.String("expiry_check", s.settings.ExpiryCheck),
		logx.String("purge", s.settings.Purge),
		logx.Duration("notify_tick", s.settings.NotifyTick))
	return nil
}

func (s *Service) startLocked() {
	c := cron.New(cron.WithParser(s.parser))

	add := func(name, spec string, fn func(q *queue.Queue, now queue.PreciseTime)) {
		_, err := c.AddFunc(spec, func() { s.forEach(fn) })
		if err != nil {
			s.log.Error("maintenance schedule rejected",
				logx.String("job", name), logx.String("spec", spec), logx.Err(err))
		}
	}

	add("timeout_check", s.settings.TimeoutCheck, func(q *queue.Queue, now queue.PreciseTime) {
		if n := q.CheckExecutionTimeout(now); n > 0 {
			s.log.Debug("grants timed out", logx.String("queue", q.Name()), logx.Int("count", n))
		}
		q.StaleNodes(now)
	})
	add("expiry_check", s.settings.ExpiryCheck, func(q *queue.Queue, now queue.PreciseTime) {
		expired := q.CheckJobsExpiry(s.settings.ExpirySliceScan, s.settings.ExpirySliceDelete, now)
		deleted := q.DeleteBatch()
		if expired > 0 || deleted > 0 {
			s.log.Debug("expiry sweep",
				logx.String("queue", q.Name()),
				logx.Int("expired", expired),
				logx.Int("deleted", deleted))
		}
	})
	add("purge", s.settings.Purge, func(q *queue.Queue, now queue.PreciseTime) {
		q.PurgeAffinities()
		q.PurgeGroups()
		q.PurgeBlacklistedJobs(now)
		q.PurgeClientRegistry(now)
	})
	add("statistics", s.settings.Statistics, func(q *queue.Queue, _ queue.PreciseTime) {
		q.PrintStatistics()
	})

	s.c = c
	c.Start()

	// The notification pass runs below cron granularity, on a plain ticker.
	s.stopCh = make(chan struct{})
	tick := s.settings.NotifyTick
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	stopCh := s.stopCh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-t.C:
				s.forEach(func(q *queue.Queue, now queue.PreciseTime) {
					q.NotifyListenersPeriodically(now)
				})
			}
		}
	}()
}

func (s *Service) forEach(fn func(q *queue.Queue, now queue.PreciseTime)) {
	now := queue.Now()
	for _, q := range s.queues() {
		fn(q, now)
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) stopLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}
