// Package core assembles the server: config, logging, storage, the queue
// set and the background services, with hot reload and bounded shutdown.
package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gridq/internal/config"
	"gridq/internal/eventbus"
	"gridq/internal/observability/httpserver"
	"gridq/internal/queue"
	rtsup "gridq/internal/runtime/supervisor"
	"gridq/internal/services/maintenance"
	"gridq/internal/storage"
	logx "gridq/pkg/logx"
)

type StopReason string

const (
	StopReasonSignal StopReason = "signal"
	StopReasonFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logSvc *logx.Service

	registry *prometheus.Registry
	bus      eventbus.Bus
	store    storage.Store

	qmu    sync.RWMutex
	queues map[string]*queue.Queue

	maint *maintenance.Service
	http  *httpserver.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	log = log.With(logx.String("comp", "app"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	storageCfg, err := cfg.StorageConfigParsed()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(storageCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logSvc:   logSvc,
		registry: registry,
		bus:      eventbus.New(),
		store:    store,
		queues:   map[string]*queue.Queue{},
	}

	now := queue.Now()
	for name, qc := range cfg.Queues {
		q, err := a.buildQueue(name, qc)
		if err != nil {
			a.closeOnInitError()
			return nil, err
		}
		if store != nil {
			if err := q.LoadFromDump(now); err != nil {
				// A bad dump must not keep the server down; the queue
				// starts empty and the error is surfaced loudly.
				log.Error("dump load failed, starting empty",
					logx.String("queue", name), logx.Err(err))
			}
		}
		a.queues[name] = q
	}

	settings, err := cfg.Maintenance.Resolve()
	if err != nil {
		a.closeOnInitError()
		return nil, err
	}
	a.maint = maintenance.New(settings, a.queueList, log.With(logx.String("comp", "maintenance")))

	a.http = httpserver.New(httpserver.Config{
		Addr:         cfg.Server.HTTPAddr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
	}, a.queueMap, a.runtimeSnapshot, registry, log.With(logx.String("comp", "http")))

	return a, nil
}

func (a *App) buildQueue(name string, qc config.QueueConfig) (*queue.Queue, error) {
	params, err := qc.Params(name)
	if err != nil {
		return nil, err
	}
	qlog := a.log.With(logx.String("comp", "queue"), logx.String("queue", name))
	opts := []queue.Option{
		queue.WithLogger(qlog),
		queue.WithSender(queue.NewUDPSender(qlog)),
		queue.WithRegisterer(a.registry),
		queue.WithTransitionSink(eventbus.NewTransitionPublisher(a.bus)),
	}
	if a.store != nil {
		opts = append(opts, queue.WithStore(a.store))
	}
	return queue.New(name, params, opts...)
}

func (a *App) closeOnInitError() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logSvc.Close()
}

func (a *App) queueMap() map[string]*queue.Queue {
	a.qmu.RLock()
	defer a.qmu.RUnlock()
	out := make(map[string]*queue.Queue, len(a.queues))
	for name, q := range a.queues {
		out[name] = q
	}
	return out
}

func (a *App) queueList() []*queue.Queue {
	a.qmu.RLock()
	defer a.qmu.RUnlock()
	out := make([]*queue.Queue, 0, len(a.queues))
	for _, q := range a.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (a *App) runtimeSnapshot() rtsup.SupervisorSnapshot {
	if a.sup == nil {
		return rtsup.SupervisorSnapshot{}
	}
	return a.sup.Snapshot()
}

// Bus exposes the transition bus for embedding callers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}
	a.http.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, changedQueues := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					lastApplied = newCfg
					continue
				}
				lastApplied = newCfg

				a.logSvc.Apply(newCfg.LogxConfig())
				a.applyQueueChanges(newCfg, changedQueues)

				if settings, err := newCfg.Maintenance.Resolve(); err == nil {
					a.maint.Apply(settings)
				} else {
					a.log.Warn("maintenance config rejected on reload", logx.Err(err))
				}

				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("server started", logx.String("node", a.cfgm.Get().Server.Node))
	return nil
}

// applyQueueChanges retunes existing queues and adds new ones. A queue
// removed from the config keeps running until restart: dropping live jobs
// on a file edit is not a reload-safe operation.
func (a *App) applyQueueChanges(cfg *config.Config, changed []string) {
	for _, name := range changed {
		qc, ok := cfg.Queues[name]
		if !ok {
			a.log.Warn("queue removed from config; kept until restart", logx.String("queue", name))
			continue
		}
		params, err := qc.Params(name)
		if err != nil {
			a.log.Warn("queue config rejected on reload", logx.String("queue", name), logx.Err(err))
			continue
		}

		a.qmu.Lock()
		q, exists := a.queues[name]
		a.qmu.Unlock()
		if exists {
			q.SetParams(params)
			a.log.Info("queue parameters updated", logx.String("queue", name))
			continue
		}

		q, err = a.buildQueue(name, qc)
		if err != nil {
			a.log.Error("new queue rejected on reload", logx.String("queue", name), logx.Err(err))
			continue
		}
		a.qmu.Lock()
		a.queues[name] = q
		a.qmu.Unlock()
		a.log.Info("queue added", logx.String("queue", name))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so a stuck
	// component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })

	if a.store != nil {
		step("dump", 10*time.Second, func(c context.Context) error {
			for _, q := range a.queueList() {
				if c.Err() != nil {
					return c.Err()
				}
				if err := q.Dump(); err != nil {
					a.log.Error("queue dump failed", logx.String("queue", q.Name()), logx.Err(err))
				}
			}
			return nil
		})
		step("storage", 2*time.Second, func(_ context.Context) error { return a.store.Close() })
	}

	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logSvc.Close()
}
