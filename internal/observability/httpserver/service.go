// Package httpserver is the admin and observability surface: health,
// Prometheus metrics, pprof and read-only queue inspection endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridq/internal/queue"
	rtsup "gridq/internal/runtime/supervisor"
	logx "gridq/pkg/logx"
)

type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// QueueProvider yields the current queue set by name.
type QueueProvider func() map[string]*queue.Queue

// SnapshotProvider reports process-level runtime state for /stats.
type SnapshotProvider func() rtsup.SupervisorSnapshot

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	queues   QueueProvider
	snapshot SnapshotProvider
	gatherer prometheus.Gatherer

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, queues QueueProvider, snapshot SnapshotProvider, gatherer prometheus.Gatherer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, queues: queues, snapshot: snapshot, gatherer: gatherer, log: log}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		if strings.TrimSpace(s.cfg.Addr) == "" {
			s.mu.Unlock()
			return
		}

		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "http"))),
			// The admin surface is optional; never hard-kill the engine.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", func(c context.Context) error {
			return s.serveOnce(c)
		},
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		log.Error("http listen failed", logx.String("addr", cur.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.router(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		return context.Canceled
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return context.Canceled
		}
		return err
	}
}

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]any{}
		if s.snapshot != nil {
			out["runtime"] = s.snapshot()
		}
		queues := map[string]any{}
		for name, q := range s.queues() {
			queues[name] = map[string]any{
				"active_jobs": q.CountActiveJobs(),
				"all_jobs":    q.CountAllJobs(),
				"paused":      q.GetPauseStatus() != queue.PauseNone,
			}
		}
		out["queues"] = queues
		writeJSON(w, out)
	})

	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Use(s.withQueue)

		r.Get("/states", func(w http.ResponseWriter, req *http.Request) {
			q := queueFrom(req)
			counts, warnings := q.JobsPerState(req.URL.Query().Get("group"), req.URL.Query().Get("affinity"))
			named := make(map[string]uint64, len(counts))
			for st, n := range counts {
				named[st.String()] = n
			}
			writeJSON(w, map[string]any{"states": named, "warnings": warnings})
		})

		r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
			q := queueFrom(req)
			after := uintParam(req, "after")
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			writeJSON(w, q.ListJobs(uint32(after), limit))
		})

		r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
			q := queueFrom(req)
			id, err := strconv.ParseUint(chi.URLParam(req, "id"), 10, 32)
			if err != nil {
				http.Error(w, "bad job id", http.StatusBadRequest)
				return
			}
			info, err := q.JobDetails(uint32(id))
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, info)
		})

		r.Get("/clients", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, queueFrom(req).ListClients())
		})
		r.Get("/affinities", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, queueFrom(req).ListAffinities())
		})
		r.Get("/groups", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, queueFrom(req).ListGroups())
		})
		r.Get("/scopes", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, queueFrom(req).ListScopes())
		})
		r.Get("/waiters", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, queueFrom(req).ListWaiters())
		})
	})

	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", hpprof.Index)
		r.Get("/cmdline", hpprof.Cmdline)
		r.Get("/profile", hpprof.Profile)
		r.Get("/symbol", hpprof.Symbol)
		r.Get("/trace", hpprof.Trace)
		r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
			hpprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
		})
	})

	return r
}

type ctxKey struct{}

func (s *Service) withQueue(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "queue")
		q, ok := s.queues()[name]
		if !ok {
			http.Error(w, "unknown queue: "+name, http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), ctxKey{}, q)))
	})
}

func queueFrom(req *http.Request) *queue.Queue {
	return req.Context().Value(ctxKey{}).(*queue.Queue)
}

func uintParam(req *http.Request, name string) uint64 {
	v, _ := strconv.ParseUint(req.URL.Query().Get(name), 10, 32)
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
