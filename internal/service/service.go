// Package service wraps a Scheduler/Worker Pool pair with the process-level
// lifecycle concerns a long-running SchedArray daemon needs: a single-
// instance lock, graceful signal-triggered drain, periodic cleanup, and an
// optional read-only HTTP status surface.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/schedarray/schedarray/internal/cache"
	"github.com/schedarray/schedarray/internal/lockfile"
	"github.com/schedarray/schedarray/internal/models"
	"github.com/schedarray/schedarray/internal/scheduler"
	"github.com/schedarray/schedarray/internal/workerpool"
	"go.uber.org/zap"
)

// DefaultDrainTimeout is how long Stop waits for in-flight jobs to finish
// naturally before force-killing them.
const DefaultDrainTimeout = 30 * time.Second

// countsCacheTTL bounds how fresh a CountByState tally served over the
// status HTTP surface has to be; a monitoring tool polling every few
// hundred milliseconds should not each trigger its own store query.
const countsCacheTTL = time.Second

const countsCacheKey = "counts_by_state"

// Status is the point-in-time lifecycle snapshot reported by Status().
type Status struct {
	Running       bool                      `json:"running"`
	PID           int                       `json:"pid"`
	WorkerCount   int                       `json:"worker_count"`
	Workers       []workerpool.WorkerStatus `json:"workers"`
	CountsByState map[models.State]int      `json:"counts_by_state"`
}

// Opts collects Service construction options.
type Opts struct {
	DrainTimeout    time.Duration
	CleanupInterval time.Duration
	CleanupOlderBy  time.Duration
	StatusAddr      string
	Logger          *zap.Logger
}

// Option mutates Opts.
type Option func(*Opts)

func WithDrainTimeout(d time.Duration) Option    { return func(o *Opts) { o.DrainTimeout = d } }
func WithCleanupInterval(d time.Duration) Option { return func(o *Opts) { o.CleanupInterval = d } }
func WithCleanupOlderBy(d time.Duration) Option  { return func(o *Opts) { o.CleanupOlderBy = d } }
func WithStatusAddr(addr string) Option          { return func(o *Opts) { o.StatusAddr = addr } }
func WithLogger(l *zap.Logger) Option            { return func(o *Opts) { o.Logger = l } }

// Service is a process-level lifecycle wrapper around one {Scheduler, Pool}
// pair: it owns the state-directory lock, the signal handling that triggers
// a graceful drain, the periodic cleanup sweep, and the optional status
// HTTP server.
type Service struct {
	sched *scheduler.Scheduler
	pool  *workerpool.Pool
	log   *zap.Logger

	stateDir        string
	drainTimeout    time.Duration
	cleanupInterval time.Duration
	cleanupOlderBy  time.Duration
	statusAddr      string

	lock       *lockfile.Lock
	cron       *cron.Cron
	httpServer *http.Server
	counts     *cache.TTLCache
}

// New constructs a Service. stateDir is where the single-instance lock file
// lives; it is typically the same directory as the SQLite database.
func New(sched *scheduler.Scheduler, pool *workerpool.Pool, stateDir string, opts ...Option) *Service {
	cfg := Opts{
		DrainTimeout:    DefaultDrainTimeout,
		CleanupInterval: time.Hour,
		CleanupOlderBy:  7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		sched:           sched,
		pool:            pool,
		log:             log,
		stateDir:        stateDir,
		drainTimeout:    cfg.DrainTimeout,
		cleanupInterval: cfg.CleanupInterval,
		cleanupOlderBy:  cfg.CleanupOlderBy,
		statusAddr:      cfg.StatusAddr,
		counts:          cache.New(countsCacheTTL),
	}
}

// cachedCountByState serves CountByState through a short-lived cache so a
// status surface polled faster than countsCacheTTL does not turn into a
// query storm against the store.
func (s *Service) cachedCountByState(ctx context.Context) (map[models.State]int, error) {
	if v, ok := s.counts.Get(countsCacheKey); ok {
		return v.(map[models.State]int), nil
	}
	counts, err := s.sched.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	s.counts.Set(countsCacheKey, counts, 0)
	return counts, nil
}

// Start acquires the single-instance lock, installs sched as the process
// default, starts the worker pool (including its orphan sweep), and starts
// the periodic cleanup sweep and optional status server. It does not block.
func (s *Service) Start(ctx context.Context) error {
	lock, err := lockfile.AcquireLock(s.stateDir, s.log)
	if err != nil {
		return err
	}
	s.lock = lock

	scheduler.SetDefault(s.sched)

	if err := s.pool.Start(ctx); err != nil {
		s.lock.Release()
		return err
	}

	s.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", s.cleanupInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		n, err := s.sched.Cleanup(ctx, s.cleanupOlderBy)
		if err != nil {
			s.log.Warn("periodic cleanup failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.log.Info("periodic cleanup swept terminal jobs", zap.Int("count", n))
		}
	}); err != nil {
		s.log.Warn("failed to schedule periodic cleanup", zap.Error(err))
	}
	s.cron.Start()

	if s.statusAddr != "" {
		s.httpServer = &http.Server{Addr: s.statusAddr, Handler: s.statusRouter()}
		go func() {
			s.log.Info("status server listening", zap.String("addr", s.statusAddr))
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("status server failed", zap.Error(err))
			}
		}()
	}

	s.log.Info("service started",
		zap.Int("pid", os.Getpid()),
		zap.String("instance_id", s.lock.InstanceID()),
		zap.Int("workers", len(s.pool.WorkerStatus())))
	return nil
}

// Run starts the service and blocks until ctx is cancelled or SIGTERM/SIGINT
// is received, then performs a graceful drain and releases all resources.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		s.log.Info("service context cancelled, draining")
	case sig := <-sigCh:
		s.log.Info("received shutdown signal, draining", zap.String("signal", sig.String()))
	}

	return s.Stop()
}

// Stop drains the worker pool (up to drainTimeout), stops the cleanup
// cron and status server, and releases the single-instance lock.
func (s *Service) Stop() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("status server shutdown failed", zap.Error(err))
		}
	}
	if err := s.pool.Stop(true, s.drainTimeout); err != nil {
		s.log.Warn("worker pool stop failed", zap.Error(err))
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			return err
		}
	}
	s.log.Info("service stopped")
	return nil
}

// Status reports the current lifecycle snapshot.
func (s *Service) Status(ctx context.Context) (Status, error) {
	counts, err := s.cachedCountByState(ctx)
	if err != nil {
		return Status{}, err
	}
	workers := s.pool.WorkerStatus()
	return Status{
		Running:       true,
		PID:           os.Getpid(),
		WorkerCount:   len(workers),
		Workers:       workers,
		CountsByState: counts,
	}, nil
}
