package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/familycore/famcore/internal/obs"
)

// JobCategory classifies jobs for semaphore-based concurrency limits.
type JobCategory string

const (
	CategoryConsolidation JobCategory = "consolidation"
	CategoryProspective   JobCategory = "prospective"
	CategoryDefault       JobCategory = "default"
)

// Job defines a schedulable unit of work: Run fires once per matching
// tick, on its own goroutine, gated by its Category's semaphore.
type Job struct {
	Name     string
	Cron     *CronExpr
	Category JobCategory
	Run      func(ctx context.Context, now time.Time)
}

// Config holds scheduler settings.
type Config struct {
	Enabled             bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval        time.Duration `json:"tickInterval"`
	MaxConcConsolidation int          `json:"maxConcConsolidation"`
	MaxConcProspective   int          `json:"maxConcProspective"`
	MaxConcDefault       int          `json:"maxConcDefault"`
	LockPath             string       `json:"lockPath"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:              false,
		TickInterval:         60 * time.Second,
		MaxConcConsolidation: 2,
		MaxConcProspective:   2,
		MaxConcDefault:       5,
		LockPath:             filepath.Join(home, ".famcore", "scheduler.lock"),
	}
}

// Scheduler manages job registration, tick dispatch, and concurrency
// control. One Scheduler runs the process's whole set of background
// passes (consolidation, prospective re-evaluation); a cross-process
// FileLock keeps two famcore instances sharing a data dir from ticking
// concurrently.
type Scheduler struct {
	cfg   Config
	hooks obs.Hooks

	jobs       map[string]*Job
	mu         sync.RWMutex
	semaphores map[JobCategory]*Semaphore
	lock       *FileLock
}

// New creates a Scheduler. hooks may be nil (falls back to obs.Noop).
func New(cfg Config, hooks obs.Hooks) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.MaxConcConsolidation <= 0 {
		cfg.MaxConcConsolidation = 2
	}
	if cfg.MaxConcProspective <= 0 {
		cfg.MaxConcProspective = 2
	}
	if cfg.MaxConcDefault <= 0 {
		cfg.MaxConcDefault = 5
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultConfig().LockPath
	}
	if hooks == nil {
		hooks = obs.Noop{}
	}

	return &Scheduler{
		cfg:   cfg,
		hooks: hooks,
		jobs:  make(map[string]*Job),
		semaphores: map[JobCategory]*Semaphore{
			CategoryConsolidation: NewSemaphore(cfg.MaxConcConsolidation),
			CategoryProspective:   NewSemaphore(cfg.MaxConcProspective),
			CategoryDefault:       NewSemaphore(cfg.MaxConcDefault),
		},
		lock: NewFileLock(cfg.LockPath),
	}
}

// Register adds a job to the scheduler.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	s.hooks.Event("scheduler.job_registered", map[string]any{"name": job.Name, "category": string(job.Category)})
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Jobs returns the current registered jobs (snapshot).
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Run starts the scheduler tick loop. Blocks until context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.hooks.Event("scheduler.started", map[string]any{"tick": s.cfg.TickInterval.String()})
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.hooks.Event("scheduler.stopped", nil)
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// tick is called every TickInterval. Acquires the cross-process file
// lock, then dispatches any matching jobs.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		s.hooks.Event("scheduler.lock_error", map[string]any{"error": err.Error()})
		return
	}
	if !acquired {
		return
	}
	defer s.lock.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.Cron != nil && !job.Cron.Matches(now) {
			continue
		}
		s.dispatch(ctx, job, now)
	}
}

// dispatch runs a job's callback on its own goroutine if a semaphore slot
// is available for its category.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) {
	sem := s.semaphores[job.Category]
	if sem == nil {
		sem = s.semaphores[CategoryDefault]
	}

	if !sem.TryAcquire() {
		s.hooks.Counter("scheduler.skipped_concurrency", 1, map[string]string{"job": job.Name})
		return
	}

	go func() {
		defer sem.Release()
		job.Run(ctx, now)
		s.hooks.Counter("scheduler.dispatched", 1, map[string]string{"job": job.Name})
	}()
}
