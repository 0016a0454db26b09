package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named maintenance task run on a cron schedule. Run returns the
// number of records it affected.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int, error)
}

type entry struct {
	job Job
	id  cron.EntryID
}

// Scheduler runs maintenance jobs on standard five-field cron schedules.
// A job whose run is still in progress when its next tick fires is skipped
// for that tick, and a panicking job is recovered and logged.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	running bool

	// ctxMu is separate from mu: Stop holds mu while waiting for jobs that
	// read ctx.
	ctxMu sync.RWMutex
	ctx   context.Context
}

// New creates a Scheduler with no jobs.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]*entry),
	}
}

// Add registers a job. A job with an empty schedule is disabled and ignored.
// Schedules use standard cron syntax:
//   - "*/5 * * * *" - every five minutes
//   - "0 3 * * *"   - daily at 3 AM
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if job.Schedule == "" {
		s.logger.Info("job schedule not configured, skipping", "job", job.Name)
		return nil
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	e := &entry{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(e.job) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
	}
	e.id = id
	s.jobs[job.Name] = e
	return nil
}

// Start begins running jobs. Jobs run with ctx, and the scheduler stops when
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()
	s.cron.Start()
	s.running = true

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	s.logger.Info("scheduler started", "jobs", names)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled run of a job, or nil when the job is
// unknown or the scheduler is not running.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return nil
	}
	next := s.cron.Entry(e.id).Next
	if next.IsZero() {
		return nil
	}
	return &next
}

// RunNow runs a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("job %s is not registered", name)
	}
	return e.job.Run(ctx)
}

func (s *Scheduler) run(job Job) {
	s.ctxMu.RLock()
	ctx := s.ctx
	s.ctxMu.RUnlock()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("scheduled job completed",
			"job", job.Name,
			"affected", n,
			"duration", time.Since(start),
		)
		return
	}
	s.logger.Debug("scheduled job completed, nothing to do", "job", job.Name)
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
