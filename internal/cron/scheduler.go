// Package cron runs the swarm's maintenance jobs (health sweep, registry
// cleanup) on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions, optional seconds, and descriptors
// such as "@every 30s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// JobFunc is one maintenance run. Errors are logged; the job stays scheduled.
type JobFunc func(ctx context.Context) error

type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
	// RunOnStart fires every job once when the scheduler starts.
	RunOnStart bool
	Now        func() time.Time
}

type job struct {
	name     string
	spec     string
	schedule cronlib.Schedule
	run      JobFunc
	next     time.Time
	runs     int
}

// Scheduler ticks at a fixed interval and runs each job whose next run time
// has passed. Jobs run one at a time, so a slow sweep never overlaps itself.
type Scheduler struct {
	logger     *slog.Logger
	interval   time.Duration
	runOnStart bool
	now        func() time.Time

	mu   sync.Mutex
	jobs map[string]*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:     logger,
		interval:   interval,
		runOnStart: cfg.RunOnStart,
		now:        now,
		jobs:       map[string]*job{},
	}
}

// Add registers or replaces the job called name.
func (s *Scheduler) Add(name, spec string, run JobFunc) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("cron job %s: invalid schedule %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, spec: spec, schedule: sched, run: run, next: sched.Next(s.now())}
	return nil
}

// Reschedule changes the spec of an existing job. An unchanged spec keeps the
// current next run time.
func (s *Scheduler) Reschedule(name, spec string) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("cron job %s: invalid schedule %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("cron job %s not registered", name)
	}
	if j.spec == spec {
		return nil
	}
	j.spec, j.schedule, j.next = spec, sched, sched.Next(s.now())
	s.logger.Info("cron: job rescheduled", "job", name, "spec", spec, "next_run_at", j.next)
	return nil
}

// Runs returns how many times name has run.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		return j.runs
	}
	return 0
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", n)
}

// Stop cancels the scheduler loop and waits for a running job to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		for _, j := range s.due(time.Time{}) {
			s.fire(ctx, j)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, j := range s.due(s.now()) {
				if ctx.Err() != nil {
					return
				}
				s.fire(ctx, j)
			}
		}
	}
}

// due returns the jobs to run at now and advances their next run time. A
// zero now selects every job.
func (s *Scheduler) due(now time.Time) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job
	for _, j := range s.jobs {
		if !now.IsZero() && now.Before(j.next) {
			continue
		}
		ref := now
		if ref.IsZero() {
			ref = s.now()
		}
		j.next = j.schedule.Next(ref)
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].name < out[b].name })
	return out
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	start := time.Now()
	err := j.run(ctx)
	s.mu.Lock()
	j.runs++
	next := j.next
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("cron: job failed", "job", j.name, "error", err, "next_run_at", next)
		return
	}
	s.logger.Debug("cron: job ran", "job", j.name, "duration", time.Since(start), "next_run_at", next)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
