// Package scheduler runs the runtime's periodic maintenance jobs: the order
// reconciliation sweep, the stale-feed scan, journal WAL checkpoints and
// terminal-order garbage collection.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one named maintenance task.
type Job interface {
	Name() string
	Run() error
}

// Scheduler wraps cron with job registration and logging.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]Job
}

// New creates a scheduler with second-level cron resolution.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
		jobs: make(map[string]Job),
	}
}

// Register schedules a job under a cron spec ("*/30 * * * * *" style, six
// fields with seconds).
func (s *Scheduler) Register(spec string, job Job) error {
	s.mu.Lock()
	s.jobs[job.Name()] = job
	s.mu.Unlock()

	_, err := s.cron.AddFunc(spec, func() {
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Maintenance job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("Maintenance job completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name(), err)
	}
	s.log.Info().Str("job", job.Name()).Str("spec", spec).Msg("Maintenance job registered")
	return nil
}

// Trigger runs a registered job immediately, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return job.Run()
}

// JobNames returns the registered job names.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.JobNames())).Msg("Maintenance scheduler started")
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Maintenance scheduler stopped")
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	JobName string
	Fn      func() error
}

// Name returns the job's name.
func (j FuncJob) Name() string { return j.JobName }

// Run executes the job.
func (j FuncJob) Run() error { return j.Fn() }

// ReconcileJob sweeps an order gateway against its broker.
type ReconcileJob struct {
	Gateway interface{ Reconcile(ctx context.Context) }
	Timeout time.Duration
}

// Name returns the job's name.
func (j ReconcileJob) Name() string { return "order_reconcile" }

// Run performs one reconcile sweep.
func (j ReconcileJob) Run() error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	j.Gateway.Reconcile(ctx)
	return nil
}

// StaleScanJob surfaces feeds that stopped delivering bars.
type StaleScanJob struct {
	Market interface{ StaleFeeds() []string }
	Log    zerolog.Logger
}

// Name returns the job's name.
func (j StaleScanJob) Name() string { return "stale_feed_scan" }

// Run emits FeedStale events for quiet feeds.
func (j StaleScanJob) Run() error {
	if stale := j.Market.StaleFeeds(); len(stale) > 0 {
		j.Log.Warn().Strs("feeds", stale).Msg("Stale feeds detected")
	}
	return nil
}
