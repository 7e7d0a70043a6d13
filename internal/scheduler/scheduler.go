// Package scheduler runs the bot's periodic housekeeping on cron schedules:
// idle session eviction and payment reconciliation.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/metrics"
	"github.com/soyeahso/shipbot/internal/orchestrator"
)

// Sessions is the part of the session store the sweep needs.
type Sessions interface {
	EvictIdle(ctx context.Context, ttl time.Duration) (int64, error)
	Count(ctx context.Context) (int, error)
}

// Reconciler finishes payments and purchases left half done.
type Reconciler interface {
	Reconcile(ctx context.Context) (orchestrator.ReconcileReport, error)
}

// Pruner drops expired cache entries.
type Pruner interface {
	Prune() int
}

// Jobs are the scheduler's collaborators. Nil members disable their job.
type Jobs struct {
	Sessions   Sessions
	TTL        time.Duration
	Reconciler Reconciler
	RateCache  Pruner
	Metrics    *metrics.Metrics
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron *cron.Cron
	jobs Jobs
	log  *logging.Logger
}

const jobTimeout = time.Minute

// Parser accepts 5-field expressions and descriptors such as "@every 1m".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a scheduler. Overlapping runs of one job are skipped and
// panics are recovered.
func New(jobs Jobs, log *logging.Logger) *Scheduler {
	l := log.Sub("scheduler")
	cl := cronLogger{l}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs: jobs,
		log:  l,
	}
}

// Schedule registers the sweep and reconcile jobs.
func (s *Scheduler) Schedule(sweepSpec, reconcileSpec string) error {
	if s.jobs.Sessions != nil {
		if err := s.add("sweep", sweepSpec, s.Sweep); err != nil {
			return err
		}
	}
	if s.jobs.Reconciler != nil {
		if err := s.add("reconcile", reconcileSpec, func(ctx context.Context) error {
			_, err := s.jobs.Reconciler.Reconcile(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) add(name, spec string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		start := time.Now()
		if err := job(ctx); err != nil {
			s.log.Warn().Err(err).Str("job", name).Msg("job failed")
			return
		}
		s.log.Trace().Str("job", name).Dur("took", time.Since(start)).Msg("job done")
	})
	if err != nil {
		return fmt.Errorf("scheduling %s (%q): %w", name, spec, err)
	}
	s.log.Debug().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

// Sweep evicts idle sessions, prunes the rate cache and refreshes the
// session gauge.
func (s *Scheduler) Sweep(ctx context.Context) error {
	n, err := s.jobs.Sessions.EvictIdle(ctx, s.jobs.TTL)
	if err != nil {
		return err
	}
	if s.jobs.RateCache != nil {
		if pruned := s.jobs.RateCache.Prune(); pruned > 0 {
			s.log.Debug().Int("count", pruned).Msg("pruned rate cache")
		}
	}
	if s.jobs.Metrics != nil {
		s.jobs.Metrics.EvictedSessions.Add(float64(n))
		if active, err := s.jobs.Sessions.Count(ctx); err == nil {
			s.jobs.Metrics.ActiveSessions.Set(float64(active))
		}
	}
	return nil
}

// Run starts the cron runner and blocks until ctx is cancelled, then
// waits for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

// cronLogger adapts the logger to cron's logging interface.
type cronLogger struct {
	log *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
