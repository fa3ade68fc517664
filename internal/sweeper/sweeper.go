package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/lifecycle"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/logging"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/metrics"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/tracing"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// Sweep names, used for locks, metrics and logs
const (
	SweepRetry    = "retry"
	SweepAlert    = "alert"
	SweepWatchdog = "watchdog"
)

// Jobs is the part of the lifecycle manager the sweeper drives
type Jobs interface {
	ReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*models.EncodingJob, error)
	RequeueForRetry(ctx context.Context, jobID string) (*models.EncodingJob, error)
	AlertPending(ctx context.Context, limit int) ([]*models.EncodingJob, error)
	MarkAlertSent(ctx context.Context, jobID string) error
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]*models.EncodingJob, error)
	FailStale(ctx context.Context, jobID string, cutoff time.Time) (*models.EncodingJob, error)
	Stats(ctx context.Context, staleAfter time.Duration) (*models.JobStats, error)
	Now() time.Time
}

// Alerter tells operators about a job that exhausted its attempts
type Alerter interface {
	SendAlert(ctx context.Context, job *models.EncodingJob) error
}

// Locker grants a short exclusive lease on a sweep. ok is false when
// another sweeper holds it.
type Locker interface {
	TryLock(ctx context.Context, resource string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// PassResult describes one sweep pass
type PassResult struct {
	Sweep     string
	Processed int
	Skipped   int
	Failed    int
	// LockHeld is set when another sweeper owned the pass
	LockHeld bool
}

// Report collects the results of one RunOnce
type Report struct {
	Retry    PassResult
	Alert    PassResult
	Watchdog PassResult
}

// Sweeper runs the periodic retry, alert and watchdog passes
type Sweeper struct {
	jobs    Jobs
	alerter Alerter
	locker  Locker
	cfg     config.SweeperConfig
	logger  *logging.Logger

	alertNow chan struct{}
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithLocker makes passes take a distributed lock
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// New creates a sweeper
func New(jobs Jobs, alerter Alerter, cfg config.SweeperConfig, logger *logging.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}

	s := &Sweeper{
		jobs:     jobs,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.WithComponent("sweeper"),
		alertNow: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce runs every pass once, in retry, alert, watchdog order. A pass
// failing does not stop the ones after it.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	var err error
	if report.Retry, err = s.RetryPass(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Alert, err = s.AlertPass(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Watchdog, err = s.WatchdogPass(ctx); err != nil {
		errs = append(errs, err)
	}

	return report, errors.Join(errs...)
}

// Run starts the ticker loops and blocks until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	retryTicker := time.NewTicker(s.cfg.RetryInterval)
	defer retryTicker.Stop()
	alertTicker := time.NewTicker(s.cfg.AlertInterval)
	defer alertTicker.Stop()
	watchdogTicker := time.NewTicker(s.cfg.WatchdogInterval)
	defer watchdogTicker.Stop()

	s.logger.Info("Sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return ctx.Err()
		case <-retryTicker.C:
			s.RetryPass(ctx)
		case <-alertTicker.C:
			s.AlertPass(ctx)
		case <-s.alertNow:
			s.AlertPass(ctx)
		case <-watchdogTicker.C:
			s.WatchdogPass(ctx)
			if _, err := s.jobs.Stats(ctx, s.cfg.StaleAfter); err != nil {
				s.logger.WithError(err).Warn("Failed to refresh job gauges")
			}
		}
	}
}

// TriggerAlert schedules an alert pass without waiting for the ticker
func (s *Sweeper) TriggerAlert() {
	select {
	case s.alertNow <- struct{}{}:
	default:
	}
}

// HandleEvent reacts to lifecycle events from the bus
func (s *Sweeper) HandleEvent(_ context.Context, event models.JobEvent) error {
	if event.Type == models.JobEventExhausted {
		s.TriggerAlert()
	}
	return nil
}

// RetryPass requeues failed jobs whose retry time has come
func (s *Sweeper) RetryPass(ctx context.Context) (PassResult, error) {
	return s.pass(ctx, SweepRetry, func(ctx context.Context, res *PassResult) error {
		jobs, err := s.jobs.ReadyForRetry(ctx, s.jobs.Now(), s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to list jobs ready for retry: %w", err)
		}

		var errs []error
		for _, job := range jobs {
			_, err := s.jobs.RequeueForRetry(ctx, job.ID)
			errs = append(errs, s.tally(res, job.ID, err))
		}
		return errors.Join(errs...)
	})
}

// AlertPass alerts once for each exhausted job
func (s *Sweeper) AlertPass(ctx context.Context) (PassResult, error) {
	return s.pass(ctx, SweepAlert, func(ctx context.Context, res *PassResult) error {
		jobs, err := s.jobs.AlertPending(ctx, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to list jobs pending alert: %w", err)
		}

		var errs []error
		for _, job := range jobs {
			if err := s.alerter.SendAlert(ctx, job); err != nil {
				// alert stays pending and is retried next pass
				res.Failed++
				errs = append(errs, fmt.Errorf("alert for job %s: %w", job.ID, err))
				continue
			}
			errs = append(errs, s.tally(res, job.ID, s.jobs.MarkAlertSent(ctx, job.ID)))
		}
		return errors.Join(errs...)
	})
}

// WatchdogPass fails processing jobs whose worker stopped reporting
func (s *Sweeper) WatchdogPass(ctx context.Context) (PassResult, error) {
	return s.pass(ctx, SweepWatchdog, func(ctx context.Context, res *PassResult) error {
		cutoff := s.jobs.Now().Add(-s.cfg.StaleAfter)
		jobs, err := s.jobs.Stale(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to list stale jobs: %w", err)
		}

		var errs []error
		for _, job := range jobs {
			_, err := s.jobs.FailStale(ctx, job.ID, cutoff)
			errs = append(errs, s.tally(res, job.ID, err))
		}
		return errors.Join(errs...)
	})
}

// tally counts one job's outcome. Conflicts and vanished jobs mean another
// actor got there first and are skipped, not failed.
func (s *Sweeper) tally(res *PassResult, jobID string, err error) error {
	switch {
	case err == nil:
		res.Processed++
		return nil
	case errors.Is(err, lifecycle.ErrConflict), errors.Is(err, lifecycle.ErrNotFound):
		res.Skipped++
		s.logger.WithJobID(jobID).Debugf("Skipped in %s sweep: %v", res.Sweep, err)
		return nil
	default:
		res.Failed++
		return err
	}
}

func (s *Sweeper) pass(ctx context.Context, name string, fn func(context.Context, *PassResult) error) (res PassResult, err error) {
	res.Sweep = name
	start := time.Now()

	span, ctx := tracing.StartSpan(ctx, "sweeper."+name)
	defer func() {
		if err != nil {
			tracing.LogError(span, err)
		}
		tracing.SetTag(span, "processed", res.Processed)
		tracing.SetTag(span, "skipped", res.Skipped)
		tracing.FinishSpan(span)

		if !res.LockHeld {
			metrics.RecordSweep(name, res.Processed, res.Skipped, time.Since(start).Seconds(), err)
			s.logger.LogSweep(name, res.Processed, res.Skipped, time.Since(start), err)
		}
	}()

	if s.locker != nil {
		release, ok, lockErr := s.locker.TryLock(ctx, "sweep:"+name, s.cfg.LockTTL)
		switch {
		case lockErr != nil:
			// the store guards make a lockless pass safe
			s.logger.WithError(lockErr).Warnf("Sweep lock unavailable, running %s without it", name)
		case !ok:
			res.LockHeld = true
			s.logger.Debugf("Sweep %s held by another sweeper", name)
			return res, nil
		default:
			defer func() {
				if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
					s.logger.WithError(relErr).Warnf("Failed to release %s sweep lock", name)
				}
			}()
		}
	}

	err = fn(ctx, &res)
	return res, err
}
