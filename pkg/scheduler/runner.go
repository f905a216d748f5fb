package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/askhive/metering/pkg/observability"
)

// Job is one named, independently scheduled task. Handlers must be
// idempotent: lock expiry mid-run means two instances can overlap.
type Job struct {
	Name    string
	Spec    string
	Handler func(ctx context.Context) error
}

// RunnerConfig configures the job runner
type RunnerConfig struct {
	LeaseTTL   time.Duration
	JobTimeout time.Duration
}

// Runner executes jobs under their distributed locks
type Runner struct {
	locks   *LockManager
	config  RunnerConfig
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewRunner creates a new job runner
func NewRunner(locks *LockManager, config RunnerConfig, metrics *observability.Metrics, logger *observability.Logger) *Runner {
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 60 * time.Second
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 10 * time.Minute
	}
	return &Runner{
		locks:   locks,
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

// RunJob executes one job if its lock is free. A held lock means another
// instance is already running it, which is success from this instance's
// point of view.
func (r *Runner) RunJob(ctx context.Context, job Job) error {
	lease, acquired, err := r.locks.Acquire(ctx, job.Name, r.config.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		if r.metrics != nil {
			r.metrics.JobLockSkips.WithLabelValues(job.Name).Inc()
		}
		r.logger.WithField("job", job.Name).Debug("job lock held elsewhere, skipping run")
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			r.logger.WithError(err).WithField("job", job.Name).Warn("failed to release job lock")
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err = job.Handler(jobCtx)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		r.logger.WithError(err).WithField("job", job.Name).Error("job run failed")
	} else {
		r.logger.WithFields(map[string]interface{}{
			"job":      job.Name,
			"duration": elapsed.String(),
		}).Info("job run completed")
	}

	if r.metrics != nil {
		r.metrics.JobRunsTotal.WithLabelValues(job.Name, status).Inc()
		r.metrics.JobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())
	}
	return err
}

// Schedule registers every job with the cron scheduler. Job failures are
// logged and retried on the next scheduled invocation, never fatal.
func (r *Runner) Schedule(c *cron.Cron, jobs []Job) error {
	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.Spec, func() {
			if err := r.RunJob(context.Background(), job); err != nil {
				r.logger.WithError(err).WithField("job", job.Name).Error("scheduled job failed, will retry next cycle")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
		}
	}
	return nil
}
