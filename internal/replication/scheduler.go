package replication

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a periodic task. Run errors are logged and retried on the next
// tick; there is no in-process retry.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; zero means no extra bound.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs independent jobs, each on its own ticker.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			s.logger.Warn("job disabled", "job", job.Name)
			continue
		}
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.RunOnce(ctx, job)

		select {
		case <-ctx.Done():
			return
		case <-time.After(job.Interval):
		}
	}
}

// RunOnce executes one run of job, recording its outcome.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	if err := job.Run(runCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		jobRuns.WithLabelValues(job.Name, "error").Inc()
		s.logger.Warn("job failed", "job", job.Name, "error", err)
		return
	}
	jobRuns.WithLabelValues(job.Name, "ok").Inc()
}
