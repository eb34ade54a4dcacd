// Package runner drives periodic jobs in-process when no asynq scheduler is
// configured.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"credit-card-platform/shared/logx"
)

var ErrAlreadyRunning = errors.New("runner already running")

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Runner struct {
	clock  clockwork.Clock
	logger logx.Logger
	jobs   []Job

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(clock clockwork.Clock, logger logx.Logger, jobs ...Job) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{clock: clock, logger: logger, jobs: jobs}
}

// Start runs every job once and then on its interval until Stop or ctx ends.
// Job errors are logged; they never stop the loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrAlreadyRunning
	}
	for _, job := range r.jobs {
		if job.Interval <= 0 || job.Run == nil {
			return errors.New("runner: job " + job.Name + " needs a positive interval and a run func")
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		group.Go(func() error {
			r.loop(ctx, job)
			return nil
		})
	}
	r.cancel = cancel
	r.group = group
	r.logger.Info(ctx, "runner_start", "job runner started", slog.Int("jobs", len(r.jobs)))
	return nil
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, group := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
	r.logger.Info(context.Background(), "runner_stop", "job runner stopped")
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := r.clock.NewTicker(job.Interval)
	defer ticker.Stop()
	r.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := r.clock.Now()
	if err := job.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error(ctx, "job_failed", "scheduled job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Debug(ctx, "job_done", "scheduled job finished",
		slog.String("job", job.Name),
		slog.Duration("elapsed", r.clock.Since(start)),
	)
}
