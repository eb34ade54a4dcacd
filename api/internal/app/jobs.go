package app

import (
	"context"
	"log/slog"
	"time"

	"credit-card-platform/api/internal/runner"
	"credit-card-platform/shared/metricsx"
)

const (
	TaskOutboxProcess    = "outbox.process"
	TaskApprovalSweep    = "approvals.sweep"
	TaskIdempotencyPurge = "idempotency.purge"
)

const purgeBatch = 1000

// Jobs lists the periodic background tasks with their configured intervals.
// The worker runs them through asynq or, without redis, through a runner.
func (p *Platform) Jobs() []runner.Job {
	jobs := []runner.Job{
		{Name: TaskOutboxProcess, Interval: seconds(p.Config.OutboxScanSec, 5), Run: p.ProcessOutbox},
		{Name: TaskApprovalSweep, Interval: seconds(p.Config.ApprovalSweepSec, 60), Run: p.SweepApprovals},
	}
	if p.Purger != nil {
		jobs = append(jobs, runner.Job{Name: TaskIdempotencyPurge, Interval: seconds(p.Config.IdempotencyPurgeSec, 600), Run: p.PurgeExpired})
	}
	if p.Locker != nil {
		for i := range jobs {
			jobs[i].Run = p.exclusive(jobs[i])
		}
	}
	return jobs
}

// exclusive skips a tick while another worker holds the job's lock. The
// lease lasts one interval so a crashed holder frees it by the next tick.
func (p *Platform) exclusive(job runner.Job) func(context.Context) error {
	run := job.Run
	return func(ctx context.Context) error {
		ran, err := p.Locker.Do(ctx, job.Name, job.Interval, run)
		if err == nil && !ran {
			p.Logger.Debug(ctx, "job_skipped", "job held by another worker", slog.String("job", job.Name))
		}
		return err
	}
}

func (p *Platform) ProcessOutbox(ctx context.Context) error {
	_, err := p.Dispatcher.ProcessOutbox(ctx)
	return err
}

func (p *Platform) SweepApprovals(ctx context.Context) error {
	_, err := p.Sweeper.SweepExpiredApprovals(ctx)
	return err
}

// PurgeExpired drains expired idempotency records batch by batch.
func (p *Platform) PurgeExpired(ctx context.Context) error {
	total := 0
	for {
		n, err := p.PurgeIdempotency(ctx, purgeBatch)
		total += n
		metricsx.AddIdempotencyPurged(n)
		if err != nil {
			return err
		}
		if n < purgeBatch {
			break
		}
	}
	if total > 0 {
		p.Logger.Info(ctx, "idempotency_purged", "expired idempotency records purged", slog.Int("purged", total))
	}
	return nil
}

func seconds(n int, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
