package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dhcgn/winesync/imap"
)

// RunScheduled runs a cycle immediately and then on every tick of expr (a
// cron expression or descriptor such as "@every 15m") until ctx is done.
// Overlapping ticks are skipped. A failed first cycle and a mailbox login
// rejection at any time are returned; other cycle failures are retried on
// the next tick.
func (r *Runner) RunScheduled(ctx context.Context, expr string) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	r.logger.Info("scheduled mode started", "schedule", expr)

	started := time.Now()
	if _, err := r.RunOnce(ctx); err != nil {
		if ctx.Err() != nil {
			r.logger.Info("scheduled mode stopped")
			return nil
		}
		return fmt.Errorf("first poll cycle: %w", err)
	}
	r.logger.Debug("poll cycle finished", "duration", since(started))

	loopCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(r.logger.Handler(), slog.LevelDebug))
	c := cron.New(cron.WithLogger(cronLogger))
	job := cron.NewChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	).Then(cron.FuncJob(func() {
		if err := r.scheduledCycle(loopCtx); err != nil {
			cancel(err)
		}
	}))

	c.Schedule(schedule, job)
	c.Start()

	<-loopCtx.Done()
	stopped := c.Stop()
	<-stopped.Done()

	if ctx.Err() == nil {
		if cause := context.Cause(loopCtx); cause != nil {
			return cause
		}
	}
	r.logger.Info("scheduled mode stopped")
	return nil
}

// scheduledCycle runs one cycle and returns only errors that should end
// scheduled mode.
func (r *Runner) scheduledCycle(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	started := time.Now()
	if _, err := r.RunOnce(ctx); err != nil {
		if errors.Is(err, imap.ErrAuthFailed) {
			return err
		}
		r.logger.Warn("poll cycle failed, retrying on next tick", "duration", since(started), "err", err)
		return nil
	}
	r.logger.Debug("poll cycle finished", "duration", since(started))
	return nil
}
