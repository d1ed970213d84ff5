package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"reminders/internal/notify"
	"reminders/internal/reminder"
)

// Store is the scheduler's view of persistence. Claims must never block on
// rows claimed by another instance and never hand the same row to two
// instances while the claim is live.
type Store interface {
	// ClaimDue claims up to limit ACTIVE, non-deleted jobs with
	// next_run_at <= now for owner until now+lease.
	ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]reminder.Job, error)
	// Commit persists j and drops the claim. It returns reminder.ErrClaimLost
	// when owner no longer holds the claim or the job left ACTIVE meanwhile.
	Commit(ctx context.Context, owner string, j *reminder.Job) error
	// Release drops the claim without changing the job.
	Release(ctx context.Context, owner string, id string) error
}

type Checker interface {
	ShouldStop(ctx context.Context, j *reminder.Job, now time.Time) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, p notify.Payload) bool
}

const (
	defaultInterval  = 30 * time.Second
	defaultLease     = 5 * time.Minute
	defaultBatchSize = 100
	// stop starting new jobs when less than this is left on the claim,
	// capped at a quarter of the lease
	leaseMargin = 15 * time.Second
)

// Worker is one scheduler instance. Several workers, in one process or many,
// may share a Store.
type Worker struct {
	ID         string
	Store      Store
	Checker    Checker
	Dispatcher Dispatcher
	Clock      clock.Clock
	Log        zerolog.Logger

	Interval  time.Duration
	Lease     time.Duration
	BatchSize int
}

// TickResult counts what one tick did.
type TickResult struct {
	Claimed          int
	Dispatched       int
	DispatchFailures int
	Stopped          int
	Completed        int
	Rescheduled      int
	Skipped          int
	Failed           int
}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeRescheduled
	outcomeCompleted
)

func (w *Worker) defaults() {
	if w.Clock == nil {
		w.Clock = clock.New()
	}
	if w.Interval <= 0 {
		w.Interval = defaultInterval
	}
	if w.Lease <= 0 {
		w.Lease = defaultLease
	}
	if w.BatchSize <= 0 {
		w.BatchSize = defaultBatchSize
	}
}

func (w *Worker) margin() time.Duration {
	return min(leaseMargin, w.Lease/4)
}

// Run ticks once immediately and then every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.defaults()
	log := w.Log.With().Str("worker", w.ID).Logger()
	log.Info().Dur("interval", w.Interval).Msg("scheduler started")

	ticker := w.Clock.Ticker(w.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("tick failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick claims the jobs due now and processes each one independently. The
// returned error covers only the claim step; per-job failures are logged and
// counted.
func (w *Worker) Tick(ctx context.Context) (TickResult, error) {
	w.defaults()
	var res TickResult
	log := w.Log.With().Str("worker", w.ID).Logger()

	now := w.Clock.Now().UTC()
	due, err := w.Store.ClaimDue(ctx, w.ID, now, w.Lease, w.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim due reminders: %w", err)
	}
	res.Claimed = len(due)
	if len(due) == 0 {
		log.Debug().Time("now", now).Msg("no reminders due")
		return res, nil
	}

	deadline := now.Add(w.Lease - w.margin())
	// a job that has started runs to its commit even if ctx is cancelled
	jobCtx := context.WithoutCancel(ctx)
	for i := range due {
		j := &due[i]
		if ctx.Err() != nil || w.Clock.Now().After(deadline) {
			w.release(j)
			res.Skipped++
			continue
		}

		jlog := log.With().Str("reminder_id", j.ID).Logger()
		out, delivered, err := w.process(jobCtx, j, now)
		switch {
		case errors.Is(err, reminder.ErrClaimLost):
			jlog.Debug().Msg("reminder changed while processing, skipped")
			res.Skipped++
			continue
		case errors.Is(err, errConditionUnavailable):
			jlog.Warn().Err(err).Msg("stop condition unavailable, retrying next tick")
			w.release(j)
			res.Skipped++
			continue
		case err != nil:
			jlog.Error().Err(err).Msg("processing reminder failed")
			w.release(j)
			res.Failed++
			continue
		}

		switch out {
		case outcomeStopped:
			res.Stopped++
			jlog.Info().Msg("stop condition met, reminder completed")
			continue
		case outcomeRescheduled:
			res.Rescheduled++
		case outcomeCompleted:
			res.Completed++
		}
		if delivered {
			res.Dispatched++
		} else {
			res.DispatchFailures++
		}
	}

	log.Info().
		Int("claimed", res.Claimed).
		Int("dispatched", res.Dispatched).
		Int("dispatch_failures", res.DispatchFailures).
		Int("stopped", res.Stopped).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("tick done")
	return res, nil
}

var errConditionUnavailable = errors.New("stop condition unavailable")

func (w *Worker) process(ctx context.Context, j *reminder.Job, now time.Time) (out outcome, delivered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	stop, err := w.Checker.ShouldStop(ctx, j, now)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", errConditionUnavailable, err)
	}
	if stop {
		j.Complete(now)
		if err := w.Store.Commit(ctx, w.ID, j); err != nil {
			return 0, false, err
		}
		return outcomeStopped, false, nil
	}

	delivered = w.Dispatcher.Dispatch(ctx, notify.NewPayload(j, now))
	j.RecordRun(now, delivered)
	j.Advance(now)

	if err := w.Store.Commit(ctx, w.ID, j); err != nil {
		return 0, delivered, err
	}
	if j.Status == reminder.StatusCompleted {
		return outcomeCompleted, delivered, nil
	}
	return outcomeRescheduled, delivered, nil
}

func (w *Worker) release(j *reminder.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Store.Release(ctx, w.ID, j.ID); err != nil {
		w.Log.Warn().Err(err).Str("reminder_id", j.ID).Msg("release claim failed")
	}
}
