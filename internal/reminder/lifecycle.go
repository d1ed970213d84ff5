package reminder

import "time"

// Pause moves an ACTIVE job to PAUSED. NextRunAt is cleared; Resume
// recomputes it.
func (j *Job) Pause(now time.Time) error {
	if j.Deleted() || j.Status != StatusActive {
		return j.transitionErr("pause")
	}
	j.Status = StatusPaused
	j.NextRunAt = nil
	j.releaseClaim()
	j.UpdatedAt = now
	return nil
}

// Resume moves a PAUSED job back to ACTIVE with a fresh NextRunAt computed by
// the advance rule. The original start time is ignored.
func (j *Job) Resume(now time.Time) error {
	if j.Deleted() || j.Status != StatusPaused {
		return j.transitionErr("resume")
	}
	next := now
	if d, ok := j.Interval(); ok {
		next = now.Add(d)
	}
	j.Status = StatusActive
	j.NextRunAt = &next
	j.releaseClaim()
	j.UpdatedAt = now
	return nil
}

// SoftDelete marks the job deleted and COMPLETED, whatever its prior state.
func (j *Job) SoftDelete(now time.Time) error {
	if j.Deleted() {
		return ErrNotFound
	}
	j.DeletedAt = &now
	j.Status = StatusCompleted
	j.NextRunAt = nil
	j.releaseClaim()
	j.UpdatedAt = now
	return nil
}

// Complete terminates the job. Used by the scheduler when the stop
// condition fires or a one-time job has run.
func (j *Job) Complete(now time.Time) {
	j.Status = StatusCompleted
	j.NextRunAt = nil
	j.UpdatedAt = now
}

// RecordRun stamps a processing attempt. A failed delivery is kept in
// LastError but does not hold the schedule back.
func (j *Job) RecordRun(now time.Time, delivered bool) {
	t := now
	j.LastRunAt = &t
	j.RunCount++
	if delivered {
		j.LastError = nil
	} else {
		msg := "dispatch failed on channel " + j.Channel
		j.LastError = &msg
	}
	j.UpdatedAt = now
}

// Advance applies the post-run rule: recurring jobs move to now+interval,
// everything else (including a recurring job that lost its interval)
// completes.
func (j *Job) Advance(now time.Time) {
	d, ok := j.Interval()
	if !ok {
		j.Complete(now)
		return
	}
	next := now.Add(d)
	j.NextRunAt = &next
	j.UpdatedAt = now
}

func (j *Job) releaseClaim() {
	j.ClaimedBy = nil
	j.ClaimedUntil = nil
}

func (j *Job) transitionErr(op string) error {
	state := string(j.Status)
	if j.Deleted() {
		state = "DELETED"
	}
	return &TransitionError{Op: op, From: state}
}

// TransitionError reports a lifecycle operation attempted from a state that
// does not allow it.
type TransitionError struct {
	Op   string
	From string
}

func (e *TransitionError) Error() string {
	return "cannot " + e.Op + " reminder in state " + e.From
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
