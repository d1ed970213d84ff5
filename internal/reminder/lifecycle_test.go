package reminder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func activeJob(now time.Time) *Job {
	next := now
	owner := "worker-1"
	until := now.Add(time.Minute)
	return &Job{
		ID:              "r-1",
		ScheduleType:    ScheduleRecurring,
		IntervalMinutes: intPtr(60),
		Status:          StatusActive,
		NextRunAt:       &next,
		ClaimedBy:       &owner,
		ClaimedUntil:    &until,
	}
}

func TestPauseResume(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	j := activeJob(t0)

	require.NoError(t, j.Pause(t0))
	assert.Equal(t, StatusPaused, j.Status)
	assert.Nil(t, j.NextRunAt)
	assert.Nil(t, j.ClaimedBy)

	err := j.Pause(t0)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "cannot pause reminder in state PAUSED", err.Error())

	resumeAt := t0.Add(3 * time.Hour)
	require.NoError(t, j.Resume(resumeAt))
	assert.Equal(t, StatusActive, j.Status)
	require.NotNil(t, j.NextRunAt)
	assert.Equal(t, resumeAt.Add(60*time.Minute), *j.NextRunAt)
	assert.False(t, j.NextRunAt.Before(resumeAt))

	require.ErrorIs(t, j.Resume(resumeAt), ErrInvalidTransition)
}

func TestResume_OneTimeRunsImmediately(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	start := t0.Add(48 * time.Hour)
	j := &Job{ScheduleType: ScheduleOneTime, Status: StatusPaused, StartTime: &start}

	require.NoError(t, j.Resume(t0))
	assert.Equal(t, t0, *j.NextRunAt)
}

func TestSoftDelete(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	for _, from := range []Status{StatusActive, StatusPaused, StatusCompleted} {
		j := activeJob(t0)
		j.Status = from
		require.NoError(t, j.SoftDelete(t0))
		assert.Equal(t, StatusCompleted, j.Status)
		require.NotNil(t, j.DeletedAt)
		assert.Nil(t, j.NextRunAt)

		require.ErrorIs(t, j.SoftDelete(t0), ErrNotFound)
		require.ErrorIs(t, j.Resume(t0), ErrInvalidTransition)
		require.ErrorIs(t, j.Pause(t0), ErrInvalidTransition)
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	j := &Job{Status: StatusCompleted}
	now := time.Now()

	var te *TransitionError
	require.True(t, errors.As(j.Pause(now), &te))
	assert.Equal(t, "COMPLETED", te.From)
	require.ErrorIs(t, j.Resume(now), ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, j.Status)
}

func TestAdvance(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 1, 0, 0, time.UTC)

	t.Run("recurring moves forward", func(t *testing.T) {
		j := activeJob(now.Add(-time.Minute))
		j.RecordRun(now, true)
		j.Advance(now)
		assert.Equal(t, StatusActive, j.Status)
		assert.Equal(t, now.Add(time.Hour), *j.NextRunAt)
		assert.Equal(t, now, *j.LastRunAt)
		assert.Equal(t, 1, j.RunCount)
		assert.Nil(t, j.LastError)
	})

	t.Run("one-time completes", func(t *testing.T) {
		j := &Job{ScheduleType: ScheduleOneTime, Status: StatusActive, NextRunAt: &now}
		j.Advance(now)
		assert.Equal(t, StatusCompleted, j.Status)
		assert.Nil(t, j.NextRunAt)
	})

	t.Run("recurring without interval completes", func(t *testing.T) {
		j := &Job{ScheduleType: ScheduleRecurring, Status: StatusActive, NextRunAt: &now}
		j.Advance(now)
		assert.Equal(t, StatusCompleted, j.Status)
	})

	t.Run("failed dispatch is recorded", func(t *testing.T) {
		j := activeJob(now)
		j.Channel = "sms"
		j.RecordRun(now, false)
		require.NotNil(t, j.LastError)
		assert.Contains(t, *j.LastError, "sms")
	})
}
