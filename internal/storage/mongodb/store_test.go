package mongodb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"gorm.io/datatypes"

	"reminders/internal/jobs"
	"reminders/internal/reminder"
)

var (
	_ reminder.Repository = (*Store)(nil)
	_ jobs.Store          = (*Store)(nil)
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbName := fmt.Sprintf("reminders_test_%d", time.Now().UnixNano())
	st, err := Open(ctx, uri, dbName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.client.Database(dbName).Drop(context.Background())
		_ = st.Close(context.Background())
	})
	return st
}

func newJob(entityID string, next time.Time) *reminder.Job {
	interval := 60
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &reminder.Job{
		ID:              uuid.NewString(),
		EntityType:      "interviewer",
		EntityID:        entityID,
		EventType:       "feedback_form",
		Channel:         "email",
		Recipients:      pq.StringArray{"jo@example.com"},
		Metadata:        datatypes.JSON(`{"round":2,"panel":{"lead":"sam"}}`),
		ScheduleType:    reminder.ScheduleRecurring,
		IntervalMinutes: &interval,
		NextRunAt:       &next,
		Status:          reminder.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)

	j, created, err := st.CreateIfAbsent(ctx, newJob("42", next))
	require.NoError(t, err)
	require.True(t, created)

	got, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, pq.StringArray{"jo@example.com"}, got.Recipients)
	assert.JSONEq(t, `{"round":2,"panel":{"lead":"sam"}}`, string(got.Metadata))
	assert.True(t, next.Equal(*got.NextRunAt))

	again, created, err := st.CreateIfAbsent(ctx, newJob("42", next))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, j.ID, again.ID)
}

func TestActiveKeyFollowsLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, _, err := st.CreateIfAbsent(ctx, newJob("42", now.Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, first.Pause(now))
	require.NoError(t, st.UpdateState(ctx, first, reminder.StatusActive))

	second, created, err := st.CreateIfAbsent(ctx, newJob("42", now.Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, first.Resume(now))
	assert.ErrorIs(t, st.UpdateState(ctx, first, reminder.StatusPaused), reminder.ErrConflict)

	require.NoError(t, second.SoftDelete(now))
	require.NoError(t, st.UpdateState(ctx, second, reminder.StatusActive))
	require.NoError(t, st.UpdateState(ctx, first, reminder.StatusPaused))
}

func TestClaimDue_ConcurrentOwners(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		_, _, err := st.CreateIfAbsent(ctx, newJob(uuid.NewString(), now.Add(-time.Minute)))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for _, owner := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 4; k++ {
				claimed, err := st.ClaimDue(ctx, owner, now, time.Minute, 3)
				assert.NoError(t, err)
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 25)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestCommitAndRelease(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	j, _, err := st.CreateIfAbsent(ctx, newJob("42", now.Add(-time.Second)))
	require.NoError(t, err)

	claimed, err := st.ClaimDue(ctx, "a", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	c := claimed[0]

	assert.ErrorIs(t, st.Commit(ctx, "b", &c), reminder.ErrClaimLost)

	c.RecordRun(now, true)
	c.Advance(now)
	require.NoError(t, st.Commit(ctx, "a", &c))

	got, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.True(t, now.Add(time.Hour).Equal(*got.NextRunAt))
	assert.Nil(t, got.ClaimedBy)

	later := now.Add(time.Hour)
	claimed, err = st.ClaimDue(ctx, "a", later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, st.Release(ctx, "a", j.ID))
	claimed, err = st.ClaimDue(ctx, "b", later, time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestFlags(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, found, err := st.GetFlag(ctx, "feedback:42")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, st.SetFlag(ctx, "feedback:42", true))
	v, found, err := st.GetFlag(ctx, "feedback:42")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, v)
}

func TestClaimDue_SkipsUnreadableDocument(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := st.jobs.InsertOne(ctx, bson.M{
		"_id":         "broken",
		"status":      string(reminder.StatusActive),
		"deleted_at":  nil,
		"next_run_at": now.Add(-2 * time.Minute),
		"run_count":   "not a number",
	})
	require.NoError(t, err)
	good, _, err := st.CreateIfAbsent(ctx, newJob("42", now.Add(-time.Minute)))
	require.NoError(t, err)

	claimed, err := st.ClaimDue(ctx, "w1", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, good.ID, claimed[0].ID)

	// the good job can still be committed by its owner
	claimed[0].RecordRun(now, true)
	claimed[0].Advance(now)
	require.NoError(t, st.Commit(ctx, "w1", &claimed[0]))
}
