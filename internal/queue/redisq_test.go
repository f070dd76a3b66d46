package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/fibermap/internal/domain"
)

func newTestStore(t *testing.T) (*RedisQ, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop()), mr
}

func testJob(id, jobType string, priority int, at time.Time) *domain.Job {
	return &domain.Job{
		ID:        id,
		Data:      map[string]any{"type": jobType, "map_id": id},
		Priority:  priority,
		CreatedAt: at,
		Status:    domain.Pending,
	}
}

func TestDequeueOrderPriorityThenInsertion(t *testing.T) {
	q, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// two normal jobs around an urgent one
	jobs := []*domain.Job{
		testJob("first-normal", "map_processing", 5, base),
		testJob("urgent", "map_processing", 20, base.Add(time.Second)),
		testJob("second-normal", "map_processing", 5, base.Add(2*time.Second)),
	}
	for _, j := range jobs {
		require.NoError(t, q.Enqueue(ctx, "map_processing", j, Score(j.Priority, j.CreatedAt)))
	}

	var got []string
	for {
		j, err := q.Dequeue(ctx, "map_processing")
		require.NoError(t, err)
		if j == nil {
			break
		}
		got = append(got, j.ID)
	}
	assert.Equal(t, []string{"urgent", "first-normal", "second-normal"}, got)
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _ := newTestStore(t)
	j, err := q.Dequeue(context.Background(), "map_processing")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestDequeueHonorsNotBefore(t *testing.T) {
	q, _ := newTestStore(t)
	ctx := context.Background()

	job := testJob("delayed", "map_processing", 5, time.Now())
	job.NotBefore = time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, "map_processing", job, RetryScore(time.Now(), 5*time.Second, 1)))

	got, err := q.Dequeue(ctx, "map_processing")
	require.NoError(t, err)
	assert.Nil(t, got, "a not-yet-due retry must not be delivered")

	n, err := q.Length(ctx, "map_processing")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the job must stay queued")
}

func TestDeadLetterRoundTrip(t *testing.T) {
	q, _ := newTestStore(t)
	ctx := context.Background()

	job := testJob("dead-1", "map_processing", 10, time.Now().UTC())
	job.Attempts = 3
	dl := &domain.DeadLetter{
		Job:           *job,
		FailedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Error:         "extraction rejected",
		OriginalQueue: "map_processing",
	}
	require.NoError(t, q.PushDeadLetter(ctx, "map_processing", dl))

	got, err := q.DeadLetters(ctx, "map_processing", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "dead-1", got[0].ID)
	assert.Equal(t, "map_processing", got[0].Type())
	assert.Equal(t, "dead-1", got[0].Data["map_id"])
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, "extraction rejected", got[0].Error)
	assert.True(t, dl.FailedAt.Equal(got[0].FailedAt))
	assert.Equal(t, "map_processing", got[0].OriginalQueue)
}

func TestStatusRoundTripAndTTL(t *testing.T) {
	q, mr := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, q.SetStatus(ctx, "job-1", domain.StatusEntry{
		Status:           domain.Completed,
		UpdatedAt:        at,
		ProcessingTimeMS: 4200,
	}))

	entry, err := q.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.Completed, entry.Status)
	assert.True(t, at.Equal(entry.UpdatedAt))
	assert.EqualValues(t, 4200, entry.ProcessingTimeMS)

	assert.Equal(t, domain.StatusTTL, mr.TTL("job_status:job-1"))
}

func TestGetStatusUnknownJob(t *testing.T) {
	q, _ := newTestStore(t)
	entry, err := q.GetStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestScoreOrdering(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.Less(t, Score(20, at), Score(5, at), "higher priority sorts first")
	assert.Less(t, Score(5, at), Score(5, at.Add(time.Millisecond)), "earlier enqueue breaks ties")
	assert.Less(t, Score(20, at.Add(time.Hour)), Score(5, at), "priority dominates time")

	// retried jobs always sort behind fresh work
	assert.Greater(t, RetryScore(at, 5*time.Second, 1), Score(0, at))
	assert.Greater(t, RetryScore(at, 5*time.Second, 2), RetryScore(at, 5*time.Second, 1))
}
