package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/fibermap/internal/domain"
)

// Store is the ordered-store contract backing the job queue. The core
// only requires these operations be atomic with respect to concurrent
// dequeuers; it never assumes a specific backing technology.
type Store interface {
	// Enqueue inserts job keyed by score. Lower scores dequeue first.
	Enqueue(ctx context.Context, queue string, job *domain.Job, score float64) error
	// Dequeue removes and returns the lowest-scored job, or nil when
	// the queue is empty or the head is not yet due.
	Dequeue(ctx context.Context, queue string) (*domain.Job, error)
	Length(ctx context.Context, queue string) (int64, error)
	PushDeadLetter(ctx context.Context, queue string, dl *domain.DeadLetter) error
	DeadLetters(ctx context.Context, queue string, limit int64) ([]domain.DeadLetter, error)
	SetStatus(ctx context.Context, jobID string, entry domain.StatusEntry) error
	GetStatus(ctx context.Context, jobID string) (*domain.StatusEntry, error)
	Ping(ctx context.Context) error
}

// Score orders a fresh job: higher priority always sorts before lower,
// and within equal priority earlier-enqueued jobs sort first.
func Score(priority int, at time.Time) float64 {
	return float64(-priority) + float64(at.UnixNano())/1e18
}

// RetryScore deprioritizes a re-enqueued job behind all fresh work and
// progressively further behind on each attempt.
func RetryScore(at time.Time, retryDelay time.Duration, attempts int) float64 {
	return float64(at.Unix()) + retryDelay.Seconds()*float64(attempts)
}

// RedisQ implements Store on a Redis sorted set per queue, a list per
// dead-letter queue, and a hash with expiry per job status.
type RedisQ struct {
	rdb *r.Client
	log *zap.Logger
	now func() time.Time
}

func New(rdb *r.Client, log *zap.Logger) *RedisQ {
	return &RedisQ{rdb: rdb, log: log, now: time.Now}
}

func queueKey(name string) string { return "queue:" + name }
func dlqKey(name string) string   { return "dlq:" + name }
func statusKey(id string) string  { return "job_status:" + id }

func (q *RedisQ) Enqueue(ctx context.Context, queue string, job *domain.Job, score float64) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	if err := q.rdb.ZAdd(ctx, queueKey(queue), r.Z{Score: score, Member: raw}).Err(); err != nil {
		return errors.Wrapf(err, "enqueue %s", queue)
	}
	return nil
}

func (q *RedisQ) Dequeue(ctx context.Context, queue string) (*domain.Job, error) {
	res, err := q.rdb.ZPopMin(ctx, queueKey(queue), 1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "dequeue %s", queue)
	}
	if len(res) == 0 {
		return nil, nil
	}
	raw, _ := res[0].Member.(string)
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errors.Wrapf(err, "decode job from %s", queue)
	}
	if !job.NotBefore.IsZero() && q.now().Before(job.NotBefore) {
		// retried job popped before its delay elapsed; put it back
		if err := q.rdb.ZAdd(ctx, queueKey(queue), r.Z{Score: res[0].Score, Member: raw}).Err(); err != nil {
			return nil, errors.Wrapf(err, "requeue not-due job %s", job.ID)
		}
		return nil, nil
	}
	return &job, nil
}

func (q *RedisQ) Length(ctx context.Context, queue string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "length %s", queue)
	}
	return n, nil
}

func (q *RedisQ) PushDeadLetter(ctx context.Context, queue string, dl *domain.DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return errors.Wrap(err, "marshal dead letter")
	}
	if err := q.rdb.LPush(ctx, dlqKey(queue), raw).Err(); err != nil {
		return errors.Wrapf(err, "push dead letter %s", queue)
	}
	q.log.Info("job_moved_to_dlq",
		zap.String("queue", queue),
		zap.String("job_id", dl.ID))
	return nil
}

func (q *RedisQ) DeadLetters(ctx context.Context, queue string, limit int64) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.LRange(ctx, dlqKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "dlq range %s", queue)
	}
	out := make([]domain.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			q.log.Warn("dlq_entry_undecodable", zap.String("queue", queue), zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQ) SetStatus(ctx context.Context, jobID string, entry domain.StatusEntry) error {
	fields := map[string]any{
		"status":     string(entry.Status),
		"updated_at": entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if entry.ProcessingTimeMS > 0 {
		fields["processing_time_ms"] = strconv.FormatInt(entry.ProcessingTimeMS, 10)
	}
	if entry.Attempt > 0 {
		fields["attempt"] = strconv.Itoa(entry.Attempt)
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, statusKey(jobID), fields)
	pipe.Expire(ctx, statusKey(jobID), domain.StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "set status %s", jobID)
	}
	return nil
}

func (q *RedisQ) GetStatus(ctx context.Context, jobID string) (*domain.StatusEntry, error) {
	m, err := q.rdb.HGetAll(ctx, statusKey(jobID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get status %s", jobID)
	}
	if len(m) == 0 {
		return nil, nil
	}
	entry := &domain.StatusEntry{
		Status: domain.Status(m["status"]),
		Error:  m["error"],
	}
	if v := m["updated_at"]; v != "" {
		entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := m["processing_time_ms"]; v != "" {
		entry.ProcessingTimeMS, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := m["attempt"]; v != "" {
		entry.Attempt, _ = strconv.Atoi(v)
	}
	return entry, nil
}

func (q *RedisQ) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
