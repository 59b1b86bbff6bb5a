package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"og-image-service/internal/generation"
)

// ErrJobNotFound is returned when a job's metadata hash is missing.
var ErrJobNotFound = errors.New("job metadata not found")

// RedisQueue coordinates the ready list, the in-flight visibility set and the
// dead-letter list for generation jobs. Job ids are record ids.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue over an existing client.
func NewRedisQueue(client *redis.Client, visibility time.Duration, dlqKey string) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if dlqKey == "" {
		dlqKey = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready:generation",
		inflightKey:   "queue:inflight",
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlqKey,
	}
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// VisibilityTimeout is how long a dequeued job stays leased without a heartbeat.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

// Enqueue stores the job's parameters and appends it to the ready list in one transaction.
func (q *RedisQueue) Enqueue(ctx context.Context, job generation.Job) error {
	fp := job.Fingerprint
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.RecordID),
		"url", fp.URL,
		"width", fp.Width,
		"height", fp.Height,
		"expires_at", job.ExpiresAt.UnixMilli(),
		"enqueued_at", time.Now().UnixMilli(),
	)
	pipe.RPush(ctx, q.readyKey, job.RecordID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.RecordID, err)
	}
	return nil
}

// Job loads the parameters stored for jobID.
func (q *RedisQueue) Job(ctx context.Context, jobID string) (generation.Job, error) {
	vals, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return generation.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(vals) == 0 || vals["url"] == "" {
		return generation.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	width, err := strconv.Atoi(vals["width"])
	if err != nil {
		return generation.Job{}, fmt.Errorf("job %s width: %w", jobID, err)
	}
	height, err := strconv.Atoi(vals["height"])
	if err != nil {
		return generation.Job{}, fmt.Errorf("job %s height: %w", jobID, err)
	}
	expires, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return generation.Job{}, fmt.Errorf("job %s expires_at: %w", jobID, err)
	}
	return generation.Job{
		RecordID:    jobID,
		Fingerprint: generation.Fingerprint{URL: vals["url"], Width: width, Height: height},
		ExpiresAt:   time.UnixMilli(expires),
	}, nil
}

// DequeueWithLease pops a job from the ready list and places it into inflight
// with a visibility timeout. It returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := []string{q.readyKey, q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReclaimExpired removes up to limit leases that timed out and returns their
// ids. Jobs are not re-queued: a record reaches one terminal state per
// attempt, so the caller fails the record and dead-letters the job instead.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	reclaimed := make([]string, 0, len(ids))
	for _, id := range ids {
		// ZREM decides ownership when several workers reclaim at once.
		n, err := q.client.ZRem(ctx, q.inflightKey, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if n == 1 {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

// DLQPush appends to the dead-letter queue for operational inspection and
// drops the job's metadata.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
