// Package queue implements leased work queues on Redis.
//
// A queue is a ready list, a set mirroring the ready list for de-duplication,
// a scheduled ZSET scored by due time, an in-flight ZSET scored by lease
// deadline, and a dead-letter list. Messages are plain ids; the durable state
// they refer to lives in Postgres.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"invoice-pipeline/internal/config"
)

// Names of the queues used by the service.
const (
	Extraction    = "extraction"
	Notifications = "notifications"
)

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue coordinates ready, in-flight, and scheduled messages of one named queue.
type RedisQueue struct {
	client        *redis.Client
	name          string
	readyKey      string
	memberKey     string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue returns the queue called name. Leases last visibility.
func NewRedisQueue(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	prefix := "invoices:queue:" + name
	return &RedisQueue{
		client:        client,
		name:          name,
		readyKey:      prefix + ":ready",
		memberKey:     prefix + ":members",
		inflightKey:   prefix + ":inflight",
		scheduledKey:  prefix + ":scheduled",
		dlqKey:        prefix + ":dlq",
		visibilityTTL: visibility,
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// Enqueue makes id ready now, or schedules it when runAt is in the future.
// An id already waiting in the ready list is not added twice.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.Schedule(ctx, id, runAt)
	}
	return pushScript.Run(ctx, q.client, []string{q.memberKey, q.readyKey}, id).Err()
}

// Schedule defers id until runAt. Rescheduling an id moves its due time.
func (q *RedisQueue) Schedule(ctx context.Context, id string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id}).Err()
}

// PromoteScheduled moves due scheduled ids into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	res, err := moveDueScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.memberKey, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled %s: %w", q.name, err)
	}
	return res, nil
}

// DequeueWithLease pops the next ready id and leases it for the visibility timeout.
// It returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.memberKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight id.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes an id from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	return q.client.ZRem(ctx, q.inflightKey, id).Err()
}

// RequeueExpired reclaims leases that timed out, making their ids ready again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	res, err := moveDueScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.memberKey, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired %s: %w", q.name, err)
	}
	return res, nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, id string) error {
	return q.client.RPush(ctx, q.dlqKey, id).Err()
}

// DLQPeek reads the oldest dead-lettered ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depths reports the ready, scheduled and in-flight sizes.
func (q *RedisQueue) Depths(ctx context.Context) (ready, scheduled, inflight int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.readyKey)
	s := pipe.ZCard(ctx, q.scheduledKey)
	i := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return r.Val(), s.Val(), i.Val(), nil
}

var pushScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// moveDueScript moves members of the ZSET KEYS[1] scored <= ARGV[1] into the
// ready list KEYS[3], skipping ids already present per the member set KEYS[2].
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('SADD', KEYS[2], id) == 1 then
    redis.call('RPUSH', KEYS[3], id)
  end
end
return #ids
`)

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('SREM', KEYS[2], id)
  redis.call('ZADD', KEYS[3], ARGV[1], id)
  return id
end
return nil
`)
