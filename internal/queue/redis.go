package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-engine/internal/model"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const deadListMax = 1000

// enqueue adds a job unless its key is already pending or active.
// KEYS: jobs, meta, pending, seq. ARGV: key, job, priority, runAt.
var enqueueScript = redis.NewScript(`
	if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
		return 0
	end
	local seq = redis.call("INCR", KEYS[4])
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	redis.call("HSET", KEYS[2], ARGV[1], ARGV[3] .. "|" .. seq)
	redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
	return 1
`)

// dequeue moves every due job from pending (scored by run time) into ready
// (scored by rank, so the lowest score is the highest priority and then the
// oldest sequence) and leases the head of ready.
// KEYS: pending, ready, active, jobs, meta. ARGV: now, leaseUntil.
var dequeueScript = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	for _, key in ipairs(due) do
		local prio, seq = 0, 0
		local m = redis.call("HGET", KEYS[5], key)
		if m then
			local sep = string.find(m, "|", 1, true)
			prio = tonumber(string.sub(m, 1, sep - 1))
			seq = tonumber(string.sub(m, sep + 1))
		end
		redis.call("ZREM", KEYS[1], key)
		redis.call("ZADD", KEYS[2], string.format("%.0f", (1000 - prio) * 1000000000000 + seq), key)
	end
	local head = redis.call("ZRANGE", KEYS[2], 0, 0)
	if #head == 0 then
		return false
	end
	local best = head[1]
	redis.call("ZREM", KEYS[2], best)
	redis.call("ZADD", KEYS[3], ARGV[2], best)
	local job = redis.call("HGET", KEYS[4], best)
	if not job then
		job = ""
	end
	return {best, job}
`)

// recover moves expired leases back to pending, due immediately.
// KEYS: active, pending. ARGV: now.
var recoverScript = redis.NewScript(`
	local keys = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	for _, key in ipairs(keys) do
		redis.call("ZREM", KEYS[1], key)
		redis.call("ZADD", KEYS[2], ARGV[1], key)
	end
	return #keys
`)

// RedisQueue keeps jobs in Redis so they survive worker restarts. Jobs wait
// in a run-time ordered set until due, then in a priority ordered ready set,
// so a due high-priority job is leased ahead of any number of older
// low-priority ones. Priorities must stay within ±1000.
type RedisQueue struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue under keyPrefix. The client is shared and
// not closed by the queue.
func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = "escrow:queue"
	}
	return &RedisQueue{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (q *RedisQueue) jobsKey() string    { return q.keyPrefix + ":jobs" }
func (q *RedisQueue) metaKey() string    { return q.keyPrefix + ":meta" }
func (q *RedisQueue) pendingKey() string { return q.keyPrefix + ":pending" }
func (q *RedisQueue) readyKey() string   { return q.keyPrefix + ":ready" }
func (q *RedisQueue) activeKey() string  { return q.keyPrefix + ":active" }
func (q *RedisQueue) deadKey() string    { return q.keyPrefix + ":dead" }
func (q *RedisQueue) seqKey() string     { return q.keyPrefix + ":seq" }

// Enqueue adds a one-shot job.
func (q *RedisQueue) Enqueue(ctx context.Context, job *model.Job) (bool, error) {
	prepare(job, q.now())
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobsKey(), q.metaKey(), q.pendingKey(), q.seqKey()},
		job.Key(), data, job.Priority, job.RunAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.Key(), err)
	}
	return added == 1, nil
}

// EnqueueRecurring adds a job that is rescheduled every interval after it is acked.
func (q *RedisQueue) EnqueueRecurring(ctx context.Context, job *model.Job, interval time.Duration) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("recurring job %s: interval must be positive", job.Key())
	}
	job.Interval = interval
	return q.Enqueue(ctx, job)
}

// Dequeue leases the next due job.
func (q *RedisQueue) Dequeue(ctx context.Context, leaseUntil time.Time) (*model.Job, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.pendingKey(), q.readyKey(), q.activeKey(), q.jobsKey(), q.metaKey()},
		now.UnixMilli(), leaseUntil.UnixMilli(),
	).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}

	key, raw := res[0], res[1]
	var job model.Job
	if raw == "" {
		q.client.ZRem(ctx, q.activeKey(), key)
		q.client.HDel(ctx, q.metaKey(), key)
		return nil, fmt.Errorf("dequeue %s: job body missing", key)
	}
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unreadable jobs go straight to the dead list.
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.activeKey(), key)
		pipe.HDel(ctx, q.jobsKey(), key)
		pipe.HDel(ctx, q.metaKey(), key)
		pipe.LPush(ctx, q.deadKey(), raw)
		pipe.LTrim(ctx, q.deadKey(), 0, deadListMax-1)
		_, _ = pipe.Exec(ctx)
		return nil, fmt.Errorf("dequeue %s: decode: %w", key, err)
	}
	return &job, nil
}

// Extend pushes the job's lease out to leaseUntil.
func (q *RedisQueue) Extend(ctx context.Context, job *model.Job, leaseUntil time.Time) error {
	return q.client.ZAddXX(ctx, q.activeKey(), redis.Z{
		Score:  float64(leaseUntil.UnixMilli()),
		Member: job.Key(),
	}).Err()
}

// Ack removes a finished job, or reschedules it if recurring.
func (q *RedisQueue) Ack(ctx context.Context, job *model.Job) error {
	key := job.Key()
	if job.Interval <= 0 {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.activeKey(), key)
			pipe.HDel(ctx, q.jobsKey(), key)
			pipe.HDel(ctx, q.metaKey(), key)
			return nil
		})
		return err
	}

	next := *job
	next.Attempt = 0
	next.LastError = ""
	next.RunAt = q.now().Add(job.Interval)
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), key)
		pipe.HSet(ctx, q.jobsKey(), key, data)
		pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(next.RunAt.UnixMilli()), Member: key})
		return nil
	})
	return err
}

// Retry stores the job's updated attempt state and makes it due at runAt.
func (q *RedisQueue) Retry(ctx context.Context, job *model.Job, runAt time.Time) error {
	job.RunAt = runAt
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := job.Key()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), key)
		pipe.HSet(ctx, q.jobsKey(), key, data)
		pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: key})
		return nil
	})
	return err
}

// DeadLetter removes the job and records it on the dead list.
func (q *RedisQueue) DeadLetter(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := job.Key()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), key)
		pipe.ZRem(ctx, q.pendingKey(), key)
		pipe.ZRem(ctx, q.readyKey(), key)
		pipe.HDel(ctx, q.jobsKey(), key)
		pipe.HDel(ctx, q.metaKey(), key)
		pipe.LPush(ctx, q.deadKey(), data)
		pipe.LTrim(ctx, q.deadKey(), 0, deadListMax-1)
		return nil
	})
	return err
}

// RecoverExpired requeues jobs whose worker stopped extending the lease.
func (q *RedisQueue) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := recoverScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.pendingKey()},
		now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover leases: %w", err)
	}
	return n, nil
}

// Stats counts pending, active and dead jobs.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.pendingKey())
	ready := pipe.ZCard(ctx, q.readyKey())
	active := pipe.ZCard(ctx, q.activeKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	return Stats{Pending: pending.Val() + ready.Val(), Active: active.Val(), Dead: dead.Val()}, nil
}

// DeadJobs returns the most recent dead-lettered jobs.
func (q *RedisQueue) DeadJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.client.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*model.Job, 0, len(raws))
	for _, raw := range raws {
		var j model.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }
