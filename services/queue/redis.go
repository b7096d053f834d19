package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/upb/ticket-enhancer/config"
	"go.uber.org/zap"
)

// Keys:
//
//	<prefix>:ready     list of job ids, FIFO (RPUSH/LPOP)
//	<prefix>:jobs      hash job id -> envelope JSON
//	<prefix>:leases    zset job id scored by lease expiry (unix ms)
//	<prefix>:delayed   zset job id scored by ready time (unix ms)
//	<prefix>:dead      list of dead-lettered job ids
//	<prefix>:deadmeta  hash job id -> {reason, dead_lettered_at}
//
// Scripts take times as unix-millisecond ARGV strings and never do arithmetic on them.

// maintainLua promotes due delayed jobs and returns expired leases to the head of the ready list
const maintainLua = `
local moved = 0
local due = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[4], id)
  redis.call('RPUSH', KEYS[1], id)
  moved = moved + 1
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('LPUSH', KEYS[1], id)
  moved = moved + 1
end
`

var (
	reapScript = redis.NewScript(maintainLua + `
return moved
`)

	popScript = redis.NewScript(maintainLua + `
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local body = redis.call('HGET', KEYS[2], id)
  if body then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    return {id, body}
  end
end
`)

	// KEYS: jobs, ready  ARGV: id, body
	enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

	// KEYS: leases, jobs  ARGV: id
	ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
return redis.call('HDEL', KEYS[2], ARGV[1])
`)

	// KEYS: leases, ready  ARGV: id
	releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

	// KEYS: leases, jobs, delayed  ARGV: id, body, ready_at_ms
	requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

	// KEYS: leases, dead, deadmeta  ARGV: id, meta
	deadLetterScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return 1
`)

	// KEYS: leases, delayed, ready, jobs, dead, deadmeta  ARGV: id, body, meta
	parkScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
redis.call('LREM', KEYS[5], 0, ARGV[1])
redis.call('RPUSH', KEYS[5], ARGV[1])
redis.call('HSET', KEYS[6], ARGV[1], ARGV[3])
return 1
`)

	// KEYS: dead, deadmeta, jobs, ready  ARGV: id, body
	replayScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[4], ARGV[1])
return 1
`)
)

type deadMeta struct {
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// RedisQueue implements Queue on Redis lists and sorted sets.
// Every state change is a single Lua script, so a job id is only ever in one structure.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	poll   time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisQueue creates a new RedisQueue instance
func NewRedisQueue(client redis.UniversalClient, cfg config.QueueConfig, logger *zap.Logger) *RedisQueue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "enhancer"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		lease:  cfg.LeaseTimeout,
		poll:   cfg.PollInterval,
		now:    time.Now,
		logger: logger,
	}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + ":" + name
}

func (q *RedisQueue) maintainKeys() []string {
	return []string{q.key("ready"), q.key("jobs"), q.key("leases"), q.key("delayed")}
}

// Enqueue appends a job to the ready list
func (q *RedisQueue) Enqueue(ctx context.Context, env *Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = q.now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	n, err := enqueueScript.Run(ctx, q.client, []string{q.key("jobs"), q.key("ready")}, env.JobID.String(), body).Int()
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	if n == 0 {
		return ErrDuplicateJob
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", env.JobID.String()),
		zap.String("tenant_id", env.TenantID.String()),
	)
	return nil
}

// Dequeue blocks until a job is leased or ctx is done
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	return nextDelivery(ctx, q.poll, nil, func() (*Delivery, error) {
		return q.tryDequeue(ctx)
	})
}

func (q *RedisQueue) tryDequeue(ctx context.Context) (*Delivery, error) {
	now := q.now()
	deadline := now.Add(q.lease)
	res, err := popScript.Run(ctx, q.client, q.maintainKeys(), now.UnixMilli(), deadline.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected dequeue reply of length %d", len(res))
	}

	body, _ := res[1].(string)
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		// A corrupt envelope can never be processed; park it so it stops cycling
		id, _ := res[0].(string)
		q.logger.Error("dropping undecodable envelope to dead letters", zap.String("job_id", id), zap.Error(err))
		if jobID, perr := uuid.Parse(id); perr == nil {
			_ = q.DeadLetter(ctx, jobID, "undecodable envelope")
		}
		return nil, nil
	}

	return &Delivery{Envelope: env, LeaseExpiresAt: time.UnixMilli(deadline.UnixMilli()).UTC()}, nil
}

// Ack removes a leased job permanently. A job that is no longer leased is left alone.
func (q *RedisQueue) Ack(ctx context.Context, jobID uuid.UUID) error {
	if err := ackScript.Run(ctx, q.client, []string{q.key("leases"), q.key("jobs")}, jobID.String()).Err(); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Release returns a leased job to the head of the ready list without counting a delivery
func (q *RedisQueue) Release(ctx context.Context, jobID uuid.UUID) error {
	n, err := releaseScript.Run(ctx, q.client, []string{q.key("leases"), q.key("ready")}, jobID.String()).Int()
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

// Requeue releases the lease and makes the job ready again after delay
func (q *RedisQueue) Requeue(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	env, err := q.envelope(ctx, jobID)
	if err != nil {
		return err
	}
	env.Attempt++
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	readyAt := q.now().Add(delay).UnixMilli()
	keys := []string{q.key("leases"), q.key("jobs"), q.key("delayed")}
	n, err := requeueScript.Run(ctx, q.client, keys, jobID.String(), body, readyAt).Int()
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

// DeadLetter releases the lease and parks the job for manual handling
func (q *RedisQueue) DeadLetter(ctx context.Context, jobID uuid.UUID, reason string) error {
	meta, err := json.Marshal(deadMeta{Reason: reason, DeadLetteredAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	keys := []string{q.key("leases"), q.key("dead"), q.key("deadmeta")}
	n, err := deadLetterScript.Run(ctx, q.client, keys, jobID.String(), meta).Int()
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	if n == 0 {
		return ErrNotLeased
	}

	q.logger.Warn("job dead-lettered", zap.String("job_id", jobID.String()), zap.String("reason", reason))
	return nil
}

// Park dead-letters env whatever state the queue holds it in
func (q *RedisQueue) Park(ctx context.Context, env *Envelope, reason string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	meta, err := json.Marshal(deadMeta{Reason: reason, DeadLetteredAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	keys := []string{q.key("leases"), q.key("delayed"), q.key("ready"), q.key("jobs"), q.key("dead"), q.key("deadmeta")}
	if err := parkScript.Run(ctx, q.client, keys, env.JobID.String(), body, meta).Err(); err != nil {
		return fmt.Errorf("failed to park job: %w", err)
	}

	q.logger.Warn("job parked in dead letters", zap.String("job_id", env.JobID.String()), zap.String("reason", reason))
	return nil
}

// Depth reports the number of jobs in each state
func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.key("ready"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	inFlight := pipe.ZCard(ctx, q.key("leases"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return Depth{
		Ready:    ready.Val(),
		Delayed:  delayed.Val(),
		InFlight: inFlight.Val(),
		Dead:     dead.Val(),
	}, nil
}

// ListDeadLetters returns up to limit parked jobs, oldest first
func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, q.key("dead"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return []*DeadLetter{}, nil
	}

	bodies, err := q.client.HMGet(ctx, q.key("jobs"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}
	metas, err := q.client.HMGet(ctx, q.key("deadmeta"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter metadata: %w", err)
	}

	letters := make([]*DeadLetter, 0, len(ids))
	for i := range ids {
		body, ok := bodies[i].(string)
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(body), &dl.Envelope); err != nil {
			continue
		}
		if raw, ok := metas[i].(string); ok {
			var m deadMeta
			if json.Unmarshal([]byte(raw), &m) == nil {
				dl.Reason = m.Reason
				dl.DeadLetteredAt = m.DeadLetteredAt
			}
		}
		letters = append(letters, &dl)
	}
	return letters, nil
}

// Replay moves a dead-lettered job back to the ready list with a fresh attempt count
func (q *RedisQueue) Replay(ctx context.Context, jobID uuid.UUID) error {
	env, err := q.envelope(ctx, jobID)
	if errors.Is(err, ErrNotLeased) {
		return ErrNotDeadLettered
	}
	if err != nil {
		return err
	}
	env.Attempt = 0
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	keys := []string{q.key("dead"), q.key("deadmeta"), q.key("jobs"), q.key("ready")}
	n, err := replayScript.Run(ctx, q.client, keys, jobID.String(), body).Int()
	if err != nil {
		return fmt.Errorf("failed to replay job: %w", err)
	}
	if n == 0 {
		return ErrNotDeadLettered
	}
	return nil
}

// Reap returns expired leases to the ready list and promotes due delayed jobs
func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, q.client, q.maintainKeys(), q.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reap queue: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) envelope(ctx context.Context, jobID uuid.UUID) (*Envelope, error) {
	body, err := q.client.HGet(ctx, q.key("jobs"), jobID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotLeased
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}
