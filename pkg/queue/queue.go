package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default retry pacing for the queue's own bounded backoff. This is a
// last-resort safety net; the routing engine is expected to take over
// with a backend-aware decision before attempts run out.
const (
	defaultPollInterval = 50 * time.Millisecond
	baseRetryDelay      = 200 * time.Millisecond
	promoteBatch        = 128
)

// Options control a single enqueue.
type Options struct {
	// Priority orders ready jobs; lower dispatches first.
	Priority int
	// Delay parks the job until now+Delay before it becomes ready.
	Delay time.Duration
	// MaxAttempts bounds the queue-level retries. Zero means one attempt.
	MaxAttempts int
	// DedupKey, when set, guarantees at most one queued job for the key.
	// A duplicate enqueue is a silent no-op returning an empty job id.
	DedupKey string
}

// Job is one unit of work as handed to a worker. The queue owns it
// exclusively until dispatch; a dispatched job runs to completion.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Attempt     int
	MaxAttempts int
	Priority    int
	DedupKey    string
}

// LastAttempt reports whether the queue's own retry budget is spent
// after this attempt fails.
func (j *Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts-1
}

// Handler processes one job. A returned error triggers the queue's
// bounded backoff until attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// DrainedJob is an undispatched job atomically removed for batching.
type DrainedJob struct {
	ID      string
	Payload []byte
}

// Queue is a durable priority- and delay-capable job queue on Redis.
// Ready jobs live in a sorted set scored by priority, delayed jobs in a
// second one scored by their available-at time; every transition runs
// inside a Lua script so dispatch, retry and drain never race each other.
type Queue struct {
	db           *redis.Client
	pollInterval time.Duration

	mu      sync.Mutex
	workers map[string]*workerPool
}

type workerPool struct {
	queue       string
	handler     Handler
	concurrency int
}

func New(db *redis.Client) *Queue {
	return &Queue{
		db:           db,
		pollInterval: defaultPollInterval,
		workers:      make(map[string]*workerPool),
	}
}

var enqueueScript = redis.NewScript(`
if ARGV[1] ~= "" then
  if redis.call("SADD", KEYS[1], ARGV[1]) == 0 then
    return ""
  end
end
redis.call("HSET", KEYS[2],
  "payload", ARGV[3],
  "priority", ARGV[4],
  "availableAt", ARGV[5],
  "attempt", ARGV[6],
  "maxAttempts", ARGV[7],
  "dedup", ARGV[1])
if tonumber(ARGV[5]) > tonumber(ARGV[8]) then
  redis.call("ZADD", KEYS[3], tonumber(ARGV[5]), ARGV[2])
else
  redis.call("ZADD", KEYS[4], tonumber(ARGV[4]), ARGV[2])
end
return ARGV[2]
`)

// dequeueScript promotes due delayed jobs, pops the highest-priority
// ready job and releases its dedup key, all in one step.
var dequeueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ` + strconv.Itoa(promoteBatch) + `)
for _, id in ipairs(due) do
  local prio = redis.call("HGET", ARGV[2] .. id, "priority")
  if prio then
    redis.call("ZADD", KEYS[2], tonumber(prio), id)
  end
  redis.call("ZREM", KEYS[1], id)
end
local popped = redis.call("ZPOPMIN", KEYS[2], 1)
if #popped == 0 then
  return false
end
local id = popped[1]
local key = ARGV[2] .. id
local dedup = redis.call("HGET", key, "dedup")
if dedup and dedup ~= "" then
  redis.call("SREM", KEYS[3], dedup)
end
if not dedup then
  dedup = ""
end
return {id,
  redis.call("HGET", key, "payload"),
  redis.call("HGET", key, "attempt"),
  redis.call("HGET", key, "maxAttempts"),
  redis.call("HGET", key, "priority"),
  dedup}
`)

var retryScript = redis.NewScript(`
redis.call("HSET", KEYS[1], "attempt", ARGV[1], "availableAt", ARGV[2])
redis.call("ZADD", KEYS[2], tonumber(ARGV[2]), ARGV[3])
if ARGV[4] ~= "" then
  redis.call("SADD", KEYS[3], ARGV[4])
end
return 1
`)

// drainScript removes up to limit ready jobs without dispatching them.
// Popping through the same sorted set the workers pop from is what makes
// drain-for-batching atomic with respect to normal dispatch.
var drainScript = redis.NewScript(`
local popped = redis.call("ZPOPMIN", KEYS[1], tonumber(ARGV[1]))
local out = {}
for i = 1, #popped, 2 do
  local id = popped[i]
  local key = ARGV[2] .. id
  out[#out+1] = id
  out[#out+1] = redis.call("HGET", key, "payload")
  local dedup = redis.call("HGET", key, "dedup")
  if dedup and dedup ~= "" then
    redis.call("SREM", KEYS[2], dedup)
  end
  redis.call("DEL", key)
end
return out
`)

// Enqueue adds a job and returns its id, or an empty id when the dedup
// key already has a queued job.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	jobID := uuid.NewString()
	now := time.Now()
	availableAt := now.Add(opts.Delay)

	id, err := enqueueScript.Run(
		ctx,
		q.db,
		[]string{dedupKey(queue), jobKey(queue, jobID), delayedKey(queue), readyKey(queue)},
		opts.DedupKey,
		jobID,
		payload,
		opts.Priority,
		availableAt.UnixMilli(),
		0,
		maxAttempts,
		now.UnixMilli(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("enqueueing on %s: %w", queue, err)
	}
	return id, nil
}

// RegisterWorker binds a handler to a queue. One registration per queue.
func (q *Queue) RegisterWorker(queue string, handler Handler, concurrency int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.workers[queue]; ok {
		return fmt.Errorf("worker for queue %q already registered", queue)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	q.workers[queue] = &workerPool{
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
	}
	return nil
}

// Run starts every registered worker pool and blocks until the context
// is done and all workers returned.
func (q *Queue) Run(ctx context.Context) {
	q.mu.Lock()
	pools := make([]*workerPool, 0, len(q.workers))
	for _, pool := range q.workers {
		pools = append(pools, pool)
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, pool := range pools {
		for i := 0; i < pool.concurrency; i++ {
			wg.Add(1)
			go func(pool *workerPool, workerID int) {
				defer wg.Done()
				q.worker(ctx, pool, workerID)
			}(pool, i)
		}
	}

	wg.Wait()
	log.Println("all queue workers finished")
}

func (q *Queue) worker(ctx context.Context, pool *workerPool, workerID int) {
	for {
		job, err := q.dequeue(ctx, pool.queue)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Printf("[worker %s/%d] dequeue failed: %v", pool.queue, workerID, err)
		}

		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		if err := pool.handler(ctx, job); err != nil {
			q.handleFailure(ctx, pool.queue, job, err)
			continue
		}

		if err := q.db.Del(ctx, jobKey(pool.queue, job.ID)).Err(); err != nil {
			log.Printf("[worker %s/%d] removing finished job %s: %v", pool.queue, workerID, job.ID, err)
		}
	}
}

func (q *Queue) dequeue(ctx context.Context, queue string) (*Job, error) {
	raw, err := dequeueScript.Run(
		ctx,
		q.db,
		[]string{delayedKey(queue), readyKey(queue), dedupKey(queue)},
		time.Now().UnixMilli(),
		jobKeyPrefix(queue),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fields, ok := raw.([]interface{})
	if !ok || len(fields) < 6 {
		return nil, fmt.Errorf("unexpected dequeue reply %T", raw)
	}

	job := &Job{
		ID:          asString(fields[0]),
		Queue:       queue,
		Payload:     []byte(asString(fields[1])),
		Attempt:     asInt(fields[2]),
		MaxAttempts: asInt(fields[3]),
		Priority:    asInt(fields[4]),
		DedupKey:    asString(fields[5]),
	}
	return job, nil
}

// handleFailure re-parks the job with exponential backoff while attempts
// remain. A spent budget is terminal for the queue: the job moves to the
// dead list and is reported fatal, never retried internally again.
func (q *Queue) handleFailure(ctx context.Context, queue string, job *Job, cause error) {
	nextAttempt := job.Attempt + 1
	if nextAttempt < job.MaxAttempts {
		delay := baseRetryDelay * (1 << job.Attempt)
		availableAt := time.Now().Add(delay)
		err := retryScript.Run(
			ctx,
			q.db,
			[]string{jobKey(queue, job.ID), delayedKey(queue), dedupKey(queue)},
			nextAttempt,
			availableAt.UnixMilli(),
			job.ID,
			job.DedupKey,
		).Err()
		if err != nil {
			log.Printf("[queue %s] re-parking job %s failed: %v", queue, job.ID, err)
		}
		return
	}

	log.Printf("[queue %s] job %s fatal after %d attempts: %v", queue, job.ID, job.MaxAttempts, cause)
	pipe := q.db.Pipeline()
	pipe.LPush(ctx, deadKey(queue), job.Payload)
	pipe.Del(ctx, jobKey(queue, job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[queue %s] moving job %s to dead list failed: %v", queue, job.ID, err)
	}
}

// DrainPending atomically removes up to limit undispatched ready jobs.
// A drained job never also reaches a worker.
func (q *Queue) DrainPending(ctx context.Context, queue string, limit int) ([]DrainedJob, error) {
	raw, err := drainScript.Run(
		ctx,
		q.db,
		[]string{readyKey(queue), dedupKey(queue)},
		limit,
		jobKeyPrefix(queue),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("draining %s: %w", queue, err)
	}

	fields, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected drain reply %T", raw)
	}

	drained := make([]DrainedJob, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		drained = append(drained, DrainedJob{
			ID:      asString(fields[i]),
			Payload: []byte(asString(fields[i+1])),
		})
	}
	return drained, nil
}

// Purge removes every queued, delayed and dead job of a queue.
func (q *Queue) Purge(ctx context.Context, queue string) error {
	iter := q.db.Scan(ctx, 0, jobKeyPrefix(queue)+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning %s jobs: %w", queue, err)
	}

	keys = append(keys, readyKey(queue), delayedKey(queue), dedupKey(queue), deadKey(queue))
	if err := q.db.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("purging %s: %w", queue, err)
	}
	return nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch t := v.(type) {
	case string:
		n, _ := strconv.Atoi(t)
		return n
	case int64:
		return int(t)
	default:
		return 0
	}
}

func readyKey(queue string) string   { return "queue:" + queue + ":ready" }
func delayedKey(queue string) string { return "queue:" + queue + ":delayed" }
func dedupKey(queue string) string   { return "queue:" + queue + ":dedup" }
func deadKey(queue string) string    { return "queue:" + queue + ":dead" }

func jobKeyPrefix(queue string) string { return "queue:" + queue + ":job:" }

func jobKey(queue, jobID string) string { return jobKeyPrefix(queue) + jobID }
