package internal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// Retry envelope: how many attempts a job gets and how re-drives back
	// off. Attempt n waits _retryBase * 2^(n-1), capped at _retryMax.
	_maxAttempts = 3
	_retryBase   = 5 * time.Second
	_retryMax    = 2 * time.Minute

	// _dequeueBlock is how long a worker blocks waiting for work before
	// re-checking the scheduled set and its context.
	_dequeueBlock = time.Second
)

// queuedJob is the wire envelope around a request on the queue. Attempts
// counts completed attempts, so a freshly-enqueued job carries zero.
type queuedJob struct {
	Request  GenerationRequest `json:"request"`
	Attempts int               `json:"attempts"`
}

// Queue carries generation jobs from the web process to workers. Dequeue
// blocks briefly and returns (nil, nil) when no work arrived, so the worker
// loop can re-check its context.
type Queue interface {
	Enqueue(ctx context.Context, job queuedJob) error
	EnqueueDelayed(ctx context.Context, job queuedJob, at time.Time) error
	Dequeue(ctx context.Context) (*queuedJob, error)
	Len(ctx context.Context) (int64, error)
}

const (
	_queueKey     = "gq:ready"
	_scheduledKey = "gq:scheduled"
)

// redisQueue is a Redis list with a sorted-set sidecar for delayed
// re-drives, scored by due time.
type redisQueue struct {
	rdb *redis.Client
}

var _ Queue = (*redisQueue)(nil)

// NewRedisQueue connects a queue to Redis, pinging once so a bad address
// fails at boot.
func NewRedisQueue(ctx context.Context, addr string) (Queue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisQueue{rdb: rdb}, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, job queuedJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, _queueKey, payload).Err()
}

func (q *redisQueue) EnqueueDelayed(ctx context.Context, job queuedJob, at time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, _scheduledKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: payload,
	}).Err()
}

// _promoteDue moves scheduled members whose due time has passed onto the
// ready list. Scripted so a crash between the read and the move can't drop
// or duplicate a job.
var _promoteDue = redis.NewScript(`
local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "limit", 0, 100)
for _, member in ipairs(due) do
	redis.call("zrem", KEYS[1], member)
	redis.call("lpush", KEYS[2], member)
end
return #due
`)

func (q *redisQueue) Dequeue(ctx context.Context) (*queuedJob, error) {
	now := time.Now().UnixMilli()
	if err := _promoteDue.Run(ctx, q.rdb, []string{_scheduledKey, _queueKey}, now).Err(); err != nil {
		Log(ctx).Warn("problem promoting scheduled jobs", "err", err)
	}

	vals, err := q.rdb.BRPop(ctx, _dequeueBlock, _queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job queuedJob
	if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	ready, err := q.rdb.LLen(ctx, _queueKey).Result()
	if err != nil {
		return 0, err
	}
	scheduled, err := q.rdb.ZCard(ctx, _scheduledKey).Result()
	if err != nil {
		return 0, err
	}
	return ready + scheduled, nil
}

// Worker drains the queue and runs each job through the engine, applying the
// retry envelope around non-terminal failures.
type Worker struct {
	queue   Queue
	engine  *Engine
	ledger  *Ledger
	metrics JobMetrics
}

// NewWorker wires up a worker. A nil metrics falls back to no-ops.
func NewWorker(queue Queue, engine *Engine, ledger *Ledger, metrics JobMetrics) *Worker {
	if metrics == nil {
		metrics = noJobMetrics{}
	}
	return &Worker{queue: queue, engine: engine, ledger: ledger, metrics: metrics}
}

// Run processes jobs until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	Log(ctx).Info("worker started")
	for {
		select {
		case <-ctx.Done():
			Log(ctx).Info("worker stopping")
			return ctx.Err()
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			Log(ctx).Warn("problem dequeuing", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(_dequeueBlock):
			}
			continue
		}
		if job == nil {
			// The Redis Dequeue already blocked; this keeps a non-blocking
			// Queue from spinning.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		w.process(ctx, *job)

		if depth, err := w.queue.Len(ctx); err == nil {
			w.metrics.QueueDepth(depth)
		}
	}
}

// process runs one attempt and decides between re-drive and terminal
// failure.
func (w *Worker) process(ctx context.Context, job queuedJob) {
	// Eligibility re-check: the record may have aged out or reached a
	// terminal state while the job sat on the queue, and two schedulers can
	// fire close together.
	rec, err := w.ledger.Get(ctx, job.Request.JobID)
	if err != nil || rec.Terminal() {
		Log(ctx).Debug("skipping ineligible job", "jobID", job.Request.JobID)
		return
	}

	job.Attempts++

	err = w.engine.Run(ctx, job.Request)
	if err == nil {
		return
	}

	jobErr := classifyError(err)
	if jobErr.retryable() && job.Attempts < _maxAttempts {
		delay := backoffDelay(job.Attempts)
		Log(ctx).Info("re-driving job", "jobID", job.Request.JobID, "attempt", job.Attempts, "delay", delay)
		w.metrics.JobRetried(job.Request.Kind)
		if qerr := w.queue.EnqueueDelayed(ctx, job, time.Now().Add(delay)); qerr == nil {
			return
		}
		Log(ctx).Warn("problem re-driving job, failing it instead", "jobID", job.Request.JobID)
	}

	w.ledger.MarkFailed(ctx, job.Request.JobID, jobErr)
}

// backoffDelay returns the wait before the next attempt after `attempts`
// completed ones.
func backoffDelay(attempts int) time.Duration {
	delay := _retryBase << (attempts - 1)
	if delay > _retryMax {
		delay = _retryMax
	}
	return delay
}

// memQueue is an in-process Queue for tests, FIFO like the Redis one.
type memQueue struct {
	mu      sync.Mutex
	ready   []queuedJob
	delayed []delayedJob
}

type delayedJob struct {
	job queuedJob
	at  time.Time
}

var _ Queue = (*memQueue)(nil)

func newMemQueue() *memQueue {
	return &memQueue{}
}

func (q *memQueue) Enqueue(_ context.Context, job queuedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, job)
	return nil
}

func (q *memQueue) EnqueueDelayed(_ context.Context, job queuedJob, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayedJob{job: job, at: at})
	return nil
}

func (q *memQueue) Dequeue(_ context.Context) (*queuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if d.at.After(now) {
			kept = append(kept, d)
		} else {
			q.ready = append(q.ready, d.job)
		}
	}
	q.delayed = kept

	if len(q.ready) == 0 {
		return nil, nil
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	return &job, nil
}

func (q *memQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.delayed)), nil
}
