package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/storekeeper/internal/pkg/cache"
	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

const (
	DefaultWorkerCount  = 5
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = time.Minute
	DefaultStuckAfter   = 10 * time.Minute
	DefaultNamespace    = "jobs"

	jobTTL       = 24 * time.Hour
	pollTimeout  = time.Second
	promoteEvery = time.Second
	stuckEvery   = time.Minute
)

// ErrUnknownJobType marks jobs nobody registered a Handler for.
var ErrUnknownJobType = errors.New("unknown job type")

// Handler executes one job. A returned error is retried with a growing delay
// unless it was wrapped with Permanent.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Config tunes a Queue. Zero values fall back to the defaults.
type Config struct {
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	StuckAfter   time.Duration
	Namespace    string
}

// ConfigFromEnv reads the JOBQUEUE_* variables.
func ConfigFromEnv() Config {
	return Config{
		Workers:      env.GetEnvInt("JOBQUEUE_WORKERS", DefaultWorkerCount),
		MaxAttempts:  env.GetEnvInt("JOBQUEUE_MAX_ATTEMPTS", DefaultMaxAttempts),
		RetryBackoff: env.GetEnvDuration("JOBQUEUE_RETRY_BACKOFF", DefaultRetryBackoff),
		StuckAfter:   env.GetEnvDuration("JOBQUEUE_STUCK_AFTER", DefaultStuckAfter),
		Namespace:    env.GetEnv("JOBQUEUE_NAMESPACE", DefaultNamespace),
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkerCount
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	return c
}

// Redis layout: pending and processing are lists of ids, delayed is a sorted
// set scored by due time in unix millis, stats is a hash of counters.
type keys struct {
	pending    string
	processing string
	delayed    string
	stats      string
	jobPrefix  string
}

func keysFor(ns string) keys {
	return keys{
		pending:    ns + ":pending",
		processing: ns + ":processing",
		delayed:    ns + ":delayed",
		stats:      ns + ":stats",
		jobPrefix:  ns + ":job:",
	}
}

func (k keys) job(id string) string { return k.jobPrefix + id }

// Queue is a Redis-backed at-least-once job queue.
type Queue struct {
	client *redis.Client
	cfg    Config
	keys   keys
	now    func() time.Time

	handlersMu sync.RWMutex
	handlers   map[JobType]Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue on the shared cache client.
func NewQueue(cfg Config) *Queue {
	return NewQueueWithClient(cache.GetClient(), cfg)
}

func NewQueueWithClient(client *redis.Client, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		client:   client,
		cfg:      cfg,
		keys:     keysFor(cfg.Namespace),
		now:      time.Now,
		handlers: make(map[JobType]Handler),
	}
}

// RegisterHandler binds a job type to the function that runs it. A later
// registration for the same type wins.
func (q *Queue) RegisterHandler(jobType JobType, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Start launches the workers and the maintenance loop. It is a no-op while
// already running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	log.Infof("[JobQueue] Starting %d workers on %q", q.cfg.Workers, q.cfg.Namespace)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
	q.wg.Add(1)
	go q.maintain(ctx)
}

// Stop waits for in-flight jobs. Workers blocked on an empty queue return
// within one poll interval.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel == nil {
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	q.cancel()
	q.cancel = nil
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

func (q *Queue) isRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancel != nil
}

func (q *Queue) work(ctx context.Context, worker int) {
	defer q.wg.Done()
	for {
		job, err := q.dequeue(ctx)
		if err == nil {
			// a dequeued job is finished even when Stop was called meanwhile
			q.process(context.WithoutCancel(ctx), job)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, redis.Nil) {
			log.Errorf("[JobQueue] Worker %d: dequeue failed: %v", worker, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (q *Queue) maintain(ctx context.Context) {
	defer q.wg.Done()
	promote := time.NewTicker(promoteEvery)
	defer promote.Stop()
	stuck := time.NewTicker(stuckEvery)
	defer stuck.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := q.promoteDue(ctx, q.now()); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Promoting delayed jobs failed: %v", err)
			}
		case <-stuck.C:
			if _, err := q.recoverStuck(ctx, q.cfg.StuckAfter, q.now()); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Recovering stuck jobs failed: %v", err)
			}
		}
	}
}

// Enqueue stores payload as JSON and appends the job to the pending list.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload any) (*Job, error) {
	job, err := newJob(uuid.NewString(), jobType, payload, q.cfg.MaxAttempts, q.now())
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.keys.job(job.ID), data, jobTTL)
	pipe.LPush(ctx, q.keys.pending, job.ID)
	pipe.HIncrBy(ctx, q.keys.stats, "enqueued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	log.Debugf("[JobQueue] Enqueued job %s (%s)", job.ID, job.Type)
	return job, nil
}

// ScheduleContinuation queues the next run of a push campaign.
func (q *Queue) ScheduleContinuation(ctx context.Context, campaignID uint, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := q.Enqueue(ctx, JobTypePushDispatch, PushDispatchPayload{
		CampaignID: campaignID,
		Offset:     offset,
		Reason:     ReasonContinuation,
	})
	return err
}

var errCorruptJob = errors.New("corrupt job record")

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.keys.job(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errCorruptJob, id, err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Encoding job %s failed: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, q.keys.job(job.ID), data, jobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Saving job %s failed: %v", job.ID, err)
	}
}

// dequeue moves the oldest pending id to processing. Ids whose record has
// expired or is unreadable are dropped.
func (q *Queue) dequeue(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, q.keys.pending, q.keys.processing, pollTimeout).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.load(ctx, id)
	if err != nil {
		log.Warnf("[JobQueue] Dropping job %s: %v", id, err)
		q.client.LRem(ctx, q.keys.processing, 1, id)
		return nil, redis.Nil
	}
	return job, nil
}

func (q *Queue) run(ctx context.Context, job *Job) (err error) {
	h, ok := q.handler(job.Type)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) process(ctx context.Context, job *Job) {
	job.start(q.now())
	q.save(ctx, job)

	err := q.run(ctx, job)
	if err == nil {
		job.finish(q.now())
		pipe := q.client.TxPipeline()
		pipe.Del(ctx, q.keys.job(job.ID))
		pipe.LRem(ctx, q.keys.processing, 1, job.ID)
		pipe.HIncrBy(ctx, q.keys.stats, string(JobStatusCompleted), 1)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[JobQueue] Acknowledging job %s failed: %v", job.ID, err)
		}
		return
	}

	now := q.now()
	retry := job.fail(err, isPermanent(err), now)
	q.save(ctx, job)

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.keys.processing, 1, job.ID)
	if retry {
		due := now.Add(q.cfg.RetryBackoff * time.Duration(job.Attempts))
		pipe.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		pipe.HIncrBy(ctx, q.keys.stats, "retried", 1)
		log.Warnf("[JobQueue] Job %s (%s) failed attempt %d/%d, retry at %s: %v",
			job.ID, job.Type, job.Attempts, job.MaxAttempts, due.Format(time.RFC3339), err)
	} else {
		pipe.HIncrBy(ctx, q.keys.stats, string(JobStatusFailed), 1)
		log.Errorf("[JobQueue] Job %s (%s) failed permanently after %d attempts: %v", job.ID, job.Type, job.Attempts, err)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Recording failure of job %s failed: %v", job.ID, err)
	}
}

// promoteDue moves delayed jobs whose time has come back to pending. ZREM
// decides which instance gets each id.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.keys.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.keys.delayed, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.keys.pending, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// recoverStuck requeues jobs left in processing by a worker that died.
func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, q.keys.processing, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		job, err := q.load(ctx, id)
		switch {
		case errors.Is(err, redis.Nil), errors.Is(err, errCorruptJob):
			q.client.LRem(ctx, q.keys.processing, 1, id)
			continue
		case err != nil:
			return recovered, err
		}
		if job.Status != JobStatusProcessing {
			q.client.LRem(ctx, q.keys.processing, 1, id)
			continue
		}
		age := now.Sub(job.runningSince())
		if age <= maxAge {
			continue
		}
		log.Warnf("[JobQueue] Requeueing job %s (%s) stuck for %s", job.ID, job.Type, age.Round(time.Second))
		job.Status = JobStatusPending
		job.LastError = "recovered after worker loss"
		job.UpdatedAt = now
		q.save(ctx, job)
		// RPUSH puts it next in line
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.keys.processing, 1, id)
		pipe.RPush(ctx, q.keys.pending, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// GetJob returns a job that has not completed yet.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.load(ctx, id)
}

// Depths reports the queue lengths next to the lifetime counters.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.keys.pending)
	processing := pipe.LLen(ctx, q.keys.processing)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	stats := pipe.HGetAll(ctx, q.keys.stats)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := map[string]int64{
		"pending":    pending.Val(),
		"processing": processing.Val(),
		"delayed":    delayed.Val(),
	}
	for name, raw := range stats.Val() {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			out[name] = n
		}
	}
	return out, nil
}
