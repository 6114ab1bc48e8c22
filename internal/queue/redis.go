// Package queue holds the Redis-backed job runtime used in production.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/genflow/internal/metrics"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/redis/go-redis/v9"
)

const (
	stateWaiting   = "waiting"
	stateDelayed   = "delayed"
	stateActive    = "active"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// envelope is the job hash payload.
type envelope struct {
	ID           string           `json:"id"`
	Queue        models.QueueName `json:"queue"`
	Data         json.RawMessage  `json:"data"`
	AttemptsMade int              `json:"attemptsMade"`
	EnqueuedAt   time.Time        `json:"enqueuedAt"`
}

// RedisRuntime keeps every queue in Redis: a wait list, an active list, a
// delayed sorted set scored by ready time, and one hash per job. Workers
// claim jobs with BLMOVE so a crashed process leaves its jobs in the active
// list for recovery to find.
type RedisRuntime struct {
	client   redis.UniversalClient
	prefix   string
	configs  map[models.QueueName]models.QueueConfig
	handlers map[models.QueueName]queue.Handler
	logger   queue.Logger

	claimTimeout time.Duration
	promoteEvery time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRedisRuntime(client redis.UniversalClient, prefix string, configs map[models.QueueName]models.QueueConfig, logger queue.Logger) *RedisRuntime {
	if prefix == "" {
		prefix = "genflow"
	}
	return &RedisRuntime{
		client:       client,
		prefix:       prefix,
		configs:      configs,
		handlers:     make(map[models.QueueName]queue.Handler),
		logger:       logger,
		claimTimeout: time.Second,
		promoteEvery: 250 * time.Millisecond,
	}
}

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *RedisRuntime) key(q models.QueueName, part string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, q, part)
}

func (r *RedisRuntime) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, id)
}

func (r *RedisRuntime) config(q models.QueueName) (models.QueueConfig, error) {
	cfg, ok := r.configs[q]
	if !ok {
		return models.QueueConfig{}, fmt.Errorf("unknown queue '%s'", q)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return cfg, nil
}

func (r *RedisRuntime) Enqueue(ctx context.Context, q models.QueueName, jobID string, payload []byte) error {
	if _, err := r.config(q); err != nil {
		return err
	}
	b, err := json.Marshal(envelope{
		ID:         jobID,
		Queue:      q,
		Data:       json.RawMessage(payload),
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", jobID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.jobKey(jobID), "envelope", b, "state", stateWaiting, "queue", string(q), "progress", 0)
	pipe.Persist(ctx, r.jobKey(jobID))
	pipe.LPush(ctx, r.key(q, "wait"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

func (r *RedisRuntime) OnProcess(q models.QueueName, h queue.Handler) error {
	if _, err := r.config(q); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot register handler for '%s' after start", q)
	}
	r.handlers[q] = h
	return nil
}

func (r *RedisRuntime) Concurrency(q models.QueueName) int {
	cfg, err := r.config(q)
	if err != nil {
		return 0
	}
	return cfg.Concurrency
}

func (r *RedisRuntime) Has(ctx context.Context, q models.QueueName, jobID string) (bool, error) {
	vals, err := r.client.HMGet(ctx, r.jobKey(jobID), "state", "queue").Result()
	if err != nil {
		return false, err
	}
	state, _ := vals[0].(string)
	owner, _ := vals[1].(string)
	if owner != string(q) {
		return false, nil
	}
	return state == stateWaiting || state == stateDelayed, nil
}

func (r *RedisRuntime) Remove(ctx context.Context, q models.QueueName, jobID string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, r.key(q, "wait"), 0, jobID)
	pipe.LRem(ctx, r.key(q, "active"), 0, jobID)
	pipe.ZRem(ctx, r.key(q, "delayed"), jobID)
	pipe.Del(ctx, r.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	return nil
}

// Progress returns the last reported progress of a job.
func (r *RedisRuntime) Progress(ctx context.Context, jobID string) (int, error) {
	return r.client.HGet(ctx, r.jobKey(jobID), "progress").Int()
}

// Start launches the workers of every queue with a handler and a delayed
// job promoter per configured queue.
func (r *RedisRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	for name := range r.configs {
		cfg, _ := r.config(name)
		r.wg.Add(1)
		go r.promoter(ctx, name)
		h, ok := r.handlers[name]
		if !ok {
			continue
		}
		for i := 0; i < cfg.Concurrency; i++ {
			r.wg.Add(1)
			go r.worker(ctx, cfg, h)
		}
	}
	return nil
}

// Stop cancels the workers and waits for in-flight handlers. Jobs
// interrupted by the stop go back to the wait list without losing an
// attempt.
func (r *RedisRuntime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *RedisRuntime) worker(ctx context.Context, cfg models.QueueConfig, h queue.Handler) {
	defer r.wg.Done()
	wait, active := r.key(cfg.Name, "wait"), r.key(cfg.Name, "active")
	for ctx.Err() == nil {
		id, err := r.client.BLMove(ctx, wait, active, "RIGHT", "LEFT", r.claimTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Errorf("Failed to claim job on %s: %v", cfg.Name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.process(ctx, cfg, h, id)
	}
}

func (r *RedisRuntime) process(ctx context.Context, cfg models.QueueConfig, h queue.Handler, id string) {
	// writes after the handler must land even when ctx was cancelled
	bg := context.WithoutCancel(ctx)
	jobKey := r.jobKey(id)
	raw, err := r.client.HGet(bg, jobKey, "envelope").Bytes()
	if err == redis.Nil {
		r.client.LRem(bg, r.key(cfg.Name, "active"), 1, id)
		return
	}
	if err != nil {
		r.logger.Errorf("Failed to load job %s: %v", id, err)
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Errorf("Dropping undecodable job %s: %v", id, err)
		r.client.LRem(bg, r.key(cfg.Name, "active"), 1, id)
		return
	}
	if err := r.client.HSet(bg, jobKey, "state", stateActive).Err(); err != nil {
		r.logger.Errorf("Failed to mark job %s active: %v", id, err)
	}

	job := queue.NewJob(id, cfg.Name, env.Data, env.AttemptsMade, cfg.Attempts, func(ctx context.Context, pct int) error {
		return r.client.HSet(ctx, jobKey, "progress", pct).Err()
	})

	name := string(cfg.Name)
	metrics.JobStarted(name)
	start := time.Now()
	herr := invoke(ctx, h, job)
	metrics.JobFinished(name)

	if err := r.finish(bg, ctx, cfg, env, herr, time.Since(start)); err != nil {
		r.logger.Errorf("Failed to settle job %s: %v", id, err)
	}
}

func (r *RedisRuntime) finish(ctx, runCtx context.Context, cfg models.QueueConfig, env envelope, herr error, took time.Duration) error {
	name := string(cfg.Name)
	jobKey := r.jobKey(env.ID)
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, r.key(cfg.Name, "active"), 1, env.ID)

	switch {
	case herr == nil:
		metrics.RecordJobProcessed(name, "completed", took)
		pipe.HSet(ctx, jobKey, "state", stateCompleted)
		retain(ctx, pipe, jobKey, cfg.RemoveOnComplete)
	case runCtx.Err() != nil:
		metrics.RecordJobProcessed(name, "interrupted", took)
		pipe.HSet(ctx, jobKey, "state", stateWaiting)
		pipe.RPush(ctx, r.key(cfg.Name, "wait"), env.ID)
	default:
		if d, ok := queue.AsDelay(herr); ok {
			metrics.RecordJobProcessed(name, "delayed", took)
			r.delay(ctx, pipe, cfg.Name, env.ID, d)
			break
		}
		if queue.IsUnrecoverable(herr) || env.AttemptsMade >= cfg.Attempts-1 {
			metrics.RecordJobProcessed(name, "failed", took)
			r.logger.Errorf("Job %s on %s failed after %d attempts: %v", env.ID, name, env.AttemptsMade+1, herr)
			pipe.HSet(ctx, jobKey, "state", stateFailed, "error", herr.Error())
			retain(ctx, pipe, jobKey, cfg.RemoveOnFail)
			break
		}
		metrics.RecordJobProcessed(name, "retrying", took)
		env.AttemptsMade++
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		wait := cfg.Backoff.Next(env.AttemptsMade)
		r.logger.Infof("Retrying job %s on %s (attempt %d/%d) in %s: %v", env.ID, name, env.AttemptsMade+1, cfg.Attempts, wait, herr)
		pipe.HSet(ctx, jobKey, "envelope", b)
		r.delay(ctx, pipe, cfg.Name, env.ID, wait)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRuntime) delay(ctx context.Context, pipe redis.Pipeliner, q models.QueueName, id string, d time.Duration) {
	pipe.HSet(ctx, r.jobKey(id), "state", stateDelayed)
	pipe.ZAdd(ctx, r.key(q, "delayed"), redis.Z{
		Score:  float64(time.Now().Add(d).UnixMilli()),
		Member: id,
	})
}

func retain(ctx context.Context, pipe redis.Pipeliner, key string, ttl time.Duration) {
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
		return
	}
	pipe.Del(ctx, key)
}

// promoter moves due delayed jobs back to the wait list.
func (r *RedisRuntime) promoter(ctx context.Context, q models.QueueName) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.promoteDue(ctx, q); err != nil && ctx.Err() == nil {
			r.logger.Errorf("Failed to promote delayed jobs on %s: %v", q, err)
		}
	}
}

func (r *RedisRuntime) promoteDue(ctx context.Context, q models.QueueName) error {
	delayed := r.key(q, "delayed")
	ids, err := r.client.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// ZREM decides which process owns the promotion
		n, err := r.client.ZRem(ctx, delayed, id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.jobKey(id), "state", stateWaiting)
		pipe.LPush(ctx, r.key(q, "wait"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs the handler and turns a panic into a job failure.
func invoke(ctx context.Context, h queue.Handler, job *queue.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job)
}
