package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

func testConfigs(concurrency int) map[models.QueueName]models.QueueConfig {
	return map[models.QueueName]models.QueueConfig{
		models.ImageGenerationQueue: {
			Name:        models.ImageGenerationQueue,
			Concurrency: concurrency,
			Attempts:    3,
			Backoff:     models.Backoff{Type: models.FixedBackoff, Delay: time.Millisecond},
		},
	}
}

func runUntilIdle(t *testing.T, rt *queue.MemoryRuntime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.WaitIdle(ctx))
}

func TestMemoryRuntime(t *testing.T) {
	t.Run("DeliversPayload", func(t *testing.T) {
		rt := queue.NewMemoryRuntime(testConfigs(1), testLogger{})
		var got []byte
		require.NoError(t, rt.OnProcess(models.ImageGenerationQueue, func(ctx context.Context, job *queue.Job) error {
			got = job.Data
			assert.Equal(t, 3, job.Attempts)
			assert.Equal(t, 0, job.AttemptsMade)
			return job.UpdateProgress(ctx, 50)
		}))
		require.NoError(t, rt.Start(context.Background()))
		defer rt.Stop()

		require.NoError(t, rt.Enqueue(context.Background(), models.ImageGenerationQueue, "job-1", []byte(`{"a":1}`)))
		runUntilIdle(t, rt)
		assert.Equal(t, `{"a":1}`, string(got))
		assert.Equal(t, 50, rt.Progress("job-1"))
	})

	t.Run("RetriesUpToAttempts", func(t *testing.T) {
		rt := queue.NewMemoryRuntime(testConfigs(1), testLogger{})
		var seen []int
		require.NoError(t, rt.OnProcess(models.ImageGenerationQueue, func(ctx context.Context, job *queue.Job) error {
			seen = append(seen, job.AttemptsMade)
			return errors.New("provider down")
		}))
		require.NoError(t, rt.Start(context.Background()))
		defer rt.Stop()

		require.NoError(t, rt.Enqueue(context.Background(), models.ImageGenerationQueue, "job-1", nil))
		runUntilIdle(t, rt)
		assert.Equal(t, []int{0, 1, 2}, seen)
	})

	t.Run("UnrecoverableIsNotRetried", func(t *testing.T) {
		rt := queue.NewMemoryRuntime(testConfigs(1), testLogger{})
		var calls int32
		require.NoError(t, rt.OnProcess(models.ImageGenerationQueue, func(ctx context.Context, job *queue.Job) error {
			atomic.AddInt32(&calls, 1)
			return queue.Unrecoverable(errors.New("bad graph"))
		}))
		require.NoError(t, rt.Start(context.Background()))
		defer rt.Stop()

		require.NoError(t, rt.Enqueue(context.Background(), models.ImageGenerationQueue, "job-1", nil))
		runUntilIdle(t, rt)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("DelayDoesNotConsumeAttempts", func(t *testing.T) {
		rt := queue.NewMemoryRuntime(testConfigs(1), testLogger{})
		var seen []int
		require.NoError(t, rt.OnProcess(models.ImageGenerationQueue, func(ctx context.Context, job *queue.Job) error {
			seen = append(seen, job.AttemptsMade)
			if len(seen) < 5 {
				return queue.Delay(time.Millisecond, "waiting for dependencies")
			}
			return nil
		}))
		require.NoError(t, rt.Start(context.Background()))
		defer rt.Stop()

		require.NoError(t, rt.Enqueue(context.Background(), models.ImageGenerationQueue, "job-1", nil))
		runUntilIdle(t, rt)
		assert.Equal(t, []int{0, 0, 0, 0, 0}, seen)
	})

	t.Run("ConcurrencyOneIsSequential", func(t *testing.T) {
		rt := queue.NewMemoryRuntime(testConfigs(1), testLogger{})
		var current, peak int32
		require.NoError(t, rt.OnProcess(models.ImageGenerationQueue, func(ctx context.Context, job *queue.Job) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		}))
		require.NoError(t, rt.Start(context.Background()))
		defer rt.Stop()

		for i := 0; i < 10; i++ {
			require.NoError(t, rt.Enqueue(context.Background(), models.ImageGenerationQueue, string(rune('a'+i)), nil))
		}
		runUntilIdle(t, rt)
		assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
		assert.Equal(t, 1, rt.Concurrency(models.ImageGenerationQueue))
	})

	t.Run("FIFOOrder", func(t *testing.T) {
		rt := queue.NewMemoryRuntime(testConfigs(1), testLogger{})
		var mu sync.Mutex
		var order []string
		require.NoError(t, rt.OnProcess(models.ImageGenerationQueue, func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			order = append(order, job.ID)
			mu.Unlock()
			return nil
		}))
		for _, id := range []string{"A", "B", "C"} {
			require.NoError(t, rt.Enqueue(context.Background(), models.ImageGenerationQueue, id, nil))
		}
		require.NoError(t, rt.Start(context.Background()))
		defer rt.Stop()
		runUntilIdle(t, rt)
		assert.Equal(t, []string{"A", "B", "C"}, order)
	})

	t.Run("HasAndRemove", func(t *testing.T) {
		rt := queue.NewMemoryRuntime(testConfigs(1), testLogger{})
		ctx := context.Background()
		require.NoError(t, rt.Enqueue(ctx, models.ImageGenerationQueue, "job-1", nil))

		has, err := rt.Has(ctx, models.ImageGenerationQueue, "job-1")
		assert.NoError(t, err)
		assert.True(t, has)

		has, err = rt.Has(ctx, models.VideoGenerationQueue, "job-1")
		assert.NoError(t, err)
		assert.False(t, has)

		require.NoError(t, rt.Remove(ctx, models.ImageGenerationQueue, "job-1"))
		has, err = rt.Has(ctx, models.ImageGenerationQueue, "job-1")
		assert.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("UnknownQueue", func(t *testing.T) {
		rt := queue.NewMemoryRuntime(testConfigs(1), testLogger{})
		err := rt.Enqueue(context.Background(), models.VideoGenerationQueue, "job-1", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown queue 'video-generation'")
	})
}

func TestErrorHelpers(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, queue.IsUnrecoverable(queue.Unrecoverable(base)))
	assert.ErrorIs(t, queue.Unrecoverable(base), base)
	assert.False(t, queue.IsUnrecoverable(base))
	assert.Nil(t, queue.Unrecoverable(nil))

	d, ok := queue.AsDelay(queue.Delay(3*time.Second, "deps"))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
	_, ok = queue.AsDelay(base)
	assert.False(t, ok)

	job := queue.NewJob("j", models.LLMGenerationQueue, nil, 2, 3, nil)
	assert.True(t, job.IsFinalAttempt())
	job = queue.NewJob("j", models.LLMGenerationQueue, nil, 1, 3, nil)
	assert.False(t, job.IsFinalAttempt())
}
