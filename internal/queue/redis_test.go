package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	internal_queue "github.com/ignatij/genflow/internal/queue"
	"github.com/ignatij/genflow/internal/testutil"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (logger) Infof(format string, args ...interface{})  {}
func (logger) Errorf(format string, args ...interface{}) {}

func configs() map[models.QueueName]models.QueueConfig {
	return map[models.QueueName]models.QueueConfig{
		models.ImageGenerationQueue: {
			Name:             models.ImageGenerationQueue,
			Concurrency:      1,
			Attempts:         3,
			Backoff:          models.Backoff{Type: models.FixedBackoff, Delay: 10 * time.Millisecond},
			RemoveOnComplete: time.Minute,
			RemoveOnFail:     time.Minute,
		},
	}
}

func TestRedisRuntime(t *testing.T) {
	tr := testutil.SetupTestRedis(t)
	defer tr.Teardown(t)
	ctx := context.Background()

	// run registers h, starts the runtime and returns a stop function.
	run := func(t *testing.T, h queue.Handler) (*internal_queue.RedisRuntime, func()) {
		tr.Flush(t)
		rt := internal_queue.NewRedisRuntime(tr.Client, "test", configs(), logger{})
		require.NoError(t, rt.OnProcess(models.ImageGenerationQueue, h))
		require.NoError(t, rt.Start(ctx))
		return rt, rt.Stop
	}

	t.Run("DeliversInOrder", func(t *testing.T) {
		var mu sync.Mutex
		var got []string
		done := make(chan struct{})
		rt, stop := run(t, func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(job.Data))
			if len(got) == 3 {
				close(done)
			}
			return job.UpdateProgress(ctx, 40)
		})
		defer stop()

		for i, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
			require.NoError(t, rt.Enqueue(ctx, models.ImageGenerationQueue, []string{"a", "b", "c"}[i], []byte(payload)))
		}
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("jobs were not delivered")
		}
		mu.Lock()
		assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
		mu.Unlock()

		assert.Eventually(t, func() bool {
			p, err := rt.Progress(ctx, "c")
			return err == nil && p == 40
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("RetriesThenFails", func(t *testing.T) {
		var mu sync.Mutex
		var attempts []int
		rt, stop := run(t, func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			attempts = append(attempts, job.AttemptsMade)
			mu.Unlock()
			return errors.New("boom")
		})
		defer stop()

		require.NoError(t, rt.Enqueue(ctx, models.ImageGenerationQueue, "r", []byte(`{}`)))
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(attempts) == 3
		}, 10*time.Second, 20*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, []int{0, 1, 2}, attempts)
		mu.Unlock()
	})

	t.Run("UnrecoverableIsNotRetried", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		rt, stop := run(t, func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return queue.Unrecoverable(errors.New("bad input"))
		})
		defer stop()

		require.NoError(t, rt.Enqueue(ctx, models.ImageGenerationQueue, "u", []byte(`{}`)))
		time.Sleep(500 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 1, calls)
		mu.Unlock()
	})

	t.Run("DelayKeepsAttempts", func(t *testing.T) {
		var mu sync.Mutex
		var seen []int
		rt, stop := run(t, func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, job.AttemptsMade)
			if len(seen) < 3 {
				return queue.Delay(10*time.Millisecond, "dependency")
			}
			return nil
		})
		defer stop()

		require.NoError(t, rt.Enqueue(ctx, models.ImageGenerationQueue, "d", []byte(`{}`)))
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 3
		}, 10*time.Second, 20*time.Millisecond)
		mu.Lock()
		assert.Equal(t, []int{0, 0, 0}, seen)
		mu.Unlock()
	})

	t.Run("HasAndRemove", func(t *testing.T) {
		tr.Flush(t)
		rt := internal_queue.NewRedisRuntime(tr.Client, "test", configs(), logger{})
		require.NoError(t, rt.Enqueue(ctx, models.ImageGenerationQueue, "h", []byte(`{}`)))

		held, err := rt.Has(ctx, models.ImageGenerationQueue, "h")
		require.NoError(t, err)
		assert.True(t, held)
		held, err = rt.Has(ctx, models.VideoGenerationQueue, "h")
		require.NoError(t, err)
		assert.False(t, held)

		require.NoError(t, rt.Remove(ctx, models.ImageGenerationQueue, "h"))
		held, err = rt.Has(ctx, models.ImageGenerationQueue, "h")
		require.NoError(t, err)
		assert.False(t, held)

		assert.Error(t, rt.Enqueue(ctx, models.VideoGenerationQueue, "v", []byte(`{}`)))
		assert.Equal(t, 1, rt.Concurrency(models.ImageGenerationQueue))
	})
}
