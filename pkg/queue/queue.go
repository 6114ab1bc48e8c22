// Package queue defines the job runtime the services enqueue into and
// consume from, along with an in-process implementation.
package queue

import (
	"context"
	"time"

	"github.com/ignatij/genflow/pkg/models"
	"github.com/pkg/errors"
)

// Logger is the logging surface used by runtimes.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Job is one delivery of a queued payload to a handler.
type Job struct {
	ID    string
	Queue models.QueueName
	Data  []byte
	// AttemptsMade counts the failed attempts before this one.
	AttemptsMade int
	// Attempts is the configured attempt budget of the queue.
	Attempts int

	progress func(ctx context.Context, pct int) error
}

// NewJob builds a job delivery. Runtimes and tests use it; progress may be nil.
func NewJob(id string, q models.QueueName, data []byte, attemptsMade, attempts int, progress func(context.Context, int) error) *Job {
	return &Job{ID: id, Queue: q, Data: data, AttemptsMade: attemptsMade, Attempts: attempts, progress: progress}
}

// UpdateProgress reports completion percentage to the runtime.
func (j *Job) UpdateProgress(ctx context.Context, pct int) error {
	if j.progress == nil {
		return nil
	}
	return j.progress(ctx, pct)
}

// IsFinalAttempt reports whether a failure now exhausts the attempt budget.
func (j *Job) IsFinalAttempt() bool {
	return j.AttemptsMade >= j.Attempts-1
}

// Handler processes one job. A nil error completes it; Delay errors
// reschedule without consuming an attempt; Unrecoverable errors fail it
// without retry; any other error is retried with the queue backoff.
type Handler func(ctx context.Context, job *Job) error

// Runtime is the multi-queue execution substrate.
type Runtime interface {
	Enqueue(ctx context.Context, queue models.QueueName, jobID string, payload []byte) error
	OnProcess(queue models.QueueName, h Handler) error
	Concurrency(queue models.QueueName) int
	// Has reports whether the job is waiting or delayed in the runtime.
	Has(ctx context.Context, queue models.QueueName, jobID string) (bool, error)
	// Remove drops a waiting, delayed or orphaned active entry.
	Remove(ctx context.Context, queue models.QueueName, jobID string) error
	Start(ctx context.Context) error
	Stop()
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the runtime fails the job without retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

type delayError struct {
	after  time.Duration
	reason string
}

func (e *delayError) Error() string {
	return "job delayed: " + e.reason
}

// Delay asks the runtime to redeliver the job after d without counting an
// attempt.
func Delay(d time.Duration, reason string) error {
	return &delayError{after: d, reason: reason}
}

// AsDelay extracts the redelivery delay from err.
func AsDelay(err error) (time.Duration, bool) {
	var d *delayError
	if errors.As(err, &d) {
		return d.after, true
	}
	return 0, false
}
