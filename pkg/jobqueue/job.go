// Package jobqueue implements the worker-pool dispatcher ("C5" in the cache
// engine design): Job, Worker, WorkerPool, and the pipe-backed RWAdapter that
// turns a synchronous producer into a streaming io.Reader for a caller on a
// different goroutine.
//
// Grounded on takeshitakenji/wikiserv's worker.py and on mutagen's use of
// buffered channels as work queues (see its agent/transport dispatch).
package jobqueue

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Func is the work a Job performs. It returns a result or an error; panics
// are recovered by the Worker and reported as the Job's error, matching
// worker.py's guarantee that exceptions never propagate out of a worker.
type Func func() (interface{}, error)

// Job is one unit of work submitted to a WorkerPool. Wait blocks until the
// job reaches a terminal state.
type Job struct {
	ID uuid.UUID

	fn Func

	mu       sync.Mutex
	cond     *sync.Cond
	done     bool
	result   interface{}
	err      error
	finished bool // sentinel marker, never run
}

// New wraps fn as a Job ready for submission to a WorkerPool.
func New(fn Func) *Job {
	j := &Job{ID: uuid.New(), fn: fn}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// finishedSentinel is enqueued once per worker by WorkerPool.Finish to make
// each worker exit its loop.
func finishedSentinel() *Job {
	return &Job{finished: true}
}

// run invokes the job's function and records its outcome, waking any
// goroutines blocked in Wait. It never panics out: a recovered panic is
// reported as the job's error.
func (j *Job) run() {
	defer func() {
		if r := recover(); r != nil {
			j.complete(nil, &PanicError{Value: r})
		}
	}()
	result, err := j.fn()
	j.complete(result, err)
}

func (j *Job) complete(result interface{}, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	j.result = result
	j.err = err
	j.done = true
	j.cond.Broadcast()
}

// Wait blocks until the job is complete and returns its result or error.
func (j *Job) Wait() (interface{}, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for !j.done {
		j.cond.Wait()
	}
	return j.result, j.err
}

// Done reports whether the job has reached a terminal state, without
// blocking.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// PanicError wraps a recovered panic value so it can travel through the
// normal (result, error) Job contract.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}
