package jobqueue

import (
	"sync"

	"github.com/takeshitakenji/wikiserv/pkg/logging"
)

// Pool is N workers sharing one FIFO queue of jobs.
type Pool struct {
	queue       chan *Job
	wg          sync.WaitGroup
	logger      *logging.Logger
	workerCount int
}

// NewPool starts a pool of workerCount goroutines reading from a queue of
// depth queueDepth. A queueDepth of 0 makes Submit block until a worker is
// free, matching a synchronous hand-off queue.
func NewPool(workerCount, queueDepth int, logger *logging.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		queue:       make(chan *Job, queueDepth),
		logger:      logger,
		workerCount: workerCount,
	}
	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		if job.finished {
			return
		}
		p.logger.Debugf("running job %s", job.ID)
		job.run()
	}
}

// Submit enqueues job for execution by the next free worker.
func (p *Pool) Submit(job *Job) {
	p.queue <- job
}

// Finish enqueues one sentinel per worker so each exits its loop once it
// drains the jobs ahead of the sentinel, then closes the queue. It does not
// itself block; call Join to wait for workers to actually exit.
func (p *Pool) Finish() {
	for i := 0; i < p.workerCount; i++ {
		p.queue <- finishedSentinel()
	}
	close(p.queue)
}

// Join waits for every worker goroutine to exit.
func (p *Pool) Join() {
	p.wg.Wait()
}
