package workers

import (
	"sync"
)

// WorkerPool fans jobs out over a fixed number of workers. The pool drives
// per-relay work (sync sessions, batch saves) without spawning one goroutine
// per relay.
type WorkerPool struct {
	jobCh chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
	}
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for job := range wp.jobCh {
		job()
	}
}

// Submit enqueues a job, blocking while the buffer is full.
func (wp *WorkerPool) Submit(job func()) {
	wp.wg.Add(1)
	wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}
}

// TrySubmit enqueues a job without blocking. It reports false when the
// buffer is full and the job was dropped.
func (wp *WorkerPool) TrySubmit(job func()) bool {
	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default:
		wp.wg.Done()
		return false
	}
}

// Wait blocks until all enqueued jobs have completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop closes the job channel and waits for in-flight jobs.
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() {
		close(wp.jobCh)
		wp.wg.Wait()
	})
}
