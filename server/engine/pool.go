// worker pool for work that must not run on the reactor (CGI)
package engine

import (
	"runtime"
	"sync"
)

const (
	maxReadSize  = 1<<16 - 1
	maxQueueSize = 1024
)

// read scratch buffers, one read per readiness event
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxReadSize)
		return &b
	},
}

// Pool runs jobs on a fixed set of goroutines
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool starts workers goroutines, 0 means one per CPU
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	p := &Pool{jobs: make(chan func(), maxQueueSize)}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit queues job without blocking, false if the queue is full
func (p *Pool) Submit(job func()) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop waits for queued and running jobs to finish
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
