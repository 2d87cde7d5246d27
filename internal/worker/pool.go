package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Job represents a unit of work to be executed
type Job interface {
	Execute(ctx context.Context) Result
}

// Result represents the result of a job execution
type Result interface {
	GetError() error
}

// PanicError is the result error of a job that panicked
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker: job panicked: %v", e.Value)
}

// PoolStats are pool counters
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
	Running   int64 `json:"running"`
}

// Pool runs jobs on a fixed set of workers. Results must be drained by the
// caller; Close waits for queued jobs, Shutdown cancels them.
type Pool struct {
	workers int
	jobs    chan Job
	results chan Result
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.RWMutex
	closed      bool
	resultsOnce sync.Once

	submitted, completed, failed, panicked, running atomic.Int64
}

// NewPool creates a pool with the given number of workers (at least one)
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		jobs:    make(chan Job, workers*2),
		results: make(chan Result, workers*2),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	for range p.workers {
		p.wg.Add(1)
		go p.work()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			result := p.run(job)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// run executes one job, turning a panic into a failed result
func (p *Pool) run(job Job) (result Result) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		if v := recover(); v != nil {
			p.panicked.Add(1)
			result = &FuncResult{Error: &PanicError{Value: v, Stack: debug.Stack()}}
		}
		p.completed.Add(1)
		if result != nil && result.GetError() != nil {
			p.failed.Add(1)
		}
	}()
	return job.Execute(p.ctx)
}

// Submit queues a job. It returns false when the pool is closed or either
// context is done before the job could be queued.
func (p *Pool) Submit(ctx context.Context, job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	case p.jobs <- job:
		p.submitted.Add(1)
		return true
	}
}

// Results is the result stream. It is closed once the pool has stopped.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Running:   p.running.Load(),
	}
}

// Close stops accepting jobs, lets queued jobs finish and closes Results.
// Results must be drained concurrently.
func (p *Pool) Close() {
	p.stopAccepting()
	p.wg.Wait()
	p.closeResults()
}

// Shutdown cancels running jobs, drops queued ones and closes Results
func (p *Pool) Shutdown() {
	p.cancel()
	p.stopAccepting()
	p.wg.Wait()
	p.closeResults()
}

func (p *Pool) stopAccepting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
}

func (p *Pool) closeResults() {
	p.resultsOnce.Do(func() { close(p.results) })
}

// ResultCollector gathers results from concurrent producers
type ResultCollector struct {
	mu      sync.Mutex
	results []Result
}

// NewResultCollector creates an empty collector
func NewResultCollector() *ResultCollector {
	return &ResultCollector{results: make([]Result, 0)}
}

// Add appends a result
func (c *ResultCollector) Add(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

// Results returns a copy of the collected results
func (c *ResultCollector) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}
