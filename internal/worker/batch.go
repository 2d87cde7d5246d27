package worker

import (
	"context"
	"fmt"
)

// FuncJob adapts a function to the Job interface
type FuncJob struct {
	Key string
	Fn  func(ctx context.Context) error
}

// Execute executes the wrapped function
func (j *FuncJob) Execute(ctx context.Context) Result {
	return &FuncResult{Key: j.Key, Error: j.Fn(ctx)}
}

// FuncResult is the outcome of a FuncJob
type FuncResult struct {
	Key   string
	Error error
}

// GetError returns the error from the job
func (r *FuncResult) GetError() error {
	return r.Error
}

// BatchProcessor runs a finite set of jobs on a short-lived pool
type BatchProcessor struct {
	concurrency int
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(concurrency int) *BatchProcessor {
	return &BatchProcessor{concurrency: concurrency}
}

// Run executes all jobs and returns their results in completion order.
// Jobs that could not be queued because ctx ended are reported with the
// context error.
func (b *BatchProcessor) Run(ctx context.Context, jobs []Job) []Result {
	if len(jobs) == 0 {
		return []Result{}
	}

	pool := NewPool(b.concurrency)
	pool.Start()

	collector := NewResultCollector()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for r := range pool.Results() {
			collector.Add(r)
		}
	}()

	for i, job := range jobs {
		if !pool.Submit(ctx, job) {
			for range jobs[i:] {
				collector.Add(&FuncResult{Error: fmt.Errorf("batch: submit: %w", context.Cause(ctx))})
			}
			break
		}
	}

	pool.Close()
	<-drained

	return collector.Results()
}

// Errors returns the non-nil errors of results
func Errors(results []Result) []error {
	var errs []error
	for _, r := range results {
		if err := r.GetError(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
