package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubResult struct{ err error }

func (r *stubResult) GetError() error { return r.err }

// sleepJob sleeps for d unless cancelled and optionally fails
type sleepJob struct {
	d    time.Duration
	fail bool
	runs *atomic.Int32
}

func (j *sleepJob) Execute(ctx context.Context) Result {
	if j.runs != nil {
		j.runs.Add(1)
	}
	if j.d > 0 {
		select {
		case <-time.After(j.d):
		case <-ctx.Done():
			return &stubResult{err: ctx.Err()}
		}
	}
	if j.fail {
		return &stubResult{err: errors.New("fetch failed")}
	}
	return &stubResult{}
}

type panicJob struct{}

func (panicJob) Execute(context.Context) Result { panic("malformed payload") }

// drainAll submits jobs, closes the pool and returns every result
func drainAll(t *testing.T, pool *Pool, jobs ...Job) []Result {
	t.Helper()
	collector := NewResultCollector()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for r := range pool.Results() {
			collector.Add(r)
		}
	}()
	for i, job := range jobs {
		if !pool.Submit(context.Background(), job) {
			t.Fatalf("submit %d refused", i)
		}
	}
	pool.Close()
	<-drained
	return collector.Results()
}

func TestNewPool(t *testing.T) {
	for in, want := range map[int]int{5: 5, 0: 1, -1: 1} {
		if got := NewPool(in).workers; got != want {
			t.Errorf("NewPool(%d).workers = %d, want %d", in, got, want)
		}
	}
}

func TestPool_RunsEveryJob(t *testing.T) {
	pool := NewPool(2)
	pool.Start()

	var runs atomic.Int32
	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = &sleepJob{runs: &runs, fail: i%5 == 0}
	}
	results := drainAll(t, pool, jobs...)

	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	if runs.Load() != 10 {
		t.Errorf("expected 10 runs, got %d", runs.Load())
	}
	if n := len(Errors(results)); n != 2 {
		t.Errorf("expected 2 failures, got %d", n)
	}

	stats := pool.Stats()
	if stats.Submitted != 10 || stats.Completed != 10 || stats.Failed != 2 || stats.Running != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const workers = 4
	pool := NewPool(workers)
	pool.Start()

	var current, peak atomic.Int32
	jobs := make([]Job, 30)
	for i := range jobs {
		jobs[i] = &FuncJob{Key: "source", Fn: func(context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}}
	}
	drainAll(t, pool, jobs...)

	if peak.Load() > workers {
		t.Errorf("peak concurrency %d exceeded %d workers", peak.Load(), workers)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	pool := NewPool(1)
	pool.Start()

	results := drainAll(t, pool, panicJob{}, &sleepJob{})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	var pe *PanicError
	found := false
	for _, r := range results {
		if errors.As(r.GetError(), &pe) {
			found = true
			if pe.Value != "malformed payload" || len(pe.Stack) == 0 {
				t.Errorf("unexpected panic error %+v", pe)
			}
		}
	}
	if !found {
		t.Error("expected a PanicError result")
	}
	if pool.Stats().Panicked != 1 {
		t.Errorf("expected 1 panic, got %d", pool.Stats().Panicked)
	}
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewPool(2)
	pool.Start()
	pool.Shutdown()

	done := make(chan struct{})
	go func() {
		if pool.Submit(context.Background(), &sleepJob{}) {
			t.Error("expected Submit to refuse job after shutdown")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit after shutdown blocked")
	}
}

func TestPool_ShutdownCancelsRunningJobs(t *testing.T) {
	pool := NewPool(1)
	pool.Start()

	started := make(chan struct{})
	pool.Submit(context.Background(), &FuncJob{Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		for range pool.Results() {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not cancel the running job")
	}
}

func TestPool_SubmitCancelledContext(t *testing.T) {
	pool := NewPool(1)
	defer pool.Shutdown()

	// No workers started: the queue fills up, then Submit must honor ctx
	ctx, cancel := context.WithCancel(context.Background())
	for range 2 {
		pool.Submit(ctx, &sleepJob{})
	}
	cancel()

	if pool.Submit(ctx, &sleepJob{}) {
		t.Error("expected Submit to fail on cancelled context")
	}
}
