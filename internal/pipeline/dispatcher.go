package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fliws/immortyx/internal/model"
)

// Processor is what the dispatcher feeds
type Processor interface {
	Process(ctx context.Context, doc model.RawDocument, source model.SourceDescriptor) (Outcome, error)
}

type job struct {
	doc    model.RawDocument
	source model.SourceDescriptor
}

// Dispatcher queues admitted documents and processes them with bounded
// concurrency. Submit never blocks and never drops: the queue is unbounded
// and the semaphore bounds documents in flight.
type Dispatcher struct {
	processor Processor
	sem       *semaphore.Weighted
	onFailure func(doc model.RawDocument, err error)
	logger    *zap.Logger

	mu     sync.Mutex
	queue  []job
	notify chan struct{}

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher running at most maxInFlight documents.
// onFailure runs for documents that failed or were never processed because
// of shutdown; the caller uses it to release their dedup entries.
func NewDispatcher(processor Processor, maxInFlight int, onFailure func(model.RawDocument, error), logger *zap.Logger) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		processor: processor,
		sem:       semaphore.NewWeighted(int64(maxInFlight)),
		onFailure: onFailure,
		logger:    logger,
		notify:    make(chan struct{}, 1),
	}
}

// Submit enqueues a document
func (d *Dispatcher) Submit(doc model.RawDocument, source model.SourceDescriptor) {
	d.mu.Lock()
	d.queue = append(d.queue, job{doc: doc, source: source})
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued documents
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// InFlight returns the number of documents being processed
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

func (d *Dispatcher) pop() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return job{}, false
	}
	j := d.queue[0]
	d.queue[0] = job{}
	d.queue = d.queue[1:]
	return j, true
}

// Run processes documents in FIFO order until ctx is done. It waits for
// in-flight documents and hands queued ones to onFailure before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.drain(ctx)

	for {
		j, ok := d.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.notify:
				continue
			}
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.fail(j.doc, err)
			return
		}
		if err := ctx.Err(); err != nil {
			d.sem.Release(1)
			d.fail(j.doc, err)
			return
		}
		d.wg.Add(1)
		d.inFlight.Add(1)
		go func(j job) {
			defer func() {
				d.inFlight.Add(-1)
				d.sem.Release(1)
				d.wg.Done()
			}()
			if _, err := d.processor.Process(ctx, j.doc, j.source); err != nil {
				d.fail(j.doc, err)
			}
		}(j)
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	d.wg.Wait()
	for {
		j, ok := d.pop()
		if !ok {
			return
		}
		d.fail(j.doc, ctx.Err())
	}
}

func (d *Dispatcher) fail(doc model.RawDocument, err error) {
	d.logger.Debug("document not committed", zap.String("doc", doc.ContentHash), zap.Error(err))
	if d.onFailure != nil {
		d.onFailure(doc, err)
	}
}
