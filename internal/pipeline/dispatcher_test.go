package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fliws/immortyx/internal/model"
)

type recordingProcessor struct {
	mu      sync.Mutex
	order   []string
	active  int
	peak    int
	release chan struct{}
	fail    map[string]bool
}

func (p *recordingProcessor) Process(ctx context.Context, doc model.RawDocument, _ model.SourceDescriptor) (Outcome, error) {
	p.mu.Lock()
	p.order = append(p.order, doc.SourceNativeID)
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	if p.fail[doc.SourceNativeID] {
		return Outcome{}, errors.New("boom")
	}
	return Outcome{DocHash: doc.ContentHash, Status: StatusCommitted}, nil
}

func (p *recordingProcessor) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func numberedDoc(i int) model.RawDocument {
	return rawDoc(fmt.Sprintf("doc-%d", i), fmt.Sprintf(`{"abstract": "payload %d"}`, i))
}

type failures struct {
	mu   sync.Mutex
	docs map[string]error
}

func (f *failures) record(doc model.RawDocument, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs == nil {
		f.docs = make(map[string]error)
	}
	f.docs[doc.SourceNativeID] = err
}

func (f *failures) snapshot() map[string]error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]error, len(f.docs))
	for k, v := range f.docs {
		out[k] = v
	}
	return out
}

func runDispatcher(ctx context.Context, d *Dispatcher) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return done
}

func TestDispatcher_FIFO(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &recordingProcessor{}
	d := NewDispatcher(proc, 1, nil, nil)
	for i := 0; i < 5; i++ {
		d.Submit(numberedDoc(i), pubmed)
	}
	assert.Equal(t, 5, d.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d)

	require.Eventually(t, func() bool { return len(proc.seen()) == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"doc-0", "doc-1", "doc-2", "doc-3", "doc-4"}, proc.seen())
	assert.Zero(t, d.Pending())
}

func TestDispatcher_BoundsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &recordingProcessor{release: make(chan struct{})}
	d := NewDispatcher(proc, 2, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d)

	for i := 0; i < 6; i++ {
		d.Submit(numberedDoc(i), pubmed)
	}
	require.Eventually(t, func() bool { return d.InFlight() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, d.Pending(), "submit never blocks, the rest waits in the queue")

	close(proc.release)
	require.Eventually(t, func() bool { return len(proc.seen()) == 6 && d.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.LessOrEqual(t, proc.peak, 2)
}

func TestDispatcher_ReportsFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &recordingProcessor{fail: map[string]bool{"doc-1": true}}
	var failed failures
	d := NewDispatcher(proc, 2, failed.record, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d)
	for i := 0; i < 3; i++ {
		d.Submit(numberedDoc(i), pubmed)
	}
	require.Eventually(t, func() bool { return len(proc.seen()) == 3 && d.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got := failed.snapshot()
	require.Len(t, got, 1)
	assert.EqualError(t, got["doc-1"], "boom")
}

func TestDispatcher_ShutdownFailsQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &recordingProcessor{release: make(chan struct{})}
	var failed failures
	d := NewDispatcher(proc, 1, failed.record, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d)
	for i := 0; i < 3; i++ {
		d.Submit(numberedDoc(i), pubmed)
	}
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	got := failed.snapshot()
	require.Len(t, got, 3, "the in-flight document and both queued ones are released")
	for id, err := range got {
		assert.True(t, errors.Is(err, context.Canceled), "%s: %v", id, err)
	}
	assert.Equal(t, []string{"doc-0"}, proc.seen())
	assert.Zero(t, d.Pending())
}
