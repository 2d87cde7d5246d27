package validate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/model"
)

// WatcherStats counts pattern file reloads
type WatcherStats struct {
	Reloads       int       `json:"reloads"`
	Refused       int       `json:"refused"`
	PatternsAdded int       `json:"patterns_added"`
	Errors        int       `json:"errors"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
}

// Watcher reloads the pattern file when it changes and extends the gate
// with appended patterns. A reload that would shrink or edit the set, or
// that does not parse, is refused and the current set stays in force.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	gate        *Gate
	path        string
	base        []model.PseudosciencePattern // patterns not in the file (built-ins)
	onAdded     func(ctx context.Context, added []model.PseudosciencePattern)
	pending     time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	closed      bool
	logger      *zap.Logger

	stats WatcherStats
}

// NewWatcher creates a watcher for path. onAdded runs after every reload
// that added patterns.
func NewWatcher(path string, gate *Gate, base []model.PseudosciencePattern, onAdded func(context.Context, []model.PseudosciencePattern), logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher:     w,
		gate:        gate,
		path:        filepath.Clean(path),
		base:        base,
		onAdded:     onAdded,
		debounceDur: 250 * time.Millisecond, // editors write in several steps
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
	}, nil
}

// Start watches the directory holding the pattern file, which also catches
// editors that replace the file by rename
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("validate: watcher closed")
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching pattern file", zap.String("path", w.path))

	go w.run(ctx)
	return nil
}

// Stop stops the watcher, waits for it to exit and releases the fsnotify
// handle. It is safe to call on a watcher that was never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("closing pattern watcher", zap.Error(err))
	}
}

// Stats returns a snapshot of the reload counters
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(50 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.stats.LastEventTime = w.pending
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("pattern watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounceDur
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.Reload(ctx)
			}
		}
	}
}

// Reload reads the pattern file and extends the gate. It returns the added
// patterns; nil when the file was refused or unchanged.
func (w *Watcher) Reload(ctx context.Context) []model.PseudosciencePattern {
	filePatterns, err := LoadPatternFile(w.path)
	if err == nil {
		next := append(append([]model.PseudosciencePattern(nil), w.base...), filePatterns...)
		var added []model.PseudosciencePattern
		added, err = w.gate.Extend(next)
		if err == nil {
			w.mu.Lock()
			w.stats.Reloads++
			w.stats.PatternsAdded += len(added)
			w.mu.Unlock()
			if len(added) > 0 {
				w.logger.Info("pattern set extended", zap.Int("added", len(added)))
				if w.onAdded != nil {
					w.onAdded(ctx, added)
				}
			}
			return added
		}
	}

	w.mu.Lock()
	w.stats.Refused++
	w.mu.Unlock()
	w.logger.Error("pattern file refused, keeping current set", zap.String("path", w.path), zap.Error(err))
	return nil
}
