// Package fetch defines the contract between the scheduler and the
// per-source fetchers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fliws/immortyx/internal/model"
)

// Fetcher fetches the current documents of a source
type Fetcher interface {
	Fetch(ctx context.Context, source model.SourceDescriptor, query map[string]string) ([]model.RawDocument, error)
}

// Func adapts a function to Fetcher
type Func func(ctx context.Context, source model.SourceDescriptor, query map[string]string) ([]model.RawDocument, error)

// Fetch calls f
func (f Func) Fetch(ctx context.Context, source model.SourceDescriptor, query map[string]string) ([]model.RawDocument, error) {
	return f(ctx, source, query)
}

// ErrorKind separates failures worth retrying from the rest
type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Permanent ErrorKind = "permanent"
)

// FetchError is the error type returned by fetchers
type FetchError struct {
	Kind     ErrorKind
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("fetch: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.SourceID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a transient failure
func TransientError(sourceID string, err error) error {
	return &FetchError{Kind: Transient, SourceID: sourceID, Err: err}
}

// PermanentError wraps err as a permanent failure
func PermanentError(sourceID string, err error) error {
	return &FetchError{Kind: Permanent, SourceID: sourceID, Err: err}
}

// IsTransient reports whether err is worth retrying. Errors that are not a
// FetchError count as transient, except cancellation.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == Transient
	}
	return true
}

// ErrNoFetcher is returned by Mux for a source kind nobody serves
var ErrNoFetcher = errors.New("fetch: no fetcher for source kind")

// Mux routes sources to fetchers by kind
type Mux struct {
	mu       sync.RWMutex
	fetchers map[model.SourceKind]Fetcher
	fallback Fetcher
}

// NewMux creates a mux. fallback serves kinds without a registered fetcher
// and may be nil.
func NewMux(fallback Fetcher) *Mux {
	return &Mux{fetchers: make(map[model.SourceKind]Fetcher), fallback: fallback}
}

// Handle registers f for kind
func (m *Mux) Handle(kind model.SourceKind, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[kind] = f
}

// Fetch implements Fetcher
func (m *Mux) Fetch(ctx context.Context, source model.SourceDescriptor, query map[string]string) ([]model.RawDocument, error) {
	m.mu.RLock()
	f, ok := m.fetchers[source.Kind]
	m.mu.RUnlock()
	if !ok {
		f = m.fallback
	}
	if f == nil {
		return nil, PermanentError(source.ID, fmt.Errorf("%w %q", ErrNoFetcher, source.Kind))
	}
	return f.Fetch(ctx, source, query)
}
