package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fliws/immortyx/internal/model"
)

// ErrStaleVersion is returned by Put for an entry whose version does not
// exceed the stored one
var ErrStaleVersion = errors.New("consensus: version must increase")

// Store persists consensus entries. Only the engine writes to it.
type Store interface {
	Put(ctx context.Context, entry model.ConsensusEntry) error
	Get(ctx context.Context, topicID string) (model.ConsensusEntry, bool, error)
	List(ctx context.Context) ([]model.ConsensusEntry, error)
	Close() error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]model.ConsensusEntry
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]model.ConsensusEntry)}
}

// Put implements Store
func (m *MemoryStore) Put(ctx context.Context, entry model.ConsensusEntry) error {
	if entry.TopicID == "" {
		return fmt.Errorf("consensus: put: topic id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.entries[entry.TopicID]; ok && entry.Version <= prev.Version {
		return fmt.Errorf("%w: %s v%d <= v%d", ErrStaleVersion, entry.TopicID, entry.Version, prev.Version)
	}
	m.entries[entry.TopicID] = cloneEntry(entry)
	return nil
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, topicID string) (model.ConsensusEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[topicID]
	if !ok {
		return model.ConsensusEntry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

// List implements Store
func (m *MemoryStore) List(ctx context.Context) ([]model.ConsensusEntry, error) {
	m.mu.RLock()
	out := make([]model.ConsensusEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, cloneEntry(e))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TopicID < out[j].TopicID })
	return out, nil
}

// Close implements Store
func (m *MemoryStore) Close() error { return nil }

func cloneEntry(e model.ConsensusEntry) model.ConsensusEntry {
	e.SupportingFactIDs = append([]string(nil), e.SupportingFactIDs...)
	e.Summary.Keywords = append([]string(nil), e.Summary.Keywords...)
	e.Summary.KeyClaims = append([]model.KeyClaim(nil), e.Summary.KeyClaims...)
	e.Summary.Candidates = append([]model.CandidateView(nil), e.Summary.Candidates...)
	return e
}
