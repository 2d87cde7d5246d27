// Package registry keeps the catalog of polled sources.
package registry

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fliws/immortyx/internal/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned for an unknown source id
	ErrNotFound = errors.New("registry: source not found")
	// ErrExists is returned when registering an id twice
	ErrExists = errors.New("registry: source already registered")
)

// Registry holds source descriptors. Everything but the adaptive fields
// and the retire state is immutable after registration.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*model.SourceDescriptor
	now     func() time.Time
	logger  *zap.Logger
}

// New returns an empty registry
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sources: make(map[string]*model.SourceDescriptor),
		now:     time.Now,
		logger:  logger,
	}
}

// Validate checks a descriptor before registration
func Validate(desc model.SourceDescriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("registry: id is required")
	}
	if desc.Kind == "" {
		return fmt.Errorf("registry: kind is required for %s", desc.ID)
	}
	if desc.PollIntervalHint <= 0 {
		return fmt.Errorf("registry: poll interval must be positive for %s", desc.ID)
	}
	if desc.PriorityWeight <= 0 || math.IsNaN(desc.PriorityWeight) {
		return fmt.Errorf("registry: priority weight must be positive for %s", desc.ID)
	}
	if desc.TrustPrior < 0 || desc.TrustPrior > 1 || math.IsNaN(desc.TrustPrior) {
		return fmt.Errorf("registry: trust prior must be in [0,1] for %s", desc.ID)
	}
	return nil
}

// Register adds a source. The registered hint becomes the baseline the
// scheduler decays back toward.
func (r *Registry) Register(desc model.SourceDescriptor) error {
	if err := Validate(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, desc.ID)
	}

	d := desc
	d.BaselineInterval = desc.PollIntervalHint
	d.RegisteredAt = r.now()
	d.Retired = false
	d.RetiredAt = nil
	d.Query = copyQuery(desc.Query)
	r.sources[d.ID] = &d

	r.logger.Info("source registered",
		zap.String("source", d.ID),
		zap.String("kind", string(d.Kind)),
		zap.Duration("interval", d.PollIntervalHint),
		zap.Float64("weight", d.PriorityWeight))
	return nil
}

// Get returns a copy of the descriptor
func (r *Registry) Get(id string) (model.SourceDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.sources[id]
	if !ok {
		return model.SourceDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(d), nil
}

// List returns all sources sorted by id, retired ones included
func (r *Registry) List() []model.SourceDescriptor {
	return r.filter(func(*model.SourceDescriptor) bool { return true })
}

// Active returns the non-retired sources sorted by id
func (r *Registry) Active() []model.SourceDescriptor {
	return r.filter(func(d *model.SourceDescriptor) bool { return !d.Retired })
}

func (r *Registry) filter(keep func(*model.SourceDescriptor) bool) []model.SourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.SourceDescriptor, 0, len(r.sources))
	for _, d := range r.sources {
		if keep(d) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Adapt updates the scheduler-owned fields of a source
func (r *Registry) Adapt(id string, hint time.Duration, weight float64) error {
	if hint <= 0 {
		return fmt.Errorf("registry: adapt %s: interval must be positive", id)
	}
	if weight <= 0 {
		return fmt.Errorf("registry: adapt %s: weight must be positive", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.PollIntervalHint = hint
	d.PriorityWeight = weight
	return nil
}

// Retire excludes a source from scheduling until Restore
func (r *Registry) Retire(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.Retired {
		return nil
	}
	at := r.now()
	d.Retired = true
	d.RetiredAt = &at
	d.RetiredReason = reason

	r.logger.Warn("source retired", zap.String("source", id), zap.String("reason", reason))
	return nil
}

// Restore returns a retired source to scheduling with its baseline interval
func (r *Registry) Restore(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.Retired = false
	d.RetiredAt = nil
	d.RetiredReason = ""
	d.PollIntervalHint = d.BaselineInterval

	r.logger.Info("source restored", zap.String("source", id))
	return nil
}

// Catalog is the on-disk source catalog
type Catalog struct {
	Sources []model.SourceDescriptor `yaml:"sources"`
}

// LoadFile registers every enabled source of a YAML catalog and returns
// how many were added
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("registry: read catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return 0, fmt.Errorf("registry: parse catalog %s: %w", path, err)
	}

	return r.RegisterAll(catalog.Sources)
}

// RegisterAll registers enabled descriptors, stopping at the first error
func (r *Registry) RegisterAll(descs []model.SourceDescriptor) (int, error) {
	n := 0
	for _, desc := range descs {
		if !desc.IsEnabled() {
			r.logger.Debug("source disabled in catalog", zap.String("source", desc.ID))
			continue
		}
		if err := r.Register(desc); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func clone(d *model.SourceDescriptor) model.SourceDescriptor {
	c := *d
	c.Query = copyQuery(d.Query)
	if d.RetiredAt != nil {
		at := *d.RetiredAt
		c.RetiredAt = &at
	}
	return c
}

func copyQuery(q map[string]string) map[string]string {
	if q == nil {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}
