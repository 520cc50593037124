package registry

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bdougie/remaster/internal/metrics"
	"github.com/bdougie/remaster/internal/models"
)

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("registry closed")

// Capability is a loaded model. Apply must not modify img and must return a
// freshly allocated buffer scaled by the given factor. Implementations are
// shared between goroutines.
type Capability interface {
	Apply(ctx context.Context, img *image.NRGBA, scale int) (*image.NRGBA, error)
}

// Factory loads the capability for a descriptor.
type Factory func(ctx context.Context, d models.ModelDescriptor) (Capability, error)

type entry struct {
	desc    models.ModelDescriptor
	factory Factory
}

// Registry maps model identifiers to lazily loaded capabilities. Each model
// is loaded at most once; concurrent first resolutions share one load.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
	loaded  map[string]Capability
	closed  bool

	loads singleflight.Group
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		entries: make(map[string]entry),
		loaded:  make(map[string]Capability),
	}
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds a model. Registering the same identifier twice is an error.
func (r *Registry) Register(d models.ModelDescriptor, f Factory) error {
	id := normalize(d.ID)
	if id == "" {
		return fmt.Errorf("register model: empty identifier")
	}
	if f == nil {
		return fmt.Errorf("register model %s: nil factory", id)
	}
	if d.Scale < 1 {
		return fmt.Errorf("register model %s: scale must be at least 1", id)
	}
	d.ID = id

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[id]; dup {
		return fmt.Errorf("register model %s: already registered", id)
	}
	r.entries[id] = entry{desc: d, factory: f}
	return nil
}

// Descriptor returns the descriptor registered under id.
func (r *Registry) Descriptor(id string) (models.ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(id)]
	if !ok {
		return models.ModelDescriptor{}, fmt.Errorf("%w: %q", models.ErrModelNotFound, id)
	}
	return e.desc, nil
}

// Descriptors lists every registered model sorted by identifier.
func (r *Registry) Descriptors() []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ModelDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Loaded reports whether id has a cached capability.
func (r *Registry) Loaded(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[normalize(id)]
	return ok
}

// Resolve returns the capability for id, loading it on first use. A failed
// load is not cached.
func (r *Registry) Resolve(ctx context.Context, id string) (Capability, error) {
	id = normalize(id)

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	if c, ok := r.loaded[id]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrModelNotFound, id)
	}

	// The load outlives any single caller, so it must not inherit one
	// caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := r.loads.Do(id, func() (any, error) {
		r.mu.RLock()
		c, ok := r.loaded[id]
		r.mu.RUnlock()
		if ok {
			return c, nil
		}

		r.logger.Info("loading model", "model", id, "weights", e.desc.Weights)
		c, err := e.factory(loadCtx, e.desc)
		if err != nil {
			metrics.ModelLoads.WithLabelValues(id, "error").Inc()
			if errors.Is(err, models.ErrModelLoad) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", models.ErrModelLoad, id, err)
		}
		if c == nil {
			metrics.ModelLoads.WithLabelValues(id, "error").Inc()
			return nil, fmt.Errorf("%w: %s: factory returned no capability", models.ErrModelLoad, id)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			closeCapability(c)
			return nil, ErrClosed
		}
		r.loaded[id] = c
		metrics.ModelLoads.WithLabelValues(id, "ok").Inc()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Capability), nil
}

// Close releases every loaded capability. Resolve fails afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for id, c := range r.loaded {
		if err := closeCapability(c); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
		delete(r.loaded, id)
	}
	return errors.Join(errs...)
}

func closeCapability(c Capability) error {
	if cl, ok := c.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
