package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/shehryarbajwa/invigilator/internal/capture"
)

// Kind names a capture source
type Kind string

const (
	KindChrome  Kind = "chrome"
	KindDesktop Kind = "desktop"
)

// imageEnsurer is implemented by sources that need a container image.
type imageEnsurer interface {
	EnsureImage(ctx context.Context) error
}

// Registry maps source kinds to capture sources
type Registry struct {
	sources  map[Kind]capture.Source
	fallback Kind
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry that routes unknown kinds to fallback
func NewRegistry(fallback Kind) *Registry {
	return &Registry{
		sources:  make(map[Kind]capture.Source),
		fallback: fallback,
	}
}

// Register adds or replaces the source for kind
func (r *Registry) Register(kind Kind, src capture.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = src
}

// Get returns the source for a specific kind
func (r *Registry) Get(kind Kind) (capture.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, exists := r.sources[kind]
	if !exists {
		return nil, fmt.Errorf("unsupported source: %s", kind)
	}

	return src, nil
}

// Route picks the registered kind for a request, falling back to the default
func (r *Registry) Route(requested string) Kind {
	kind := Kind(requested)

	r.mu.RLock()
	_, exists := r.sources[kind]
	r.mu.RUnlock()

	if exists {
		return kind
	}

	return r.fallback
}

// EnsureImages prepares every source that runs from a container image
func (r *Registry) EnsureImages(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for kind, src := range r.sources {
		e, ok := src.(imageEnsurer)
		if !ok {
			continue
		}
		if err := e.EnsureImage(ctx); err != nil {
			return fmt.Errorf("failed to prepare %s source: %w", kind, err)
		}
	}

	return nil
}

// Kinds returns all registered kinds, sorted
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.sources))
	for kind := range r.sources {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	return kinds
}

// Close closes every source that holds resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, src := range r.sources {
		c, ok := src.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
