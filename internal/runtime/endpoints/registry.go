// Package endpoints holds the named request handlers of a graph. A name maps
// to at most one handler at a time.
package endpoints

import (
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	"github.com/drblury/spinflow/internal/runtime/topics"
)

// Token proves ownership of a registration so that only the owner can remove it.
type Token uint64

type registration[H any] struct {
	token   Token
	handler H
}

// Registry is safe for concurrent use.
type Registry[H any] struct {
	mu        sync.RWMutex
	lastToken Token
	entries   map[string]registration[H]
}

// NewRegistry creates an empty registry.
func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{entries: make(map[string]registration[H])}
}

// Serve registers handler under name. A second registration on the same
// name fails with ErrDuplicateEndpoint and leaves the first one in place.
func (r *Registry[H]) Serve(name string, handler H) (Token, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return 0, fmt.Errorf("%w: %q", errspkg.ErrDuplicateEndpoint, name)
	}
	r.lastToken++
	r.entries[name] = registration[H]{token: r.lastToken, handler: handler}
	return r.lastToken, nil
}

// Lookup returns the handler currently serving name.
func (r *Registry[H]) Lookup(name string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[name]
	return reg.handler, ok
}

// Remove unregisters name if token still owns it.
func (r *Registry[H]) Remove(name string, token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[name]
	if !ok || reg.token != token {
		return false
	}
	delete(r.entries, name)
	return true
}

// Names returns the sorted endpoint names.
func (r *Registry[H]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateName applies the topic naming rules to endpoint names.
func ValidateName(name string) error {
	if topics.ValidateName(name) != nil {
		return fmt.Errorf("%w: %q", errspkg.ErrInvalidEndpointName, name)
	}
	return nil
}
