package resource

import (
	"context"
	"fmt"
	"sync"
)

// Handle adapts a release function into a [Resource] that runs it at most
// once. Later calls to Release return the first call's error.
type Handle struct {
	kind Kind
	name string
	fn   func(ctx context.Context) error

	once     sync.Once
	mu       sync.Mutex
	released bool
	err      error
}

// NewHandle creates a handle of the given kind. name appears in logs.
func NewHandle(kind Kind, name string, release func(ctx context.Context) error) *Handle {
	return &Handle{kind: kind, name: name, fn: release}
}

// Kind implements [Resource].
func (h *Handle) Kind() Kind { return h.kind }

// Name returns the handle's label.
func (h *Handle) Name() string { return h.name }

// Release implements [Resource].
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("resource: release %s panicked: %v", h, p)
			}
			h.mu.Lock()
			h.released = true
			h.err = err
			h.mu.Unlock()
		}()
		if h.fn != nil {
			err = h.fn(ctx)
		}
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// String returns "kind/name".
func (h *Handle) String() string {
	return h.kind.String() + "/" + h.name
}
