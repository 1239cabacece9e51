// Package resource keeps track of hardware-adjacent handles (processing
// nodes, media streams, device contexts) so that none of them outlive the
// voice session that created them.
//
// Components register what they acquire with a shared [Registry]. Before a
// new session grabs the microphone or speaker again it calls
// [Registry.ForceReleaseAll], which tears down everything still tracked,
// most dependent first, so a quick restart never collides with a device
// still held by the previous session.
package resource

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
)

// ErrNotPointer is returned by [Registry.Register] for a resource that is not
// a pointer.
var ErrNotPointer = errors.New("resource: resource must be a pointer")

// Kind classifies a resource. Kinds are released in ascending order by
// [Registry.ForceReleaseAll]: nodes depend on streams, which depend on
// contexts.
type Kind int

const (
	// KindNode is a processing node (e.g. the PCM transform feeding the
	// uplink).
	KindNode Kind = iota

	// KindStream is a media stream (e.g. an open capture device).
	KindStream

	// KindContext is a device context (e.g. an audio output context).
	KindContext

	numKinds
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindStream:
		return "stream"
	case KindContext:
		return "context"
	default:
		return "unknown"
	}
}

// Resource is anything the registry can release. Identity is the pointer,
// so implementations must be pointer types. Release must be idempotent;
// [Handle] provides that for plain functions.
type Resource interface {
	Kind() Kind
	Release(ctx context.Context) error
}

// Registry tracks live resources. Its tracked set may briefly contain
// handles that were already released by their owners, but it never omits a
// live one as long as owners register right after acquiring.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	seq       uint64
	tracked   map[Resource]uint64 // resource → registration sequence
	onRelease func(Kind, error)
}

// Option configures a [Registry].
type Option func(*Registry)

// WithReleaseHook registers fn to be called after every release performed by
// the registry with the resource kind and the release error (nil on success).
func WithReleaseHook(fn func(Kind, error)) Option {
	return func(r *Registry) {
		r.onRelease = fn
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tracked: make(map[Resource]uint64)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds res to the tracked set. Registering the same resource again
// is a no-op and keeps its original position in release order. A nil res is
// ignored; a non-pointer one is rejected with [ErrNotPointer].
func (r *Registry) Register(res Resource) error {
	if res == nil {
		return nil
	}
	if !isPointer(res) {
		return fmt.Errorf("%w: got %T", ErrNotPointer, res)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[res]; ok {
		return nil
	}
	r.seq++
	r.tracked[res] = r.seq
	return nil
}

// isPointer reports whether res can be used as a map key safely.
func isPointer(res Resource) bool {
	return reflect.ValueOf(res).Kind() == reflect.Pointer
}

// Release removes res from the tracked set and releases it. Releasing a
// resource that is not tracked (never registered, or already released
// through the registry) is a no-op and returns nil.
func (r *Registry) Release(ctx context.Context, res Resource) error {
	if res == nil || !isPointer(res) {
		return nil
	}
	r.mu.Lock()
	_, ok := r.tracked[res]
	delete(r.tracked, res)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.release(ctx, res)
}

// Forget removes res from the tracked set without releasing it. Owners call
// this after releasing a resource themselves.
func (r *Registry) Forget(res Resource) {
	if res == nil || !isPointer(res) {
		return
	}
	r.mu.Lock()
	delete(r.tracked, res)
	r.mu.Unlock()
}

// ForceReleaseAll empties the tracked set and releases every resource it
// held: all nodes, then all streams, then all contexts, each group in
// registration order. Releases run sequentially; each is awaited before the
// next starts. A failing or panicking release does not stop the others. The
// returned error joins every failure.
func (r *Registry) ForceReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	byKind := make([][]entry, numKinds)
	for res, seq := range r.tracked {
		k := res.Kind()
		if k < 0 || k >= numKinds {
			k = KindContext
		}
		byKind[k] = append(byKind[k], entry{res: res, seq: seq})
	}
	clear(r.tracked)
	r.mu.Unlock()

	var errs []error
	total := 0
	for _, group := range byKind {
		sortEntries(group)
		for _, e := range group {
			total++
			if err := r.release(ctx, e.res); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if total > 0 {
		slog.Info("resource: force-released all",
			"count", total,
			"failures", len(errs),
		)
	}
	return errors.Join(errs...)
}

// Len returns the number of tracked resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Count returns the number of tracked resources of kind k.
func (r *Registry) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for res := range r.tracked {
		if res.Kind() == k {
			n++
		}
	}
	return n
}

// release runs res.Release, converting a panic into an error.
func (r *Registry) release(ctx context.Context, res Resource) (err error) {
	kind := res.Kind()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resource: release %s panicked: %v", kind, p)
		}
		if err != nil {
			slog.Warn("resource: release failed", "kind", kind, "error", err)
		}
		if r.onRelease != nil {
			r.onRelease(kind, err)
		}
	}()
	return res.Release(ctx)
}

type entry struct {
	res Resource
	seq uint64
}

func sortEntries(es []entry) {
	slices.SortFunc(es, func(a, b entry) int { return cmp.Compare(a.seq, b.seq) })
}
