// Package registry maps resource type names to their handlers. A Registry is
// written during startup and frozen before the server accepts traffic; after
// Freeze it is read without any locking.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dermal/dermal/internal/platform/resource"
)

// Entry is the registry record for one resource type. Capability handles are
// resolved once at registration so dispatch does not repeat type assertions.
type Entry struct {
	Type         string
	Handler      resource.Handler
	Interactions []resource.Interaction
	SearchParams []resource.SearchParamDef

	Creator       resource.Creator
	Reader        resource.Reader
	VersionReader resource.VersionReader
	HistoryReader resource.HistoryReader
	Updater       resource.Updater
	Upserter      resource.Upserter
	Deleter       resource.Deleter
	Searcher      resource.Searcher
}

// Supports reports whether the entry supports interaction i.
func (e *Entry) Supports(i resource.Interaction) bool {
	for _, have := range e.Interactions {
		if have == i {
			return true
		}
	}
	return false
}

// SearchParam returns the declared search parameter with the given name.
func (e *Entry) SearchParam(name string) (resource.SearchParamDef, bool) {
	for _, p := range e.SearchParams {
		if p.Name == name {
			return p, true
		}
	}
	return resource.SearchParamDef{}, false
}

// Registry is a register-then-freeze mapping of resource type names to
// entries.
type Registry struct {
	mu      sync.Mutex
	staging map[string]*Entry

	frozen  atomic.Bool
	entries map[string]*Entry // immutable once frozen is set
	types   []string
}

// New creates an empty, unfrozen registry.
func New() *Registry {
	return &Registry{staging: make(map[string]*Entry)}
}

// Register binds h under h.ResourceType().
func (r *Registry) Register(h resource.Handler) error {
	if h == nil {
		return fmt.Errorf("register: nil handler")
	}
	name := h.ResourceType()
	if name == "" {
		return fmt.Errorf("register: handler has an empty resource type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("register %s: registry is frozen", name)
	}
	if _, exists := r.staging[name]; exists {
		return resource.DuplicateRegistration(name)
	}
	r.staging[name] = newEntry(name, h)
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(handlers ...resource.Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

func newEntry(name string, h resource.Handler) *Entry {
	e := &Entry{
		Type:         name,
		Handler:      h,
		Interactions: resource.Interactions(h),
	}
	e.Creator, _ = h.(resource.Creator)
	e.Reader, _ = h.(resource.Reader)
	e.VersionReader, _ = h.(resource.VersionReader)
	e.HistoryReader, _ = h.(resource.HistoryReader)
	e.Updater, _ = h.(resource.Updater)
	e.Upserter, _ = h.(resource.Upserter)
	e.Deleter, _ = h.(resource.Deleter)
	e.Searcher, _ = h.(resource.Searcher)
	if e.Searcher != nil {
		params := e.Searcher.SearchParams()
		e.SearchParams = make([]resource.SearchParamDef, len(params))
		copy(e.SearchParams, params)
	}
	return e
}

// Freeze ends the startup phase. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return
	}
	types := make([]string, 0, len(r.staging))
	for name := range r.staging {
		types = append(types, name)
	}
	sort.Strings(types)
	r.entries = r.staging
	r.types = types
	r.staging = nil
	r.frozen.Store(true)
}

// Lookup returns the entry for typeName, or an UnknownResourceType error.
func (r *Registry) Lookup(typeName string) (*Entry, error) {
	if r.frozen.Load() {
		if e, ok := r.entries[typeName]; ok {
			return e, nil
		}
		return nil, resource.UnknownResourceType(typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		if e, ok := r.entries[typeName]; ok {
			return e, nil
		}
	} else if e, ok := r.staging[typeName]; ok {
		return e, nil
	}
	return nil, resource.UnknownResourceType(typeName)
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	if r.frozen.Load() {
		out := make([]string, len(r.types))
		copy(out, r.types)
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.staging))
	for name := range r.staging {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Entries returns the entries sorted by type name.
func (r *Registry) Entries() []*Entry {
	names := r.Types()
	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		if e, err := r.Lookup(name); err == nil {
			out = append(out, e)
		}
	}
	return out
}
