package storage

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dermal/dermal/internal/platform/resource"
)

type memRecord struct {
	versions    []resource.Resource // versions[i] is version i+1; nil marks a deletion
	stamps      []time.Time
	deleted     bool
	lastUpdated time.Time
}

func (m *memRecord) current() int { return len(m.versions) }

// MemoryBackend keeps every resource version in process memory. It is safe
// for concurrent use.
type MemoryBackend struct {
	mu    sync.RWMutex
	types map[string]map[string]*memRecord
	now   func() time.Time
	newID func() string
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock replaces the clock used for meta.lastUpdated.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) { b.now = now }
}

// WithIDGenerator replaces the server-assigned id generator.
func WithIDGenerator(gen func() string) MemoryOption {
	return func(b *MemoryBackend) { b.newID = gen }
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		types: make(map[string]map[string]*memRecord),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *MemoryBackend) table(resourceType string) map[string]*memRecord {
	t, ok := b.types[resourceType]
	if !ok {
		t = make(map[string]*memRecord)
		b.types[resourceType] = t
	}
	return t
}

// monotonic returns a timestamp strictly after prev so the default sort stays
// stable under a coarse clock.
func (b *MemoryBackend) monotonic(prev time.Time) time.Time {
	t := b.now()
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func (b *MemoryBackend) Create(ctx context.Context, resourceType, id string, r resource.Resource) (resource.Ref, error) {
	if err := ctx.Err(); err != nil {
		return resource.Ref{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == "" {
		id = b.newID()
	}
	t := b.table(resourceType)
	rec, exists := t[id]
	if exists && !rec.deleted {
		return resource.Ref{}, resource.AlreadyExists(resourceType, id)
	}
	if !exists {
		rec = &memRecord{}
		t[id] = rec
	}
	ref := resource.Ref{ID: id, Version: rec.current() + 1, LastUpdated: b.monotonic(rec.lastUpdated)}
	b.store(rec, resourceType, ref, r)
	return ref, nil
}

func (b *MemoryBackend) store(rec *memRecord, resourceType string, ref resource.Ref, r resource.Resource) {
	cp := r.Clone()
	if cp == nil {
		cp = resource.Resource{}
	}
	cp.Stamp(resourceType, ref)
	rec.versions = append(rec.versions, cp)
	rec.stamps = append(rec.stamps, ref.LastUpdated)
	rec.deleted = false
	rec.lastUpdated = ref.LastUpdated
}

func (b *MemoryBackend) Get(ctx context.Context, resourceType, id string) (resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.types[resourceType][id]
	if !ok || rec.deleted {
		return nil, resource.NotFound(resourceType, id)
	}
	return rec.versions[len(rec.versions)-1].Clone(), nil
}

func (b *MemoryBackend) GetVersion(ctx context.Context, resourceType, id string, version int) (resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.types[resourceType][id]
	if !ok || version < 1 || version > len(rec.versions) || rec.versions[version-1] == nil {
		return nil, resource.VersionNotFound(resourceType, id, version)
	}
	return rec.versions[version-1].Clone(), nil
}

func (b *MemoryBackend) Update(ctx context.Context, resourceType, id string, expectedVersion int, r resource.Resource) (resource.Ref, error) {
	if err := ctx.Err(); err != nil {
		return resource.Ref{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.types[resourceType][id]
	if !ok || rec.deleted {
		return resource.Ref{}, resource.NotFound(resourceType, id)
	}
	if cur := rec.current(); expectedVersion != cur {
		return resource.Ref{}, resource.Conflict(resourceType, id, expectedVersion, cur)
	}
	ref := resource.Ref{ID: id, Version: rec.current() + 1, LastUpdated: b.monotonic(rec.lastUpdated)}
	b.store(rec, resourceType, ref, r)
	return ref, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, resourceType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.types[resourceType][id]
	if !ok || rec.deleted {
		return nil
	}
	rec.versions = append(rec.versions, nil)
	rec.deleted = true
	rec.lastUpdated = b.monotonic(rec.lastUpdated)
	rec.stamps = append(rec.stamps, rec.lastUpdated)
	return nil
}

func (b *MemoryBackend) History(ctx context.Context, resourceType, id string) ([]resource.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.types[resourceType][id]
	if !ok {
		return nil, resource.NotFound(resourceType, id)
	}
	out := make([]resource.HistoryEntry, 0, len(rec.versions))
	for i := len(rec.versions) - 1; i >= 0; i-- {
		e := resource.HistoryEntry{Version: i + 1, LastUpdated: rec.stamps[i]}
		switch {
		case rec.versions[i] == nil:
			e.Method = http.MethodDelete
		case i == 0 || rec.versions[i-1] == nil:
			e.Method = http.MethodPost
			e.Resource = rec.versions[i].Clone()
		default:
			e.Method = http.MethodPut
			e.Resource = rec.versions[i].Clone()
		}
		out = append(out, e)
	}
	return out, nil
}

type memHit struct {
	id          string
	lastUpdated time.Time
}

func (b *MemoryBackend) Query(ctx context.Context, q Query) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	var hits []memHit
	for id, rec := range b.types[q.ResourceType] {
		if rec.deleted {
			continue
		}
		if Matches(rec.versions[len(rec.versions)-1], q.Filters) {
			hits = append(hits, memHit{id: id, lastUpdated: rec.lastUpdated})
		}
	}
	b.mu.RUnlock()

	order := q.Sort
	if len(order) == 0 {
		order = DefaultSort
	}
	sort.SliceStable(hits, func(i, j int) bool {
		for _, s := range order {
			var c int
			switch s.Field {
			case "_lastUpdated":
				c = hits[i].lastUpdated.Compare(hits[j].lastUpdated)
			default:
				c = strings.Compare(hits[i].id, hits[j].id)
			}
			if s.Descending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// Len returns the number of live resources of resourceType.
func (b *MemoryBackend) Len(resourceType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, rec := range b.types[resourceType] {
		if !rec.deleted {
			n++
		}
	}
	return n
}
