package cursor

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

type shard struct {
	mu      sync.RWMutex
	cursors map[string]*Cursor
}

// MemoryStore keeps cursors in process memory, spread over independently
// locked shards chosen by an FNV-1a hash of the token.
type MemoryStore struct {
	shards []*shard
	mask   uint32
	expiry time.Duration
}

// NewMemoryStore creates a store with shards rounded up to a power of two.
func NewMemoryStore(shards int, expiry time.Duration) *MemoryStore {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	s := &MemoryStore{
		shards: make([]*shard, n),
		mask:   uint32(n - 1),
		expiry: expiry,
	}
	for i := range s.shards {
		s.shards[i] = &shard{cursors: make(map[string]*Cursor)}
	}
	return s
}

// Shards returns the number of shards.
func (s *MemoryStore) Shards() int { return len(s.shards) }

func (s *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()&s.mask]
}

func (s *MemoryStore) Put(_ context.Context, c *Cursor) error {
	cp := *c
	sh := s.shardFor(c.ID)
	sh.mu.Lock()
	sh.cursors[c.ID] = &cp
	sh.mu.Unlock()
	return nil
}

// Get returns a copy of the cursor header; the id slice is shared and must
// not be modified.
func (s *MemoryStore) Get(_ context.Context, id string, now time.Time) (*Cursor, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.cursors[id]
	if !ok || c.Expired(now, s.expiry) {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, now time.Time) (bool, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.cursors[id]
	if !ok || c.Expired(now, s.expiry) {
		return false, nil
	}
	if now.After(c.LastAccess) {
		c.LastAccess = now
	}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.cursors, id)
	sh.mu.Unlock()
	return nil
}

// Sweep walks the shards one at a time, so lookups on other shards proceed.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for id, c := range sh.cursors {
			if c.Expired(now, s.expiry) {
				delete(sh.cursors, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.cursors)
		sh.mu.RUnlock()
	}
	return n, nil
}
