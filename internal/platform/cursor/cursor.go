// Package cursor stores search result snapshots so clients can page through
// them. A Cursor's id list is copied on creation and never changes; only its
// last-access time moves forward.
package cursor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenBytes is the number of random bytes in a cursor token.
const TokenBytes = 32

// Cursor is a frozen, ordered search result.
type Cursor struct {
	ID           string
	ResourceType string
	IDs          []string
	PageSize     int
	CreatedAt    time.Time
	LastAccess   time.Time
}

// Total returns the number of ids in the snapshot.
func (c *Cursor) Total() int { return len(c.IDs) }

// Expired reports whether the cursor has not been accessed for expiry.
func (c *Cursor) Expired(now time.Time, expiry time.Duration) bool {
	return now.Sub(c.LastAccess) >= expiry
}

// Slice returns the ids in [offset, offset+count), clipped to the snapshot.
func (c *Cursor) Slice(offset, count int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(c.IDs) || count <= 0 {
		return nil
	}
	end := offset + count
	if end > len(c.IDs) {
		end = len(c.IDs)
	}
	return c.IDs[offset:end]
}

// New builds a cursor with a fresh token over a private copy of ids.
func New(resourceType string, ids []string, pageSize int, now time.Time) (*Cursor, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	snapshot := make([]string, len(ids))
	copy(snapshot, ids)
	return &Cursor{
		ID:           token,
		ResourceType: resourceType,
		IDs:          snapshot,
		PageSize:     pageSize,
		CreatedAt:    now,
		LastAccess:   now,
	}, nil
}

// NewToken returns TokenBytes of crypto/rand entropy, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate cursor token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Store holds cursors until they expire or are released. Implementations
// must be safe for concurrent use and must not hold locks across calls into
// other components.
type Store interface {
	Put(ctx context.Context, c *Cursor) error
	// Get returns the cursor, or nil when it is unknown or expired at now.
	Get(ctx context.Context, id string, now time.Time) (*Cursor, error)
	// Touch moves the last-access time of a live cursor to now. It reports
	// false when the cursor is unknown or expired.
	Touch(ctx context.Context, id string, now time.Time) (bool, error)
	// Release removes a cursor; unknown ids are not an error.
	Release(ctx context.Context, id string) error
	// Sweep removes every cursor expired at now and returns how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Len(ctx context.Context) (int, error)
}
