// Package storage implements the resource storage backends: an in-memory
// backend for development and tests, and a Postgres backend on pgx that keeps
// every version in resource_history.
package storage

import (
	"context"

	"github.com/dermal/dermal/internal/platform/resource"
)

// Backend is the per-type CRUD + query contract the resource handlers are
// built on. Implementations own their consistency guarantees; Update must
// compare expectedVersion and the stored version atomically.
type Backend interface {
	// Create stores r under id, or under a fresh server-assigned id when id is
	// empty. An existing live id yields a Conflict; a deleted id is revived
	// with the next version.
	Create(ctx context.Context, resourceType, id string, r resource.Resource) (resource.Ref, error)
	Get(ctx context.Context, resourceType, id string) (resource.Resource, error)
	GetVersion(ctx context.Context, resourceType, id string, version int) (resource.Resource, error)
	// History returns every version newest first, deletions included.
	History(ctx context.Context, resourceType, id string) ([]resource.HistoryEntry, error)
	Update(ctx context.Context, resourceType, id string, expectedVersion int, r resource.Resource) (resource.Ref, error)
	// Delete tombstones the resource. Absent or already-deleted ids are not
	// an error.
	Delete(ctx context.Context, resourceType, id string) error
	// Query returns the ids of all live resources of q.ResourceType matching
	// every filter, in q.Sort order.
	Query(ctx context.Context, q Query) ([]string, error)
}

// Filter is a search parameter resolved against its definition. Values holds
// the comma-separated alternatives of one parameter occurrence (OR); separate
// filters are combined with AND.
type Filter struct {
	Name     string
	Type     string
	Paths    []string
	Modifier resource.SearchModifier
	Values   []string
}

// SortField orders query results. Field is "_lastUpdated" or "_id".
type SortField struct {
	Field      string
	Descending bool
}

// DefaultSort is most recently updated first, ties broken by id.
var DefaultSort = []SortField{{Field: "_lastUpdated", Descending: true}, {Field: "_id"}}

// Query describes a search against one resource type.
type Query struct {
	ResourceType string
	Filters      []Filter
	Sort         []SortField
}
