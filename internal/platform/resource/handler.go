package resource

import (
	"context"
	"time"
)

// Interaction is a FHIR RESTful interaction code as used in a
// CapabilityStatement.
type Interaction string

const (
	InteractionCreate Interaction = "create"
	InteractionRead   Interaction = "read"
	InteractionVRead  Interaction = "vread"
	InteractionUpdate Interaction = "update"
	InteractionDelete Interaction = "delete"
	InteractionSearch Interaction = "search-type"

	InteractionHistoryInstance Interaction = "history-instance"
)

// Handler is implemented by every resource type handler. The capabilities a
// type supports are expressed by also implementing any of Creator, Reader,
// VersionReader, HistoryReader, Updater, Upserter, Deleter and Searcher.
type Handler interface {
	ResourceType() string
}

// Creator stores a new resource and assigns its id and first version.
type Creator interface {
	Create(ctx context.Context, r Resource) (Ref, error)
}

// Reader returns the current version of a resource, or a NotFound error when
// it does not exist or has been deleted.
type Reader interface {
	Read(ctx context.Context, id string) (Resource, error)
}

// VersionReader returns a specific historical version of a resource.
type VersionReader interface {
	ReadVersion(ctx context.Context, id string, version int) (Resource, error)
}

// HistoryEntry is one version of a resource. Resource is nil for a deletion.
type HistoryEntry struct {
	Version     int
	LastUpdated time.Time
	Method      string // POST, PUT or DELETE
	Resource    Resource
}

// HistoryReader lists every version of one resource, newest first, including
// deletions. An id that never existed yields NotFound.
type HistoryReader interface {
	History(ctx context.Context, id string) ([]HistoryEntry, error)
}

// Updater replaces the current version of a resource. expectedVersion must
// equal the stored version, otherwise a Conflict error is returned. A missing
// id yields NotFound.
type Updater interface {
	Update(ctx context.Context, id string, expectedVersion int, r Resource) (Ref, error)
}

// Upserter creates a resource under a client-assigned id. It backs
// create-on-update.
type Upserter interface {
	CreateWithID(ctx context.Context, id string, r Resource) (Ref, error)
}

// Deleter removes a resource. Deleting an absent or already-deleted id is not
// an error.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Searcher executes a search and returns the complete ordered id sequence.
// The order is defined by the handler and is frozen by the caller.
type Searcher interface {
	SearchParams() []SearchParamDef
	Search(ctx context.Context, req SearchRequest) ([]string, error)
}

// SearchParamDef declares a search parameter a Searcher understands.
type SearchParamDef struct {
	Name          string
	Type          string // string, token, date, reference, number
	Paths         []string
	Documentation string
}

// Interactions returns the interaction codes h supports, in a fixed order.
func Interactions(h Handler) []Interaction {
	var out []Interaction
	if _, ok := h.(Creator); ok {
		out = append(out, InteractionCreate)
	}
	if _, ok := h.(Reader); ok {
		out = append(out, InteractionRead)
	}
	if _, ok := h.(VersionReader); ok {
		out = append(out, InteractionVRead)
	}
	if _, ok := h.(HistoryReader); ok {
		out = append(out, InteractionHistoryInstance)
	}
	if _, ok := h.(Updater); ok {
		out = append(out, InteractionUpdate)
	}
	if _, ok := h.(Deleter); ok {
		out = append(out, InteractionDelete)
	}
	if _, ok := h.(Searcher); ok {
		out = append(out, InteractionSearch)
	}
	return out
}

// CommonSearchParams are understood for every searchable type in addition to
// the parameters a Searcher declares.
var CommonSearchParams = []SearchParamDef{
	{Name: "_id", Type: "token", Paths: []string{"id"}, Documentation: "Logical id of the resource"},
	{Name: "_lastUpdated", Type: "date", Paths: []string{"meta.lastUpdated"}, Documentation: "When the resource version last changed"},
}

// CommonSearchParam returns the common parameter with the given name.
func CommonSearchParam(name string) (SearchParamDef, bool) {
	for _, p := range CommonSearchParams {
		if p.Name == name {
			return p, true
		}
	}
	return SearchParamDef{}, false
}
