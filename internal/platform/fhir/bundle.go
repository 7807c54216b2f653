package fhir

import (
	"net/http"
	"time"

	"github.com/dermal/dermal/internal/platform/dispatch"
	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource interface{}     `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// BundleRequest records the interaction that produced a history entry.
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleResponse records the outcome of a history entry's interaction.
type BundleResponse struct {
	Status       string `json:"status"`
	Etag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// SearchBundleParams holds the link information for a searchset.
type SearchBundleParams struct {
	// BaseURL is the server base, e.g. "http://localhost:8000/fhir".
	BaseURL string
	// SelfURL overrides the self link; the first page of a search links to
	// the search request itself.
	SelfURL string
	Now     time.Time
}

// NewSearchBundle creates a searchset Bundle from a page. The Bundle id is
// the cursor id, so clients can correlate pages of one search. Paging links
// address the cursor with _getpages / _getpagesoffset / _count.
func NewSearchBundle(page *dispatch.Page, params SearchBundleParams) *Bundle {
	now := params.Now.UTC()
	total := page.Total

	entries := make([]BundleEntry, 0, len(page.Resources)+1)
	for _, r := range page.Resources {
		entries = append(entries, BundleEntry{
			FullURL:  FullURL(params.BaseURL, r),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	if len(page.Omitted) > 0 {
		outcome := NewOperationOutcome(IssueSeverityWarning, IssueTypeNotFound,
			"some resources matched by this search no longer exist and were omitted from the page")
		entries = append(entries, BundleEntry{
			Resource: outcome,
			Search:   &BundleSearch{Mode: "outcome"},
		})
	}

	pg := pagination.Params{Cursor: page.CursorID, Count: page.Count, Offset: page.Offset}
	var links []BundleLink
	for _, l := range pg.FHIRLinks(params.BaseURL, page.Total) {
		if l.Relation == "self" && params.SelfURL != "" {
			l.URL = params.SelfURL
		}
		links = append(links, BundleLink{Relation: l.Relation, URL: l.URL})
	}

	return &Bundle{
		ResourceType: "Bundle",
		ID:           page.CursorID,
		Type:         "searchset",
		Timestamp:    &now,
		Total:        &total,
		Link:         links,
		Entry:        entries,
	}
}

// historyStatus is the response status recorded for each history method.
var historyStatus = map[string]string{
	http.MethodPost:   "201 Created",
	http.MethodPut:    "200 OK",
	http.MethodDelete: "204 No Content",
}

// NewHistoryBundle creates a history Bundle for one resource. Entries keep
// the newest-first order of versions; a deletion has a request and response
// but no resource.
func NewHistoryBundle(resourceType, id string, versions []resource.HistoryEntry, baseURL string, now time.Time) *Bundle {
	now = now.UTC()
	total := len(versions)
	ref := FormatReference(resourceType, id)

	entries := make([]BundleEntry, 0, len(versions))
	for _, v := range versions {
		entry := BundleEntry{
			FullURL: baseURL + "/" + ref,
			Request: &BundleRequest{Method: v.Method, URL: ref},
			Response: &BundleResponse{
				Status:       historyStatus[v.Method],
				Etag:         FormatETag(v.Version),
				LastModified: v.LastUpdated.UTC().Format(time.RFC3339Nano),
			},
		}
		if v.Method == http.MethodPost {
			entry.Request.URL = resourceType
		}
		if v.Resource != nil {
			entry.Resource = v.Resource
		}
		entries = append(entries, entry)
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Timestamp:    &now,
		Total:        &total,
		Link:         []BundleLink{{Relation: "self", URL: baseURL + "/" + ref + "/_history"}},
		Entry:        entries,
	}
}

// FullURL builds the absolute URL of a resource from its type and id.
func FullURL(baseURL string, r resource.Resource) string {
	rt, id := r.Type(), r.ID()
	if rt == "" || id == "" {
		return ""
	}
	return baseURL + "/" + FormatReference(rt, id)
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
