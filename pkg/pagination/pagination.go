// Package pagination parses the FHIR paging parameters (_count,
// _getpages, _getpagesoffset) and builds the paging links of a searchset.
package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Paging parameter names. _getpages carries a search cursor id and
// _getpagesoffset the index of the first entry of the page.
const (
	ParamCount      = "_count"
	ParamGetPages   = "_getpages"
	ParamPageOffset = "_getpagesoffset"
)

// Params holds pagination parameters extracted from a request. A Count of 0
// means the server default.
type Params struct {
	Cursor string
	Count  int
	Offset int
}

// FromQuery extracts pagination parameters from decoded query values.
// Unparseable numbers are treated as absent.
func FromQuery(q url.Values) Params {
	count, _ := strconv.Atoi(q.Get(ParamCount))
	if count < 0 {
		count = 0
	}
	offset, _ := strconv.Atoi(q.Get(ParamPageOffset))
	if offset < 0 {
		offset = 0
	}
	return Params{Cursor: q.Get(ParamGetPages), Count: count, Offset: offset}
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	return FromQuery(c.QueryParams())
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Count < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Count
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Count
	if prev < 0 {
		return 0
	}
	return prev
}

// PageURL returns the URL of the page at offset within the cursor.
func (p Params) PageURL(baseURL string, offset int) string {
	return fmt.Sprintf("%s?%s=%s&%s=%d&%s=%d&_bundletype=searchset",
		baseURL,
		ParamGetPages, url.QueryEscape(p.Cursor),
		ParamPageOffset, offset,
		ParamCount, p.Count)
}

// FHIRLinks generates the Bundle paging links for the page p describes.
// baseURL is the server base (e.g. "http://localhost:8000/fhir").
func (p Params) FHIRLinks(baseURL string, total int) []FHIRLink {
	links := []FHIRLink{
		{Relation: "self", URL: p.PageURL(baseURL, p.Offset)},
	}

	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: p.PageURL(baseURL, p.NextOffset())})
	}

	if p.HasPrevious() {
		links = append(links, FHIRLink{Relation: "previous", URL: p.PageURL(baseURL, p.PreviousOffset())})
	}

	return links
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
