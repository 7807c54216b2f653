package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Count != 0 {
		t.Errorf("expected count 0 (server default), got %d", p.Count)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
	if p.Cursor != "" {
		t.Errorf("expected no cursor, got %q", p.Cursor)
	}
}

func TestFromContext_PagingParams(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?_getpages=abc123&_getpagesoffset=10&_count=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Cursor != "abc123" {
		t.Errorf("expected cursor abc123, got %q", p.Cursor)
	}
	if p.Count != 5 {
		t.Errorf("expected count 5, got %d", p.Count)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?_count=lots&_getpagesoffset=-5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Count != 0 {
		t.Errorf("expected unparseable count to be ignored, got %d", p.Count)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0 for negative input, got %d", p.Offset)
	}
}

func TestParams_HasNext(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		total  int
		want   bool
	}{
		{"more results", Params{Count: 10, Offset: 0}, 25, true},
		{"exact end", Params{Count: 10, Offset: 15}, 25, false},
		{"past end", Params{Count: 10, Offset: 30}, 25, false},
		{"no results", Params{Count: 10, Offset: 0}, 0, false},
		{"last partial page", Params{Count: 10, Offset: 20}, 25, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.HasNext(tt.total); got != tt.want {
				t.Errorf("HasNext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParams_PreviousOffset(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   int
	}{
		{"normal", Params{Count: 10, Offset: 20}, 10},
		{"clamp to zero", Params{Count: 10, Offset: 5}, 0},
		{"exact", Params{Count: 10, Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.PreviousOffset(); got != tt.want {
				t.Errorf("PreviousOffset() = %d, want %d", got, tt.want)
			}
		})
	}
}

func linkMap(links []FHIRLink) map[string]string {
	m := make(map[string]string)
	for _, l := range links {
		m[l.Relation] = l.URL
	}
	return m
}

func TestParams_FHIRLinks_FirstPage(t *testing.T) {
	p := Params{Cursor: "c1", Count: 10, Offset: 0}
	links := linkMap(p.FHIRLinks("http://localhost:8000/fhir", 25))

	if _, ok := links["previous"]; ok {
		t.Error("did not expect 'previous' link on first page")
	}
	expectedSelf := "http://localhost:8000/fhir?_getpages=c1&_getpagesoffset=0&_count=10&_bundletype=searchset"
	if links["self"] != expectedSelf {
		t.Errorf("expected self %q, got %q", expectedSelf, links["self"])
	}
	expectedNext := "http://localhost:8000/fhir?_getpages=c1&_getpagesoffset=10&_count=10&_bundletype=searchset"
	if links["next"] != expectedNext {
		t.Errorf("expected next %q, got %q", expectedNext, links["next"])
	}
}

func TestParams_FHIRLinks_MiddlePage(t *testing.T) {
	p := Params{Cursor: "c1", Count: 10, Offset: 10}
	links := linkMap(p.FHIRLinks("/fhir", 25))

	if _, ok := links["next"]; !ok {
		t.Error("expected 'next' link")
	}
	expectedPrev := "/fhir?_getpages=c1&_getpagesoffset=0&_count=10&_bundletype=searchset"
	if links["previous"] != expectedPrev {
		t.Errorf("expected previous %q, got %q", expectedPrev, links["previous"])
	}
}

func TestParams_FHIRLinks_LastPage(t *testing.T) {
	p := Params{Cursor: "c1", Count: 10, Offset: 20}
	links := linkMap(p.FHIRLinks("/fhir", 25))

	if _, ok := links["next"]; ok {
		t.Error("did not expect 'next' link on last page")
	}
	if _, ok := links["previous"]; !ok {
		t.Error("expected 'previous' link")
	}
}

func TestParams_FHIRLinks_NoResults(t *testing.T) {
	p := Params{Cursor: "c1", Count: 10}
	links := p.FHIRLinks("/fhir", 0)

	if len(links) != 1 {
		t.Fatalf("expected 1 link (self only), got %d", len(links))
	}
	if links[0].Relation != "self" {
		t.Errorf("expected 'self', got %q", links[0].Relation)
	}
}

func TestParams_PageURL_EscapesCursor(t *testing.T) {
	p := Params{Cursor: "a b&c", Count: 5}
	got := p.PageURL("/fhir", 0)
	want := "/fhir?_getpages=a+b%26c&_getpagesoffset=0&_count=5&_bundletype=searchset"
	if got != want {
		t.Errorf("PageURL() = %q, want %q", got, want)
	}
}
