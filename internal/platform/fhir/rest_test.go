package fhir

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dermal/dermal/internal/platform/cursor"
	"github.com/dermal/dermal/internal/platform/dispatch"
	"github.com/dermal/dermal/internal/platform/registry"
	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/internal/platform/storage"
)

const testBase = "http://example.test/fhir"

func newTestServer(t *testing.T, cfg dispatch.Config) *echo.Echo {
	t.Helper()
	backend := storage.NewMemoryBackend()
	reg := registry.New()
	reg.MustRegister(storage.NewRepo(backend, "Patient", []resource.SearchParamDef{
		{Name: "family", Type: "string", Paths: []string{"name.family"}},
	}))
	reg.Freeze()

	d := dispatch.New(reg, cursor.NewMemoryStore(4, time.Hour), cfg, zerolog.Nop())
	caps := NewCapabilityBuilder(reg, CapabilityConfig{UpdateCreate: cfg.AllowUpdateCreate})
	h := NewHandler(d, caps, testBase, zerolog.Nop())

	e := echo.New()
	g := e.Group("/fhir", FHIRCORSMiddleware(), ContentNegotiationMiddleware())
	h.RegisterRoutes(g)
	return e
}

func do(e *echo.Echo, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type testBundle struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	Total        int    `json:"total"`
	Link         []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		FullURL  string                 `json:"fullUrl"`
		Resource map[string]interface{} `json:"resource"`
		Search   struct {
			Mode string `json:"mode"`
		} `json:"search"`
	} `json:"entry"`
}

func (b testBundle) link(rel string) string {
	for _, l := range b.Link {
		if l.Relation == rel {
			return l.URL
		}
	}
	return ""
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
}

func outcomeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var oo OperationOutcome
	decode(t, rec, &oo)
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) == 0 {
		t.Fatalf("expected OperationOutcome, got %s", rec.Body.String())
	}
	return oo.Issue[0].Code
}

func createPatient(t *testing.T, e *echo.Echo, family string) string {
	t.Helper()
	rec := do(e, http.MethodPost, "/fhir/Patient",
		fmt.Sprintf(`{"resourceType":"Patient","name":[{"family":%q}]}`, family), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var p map[string]interface{}
	decode(t, rec, &p)
	return p["id"].(string)
}

func TestREST_Metadata(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	rec := do(e, http.MethodGet, "/fhir/metadata", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != FHIRContentType {
		t.Errorf("expected content type %q, got %q", FHIRContentType, ct)
	}

	var cs map[string]interface{}
	decode(t, rec, &cs)
	if cs["resourceType"] != "CapabilityStatement" {
		t.Fatalf("expected CapabilityStatement, got %v", cs["resourceType"])
	}
	impl := cs["implementation"].(map[string]interface{})
	if impl["description"] != DefaultDescription {
		t.Errorf("expected description %q, got %v", DefaultDescription, impl["description"])
	}
	resources := cs["rest"].([]interface{})[0].(map[string]interface{})["resource"].([]interface{})
	if len(resources) != 1 || resources[0].(map[string]interface{})["type"] != "Patient" {
		t.Fatalf("expected only Patient, got %v", resources)
	}
}

func TestREST_CreateRead(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})

	rec := do(e, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient","name":[{"family":"Smith"}]}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]interface{}
	decode(t, rec, &created)
	id := created["id"].(string)

	wantLoc := testBase + "/Patient/" + id + "/_history/1"
	if loc := rec.Header().Get("Location"); loc != wantLoc {
		t.Errorf("expected Location %q, got %q", wantLoc, loc)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf(`expected ETag W/"1", got %q`, etag)
	}

	rec = do(e, http.MethodGet, "/fhir/Patient/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("expected Last-Modified header")
	}
	var got map[string]interface{}
	decode(t, rec, &got)
	family := got["name"].([]interface{})[0].(map[string]interface{})["family"]
	if family != "Smith" {
		t.Errorf("expected family Smith, got %v", family)
	}

	rec = do(e, http.MethodGet, "/fhir/Patient/"+id, "", map[string]string{"If-None-Match": `W/"1"`})
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304 for matching If-None-Match, got %d", rec.Code)
	}
}

func TestREST_PreferMinimal(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	rec := do(e, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient"}`,
		map[string]string{"Prefer": "return=minimal"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %s", rec.Body.String())
	}
	if rec.Header().Get("Location") == "" {
		t.Error("expected Location header")
	}
}

func TestREST_UpdateVersioning(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	id := createPatient(t, e, "Smith")
	body := fmt.Sprintf(`{"resourceType":"Patient","id":%q,"name":[{"family":"Jones"}]}`, id)

	rec := do(e, http.MethodPut, "/fhir/Patient/"+id, body, map[string]string{"If-Match": `W/"1"`})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"2"` {
		t.Errorf(`expected ETag W/"2", got %q`, etag)
	}

	rec = do(e, http.MethodPut, "/fhir/Patient/"+id, body, map[string]string{"If-Match": `W/"1"`})
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("expected 412 for stale If-Match, got %d", rec.Code)
	}

	stale := fmt.Sprintf(`{"resourceType":"Patient","id":%q,"meta":{"versionId":"1"}}`, id)
	rec = do(e, http.MethodPut, "/fhir/Patient/"+id, stale, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for stale meta.versionId, got %d", rec.Code)
	}
	if code := outcomeCode(t, rec); code != IssueTypeConflict {
		t.Errorf("expected issue code conflict, got %q", code)
	}

	rec = do(e, http.MethodPut, "/fhir/Patient/"+id, body, map[string]string{"If-Match": "abc"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed If-Match, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/fhir/Patient/"+id+"/_history/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("vread: expected 200, got %d", rec.Code)
	}
	var v1 map[string]interface{}
	decode(t, rec, &v1)
	if v1["name"].([]interface{})[0].(map[string]interface{})["family"] != "Smith" {
		t.Errorf("expected version 1 to keep family Smith, got %v", v1["name"])
	}

	rec = do(e, http.MethodGet, "/fhir/Patient/"+id+"/_history/x", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric version, got %d", rec.Code)
	}
}

func TestREST_UpdateMissing(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	rec := do(e, http.MethodPut, "/fhir/Patient/new-1", `{"resourceType":"Patient","id":"new-1"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without create-on-update, got %d", rec.Code)
	}

	e = newTestServer(t, dispatch.Config{AllowUpdateCreate: true})
	rec = do(e, http.MethodPut, "/fhir/Patient/new-1", `{"resourceType":"Patient","id":"new-1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with create-on-update, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != testBase+"/Patient/new-1/_history/1" {
		t.Errorf("unexpected Location %q", loc)
	}
}

func TestREST_DeleteIdempotent(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	id := createPatient(t, e, "Smith")

	for i := 0; i < 2; i++ {
		rec := do(e, http.MethodDelete, "/fhir/Patient/"+id, "", nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("delete %d: expected 204, got %d", i, rec.Code)
		}
	}
	rec := do(e, http.MethodGet, "/fhir/Patient/"+id, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestREST_History(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	id := createPatient(t, e, "Smith")
	body := fmt.Sprintf(`{"resourceType":"Patient","id":%q,"name":[{"family":"Jones"}]}`, id)
	if rec := do(e, http.MethodPut, "/fhir/Patient/"+id, body, map[string]string{"If-Match": `W/"1"`}); rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/fhir/Patient/"+id, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	rec := do(e, http.MethodGet, "/fhir/Patient/"+id+"/_history", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var b struct {
		Type  string `json:"type"`
		Total int    `json:"total"`
		Entry []struct {
			Resource map[string]interface{} `json:"resource"`
			Request  struct {
				Method string `json:"method"`
				URL    string `json:"url"`
			} `json:"request"`
			Response struct {
				Status string `json:"status"`
				Etag   string `json:"etag"`
			} `json:"response"`
		} `json:"entry"`
	}
	decode(t, rec, &b)
	if b.Type != "history" || b.Total != 3 || len(b.Entry) != 3 {
		t.Fatalf("expected a history Bundle of 3, got %s/%d/%d", b.Type, b.Total, len(b.Entry))
	}
	want := []struct{ method, etag, status string }{
		{"DELETE", `W/"3"`, "204 No Content"},
		{"PUT", `W/"2"`, "200 OK"},
		{"POST", `W/"1"`, "201 Created"},
	}
	for i, w := range want {
		got := b.Entry[i]
		if got.Request.Method != w.method || got.Response.Etag != w.etag || got.Response.Status != w.status {
			t.Errorf("entry %d: got %s %s %s, want %s %s %s", i,
				got.Request.Method, got.Response.Etag, got.Response.Status, w.method, w.etag, w.status)
		}
	}
	if b.Entry[0].Resource != nil {
		t.Error("expected no resource on the deletion entry")
	}
	if b.Entry[2].Request.URL != "Patient" || b.Entry[1].Request.URL != "Patient/"+id {
		t.Errorf("unexpected request urls %q %q", b.Entry[2].Request.URL, b.Entry[1].Request.URL)
	}

	rec = do(e, http.MethodGet, "/fhir/Patient/missing/_history", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown id, got %d", rec.Code)
	}
}

func TestREST_Errors(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
		code   string
	}{
		{"unknown type", http.MethodGet, "/fhir/Nope/1", "", http.StatusNotFound, IssueTypeNotSupported},
		{"missing id", http.MethodGet, "/fhir/Patient/missing", "", http.StatusNotFound, IssueTypeNotFound},
		{"unknown search param", http.MethodGet, "/fhir/Patient?shoe-size=9", "", http.StatusBadRequest, IssueTypeInvalid},
		{"bad modifier", http.MethodGet, "/fhir/Patient?family:not=x", "", http.StatusBadRequest, IssueTypeInvalid},
		{"malformed json", http.MethodPost, "/fhir/Patient", `{"resourceType":`, http.StatusBadRequest, IssueTypeStructure},
		{"type mismatch", http.MethodPost, "/fhir/Patient", `{"resourceType":"Observation"}`, http.StatusUnprocessableEntity, IssueTypeInvalid},
		{"unknown cursor", http.MethodGet, "/fhir?_getpages=deadbeef", "", http.StatusGone, IssueTypeExpired},
		{"missing cursor", http.MethodGet, "/fhir", "", http.StatusBadRequest, IssueTypeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.method, tt.target, tt.body, nil)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if code := outcomeCode(t, rec); code != tt.code {
				t.Errorf("expected issue code %q, got %q", tt.code, code)
			}
		})
	}
}

func TestREST_SearchPaging(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	for i := 0; i < 25; i++ {
		createPatient(t, e, fmt.Sprintf("Family%02d", i))
	}

	rec := do(e, http.MethodGet, "/fhir/Patient?_count=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var b testBundle
	decode(t, rec, &b)
	if b.Type != "searchset" || b.Total != 25 || len(b.Entry) != 10 {
		t.Fatalf("expected searchset of 25 with 10 entries, got %s total=%d entries=%d", b.Type, b.Total, len(b.Entry))
	}
	if self := b.link("self"); self != testBase+"/Patient?_count=10" {
		t.Errorf("unexpected self link %q", self)
	}
	// newest first
	if got := b.Entry[0].Resource["name"].([]interface{})[0].(map[string]interface{})["family"]; got != "Family24" {
		t.Errorf("expected Family24 first, got %v", got)
	}

	seen := map[string]bool{}
	for _, en := range b.Entry {
		seen[en.FullURL] = true
	}
	sizes := []int{10}
	next := b.link("next")
	for next != "" {
		rec = do(e, http.MethodGet, next, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("page %s: expected 200, got %d", next, rec.Code)
		}
		var p testBundle
		decode(t, rec, &p)
		if p.ID != b.ID {
			t.Errorf("expected every page to carry cursor id %q, got %q", b.ID, p.ID)
		}
		for _, en := range p.Entry {
			if seen[en.FullURL] {
				t.Errorf("entry %s returned twice", en.FullURL)
			}
			seen[en.FullURL] = true
		}
		sizes = append(sizes, len(p.Entry))
		next = p.link("next")
	}
	if fmt.Sprint(sizes) != "[10 10 5]" {
		t.Errorf("expected pages [10 10 5], got %v", sizes)
	}
	if len(seen) != 25 {
		t.Errorf("expected 25 distinct entries, got %d", len(seen))
	}
}

func TestREST_SearchFilterAndPost(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	createPatient(t, e, "Smith")
	createPatient(t, e, "Smithers")
	createPatient(t, e, "Jones")

	rec := do(e, http.MethodGet, "/fhir/Patient?family:exact=Smith", "", nil)
	var b testBundle
	decode(t, rec, &b)
	if b.Total != 1 {
		t.Errorf("expected 1 exact match, got %d", b.Total)
	}

	for _, target := range []string{"/fhir/Patient/_search", "/fhir/Patient"} {
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader("family=smi&_count=1"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %s: expected 200, got %d: %s", target, rec.Code, rec.Body.String())
		}
		var pb testBundle
		decode(t, rec, &pb)
		if pb.Total != 2 || len(pb.Entry) != 1 {
			t.Errorf("POST %s: expected 2 matches with a page of 1, got total=%d entries=%d", target, pb.Total, len(pb.Entry))
		}
	}
}

func TestREST_ReleaseCursor(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})
	createPatient(t, e, "Smith")

	rec := do(e, http.MethodGet, "/fhir/Patient", "", nil)
	var b testBundle
	decode(t, rec, &b)

	rec = do(e, http.MethodDelete, "/fhir?_getpages="+b.ID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/fhir?_getpages="+b.ID, "", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("expected 410 after release, got %d", rec.Code)
	}
}

func TestREST_FormatAndPretty(t *testing.T) {
	e := newTestServer(t, dispatch.Config{})

	rec := do(e, http.MethodGet, "/fhir/metadata?_format=xml", "", nil)
	if rec.Code != http.StatusNotAcceptable {
		t.Errorf("expected 406 for xml, got %d", rec.Code)
	}

	for _, target := range []string{"/fhir/metadata", "/fhir/metadata?_pretty=true"} {
		rec = do(e, http.MethodGet, target, "", nil)
		if !strings.Contains(rec.Body.String(), "\n  \"") {
			t.Errorf("%s: expected indented output, got %s", target, rec.Body.String())
		}
	}
	rec = do(e, http.MethodGet, "/fhir/metadata?_pretty=false", "", nil)
	if strings.Contains(rec.Body.String(), "\n") {
		t.Error("expected compact output with _pretty=false")
	}
}
