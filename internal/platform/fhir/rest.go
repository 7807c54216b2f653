package fhir

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dermal/dermal/internal/platform/dispatch"
	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/pkg/pagination"
)

// maxResourceBody bounds a create or update payload.
const maxResourceBody = 10 << 20

// Handler serves the FHIR REST API on top of a Dispatcher.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	caps       *CapabilityBuilder
	baseURL    string
	log        zerolog.Logger
	now        func() time.Time
}

// NewHandler creates the REST handler. baseURL is the absolute server base
// used in links and Location headers; when empty it is derived from each
// request.
func NewHandler(d *dispatch.Dispatcher, caps *CapabilityBuilder, baseURL string, log zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		caps:       caps,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		log:        log.With().Str("component", "fhir").Logger(),
		now:        time.Now,
	}
}

// RegisterRoutes mounts the API on g, normally the /fhir group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)

	g.GET("", h.GetPages)
	g.DELETE("", h.ReleasePages)

	g.GET("/:type", h.Search)
	g.POST("/:type", h.Create)
	g.GET("/:type/_search", h.Search, SearchPostMiddleware())
	g.POST("/:type/_search", h.Search, SearchPostMiddleware())

	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.VRead)
}

func (h *Handler) base(c echo.Context) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	return c.Scheme() + "://" + c.Request().Host + "/fhir"
}

// fail writes err as an OperationOutcome with the status of its kind.
func (h *Handler) fail(c echo.Context, err error, ifMatch bool) error {
	status := StatusForError(err, ifMatch)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", status).
			Msg("request failed")
	}
	return writeJSON(c, status, OutcomeForError(err))
}

func badRequest(c echo.Context, code, diagnostics string) error {
	return writeJSON(c, http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, code, diagnostics))
}

// Metadata serves the CapabilityStatement.
func (h *Handler) Metadata(c echo.Context) error {
	return writeJSON(c, http.StatusOK, h.caps.Statement())
}

// readPayload decodes the request body as a JSON object.
func readPayload(c echo.Context) (resource.Resource, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxResourceBody))
	if err != nil {
		return nil, err
	}
	var r resource.Resource
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errNotAnObject
	}
	return r, nil
}

var errNotAnObject = errors.New("request body must be a JSON object")

// writeResult answers a successful write according to the Prefer header.
func (h *Handler) writeResult(c echo.Context, status int, r resource.Resource) error {
	switch preferReturn(c) {
	case "minimal":
		return c.NoContent(status)
	case "OperationOutcome":
		return writeJSON(c, status, InformationOutcome("operation completed successfully"))
	default:
		return writeJSON(c, status, r)
	}
}

func preferReturn(c echo.Context) string {
	for _, part := range strings.Split(c.Request().Header.Get("Prefer"), ",") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "return="); ok {
			return v
		}
	}
	return "representation"
}

func (h *Handler) setLocation(c echo.Context, resourceType string, ref resource.Ref) {
	c.Response().Header().Set("Location",
		h.base(c)+"/"+FormatReference(resourceType, ref.ID)+"/_history/"+strconv.Itoa(ref.Version))
	SetVersionHeaders(c, ref.Version, ref.LastUpdated)
}

func isFormPost(c echo.Context) bool {
	return c.Request().Method == http.MethodPost &&
		strings.HasPrefix(c.Request().Header.Get("Content-Type"), "application/x-www-form-urlencoded")
}

// Create handles POST /fhir/:type. A form-encoded POST is a search.
func (h *Handler) Create(c echo.Context) error {
	if isFormPost(c) {
		return SearchPostMiddleware()(h.Search)(c)
	}

	resourceType := c.Param("type")
	payload, err := readPayload(c)
	if err != nil {
		return badRequest(c, IssueTypeStructure, "request body is not a valid resource: "+err.Error())
	}

	ref, err := h.dispatcher.Create(c.Request().Context(), resourceType, payload)
	if err != nil {
		return h.fail(c, err, false)
	}

	payload.Stamp(resourceType, ref)
	h.setLocation(c, resourceType, ref)
	return h.writeResult(c, http.StatusCreated, payload)
}

// Read handles GET /fhir/:type/:id.
func (h *Handler) Read(c echo.Context) error {
	r, err := h.dispatcher.Read(c.Request().Context(), c.Param("type"), c.Param("id"), nil)
	if err != nil {
		return h.fail(c, err, false)
	}
	SetVersionHeaders(c, r.VersionID(), r.LastUpdated())
	if CheckIfNoneMatch(c, r.VersionID()) {
		return c.NoContent(http.StatusNotModified)
	}
	return writeJSON(c, http.StatusOK, r)
}

// VRead handles GET /fhir/:type/:id/_history/:vid.
func (h *Handler) VRead(c echo.Context) error {
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return badRequest(c, IssueTypeValue, "version id must be a positive integer: "+c.Param("vid"))
	}
	r, err := h.dispatcher.Read(c.Request().Context(), c.Param("type"), c.Param("id"), &vid)
	if err != nil {
		return h.fail(c, err, false)
	}
	SetVersionHeaders(c, r.VersionID(), r.LastUpdated())
	return writeJSON(c, http.StatusOK, r)
}

// History handles GET /fhir/:type/:id/_history.
func (h *Handler) History(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	versions, err := h.dispatcher.History(c.Request().Context(), resourceType, id)
	if err != nil {
		return h.fail(c, err, false)
	}
	return writeJSON(c, http.StatusOK, NewHistoryBundle(resourceType, id, versions, h.base(c), h.now()))
}

// Update handles PUT /fhir/:type/:id. The expected version comes from
// If-Match, else from meta.versionId of the body.
func (h *Handler) Update(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")

	expected, fromIfMatch, err := IfMatchVersion(c)
	if err != nil {
		return badRequest(c, IssueTypeValue, err.Error())
	}
	payload, err := readPayload(c)
	if err != nil {
		return badRequest(c, IssueTypeStructure, "request body is not a valid resource: "+err.Error())
	}
	if !fromIfMatch {
		expected = payload.VersionID()
	}

	res, err := h.dispatcher.Update(c.Request().Context(), resourceType, id, expected, payload)
	if err != nil {
		return h.fail(c, err, fromIfMatch)
	}

	payload.Stamp(resourceType, res.Ref)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		h.setLocation(c, resourceType, res.Ref)
	} else {
		SetVersionHeaders(c, res.Version, res.LastUpdated)
	}
	return h.writeResult(c, status, payload)
}

// Delete handles DELETE /fhir/:type/:id.
func (h *Handler) Delete(c echo.Context) error {
	if err := h.dispatcher.Delete(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return h.fail(c, err, false)
	}
	return c.NoContent(http.StatusNoContent)
}

// Search handles GET|POST /fhir/:type and /fhir/:type/_search. It reads the
// raw query so parameter order and repeated parameters are preserved.
func (h *Handler) Search(c echo.Context) error {
	resourceType := c.Param("type")
	raw := c.Request().URL.RawQuery

	q, err := url.ParseQuery(raw)
	if err != nil {
		return badRequest(c, IssueTypeInvalid, "malformed query string: "+err.Error())
	}
	req, err := resource.ParseSearchQuery(resourceType, raw)
	if err != nil {
		return h.fail(c, err, false)
	}

	page, err := h.dispatcher.Search(c.Request().Context(), req, pagination.FromQuery(q).Count)
	if err != nil {
		return h.fail(c, err, false)
	}

	base := h.base(c)
	self := base + "/" + resourceType
	if raw != "" {
		self += "?" + raw
	}
	return writeJSON(c, http.StatusOK, NewSearchBundle(page, SearchBundleParams{
		BaseURL: base,
		SelfURL: self,
		Now:     h.now(),
	}))
}

// GetPages handles GET /fhir?_getpages=<cursor>.
func (h *Handler) GetPages(c echo.Context) error {
	pg := pagination.FromContext(c)
	if pg.Cursor == "" {
		return badRequest(c, IssueTypeRequired, "the _getpages parameter is required")
	}

	page, err := h.dispatcher.FetchPage(c.Request().Context(), pg.Cursor, pg.Offset, pg.Count)
	if err != nil {
		return h.fail(c, err, false)
	}
	return writeJSON(c, http.StatusOK, NewSearchBundle(page, SearchBundleParams{
		BaseURL: h.base(c),
		Now:     h.now(),
	}))
}

// ReleasePages handles DELETE /fhir?_getpages=<cursor>.
func (h *Handler) ReleasePages(c echo.Context) error {
	pg := pagination.FromContext(c)
	if pg.Cursor == "" {
		return badRequest(c, IssueTypeRequired, "the _getpages parameter is required")
	}
	if err := h.dispatcher.Release(c.Request().Context(), pg.Cursor); err != nil {
		return h.fail(c, err, false)
	}
	return c.NoContent(http.StatusNoContent)
}
