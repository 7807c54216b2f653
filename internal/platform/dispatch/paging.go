package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dermal/dermal/internal/platform/cursor"
	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/internal/platform/storage"
)

// Page is one contiguous slice of a cursor's ids resolved to resources.
type Page struct {
	CursorID     string
	ResourceType string
	Offset       int
	Count        int
	Total        int
	HasMore      bool
	Resources    []resource.Resource
	Omitted      []string // ids that no longer resolve
}

// Search runs the query, snapshots the full ordered id list into a new
// cursor and returns the first page.
func (d *Dispatcher) Search(ctx context.Context, req resource.SearchRequest, count int) (page *Page, err error) {
	resourceType := req.ResourceType()
	defer func(start time.Time) { d.observe(resourceType, "search", start, err) }(time.Now())

	e, err := d.lookup(resourceType, resource.InteractionSearch)
	if err != nil {
		return nil, err
	}
	if err := validateParams(e.Type, req, e.SearchParam); err != nil {
		return nil, err
	}

	ids, err := e.Searcher.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	size := d.PageSize(count)
	c, err := cursor.New(resourceType, ids, size, d.now())
	if err != nil {
		return nil, err
	}
	if err := d.cursors.Put(ctx, c); err != nil {
		return nil, err
	}
	d.log.Debug().Str("resource_type", resourceType).Int("total", c.Total()).Msg("search cursor created")

	return d.page(ctx, c, 0, size)
}

func validateParams(resourceType string, req resource.SearchRequest, declared func(string) (resource.SearchParamDef, bool)) error {
	for _, p := range req.Params() {
		def, ok := declared(p.Name)
		if !ok {
			def, ok = resource.CommonSearchParam(p.Name)
		}
		if !ok {
			return resource.InvalidSearchParameter(resourceType, p.Name, "is not supported")
		}
		if err := resource.ValidateModifier(def.Type, p.Modifier); err != nil {
			return resource.InvalidSearchParameter(resourceType, p.Name, err.Error())
		}
		if p.Modifier == resource.ModifierMissing {
			if p.Value != "true" && p.Value != "false" {
				return resource.InvalidSearchParameter(resourceType, p.Name, "requires :missing=true or :missing=false")
			}
			continue
		}
		for _, v := range storage.SplitValues(p.Value) {
			if err := storage.ValidateValue(def.Type, v); err != nil {
				return resource.InvalidSearchParameter(resourceType, p.Name, err.Error())
			}
		}
	}
	return nil
}

// FetchPage returns count resources starting at offset from a live cursor.
// Unknown and expired cursors fail with CursorExpired.
func (d *Dispatcher) FetchPage(ctx context.Context, cursorID string, offset, count int) (page *Page, err error) {
	resourceType := "-"
	defer func(start time.Time) { d.observe(resourceType, "fetch-page", start, err) }(time.Now())

	now := d.now()
	c, err := d.cursors.Get(ctx, cursorID, now)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, resource.CursorExpired()
	}
	resourceType = c.ResourceType

	live, err := d.cursors.Touch(ctx, cursorID, now)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, resource.CursorExpired()
	}

	if count <= 0 && c.PageSize > 0 {
		count = c.PageSize
	}
	if offset < 0 {
		offset = 0
	}
	if offset > c.Total() {
		offset = c.Total()
	}
	return d.page(ctx, c, offset, d.PageSize(count))
}

// Release drops a cursor before it expires. Unknown ids are not an error.
func (d *Dispatcher) Release(ctx context.Context, cursorID string) error {
	return d.cursors.Release(ctx, cursorID)
}

func (d *Dispatcher) page(ctx context.Context, c *cursor.Cursor, offset, count int) (*Page, error) {
	ids := c.Slice(offset, count)
	p := &Page{
		CursorID:     c.ID,
		ResourceType: c.ResourceType,
		Offset:       offset,
		Count:        count,
		Total:        c.Total(),
		HasMore:      offset+count < c.Total(),
	}
	if len(ids) == 0 {
		return p, nil
	}

	e, err := d.registry.Lookup(c.ResourceType)
	if err != nil {
		return nil, err
	}
	if e.Reader == nil {
		return nil, resource.UnsupportedOperation(c.ResourceType, resource.InteractionRead)
	}

	resolved, err := d.resolve(ctx, e.Reader, ids)
	if err != nil {
		return nil, err
	}
	for i, r := range resolved {
		if r == nil {
			p.Omitted = append(p.Omitted, ids[i])
			continue
		}
		p.Resources = append(p.Resources, r)
	}
	if len(p.Omitted) > 0 {
		d.metrics.RecordOmitted(len(p.Omitted))
	}
	return p, nil
}

// resolve reads ids with bounded concurrency, keeping their order. A nil
// entry marks an id that failed to resolve and is omitted from the page;
// only an unreachable backend or a cancelled request fails the whole page.
func (d *Dispatcher) resolve(ctx context.Context, reader resource.Reader, ids []string) ([]resource.Resource, error) {
	out := make([]resource.Resource, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.ResolveConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			r, err := reader.Read(gctx, id)
			switch {
			case err == nil:
				out[i] = r
				return nil
			case errors.Is(err, resource.ErrBackendUnavailable),
				errors.Is(err, context.Canceled),
				errors.Is(err, context.DeadlineExceeded):
				return err
			case errors.Is(err, resource.ErrNotFound):
				d.log.Warn().Str("id", id).Msg("paged resource no longer exists, omitting")
			default:
				d.log.Warn().Err(err).Str("id", id).Msg("paged resource failed to resolve, omitting")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
