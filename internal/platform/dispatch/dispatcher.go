// Package dispatch routes resource interactions to the handler registered for
// a type, snapshots search results into cursors and serves pages from them.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermal/dermal/internal/platform/cursor"
	"github.com/dermal/dermal/internal/platform/metrics"
	"github.com/dermal/dermal/internal/platform/registry"
	"github.com/dermal/dermal/internal/platform/resource"
)

// Config holds the paging and update policy.
type Config struct {
	DefaultPageSize    int
	MaxPageSize        int
	ResolveConcurrency int
	AllowUpdateCreate  bool
}

// DefaultConfig returns the values used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultPageSize:    20,
		MaxPageSize:        200,
		ResolveConcurrency: 8,
	}
}

// Dispatcher is safe for concurrent use once its registry is frozen.
type Dispatcher struct {
	registry *registry.Registry
	cursors  cursor.Store
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records operation counts and latencies on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces the clock used for cursor timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher. Zero values in cfg fall back to DefaultConfig.
func New(reg *registry.Registry, cursors cursor.Store, cfg Config, log zerolog.Logger, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = def.ResolveConcurrency
	}
	d := &Dispatcher{
		registry: reg,
		cursors:  cursors,
		cfg:      cfg,
		log:      log.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Registry returns the registry the dispatcher routes through.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// PageSize clamps a requested count: non-positive means the default, and
// anything above the maximum is cut to the maximum.
func (d *Dispatcher) PageSize(count int) int {
	if count <= 0 {
		return d.cfg.DefaultPageSize
	}
	if count > d.cfg.MaxPageSize {
		return d.cfg.MaxPageSize
	}
	return count
}

func (d *Dispatcher) observe(resourceType, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = resource.KindOf(err).String()
	}
	d.metrics.RecordDispatch(resourceType, op, outcome, time.Since(start))
}

func (d *Dispatcher) lookup(resourceType string, i resource.Interaction) (*registry.Entry, error) {
	e, err := d.registry.Lookup(resourceType)
	if err != nil {
		return nil, err
	}
	if !e.Supports(i) {
		return nil, resource.UnsupportedOperation(resourceType, i)
	}
	return e, nil
}

// Create stores payload as a new resource and returns its id and version.
func (d *Dispatcher) Create(ctx context.Context, resourceType string, payload resource.Resource) (ref resource.Ref, err error) {
	defer func(start time.Time) { d.observe(resourceType, "create", start, err) }(time.Now())

	e, err := d.lookup(resourceType, resource.InteractionCreate)
	if err != nil {
		return resource.Ref{}, err
	}
	if err := checkType(resourceType, payload); err != nil {
		return resource.Ref{}, err
	}
	return e.Creator.Create(ctx, payload)
}

// Read returns the current version, or the given version when version is
// not nil.
func (d *Dispatcher) Read(ctx context.Context, resourceType, id string, version *int) (r resource.Resource, err error) {
	op := "read"
	if version != nil {
		op = "vread"
	}
	defer func(start time.Time) { d.observe(resourceType, op, start, err) }(time.Now())

	e, err := d.lookup(resourceType, resource.InteractionRead)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return e.Reader.Read(ctx, id)
	}
	if e.VersionReader == nil {
		return nil, resource.UnsupportedOperation(resourceType, resource.InteractionVRead)
	}
	return e.VersionReader.ReadVersion(ctx, id, *version)
}

// History lists every version of a resource, newest first.
func (d *Dispatcher) History(ctx context.Context, resourceType, id string) (entries []resource.HistoryEntry, err error) {
	defer func(start time.Time) { d.observe(resourceType, "history", start, err) }(time.Now())

	e, err := d.lookup(resourceType, resource.InteractionHistoryInstance)
	if err != nil {
		return nil, err
	}
	return e.HistoryReader.History(ctx, id)
}

// UpdateResult reports the outcome of Update.
type UpdateResult struct {
	resource.Ref
	Created bool // the id did not exist and was created
}

// Update replaces the resource when expectedVersion is its current version.
// With create-on-update enabled a missing id is created at version 1.
func (d *Dispatcher) Update(ctx context.Context, resourceType, id string, expectedVersion int, payload resource.Resource) (res UpdateResult, err error) {
	defer func(start time.Time) { d.observe(resourceType, "update", start, err) }(time.Now())

	e, err := d.lookup(resourceType, resource.InteractionUpdate)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := checkType(resourceType, payload); err != nil {
		return UpdateResult{}, err
	}
	if bodyID := payload.ID(); bodyID != "" && bodyID != id {
		return UpdateResult{}, resource.Invalid(resourceType, "resource id "+bodyID+" does not match the URL id "+id)
	}

	ref, err := e.Updater.Update(ctx, id, expectedVersion, payload)
	if err == nil {
		return UpdateResult{Ref: ref}, nil
	}
	if !errors.Is(err, resource.ErrNotFound) || !d.cfg.AllowUpdateCreate || e.Upserter == nil {
		return UpdateResult{}, err
	}

	ref, err = e.Upserter.CreateWithID(ctx, id, payload)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Ref: ref, Created: true}, nil
}

// Delete removes a resource. Deleting an absent id succeeds.
func (d *Dispatcher) Delete(ctx context.Context, resourceType, id string) (err error) {
	defer func(start time.Time) { d.observe(resourceType, "delete", start, err) }(time.Now())

	e, err := d.lookup(resourceType, resource.InteractionDelete)
	if err != nil {
		return err
	}
	err = e.Deleter.Delete(ctx, id)
	if errors.Is(err, resource.ErrNotFound) {
		return nil
	}
	return err
}

func checkType(resourceType string, payload resource.Resource) error {
	if payload == nil {
		return resource.Invalid(resourceType, "request body is not a resource")
	}
	if t := payload.Type(); t != "" && t != resourceType {
		return resource.Invalid(resourceType, "resourceType "+t+" does not match the URL type "+resourceType)
	}
	return nil
}
