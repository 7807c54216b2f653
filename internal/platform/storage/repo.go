package storage

import (
	"context"
	"strings"

	"github.com/dermal/dermal/internal/platform/resource"
)

// Repo is a resource type bound to a Backend. It implements every capability
// interface of the resource package; domain handlers expose the subset their
// type supports by delegating to it.
type Repo struct {
	backend      Backend
	resourceType string
	params       []resource.SearchParamDef
	sort         []SortField
	validate     func(resource.Resource) error
}

// RepoOption configures a Repo.
type RepoOption func(*Repo)

// WithValidator runs fn on every payload before it is written.
func WithValidator(fn func(resource.Resource) error) RepoOption {
	return func(r *Repo) { r.validate = fn }
}

// WithSort overrides DefaultSort for searches.
func WithSort(sort ...SortField) RepoOption {
	return func(r *Repo) { r.sort = sort }
}

// NewRepo binds resourceType to backend with the given search parameters.
func NewRepo(backend Backend, resourceType string, params []resource.SearchParamDef, opts ...RepoOption) *Repo {
	r := &Repo{
		backend:      backend,
		resourceType: resourceType,
		params:       params,
		sort:         DefaultSort,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Repo) ResourceType() string { return r.resourceType }

func (r *Repo) check(res resource.Resource) error {
	if r.validate == nil {
		return nil
	}
	if err := r.validate(res); err != nil {
		return resource.Invalid(r.resourceType, err.Error())
	}
	return nil
}

func (r *Repo) Create(ctx context.Context, res resource.Resource) (resource.Ref, error) {
	if err := r.check(res); err != nil {
		return resource.Ref{}, err
	}
	return r.backend.Create(ctx, r.resourceType, "", res)
}

func (r *Repo) CreateWithID(ctx context.Context, id string, res resource.Resource) (resource.Ref, error) {
	if err := r.check(res); err != nil {
		return resource.Ref{}, err
	}
	return r.backend.Create(ctx, r.resourceType, id, res)
}

func (r *Repo) Read(ctx context.Context, id string) (resource.Resource, error) {
	return r.backend.Get(ctx, r.resourceType, id)
}

func (r *Repo) ReadVersion(ctx context.Context, id string, version int) (resource.Resource, error) {
	return r.backend.GetVersion(ctx, r.resourceType, id, version)
}

func (r *Repo) History(ctx context.Context, id string) ([]resource.HistoryEntry, error) {
	return r.backend.History(ctx, r.resourceType, id)
}

func (r *Repo) Update(ctx context.Context, id string, expectedVersion int, res resource.Resource) (resource.Ref, error) {
	if err := r.check(res); err != nil {
		return resource.Ref{}, err
	}
	return r.backend.Update(ctx, r.resourceType, id, expectedVersion, res)
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	return r.backend.Delete(ctx, r.resourceType, id)
}

func (r *Repo) SearchParams() []resource.SearchParamDef {
	out := make([]resource.SearchParamDef, len(r.params))
	copy(out, r.params)
	return out
}

func (r *Repo) Search(ctx context.Context, req resource.SearchRequest) ([]string, error) {
	q, err := r.BuildQuery(req)
	if err != nil {
		return nil, err
	}
	return r.backend.Query(ctx, q)
}

// BuildQuery resolves each search parameter against its definition. Each
// parameter becomes one filter whose comma-separated values are alternatives.
func (r *Repo) BuildQuery(req resource.SearchRequest) (Query, error) {
	q := Query{ResourceType: r.resourceType, Sort: r.sort}
	for _, p := range req.Params() {
		def, ok := r.param(p.Name)
		if !ok {
			return Query{}, resource.InvalidSearchParameter(r.resourceType, p.Name, "is not supported")
		}
		if err := resource.ValidateModifier(def.Type, p.Modifier); err != nil {
			return Query{}, resource.InvalidSearchParameter(r.resourceType, p.Name, err.Error())
		}
		values := SplitValues(p.Value)
		if p.Modifier == resource.ModifierMissing {
			values = []string{p.Value}
		} else {
			for _, v := range values {
				if err := ValidateValue(def.Type, v); err != nil {
					return Query{}, resource.InvalidSearchParameter(r.resourceType, p.Name, err.Error())
				}
			}
		}
		q.Filters = append(q.Filters, Filter{
			Name:     p.Name,
			Type:     def.Type,
			Paths:    def.Paths,
			Modifier: p.Modifier,
			Values:   values,
		})
	}
	return q, nil
}

func (r *Repo) param(name string) (resource.SearchParamDef, bool) {
	for _, p := range r.params {
		if p.Name == name {
			return p, true
		}
	}
	return resource.CommonSearchParam(name)
}

// SplitValues splits a search value on unescaped commas; "\," is a literal
// comma.
func SplitValues(v string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(v); i++ {
		switch {
		case v[i] == '\\' && i+1 < len(v) && v[i+1] == ',':
			cur.WriteByte(',')
			i++
		case v[i] == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(v[i])
		}
	}
	return append(out, cur.String())
}
