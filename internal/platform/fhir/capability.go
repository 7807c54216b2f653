package fhir

import (
	"sort"
	"time"

	"github.com/dermal/dermal/internal/platform/registry"
	"github.com/dermal/dermal/internal/platform/resource"
)

// DefaultDescription is the implementation description advertised when none
// is configured.
const DefaultDescription = "Example Server"

// SearchParam describes a search parameter in a ResourceCapability.
type SearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

// CapabilityConfig holds top-level server metadata for the CapabilityStatement.
type CapabilityConfig struct {
	ServerName    string
	ServerVersion string
	Description   string
	BaseURL       string
	// UpdateCreate advertises create-on-update for types that can create
	// under a client-assigned id.
	UpdateCreate bool
	// Secured adds the SMART-on-FHIR security service to the statement.
	Secured bool
}

// ResourceCapability is what one registered type supports.
type ResourceCapability struct {
	Type         string        `json:"type"`
	Interactions []string      `json:"interactions"`
	SearchParams []SearchParam `json:"searchParams,omitempty"`
	Versioned    bool          `json:"versioned"`
	UpdateCreate bool          `json:"updateCreate"`
}

// CapabilityBuilder derives the server's capabilities from a frozen
// registry. It holds no mutable state and is safe for concurrent use.
type CapabilityBuilder struct {
	registry *registry.Registry
	config   CapabilityConfig
	date     string
}

// NewCapabilityBuilder creates a builder over reg, applying defaults for any
// empty config fields.
func NewCapabilityBuilder(reg *registry.Registry, cfg CapabilityConfig) *CapabilityBuilder {
	if cfg.ServerName == "" {
		cfg.ServerName = "Dermal"
	}
	if cfg.Description == "" {
		cfg.Description = DefaultDescription
	}
	return &CapabilityBuilder{
		registry: reg,
		config:   cfg,
		date:     time.Now().UTC().Format("2006-01-02"),
	}
}

// Describe lists every registered type in name order with its interaction
// codes and search parameters (declared plus the common ones, sorted).
func (b *CapabilityBuilder) Describe() []ResourceCapability {
	entries := b.registry.Entries()
	out := make([]ResourceCapability, 0, len(entries))
	for _, e := range entries {
		rc := ResourceCapability{
			Type:         e.Type,
			Interactions: make([]string, len(e.Interactions)),
			Versioned:    e.VersionReader != nil,
			UpdateCreate: b.config.UpdateCreate && e.Upserter != nil && e.Updater != nil,
		}
		for i, in := range e.Interactions {
			rc.Interactions[i] = string(in)
		}
		if e.Searcher != nil {
			rc.SearchParams = searchParams(e.SearchParams)
		}
		out = append(out, rc)
	}
	return out
}

func searchParams(declared []resource.SearchParamDef) []SearchParam {
	seen := make(map[string]bool, len(declared))
	params := make([]SearchParam, 0, len(declared)+len(resource.CommonSearchParams))
	for _, p := range declared {
		seen[p.Name] = true
		params = append(params, SearchParam{Name: p.Name, Type: p.Type, Documentation: p.Documentation})
	}
	for _, p := range resource.CommonSearchParams {
		if !seen[p.Name] {
			params = append(params, SearchParam{Name: p.Name, Type: p.Type, Documentation: p.Documentation})
		}
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

// Statement renders the CapabilityStatement as a map suitable for JSON
// serialization. Resources are sorted alphabetically by type.
func (b *CapabilityBuilder) Statement() map[string]interface{} {
	caps := b.Describe()
	resources := make([]map[string]interface{}, 0, len(caps))
	for _, rc := range caps {
		resources = append(resources, buildResourceEntry(rc))
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
		"security": b.buildSecurity(),
	}

	implementation := map[string]string{"description": b.config.Description}
	if b.config.BaseURL != "" {
		implementation["url"] = b.config.BaseURL
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         b.date,
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json", "application/fhir+json"},
		"software": map[string]string{
			"name":    b.config.ServerName,
			"version": b.config.ServerVersion,
		},
		"implementation": implementation,
		"rest":           []map[string]interface{}{rest},
	}
}

func buildResourceEntry(rc ResourceCapability) map[string]interface{} {
	versioning := "no-version"
	if rc.Versioned {
		versioning = "versioned"
	}

	res := map[string]interface{}{
		"type":         rc.Type,
		"versioning":   versioning,
		"readHistory":  rc.Versioned,
		"updateCreate": rc.UpdateCreate,
	}

	interactions := make([]map[string]string, len(rc.Interactions))
	for i, code := range rc.Interactions {
		interactions[i] = map[string]string{"code": code}
	}
	res["interaction"] = interactions

	if len(rc.SearchParams) > 0 {
		params := make([]map[string]string, len(rc.SearchParams))
		for i, sp := range rc.SearchParams {
			p := map[string]string{
				"name": sp.Name,
				"type": sp.Type,
			}
			if sp.Documentation != "" {
				p["documentation"] = sp.Documentation
			}
			params[i] = p
		}
		res["searchParam"] = params
	}
	return res
}

func (b *CapabilityBuilder) buildSecurity() map[string]interface{} {
	security := map[string]interface{}{"cors": true}
	if b.config.Secured {
		security["service"] = []CodeableConcept{{
			Coding: []Coding{{
				System:  "http://terminology.hl7.org/CodeSystem/restful-security-service",
				Code:    "SMART-on-FHIR",
				Display: "SMART on FHIR",
			}},
			Text: "OAuth2 bearer tokens",
		}}
	}
	return security
}
