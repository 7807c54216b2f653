// Package resource holds the types shared by every layer of the server core:
// the JSON resource representation, the per-capability handler interfaces,
// search requests and the error kinds surfaced to the transport.
package resource

import (
	"strconv"
	"time"
)

// Resource is a FHIR resource as a generic JSON object. Handlers and storage
// never share a Resource value: every boundary hands out a Clone.
type Resource map[string]interface{}

// Ref identifies a stored resource version.
type Ref struct {
	ID          string
	Version     int
	LastUpdated time.Time
}

// Type returns the resourceType element.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the logical id element.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// VersionID returns meta.versionId as an integer, or 0 when it is absent or
// not numeric.
func (r Resource) VersionID() int {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return 0
	}
	switch v := meta["versionId"].(type) {
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// LastUpdated returns meta.lastUpdated, or the zero time.
func (r Resource) LastUpdated() time.Time {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return time.Time{}
	}
	switch v := meta["lastUpdated"].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// Stamp writes the server-controlled elements: resourceType, id,
// meta.versionId and meta.lastUpdated. Other meta elements are preserved.
func (r Resource) Stamp(resourceType string, ref Ref) {
	r["resourceType"] = resourceType
	r["id"] = ref.ID
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(ref.Version)
	meta["lastUpdated"] = ref.LastUpdated.UTC().Format(time.RFC3339Nano)
	r["meta"] = meta
}

// Clone returns a deep copy of r. Only JSON-shaped values (maps, slices and
// scalars) are copied structurally; anything else is copied by value.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(r)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Resource:
		return Resource(cloneValue(map[string]interface{}(t)).(map[string]interface{}))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return t
	}
}
