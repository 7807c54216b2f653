package resource

import (
	"fmt"
	"net/url"
	"strings"
)

// SearchPrefix is a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
)

// SearchModifier is a FHIR search modifier.
type SearchModifier string

const (
	ModifierNone     SearchModifier = ""
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierMissing  SearchModifier = "missing"
	ModifierNot      SearchModifier = "not"
)

// SearchParam is one (name, value, modifier) tuple of a search request.
type SearchParam struct {
	Name     string
	Value    string
	Modifier SearchModifier
}

// SearchRequest is an immutable, ordered set of search parameters for one
// resource type.
type SearchRequest struct {
	resourceType string
	params       []SearchParam
}

// NewSearchRequest copies params so later changes to the caller's slice do not
// leak into the request.
func NewSearchRequest(resourceType string, params []SearchParam) SearchRequest {
	cp := make([]SearchParam, len(params))
	copy(cp, params)
	return SearchRequest{resourceType: resourceType, params: cp}
}

func (r SearchRequest) ResourceType() string { return r.resourceType }

// Params returns a copy of the parameters in request order.
func (r SearchRequest) Params() []SearchParam {
	cp := make([]SearchParam, len(r.params))
	copy(cp, r.params)
	return cp
}

func (r SearchRequest) Len() int { return len(r.params) }

// Result-control parameters are consumed by the transport and the dispatcher,
// they never reach a Searcher.
var controlParams = map[string]bool{
	"_count":          true,
	"_getpages":       true,
	"_getpagesoffset": true,
	"_format":         true,
	"_pretty":         true,
	"_summary":        true,
	"_elements":       true,
	"_total":          true,
}

// IsControlParam reports whether name is a result-control parameter.
func IsControlParam(name string) bool {
	return controlParams[name]
}

// ParseSearchQuery builds a SearchRequest from a raw query string (or an
// application/x-www-form-urlencoded body), keeping the parameter order of the
// input. Control parameters are skipped.
func ParseSearchQuery(resourceType, rawQuery string) (SearchRequest, error) {
	var params []SearchParam
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return SearchRequest{}, InvalidSearchParameter(resourceType, rawKey, "is not valid URL encoding")
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return SearchRequest{}, InvalidSearchParameter(resourceType, key, "has a value that is not valid URL encoding")
		}
		name, modifier := ParseParamModifier(key)
		if name == "" {
			continue
		}
		if IsControlParam(name) {
			continue
		}
		params = append(params, SearchParam{Name: name, Value: value, Modifier: modifier})
	}
	return NewSearchRequest(resourceType, params), nil
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	name, mod, ok := strings.Cut(paramName, ":")
	if ok {
		return name, SearchModifier(mod)
	}
	return name, ModifierNone
}

// ParsedValue holds a search value with its prefix split off.
type ParsedValue struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from an ordered search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb:
			return ParsedValue{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// ValidateModifier checks that modifier is meaningful for a parameter of the
// given type.
func ValidateModifier(paramType string, modifier SearchModifier) error {
	switch modifier {
	case ModifierNone, ModifierMissing:
		return nil
	case ModifierExact, ModifierContains:
		if paramType == "string" {
			return nil
		}
	case ModifierNot:
		if paramType == "token" {
			return nil
		}
	}
	return fmt.Errorf("modifier %q is not supported for %s parameters", modifier, paramType)
}
