package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dermal/dermal/internal/platform/resource"
)

// Matches reports whether r satisfies every filter.
func Matches(r resource.Resource, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(r, f) {
			return false
		}
	}
	return true
}

func matchFilter(r resource.Resource, f Filter) bool {
	var nodes []interface{}
	for _, p := range f.Paths {
		nodes = append(nodes, extract(map[string]interface{}(r), strings.Split(p, "."))...)
	}

	if f.Modifier == resource.ModifierMissing {
		want := len(f.Values) > 0 && f.Values[0] == "true"
		return (len(nodes) == 0) == want
	}

	matched := false
	for _, v := range f.Values {
		if matchAny(nodes, f.Type, f.Modifier, v) {
			matched = true
			break
		}
	}
	if f.Modifier == resource.ModifierNot {
		return !matched
	}
	return matched
}

// extract walks a dotted path through nested objects, fanning out over arrays.
func extract(v interface{}, path []string) []interface{} {
	if len(path) == 0 {
		if arr, ok := v.([]interface{}); ok {
			return arr
		}
		if arr, ok := v.([]string); ok {
			out := make([]interface{}, len(arr))
			for i, s := range arr {
				out[i] = s
			}
			return out
		}
		if v == nil {
			return nil
		}
		return []interface{}{v}
	}
	switch t := v.(type) {
	case map[string]interface{}:
		child, ok := t[path[0]]
		if !ok {
			return nil
		}
		return extract(child, path[1:])
	case resource.Resource:
		return extract(map[string]interface{}(t), path)
	case []interface{}:
		var out []interface{}
		for _, e := range t {
			out = append(out, extract(e, path)...)
		}
		return out
	}
	return nil
}

func matchAny(nodes []interface{}, paramType string, mod resource.SearchModifier, value string) bool {
	for _, n := range nodes {
		var ok bool
		switch paramType {
		case "string":
			ok = matchString(n, mod, value)
		case "token":
			ok = matchToken(n, value)
		case "date":
			ok = matchDate(n, value)
		case "reference":
			ok = matchReference(n, value)
		case "number":
			ok = matchNumber(n, value)
		}
		if ok {
			return true
		}
	}
	return false
}

// matchString is a case-insensitive prefix match by default.
func matchString(n interface{}, mod resource.SearchModifier, value string) bool {
	s, ok := n.(string)
	if !ok {
		return false
	}
	switch mod {
	case resource.ModifierExact:
		return s == value
	case resource.ModifierContains:
		return strings.Contains(strings.ToLower(s), strings.ToLower(value))
	default:
		return strings.HasPrefix(strings.ToLower(s), strings.ToLower(value))
	}
}

// TokenQuery is a parsed token search value: "code", "system|code", "|code"
// or "system|".
type TokenQuery struct {
	System    string
	Code      string
	HasSystem bool // a "|" was present
}

// ParseToken splits a token search value.
func ParseToken(value string) TokenQuery {
	if sys, code, ok := strings.Cut(value, "|"); ok {
		return TokenQuery{System: sys, Code: code, HasSystem: true}
	}
	return TokenQuery{Code: value}
}

func matchToken(n interface{}, value string) bool {
	q := ParseToken(value)
	switch t := n.(type) {
	case string:
		return (!q.HasSystem || q.System == "") && q.Code != "" && t == q.Code
	case bool:
		return !q.HasSystem && q.Code == strconv.FormatBool(t)
	case map[string]interface{}:
		if codings, ok := t["coding"].([]interface{}); ok {
			for _, c := range codings {
				if cm, ok := c.(map[string]interface{}); ok && matchCoding(cm, q) {
					return true
				}
			}
			return false
		}
		return matchCoding(t, q)
	}
	return false
}

// matchCoding handles Coding (system/code) and Identifier (system/value).
func matchCoding(m map[string]interface{}, q TokenQuery) bool {
	system, _ := m["system"].(string)
	code, _ := m["code"].(string)
	if code == "" {
		code, _ = m["value"].(string)
	}
	if q.HasSystem {
		if q.System == "" {
			if system != "" {
				return false
			}
		} else if system != q.System {
			return false
		}
		if q.Code == "" {
			return q.System != ""
		}
	}
	return code == q.Code
}

func matchReference(n interface{}, value string) bool {
	m, ok := n.(map[string]interface{})
	if !ok {
		return false
	}
	ref, _ := m["reference"].(string)
	if ref == "" {
		return false
	}
	if ref == value {
		return true
	}
	if !strings.Contains(value, "/") {
		return strings.HasSuffix(ref, "/"+value)
	}
	return false
}

func matchNumber(n interface{}, value string) bool {
	var have float64
	switch t := n.(type) {
	case float64:
		have = t
	case int:
		have = float64(t)
	case map[string]interface{}:
		// Quantity
		v, ok := t["value"].(float64)
		if !ok {
			return false
		}
		have = v
	default:
		return false
	}
	pv := resource.ParseSearchValue(value)
	want, err := strconv.ParseFloat(pv.Value, 64)
	if err != nil {
		return false
	}
	switch pv.Prefix {
	case resource.PrefixGt, resource.PrefixSa:
		return have > want
	case resource.PrefixLt, resource.PrefixEb:
		return have < want
	case resource.PrefixGe:
		return have >= want
	case resource.PrefixLe:
		return have <= want
	case resource.PrefixNe:
		return have != want
	default:
		return have == want
	}
}

func matchDate(n interface{}, value string) bool {
	s, ok := n.(string)
	if !ok {
		return false
	}
	have, _, err := DateRange(s)
	if err != nil {
		return false
	}
	pv := resource.ParseSearchValue(value)
	low, high, err := DateRange(pv.Value)
	if err != nil {
		return false
	}
	inRange := !have.Before(low) && have.Before(high)
	switch pv.Prefix {
	case resource.PrefixGt, resource.PrefixSa:
		return !have.Before(high)
	case resource.PrefixLt, resource.PrefixEb:
		return have.Before(low)
	case resource.PrefixGe:
		return !have.Before(low)
	case resource.PrefixLe:
		return have.Before(high)
	case resource.PrefixNe:
		return !inRange
	default:
		return inRange
	}
}

// ValidateValue checks that one search value (a single alternative of a
// comma-separated list) parses for ordered parameter types.
func ValidateValue(paramType, value string) error {
	pv := resource.ParseSearchValue(value)
	switch paramType {
	case "date":
		if _, _, err := DateRange(pv.Value); err != nil {
			return err
		}
	case "number":
		if _, err := strconv.ParseFloat(pv.Value, 64); err != nil {
			return fmt.Errorf("unable to parse number: %s", pv.Value)
		}
	}
	return nil
}

var dateLayouts = []struct {
	layout string
	span   func(time.Time) time.Time
}{
	{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Nanosecond) }},
	{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

// DateRange parses a FHIR date/dateTime of any precision into the half-open
// interval [low, high) it denotes.
func DateRange(s string) (time.Time, time.Time, error) {
	for _, l := range dateLayouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return t, l.span(t), nil
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}
