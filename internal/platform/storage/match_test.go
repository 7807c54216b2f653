package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dermal/dermal/internal/platform/resource"
)

var observation = resource.Resource{
	"resourceType": "Observation",
	"id":           "o1",
	"status":       "final",
	"code": map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"},
		},
	},
	"subject":           map[string]interface{}{"reference": "Patient/p1"},
	"effectiveDateTime": "2024-03-15T10:30:00Z",
	"valueQuantity":     map[string]interface{}{"value": 72.0, "unit": "beats/minute"},
	"identifier": []interface{}{
		map[string]interface{}{"system": "urn:mrn", "value": "123"},
	},
}

func filter(typ, path string, mod resource.SearchModifier, values ...string) Filter {
	return Filter{Name: "p", Type: typ, Paths: []string{path}, Modifier: mod, Values: values}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"token code", filter("token", "code", "", "8867-4"), true},
		{"token system|code", filter("token", "code", "", "http://loinc.org|8867-4"), true},
		{"token wrong system", filter("token", "code", "", "http://snomed.info/sct|8867-4"), false},
		{"token system only", filter("token", "code", "", "http://loinc.org|"), true},
		{"token no system", filter("token", "code", "", "|8867-4"), false},
		{"token plain string", filter("token", "status", "", "final"), true},
		{"token not", filter("token", "status", resource.ModifierNot, "final"), false},
		{"token not other", filter("token", "status", resource.ModifierNot, "amended"), true},
		{"token OR values", filter("token", "status", "", "amended", "final"), true},
		{"token identifier", filter("token", "identifier", "", "urn:mrn|123"), true},
		{"reference full", filter("reference", "subject", "", "Patient/p1"), true},
		{"reference bare id", filter("reference", "subject", "", "p1"), true},
		{"reference other", filter("reference", "subject", "", "Patient/p2"), false},
		{"date day", filter("date", "effectiveDateTime", "", "2024-03-15"), true},
		{"date month", filter("date", "effectiveDateTime", "", "2024-03"), true},
		{"date other day", filter("date", "effectiveDateTime", "", "2024-03-16"), false},
		{"date gt", filter("date", "effectiveDateTime", "", "gt2024-03-14"), true},
		{"date lt", filter("date", "effectiveDateTime", "", "lt2024-03-15"), false},
		{"date le", filter("date", "effectiveDateTime", "", "le2024-03-15"), true},
		{"date ne", filter("date", "effectiveDateTime", "", "ne2024"), false},
		{"number gt", filter("number", "valueQuantity", "", "gt70"), true},
		{"number eq", filter("number", "valueQuantity", "", "72"), true},
		{"number lt", filter("number", "valueQuantity", "", "lt72"), false},
		{"missing false", filter("token", "status", resource.ModifierMissing, "false"), true},
		{"missing true", filter("string", "note.text", resource.ModifierMissing, "true"), true},
		{"missing true present", filter("token", "status", resource.ModifierMissing, "true"), false},
		{"bad date value", filter("date", "effectiveDateTime", "", "yesterday"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(observation, []Filter{tt.f}))
		})
	}
}

func TestMatches_StringModes(t *testing.T) {
	p := resource.Resource{
		"name": []interface{}{
			map[string]interface{}{"family": "McDonald", "given": []interface{}{"Ann", "Marie"}},
		},
	}
	assert.True(t, Matches(p, []Filter{filter("string", "name.family", "", "mcd")}))
	assert.False(t, Matches(p, []Filter{filter("string", "name.family", "", "donald")}))
	assert.True(t, Matches(p, []Filter{filter("string", "name.family", resource.ModifierContains, "DONALD")}))
	assert.False(t, Matches(p, []Filter{filter("string", "name.family", resource.ModifierExact, "mcdonald")}))
	assert.True(t, Matches(p, []Filter{filter("string", "name.family", resource.ModifierExact, "McDonald")}))
	assert.True(t, Matches(p, []Filter{filter("string", "name.given", "", "mar")}))
}

func TestMatches_FiltersAreANDed(t *testing.T) {
	both := []Filter{
		filter("token", "status", "", "final"),
		filter("reference", "subject", "", "Patient/p2"),
	}
	assert.False(t, Matches(observation, both))
	assert.True(t, Matches(observation, nil))
}

func TestDateRange(t *testing.T) {
	low, high, err := DateRange("2024-02")
	assert.NoError(t, err)
	assert.Equal(t, "2024-02-01T00:00:00Z", low.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, "2024-03-01T00:00:00Z", high.Format("2006-01-02T15:04:05Z07:00"))

	_, _, err = DateRange("02/2024")
	assert.Error(t, err)
}
