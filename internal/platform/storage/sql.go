package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dermal/dermal/internal/platform/resource"
)

// Element paths are inlined into jsonpath expressions, so only plain dotted
// identifiers are accepted.
var elementPathPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)

// JSONPath converts a dotted element path ("name.family") into a lax-mode
// jsonpath that fans out over arrays at every step.
func JSONPath(path string) (string, error) {
	if !elementPathPattern.MatchString(path) {
		return "", fmt.Errorf("invalid element path %q", path)
	}
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(path, ".") {
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	b.WriteString("[*]")
	return b.String(), nil
}

// BuildQuerySQL renders q against the resource table. Arguments are
// positional starting at $1.
func BuildQuerySQL(q Query) (string, []interface{}, error) {
	var b strings.Builder
	args := []interface{}{q.ResourceType}
	idx := 2

	b.WriteString("SELECT id FROM resource WHERE resource_type = $1 AND NOT deleted")
	for _, f := range q.Filters {
		clause, fargs, next, err := FilterClause(f, idx)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" AND ")
		b.WriteString(clause)
		args = append(args, fargs...)
		idx = next
	}

	order := q.Sort
	if len(order) == 0 {
		order = DefaultSort
	}
	b.WriteString(" ORDER BY ")
	for i, s := range order {
		if i > 0 {
			b.WriteString(", ")
		}
		switch s.Field {
		case "_lastUpdated":
			b.WriteString("last_updated")
		case "_id":
			b.WriteString("id")
		default:
			return "", nil, fmt.Errorf("unsupported sort field %q", s.Field)
		}
		if s.Descending {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}
	return b.String(), args, nil
}

// FilterClause generates the SQL for one filter. It returns the clause, the
// arguments to bind and the next free argument index.
func FilterClause(f Filter, argIdx int) (string, []interface{}, int, error) {
	if len(f.Paths) == 0 {
		return "", nil, argIdx, fmt.Errorf("search parameter %q has no element path", f.Name)
	}

	var (
		exists []string
		args   []interface{}
	)
	for _, p := range f.Paths {
		jp, err := JSONPath(p)
		if err != nil {
			return "", nil, argIdx, err
		}
		pathIdx := argIdx
		args = append(args, jp)
		argIdx++

		if f.Modifier == resource.ModifierMissing {
			exists = append(exists, fmt.Sprintf("EXISTS (SELECT 1 FROM jsonb_path_query(content, $%d::jsonpath) v)", pathIdx))
			continue
		}

		var alts []string
		for _, value := range f.Values {
			clause, vargs, next := valueClause(f.Type, f.Modifier, value, argIdx)
			alts = append(alts, clause)
			args = append(args, vargs...)
			argIdx = next
		}
		exists = append(exists, fmt.Sprintf("EXISTS (SELECT 1 FROM jsonb_path_query(content, $%d::jsonpath) v WHERE %s)",
			pathIdx, strings.Join(alts, " OR ")))
	}

	anyPath := "(" + strings.Join(exists, " OR ") + ")"
	switch f.Modifier {
	case resource.ModifierMissing:
		if len(f.Values) > 0 && f.Values[0] == "true" {
			return "NOT " + anyPath, args, argIdx, nil
		}
		return anyPath, args, argIdx, nil
	case resource.ModifierNot:
		return "NOT " + anyPath, args, argIdx, nil
	}
	return anyPath, args, argIdx, nil
}

func valueClause(paramType string, mod resource.SearchModifier, value string, argIdx int) (string, []interface{}, int) {
	switch paramType {
	case "string":
		return StringValueClause(value, mod, argIdx)
	case "token":
		return TokenValueClause(value, argIdx)
	case "date":
		return DateValueClause(value, argIdx)
	case "reference":
		return ReferenceValueClause(value, argIdx)
	case "number":
		return NumberValueClause(value, argIdx)
	}
	return "FALSE", nil, argIdx
}

const textOf = "(v #>> '{}')"

// StringValueClause matches a string element case-insensitively by prefix,
// or exactly / by substring with the exact and contains modifiers.
func StringValueClause(value string, mod resource.SearchModifier, argIdx int) (string, []interface{}, int) {
	guard := "jsonb_typeof(v) = 'string' AND "
	switch mod {
	case resource.ModifierExact:
		return fmt.Sprintf("(%s%s = $%d)", guard, textOf, argIdx), []interface{}{value}, argIdx + 1
	case resource.ModifierContains:
		return fmt.Sprintf("(%s%s ILIKE $%d)", guard, textOf, argIdx), []interface{}{"%" + escapeLike(value) + "%"}, argIdx + 1
	default:
		return fmt.Sprintf("(%s%s ILIKE $%d)", guard, textOf, argIdx), []interface{}{escapeLike(value) + "%"}, argIdx + 1
	}
}

// TokenValueClause handles "code", "system|code", "|code" and "system|"
// against plain codes, booleans, Coding, Identifier and CodeableConcept.
func TokenValueClause(value string, argIdx int) (string, []interface{}, int) {
	q := ParseToken(value)

	var args []interface{}
	systemIdx, codeIdx := 0, 0
	if q.HasSystem && q.System != "" {
		systemIdx = argIdx
		args = append(args, q.System)
		argIdx++
	}
	if q.Code != "" {
		codeIdx = argIdx
		args = append(args, q.Code)
		argIdx++
	}

	codingMatch := func(obj string) string {
		var conds []string
		switch {
		case systemIdx > 0:
			conds = append(conds, fmt.Sprintf("%s->>'system' = $%d", obj, systemIdx))
		case q.HasSystem:
			conds = append(conds, fmt.Sprintf("%s->>'system' IS NULL", obj))
		}
		if codeIdx > 0 {
			conds = append(conds, fmt.Sprintf("COALESCE(%s->>'code', %s->>'value') = $%d", obj, obj, codeIdx))
		}
		if len(conds) == 0 {
			return "FALSE"
		}
		return strings.Join(conds, " AND ")
	}

	var alts []string
	if systemIdx == 0 && codeIdx > 0 {
		alts = append(alts, fmt.Sprintf("(jsonb_typeof(v) IN ('string', 'boolean') AND %s = $%d)", textOf, codeIdx))
	}
	alts = append(alts,
		fmt.Sprintf("(jsonb_typeof(v) = 'object' AND jsonb_typeof(v->'coding') IS DISTINCT FROM 'array' AND %s)", codingMatch("v")),
		fmt.Sprintf("(jsonb_typeof(v->'coding') = 'array' AND EXISTS (SELECT 1 FROM jsonb_array_elements(v->'coding') c WHERE %s))", codingMatch("c")),
	)
	return "(" + strings.Join(alts, " OR ") + ")", args, argIdx
}

// fhirDateLow is created by the migrations; it pads partial FHIR dates to the
// start of the period they denote.
const fhirDateLow = "fhir_date_low(" + textOf + ")"

// DateValueClause compares a date element against the period a partial date
// search value denotes.
func DateValueClause(value string, argIdx int) (string, []interface{}, int) {
	parsed := resource.ParseSearchValue(value)
	low, high, err := DateRange(parsed.Value)
	if err != nil {
		return "FALSE", nil, argIdx
	}
	col := fhirDateLow
	guard := "jsonb_typeof(v) = 'string' AND "

	switch parsed.Prefix {
	case resource.PrefixGt, resource.PrefixSa:
		return fmt.Sprintf("(%s%s >= $%d)", guard, col, argIdx), []interface{}{high}, argIdx + 1
	case resource.PrefixLt, resource.PrefixEb:
		return fmt.Sprintf("(%s%s < $%d)", guard, col, argIdx), []interface{}{low}, argIdx + 1
	case resource.PrefixGe:
		return fmt.Sprintf("(%s%s >= $%d)", guard, col, argIdx), []interface{}{low}, argIdx + 1
	case resource.PrefixLe:
		return fmt.Sprintf("(%s%s < $%d)", guard, col, argIdx), []interface{}{high}, argIdx + 1
	case resource.PrefixNe:
		clause := fmt.Sprintf("(%s(%s < $%d OR %s >= $%d))", guard, col, argIdx, col, argIdx+1)
		return clause, []interface{}{low, high}, argIdx + 2
	default:
		clause := fmt.Sprintf("(%s%s >= $%d AND %s < $%d)", guard, col, argIdx, col, argIdx+1)
		return clause, []interface{}{low, high}, argIdx + 2
	}
}

// ReferenceValueClause matches "Type/id" exactly, and a bare id against any
// reference ending in "/id".
func ReferenceValueClause(value string, argIdx int) (string, []interface{}, int) {
	if strings.Contains(value, "/") {
		return fmt.Sprintf("(v->>'reference' = $%d)", argIdx), []interface{}{value}, argIdx + 1
	}
	clause := fmt.Sprintf("(v->>'reference' = $%d OR v->>'reference' LIKE $%d)", argIdx, argIdx+1)
	return clause, []interface{}{value, "%/" + escapeLike(value)}, argIdx + 2
}

// NumberValueClause compares a number or Quantity.value element.
func NumberValueClause(value string, argIdx int) (string, []interface{}, int) {
	parsed := resource.ParseSearchValue(value)
	if _, err := strconv.ParseFloat(parsed.Value, 64); err != nil {
		return "FALSE", nil, argIdx
	}
	num := "(CASE WHEN jsonb_typeof(v) = 'number' THEN " + textOf + "::numeric " +
		"WHEN jsonb_typeof(v->'value') = 'number' THEN (v->>'value')::numeric END)"

	op := "="
	switch parsed.Prefix {
	case resource.PrefixGt, resource.PrefixSa:
		op = ">"
	case resource.PrefixLt, resource.PrefixEb:
		op = "<"
	case resource.PrefixGe:
		op = ">="
	case resource.PrefixLe:
		op = "<="
	case resource.PrefixNe:
		op = "!="
	}
	return fmt.Sprintf("(%s %s $%d::numeric)", num, op, argIdx), []interface{}{parsed.Value}, argIdx + 1
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
