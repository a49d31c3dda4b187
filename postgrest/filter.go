/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgrest

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// FilterBuilder narrows a query to the rows it applies to. Filter methods
// keep returning the FilterBuilder; transform methods hand over to the
// embedded TransformBuilder, after which no more filters can be added.
type FilterBuilder struct {
	TransformBuilder
}

func newFilterBuilder(r *request) *FilterBuilder {
	return &FilterBuilder{TransformBuilder{req: r}}
}

func (f *FilterBuilder) appendFilter(column, condition string) *FilterBuilder {
	f.req.params.Add(column, condition)
	return f
}

// Eq keeps rows where the column equals value.
func (f *FilterBuilder) Eq(column string, value any) *FilterBuilder {
	return f.appendFilter(column, "eq."+literal(value))
}

// Neq keeps rows where the column does not equal value.
func (f *FilterBuilder) Neq(column string, value any) *FilterBuilder {
	return f.appendFilter(column, "neq."+literal(value))
}

// Gt keeps rows where the column is greater than value.
func (f *FilterBuilder) Gt(column string, value any) *FilterBuilder {
	return f.appendFilter(column, "gt."+literal(value))
}

// Gte keeps rows where the column is greater than or equal to value.
func (f *FilterBuilder) Gte(column string, value any) *FilterBuilder {
	return f.appendFilter(column, "gte."+literal(value))
}

// Lt keeps rows where the column is less than value.
func (f *FilterBuilder) Lt(column string, value any) *FilterBuilder {
	return f.appendFilter(column, "lt."+literal(value))
}

// Lte keeps rows where the column is less than or equal to value.
func (f *FilterBuilder) Lte(column string, value any) *FilterBuilder {
	return f.appendFilter(column, "lte."+literal(value))
}

// Like keeps rows where the column matches the case sensitive pattern, with
// % as the wildcard.
func (f *FilterBuilder) Like(column, pattern string) *FilterBuilder {
	return f.appendFilter(column, "like."+pattern)
}

// Ilike keeps rows where the column matches the case insensitive pattern.
func (f *FilterBuilder) Ilike(column, pattern string) *FilterBuilder {
	return f.appendFilter(column, "ilike."+pattern)
}

// LikeAllOf keeps rows where the column matches every pattern.
func (f *FilterBuilder) LikeAllOf(column string, patterns ...string) *FilterBuilder {
	return f.appendFilter(column, "like(all).{"+strings.Join(patterns, ",")+"}")
}

// LikeAnyOf keeps rows where the column matches at least one pattern.
func (f *FilterBuilder) LikeAnyOf(column string, patterns ...string) *FilterBuilder {
	return f.appendFilter(column, "like(any).{"+strings.Join(patterns, ",")+"}")
}

// IlikeAllOf keeps rows where the column matches every pattern, case
// insensitively.
func (f *FilterBuilder) IlikeAllOf(column string, patterns ...string) *FilterBuilder {
	return f.appendFilter(column, "ilike(all).{"+strings.Join(patterns, ",")+"}")
}

// IlikeAnyOf keeps rows where the column matches at least one pattern, case
// insensitively.
func (f *FilterBuilder) IlikeAnyOf(column string, patterns ...string) *FilterBuilder {
	return f.appendFilter(column, "ilike(any).{"+strings.Join(patterns, ",")+"}")
}

// Is checks the column against null or a truth value. value must be nil, a
// bool, or one of the strings null, true, false and unknown.
func (f *FilterBuilder) Is(column string, value any) *FilterBuilder {
	var s string
	switch v := value.(type) {
	case nil:
		s = "null"
	case bool:
		s = strconv.FormatBool(v)
	case string:
		switch v {
		case "null", "true", "false", "unknown":
			s = v
		default:
			f.req.setErr(trace.BadParameter("is filter accepts null, true, false or unknown, got %q", v))
			return f
		}
	default:
		f.req.setErr(trace.BadParameter("is filter accepts null, true, false or unknown, got %T", value))
		return f
	}
	return f.appendFilter(column, "is."+s)
}

// IsDistinct keeps rows where the column is distinct from value, treating
// null as a comparable value.
func (f *FilterBuilder) IsDistinct(column string, value any) *FilterBuilder {
	return f.appendFilter(column, "isdistinct."+literal(value))
}

// In keeps rows where the column equals one of the values. Values
// containing a comma or parenthesis are quoted; duplicates are dropped.
func (f *FilterBuilder) In(column string, values ...any) *FilterBuilder {
	seen := make(map[string]struct{}, len(values))
	parts := make([]string, 0, len(values))
	for _, value := range values {
		s := literal(value)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		if strings.ContainsAny(s, ",()") {
			s = `"` + s + `"`
		}
		parts = append(parts, s)
	}
	return f.appendFilter(column, "in.("+strings.Join(parts, ",")+")")
}

// Contains keeps rows whose array, range or jsonb column contains value: a
// slice becomes an array literal, a string passes through as a range
// literal, anything else is sent as JSON.
func (f *FilterBuilder) Contains(column string, value any) *FilterBuilder {
	return f.containmentFilter(column, "cs", value)
}

// ContainedBy keeps rows whose array, range or jsonb column is contained by
// value.
func (f *FilterBuilder) ContainedBy(column string, value any) *FilterBuilder {
	return f.containmentFilter(column, "cd", value)
}

func (f *FilterBuilder) containmentFilter(column, op string, value any) *FilterBuilder {
	s, err := containerLiteral(value)
	if err != nil {
		f.req.setErr(trace.Wrap(err))
		return f
	}
	return f.appendFilter(column, op+"."+s)
}

// Overlaps keeps rows whose array or range column shares at least one
// element or point with value.
func (f *FilterBuilder) Overlaps(column string, value any) *FilterBuilder {
	if s, ok := arrayLiteral(value); ok {
		return f.appendFilter(column, "ov."+s)
	}
	return f.appendFilter(column, "ov."+literal(value))
}

// RangeGt keeps rows whose range column is strictly to the right of rng.
func (f *FilterBuilder) RangeGt(column, rng string) *FilterBuilder {
	return f.appendFilter(column, "sr."+rng)
}

// RangeGte keeps rows whose range column does not extend to the left of
// rng.
func (f *FilterBuilder) RangeGte(column, rng string) *FilterBuilder {
	return f.appendFilter(column, "nxl."+rng)
}

// RangeLt keeps rows whose range column is strictly to the left of rng.
func (f *FilterBuilder) RangeLt(column, rng string) *FilterBuilder {
	return f.appendFilter(column, "sl."+rng)
}

// RangeLte keeps rows whose range column does not extend to the right of
// rng.
func (f *FilterBuilder) RangeLte(column, rng string) *FilterBuilder {
	return f.appendFilter(column, "nxr."+rng)
}

// RangeAdjacent keeps rows whose range column is adjacent to rng.
func (f *FilterBuilder) RangeAdjacent(column, rng string) *FilterBuilder {
	return f.appendFilter(column, "adj."+rng)
}

// SearchType selects the text search query parser.
type SearchType string

const (
	// SearchPlain parses the query with plainto_tsquery.
	SearchPlain SearchType = "plain"
	// SearchPhrase parses the query with phraseto_tsquery.
	SearchPhrase SearchType = "phrase"
	// SearchWebsearch parses the query with websearch_to_tsquery.
	SearchWebsearch SearchType = "websearch"
)

// TextSearchParams tune a full text search filter.
type TextSearchParams struct {
	// Config is the text search configuration, such as "english".
	Config string
	// Type selects the query parser. Empty uses to_tsquery directly.
	Type SearchType
}

// TextSearch keeps rows whose tsvector column matches the query.
func (f *FilterBuilder) TextSearch(column, query string, params *TextSearchParams) *FilterBuilder {
	op := "fts"
	config := ""
	if params != nil {
		switch params.Type {
		case "":
		case SearchPlain:
			op = "plfts"
		case SearchPhrase:
			op = "phfts"
		case SearchWebsearch:
			op = "wfts"
		default:
			f.req.setErr(trace.BadParameter("unsupported text search type %q", params.Type))
			return f
		}
		config = params.Config
	}
	if config != "" {
		op += "(" + config + ")"
	}
	return f.appendFilter(column, op+"."+query)
}

// Match keeps rows where every listed column equals its value.
func (f *FilterBuilder) Match(query map[string]any) *FilterBuilder {
	for column, value := range query {
		f.appendFilter(column, "eq."+literal(value))
	}
	return f
}

// Not negates a single condition, such as Not("status", "eq", "archived").
func (f *FilterBuilder) Not(column, operator string, value any) *FilterBuilder {
	if !validOperator(operator) {
		f.req.setErr(trace.BadParameter("unsupported filter operator %q", operator))
		return f
	}
	return f.appendFilter(column, "not."+operator+"."+literal(value))
}

// Or keeps rows satisfying at least one of the conditions, written in
// PostgREST syntax: "id.eq.2,name.eq.Algeria". The optional referencedTable
// applies the disjunction to an embedded resource instead.
func (f *FilterBuilder) Or(filters string, referencedTable ...string) *FilterBuilder {
	key := "or"
	if len(referencedTable) > 0 && referencedTable[0] != "" {
		key = referencedTable[0] + ".or"
	}
	f.req.params.Add(key, "("+filters+")")
	return f
}

// Filter appends a raw condition for operators without a dedicated method,
// such as regular expression matches: Filter("name", "imatch", "^al").
func (f *FilterBuilder) Filter(column, operator string, value any) *FilterBuilder {
	if !validOperator(operator) {
		f.req.setErr(trace.BadParameter("unsupported filter operator %q", operator))
		return f
	}
	return f.appendFilter(column, operator+"."+literal(value))
}

// filterOperators is the PostgREST operator set accepted by Filter and Not.
var filterOperators = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true,
	"lte": true, "like": true, "ilike": true, "is": true,
	"isdistinct": true, "in": true, "cs": true, "cd": true, "ov": true,
	"sr": true, "nxl": true, "sl": true, "nxr": true, "adj": true,
	"match": true, "imatch": true, "fts": true, "plfts": true,
	"phfts": true, "wfts": true,
}

// validOperator reports whether op is a known PostgREST operator, allowing
// a not. prefix, the like/ilike all|any forms and a text search
// configuration suffix.
func validOperator(op string) bool {
	op = strings.TrimPrefix(op, "not.")
	if open := strings.IndexByte(op, '('); open >= 0 {
		if !strings.HasSuffix(op, ")") {
			return false
		}
		base, arg := op[:open], op[open+1:len(op)-1]
		switch base {
		case "like", "ilike":
			return arg == "all" || arg == "any"
		case "fts", "plfts", "phfts", "wfts":
			return arg != ""
		}
		return false
	}
	return filterOperators[op]
}

// literal renders a filter value the way PostgREST expects it in a query
// string.
func literal(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// arrayLiteral renders a slice as a postgres array literal.
func arrayLiteral(value any) (string, bool) {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return "", false
	}
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = literal(rv.Index(i).Interface())
	}
	return "{" + strings.Join(parts, ",") + "}", true
}

// containerLiteral renders a containment operand: strings pass through as
// range literals, slices become array literals and anything else is JSON.
func containerLiteral(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	if s, ok := arrayLiteral(value); ok {
		return s, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", trace.Wrap(err, "encoding containment filter value")
	}
	return string(raw), nil
}
