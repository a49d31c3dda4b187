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
	"bytes"
	"encoding/json"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"unicode"

	"github.com/gravitational/trace"
)

// Count selects the row counting algorithm reported through the
// content-range response header.
type Count string

const (
	// CountExact walks the whole result for a precise count.
	CountExact Count = "exact"
	// CountPlanned reads the query planner's estimate.
	CountPlanned Count = "planned"
	// CountEstimated uses exact counts below a threshold and planner
	// estimates above it.
	CountEstimated Count = "estimated"
)

// queryConfig collects the per-entry options. Each entry point reads the
// fields that apply to it and ignores the rest.
type queryConfig struct {
	head             bool
	get              bool
	count            Count
	onConflict       string
	ignoreDuplicates bool
	missingDefault   bool
}

// QueryOption tunes a single CRUD entry point.
type QueryOption func(*queryConfig)

// WithHead asks for headers only. Select issues a HEAD request instead of
// GET; Rpc invokes the function with HEAD and its arguments in the query
// string.
func WithHead() QueryOption {
	return func(cfg *queryConfig) { cfg.head = true }
}

// WithGet makes Rpc invoke a read-only function with GET, its arguments in
// the query string.
func WithGet() QueryOption {
	return func(cfg *queryConfig) { cfg.get = true }
}

// WithCount requests a row count alongside the result, readable from
// Result.Count.
func WithCount(count Count) QueryOption {
	return func(cfg *queryConfig) { cfg.count = count }
}

// WithOnConflict names the columns (comma separated) whose unique
// constraint Upsert resolves on.
func WithOnConflict(columns string) QueryOption {
	return func(cfg *queryConfig) { cfg.onConflict = columns }
}

// WithIgnoreDuplicates makes Upsert drop conflicting rows instead of
// merging them.
func WithIgnoreDuplicates() QueryOption {
	return func(cfg *queryConfig) { cfg.ignoreDuplicates = true }
}

// WithMissingDefault makes Insert and Upsert fill columns absent from the
// payload with their database defaults instead of null.
func WithMissingDefault() QueryOption {
	return func(cfg *queryConfig) { cfg.missingDefault = true }
}

func applyOptions(opts []QueryOption) queryConfig {
	var cfg queryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// request accumulates the method, parameters, headers and body of one query
// as the builder chain narrows. The first argument error is kept and
// surfaced by Execute.
type request struct {
	client      *Client
	method      string
	path        string
	params      url.Values
	headers     map[string]string
	prefer      []string
	body        []byte
	wantCount   bool
	maybeSingle bool
	err         error
}

func newRequest(client *Client, method, path string) *request {
	return &request{
		client:  client,
		method:  method,
		path:    path,
		params:  url.Values{},
		headers: map[string]string{"Accept": "application/json"},
	}
}

// setErr records the first builder misuse; later ones would only obscure
// the root cause.
func (r *request) setErr(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *request) addPrefer(directive string) {
	r.prefer = append(r.prefer, directive)
}

// setBody marshals the payload. With unionColumns set and an array payload,
// the columns parameter is set to the union of all row keys so PostgREST
// accepts heterogenous rows.
func (r *request) setBody(values any, unionColumns bool) {
	raw, err := json.Marshal(values)
	if err != nil {
		r.setErr(trace.Wrap(err, "encoding request body"))
		return
	}
	r.body = raw
	if !unionColumns {
		return
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return
	}
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		// Arrays of non-objects carry no column information.
		return
	}
	set := make(map[string]struct{})
	for _, row := range rows {
		for column := range row {
			set[column] = struct{}{}
		}
	}
	if len(set) == 0 {
		return
	}
	columns := slices.Sorted(maps.Keys(set))
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = `"` + column + `"`
	}
	r.params.Set("columns", strings.Join(quoted, ","))
}

// setRPCParams spreads a read-only function's arguments into the query
// string. Array arguments use postgres array literal syntax.
func (r *request) setRPCParams(args any) {
	raw, err := json.Marshal(args)
	if err != nil {
		r.setErr(trace.Wrap(err, "encoding function arguments"))
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		r.setErr(trace.BadParameter("function arguments must be an object"))
		return
	}
	for name, value := range fields {
		if list, ok := value.([]any); ok {
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = literal(item)
			}
			r.params.Set(name, "{"+strings.Join(parts, ",")+"}")
			continue
		}
		r.params.Set(name, literal(value))
	}
}

// QueryBuilder selects the verb of a query against one relation. Every
// entry point starts a fresh request, so one QueryBuilder can launch many
// queries.
type QueryBuilder struct {
	client *Client
	path   string
}

func (q *QueryBuilder) newRequest(method string) *request {
	return newRequest(q.client, method, q.path)
}

// Select fetches rows. columns is a PostgREST column list, possibly with
// embedded resources; whitespace outside quoted identifiers is stripped.
// Empty means all columns.
func (q *QueryBuilder) Select(columns string, opts ...QueryOption) *FilterBuilder {
	cfg := applyOptions(opts)
	method := http.MethodGet
	if cfg.head {
		method = http.MethodHead
	}
	r := q.newRequest(method)
	if columns == "" {
		columns = "*"
	}
	r.params.Set("select", stripColumnSpaces(columns))
	if cfg.count != "" {
		r.addPrefer("count=" + string(cfg.count))
		r.wantCount = true
	}
	return newFilterBuilder(r)
}

// Insert adds rows. values is a single row or a slice of rows; for slices
// the columns parameter is set to the union of all row keys.
func (q *QueryBuilder) Insert(values any, opts ...QueryOption) *FilterBuilder {
	cfg := applyOptions(opts)
	r := q.newRequest(http.MethodPost)
	if cfg.count != "" {
		r.addPrefer("count=" + string(cfg.count))
		r.wantCount = true
	}
	if cfg.missingDefault {
		r.addPrefer("missing=default")
	}
	r.setBody(values, true)
	return newFilterBuilder(r)
}

// Upsert adds rows, resolving unique constraint conflicts by merging into
// the existing row, or dropping the new one under WithIgnoreDuplicates.
func (q *QueryBuilder) Upsert(values any, opts ...QueryOption) *FilterBuilder {
	cfg := applyOptions(opts)
	r := q.newRequest(http.MethodPost)
	resolution := "merge-duplicates"
	if cfg.ignoreDuplicates {
		resolution = "ignore-duplicates"
	}
	r.addPrefer("resolution=" + resolution)
	if cfg.count != "" {
		r.addPrefer("count=" + string(cfg.count))
		r.wantCount = true
	}
	if cfg.missingDefault {
		r.addPrefer("missing=default")
	}
	if cfg.onConflict != "" {
		r.params.Set("on_conflict", cfg.onConflict)
	}
	r.setBody(values, true)
	return newFilterBuilder(r)
}

// Update patches the rows selected by the chained filters. Updating without
// any filter is a PostgREST error, not a full table write.
func (q *QueryBuilder) Update(values any, opts ...QueryOption) *FilterBuilder {
	cfg := applyOptions(opts)
	r := q.newRequest(http.MethodPatch)
	if cfg.count != "" {
		r.addPrefer("count=" + string(cfg.count))
		r.wantCount = true
	}
	r.setBody(values, false)
	return newFilterBuilder(r)
}

// Delete removes the rows selected by the chained filters.
func (q *QueryBuilder) Delete(opts ...QueryOption) *FilterBuilder {
	cfg := applyOptions(opts)
	r := q.newRequest(http.MethodDelete)
	if cfg.count != "" {
		r.addPrefer("count=" + string(cfg.count))
		r.wantCount = true
	}
	return newFilterBuilder(r)
}

// stripColumnSpaces removes whitespace from a column list, except inside
// double quoted identifiers.
func stripColumnSpaces(columns string) string {
	var b strings.Builder
	b.Grow(len(columns))
	quoted := false
	for _, r := range columns {
		if r == '"' {
			quoted = !quoted
		}
		if unicode.IsSpace(r) && !quoted {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
