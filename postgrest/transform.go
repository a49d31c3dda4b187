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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/internal/httpapi"
)

// TransformBuilder shapes how the selected rows come back. It is the last
// stage of a chain before Execute.
type TransformBuilder struct {
	req *request
}

// Select asks a mutation to return the affected rows, with the given column
// list. Without it Insert, Upsert, Update and Delete return no body.
func (t *TransformBuilder) Select(columns string) *TransformBuilder {
	if columns == "" {
		columns = "*"
	}
	t.req.params.Set("select", stripColumnSpaces(columns))
	t.req.addPrefer("return=representation")
	return t
}

// OrderParams tune an Order transform.
type OrderParams struct {
	// Descending flips the default ascending order.
	Descending bool
	// NullsFirst sorts nulls before non-nulls.
	NullsFirst bool
	// NullsLast sorts nulls after non-nulls.
	NullsLast bool
	// ReferencedTable orders the rows of an embedded resource instead of
	// the top level result.
	ReferencedTable string
}

// Order sorts the result by a column. Repeated calls compound: earlier
// columns sort first. A nil params means ascending with default null
// placement.
func (t *TransformBuilder) Order(column string, params *OrderParams) *TransformBuilder {
	if params == nil {
		params = &OrderParams{}
	}
	key := "order"
	if params.ReferencedTable != "" {
		key = params.ReferencedTable + ".order"
	}
	value := column + ".asc"
	if params.Descending {
		value = column + ".desc"
	}
	switch {
	case params.NullsFirst:
		value += ".nullsfirst"
	case params.NullsLast:
		value += ".nullslast"
	}
	if existing := t.req.params.Get(key); existing != "" {
		value = existing + "," + value
	}
	t.req.params.Set(key, value)
	return t
}

// Limit caps the number of rows returned. The optional referencedTable caps
// the rows of an embedded resource instead.
func (t *TransformBuilder) Limit(count int, referencedTable ...string) *TransformBuilder {
	key := "limit"
	if len(referencedTable) > 0 && referencedTable[0] != "" {
		key = referencedTable[0] + ".limit"
	}
	t.req.params.Set(key, strconv.Itoa(count))
	return t
}

// Range returns rows from index from to index to inclusive, zero based. The
// optional referencedTable ranges over an embedded resource instead.
func (t *TransformBuilder) Range(from, to int, referencedTable ...string) *TransformBuilder {
	offsetKey, limitKey := "offset", "limit"
	if len(referencedTable) > 0 && referencedTable[0] != "" {
		offsetKey = referencedTable[0] + ".offset"
		limitKey = referencedTable[0] + ".limit"
	}
	t.req.params.Set(offsetKey, strconv.Itoa(from))
	t.req.params.Set(limitKey, strconv.Itoa(to-from+1))
	return t
}

// Single makes the server return exactly one row as a bare JSON object.
// Zero or multiple rows are a PGRST116 error.
func (t *TransformBuilder) Single() *TransformBuilder {
	t.req.headers["Accept"] = "application/vnd.pgrst.object+json"
	return t
}

// MaybeSingle returns at most one row as a bare JSON object, or no data at
// all when nothing matched. Multiple rows are a PGRST116 error.
func (t *TransformBuilder) MaybeSingle() *TransformBuilder {
	if t.req.method == http.MethodGet {
		t.req.headers["Accept"] = "application/json"
	} else {
		t.req.headers["Accept"] = "application/vnd.pgrst.object+json"
	}
	t.req.maybeSingle = true
	return t
}

// CSV returns the result as comma separated values instead of JSON.
func (t *TransformBuilder) CSV() *TransformBuilder {
	t.req.headers["Accept"] = "text/csv"
	return t
}

// GeoJSON returns the result as a GeoJSON feature collection, for tables
// with PostGIS geometry.
func (t *TransformBuilder) GeoJSON() *TransformBuilder {
	t.req.headers["Accept"] = "application/geo+json"
	return t
}

// ExplainParams tune an Explain transform.
type ExplainParams struct {
	// Analyze actually executes the query and reports run times.
	Analyze bool
	// Verbose expands the plan output.
	Verbose bool
	// Settings includes planner settings that differ from defaults.
	Settings bool
	// Buffers reports buffer usage; requires Analyze.
	Buffers bool
	// WAL reports write ahead log usage; requires Analyze.
	WAL bool
	// Format is the plan output format, "text" or "json". Defaults to
	// text.
	Format string
}

// Explain returns the query plan instead of running the query. The endpoint
// must have plan output enabled, which production setups usually do not.
func (t *TransformBuilder) Explain(params *ExplainParams) *TransformBuilder {
	if params == nil {
		params = &ExplainParams{}
	}
	format := params.Format
	switch format {
	case "":
		format = "text"
	case "text", "json":
	default:
		t.req.setErr(trace.BadParameter("explain format must be text or json, got %q", params.Format))
		return t
	}
	var options []string
	for _, opt := range []struct {
		name string
		set  bool
	}{
		{"analyze", params.Analyze},
		{"verbose", params.Verbose},
		{"settings", params.Settings},
		{"buffers", params.Buffers},
		{"wal", params.WAL},
	} {
		if opt.set {
			options = append(options, opt.name)
		}
	}
	forMedia := t.req.headers["Accept"]
	if forMedia == "" {
		forMedia = "application/json"
	}
	t.req.headers["Accept"] = fmt.Sprintf(
		"application/vnd.pgrst.plan+%s; for=%q; options=%s;",
		format, forMedia, strings.Join(options, "|"),
	)
	return t
}

// Rollback runs the query inside a transaction that is rolled back, so
// mutations report their would-be result without persisting it.
func (t *TransformBuilder) Rollback() *TransformBuilder {
	t.req.addPrefer("tx=rollback")
	return t
}

// MaxAffected rejects a mutation that would touch more than n rows. The
// request fails instead of partially applying.
func (t *TransformBuilder) MaxAffected(n int) *TransformBuilder {
	t.req.addPrefer("handling=strict")
	t.req.addPrefer("max-affected=" + strconv.Itoa(n))
	return t
}

// Result is a completed query response.
type Result struct {
	// Data is the raw response body: a JSON array, a bare object after
	// Single or MaybeSingle, CSV text, or empty for headers-only requests.
	Data []byte
	// Count is the total row count when the query asked for one with
	// WithCount, otherwise -1.
	Count int64
	// Status is the HTTP status code.
	Status int
	// Header holds the response headers.
	Header http.Header
}

// Execute runs the query. Builder misuse recorded earlier in the chain is
// returned here, before any request is made.
func (t *TransformBuilder) Execute(ctx context.Context) (*Result, error) {
	r := t.req
	if r.err != nil {
		return nil, trace.Wrap(r.err)
	}

	headers := make(map[string]string, len(r.headers)+2)
	for k, v := range r.headers {
		headers[k] = v
	}
	if len(r.prefer) > 0 {
		headers["Prefer"] = strings.Join(r.prefer, ",")
	}
	if schema := r.client.schema; schema != "" {
		if r.method == http.MethodGet || r.method == http.MethodHead {
			headers["Accept-Profile"] = schema
		} else {
			headers["Content-Profile"] = schema
		}
	}

	req := httpapi.Request{
		Method:  r.method,
		Path:    r.path,
		Query:   r.params,
		Headers: headers,
	}
	if len(r.body) > 0 {
		req.Body = bytes.NewReader(r.body)
	}
	resp, err := r.client.api.Do(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return t.interpret(resp)
}

// interpret applies the response conventions: the 404 workarounds, error
// classification with the MaybeSingle zero-rows rescue, count extraction
// and MaybeSingle unwrapping.
func (t *TransformBuilder) interpret(resp *httpapi.Response) (*Result, error) {
	r := t.req

	// Some deployments answer a filtered miss with 404 instead of an
	// empty result.
	if resp.StatusCode == http.StatusNotFound {
		trimmed := bytes.TrimSpace(resp.Body)
		switch {
		case len(trimmed) == 0:
			return &Result{Status: http.StatusNoContent, Count: -1, Header: resp.Header}, nil
		case trimmed[0] == '[':
			return &Result{Status: http.StatusOK, Data: []byte("[]"), Count: -1, Header: resp.Header}, nil
		}
	}

	if err := apierror.FromPostgrestResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		if r.maybeSingle && isZeroRowsError(err) {
			return &Result{Status: http.StatusOK, Count: -1, Header: resp.Header}, nil
		}
		return nil, trace.Wrap(err)
	}

	result := &Result{
		Data:   resp.Body,
		Count:  -1,
		Status: resp.StatusCode,
		Header: resp.Header,
	}
	if r.wantCount {
		result.Count = contentRangeCount(resp.Header.Get("Content-Range"))
	}

	// A GET MaybeSingle keeps the plain JSON accept and unwraps the array
	// here, so a miss is no data instead of a server error.
	if r.maybeSingle && r.method == http.MethodGet {
		var rows []json.RawMessage
		if err := json.Unmarshal(resp.Body, &rows); err == nil {
			switch len(rows) {
			case 0:
				result.Data = nil
			case 1:
				result.Data = rows[0]
			default:
				return nil, trace.Wrap(&apierror.APIError{
					Message: "JSON object requested, multiple (or no) rows returned",
					Status:  http.StatusNotAcceptable,
					Code:    "PGRST116",
					Details: fmt.Sprintf("Results contain %d rows, application/vnd.pgrst.object+json requires 1 row", len(rows)),
				})
			}
		}
	}
	return result, nil
}

// ExecuteTo runs the query and unmarshals the result into dest, returning
// the row count when one was requested. dest is left untouched when the
// response carried no data.
func (t *TransformBuilder) ExecuteTo(ctx context.Context, dest any) (int64, error) {
	result, err := t.Execute(ctx)
	if err != nil {
		return -1, trace.Wrap(err)
	}
	if len(result.Data) == 0 {
		return result.Count, nil
	}
	if err := json.Unmarshal(result.Data, dest); err != nil {
		return result.Count, trace.Wrap(err, "decoding query result")
	}
	return result.Count, nil
}

// isZeroRowsError recognizes the PostgREST error for an object request that
// matched nothing.
func isZeroRowsError(err error) bool {
	apiErr, ok := apierror.AsAPIError(err)
	return ok && strings.Contains(apiErr.Details, "0 rows")
}

// contentRangeCount parses the total after the slash of a content-range
// header such as "0-9/42", returning -1 when absent or unknown.
func contentRangeCount(header string) int64 {
	i := strings.LastIndexByte(header, '/')
	if i < 0 {
		return -1
	}
	total, err := strconv.ParseInt(header[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return total
}
