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
	"net/http"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/supabase-go/apierror"
)

func TestOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		build func(q *QueryBuilder) *FilterBuilder
		key   string
		want  string
	}{
		{
			name: "ascending by default",
			build: func(q *QueryBuilder) *FilterBuilder {
				f := q.Select("")
				f.Order("name", nil)
				return f
			},
			key:  "order",
			want: "name.asc",
		},
		{
			name: "descending with nulls first",
			build: func(q *QueryBuilder) *FilterBuilder {
				f := q.Select("")
				f.Order("age", &OrderParams{Descending: true, NullsFirst: true})
				return f
			},
			key:  "order",
			want: "age.desc.nullsfirst",
		},
		{
			name: "ascending with nulls last",
			build: func(q *QueryBuilder) *FilterBuilder {
				f := q.Select("")
				f.Order("age", &OrderParams{NullsLast: true})
				return f
			},
			key:  "order",
			want: "age.asc.nullslast",
		},
		{
			name: "repeated calls compound in order",
			build: func(q *QueryBuilder) *FilterBuilder {
				f := q.Select("")
				f.Order("age", &OrderParams{Descending: true}).Order("name", nil)
				return f
			},
			key:  "order",
			want: "age.desc,name.asc",
		},
		{
			name: "referenced table gets its own key",
			build: func(q *QueryBuilder) *FilterBuilder {
				f := q.Select("")
				f.Order("name", &OrderParams{ReferencedTable: "cities"})
				return f
			},
			key:  "cities.order",
			want: "name.asc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := queryFor(t, tt.build)
			require.Equal(t, tt.want, got.Get(tt.key))
		})
	}
}

func TestLimitAndRange(t *testing.T) {
	t.Parallel()

	t.Run("limit", func(t *testing.T) {
		got := queryFor(t, func(q *QueryBuilder) *FilterBuilder {
			f := q.Select("")
			f.Limit(10)
			return f
		})
		require.Equal(t, "10", got.Get("limit"))
	})

	t.Run("limit on a referenced table", func(t *testing.T) {
		got := queryFor(t, func(q *QueryBuilder) *FilterBuilder {
			f := q.Select("")
			f.Limit(5, "cities")
			return f
		})
		require.Equal(t, "5", got.Get("cities.limit"))
		require.False(t, got.Has("limit"))
	})

	t.Run("range is inclusive", func(t *testing.T) {
		got := queryFor(t, func(q *QueryBuilder) *FilterBuilder {
			f := q.Select("")
			f.Range(5, 9)
			return f
		})
		require.Equal(t, "5", got.Get("offset"))
		require.Equal(t, "5", got.Get("limit"))
	})

	t.Run("range of one row", func(t *testing.T) {
		got := queryFor(t, func(q *QueryBuilder) *FilterBuilder {
			f := q.Select("")
			f.Range(0, 0)
			return f
		})
		require.Equal(t, "0", got.Get("offset"))
		require.Equal(t, "1", got.Get("limit"))
	})

	t.Run("range on a referenced table", func(t *testing.T) {
		got := queryFor(t, func(q *QueryBuilder) *FilterBuilder {
			f := q.Select("")
			f.Range(2, 4, "cities")
			return f
		})
		require.Equal(t, "2", got.Get("cities.offset"))
		require.Equal(t, "3", got.Get("cities.limit"))
	})
}

func TestSingle(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/vnd.pgrst.object+json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/vnd.pgrst.object+json")
		_, _ = w.Write([]byte(`{"id":1,"name":"Algeria"}`))
	})

	result, err := client.From("countries").
		Select("").
		Eq("id", 1).
		Single().
		Execute(t.Context())
	require.NoError(t, err)
	require.JSONEq(t, `{"id":1,"name":"Algeria"}`, string(result.Data))
}

func TestMaybeSingleGet(t *testing.T) {
	t.Parallel()

	// On GET the accept header stays plain JSON and the array is unwrapped
	// on the client, so older PostgREST versions do not error on a miss.
	run := func(t *testing.T, rows string) (*Result, error) {
		client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "application/json", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(rows))
		})
		return client.From("countries").
			Select("").
			Eq("id", 1).
			MaybeSingle().
			Execute(t.Context())
	}

	t.Run("no rows", func(t *testing.T) {
		result, err := run(t, `[]`)
		require.NoError(t, err)
		require.Empty(t, result.Data)
		require.Equal(t, http.StatusOK, result.Status)
	})

	t.Run("one row unwraps", func(t *testing.T) {
		result, err := run(t, `[{"id":1,"name":"Algeria"}]`)
		require.NoError(t, err)
		require.JSONEq(t, `{"id":1,"name":"Algeria"}`, string(result.Data))
	})

	t.Run("several rows error", func(t *testing.T) {
		_, err := run(t, `[{"id":1},{"id":2}]`)
		require.Error(t, err)

		apiErr, ok := apierror.AsAPIError(err)
		require.True(t, ok)
		require.Equal(t, "PGRST116", apiErr.Code)
		require.Equal(t, http.StatusNotAcceptable, apiErr.Status)
		require.Contains(t, apiErr.Details, "2 rows")
	})
}

func TestMaybeSingleMutation(t *testing.T) {
	t.Parallel()

	t.Run("zero rows is not an error", func(t *testing.T) {
		client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPatch, r.Method)
			require.Equal(t, "application/vnd.pgrst.object+json", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotAcceptable)
			_, _ = w.Write([]byte(`{
				"message": "JSON object requested, multiple (or no) rows returned",
				"details": "The result contains 0 rows",
				"code": "PGRST116"
			}`))
		})

		result, err := client.From("countries").
			Update(map[string]any{"name": "Denmark"}).
			Eq("id", 999).
			MaybeSingle().
			Execute(t.Context())
		require.NoError(t, err)
		require.Empty(t, result.Data)
		require.Equal(t, http.StatusOK, result.Status)
	})

	t.Run("several rows stay an error", func(t *testing.T) {
		client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotAcceptable)
			_, _ = w.Write([]byte(`{
				"message": "JSON object requested, multiple (or no) rows returned",
				"details": "Results contain 2 rows, application/vnd.pgrst.object+json requires 1 row",
				"code": "PGRST116"
			}`))
		})

		_, err := client.From("countries").
			Update(map[string]any{"name": "Denmark"}).
			Eq("id", 1).
			MaybeSingle().
			Execute(t.Context())
		require.Error(t, err)

		apiErr, ok := apierror.AsAPIError(err)
		require.True(t, ok)
		require.Equal(t, "PGRST116", apiErr.Code)
	})
}

func TestCSV(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/csv", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("id,name\n1,Algeria\n"))
	})

	result, err := client.From("countries").
		Select("").
		CSV().
		Execute(t.Context())
	require.NoError(t, err)
	require.Equal(t, "id,name\n1,Algeria\n", string(result.Data))
}

func TestGeoJSON(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/geo+json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	})

	result, err := client.From("areas").
		Select("").
		GeoJSON().
		Execute(t.Context())
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(result.Data))
}

func TestExplain(t *testing.T) {
	t.Parallel()

	t.Run("text plan by default", func(t *testing.T) {
		client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t,
				`application/vnd.pgrst.plan+text; for="application/json"; options=;`,
				r.Header.Get("Accept"))
			_, _ = w.Write([]byte("Aggregate (cost=...)"))
		})

		result, err := client.From("countries").
			Select("").
			Explain(nil).
			Execute(t.Context())
		require.NoError(t, err)
		require.Contains(t, string(result.Data), "Aggregate")
	})

	t.Run("options and prior accept are carried", func(t *testing.T) {
		client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t,
				`application/vnd.pgrst.plan+json; for="application/vnd.pgrst.object+json"; options=analyze|verbose;`,
				r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"Plan":{}}]`))
		})

		_, err := client.From("countries").
			Select("").
			Single().
			Explain(&ExplainParams{Analyze: true, Verbose: true, Format: "json"}).
			Execute(t.Context())
		require.NoError(t, err)
	})

	t.Run("format must be text or json", func(t *testing.T) {
		client := newTestClient(t, "", refuseRequests(t))

		_, err := client.From("countries").
			Select("").
			Explain(&ExplainParams{Format: "xml"}).
			Execute(t.Context())
		require.Error(t, err)
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestRollback(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tx=rollback", r.Header.Get("Prefer"))
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := client.From("countries").
		Update(map[string]any{"name": "Denmark"}).
		Eq("id", 1).
		Rollback().
		Execute(t.Context())
	require.NoError(t, err)
}

func TestMaxAffected(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "count=exact,handling=strict,max-affected=10", r.Header.Get("Prefer"))
		w.Header().Set("Content-Range", "*/3")
		w.WriteHeader(http.StatusNoContent)
	})

	result, err := client.From("countries").
		Delete(WithCount(CountExact)).
		Eq("status", "stale").
		MaxAffected(10).
		Execute(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 3, result.Count)
}

func TestContentRangeCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   int64
	}{
		{name: "bounded range", header: "0-9/42", want: 42},
		{name: "unbounded range", header: "*/13", want: 13},
		{name: "unknown total", header: "0-9/*", want: -1},
		{name: "missing header", header: "", want: -1},
		{name: "malformed header", header: "junk", want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, contentRangeCount(tt.header))
		})
	}
}
