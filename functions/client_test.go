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

package functions

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/defaults"
)

// newTestClient returns a Client pointed at an httptest server running
// handler, with the header pair a Supabase deployment expects.
func newTestClient(t *testing.T, region Region, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		URL:    srv.URL,
		Region: region,
		Headers: map[string]string{
			"apikey":        "test-key",
			"Authorization": "Bearer test-key",
		},
	})
	require.NoError(t, err)
	return client
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestInvokeJSONBody(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/hello", r.URL.Path)
		require.Equal(t, defaults.JSONContentType, r.Header.Get("Content-Type"))
		require.Equal(t, "test-key", r.Header.Get("apikey"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"name": "world"}`, string(data))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"message": "Hello world!"}`)
	})

	res, err := client.Invoke(t.Context(), "hello", InvokeOptions{
		Body: map[string]string{"name": "world"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, map[string]any{"message": "Hello world!"}, res.Data)

	var out struct {
		Message string `json:"message"`
	}
	require.NoError(t, res.Decode(&out))
	require.Equal(t, "Hello world!", out.Message)
}

func TestInvokeBodyEncodings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		body            any
		wantContentType string
		wantBody        string
	}{
		{
			name:            "bytes as octet-stream",
			body:            []byte{0x01, 0x02, 0x03},
			wantContentType: "application/octet-stream",
			wantBody:        "\x01\x02\x03",
		},
		{
			name:            "string as plain text",
			body:            "plain payload",
			wantContentType: "text/plain",
			wantBody:        "plain payload",
		},
		{
			name:            "reader verbatim without content type",
			body:            strings.NewReader("raw stream"),
			wantContentType: "",
			wantBody:        "raw stream",
		},
		{
			name:            "struct as json",
			body:            struct{ N int }{N: 7},
			wantContentType: defaults.JSONContentType,
			wantBody:        `{"N":7}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, tt.wantContentType, r.Header.Get("Content-Type"))
				data, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				require.Equal(t, tt.wantBody, string(data))
				io.WriteString(w, "ok")
			})

			res, err := client.Invoke(t.Context(), "echo", InvokeOptions{Body: tt.body})
			require.NoError(t, err)
			require.Equal(t, "ok", res.Text())
			require.Nil(t, res.Data)
		})
	}
}

func TestInvokeRegion(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, RegionEuWest1, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "eu-west-1", r.Header.Get("x-region"))
		require.Equal(t, "eu-west-1", r.URL.Query().Get("forceFunctionRegion"))
		io.WriteString(w, "ok")
	})

	_, err := client.Invoke(t.Context(), "hello", InvokeOptions{})
	require.NoError(t, err)
}

func TestInvokeRegionOverride(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, RegionEuWest1, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "us-east-1", r.Header.Get("x-region"))
		require.Equal(t, "us-east-1", r.URL.Query().Get("forceFunctionRegion"))
		io.WriteString(w, "ok")
	})

	_, err := client.Invoke(t.Context(), "hello", InvokeOptions{Region: RegionUsEast1})
	require.NoError(t, err)
}

func TestInvokeRegionAny(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, RegionAny, func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("x-region"))
		require.False(t, r.URL.Query().Has("forceFunctionRegion"))
		io.WriteString(w, "ok")
	})

	_, err := client.Invoke(t.Context(), "hello", InvokeOptions{})
	require.NoError(t, err)
}

func TestInvokeMethodOverride(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		io.WriteString(w, "ok")
	})

	_, err := client.Invoke(t.Context(), "hello", InvokeOptions{Method: http.MethodGet})
	require.NoError(t, err)
}

func TestInvokeRelayError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-relay-error", "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"message": "Function exited with an error"}`)
	})

	_, err := client.Invoke(t.Context(), "hello", InvokeOptions{})
	require.Error(t, err)
	var relayErr *apierror.RelayError
	require.True(t, errors.As(err, &relayErr), "expected RelayError, got %v", err)
	require.Equal(t, "Function exited with an error", relayErr.Message)
	require.Equal(t, http.StatusInternalServerError, relayErr.Status)
}

func TestInvokeHTTPError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "nope")
	})

	_, err := client.Invoke(t.Context(), "hello", InvokeOptions{})
	require.Error(t, err)
	apiErr, ok := apierror.AsAPIError(err)
	require.True(t, ok, "expected APIError, got %v", err)
	require.Equal(t, http.StatusForbidden, apiErr.Status)

	_, err = client.Invoke(t.Context(), "", InvokeOptions{})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestInvokeRetryableStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Invoke(t.Context(), "hello", InvokeOptions{})
	require.Error(t, err)
	require.True(t, apierror.IsRetryable(err), "expected RetryableError, got %v", err)
}
