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

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/defaults"
)

func TestDoHeaderLayering(t *testing.T) {
	t.Parallel()

	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	clt, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		Headers: map[string]string{
			"X-Custom":                "client",
			defaults.ClientInfoHeader: "custom-agent/1.0",
		},
	})
	require.NoError(t, err)

	_, err = clt.Do(context.Background(), Request{
		Path: "health",
		Headers: map[string]string{
			"X-Custom": "request",
		},
	})
	require.NoError(t, err)

	// client defaults replace the standard layer, request headers replace
	// client defaults
	require.Equal(t, "custom-agent/1.0", got.Get(defaults.ClientInfoHeader))
	require.Equal(t, "request", got.Get("X-Custom"))
}

func TestDoDefaultClientInfo(t *testing.T) {
	t.Parallel()

	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	clt, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = clt.Do(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, "supabase-go/"+defaults.Version, got.Get(defaults.ClientInfoHeader))
}

func TestDoJSONBody(t *testing.T) {
	t.Parallel()

	var gotBody map[string]string
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":"yes"}`))
	}))
	defer server.Close()

	clt, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	resp, err := clt.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "echo",
		JSON:   map[string]string{"email": "user@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, defaults.JSONContentType, gotContentType)
	require.Equal(t, "user@example.com", gotBody["email"])

	var out map[string]string
	require.NoError(t, resp.Decode(&out))
	require.Equal(t, "yes", out["ok"])
}

func TestDoPathAndQuery(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
	}))
	defer server.Close()

	clt, err := NewClient(ClientConfig{BaseURL: server.URL + "/auth/v1/"})
	require.NoError(t, err)

	q := url.Values{}
	q.Set("grant_type", "password")
	_, err = clt.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/token",
		Query:  q,
	})
	require.NoError(t, err)
	require.Equal(t, "/auth/v1/token", gotPath)
	require.Equal(t, "grant_type=password", gotQuery)
}

func TestDoTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	clt, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = clt.Do(context.Background(), Request{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoCallerCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	clt, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	// even with a generous per-request timeout the caller's context wins
	_, err = clt.Do(ctx, Request{Timeout: time.Minute})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDoTransportErrorIsRetryable(t *testing.T) {
	t.Parallel()

	clt, err := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = clt.Do(context.Background(), Request{})
	require.Error(t, err)
	require.True(t, apierror.IsRetryable(err))
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{})
	require.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}

func TestTokenTransportInjection(t *testing.T) {
	t.Parallel()

	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	resolve := func(ctx context.Context) (string, error) { return "resolved-token", nil }
	clt := &http.Client{Transport: NewTokenTransport(nil, "anon-key", resolve)}

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := clt.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "Bearer resolved-token", got.Get("Authorization"))
	require.Equal(t, "anon-key", got.Get("apikey"))
	// the original request must stay untouched
	require.Empty(t, req.Header.Get("Authorization"))
}

func TestTokenTransportPreservesCallerHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	resolve := func(ctx context.Context) (string, error) { return "resolved-token", nil }
	clt := &http.Client{Transport: NewTokenTransport(nil, "anon-key", resolve)}

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer caller-token")
	req.Header.Set("apikey", "caller-key")

	resp, err := clt.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "Bearer caller-token", got.Get("Authorization"))
	require.Equal(t, "caller-key", got.Get("apikey"))
}

func TestTokenTransportResolverError(t *testing.T) {
	t.Parallel()

	resolve := func(ctx context.Context) (string, error) {
		return "", errors.New("token source is down")
	}
	clt := &http.Client{Transport: NewTokenTransport(nil, "anon-key", resolve)}

	_, err := clt.Get("http://127.0.0.1:1")
	require.Error(t, err)
	require.ErrorContains(t, err, "token source is down")
}

func TestTokenTransportNilResolverUsesKey(t *testing.T) {
	t.Parallel()

	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	clt := &http.Client{Transport: NewTokenTransport(nil, "anon-key", nil)}
	resp, err := clt.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "Bearer anon-key", got.Get("Authorization"))
	require.Equal(t, "anon-key", got.Get("apikey"))
}
