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
	"net/http"

	"github.com/gravitational/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TokenResolver produces the bearer token for an outgoing request.
type TokenResolver func(ctx context.Context) (string, error)

// TokenTransport decorates a transport with platform credentials: it injects
// the Authorization and apikey headers on requests that do not carry them
// already, leaving caller-supplied values untouched.
type TokenTransport struct {
	inner   http.RoundTripper
	apikey  string
	resolve TokenResolver
}

// NewTokenTransport wraps inner with credential injection. A nil inner
// defaults to an OpenTelemetry instrumented standard transport. resolve may
// be nil, in which case the apikey doubles as the bearer token.
func NewTokenTransport(inner http.RoundTripper, apikey string, resolve TokenResolver) *TokenTransport {
	if inner == nil {
		inner = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &TokenTransport{
		inner:   inner,
		apikey:  apikey,
		resolve: resolve,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *TokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	needAuth := req.Header.Get("Authorization") == ""
	needKey := req.Header.Get("apikey") == ""
	if !needAuth && !needKey {
		return t.inner.RoundTrip(req)
	}

	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	if needKey && t.apikey != "" {
		req.Header.Set("apikey", t.apikey)
	}
	if needAuth {
		token := t.apikey
		if t.resolve != nil {
			var err error
			token, err = t.resolve(req.Context())
			if err != nil {
				return nil, trace.Wrap(err)
			}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return t.inner.RoundTrip(req)
}

// CloseIdleConnections forwards to the wrapped transport when supported.
func (t *TokenTransport) CloseIdleConnections() {
	if c, ok := t.inner.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
