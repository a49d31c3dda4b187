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

// Package postgrest implements a fluent query builder for PostgREST
// endpoints. A chain narrows from Client through QueryBuilder,
// FilterBuilder and TransformBuilder, and nothing touches the network until
// Execute runs:
//
//	rows, err := client.From("countries").
//		Select("id,name").
//		Eq("continent", "Oceania").
//		Order("name", nil).
//		Execute(ctx)
//
// Argument mistakes inside a chain are recorded on the builder and returned
// by Execute, so chains stay fluent.
package postgrest

import (
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/internal/httpapi"
)

// Config configures a Client.
type Config struct {
	// URL is the PostgREST endpoint, such as
	// https://project.supabase.co/rest/v1.
	URL string
	// Schema is the postgres schema queries run against. Empty uses the
	// server's default schema.
	Schema string
	// Headers are applied to every request, typically the apikey and
	// Authorization pair.
	Headers map[string]string
	// HTTP is the underlying HTTP client. Defaults to an OpenTelemetry
	// instrumented client.
	HTTP *http.Client
	// Log emits request diagnostics. Defaults to slog.Default.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.Log == nil {
		c.Log = slog.Default().With("component", "postgrest")
	}
	return nil
}

// Client issues queries against one PostgREST endpoint and schema.
type Client struct {
	api    *httpapi.Client
	schema string
	log    *slog.Logger
}

// New returns a Client for the configured endpoint.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	api, err := httpapi.NewClient(httpapi.ClientConfig{
		BaseURL: cfg.URL,
		HTTP:    cfg.HTTP,
		Headers: cfg.Headers,
		Log:     cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		api:    api,
		schema: cfg.Schema,
		log:    cfg.Log,
	}, nil
}

// Schema returns a Client whose queries run against the given schema. The
// underlying transport is shared with the receiver.
func (c *Client) Schema(schema string) *Client {
	return &Client{
		api:    c.api,
		schema: schema,
		log:    c.log,
	}
}

// From starts a query against a table or view.
func (c *Client) From(relation string) *QueryBuilder {
	return &QueryBuilder{client: c, path: relation}
}

// Rpc calls a postgres function. args must marshal to a JSON object; they
// travel in the request body, or as query parameters for read-only calls
// made with WithGet or WithHead.
func (c *Client) Rpc(fn string, args any, opts ...QueryOption) *FilterBuilder {
	cfg := applyOptions(opts)
	method := http.MethodPost
	switch {
	case cfg.head:
		method = http.MethodHead
	case cfg.get:
		method = http.MethodGet
	}

	r := newRequest(c, method, "rpc/"+fn)
	if cfg.count != "" {
		r.addPrefer("count=" + string(cfg.count))
		r.wantCount = true
	}
	if args != nil {
		if method == http.MethodPost {
			r.setBody(args, false)
		} else {
			r.setRPCParams(args)
		}
	}
	return newFilterBuilder(r)
}
