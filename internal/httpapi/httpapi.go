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

// Package httpapi implements the HTTP plane shared by the Supabase service
// clients: URL joining, layered headers, timeout handling and transport
// error classification.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/defaults"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the service endpoint all request paths are joined to.
	BaseURL string
	// HTTP is the underlying client. Defaults to a client with an
	// OpenTelemetry instrumented transport.
	HTTP *http.Client
	// Headers are applied to every request unless the request overrides
	// the same key.
	Headers map[string]string
	// Log emits request diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing parameter BaseURL")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return trace.BadParameter("invalid BaseURL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return trace.BadParameter("BaseURL must use http or https, got %q", u.Scheme)
	}
	if c.HTTP == nil {
		c.HTTP = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Client executes requests against one service endpoint.
type Client struct {
	base    *url.URL
	http    *http.Client
	headers map[string]string
	log     *slog.Logger
}

// NewClient returns a Client for the configured endpoint.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, trace.BadParameter("invalid BaseURL: %v", err)
	}
	headers := map[string]string{
		defaults.ClientInfoHeader: "supabase-go/" + defaults.Version,
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &Client{
		base:    base,
		http:    cfg.HTTP,
		headers: headers,
		log:     cfg.Log,
	}, nil
}

// BaseURL returns the endpoint this client talks to, without a trailing
// slash.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// HTTPClient returns the underlying HTTP client, shared with other service
// clients that need the same transport.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Headers returns a copy of the client's default headers.
func (c *Client) Headers() map[string]string {
	headers := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		headers[k] = v
	}
	return headers
}

// Request describes one HTTP exchange.
type Request struct {
	// Method is the HTTP method, GET when empty.
	Method string
	// Path is joined to the client's base URL.
	Path string
	// Query is the encoded query string, optional.
	Query url.Values
	// Headers override the client's defaults for this request only.
	Headers map[string]string
	// Body is sent verbatim when set; it takes precedence over JSON.
	Body io.Reader
	// JSON is marshaled into the request body when Body is nil.
	JSON any
	// Timeout bounds this request. Zero means only the caller's context
	// limits it; both cancel the request, whichever fires first.
	Timeout time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	// StatusCode is the HTTP status.
	StatusCode int
	// Header holds the response headers.
	Header http.Header
	// Body is the full response body.
	Body []byte
}

// Decode unmarshals the JSON response body into out.
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Do executes the request and reads the response body. The error covers
// transport level failures only; HTTP error statuses are returned in the
// Response for the caller's service specific classifier.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u := *c.base
	if req.Path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	body := req.Body
	bodied := false
	if body == nil && req.JSON != nil {
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		body = bytes.NewReader(encoded)
		bodied = true
	} else if body != nil {
		bodied = true
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Layered headers, later layers win: standard, client defaults, then
	// the per-request overrides.
	if bodied {
		httpReq.Header.Set("Content-Type", defaults.JSONContentType)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		if v == "" {
			httpReq.Header.Del(k)
			continue
		}
		httpReq.Header.Set(k, v)
	}

	c.log.DebugContext(ctx, "Executing request.", "method", method, "url", u.Redacted())
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, trace.Wrap(apierror.FromTransportError(err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(apierror.FromTransportError(err))
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
	}, nil
}

// AsHTTPResponse adapts a Response to the http.Response shape the error
// classifiers take.
func (r *Response) AsHTTPResponse() *http.Response {
	return &http.Response{StatusCode: r.StatusCode, Header: r.Header}
}
