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

// Package functions invokes Supabase edge functions. The request body is
// encoded from its Go type ([]byte as octet-stream, string as plain text,
// io.Reader verbatim, anything else as JSON) and JSON responses are
// decoded automatically:
//
//	res, err := client.Invoke(ctx, "hello", functions.InvokeOptions{
//		Body: map[string]string{"name": "world"},
//	})
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/internal/httpapi"
)

// Region routes an invocation to the edge runtime of a region. The
// enumeration is open: any region name the platform grows is accepted.
type Region string

const (
	// RegionAny lets the platform pick the nearest region.
	RegionAny Region = "any"

	RegionApNortheast1 Region = "ap-northeast-1"
	RegionApNortheast2 Region = "ap-northeast-2"
	RegionApSouth1     Region = "ap-south-1"
	RegionApSoutheast1 Region = "ap-southeast-1"
	RegionApSoutheast2 Region = "ap-southeast-2"
	RegionCaCentral1   Region = "ca-central-1"
	RegionEuCentral1   Region = "eu-central-1"
	RegionEuWest1      Region = "eu-west-1"
	RegionEuWest2      Region = "eu-west-2"
	RegionEuWest3      Region = "eu-west-3"
	RegionSaEast1      Region = "sa-east-1"
	RegionUsEast1      Region = "us-east-1"
	RegionUsWest1      Region = "us-west-1"
	RegionUsWest2      Region = "us-west-2"
)

// Config configures a Client.
type Config struct {
	// URL is the functions endpoint, such as
	// https://project.supabase.co/functions/v1.
	URL string
	// Headers are applied to every invocation, typically the apikey and
	// Authorization pair.
	Headers map[string]string
	// Region is the default target region. Empty or RegionAny lets the
	// platform choose.
	Region Region
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
		c.Log = slog.Default().With("component", "functions")
	}
	return nil
}

// Client invokes edge functions on one functions endpoint.
type Client struct {
	api    *httpapi.Client
	region Region
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
		region: cfg.Region,
		log:    cfg.Log,
	}, nil
}

// InvokeOptions shape one invocation.
type InvokeOptions struct {
	// Method is the HTTP method, POST when empty.
	Method string
	// Headers are merged over the client defaults for this invocation
	// and win over the derived content type.
	Headers map[string]string
	// Body is the request payload: []byte goes as octet-stream, string
	// as plain text, io.Reader verbatim without a content type, anything
	// else as JSON.
	Body any
	// Region overrides the client's default region for this invocation.
	Region Region
}

// Response is an edge function invocation result.
type Response struct {
	// StatusCode is the HTTP status.
	StatusCode int
	// Header holds the response headers.
	Header http.Header
	// Body is the raw response body.
	Body []byte
	// Data is the decoded body of an application/json response, nil for
	// every other content type.
	Data any
}

// Decode unmarshals the JSON response body into out.
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Text returns the response body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Invoke calls an edge function. Relay failures surface as
// apierror.RelayError and non-2xx statuses through the shared error
// taxonomy.
func (c *Client) Invoke(ctx context.Context, name string, opts InvokeOptions) (*Response, error) {
	if name == "" {
		return nil, trace.BadParameter("missing parameter name")
	}
	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}

	headers := make(map[string]string)
	var query url.Values
	region := opts.Region
	if region == "" {
		region = c.region
	}
	if region != "" && region != RegionAny {
		headers["x-region"] = string(region)
		query = url.Values{"forceFunctionRegion": []string{string(region)}}
	}

	var body io.Reader
	var jsonBody any
	switch v := opts.Body.(type) {
	case nil:
	case []byte:
		headers["Content-Type"] = "application/octet-stream"
		body = bytes.NewReader(v)
	case string:
		headers["Content-Type"] = "text/plain"
		body = strings.NewReader(v)
	case io.Reader:
		// Verbatim bodies carry no content type unless the caller sets
		// one.
		headers["Content-Type"] = ""
		body = v
	default:
		jsonBody = v
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	resp, err := c.api.Do(ctx, httpapi.Request{
		Method:  method,
		Path:    name,
		Query:   query,
		Headers: headers,
		Body:    body,
		JSON:    jsonBody,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromFunctionsResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}
	if contentType(resp.Header) == "application/json" {
		if err := json.Unmarshal(resp.Body, &out.Data); err != nil {
			return nil, trace.BadParameter("decoding application/json function response: %v", err)
		}
	}
	return out, nil
}

// contentType extracts the bare media type of a response.
func contentType(header http.Header) string {
	raw := header.Get("Content-Type")
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(raw, ";")[0]))
	}
	return mediaType
}
