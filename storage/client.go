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

// Package storage implements a client for the Supabase storage API:
// bucket administration on the Client, object operations on the handle
// returned by From:
//
//	res, err := client.From("avatars").Upload(ctx, "u1.png", file, storage.FileOptions{})
//
// Every operation classifies non-2xx responses through the shared error
// taxonomy, so callers can match on apierror types.
package storage

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/internal/httpapi"
)

// Config configures a Client.
type Config struct {
	// URL is the storage endpoint, such as
	// https://project.supabase.co/storage/v1.
	URL string
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
		c.Log = slog.Default().With("component", "storage")
	}
	return nil
}

// Client administers buckets and hands out object handles for one
// storage endpoint.
type Client struct {
	api     *httpapi.Client
	baseURL string
	log     *slog.Logger
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
		api:     api,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		log:     cfg.Log,
	}, nil
}

// From returns the object handle for a bucket.
func (c *Client) From(bucket string) *ObjectAPI {
	return &ObjectAPI{
		api:     c.api,
		baseURL: c.baseURL,
		bucket:  bucket,
		log:     c.log,
	}
}

// Bucket is a storage bucket.
type Bucket struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Owner            string    `json:"owner"`
	Public           bool      `json:"public"`
	FileSizeLimit    int64     `json:"file_size_limit"`
	AllowedMimeTypes []string  `json:"allowed_mime_types"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// BucketOptions shape a bucket on creation and update.
type BucketOptions struct {
	// Public makes objects readable without authorization via their
	// public URL.
	Public bool
	// FileSizeLimit caps the size of uploaded objects in bytes. Zero
	// inherits the project wide limit.
	FileSizeLimit int64
	// AllowedMimeTypes restricts uploads to the listed content types.
	// Empty allows all.
	AllowedMimeTypes []string
}

type bucketRequest struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Public           bool     `json:"public"`
	FileSizeLimit    int64    `json:"file_size_limit,omitempty"`
	AllowedMimeTypes []string `json:"allowed_mime_types,omitempty"`
}

// ListBuckets returns all buckets of the project.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	resp, err := c.api.Do(ctx, httpapi.Request{Path: "bucket"})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	var buckets []Bucket
	if err := resp.Decode(&buckets); err != nil {
		return nil, trace.Wrap(err)
	}
	return buckets, nil
}

// GetBucket returns one bucket by id.
func (c *Client) GetBucket(ctx context.Context, id string) (*Bucket, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	resp, err := c.api.Do(ctx, httpapi.Request{Path: "bucket/" + id})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	var bucket Bucket
	if err := resp.Decode(&bucket); err != nil {
		return nil, trace.Wrap(err)
	}
	return &bucket, nil
}

// CreateBucket creates a bucket named after its id.
func (c *Client) CreateBucket(ctx context.Context, id string, opts BucketOptions) error {
	if id == "" {
		return trace.BadParameter("missing parameter id")
	}
	resp, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "bucket",
		JSON: bucketRequest{
			ID:               id,
			Name:             id,
			Public:           opts.Public,
			FileSizeLimit:    opts.FileSizeLimit,
			AllowedMimeTypes: opts.AllowedMimeTypes,
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body))
}

// UpdateBucket replaces a bucket's options.
func (c *Client) UpdateBucket(ctx context.Context, id string, opts BucketOptions) error {
	if id == "" {
		return trace.BadParameter("missing parameter id")
	}
	resp, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodPut,
		Path:   "bucket/" + id,
		JSON: bucketRequest{
			ID:               id,
			Name:             id,
			Public:           opts.Public,
			FileSizeLimit:    opts.FileSizeLimit,
			AllowedMimeTypes: opts.AllowedMimeTypes,
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body))
}

// EmptyBucket removes all objects from a bucket.
func (c *Client) EmptyBucket(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing parameter id")
	}
	resp, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "bucket/" + id + "/empty",
		JSON:   map[string]any{},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body))
}

// DeleteBucket deletes a bucket. The bucket must be empty.
func (c *Client) DeleteBucket(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing parameter id")
	}
	resp, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodDelete,
		Path:   "bucket/" + id,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body))
}
