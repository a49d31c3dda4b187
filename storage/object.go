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

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/internal/httpapi"
)

// ObjectAPI operates on the objects of one bucket.
type ObjectAPI struct {
	api     *httpapi.Client
	baseURL string
	bucket  string
	log     *slog.Logger
}

// FileOptions shape an upload.
type FileOptions struct {
	// CacheControl sets the object's cache lifetime, rendered as a
	// max-age directive. Zero leaves caching to the server default.
	CacheControl time.Duration
	// ContentType overrides content type detection.
	ContentType string
	// Upsert overwrites an existing object at the same path instead of
	// failing with a duplicate error.
	Upsert bool
}

// UploadResponse describes a stored object.
type UploadResponse struct {
	// ID is the object id.
	ID string
	// Path is the object key within the bucket.
	Path string
	// FullPath is the bucket-qualified key.
	FullPath string
}

// FileObject is an object listing entry. Folder entries carry only a
// name.
type FileObject struct {
	Name           string         `json:"name"`
	BucketID       string         `json:"bucket_id"`
	Owner          string         `json:"owner"`
	ID             string         `json:"id"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	Metadata       map[string]any `json:"metadata"`
}

// SortBy orders object listings.
type SortBy struct {
	// Column is the listing column to order by, "name" when empty.
	Column string
	// Order is "asc" or "desc", "asc" when empty.
	Order string
}

// ListOptions shape an object listing.
type ListOptions struct {
	// Limit caps the number of entries, 100 when zero.
	Limit int
	// Offset skips entries for pagination.
	Offset int
	// SortBy orders the listing.
	SortBy SortBy
	// Search filters entries by a substring of their name.
	Search string
}

// SignedURLOptions shape signed URL creation.
type SignedURLOptions struct {
	// Download makes browsers save the object under the given filename
	// instead of rendering it inline.
	Download string
}

// SignedURL is one entry of a batch signing response.
type SignedURL struct {
	// Path is the object key the entry refers to.
	Path string `json:"path"`
	// SignedURL is the absolute signed URL, empty when signing failed.
	SignedURL string `json:"signedURL"`
	// Error describes a per-object signing failure.
	Error string `json:"error"`
}

// Upload stores a new object. The content type is detected from the
// leading bytes unless the options name one.
func (o *ObjectAPI) Upload(ctx context.Context, path string, body io.Reader, opts FileOptions) (*UploadResponse, error) {
	return o.store(ctx, http.MethodPost, path, body, opts)
}

// Update replaces an existing object.
func (o *ObjectAPI) Update(ctx context.Context, path string, body io.Reader, opts FileOptions) (*UploadResponse, error) {
	return o.store(ctx, http.MethodPut, path, body, opts)
}

func (o *ObjectAPI) store(ctx context.Context, method, path string, body io.Reader, opts FileOptions) (*UploadResponse, error) {
	if path == "" {
		return nil, trace.BadParameter("missing parameter path")
	}
	contentType := opts.ContentType
	if contentType == "" {
		var err error
		contentType, body, err = sniffContentType(body)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	headers := map[string]string{"Content-Type": contentType}
	if opts.CacheControl > 0 {
		headers["Cache-Control"] = "max-age=" + strconv.Itoa(int(opts.CacheControl.Seconds()))
	}
	if opts.Upsert {
		headers["x-upsert"] = "true"
	}

	resp, err := o.api.Do(ctx, httpapi.Request{
		Method:  method,
		Path:    "object/" + o.bucket + "/" + objectPath(path),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	var data struct {
		ID  string `json:"Id"`
		Key string `json:"Key"`
	}
	if err := resp.Decode(&data); err != nil {
		return nil, trace.Wrap(err)
	}
	return &UploadResponse{
		ID:       data.ID,
		Path:     objectPath(path),
		FullPath: data.Key,
	}, nil
}

// sniffContentType detects the content type from the first 512 bytes and
// returns a reader replaying them ahead of the rest.
func sniffContentType(body io.Reader) (string, io.Reader, error) {
	peek := make([]byte, 512)
	n, err := io.ReadFull(body, peek)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", nil, trace.Wrap(err)
	}
	peek = peek[:n]
	return http.DetectContentType(peek), io.MultiReader(bytes.NewReader(peek), body), nil
}

// Download returns an object's contents.
func (o *ObjectAPI) Download(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, trace.BadParameter("missing parameter path")
	}
	resp, err := o.api.Do(ctx, httpapi.Request{
		Path: "object/" + o.bucket + "/" + objectPath(path),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Body, nil
}

// List returns the objects under a prefix. An empty prefix lists the
// bucket root.
func (o *ObjectAPI) List(ctx context.Context, prefix string, opts ListOptions) ([]FileObject, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.SortBy.Column == "" {
		opts.SortBy.Column = "name"
	}
	if opts.SortBy.Order == "" {
		opts.SortBy.Order = "asc"
	}
	body := map[string]any{
		"prefix": objectPath(prefix),
		"limit":  opts.Limit,
		"offset": opts.Offset,
		"sort_by": map[string]string{
			"column": opts.SortBy.Column,
			"order":  opts.SortBy.Order,
		},
	}
	if opts.Search != "" {
		body["search"] = opts.Search
	}
	resp, err := o.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "object/list/" + o.bucket,
		JSON:   body,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	var objects []FileObject
	if err := resp.Decode(&objects); err != nil {
		return nil, trace.Wrap(err)
	}
	return objects, nil
}

// Move renames an object within the bucket.
func (o *ObjectAPI) Move(ctx context.Context, source, destination string) error {
	resp, err := o.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "object/move",
		JSON: map[string]string{
			"bucketId":       o.bucket,
			"sourceKey":      objectPath(source),
			"destinationKey": objectPath(destination),
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body))
}

// Copy duplicates an object within the bucket and returns the
// bucket-qualified key of the copy.
func (o *ObjectAPI) Copy(ctx context.Context, source, destination string) (string, error) {
	resp, err := o.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "object/copy",
		JSON: map[string]string{
			"bucketId":       o.bucket,
			"sourceKey":      objectPath(source),
			"destinationKey": objectPath(destination),
		},
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return "", trace.Wrap(err)
	}
	var data struct {
		Key string `json:"Key"`
	}
	if err := resp.Decode(&data); err != nil {
		return "", trace.Wrap(err)
	}
	return data.Key, nil
}

// Remove deletes objects and returns the entries that were removed.
func (o *ObjectAPI) Remove(ctx context.Context, paths ...string) ([]FileObject, error) {
	if len(paths) == 0 {
		return nil, trace.BadParameter("missing parameter paths")
	}
	prefixes := make([]string, 0, len(paths))
	for _, path := range paths {
		prefixes = append(prefixes, objectPath(path))
	}
	resp, err := o.api.Do(ctx, httpapi.Request{
		Method: http.MethodDelete,
		Path:   "object/" + o.bucket,
		JSON:   map[string]any{"prefixes": prefixes},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	var objects []FileObject
	if err := resp.Decode(&objects); err != nil {
		return nil, trace.Wrap(err)
	}
	return objects, nil
}

// CreateSignedURL returns a URL granting temporary access to one object.
func (o *ObjectAPI) CreateSignedURL(ctx context.Context, path string, expiresIn time.Duration, opts SignedURLOptions) (string, error) {
	if path == "" {
		return "", trace.BadParameter("missing parameter path")
	}
	if expiresIn <= 0 {
		return "", trace.BadParameter("expiresIn must be positive, got %v", expiresIn)
	}
	resp, err := o.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "object/sign/" + o.bucket + "/" + objectPath(path),
		JSON:   map[string]any{"expiresIn": int(expiresIn.Seconds())},
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return "", trace.Wrap(err)
	}
	var data struct {
		SignedURL string `json:"signedURL"`
	}
	if err := resp.Decode(&data); err != nil {
		return "", trace.Wrap(err)
	}
	return o.absoluteSignedURL(data.SignedURL, opts), nil
}

// CreateSignedURLs signs a batch of objects in one round trip. Entries
// whose object is missing carry a per-entry error instead of failing the
// batch.
func (o *ObjectAPI) CreateSignedURLs(ctx context.Context, paths []string, expiresIn time.Duration, opts SignedURLOptions) ([]SignedURL, error) {
	if len(paths) == 0 {
		return nil, trace.BadParameter("missing parameter paths")
	}
	if expiresIn <= 0 {
		return nil, trace.BadParameter("expiresIn must be positive, got %v", expiresIn)
	}
	cleaned := make([]string, 0, len(paths))
	for _, path := range paths {
		cleaned = append(cleaned, objectPath(path))
	}
	resp, err := o.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "object/sign/" + o.bucket,
		JSON:   map[string]any{"expiresIn": int(expiresIn.Seconds()), "paths": cleaned},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromStorageResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	var urls []SignedURL
	if err := resp.Decode(&urls); err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range urls {
		if urls[i].SignedURL != "" {
			urls[i].SignedURL = o.absoluteSignedURL(urls[i].SignedURL, opts)
		}
	}
	return urls, nil
}

// GetPublicURL returns the public URL of an object in a public bucket.
// No request is made: access still depends on the bucket being public.
func (o *ObjectAPI) GetPublicURL(path string) string {
	return o.baseURL + "/object/public/" + o.bucket + "/" + objectPath(path)
}

// absoluteSignedURL prepends the endpoint to a server-relative signed URL
// and appends the download directive when asked for.
func (o *ObjectAPI) absoluteSignedURL(signed string, opts SignedURLOptions) string {
	full := o.baseURL + "/" + strings.TrimLeft(signed, "/")
	if opts.Download != "" {
		separator := "?"
		if strings.Contains(full, "?") {
			separator = "&"
		}
		full += separator + "download=" + url.QueryEscape(opts.Download)
	}
	return full
}

// objectPath normalizes an object key: no surrounding slashes, no empty
// segments.
func objectPath(path string) string {
	segments := strings.Split(path, "/")
	cleaned := segments[:0]
	for _, segment := range segments {
		if segment != "" {
			cleaned = append(cleaned, segment)
		}
	}
	return strings.Join(cleaned, "/")
}
