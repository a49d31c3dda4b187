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
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// pngBytes starts with the PNG signature so content sniffing has
// something to chew on.
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

func TestUploadDetectsContentType(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/object/avatars/u1.png", r.URL.Path)
		require.Equal(t, "image/png", r.Header.Get("Content-Type"))
		require.Empty(t, r.Header.Get("X-Upsert"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, pngBytes, data)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"Id": "uuid-1", "Key": "avatars/u1.png"}`)
	})

	res, err := client.From("avatars").Upload(t.Context(), "u1.png", bytes.NewReader(pngBytes), FileOptions{})
	require.NoError(t, err)
	require.Equal(t, "uuid-1", res.ID)
	require.Equal(t, "u1.png", res.Path)
	require.Equal(t, "avatars/u1.png", res.FullPath)
}

func TestUploadOptions(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/markdown", r.Header.Get("Content-Type"))
		require.Equal(t, "max-age=3600", r.Header.Get("Cache-Control"))
		require.Equal(t, "true", r.Header.Get("X-Upsert"))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"Id": "uuid-2", "Key": "docs/readme.md"}`)
	})

	_, err := client.From("docs").Upload(t.Context(), "readme.md", strings.NewReader("# hi"), FileOptions{
		ContentType:  "text/markdown",
		CacheControl: time.Hour,
		Upsert:       true,
	})
	require.NoError(t, err)

	_, err = client.From("docs").Upload(t.Context(), "", strings.NewReader(""), FileOptions{})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestUpdateUsesPut(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/object/avatars/u1.png", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"Id": "uuid-1", "Key": "avatars/u1.png"}`)
	})

	_, err := client.From("avatars").Update(t.Context(), "u1.png", bytes.NewReader(pngBytes), FileOptions{})
	require.NoError(t, err)
}

func TestDownload(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/object/avatars/folder/u1.png", r.URL.Path)

		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	})

	data, err := client.From("avatars").Download(t.Context(), "/folder//u1.png")
	require.NoError(t, err)
	require.Equal(t, pngBytes, data)
}

func TestList(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/object/list/avatars", r.URL.Path)
		body := decodeBody(t, r)
		require.Equal(t, "folder", body["prefix"])
		require.Equal(t, float64(100), body["limit"])
		require.Equal(t, float64(0), body["offset"])
		require.Equal(t, map[string]any{"column": "name", "order": "asc"}, body["sort_by"])
		require.NotContains(t, body, "search")

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"name": "u1.png", "id": "uuid-1", "bucket_id": "avatars", "metadata": {"size": 128}},
			{"name": "subfolder"}
		]`)
	})

	objects, err := client.From("avatars").List(t.Context(), "folder", ListOptions{})
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.Equal(t, "u1.png", objects[0].Name)
	require.Equal(t, float64(128), objects[0].Metadata["size"])
	require.Empty(t, objects[1].ID)
}

func TestListSearch(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, "report", body["search"])
		require.Equal(t, float64(10), body["limit"])
		require.Equal(t, float64(20), body["offset"])
		require.Equal(t, map[string]any{"column": "created_at", "order": "desc"}, body["sort_by"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})

	_, err := client.From("avatars").List(t.Context(), "", ListOptions{
		Limit:  10,
		Offset: 20,
		SortBy: SortBy{Column: "created_at", Order: "desc"},
		Search: "report",
	})
	require.NoError(t, err)
}

func TestMove(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/object/move", r.URL.Path)
		body := decodeBody(t, r)
		require.Equal(t, "avatars", body["bucketId"])
		require.Equal(t, "u1.png", body["sourceKey"])
		require.Equal(t, "archive/u1.png", body["destinationKey"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"message": "Successfully moved"}`)
	})

	require.NoError(t, client.From("avatars").Move(t.Context(), "u1.png", "archive/u1.png"))
}

func TestCopy(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/object/copy", r.URL.Path)
		body := decodeBody(t, r)
		require.Equal(t, "avatars", body["bucketId"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"Key": "avatars/copy/u1.png"}`)
	})

	key, err := client.From("avatars").Copy(t.Context(), "u1.png", "copy/u1.png")
	require.NoError(t, err)
	require.Equal(t, "avatars/copy/u1.png", key)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/object/avatars", r.URL.Path)
		body := decodeBody(t, r)
		require.Equal(t, []any{"u1.png", "u2.png"}, body["prefixes"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"name": "u1.png"}, {"name": "u2.png"}]`)
	})

	removed, err := client.From("avatars").Remove(t.Context(), "u1.png", "u2.png")
	require.NoError(t, err)
	require.Len(t, removed, 2)

	_, err = client.From("avatars").Remove(t.Context())
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestCreateSignedURL(t *testing.T) {
	t.Parallel()

	var baseURL string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/object/sign/avatars/u1.png", r.URL.Path)
		body := decodeBody(t, r)
		require.Equal(t, float64(60), body["expiresIn"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"signedURL": "/object/sign/avatars/u1.png?token=abc"}`)
	})
	baseURL = client.baseURL

	signed, err := client.From("avatars").CreateSignedURL(t.Context(), "u1.png", time.Minute, SignedURLOptions{})
	require.NoError(t, err)
	require.Equal(t, baseURL+"/object/sign/avatars/u1.png?token=abc", signed)

	signed, err = client.From("avatars").CreateSignedURL(t.Context(), "u1.png", time.Minute, SignedURLOptions{
		Download: "profile picture.png",
	})
	require.NoError(t, err)
	require.Equal(t, baseURL+"/object/sign/avatars/u1.png?token=abc&download=profile+picture.png", signed)

	_, err = client.From("avatars").CreateSignedURL(t.Context(), "u1.png", 0, SignedURLOptions{})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestCreateSignedURLs(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/object/sign/avatars", r.URL.Path)
		body := decodeBody(t, r)
		require.Equal(t, float64(120), body["expiresIn"])
		require.Equal(t, []any{"u1.png", "missing.png"}, body["paths"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"path": "u1.png", "signedURL": "/object/sign/avatars/u1.png?token=abc"},
			{"path": "missing.png", "error": "Either the object does not exist or you do not have access to it"}
		]`)
	})

	urls, err := client.From("avatars").CreateSignedURLs(t.Context(), []string{"u1.png", "missing.png"}, 2*time.Minute, SignedURLOptions{})
	require.NoError(t, err)
	require.Len(t, urls, 2)
	require.Contains(t, urls[0].SignedURL, "/object/sign/avatars/u1.png?token=abc")
	require.True(t, strings.HasPrefix(urls[0].SignedURL, "http"), "expected an absolute URL, got %q", urls[0].SignedURL)
	require.Empty(t, urls[1].SignedURL)
	require.NotEmpty(t, urls[1].Error)
}

func TestGetPublicURL(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request: %v %v", r.Method, r.URL)
	})

	got := client.From("avatars").GetPublicURL("/folder//u1.png")
	require.Equal(t, client.baseURL+"/object/public/avatars/folder/u1.png", got)
}
