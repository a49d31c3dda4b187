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

// Package supabase is the entry point of the client library. New builds one
// client per project and wires the service clients together: the auth
// session feeds the Authorization header of every data plane request and
// the realtime socket follows sign-in state:
//
//	client, err := supabase.New("https://project.supabase.co", anonKey)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	rows, err := client.From("countries").Select("id,name").Execute(ctx)
//
// Server processes holding their own tokens skip the session engine with
// WithAccessToken; client.Auth is nil in that mode.
package supabase

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/auth"
	"github.com/gravitational/supabase-go/functions"
	"github.com/gravitational/supabase-go/internal/httpapi"
	"github.com/gravitational/supabase-go/postgrest"
	"github.com/gravitational/supabase-go/realtime"
	"github.com/gravitational/supabase-go/storage"
)

// Client bundles the service clients of one Supabase project.
type Client struct {
	// Auth is the auth service client and session engine. Nil when the
	// client was built with WithAccessToken; token handling then belongs
	// to the caller.
	Auth *auth.Client
	// Realtime multiplexes channels over one websocket.
	Realtime *realtime.Client
	// Storage operates on buckets and objects.
	Storage *storage.Client
	// Functions invokes edge functions.
	Functions *functions.Client

	rest          *postgrest.Client
	anonKey       string
	accessTokenFn AccessTokenFunc
	authSub       *auth.Subscription
}

// New returns a Client for the project at url authenticating with the
// given API key. The service endpoints are derived from the project URL.
func New(projectURL, key string, opts ...Option) (*Client, error) {
	base, err := normalizeProjectURL(projectURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if key == "" {
		return nil, trace.BadParameter("missing parameter key")
	}
	cfg := newConfig(opts)

	serviceHeaders := map[string]string{"apikey": key}
	for k, v := range cfg.headers {
		serviceHeaders[k] = v
	}

	c := &Client{
		anonKey:       key,
		accessTokenFn: cfg.accessToken,
	}
	// The auth client starts its refresh loop on construction; stop it
	// again if wiring the remaining services fails.
	wired := false
	defer func() {
		if !wired && c.Auth != nil {
			c.Auth.Close()
		}
	}()

	if cfg.accessToken == nil {
		storageKey := cfg.storageKey
		if storageKey == "" {
			storageKey = deriveStorageKey(base)
		}
		c.Auth, err = auth.New(auth.Config{
			URL:                base + "/auth/v1",
			Headers:            serviceHeaders,
			StorageKey:         storageKey,
			Storage:            cfg.storage,
			DisableAutoRefresh: cfg.disableAutoRefresh,
			FlowType:           cfg.flowType,
			HTTP:               cfg.httpClient,
			Clock:              cfg.clock,
			Log:                cfg.log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	// The data plane clients share one credential-injecting transport so
	// every request carries the session token, or the API key when nobody
	// is signed in.
	tokenHTTP := tokenHTTPClient(cfg.httpClient, key, c.resolveAccessToken)

	c.rest, err = postgrest.New(postgrest.Config{
		URL:     base + "/rest/v1",
		Schema:  cfg.schema,
		Headers: serviceHeaders,
		HTTP:    tokenHTTP,
		Log:     cfg.log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.Storage, err = storage.New(storage.Config{
		URL:     base + "/storage/v1",
		Headers: serviceHeaders,
		HTTP:    tokenHTTP,
		Log:     cfg.log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.Functions, err = functions.New(functions.Config{
		URL:     base + "/functions/v1",
		Headers: serviceHeaders,
		Region:  cfg.functionsRegion,
		HTTP:    tokenHTTP,
		Log:     cfg.log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.Realtime, err = realtime.New(realtime.ClientConfig{
		URL:         base + "/realtime/v1",
		APIKey:      key,
		Params:      cfg.realtimeParams,
		Headers:     cfg.headers,
		AccessToken: c.resolveAccessToken,
		HTTP:        cfg.httpClient,
		Log:         cfg.log,
		Clock:       cfg.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if c.Auth != nil {
		// Keep the realtime authorization aligned with the session. The
		// refresh path re-resolves through the session, so an explicit
		// Realtime.SetAuth pin set by the caller stays untouched.
		c.authSub = c.Auth.OnAuthStateChange(func(event auth.AuthChangeEvent, session *auth.Session) {
			switch event {
			case auth.EventSignedIn, auth.EventTokenRefreshed, auth.EventSignedOut:
				_ = c.Realtime.RefreshAuth(context.Background())
			}
		})
	} else {
		// Third-party tokens: seed the realtime authorization once, in the
		// background so New does not block on the resolver.
		go func() {
			_ = c.Realtime.RefreshAuth(context.Background())
		}()
	}
	wired = true
	return c, nil
}

// Close tears the client down: the auth refresh loop stops, auth state
// listeners are dropped and the realtime socket closes. The persisted
// session stays in storage.
func (c *Client) Close() error {
	if c.authSub != nil {
		c.authSub.Unsubscribe()
	}
	if c.Auth != nil {
		c.Auth.Close()
	}
	return trace.Wrap(c.Realtime.Disconnect())
}

// From starts a query against a table or view.
func (c *Client) From(relation string) *postgrest.QueryBuilder {
	return c.rest.From(relation)
}

// Rpc calls a postgres function.
func (c *Client) Rpc(fn string, args any, opts ...postgrest.QueryOption) *postgrest.FilterBuilder {
	return c.rest.Rpc(fn, args, opts...)
}

// Schema returns a query client running against the given postgres
// schema.
func (c *Client) Schema(schema string) *postgrest.Client {
	return c.rest.Schema(schema)
}

// Channel returns the realtime channel for a topic, creating it on first
// use.
func (c *Client) Channel(topic string, config realtime.ChannelConfig) *realtime.Channel {
	return c.Realtime.Channel(topic, config)
}

// RemoveChannel unsubscribes a channel; the socket closes with its last
// channel.
func (c *Client) RemoveChannel(ctx context.Context, ch *realtime.Channel) error {
	return trace.Wrap(c.Realtime.RemoveChannel(ctx, ch))
}

// RemoveAllChannels unsubscribes every channel and closes the socket.
func (c *Client) RemoveAllChannels(ctx context.Context) error {
	return trace.Wrap(c.Realtime.RemoveAllChannels(ctx))
}

// resolveAccessToken is the data plane token chain: the configured
// resolver, then the session, then the API key.
func (c *Client) resolveAccessToken(ctx context.Context) (string, error) {
	if c.accessTokenFn != nil {
		token, err := c.accessTokenFn(ctx)
		if err != nil {
			return "", trace.Wrap(err)
		}
		return token, nil
	}
	if c.Auth != nil {
		session, err := c.Auth.GetSession(ctx)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if session != nil && session.AccessToken != "" {
			return session.AccessToken, nil
		}
	}
	return c.anonKey, nil
}

// tokenHTTPClient wraps the caller's HTTP client with the credential
// injecting transport, preserving its timeout.
func tokenHTTPClient(base *http.Client, key string, resolve httpapi.TokenResolver) *http.Client {
	wrapped := &http.Client{
		Transport: httpapi.NewTokenTransport(nil, key, resolve),
	}
	if base != nil {
		wrapped.Transport = httpapi.NewTokenTransport(base.Transport, key, resolve)
		wrapped.Timeout = base.Timeout
	}
	return wrapped
}

// normalizeProjectURL validates the project URL and strips the trailing
// slash so service paths append cleanly.
func normalizeProjectURL(raw string) (string, error) {
	if raw == "" {
		return "", trace.BadParameter("missing parameter url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", trace.BadParameter("invalid project URL %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", trace.BadParameter("project URL must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return "", trace.BadParameter("project URL %q has no host", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// deriveStorageKey names the session storage slot after the project: the
// first label of the host, as in "sb-projectref-auth-token".
func deriveStorageKey(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return "sb-auth-token"
	}
	label, _, _ := strings.Cut(u.Hostname(), ".")
	return "sb-" + label + "-auth-token"
}
