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

// Package auth implements the Supabase auth client: credential flows,
// session persistence and refresh, MFA and the server side admin API.
//
// A Client owns one session at a time. Session state lives in a pluggable
// Storage and every mutation happens under a session lock, so concurrent
// calls from multiple goroutines observe a consistent session. Lifecycle
// transitions are reported to OnAuthStateChange listeners.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/defaults"
	"github.com/gravitational/supabase-go/internal/httpapi"
	"github.com/gravitational/supabase-go/internal/retryutils"
)

// FlowType selects how browserless OAuth style flows exchange their result
// for a session.
type FlowType string

const (
	// FlowImplicit receives tokens directly on the callback URL fragment.
	FlowImplicit FlowType = "implicit"
	// FlowPKCE receives an authorization code and exchanges it together
	// with a locally stored code verifier.
	FlowPKCE FlowType = "pkce"
)

// defaultStorageKey is the storage slot used when the consumer does not
// derive a project specific one.
const defaultStorageKey = "supabase.auth.token"

// Config holds the auth client configuration.
type Config struct {
	// URL is the auth service endpoint, for example
	// https://project.supabase.co/auth/v1.
	URL string
	// Headers are sent with every request. The project api key belongs
	// here.
	Headers map[string]string
	// StorageKey names the storage slot holding the session. Defaults to
	// "supabase.auth.token".
	StorageKey string
	// Storage persists the session. Defaults to in-memory storage.
	Storage Storage
	// DisableAutoRefresh turns off the background token refresh loop.
	DisableAutoRefresh bool
	// FlowType selects the OAuth exchange style. Defaults to implicit.
	FlowType FlowType
	// Lock serializes session state access. Defaults to an in-process
	// lock; override when several processes share one Storage.
	Lock LockFunc
	// HTTP is the underlying HTTP client.
	HTTP *http.Client
	// Clock is the time source, swapped in tests.
	Clock clockwork.Clock
	// Log emits client diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = defaultStorageKey
	}
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	switch cfg.FlowType {
	case "":
		cfg.FlowType = FlowImplicit
	case FlowImplicit, FlowPKCE:
	default:
		return trace.BadParameter("unsupported flow type %q", cfg.FlowType)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default().With("component", "auth")
	}
	if cfg.Lock == nil {
		cfg.Lock = newSessionLock(cfg.Clock).withLock
	}
	return nil
}

// Client is the auth service client and session engine.
type Client struct {
	api        *httpapi.Client
	storage    Storage
	storageKey string
	lockName   string
	flowType   FlowType
	lockFn     LockFunc
	clock      clockwork.Clock
	log        *slog.Logger

	// autoRefreshEnabled re-arms the refresh loop whenever a session is
	// saved.
	autoRefreshEnabled bool
	// customAuthHeader records whether the consumer supplied its own
	// Authorization header, which then authenticates user requests in
	// place of a session.
	customAuthHeader bool

	refreshGroup singleflight.Group

	mu              sync.Mutex
	subscribers     map[string]*subscriber
	autoRefreshStop chan struct{}
	autoRefreshDone chan struct{}
	closed          bool

	// Admin exposes the server side user management API. Its requests
	// authenticate with the configured headers, not the user session.
	Admin *AdminClient
	// MFA exposes multi-factor enrollment and verification for the
	// signed-in user.
	MFA *MFAClient
}

// New returns an auth client for the configured endpoint. When auto refresh
// is enabled the background loop starts immediately; call Close to stop it.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	headers := map[string]string{
		defaults.APIVersionHeader: defaults.APIVersionDate,
	}
	customAuth := false
	for k, v := range cfg.Headers {
		headers[k] = v
		if strings.EqualFold(k, "Authorization") {
			customAuth = true
		}
	}

	api, err := httpapi.NewClient(httpapi.ClientConfig{
		BaseURL: cfg.URL,
		HTTP:    cfg.HTTP,
		Headers: headers,
		Log:     cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c := &Client{
		api:                api,
		storage:            cfg.Storage,
		storageKey:         cfg.StorageKey,
		lockName:           "lock:" + cfg.StorageKey,
		flowType:           cfg.FlowType,
		lockFn:             cfg.Lock,
		clock:              cfg.Clock,
		log:                cfg.Log,
		autoRefreshEnabled: !cfg.DisableAutoRefresh,
		customAuthHeader:   customAuth,
		subscribers:        make(map[string]*subscriber),
	}
	c.Admin, err = newAdminClient(c)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.MFA = &MFAClient{client: c}

	if c.autoRefreshEnabled {
		c.StartAutoRefresh()
	}
	return c, nil
}

// Close stops the background refresh loop and drops all auth state
// listeners. The stored session stays in Storage.
func (c *Client) Close() {
	// Marking the client closed first keeps a concurrent session save from
	// re-arming the loop while it is being stopped.
	c.mu.Lock()
	c.closed = true
	subs := c.subscribers
	c.subscribers = make(map[string]*subscriber)
	c.mu.Unlock()

	c.StopAutoRefresh()

	for _, sub := range subs {
		close(sub.done)
	}
}

// withLock runs fn under the session lock.
func (c *Client) withLock(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return c.lockFn(ctx, c.lockName, timeout, fn)
}

// doJSON performs one auth API request and decodes the JSON response into
// out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, headers map[string]string, body, out any) error {
	resp, err := c.api.Do(ctx, httpapi.Request{
		Method:  method,
		Path:    path,
		Query:   query,
		Headers: headers,
		JSON:    body,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := apierror.FromResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return trace.Wrap(err)
	}
	if out != nil {
		if err := resp.Decode(out); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// bearer builds the Authorization override for a request made on behalf of
// the signed-in user.
func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// tokenGrant exchanges credentials at the token endpoint and validates the
// response carries a complete session.
func (c *Client) tokenGrant(ctx context.Context, grantType string, body any, query url.Values) (*Session, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("grant_type", grantType)

	var session Session
	if err := c.doJSON(ctx, http.MethodPost, "token", query, nil, body, &session); err != nil {
		return nil, trace.Wrap(err)
	}
	if session.AccessToken == "" || session.RefreshToken == "" {
		return nil, trace.Wrap(&apierror.InvalidTokenResponseError{})
	}
	return &session, nil
}

// loadSession reads the stored session. A missing or unreadable slot
// resolves to nil without error; corrupt payloads are removed.
func (c *Client) loadSession() (*Session, error) {
	raw, ok, err := c.storage.Get(c.storageKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session.AccessToken == "" {
		c.log.DebugContext(context.Background(), "Dropping unreadable session payload.", "error", err)
		if err := c.storage.Remove(c.storageKey); err != nil {
			return nil, trace.Wrap(err)
		}
		return nil, nil
	}
	return &session, nil
}

// saveSession persists the session, stamping the absolute expiry when the
// server only sent a relative one, and re-arms the refresh loop.
func (c *Client) saveSession(session *Session) error {
	session.stampExpiry(c.clock)
	raw, err := json.Marshal(session)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := c.storage.Set(c.storageKey, string(raw)); err != nil {
		return trace.Wrap(err)
	}
	if c.autoRefreshEnabled {
		c.StartAutoRefresh()
	}
	return nil
}

// clearSession removes the persisted session.
func (c *Client) clearSession() error {
	return trace.Wrap(c.storage.Remove(c.storageKey))
}

// saveAndNotify persists the session under the lock and fans out events in
// order.
func (c *Client) saveAndNotify(ctx context.Context, session *Session, events ...AuthChangeEvent) error {
	return c.withLock(ctx, -1, func(ctx context.Context) error {
		if err := c.saveSession(session); err != nil {
			return trace.Wrap(err)
		}
		for _, event := range events {
			c.notify(event, session)
		}
		return nil
	})
}

// callRefreshToken redeems refreshToken for a fresh session. Concurrent
// calls for the same token share one network flight. force installs the
// result even when the stored session no longer matches, which is what
// SetSession needs.
func (c *Client) callRefreshToken(ctx context.Context, refreshToken string, force bool) (*Session, error) {
	if refreshToken == "" {
		return nil, trace.Wrap(&apierror.SessionMissingError{})
	}
	ch := c.refreshGroup.DoChan(refreshToken, func() (any, error) {
		// The flight outlives any single caller; only its own retry
		// budget bounds it.
		return c.refreshFlight(context.WithoutCancel(ctx), refreshToken, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, trace.Wrap(res.Err)
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// refreshFlight is the body of one shared refresh: network exchange with
// retry, then reconciliation with whatever the stored session has become in
// the meantime.
func (c *Client) refreshFlight(ctx context.Context, refreshToken string, force bool) (*Session, error) {
	session, err := c.refreshWithRetry(ctx, refreshToken)
	if err != nil {
		if apierror.IsRetryable(err) {
			// Transient: keep the session, a later call retries.
			return nil, trace.Wrap(err)
		}
		// The platform rejected the token for good. Drop the session
		// it belonged to.
		if rmErr := c.withLock(ctx, -1, func(ctx context.Context) error {
			current, err := c.loadSession()
			if err != nil {
				return trace.Wrap(err)
			}
			if current != nil && current.RefreshToken == refreshToken {
				if err := c.clearSession(); err != nil {
					return trace.Wrap(err)
				}
				c.notify(EventSignedOut, nil)
			}
			return nil
		}); rmErr != nil {
			c.log.WarnContext(ctx, "Failed to remove session after fatal refresh error.", "error", rmErr)
		}
		return nil, trace.Wrap(err)
	}

	result := session
	err = c.withLock(ctx, -1, func(ctx context.Context) error {
		current, err := c.loadSession()
		if err != nil {
			return trace.Wrap(err)
		}
		switch {
		case force || (current != nil && current.RefreshToken == refreshToken):
			if err := c.saveSession(session); err != nil {
				return trace.Wrap(err)
			}
			c.notify(EventTokenRefreshed, session)
		case current == nil:
			// Signed out while the refresh was in flight; hand the
			// session to the caller but do not resurrect it.
		default:
			// Another flight rotated the token first.
			result = current
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// refreshWithRetry exchanges the refresh token, retrying transient failures
// with exponential backoff until the attempt or time budget runs out.
func (c *Client) refreshWithRetry(ctx context.Context, refreshToken string) (*Session, error) {
	retry, err := retryutils.NewExponential(retryutils.ExponentialConfig{
		First: defaults.RefreshRetryInterval,
		Max:   defaults.RefreshRetryDeadline,
		Clock: c.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	start := c.clock.Now()
	for {
		select {
		case <-retry.After():
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}

		session, err := c.tokenGrant(ctx, "refresh_token", &refreshTokenGrant{RefreshToken: refreshToken}, nil)
		if err == nil {
			return session, nil
		}
		retry.Inc()
		if !apierror.IsRetryable(err) {
			return nil, trace.Wrap(err)
		}
		if retry.Attempt() >= defaults.RefreshMaxRetries {
			return nil, trace.Wrap(err)
		}
		if c.clock.Now().Add(retry.Duration()).Sub(start) >= defaults.RefreshRetryDeadline {
			return nil, trace.Wrap(err)
		}
		c.log.DebugContext(ctx, "Retrying session refresh.",
			"attempt", retry.Attempt(), "backoff", retry.Duration())
	}
}

type refreshTokenGrant struct {
	RefreshToken string `json:"refresh_token"`
}
