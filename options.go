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

package supabase

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/supabase-go/auth"
	"github.com/gravitational/supabase-go/functions"
)

// AccessTokenFunc supplies the bearer token for data plane requests in
// place of the session engine.
type AccessTokenFunc func(ctx context.Context) (string, error)

// Option customizes a Client.
type Option func(*config)

type config struct {
	schema             string
	headers            map[string]string
	httpClient         *http.Client
	storage            auth.Storage
	storageKey         string
	flowType           auth.FlowType
	disableAutoRefresh bool
	functionsRegion    functions.Region
	realtimeParams     map[string]string
	accessToken        AccessTokenFunc
	log                *slog.Logger
	clock              clockwork.Clock
}

func newConfig(opts []Option) *config {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithSchema points queries at a postgres schema other than the server
// default.
func WithSchema(schema string) Option {
	return func(cfg *config) {
		cfg.schema = schema
	}
}

// WithHeaders adds headers to every request of every service client.
func WithHeaders(headers map[string]string) Option {
	return func(cfg *config) {
		if cfg.headers == nil {
			cfg.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			cfg.headers[k] = v
		}
	}
}

// WithHTTPClient replaces the HTTP client the services are built on.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *config) {
		cfg.httpClient = client
	}
}

// WithAuthStorage persists sessions somewhere other than process memory.
func WithAuthStorage(storage auth.Storage) Option {
	return func(cfg *config) {
		cfg.storage = storage
	}
}

// WithStorageKey overrides the derived session storage key. Needed when
// several clients of the same project share one storage.
func WithStorageKey(key string) Option {
	return func(cfg *config) {
		cfg.storageKey = key
	}
}

// WithFlowType selects the OAuth exchange style, implicit or PKCE.
func WithFlowType(flowType auth.FlowType) Option {
	return func(cfg *config) {
		cfg.flowType = flowType
	}
}

// WithoutAutoRefresh turns off the background session refresh loop.
// Sessions then refresh lazily when they are read close to expiry.
func WithoutAutoRefresh() Option {
	return func(cfg *config) {
		cfg.disableAutoRefresh = true
	}
}

// WithFunctionsRegion routes edge function invocations to a region by
// default.
func WithFunctionsRegion(region functions.Region) Option {
	return func(cfg *config) {
		cfg.functionsRegion = region
	}
}

// WithRealtimeParams adds query parameters to the realtime websocket
// handshake.
func WithRealtimeParams(params map[string]string) Option {
	return func(cfg *config) {
		cfg.realtimeParams = params
	}
}

// WithAccessToken supplies data plane tokens from the caller instead of
// the session engine; Auth is nil on the resulting client. For processes
// that already hold a token, such as servers validating third-party JWTs.
func WithAccessToken(fn AccessTokenFunc) Option {
	return func(cfg *config) {
		cfg.accessToken = fn
	}
}

// WithLogger routes client diagnostics to the given logger.
func WithLogger(log *slog.Logger) Option {
	return func(cfg *config) {
		cfg.log = log
	}
}

// WithClock swaps the time source, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(cfg *config) {
		cfg.clock = clock
	}
}
