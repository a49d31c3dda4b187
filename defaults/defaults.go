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

// Package defaults defines default constants and tuning knobs shared by the
// Supabase service clients.
package defaults

import "time"

// Version is the client library version reported to the platform through the
// X-Client-Info header.
const Version = "2.4.0"

const (
	// APIVersionHeader carries the Supabase API compatibility date.
	APIVersionHeader = "X-Supabase-Api-Version"

	// APIVersionDate is the API compatibility date sent on every auth request.
	APIVersionDate = "2024-01-01"

	// ClientInfoHeader identifies the client library and its version.
	ClientInfoHeader = "X-Client-Info"

	// RelayErrorHeader is set by the edge runtime relay when a function
	// invocation failed inside the relay rather than in user code.
	RelayErrorHeader = "x-relay-error"
)

const (
	// JSONContentType is the content type sent with JSON request bodies.
	JSONContentType = "application/json;charset=UTF-8"
)

const (
	// ExpiryMargin is subtracted from a session's expiry when deciding
	// whether an access token is still usable. Tokens are refreshed this
	// long before they actually expire.
	ExpiryMargin = 90 * time.Second

	// AutoRefreshTickDuration is the period of the background session
	// refresh loop.
	AutoRefreshTickDuration = 30 * time.Second

	// AutoRefreshTickThreshold is the number of ticks before expiry at
	// which the background loop refreshes the session. With 30 second
	// ticks the session is refreshed roughly a minute and a half ahead.
	AutoRefreshTickThreshold = 3

	// RefreshRetryInterval is the base delay between token refresh retries.
	// Attempt n waits RefreshRetryInterval * 2^n.
	RefreshRetryInterval = 200 * time.Millisecond

	// RefreshMaxRetries caps the number of attempts a single refresh
	// operation makes against a transiently failing endpoint.
	RefreshMaxRetries = 10

	// RefreshRetryDeadline bounds the total time spent retrying a single
	// token refresh, counted from the first attempt.
	RefreshRetryDeadline = 30 * time.Second
)

const (
	// HeartbeatInterval is the period between realtime socket heartbeats.
	HeartbeatInterval = 25 * time.Second

	// HeartbeatReconnectDelay is how long the realtime client waits after
	// tearing down an unresponsive socket before it reconnects.
	HeartbeatReconnectDelay = 100 * time.Millisecond

	// DisconnectGraceDelay is how long a manual disconnect waits for the
	// close handshake before dropping the connection outright.
	DisconnectGraceDelay = 100 * time.Millisecond

	// RealtimeTimeout is the default timeout for realtime pushes, channel
	// joins and HTTP broadcast fallback requests.
	RealtimeTimeout = 10 * time.Second

	// PushBufferLimit is the maximum number of pushes buffered on a channel
	// that is not joined yet. Enqueueing beyond the limit drops the oldest
	// buffered push.
	PushBufferLimit = 100
)

// ReconnectIntervals is the ramp of delays between realtime reconnection
// attempts. Attempts past the end of the ramp reuse the last entry.
var ReconnectIntervals = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// ReconnectAfter returns the delay before reconnection attempt tries,
// counting from 1.
func ReconnectAfter(tries int) time.Duration {
	if tries < 1 {
		tries = 1
	}
	if tries > len(ReconnectIntervals) {
		return ReconnectIntervals[len(ReconnectIntervals)-1]
	}
	return ReconnectIntervals[tries-1]
}
