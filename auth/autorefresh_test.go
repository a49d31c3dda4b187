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

package auth

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/supabase-go/defaults"
)

// withFakeClock enables auto refresh and puts the client on the given
// clock.
func withFakeClock(clock *clockwork.FakeClock) func(*Config) {
	return func(cfg *Config) {
		cfg.Clock = clock
		cfg.DisableAutoRefresh = false
	}
}

func TestAutoRefreshNearExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/token", r.URL.Path)
		require.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		writeJSON(w, sessionBody("access-2", "refresh-2"))
	}, withFakeClock(clock))
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(time.Minute).Unix(),
	})

	// Wait for the loop's ticker to arm, then fire it. One tick before
	// expiry is well inside the refresh threshold.
	clock.BlockUntil(1)
	clock.Advance(defaults.AutoRefreshTickDuration)

	require.Eventually(t, func() bool {
		session, err := client.loadSession()
		return err == nil && session != nil && session.AccessToken == "access-2"
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), calls.Load())
}

func TestAutoRefreshLeavesDistantExpiryAlone(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, sessionBody("unexpected", "unexpected"))
	}, withFakeClock(clock))
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(time.Hour).Unix(),
	})

	clock.BlockUntil(1)
	clock.Advance(defaults.AutoRefreshTickDuration)

	require.Never(t, func() bool {
		return calls.Load() > 0
	}, 250*time.Millisecond, 25*time.Millisecond)
	require.Equal(t, "access-1", storedSession(t, client).AccessToken)
}

func TestAutoRefreshSkipsWhileSessionBusy(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, sessionBody("access-2", "refresh-2"))
	}, withFakeClock(clock))
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(time.Minute).Unix(),
	})
	clock.BlockUntil(1)

	// Hold the session lock across a tick: the fail fast acquisition
	// inside the tick loses and the refresh is skipped.
	err := client.withLock(context.Background(), -1, func(ctx context.Context) error {
		clock.Advance(defaults.AutoRefreshTickDuration)
		require.Never(t, func() bool {
			return calls.Load() > 0
		}, 250*time.Millisecond, 25*time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	// Once the lock is free the next tick picks the refresh back up.
	clock.Advance(defaults.AutoRefreshTickDuration)
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAutoRefreshStartStopIdempotent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, sessionBody("unexpected", "unexpected"))
	}, func(cfg *Config) {
		cfg.Clock = clock
	})
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(time.Minute).Unix(),
	})

	client.StartAutoRefresh()
	client.StartAutoRefresh()
	clock.BlockUntil(1)

	client.StopAutoRefresh()
	client.StopAutoRefresh()

	// With the loop stopped, ticks no longer happen.
	clock.Advance(defaults.AutoRefreshTickDuration)
	require.Never(t, func() bool {
		return calls.Load() > 0
	}, 250*time.Millisecond, 25*time.Millisecond)
}
