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
	"errors"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/defaults"
)

// StartAutoRefresh starts the background loop that keeps the stored
// session's access token fresh. Starting an already running loop is a
// no-op.
func (c *Client) StartAutoRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.autoRefreshStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.autoRefreshStop = stop
	c.autoRefreshDone = done
	go func() {
		defer close(done)
		c.autoRefreshLoop(stop)
	}()
}

// StopAutoRefresh stops the background refresh loop and waits for it to
// exit, including any refresh it is in the middle of. Stopping a stopped
// loop is a no-op. Must not be called while holding the session lock.
func (c *Client) StopAutoRefresh() {
	c.mu.Lock()
	stop, done := c.autoRefreshStop, c.autoRefreshDone
	c.autoRefreshStop, c.autoRefreshDone = nil, nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (c *Client) autoRefreshLoop(stop <-chan struct{}) {
	ticker := c.clock.NewTicker(defaults.AutoRefreshTickDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.autoRefreshTick(context.Background())
		}
	}
}

// autoRefreshTick refreshes the stored session once it is within
// defaults.AutoRefreshTickThreshold ticks of expiry. The session lock is
// taken in its fail fast form; a busy lock means another operation already
// has the session in hand, and the next tick will look again.
func (c *Client) autoRefreshTick(ctx context.Context) {
	var refreshToken string
	err := c.withLock(ctx, 0, func(ctx context.Context) error {
		session, err := c.loadSession()
		if err != nil {
			return trace.Wrap(err)
		}
		if session == nil || session.RefreshToken == "" || session.ExpiresAt == 0 {
			return nil
		}
		ticks := (session.ExpiresAt*1000 - c.clock.Now().UnixMilli()) / defaults.AutoRefreshTickDuration.Milliseconds()
		if ticks <= defaults.AutoRefreshTickThreshold {
			refreshToken = session.RefreshToken
		}
		return nil
	})
	if err != nil {
		var lockErr *apierror.LockTimeoutError
		if errors.As(err, &lockErr) {
			return
		}
		c.log.DebugContext(ctx, "Auto refresh could not read the stored session.", "error", err)
		return
	}
	if refreshToken == "" {
		return
	}

	// The network call runs outside the lock so concurrent readers can
	// join the same refresh instead of queueing behind it.
	if _, err := c.callRefreshToken(ctx, refreshToken, false); err != nil && !apierror.IsSessionMissing(err) {
		c.log.DebugContext(ctx, "Auto refresh failed.", "error", err)
	}
}
