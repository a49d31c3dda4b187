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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/supabase-go/apierror"
)

// LockFunc serializes access to session state. fn runs while the lock is
// held; its context re-enters the same lock without blocking. timeout
// semantics: negative waits as long as ctx allows, zero fails fast when the
// lock is busy, positive bounds the wait. A failed acquisition returns
// apierror.LockTimeoutError without running fn.
type LockFunc func(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error

// sessionLock is the default LockFunc implementation: a channel semaphore
// with context based re-entrancy.
type sessionLock struct {
	sem   chan struct{}
	clock clockwork.Clock
}

type lockTokenKey struct{}

func newSessionLock(clock clockwork.Clock) *sessionLock {
	return &sessionLock{
		sem:   make(chan struct{}, 1),
		clock: clock,
	}
}

// withLock implements the LockFunc contract.
func (l *sessionLock) withLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	// A context handed out inside the critical section re-enters without
	// queueing, which is how nested session operations avoid deadlock.
	if token, ok := ctx.Value(lockTokenKey{}).(*sessionLock); ok && token == l {
		return fn(ctx)
	}

	switch {
	case timeout == 0:
		select {
		case l.sem <- struct{}{}:
		default:
			return trace.Wrap(&apierror.LockTimeoutError{Name: name})
		}
	case timeout > 0:
		timer := l.clock.NewTimer(timeout)
		defer timer.Stop()
		select {
		case l.sem <- struct{}{}:
		case <-timer.Chan():
			return trace.Wrap(&apierror.LockTimeoutError{Name: name, Timeout: timeout})
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	default:
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	defer func() { <-l.sem }()

	return fn(context.WithValue(ctx, lockTokenKey{}, l))
}
