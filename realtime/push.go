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

package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Reply statuses carried in phx_reply payloads, plus the synthetic
// timeout status applied when no reply arrives in time.
const (
	pushStatusOK      = "ok"
	pushStatusError   = "error"
	pushStatusTimeout = "timeout"
)

// push tracks one outbound message awaiting its phx_reply. The channel
// assigns refs, registers pushes for reply routing and composes the wire
// message; the push only tracks reply state. Lock order is always
// channel.mu before push.mu.
type push struct {
	channel *Channel
	event   string
	payload any
	timeout time.Duration
	clock   clockwork.Clock

	mu       sync.Mutex
	ref      string
	timer    clockwork.Timer
	resolved bool
	status   string
	response any
	hooks    map[string][]func(any)
	done     chan struct{}
}

func newPush(ch *Channel, event string, payload any, timeout time.Duration) *push {
	return &push{
		channel: ch,
		event:   event,
		payload: payload,
		timeout: timeout,
		clock:   ch.clock,
		hooks:   make(map[string][]func(any)),
		done:    make(chan struct{}),
	}
}

// arm resets the push for a fresh send cycle under the given ref and
// starts the reply timer. Waiters from a previous cycle have already been
// released by trigger.
func (p *push) arm(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ref = ref
	p.resolved = false
	p.status = ""
	p.response = nil
	p.done = make(chan struct{})
	p.timer = p.clock.AfterFunc(p.timeout, func() {
		p.channel.pushTimedOut(p)
	})
}

func (p *push) refValue() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

func (p *push) cancelTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

// trigger resolves the push once, releasing waiters and firing the hooks
// registered for the final status. Later replies for the same ref are
// ignored.
func (p *push) trigger(status string, response any) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.status = status
	p.response = response
	if p.timer != nil {
		p.timer.Stop()
	}
	hooks := append([]func(any){}, p.hooks[status]...)
	done := p.done
	p.mu.Unlock()

	close(done)
	for _, hook := range hooks {
		hook(response)
	}
}

// receive registers a hook for the given reply status. If the push has
// already resolved with that status the hook fires immediately.
func (p *push) receive(status string, hook func(any)) {
	p.mu.Lock()
	if p.resolved && p.status == status {
		response := p.response
		p.mu.Unlock()
		hook(response)
		return
	}
	p.hooks[status] = append(p.hooks[status], hook)
	p.mu.Unlock()
}

// destroy resolves the push with an error so that waiters are not left
// hanging when the push is dropped before transmission.
func (p *push) destroy(reason string) {
	p.trigger(pushStatusError, map[string]any{"reason": reason})
}

// wait blocks until the push resolves or ctx expires.
func (p *push) wait(ctx context.Context) (status string, response any, err error) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return "", nil, trace.Wrap(ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.response, nil
}

// result waits for the reply and converts it into an error.
func (p *push) result(ctx context.Context) error {
	status, response, err := p.wait(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	switch status {
	case pushStatusOK:
		return nil
	case pushStatusTimeout:
		return trace.ConnectionProblem(nil, "%q push timed out after %v", p.event, p.timeout)
	default:
		return trace.Errorf("%q push failed: %v", p.event, response)
	}
}
