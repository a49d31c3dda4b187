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
	"sync"

	"github.com/google/uuid"
)

// AuthChangeEvent identifies a session lifecycle transition reported to
// OnAuthStateChange listeners.
type AuthChangeEvent string

const (
	// EventInitialSession is delivered exactly once per subscription with
	// the session state at subscription time.
	EventInitialSession AuthChangeEvent = "INITIAL_SESSION"
	// EventSignedIn fires when a session is established.
	EventSignedIn AuthChangeEvent = "SIGNED_IN"
	// EventSignedOut fires when the local session is discarded.
	EventSignedOut AuthChangeEvent = "SIGNED_OUT"
	// EventTokenRefreshed fires when the access token is renewed.
	EventTokenRefreshed AuthChangeEvent = "TOKEN_REFRESHED"
	// EventUserUpdated fires when the user profile changes.
	EventUserUpdated AuthChangeEvent = "USER_UPDATED"
	// EventPasswordRecovery fires when a recovery flow lands instead of a
	// regular sign-in.
	EventPasswordRecovery AuthChangeEvent = "PASSWORD_RECOVERY"
	// EventMFAChallengeVerified fires when an MFA challenge is accepted.
	EventMFAChallengeVerified AuthChangeEvent = "MFA_CHALLENGE_VERIFIED"
)

// AuthStateHandler receives session lifecycle events. The session argument
// is nil for EventSignedOut and may be nil for EventInitialSession.
type AuthStateHandler func(event AuthChangeEvent, session *Session)

// Subscription is a registered auth state listener.
type Subscription struct {
	// ID uniquely identifies the subscription.
	ID string

	client *Client
}

// Unsubscribe removes the listener. Queued events that were not delivered
// yet are dropped.
func (s *Subscription) Unsubscribe() {
	if s.client != nil {
		s.client.removeSubscriber(s.ID)
	}
}

type queuedEvent struct {
	event   AuthChangeEvent
	session *Session
	// initial marks the INITIAL_SESSION placeholder whose session is
	// resolved at delivery time, after any in-flight operation settles.
	initial bool
}

// subscriber owns one listener callback and a FIFO queue drained by a
// dedicated goroutine, so slow or panicking callbacks never block the
// engine or their sibling listeners.
type subscriber struct {
	id      string
	handler AuthStateHandler

	mu    sync.Mutex
	queue []queuedEvent
	wake  chan struct{}
	done  chan struct{}
}

func (s *subscriber) enqueue(ev queuedEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (queuedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return queuedEvent{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// run drains the queue until the subscription is closed.
func (s *subscriber) run(c *Client) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			default:
			}
			if ev.initial {
				session, err := c.GetSession(context.Background())
				if err != nil {
					c.log.WarnContext(context.Background(), "Failed to load session for initial event.", "error", err)
					session = nil
				}
				ev.session = session
				ev.event = EventInitialSession
			}
			s.deliver(c, ev)
		}
	}
}

func (s *subscriber) deliver(c *Client, ev queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WarnContext(context.Background(), "Auth state listener panicked.", "event", ev.event, "panic", r)
		}
	}()
	s.handler(ev.event, ev.session)
}

// OnAuthStateChange registers a listener for session lifecycle events. The
// listener first receives EventInitialSession asynchronously, then every
// later transition in order.
func (c *Client) OnAuthStateChange(handler AuthStateHandler) *Subscription {
	sub := &subscriber{
		id:      uuid.NewString(),
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.subscribers[sub.id] = sub
	c.mu.Unlock()

	sub.enqueue(queuedEvent{initial: true})
	go sub.run(c)

	return &Subscription{ID: sub.id, client: c}
}

func (c *Client) removeSubscriber(id string) {
	c.mu.Lock()
	sub, ok := c.subscribers[id]
	if ok {
		delete(c.subscribers, id)
	}
	c.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// notify fans an event out to every subscriber. Only enqueues, so it is
// safe to call while holding the session lock.
func (c *Client) notify(event AuthChangeEvent, session *Session) {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(queuedEvent{event: event, session: session})
	}
}
