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
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/supabase-go/defaults"
)

// BroadcastConfig controls broadcast delivery on a channel.
type BroadcastConfig struct {
	// Ack requests a server acknowledgement for every broadcast push.
	Ack bool
	// Self delivers this client's own broadcasts back to it.
	Self bool
}

// PresenceConfig controls presence tracking on a channel.
type PresenceConfig struct {
	// Key identifies this client in the presence state. The server
	// assigns a random key when empty.
	Key string
}

// ChannelConfig configures a channel subscription.
type ChannelConfig struct {
	Broadcast BroadcastConfig
	Presence  PresenceConfig
	// Private joins the topic through its row level security policy
	// instead of as a public channel.
	Private bool
}

type broadcastBinding struct {
	event string
	fn    func(payload map[string]any)
}

// postgresBinding pairs a change filter with its handler. The server
// assigns the id when the join is acknowledged.
type postgresBinding struct {
	filter PostgresChangeFilter
	id     int64
	fn     func(change PostgresChange)
}

// Channel multiplexes one topic over the realtime socket. It carries
// broadcast messages, shared presence state and postgres change
// notifications, and rejoins automatically with backoff after errors.
// A Channel is created through Client.Channel.
type Channel struct {
	client   *Client
	topic    string
	subTopic string
	log      *slog.Logger
	clock    clockwork.Clock
	timeout  time.Duration

	mu          sync.Mutex
	state       ChannelState
	config      ChannelConfig
	joinRef     string
	joinedOnce  bool
	joinPush    *push
	pending     map[string]*push
	buffer      []*push
	rejoinTimer clockwork.Timer
	rejoinTries int
	subscribeCb func(state SubscribeState, err error)
	presence    *presenceTracker

	broadcastBindings []broadcastBinding
	postgresBindings  []*postgresBinding
	syncHooks         []func()
	joinHooks         []func(key string, current, joined []Presence)
	leaveHooks        []func(key string, current, left []Presence)
	systemHooks       []func(payload map[string]any)
}

func newChannel(client *Client, subTopic string, config ChannelConfig) *Channel {
	ch := &Channel{
		client:   client,
		topic:    topicPrefix + subTopic,
		subTopic: subTopic,
		log:      client.log.With("channel", subTopic),
		clock:    client.clock,
		timeout:  client.timeout,
		state:    ChannelClosed,
		config:   config,
		pending:  make(map[string]*push),
		presence: newPresenceTracker(),
	}
	ch.joinPush = newPush(ch, eventJoin, nil, ch.timeout)
	return ch
}

// Topic returns the channel topic without the wire prefix.
func (ch *Channel) Topic() string {
	return ch.subTopic
}

// State returns the current channel lifecycle state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// OnBroadcast registers a handler for broadcast messages with the given
// event name. The wildcard * receives every broadcast. Handlers are given
// the full payload wrapper including the event name and any replay
// metadata.
func (ch *Channel) OnBroadcast(event string, fn func(payload map[string]any)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcastBindings = append(ch.broadcastBindings, broadcastBinding{event: event, fn: fn})
}

// OnPostgresChange registers a handler for database changes matching the
// filter. Bindings travel with the join request, so they must be
// registered before Subscribe.
func (ch *Channel) OnPostgresChange(filter PostgresChangeFilter, fn func(change PostgresChange)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.joinedOnce {
		return trace.BadParameter("postgres change bindings must be registered before subscribing")
	}
	ch.postgresBindings = append(ch.postgresBindings, &postgresBinding{filter: filter, fn: fn})
	return nil
}

// OnPresenceSync registers a handler invoked after every applied presence
// snapshot or diff.
func (ch *Channel) OnPresenceSync(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.syncHooks = append(ch.syncHooks, fn)
}

// OnPresenceJoin registers a handler for presences added under a key.
// Current holds the presences that were already tracked before the join.
func (ch *Channel) OnPresenceJoin(fn func(key string, current, joined []Presence)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.joinHooks = append(ch.joinHooks, fn)
}

// OnPresenceLeave registers a handler for presences removed under a key.
// Current holds the presences remaining after the removal.
func (ch *Channel) OnPresenceLeave(fn func(key string, current, left []Presence)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.leaveHooks = append(ch.leaveHooks, fn)
}

// OnSystem registers a handler for system notices such as postgres
// subscription errors reported after the join.
func (ch *Channel) OnSystem(fn func(payload map[string]any)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.systemHooks = append(ch.systemHooks, fn)
}

// Subscribe joins the channel, connecting the socket first if needed. The
// callback reports subscription state transitions, including later drops
// and rejoins. Join failures are retried with backoff, so the error
// return only flags misuse such as subscribing twice.
func (ch *Channel) Subscribe(ctx context.Context, callback func(state SubscribeState, err error)) error {
	ch.mu.Lock()
	switch ch.state {
	case ChannelJoined, ChannelJoining:
		ch.mu.Unlock()
		return trace.AlreadyExists("channel %q is already subscribed", ch.subTopic)
	case ChannelLeaving:
		ch.mu.Unlock()
		return trace.BadParameter("channel %q is being unsubscribed", ch.subTopic)
	}
	if callback != nil {
		ch.subscribeCb = callback
	}
	ch.joinedOnce = true
	ch.rejoinTries = 0
	ch.mu.Unlock()

	if err := ch.client.Connect(ctx); err != nil {
		ch.log.WarnContext(ctx, "Connection attempt failed, subscription will retry.", "error", err)
	}
	ch.rejoin()
	return nil
}

// Unsubscribe leaves the channel. The channel transitions to closed even
// when the leave is not acknowledged; the returned error reports whether
// the server confirmed it.
func (ch *Channel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == ChannelClosed {
		ch.mu.Unlock()
		ch.client.dropChannel(ch)
		return nil
	}
	ch.state = ChannelLeaving
	if ch.rejoinTimer != nil {
		ch.rejoinTimer.Stop()
	}
	ch.joinPush.cancelTimeout()
	var leave *push
	if ch.client.connected() {
		leave = newPush(ch, eventLeave, map[string]any{}, ch.timeout)
		ch.preparePushLocked(leave)
		ch.transmitPushLocked(leave)
	}
	ch.mu.Unlock()

	var result error
	if leave != nil {
		result = leave.result(ctx)
	}

	ch.mu.Lock()
	ch.state = ChannelClosed
	cb := ch.subscribeCb
	ch.mu.Unlock()

	ch.client.dropChannel(ch)
	if cb != nil {
		cb(SubscribeStateClosed, nil)
	}
	return trace.Wrap(result)
}

// SendBroadcast delivers an ephemeral message to the channel's
// subscribers. While the channel is not joined over the socket the
// message goes through the broadcast HTTP endpoint instead. Unless the
// channel is configured with Broadcast.Ack the call returns as soon as
// the message is queued.
func (ch *Channel) SendBroadcast(ctx context.Context, event string, payload any) error {
	ch.mu.Lock()
	canPush := ch.canPushLocked()
	private := ch.config.Private
	ack := ch.config.Broadcast.Ack
	ch.mu.Unlock()

	if !canPush {
		return trace.Wrap(ch.client.broadcastHTTP(ctx, ch.subTopic, event, payload, private))
	}
	p, err := ch.pushEvent(eventBroadcast, map[string]any{
		"type":    "broadcast",
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !ack {
		return nil
	}
	return trace.Wrap(p.result(ctx))
}

// Track publishes this client's presence payload to the channel and
// waits for the acknowledgement.
func (ch *Channel) Track(ctx context.Context, payload map[string]any) error {
	p, err := ch.pushEvent(eventPresence, map[string]any{
		"type":    "presence",
		"event":   "track",
		"payload": payload,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(p.result(ctx))
}

// Untrack removes this client's presence from the channel.
func (ch *Channel) Untrack(ctx context.Context) error {
	p, err := ch.pushEvent(eventPresence, map[string]any{
		"type":  "presence",
		"event": "untrack",
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(p.result(ctx))
}

// PresenceState returns a deep copy of the channel's current presence
// state.
func (ch *Channel) PresenceState() PresenceState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return clonePresenceState(ch.presence.state)
}

// pushEvent queues or sends an event push. Pushes made before the join
// completes are buffered and flushed on join, dropping the oldest push
// beyond the buffer limit.
func (ch *Channel) pushEvent(event string, payload any) (*push, error) {
	ch.mu.Lock()
	if !ch.joinedOnce {
		ch.mu.Unlock()
		return nil, trace.BadParameter("cannot push %q on channel %q before subscribing", event, ch.subTopic)
	}
	p := newPush(ch, event, payload, ch.timeout)
	ch.preparePushLocked(p)
	var dropped *push
	if ch.canPushLocked() {
		ch.transmitPushLocked(p)
	} else {
		ch.buffer = append(ch.buffer, p)
		if len(ch.buffer) > defaults.PushBufferLimit {
			dropped = ch.buffer[0]
			ch.buffer = ch.buffer[1:]
			delete(ch.pending, dropped.refValue())
		}
	}
	ch.mu.Unlock()

	if dropped != nil {
		ch.log.WarnContext(context.Background(), "Push buffer is full, dropping oldest push.", "event", dropped.event)
		dropped.destroy("push buffer overflow")
	}
	return p, nil
}

func (ch *Channel) canPushLocked() bool {
	return ch.state == ChannelJoined && ch.client.connected()
}

func (ch *Channel) preparePushLocked(p *push) {
	p.arm(ch.client.makeRef())
	ch.pending[p.refValue()] = p
}

func (ch *Channel) transmitPushLocked(p *push) {
	ch.client.push(Message{
		JoinRef: ch.joinRef,
		Ref:     p.refValue(),
		Topic:   ch.topic,
		Event:   p.event,
		Payload: p.payload,
	})
}

// joinPayloadLocked renders the join request with the current bindings
// and access token.
func (ch *Channel) joinPayloadLocked() map[string]any {
	filters := make([]map[string]any, 0, len(ch.postgresBindings))
	for _, binding := range ch.postgresBindings {
		filters = append(filters, binding.filter.payload())
	}
	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{
				"ack":  ch.config.Broadcast.Ack,
				"self": ch.config.Broadcast.Self,
			},
			"presence": map[string]any{
				"key": ch.config.Presence.Key,
			},
			"postgres_changes": filters,
			"private":          ch.config.Private,
		},
	}
	if token := ch.client.accessTokenValue(); token != "" {
		payload["access_token"] = token
	}
	return payload
}

// rejoin arms a fresh join cycle and transmits the join when the socket
// is up. The reply timer runs either way so subscribers hear about
// unreachable servers.
func (ch *Channel) rejoin() {
	ch.mu.Lock()
	if ch.state == ChannelLeaving || !ch.joinedOnce {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelJoining
	ch.joinRef = ch.client.makeRef()
	ch.joinPush.payload = ch.joinPayloadLocked()
	ch.joinPush.arm(ch.joinRef)
	ch.pending[ch.joinRef] = ch.joinPush
	msg := Message{
		JoinRef: ch.joinRef,
		Ref:     ch.joinRef,
		Topic:   ch.topic,
		Event:   eventJoin,
		Payload: ch.joinPush.payload,
	}
	connected := ch.client.connected()
	ch.mu.Unlock()

	if connected {
		ch.client.push(msg)
	}
}

// rejoinUntilConnected reschedules itself with backoff and rejoins once
// the socket is connected again.
func (ch *Channel) rejoinUntilConnected() {
	ch.mu.Lock()
	if ch.state != ChannelJoining && ch.state != ChannelErrored {
		ch.mu.Unlock()
		return
	}
	ch.rejoinTries++
	if ch.rejoinTimer != nil {
		ch.rejoinTimer.Stop()
	}
	ch.rejoinTimer = ch.clock.AfterFunc(ch.client.reconnectAfter(ch.rejoinTries), ch.rejoinUntilConnected)
	connected := ch.client.connected()
	ch.mu.Unlock()

	if connected {
		ch.rejoin()
	}
}

func (ch *Channel) scheduleRejoinLocked() {
	ch.rejoinTries++
	if ch.rejoinTimer != nil {
		ch.rejoinTimer.Stop()
	}
	ch.rejoinTimer = ch.clock.AfterFunc(ch.client.reconnectAfter(ch.rejoinTries), ch.rejoinUntilConnected)
}

// pushTimedOut resolves a push whose reply timer fired. A timed out join
// errors the channel and schedules a rejoin.
func (ch *Channel) pushTimedOut(p *push) {
	ch.mu.Lock()
	delete(ch.pending, p.refValue())
	ch.buffer = slices.DeleteFunc(ch.buffer, func(buffered *push) bool { return buffered == p })
	var cb func(SubscribeState, error)
	if p == ch.joinPush && ch.state == ChannelJoining {
		ch.state = ChannelErrored
		ch.scheduleRejoinLocked()
		cb = ch.subscribeCb
	}
	ch.mu.Unlock()

	p.trigger(pushStatusTimeout, nil)
	if cb != nil {
		cb(SubscribeStateTimedOut, trace.ConnectionProblem(nil, "channel %q join timed out after %v", ch.subTopic, ch.timeout))
	}
}

// handleMessage routes one inbound frame addressed to this channel.
func (ch *Channel) handleMessage(msg Message) {
	ch.mu.Lock()
	if lifecycleEvents[msg.Event] && msg.JoinRef != "" && msg.JoinRef != ch.joinRef {
		ch.log.DebugContext(context.Background(), "Dropping frame from previous join cycle.",
			"event", msg.Event, "join_ref", msg.JoinRef)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()

	switch msg.Event {
	case eventReply:
		ch.handleReply(msg)
	case eventClose:
		ch.handleChannelClose()
	case eventError:
		ch.triggerError(trace.Errorf("channel %q errored: %v", ch.subTopic, msg.Payload))
	case eventBroadcast:
		ch.handleBroadcast(msg)
	case eventPresenceState:
		ch.handlePresenceState(msg)
	case eventPresenceDiff:
		ch.handlePresenceDiff(msg)
	case eventPostgresChanges:
		ch.handlePostgresChanges(msg)
	case eventSystem:
		ch.handleSystem(msg)
	default:
		ch.log.DebugContext(context.Background(), "Ignoring unhandled event.", "event", msg.Event)
	}
}

func (ch *Channel) handleReply(msg Message) {
	payload := asMap(msg.Payload)
	status := asString(payload["status"])
	response := payload["response"]

	ch.mu.Lock()
	p, ok := ch.pending[msg.Ref]
	if ok {
		delete(ch.pending, msg.Ref)
	}
	isJoin := ok && p == ch.joinPush
	stale := isJoin && msg.Ref != ch.joinRef
	ch.mu.Unlock()

	if !ok || stale {
		return
	}
	if isJoin {
		ch.handleJoinReply(status, response)
	}
	p.trigger(status, response)
}

func (ch *Channel) handleJoinReply(status string, response any) {
	if status == pushStatusOK {
		ch.handleJoinOK(response)
		return
	}

	ch.mu.Lock()
	if ch.state != ChannelJoining {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelErrored
	ch.scheduleRejoinLocked()
	cb := ch.subscribeCb
	ch.mu.Unlock()

	if cb != nil {
		cb(SubscribeStateChannelError, trace.Errorf("channel %q join failed: %v", ch.subTopic, response))
	}
}

// handleJoinOK transitions to joined after checking that the server
// acknowledged every registered postgres change binding, and flushes
// pushes buffered while joining.
func (ch *Channel) handleJoinOK(response any) {
	serverChanges, _ := asMap(response)["postgres_changes"].([]any)

	ch.mu.Lock()
	if ch.state != ChannelJoining {
		ch.mu.Unlock()
		return
	}
	if !ch.bindPostgresChangesLocked(serverChanges) {
		ch.state = ChannelErrored
		cb := ch.subscribeCb
		ch.mu.Unlock()

		if cb != nil {
			cb(SubscribeStateChannelError, trace.BadParameter("mismatch between client and server bindings for postgres changes"))
		}
		go func() {
			if err := ch.Unsubscribe(context.Background()); err != nil {
				ch.log.DebugContext(context.Background(), "Leave after binding mismatch failed.", "error", err)
			}
		}()
		return
	}
	ch.state = ChannelJoined
	ch.rejoinTries = 0
	if ch.rejoinTimer != nil {
		ch.rejoinTimer.Stop()
	}
	buffered := ch.buffer
	ch.buffer = nil
	for _, p := range buffered {
		ch.transmitPushLocked(p)
	}
	cb := ch.subscribeCb
	ch.mu.Unlock()

	if cb != nil {
		cb(SubscribeStateSubscribed, nil)
	}
	go func() {
		if err := ch.client.RefreshAuth(context.Background()); err != nil {
			ch.log.DebugContext(context.Background(), "Access token refresh after join failed.", "error", err)
		}
	}()
}

// bindPostgresChangesLocked matches the server-acknowledged change
// filters against the registered bindings position by position and
// records the assigned subscription ids.
func (ch *Channel) bindPostgresChangesLocked(serverChanges []any) bool {
	if len(ch.postgresBindings) == 0 {
		return true
	}
	if len(serverChanges) != len(ch.postgresBindings) {
		return false
	}
	ids := make([]int64, len(ch.postgresBindings))
	for i, binding := range ch.postgresBindings {
		server := asMap(serverChanges[i])
		if server == nil || !binding.filter.matches(server) {
			return false
		}
		id, ok := changeID(server["id"])
		if !ok {
			return false
		}
		ids[i] = id
	}
	for i, binding := range ch.postgresBindings {
		binding.id = ids[i]
	}
	return true
}

func (ch *Channel) handleChannelClose() {
	ch.mu.Lock()
	if ch.state == ChannelLeaving {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelClosed
	if ch.rejoinTimer != nil {
		ch.rejoinTimer.Stop()
	}
	ch.joinPush.cancelTimeout()
	cb := ch.subscribeCb
	ch.mu.Unlock()

	ch.client.dropChannel(ch)
	if cb != nil {
		cb(SubscribeStateClosed, nil)
	}
}

// triggerError flags the channel as errored and schedules a rejoin.
// Channels already leaving or closed are left alone.
func (ch *Channel) triggerError(reason error) {
	ch.mu.Lock()
	if ch.state == ChannelLeaving || ch.state == ChannelClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelErrored
	ch.scheduleRejoinLocked()
	cb := ch.subscribeCb
	ch.mu.Unlock()

	if cb != nil {
		cb(SubscribeStateChannelError, trace.Wrap(reason))
	}
}

// socketClosed is invoked by the client when the underlying connection
// drops.
func (ch *Channel) socketClosed() {
	ch.triggerError(trace.ConnectionProblem(nil, "connection to realtime server lost"))
}

func (ch *Channel) handleBroadcast(msg Message) {
	payload := asMap(msg.Payload)
	event := asString(payload["event"])

	ch.mu.Lock()
	var handlers []func(map[string]any)
	for _, binding := range ch.broadcastBindings {
		if binding.event == "*" || strings.EqualFold(binding.event, event) {
			handlers = append(handlers, binding.fn)
		}
	}
	ch.mu.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

func (ch *Channel) handlePresenceState(msg Message) {
	ch.mu.Lock()
	joins, leaves := ch.presence.handleState(asMap(msg.Payload), ch.joinRef)
	syncHooks := slices.Clone(ch.syncHooks)
	joinHooks := slices.Clone(ch.joinHooks)
	leaveHooks := slices.Clone(ch.leaveHooks)
	ch.mu.Unlock()

	firePresenceEvents(joins, leaves, joinHooks, leaveHooks)
	for _, hook := range syncHooks {
		hook()
	}
}

func (ch *Channel) handlePresenceDiff(msg Message) {
	ch.mu.Lock()
	joins, leaves, deferred := ch.presence.handleDiff(asMap(msg.Payload), ch.joinRef)
	syncHooks := slices.Clone(ch.syncHooks)
	joinHooks := slices.Clone(ch.joinHooks)
	leaveHooks := slices.Clone(ch.leaveHooks)
	ch.mu.Unlock()

	if deferred {
		return
	}
	firePresenceEvents(joins, leaves, joinHooks, leaveHooks)
	for _, hook := range syncHooks {
		hook()
	}
}

// firePresenceEvents hands deep copies to the hooks so state mutations by
// one handler cannot leak into another or back into the tracker.
func firePresenceEvents(
	joins []presenceJoin, leaves []presenceLeave,
	joinHooks, leaveHooks []func(string, []Presence, []Presence),
) {
	for _, join := range joins {
		for _, hook := range joinHooks {
			hook(join.key, clonePresences(join.current), clonePresences(join.joined))
		}
	}
	for _, leave := range leaves {
		for _, hook := range leaveHooks {
			hook(leave.key, clonePresences(leave.current), clonePresences(leave.left))
		}
	}
}

func (ch *Channel) handlePostgresChanges(msg Message) {
	payload := asMap(msg.Payload)
	data := asMap(payload["data"])
	ids, _ := payload["ids"].([]any)
	eventType := asString(data["type"])

	ch.mu.Lock()
	var handlers []func(PostgresChange)
	for _, binding := range ch.postgresBindings {
		if binding.id == 0 || !containsID(ids, binding.id) {
			continue
		}
		if binding.filter.Event != "*" && !strings.EqualFold(binding.filter.Event, eventType) {
			continue
		}
		handlers = append(handlers, binding.fn)
	}
	ch.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	change := transformPostgresChange(data)
	for _, handler := range handlers {
		handler(change)
	}
}

func (ch *Channel) handleSystem(msg Message) {
	payload := asMap(msg.Payload)

	ch.mu.Lock()
	handlers := slices.Clone(ch.systemHooks)
	ch.mu.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

// pushAccessToken forwards a new access token to the server when the
// channel is joined. Future rejoins pick the token up from the join
// payload instead.
func (ch *Channel) pushAccessToken(token string) {
	ch.mu.Lock()
	joined := ch.state == ChannelJoined
	ch.mu.Unlock()
	if !joined {
		return
	}
	if _, err := ch.pushEvent(eventAccessToken, map[string]any{"access_token": token}); err != nil {
		ch.log.DebugContext(context.Background(), "Access token push failed.", "error", err)
	}
}

func containsID(ids []any, id int64) bool {
	for _, value := range ids {
		if n, ok := changeID(value); ok && n == id {
			return true
		}
	}
	return false
}

func changeID(value any) (int64, bool) {
	n, ok := value.(float64)
	if !ok {
		return 0, false
	}
	return int64(n), true
}
