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

// Message is one Phoenix frame, either direction. Refs are empty strings
// when the frame carries none.
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload any
}

// Phoenix protocol events.
const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventLeave     = "phx_leave"
	eventClose     = "phx_close"
	eventError     = "phx_error"
	eventHeartbeat = "heartbeat"

	eventBroadcast       = "broadcast"
	eventPresence        = "presence"
	eventPresenceState   = "presence_state"
	eventPresenceDiff    = "presence_diff"
	eventPostgresChanges = "postgres_changes"
	eventSystem          = "system"
	eventAccessToken     = "access_token"
)

// lifecycleEvents are the protocol control events subject to the stale
// join ref guard.
var lifecycleEvents = map[string]bool{
	eventJoin:  true,
	eventReply: true,
	eventLeave: true,
	eventClose: true,
	eventError: true,
}

// heartbeatTopic is the reserved topic heartbeats travel on.
const heartbeatTopic = "phoenix"

// topicPrefix is prepended to every channel name on the wire.
const topicPrefix = "realtime:"

// ConnectionState is the realtime socket lifecycle state.
type ConnectionState string

const (
	// ConnectionDisconnected means no socket is open and none is being
	// opened.
	ConnectionDisconnected ConnectionState = "disconnected"
	// ConnectionConnecting means a dial is in progress.
	ConnectionConnecting ConnectionState = "connecting"
	// ConnectionConnected means the socket is open.
	ConnectionConnected ConnectionState = "connected"
	// ConnectionDisconnecting means a close handshake is in progress.
	ConnectionDisconnecting ConnectionState = "disconnecting"
)

// ChannelState is the channel lifecycle state.
type ChannelState string

const (
	// ChannelClosed means the channel is not subscribed.
	ChannelClosed ChannelState = "closed"
	// ChannelJoining means a join is in flight.
	ChannelJoining ChannelState = "joining"
	// ChannelJoined means the server accepted the join.
	ChannelJoined ChannelState = "joined"
	// ChannelErrored means the join failed or the connection dropped; a
	// rejoin is scheduled.
	ChannelErrored ChannelState = "errored"
	// ChannelLeaving means a leave is in flight.
	ChannelLeaving ChannelState = "leaving"
)

// SubscribeState is reported to the Subscribe callback as the subscription
// advances.
type SubscribeState string

const (
	// SubscribeStateSubscribed means the join was accepted.
	SubscribeStateSubscribed SubscribeState = "SUBSCRIBED"
	// SubscribeStateTimedOut means the join got no reply in time; the
	// channel retries with backoff.
	SubscribeStateTimedOut SubscribeState = "TIMED_OUT"
	// SubscribeStateClosed means the channel was unsubscribed.
	SubscribeStateClosed SubscribeState = "CLOSED"
	// SubscribeStateChannelError means the join was rejected or the
	// postgres_changes registration did not match the server's.
	SubscribeStateChannelError SubscribeState = "CHANNEL_ERROR"
)

// HeartbeatStatus describes one heartbeat tick outcome.
type HeartbeatStatus string

const (
	// HeartbeatSent means a heartbeat went out and awaits its reply.
	HeartbeatSent HeartbeatStatus = "sent"
	// HeartbeatOK means the reply to the last heartbeat arrived.
	HeartbeatOK HeartbeatStatus = "ok"
	// HeartbeatTimeout means the previous heartbeat got no reply and the
	// socket is being torn down.
	HeartbeatTimeout HeartbeatStatus = "timeout"
	// HeartbeatDisconnected means the tick fired with no open socket.
	HeartbeatDisconnected HeartbeatStatus = "disconnected"
)
