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

// Package realtime implements the websocket client for the Supabase
// realtime service: Phoenix channels with broadcast messages, shared
// presence state and postgres change notifications, over a connection
// that heartbeats and reconnects with backoff.
package realtime

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/defaults"
	"github.com/gravitational/supabase-go/internal/httpapi"
)

// phoenixVersion is the wire protocol version announced in the socket
// URL by default.
const phoenixVersion = "2.0.0"

// ClientConfig holds the realtime client settings.
type ClientConfig struct {
	// URL is the realtime endpoint, for example
	// wss://project.supabase.co/realtime/v1. http and https schemes are
	// converted to their websocket counterparts.
	URL string
	// APIKey authenticates the socket and serves as the access token
	// until SetAuth or AccessToken provide one.
	APIKey string
	// Params are additional query parameters for the socket URL.
	Params map[string]string
	// Headers are sent with the websocket handshake and the broadcast
	// fallback requests.
	Headers map[string]string
	// HeartbeatInterval is the period between socket heartbeats.
	HeartbeatInterval time.Duration
	// Timeout bounds pushes and channel joins awaiting a server reply.
	Timeout time.Duration
	// Vsn is the Phoenix protocol version sent in the socket URL.
	Vsn string
	// LogLevel is forwarded to the server in the socket URL when set.
	LogLevel string
	// AccessToken resolves the access token channels authorize with.
	// When unset the APIKey, or a token pinned through SetAuth, is used.
	AccessToken func(ctx context.Context) (string, error)
	// ReconnectAfter returns the delay before reconnection attempt
	// tries, counting from 1.
	ReconnectAfter func(tries int) time.Duration
	// OnHeartbeat observes the outcome of every heartbeat tick. The
	// latency is only meaningful for HeartbeatOK.
	OnHeartbeat func(status HeartbeatStatus, latency time.Duration)
	// Dialer opens the websocket connection.
	Dialer *websocket.Dialer
	// HTTP issues broadcast fallback requests.
	HTTP *http.Client
	// Log emits client diagnostics.
	Log *slog.Logger
	// Clock drives heartbeats and reconnection timers.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.RealtimeTimeout
	}
	if c.Vsn == "" {
		c.Vsn = phoenixVersion
	}
	if c.ReconnectAfter == nil {
		c.ReconnectAfter = defaults.ReconnectAfter
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Log == nil {
		c.Log = slog.Default().With("component", "realtime")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Client maintains the realtime websocket. It dials, heartbeats,
// reconnects with backoff and routes inbound frames to the channels
// created through it. All methods are safe for concurrent use.
type Client struct {
	log               *slog.Logger
	clock             clockwork.Clock
	timeout           time.Duration
	apikey            string
	heartbeatInterval time.Duration
	reconnectFn       func(tries int) time.Duration
	accessTokenFn     func(ctx context.Context) (string, error)
	onHeartbeat       func(HeartbeatStatus, time.Duration)
	dialer            *websocket.Dialer
	endpoint          string
	handshake         http.Header
	api               *httpapi.Client

	refCounter atomic.Uint64

	// writeMu serializes data frame writes to the socket.
	writeMu sync.Mutex

	mu                  sync.Mutex
	state               ConnectionState
	conn                *websocket.Conn
	manualDisconnect    bool
	manualToken         bool
	accessToken         string
	channels            map[string]*Channel
	sendBuffer          []Message
	reconnectTries      int
	reconnectTimer      clockwork.Timer
	stopHeartbeat       chan struct{}
	pendingHeartbeatRef string
	heartbeatSentAt     time.Time
}

// New returns a realtime client for the given endpoint. The socket is
// not dialed until Connect, or the first channel subscription.
func New(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	endpoint, err := socketURL(cfg.URL, cfg.APIKey, cfg.Vsn, cfg.LogLevel, cfg.Params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	broadcastURL, err := broadcastBaseURL(cfg.URL)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	apiHeaders := map[string]string{"apikey": cfg.APIKey}
	for k, v := range cfg.Headers {
		apiHeaders[k] = v
	}
	api, err := httpapi.NewClient(httpapi.ClientConfig{
		BaseURL: broadcastURL,
		HTTP:    cfg.HTTP,
		Headers: apiHeaders,
		Log:     cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	handshake := http.Header{}
	handshake.Set(defaults.ClientInfoHeader, "supabase-go/"+defaults.Version)
	for k, v := range cfg.Headers {
		handshake.Set(k, v)
	}

	return &Client{
		log:               cfg.Log,
		clock:             cfg.Clock,
		timeout:           cfg.Timeout,
		apikey:            cfg.APIKey,
		heartbeatInterval: cfg.HeartbeatInterval,
		reconnectFn:       cfg.ReconnectAfter,
		accessTokenFn:     cfg.AccessToken,
		onHeartbeat:       cfg.OnHeartbeat,
		dialer:            cfg.Dialer,
		endpoint:          endpoint,
		handshake:         handshake,
		api:               api,
		state:             ConnectionDisconnected,
		accessToken:       cfg.APIKey,
		channels:          make(map[string]*Channel),
	}, nil
}

// socketURL builds the websocket endpoint with the auth and protocol
// query parameters appended.
func socketURL(raw, apikey, vsn, logLevel string, params map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", trace.BadParameter("invalid realtime URL: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", trace.BadParameter("realtime URL must use ws, wss, http or https, got %q", u.Scheme)
	}
	if !strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/websocket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	q.Set("apikey", apikey)
	q.Set("vsn", vsn)
	if logLevel != "" {
		q.Set("log_level", logLevel)
	}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// broadcastBaseURL derives the REST endpoint serving the broadcast
// fallback from the websocket URL.
func broadcastBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", trace.BadParameter("invalid realtime URL: %v", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", trace.BadParameter("realtime URL must use ws, wss, http or https, got %q", u.Scheme)
	}
	path := strings.TrimRight(u.Path, "/")
	for _, suffix := range []string{"/socket/websocket", "/socket", "/websocket"} {
		if strings.HasSuffix(path, suffix) {
			path = strings.TrimSuffix(path, suffix)
			break
		}
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// Connect opens the websocket unless it is already open or opening. A
// failed dial schedules a background reconnect before returning the
// error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case ConnectionConnected, ConnectionConnecting, ConnectionDisconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = ConnectionConnecting
	c.manualDisconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, c.handshake)
	if err != nil {
		c.mu.Lock()
		c.state = ConnectionDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return trace.ConnectionProblem(err, "dialing realtime server")
	}

	c.mu.Lock()
	// Disconnect may have been called while the dial was in flight; the
	// fresh socket must not outlive that decision.
	if c.manualDisconnect {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.state = ConnectionConnected
	c.reconnectTries = 0
	c.pendingHeartbeatRef = ""
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	buffered := c.sendBuffer
	c.sendBuffer = nil
	c.mu.Unlock()

	c.log.InfoContext(ctx, "Connected to realtime server.")
	go c.readPump(conn)
	go c.heartbeatLoop(stop)

	// Settle the authorization before the buffered frames go out, so
	// nothing queued rides the connection with a stale token.
	go func() {
		if err := c.RefreshAuth(context.Background()); err != nil {
			c.log.DebugContext(context.Background(), "Access token refresh after connect failed.", "error", err)
		}
		for _, msg := range buffered {
			c.push(msg)
		}
	}()
	return nil
}

// Disconnect closes the socket and suppresses automatic reconnection.
// Subscribed channels stay registered and resubscribe on the next
// Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == ConnectionDisconnected || c.state == ConnectionDisconnecting {
		c.mu.Unlock()
		return nil
	}
	c.manualDisconnect = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	conn := c.conn
	if conn == nil {
		c.state = ConnectionDisconnected
		c.mu.Unlock()
		return nil
	}
	c.state = ConnectionDisconnecting
	c.mu.Unlock()

	// Ask for a clean close, then drop the connection outright if the
	// server does not finish the handshake in time.
	deadline := time.Now().Add(defaults.DisconnectGraceDelay)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		conn.Close()
		return nil
	}
	c.clock.AfterFunc(defaults.DisconnectGraceDelay, func() {
		conn.Close()
	})
	return nil
}

// ConnectionState returns the socket lifecycle state.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	return c.connected()
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnectionConnected && c.conn != nil
}

// Channel returns the channel for the topic, creating it on first use.
// The realtime: prefix is applied automatically. The config only takes
// effect when this call creates the channel.
func (c *Client) Channel(topic string, config ChannelConfig) *Channel {
	topic = strings.TrimPrefix(topic, topicPrefix)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[topicPrefix+topic]; ok {
		return ch
	}
	ch := newChannel(c, topic, config)
	c.channels[ch.topic] = ch
	return ch
}

// Channels returns the currently registered channels.
func (c *Client) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Collect(maps.Values(c.channels))
}

// RemoveChannel unsubscribes the channel and disconnects the socket when
// it was the last one.
func (c *Client) RemoveChannel(ctx context.Context, ch *Channel) error {
	err := ch.Unsubscribe(ctx)

	c.mu.Lock()
	empty := len(c.channels) == 0
	c.mu.Unlock()
	if empty {
		if derr := c.Disconnect(); derr != nil {
			return trace.NewAggregate(err, derr)
		}
	}
	return trace.Wrap(err)
}

// RemoveAllChannels unsubscribes every channel and disconnects the
// socket.
func (c *Client) RemoveAllChannels(ctx context.Context) error {
	var g errgroup.Group
	for _, ch := range c.Channels() {
		g.Go(func() error {
			return trace.Wrap(ch.Unsubscribe(ctx))
		})
	}
	err := g.Wait()
	if derr := c.Disconnect(); derr != nil {
		return trace.NewAggregate(err, derr)
	}
	return trace.Wrap(err)
}

// dropChannel removes ch from the routing table.
func (c *Client) dropChannel(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.channels[ch.topic]; ok && current == ch {
		delete(c.channels, ch.topic)
	}
}

// SetAuth overrides the access token applied to the socket's channels. A
// non-empty token pins that value until SetAuth is called with an empty
// one, which reverts to the configured resolver.
func (c *Client) SetAuth(ctx context.Context, token string) error {
	if token != "" {
		c.mu.Lock()
		c.manualToken = true
		c.mu.Unlock()
		c.applyToken(token)
		return nil
	}
	c.mu.Lock()
	c.manualToken = false
	c.mu.Unlock()
	return trace.Wrap(c.RefreshAuth(ctx))
}

// RefreshAuth resolves the current access token and propagates it to
// joined channels when it changed. Tokens pinned with SetAuth are left
// alone.
func (c *Client) RefreshAuth(ctx context.Context) error {
	c.mu.Lock()
	manual := c.manualToken
	c.mu.Unlock()
	if manual {
		return nil
	}
	token := c.apikey
	if c.accessTokenFn != nil {
		resolved, err := c.accessTokenFn(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		if resolved != "" {
			token = resolved
		}
	}
	c.applyToken(token)
	return nil
}

// applyToken records the token and forwards it to joined channels.
func (c *Client) applyToken(token string) {
	c.mu.Lock()
	if token == c.accessToken {
		c.mu.Unlock()
		return
	}
	c.accessToken = token
	channels := slices.Collect(maps.Values(c.channels))
	c.mu.Unlock()

	for _, ch := range channels {
		ch.pushAccessToken(token)
	}
}

// accessTokenValue returns the token channels currently authorize with.
func (c *Client) accessTokenValue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// makeRef returns the next message ref. The counter wraps naturally.
func (c *Client) makeRef() string {
	return strconv.FormatUint(c.refCounter.Add(1), 10)
}

func (c *Client) reconnectAfter(tries int) time.Duration {
	return c.reconnectFn(tries)
}

// push transmits a message when connected. Join and leave frames are
// never buffered since the channel rejoin flow regenerates them;
// everything else queues until the socket returns.
func (c *Client) push(msg Message) {
	c.mu.Lock()
	conn := c.conn
	connected := conn != nil && c.state == ConnectionConnected
	if !connected {
		if msg.Event != eventJoin && msg.Event != eventLeave {
			c.sendBuffer = append(c.sendBuffer, msg)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.writeMessage(conn, msg); err != nil {
		c.log.DebugContext(context.Background(), "Dropping frame after write failure.",
			"event", msg.Event, "error", err)
	}
}

func (c *Client) writeMessage(conn *websocket.Conn, msg Message) error {
	data, binary, err := encodeMessage(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(msgType, data); err != nil {
		return trace.ConnectionProblem(err, "writing to realtime server")
	}
	return nil
}

// readPump delivers inbound frames until the connection fails.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		msg, err := decodeMessage(data, msgType == websocket.BinaryMessage)
		if err != nil {
			c.log.WarnContext(context.Background(), "Dropping undecodable frame.", "error", err)
			continue
		}
		c.route(msg)
	}
}

// handleClose tears down after the read loop exits, errors the channels
// and schedules a reconnect unless the disconnect was requested.
func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	c.state = ConnectionDisconnected
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.pendingHeartbeatRef = ""
	manual := c.manualDisconnect
	if !manual {
		c.scheduleReconnectLocked()
	}
	channels := slices.Collect(maps.Values(c.channels))
	c.mu.Unlock()

	conn.Close()
	if manual {
		c.log.InfoContext(context.Background(), "Disconnected from realtime server.")
	} else {
		c.log.WarnContext(context.Background(), "Connection to realtime server lost.", "error", err)
	}
	for _, ch := range channels {
		ch.socketClosed()
	}
}

func (c *Client) scheduleReconnectLocked() {
	if c.manualDisconnect {
		return
	}
	c.reconnectTries++
	delay := c.reconnectFn(c.reconnectTries)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.log.DebugContext(context.Background(), "Reconnection attempt failed.", "error", err)
		}
	})
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	ticker := c.clock.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.sendHeartbeat()
		}
	}
}

// sendHeartbeat emits one heartbeat tick. A previous heartbeat still
// awaiting its reply means the connection has gone quiet, so the socket
// is torn down and redialed shortly after.
func (c *Client) sendHeartbeat() {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state != ConnectionConnected {
		c.mu.Unlock()
		c.notifyHeartbeat(HeartbeatDisconnected, 0)
		return
	}
	if c.pendingHeartbeatRef != "" {
		c.pendingHeartbeatRef = ""
		c.mu.Unlock()

		c.log.WarnContext(context.Background(), "Heartbeat went unanswered, closing the connection.")
		c.notifyHeartbeat(HeartbeatTimeout, 0)
		deadline := time.Now().Add(defaults.DisconnectGraceDelay)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "heartbeat timeout"), deadline)
		conn.Close()
		// Redial ahead of the regular reconnect ramp; Connect cancels
		// the ramp timer armed by handleClose.
		c.clock.AfterFunc(defaults.HeartbeatReconnectDelay, func() {
			if err := c.Connect(context.Background()); err != nil {
				c.log.DebugContext(context.Background(), "Reconnection attempt failed.", "error", err)
			}
		})
		return
	}
	ref := c.makeRef()
	c.pendingHeartbeatRef = ref
	c.heartbeatSentAt = c.clock.Now()
	c.mu.Unlock()

	msg := Message{Topic: heartbeatTopic, Event: eventHeartbeat, Payload: map[string]any{}, Ref: ref}
	if err := c.writeMessage(conn, msg); err != nil {
		c.log.DebugContext(context.Background(), "Heartbeat write failed.", "error", err)
		return
	}
	c.notifyHeartbeat(HeartbeatSent, 0)
	go func() {
		if err := c.RefreshAuth(context.Background()); err != nil {
			c.log.DebugContext(context.Background(), "Access token refresh failed.", "error", err)
		}
	}()
}

func (c *Client) handleHeartbeatReply(msg Message) {
	c.mu.Lock()
	if c.pendingHeartbeatRef == "" || msg.Ref != c.pendingHeartbeatRef {
		c.mu.Unlock()
		return
	}
	c.pendingHeartbeatRef = ""
	latency := c.clock.Since(c.heartbeatSentAt)
	c.mu.Unlock()
	c.notifyHeartbeat(HeartbeatOK, latency)
}

func (c *Client) notifyHeartbeat(status HeartbeatStatus, latency time.Duration) {
	if c.onHeartbeat != nil {
		c.onHeartbeat(status, latency)
	}
}

// route hands one inbound frame to its channel. Heartbeat replies are
// handled by the client itself.
func (c *Client) route(msg Message) {
	if msg.Topic == heartbeatTopic {
		if msg.Event == eventReply {
			c.handleHeartbeatReply(msg)
		}
		return
	}
	c.mu.Lock()
	ch := c.channels[msg.Topic]
	c.mu.Unlock()
	if ch == nil {
		c.log.DebugContext(context.Background(), "Dropping frame for unknown topic.", "topic", msg.Topic)
		return
	}
	ch.handleMessage(msg)
}

// broadcastHTTP delivers a broadcast through the REST endpoint, used
// while the channel is not joined over the socket.
func (c *Client) broadcastHTTP(ctx context.Context, topic, event string, payload any, private bool) error {
	c.log.DebugContext(ctx, "Channel not joined, sending broadcast over HTTP.", "topic", topic)
	resp, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "api/broadcast",
		Headers: map[string]string{
			"Authorization": "Bearer " + c.accessTokenValue(),
		},
		JSON: map[string]any{
			"messages": []map[string]any{{
				"topic":   topic,
				"event":   event,
				"payload": payload,
				"private": private,
			}},
		},
		Timeout: c.timeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		if err := apierror.FromResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
			return trace.Wrap(err)
		}
		return trace.BadParameter("broadcast endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
