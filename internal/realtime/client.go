// Package realtime maintains the WebSocket connection to the agent
// backend: one live connection per client, kept alive by heartbeats,
// transparently re-established with exponential backoff after abnormal
// loss, and torn down only by an explicit Disconnect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/flowsync/pkg/wire"
)

// ErrNoToken is returned by Connect when no auth token can be resolved
// and anonymous connections are not allowed. No handshake is attempted
// and no reconnect loop starts; reconnecting without credentials cannot
// succeed.
var ErrNoToken = errors.New("realtime: no auth token available")

// Status is the connection lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// StatusListener observes status transitions.
type StatusListener func(Status)

// Receiver consumes parsed envelopes from the read loop.
type Receiver interface {
	Route(env wire.Envelope)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(env wire.Envelope)

// Route calls f.
func (f ReceiverFunc) Route(env wire.Envelope) { f(env) }

// Config tunes a Client. Zero values fall back to the defaults below.
type Config struct {
	// URL is the server endpoint. http/https schemes are rewritten to
	// ws/wss.
	URL string

	// Token is the bearer token appended to the connection URL. When
	// empty, TokenSource is consulted; when both are empty, Connect
	// fails fast with ErrNoToken unless AllowAnonymous is set.
	Token       string
	TokenSource func() string

	AllowAnonymous bool

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// connectAttempt is shared by every caller awaiting the same in-flight
// Connect, so N concurrent calls produce one transport handshake.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client owns at most one live connection. All exported methods are safe
// for concurrent use.
type Client struct {
	cfg       Config
	log       *slog.Logger
	sessionID string
	receiver  Receiver

	mu             sync.Mutex
	conn           *websocket.Conn
	status         Status
	inflight       *connectAttempt
	manualClose    bool
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	subs           map[string]struct{}

	nextListener uint64
	listeners    map[uint64]StatusListener

	// writeMu serializes frame writes; the websocket allows one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewClient creates a disconnected Client. Envelopes read from the
// connection are handed to rx; a nil rx drops them.
func NewClient(cfg Config, rx Receiver) *Client {
	cfg.defaults()
	return &Client{
		cfg:       cfg,
		log:       cfg.Logger,
		sessionID: uuid.New().String(),
		receiver:  rx,
		status:    StatusDisconnected,
		subs:      make(map[string]struct{}),
		listeners: make(map[uint64]StatusListener),
	}
}

// SessionID returns the identifier generated for this client instance.
// It is stable for the client's lifetime and sent on every handshake so
// the server can tell concurrent connections of one user apart.
func (c *Client) SessionID() string { return c.sessionID }

// Connect establishes the connection. Idempotent: returns nil when
// already connected, and concurrent callers share one in-flight attempt
// rather than racing handshakes. On success the reconnect counter
// resets, the heartbeat starts, and prior subscriptions are replayed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	if c.inflight != nil {
		attempt := c.inflight
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	c.inflight = attempt
	c.manualClose = false
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	attempt.err = err
	close(attempt.done)
	return err
}

func (c *Client) dial(ctx context.Context) error {
	token := c.cfg.Token
	if token == "" && c.cfg.TokenSource != nil {
		token = c.cfg.TokenSource()
	}
	if token == "" && !c.cfg.AllowAnonymous {
		c.transition(StatusError)
		return ErrNoToken
	}

	c.transition(StatusConnecting)

	wsURL, err := c.buildURL(token)
	if err != nil {
		c.transition(StatusError)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.transition(StatusError)
		return fmt.Errorf("dial realtime server: %w", err)
	}

	c.mu.Lock()
	if c.manualClose {
		// Disconnect won the race during the handshake.
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("dial realtime server: closed during handshake")
	}
	c.conn = conn
	c.attempts = 0
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	subs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		subs = append(subs, id)
	}
	c.mu.Unlock()

	c.transition(StatusConnected)

	go c.readLoop(conn)
	go c.heartbeat(stop)

	for _, id := range subs {
		c.Send(wire.NewSubscribe(id))
	}
	c.log.Info("realtime connected", "url", c.cfg.URL, "session_id", c.sessionID, "resubscribed", len(subs))
	return nil
}

func (c *Client) buildURL(token string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	q.Set("session_id", c.sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Disconnect marks the closure manual, stops the heartbeat, cancels any
// pending reconnect, and closes the transport. Nothing reconnects or
// ticks after it returns. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.transition(StatusDisconnected)
}

// Send marshals v and writes it when the connection is open. It returns
// false, never an error, when disconnected or the write fails; callers
// check the result instead of handling exceptions.
func (c *Client) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.status == StatusConnected
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("marshal outbound frame", "error", err)
		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("write frame", "error", err)
		return false
	}
	return true
}

// Subscribe records the conversation for replay after reconnects and
// sends the subscribe frame when currently connected. The return value
// reports whether the frame went out now.
func (c *Client) Subscribe(conversationID string) bool {
	c.mu.Lock()
	c.subs[conversationID] = struct{}{}
	c.mu.Unlock()
	return c.Send(wire.NewSubscribe(conversationID))
}

// IsConnected reports whether the transport is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatusChange registers fn and invokes it once immediately with the
// current status, so late subscribers see state without racing the next
// transition. Consecutive identical statuses notify only once. The
// returned function revokes the registration.
func (c *Client) OnStatusChange(fn StatusListener) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	current := c.status
	c.mu.Unlock()

	fn(current)
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// transition moves to the given status and notifies listeners outside
// the lock. Same-status transitions are absorbed.
func (c *Client) transition(to Status) {
	c.mu.Lock()
	if c.status == to {
		c.mu.Unlock()
		return
	}
	c.status = to
	listeners := make([]StatusListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(to)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		env, perr := wire.ParseEnvelope(raw)
		if perr != nil {
			c.log.Warn("dropping malformed frame", "error", perr)
			continue
		}
		if c.receiver != nil {
			c.receiver.Route(env)
		}
	}
}

// handleClose runs when a read fails. Manual closes end here; abnormal
// ones surface as an error status and start the backoff loop.
func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already took over; this loop is stale.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()
	manual := c.manualClose
	c.mu.Unlock()

	conn.Close()
	if manual {
		return
	}

	c.log.Warn("realtime connection lost", "error", err)
	c.transition(StatusError)
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt. The
// attempt counter increments at scheduling time, so successive delays
// grow initialDelay, 2x, 4x... until the cap, which parks the client in
// disconnected until a manual Connect.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		c.log.Warn("reconnect attempts exhausted", "attempts", c.attempts)
		c.transition(StatusDisconnected)
		return
	}
	delay := backoffDelay(c.cfg.ReconnectDelay, c.attempts)
	c.attempts++
	attempt := c.attempts
	c.reconnectTimer = time.AfterFunc(delay, c.retryConnect)
	c.mu.Unlock()

	c.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (c *Client) retryConnect() {
	c.mu.Lock()
	manual := c.manualClose
	c.reconnectTimer = nil
	c.mu.Unlock()
	if manual {
		return
	}
	if err := c.Connect(context.Background()); err != nil {
		c.scheduleReconnect()
	}
}

// backoffDelay returns the reconnect delay for a zero-based attempt
// index: initial << attempt.
func backoffDelay(initial time.Duration, attempt int) time.Duration {
	return initial << attempt
}

func (c *Client) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.Send(wire.NewPing()) {
				return
			}
		}
	}
}

// stopHeartbeatLocked must be called with c.mu held.
func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}
