// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/shardvisor/lib/clock"
	"github.com/bureau-foundation/shardvisor/lib/metrics"
)

// CloseSuperseded is the close code the relay sends to a connection
// whose identity has been claimed by a newer connection.
const CloseSuperseded = 4029

// HandshakeAck is the relay's reply to an identity frame.
const HandshakeAck = `{"status":"ok"}`

const writeTimeout = 10 * time.Second

// ErrClosed is returned by Send and Request once the connection has
// stopped for good: superseded, closed, or its Run context cancelled.
var ErrClosed = errors.New("bus connection closed")

// State is a connection's position in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Identity formats the handshake identity for a worker.
func Identity(botName string, clusterID int) string {
	return botName + "#" + strconv.Itoa(clusterID)
}

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	// URL is the relay's websocket URL, e.g. "ws://127.0.0.1:13337/".
	URL string

	BotName   string
	ClusterID int

	// TotalClusters is the quorum size for Request.
	TotalClusters int

	// Router serves inbound commands and the local share of this
	// worker's own requests. Nil means no endpoints.
	Router *Router

	RequestTimeout   time.Duration
	ReconnectBackoff time.Duration
	HandshakeTimeout time.Duration

	// OnConnected, if set, runs after every successful handshake.
	OnConnected func()

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
}

// Connection is a worker's persistent link to the bus relay. Run owns
// the connect and read loops; Send and Request may be called from any
// goroutine, before or during Run.
type Connection struct {
	config     ConnectionConfig
	identity   string
	correlator *Correlator
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	// changed is closed and replaced on every state transition.
	changed chan struct{}

	// writeMu serializes data frames on the current conn.
	writeMu sync.Mutex
}

// NewConnection validates config and returns a disconnected
// Connection.
func NewConnection(config ConnectionConfig) (*Connection, error) {
	if config.URL == "" {
		return nil, errors.New("bus: relay URL is required")
	}
	if config.BotName == "" {
		return nil, errors.New("bus: bot name is required")
	}
	if config.TotalClusters <= 0 {
		return nil, fmt.Errorf("bus: total clusters must be positive, got %d", config.TotalClusters)
	}
	if config.Router == nil {
		config.Router = NewRouter()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = 2 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	identity := Identity(config.BotName, config.ClusterID)
	return &Connection{
		config:     config,
		identity:   identity,
		correlator: NewCorrelator(config.Clock),
		logger:     config.Logger.With("identity", identity),
		changed:    make(chan struct{}),
	}, nil
}

// Correlator exposes the in-flight request table.
func (c *Connection) Correlator() *Correlator { return c.correlator }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked records a transition and wakes waiters. Caller holds
// c.mu.
func (c *Connection) setStateLocked(state State, conn *websocket.Conn) {
	c.state = state
	c.conn = conn
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Connection) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.setStateLocked(state, nil)
}

// Run connects to the relay and serves the connection until ctx is
// cancelled, Close is called, or the relay closes the connection with
// a terminal code (normal closure, going away, or superseded). Every
// other disconnect is followed by a reconnect after the backoff. Run
// returns nil in all of those cases; it may be called once.
func (c *Connection) Run(ctx context.Context) error {
	defer c.Close()

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return nil
		}

		if !c.publish(conn) {
			conn.Close()
			return nil
		}
		c.logger.Info("connected to bus relay", "url", c.config.URL)
		if c.config.OnConnected != nil {
			c.config.OnConnected()
		}

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = c.readLoop(ctx, conn)
		stop()
		c.retire(conn)

		if ctx.Err() != nil || c.State() == StateClosed {
			return nil
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, CloseSuperseded) {
			c.logger.Info("bus relay closed connection", "reason", err)
			return nil
		}
		c.logger.Warn("bus connection lost, reconnecting", "error", err)
	}
}

// connect dials and handshakes until it succeeds or ctx is done,
// sleeping the fixed backoff between attempts.
func (c *Connection) connect(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.BusReconnects.Inc()
		}
		if c.State() == StateClosed {
			return nil, ErrClosed
		}
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("bus relay connect failed", "error", err, "attempt", attempt+1,
			"retry_in", c.config.ReconnectBackoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.config.Clock.After(c.config.ReconnectBackoff):
		}
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.config.Dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return nil, err
	}
	c.setState(StateHandshaking)
	// Closing the conn unblocks a handshake read when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = c.handshake(conn)
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return conn, nil
}

func (c *Connection) handshake(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.config.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(c.identity)); err != nil {
		return fmt.Errorf("sending identity: %w", err)
	}
	conn.SetReadDeadline(deadline)
	_, ack, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("awaiting acknowledgement: %w", err)
	}
	if string(ack) != HandshakeAck {
		return fmt.Errorf("unexpected acknowledgement %q", ack)
	}
	conn.SetReadDeadline(time.Time{})
	return nil
}

// publish makes conn the current connection. It reports false if the
// connection was closed in the meantime.
func (c *Connection) publish(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.setStateLocked(StateConnected, conn)
	return true
}

// retire drops conn if it is still current. Safe to call more than
// once and from Send after a failed write.
func (c *Connection) retire(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn && c.state != StateClosed {
		c.setStateLocked(StateDisconnected, nil)
	}
}

// Close stops the connection permanently. Pending and future Sends
// return ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosed, nil)
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// readLoop processes inbound frames in arrival order. Commands are
// dispatched on their own goroutines so a slow handler does not hold
// up responses for other requests.
func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		message, err := Decode(data)
		if err != nil {
			if errors.Is(err, ErrUnknownKind) {
				return err
			}
			c.logger.Warn("dropping malformed bus frame", "error", err)
			continue
		}

		switch message.Kind {
		case KindResponse:
			if !c.correlator.Deliver(message) {
				c.logger.Debug("discarding response for untracked key",
					"key", message.Key, "author", message.Author)
			}
		case KindCommand:
			go c.serveCommand(ctx, message)
		}
	}
}

func (c *Connection) serveCommand(ctx context.Context, command Message) {
	response := c.execute(ctx, command)
	if err := c.Send(ctx, response); err != nil {
		c.logger.Debug("response not sent", "key", command.Key,
			"endpoint", command.Command.Endpoint, "error", err)
	}
}

// execute runs a command locally and always produces a response
// frame. Handler failures yield a null return value.
func (c *Connection) execute(ctx context.Context, command Message) Message {
	endpoint := command.Command.Endpoint
	value, err := c.config.Router.Dispatch(ctx, command.Command)
	if err != nil {
		c.logger.Error("bus command failed", "endpoint", endpoint,
			"key", command.Key, "author", command.Author, "error", err)
		value = nil
	}
	response, err := NewResponse(c.config.ClusterID, command.Key, value)
	if err != nil {
		c.logger.Error("bus command result is not serializable", "endpoint", endpoint, "error", err)
		response = Message{Author: c.config.ClusterID, Kind: KindResponse, Key: command.Key, Value: jsonNull}
	}
	return response
}

// current waits for a live connection.
func (c *Connection) current(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		state, conn, changed := c.state, c.conn, c.changed
		c.mu.Unlock()

		if state == StateClosed {
			return nil, ErrClosed
		}
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Send writes message to the relay. While the connection is down, Send
// waits for Run to re-establish it and then retries, so it only fails
// for an unserializable message, ctx cancellation, or ErrClosed.
func (c *Connection) Send(ctx context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding bus message: %w", err)
	}
	for {
		conn, err := c.current(ctx)
		if err != nil {
			return err
		}
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err == nil {
			return nil
		}
		c.logger.Debug("bus send failed, waiting for reconnect", "key", message.Key, "error", err)
		c.retire(conn)
	}
}

// Request broadcasts a command and collects one response per cluster,
// including this worker's own, which is computed locally because the
// relay never echoes a frame to its sender. It returns once every
// cluster has answered or the request timeout elapses, whichever comes
// first; a timeout yields the partial set without error. Responses are
// sorted by author.
func (c *Connection) Request(ctx context.Context, endpoint string, args map[string]any) ([]Response, error) {
	pending := c.correlator.Register(c.config.TotalClusters)
	command, err := NewCommand(c.config.ClusterID, pending.Key(), endpoint, args)
	if err != nil {
		pending.Cancel()
		return nil, err
	}
	metrics.BusRequests.WithLabelValues(endpoint).Inc()

	// Sending stops when the wait ends so a request issued during an
	// outage is bounded by the timeout.
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	go func() {
		if err := c.Send(sendCtx, command); err != nil && sendCtx.Err() == nil {
			c.logger.Warn("bus request not sent", "endpoint", endpoint, "key", command.Key, "error", err)
		}
	}()
	go func() {
		c.correlator.Deliver(c.execute(sendCtx, command))
	}()

	responses, err := pending.Wait(ctx, c.config.RequestTimeout)
	if err == nil && len(responses) < pending.Expected() {
		metrics.BusRequestTimeouts.WithLabelValues(endpoint).Inc()
		c.logger.Warn("bus request timed out with partial responses", "endpoint", endpoint,
			"key", command.Key, "received", len(responses), "expected", pending.Expected(),
			"in_flight", c.correlator.InFlight())
	}
	return responses, err
}
