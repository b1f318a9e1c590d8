// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/shardvisor/lib/metrics"
	"github.com/bureau-foundation/shardvisor/lib/netutil"
)

// CloseSuperseded is sent to a connection whose identity was claimed
// by a newer connection.
const CloseSuperseded = 4029

// handshakeAck is the first frame every registered peer receives.
var handshakeAck = []byte(`{"status":"ok"}`)

const (
	writeTimeout = 10 * time.Second
	closeGrace   = time.Second
)

var errSuperseded = errors.New("identity superseded")

// ServerConfig configures a Server.
type ServerConfig struct {
	// HandshakeTimeout bounds the wait for the identity frame.
	HandshakeTimeout time.Duration

	// QueueSize is the per-peer outbound buffer. A peer whose buffer
	// is full misses frames rather than stalling the broadcast.
	QueueSize int

	Logger *slog.Logger
}

// Server accepts worker connections over websocket. It implements
// http.Handler; mount it at the path workers dial.
type Server struct {
	config   ServerConfig
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	active  map[*peer]struct{}
	stopped bool
}

// NewServer returns a Server with an empty registry.
func NewServer(config ServerConfig) *Server {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		config:   config,
		registry: NewRegistry(),
		logger:   config.Logger,
		upgrader: websocket.Upgrader{
			// Workers are not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		active: make(map[*peer]struct{}),
	}
}

// Registry returns the server's identity registry.
func (s *Server) Registry() *Registry { return s.registry }

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	identity, err := s.readIdentity(conn)
	if err != nil {
		s.logger.Warn("relay handshake failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	logger := s.logger.With("identity", identity)

	p := newPeer(conn, s.config.QueueSize, logger)
	if !s.track(p) {
		p.close(websocket.CloseServiceRestart, "relay shutting down")
		return
	}
	defer s.untrack(p)

	// The acknowledgement is queued ahead of any broadcast, and the
	// writer starts only after registration, so a worker that has read
	// the acknowledgement is already receiving traffic.
	p.Deliver(handshakeAck)
	if previous := s.registry.Register(identity, p); previous != nil {
		logger.Info("identity superseded by new connection", "remote", r.RemoteAddr)
		if old, ok := previous.(*peer); ok {
			old.close(CloseSuperseded, "identity claimed by a newer connection")
		}
	}
	go p.writeLoop()
	metrics.RelayConnections.Set(float64(s.registry.Len()))
	logger.Info("relay peer registered", "remote", r.RemoteAddr, "peers", s.registry.Len())

	err = s.relay(identity, p, conn)

	if s.registry.Deregister(identity, p) {
		metrics.RelayConnections.Set(float64(s.registry.Len()))
	}
	p.close(websocket.CloseNormalClosure, "")
	if errors.Is(err, errSuperseded) || netutil.IsExpectedCloseError(err) {
		logger.Info("relay peer disconnected", "reason", err, "peers", s.registry.Len())
	} else {
		logger.Warn("relay peer connection failed", "error", err, "peers", s.registry.Len())
	}
}

func (s *Server) readIdentity(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return "", errors.New("identity frame is not a data frame")
	}
	if len(data) == 0 {
		return "", errors.New("empty identity")
	}
	conn.SetReadDeadline(time.Time{})
	return string(data), nil
}

// relay forwards frames from one connection until it fails or loses
// its identity to a newer connection. Frames a superseded connection
// reads before its close lands are not forwarded.
func (s *Server) relay(identity string, p *peer, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if holder, ok := s.registry.Lookup(identity); !ok || holder != Peer(p) {
			return errSuperseded
		}
		metrics.RelayFrames.Inc()
		_, dropped := s.registry.Broadcast(identity, data)
		if dropped > 0 {
			metrics.RelayDropped.Add(float64(dropped))
			s.logger.Warn("relay dropped frames for slow peers", "sender", identity, "dropped", dropped)
		}
	}
}

func (s *Server) track(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.active[p] = struct{}{}
	return true
}

func (s *Server) untrack(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, p)
}

// Shutdown closes every connection with a service-restart code, which
// workers answer by reconnecting, and refuses new ones. It does not
// wait for handlers to return; http.Server.Shutdown does that.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	peers := make([]*peer, 0, len(s.active))
	for p := range s.active {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.logger.Info("closing relay peers", "identities", s.registry.Identities())
	for _, p := range peers {
		p.close(websocket.CloseServiceRestart, "relay shutting down")
	}
}

// peer is a registered websocket connection with a buffered writer.
type peer struct {
	conn     *websocket.Conn
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func newPeer(conn *websocket.Conn, queueSize int, logger *slog.Logger) *peer {
	return &peer{
		conn:     conn,
		outbound: make(chan []byte, queueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (p *peer) Deliver(payload []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.outbound <- payload:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case payload := <-p.outbound:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				p.logger.Debug("relay write failed", "error", err)
				p.conn.Close()
				return
			}
		}
	}
}

// close sends a close frame and gives the peer closeGrace to answer
// before the read side gives up. Only the first call has any effect.
func (p *peer) close(code int, reason string) {
	p.once.Do(func() {
		close(p.done)
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(closeGrace))
		p.conn.SetReadDeadline(time.Now().Add(closeGrace))
	})
}
