// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	server := NewServer(ServerConfig{
		HandshakeTimeout: 2 * time.Second,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Shutdown()
		httpServer.Close()
	})
	return server, "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/"
}

// join connects and completes the handshake as identity.
func join(t *testing.T, url, identity string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", identity, err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(identity)); err != nil {
		t.Fatalf("sending identity %s: %v", identity, err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading ack for %s: %v", identity, err)
	}
	if string(ack) != `{"status":"ok"}` {
		t.Fatalf("ack = %q, want {\"status\":\"ok\"}", ack)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return string(data)
}

// expectSilence asserts that nothing arrives on conn for a short
// window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame %q", data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("ReadMessage error = %v, want timeout", err)
	}
}

func TestServerBroadcastExcludesSender(t *testing.T) {
	server, url := startServer(t)

	a := join(t, url, "bot#0")
	b := join(t, url, "bot#1")
	c := join(t, url, "bot#2")
	if got := server.Registry().Len(); got != 3 {
		t.Fatalf("registry holds %d peers, want 3", got)
	}

	frame := `{"author":0,"type":"command","key":"k1","data":{"endpoint":"get_guild_count"}}`
	if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	if got := readFrame(t, b); got != frame {
		t.Errorf("bot#1 received %q, want %q", got, frame)
	}
	if got := readFrame(t, c); got != frame {
		t.Errorf("bot#2 received %q, want %q", got, frame)
	}
	expectSilence(t, a)
}

func TestServerIdentityTakeover(t *testing.T) {
	server, url := startServer(t)

	old := join(t, url, "bot#1")
	other := join(t, url, "bot#0")
	replacement := join(t, url, "bot#1")

	old.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := old.ReadMessage()
	if !websocket.IsCloseError(err, CloseSuperseded) {
		t.Fatalf("superseded connection read error = %v, want close %d", err, CloseSuperseded)
	}

	if got := server.Registry().Identities(); len(got) != 2 {
		t.Errorf("Identities = %v, want two entries", got)
	}

	if err := other.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if got := readFrame(t, replacement); got != "ping" {
		t.Errorf("replacement received %q, want ping", got)
	}
}

func TestServerDeregistersOnDisconnect(t *testing.T) {
	server, url := startServer(t)

	a := join(t, url, "bot#0")
	b := join(t, url, "bot#1")

	b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.Close()

	deadline := time.Now().Add(5 * time.Second)
	for server.Registry().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("registry still holds %v", server.Registry().Identities())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// No departure notice is sent to remaining peers.
	expectSilence(t, a)
}

func TestServerShutdownClosesWithServiceRestart(t *testing.T) {
	server, url := startServer(t)
	conn := join(t, url, "bot#0")

	server.Shutdown()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseServiceRestart) {
		t.Fatalf("read error after Shutdown = %v, want close %d", err, websocket.CloseServiceRestart)
	}
}
