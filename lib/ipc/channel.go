// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/shardvisor/lib/codec"
)

// ChildFD is the descriptor number of the control channel inside a
// worker: the first entry of exec.Cmd.ExtraFiles.
const ChildFD = 3

// MessageType discriminates control channel frames.
type MessageType string

const (
	// MessageReady reports that a worker is connected to the bus.
	MessageReady MessageType = "ready"

	// MessageTerminate asks a worker to exit with Message.ExitCode.
	MessageTerminate MessageType = "terminate"
)

// Message is one control channel frame.
type Message struct {
	Type      MessageType `cbor:"type"`
	ClusterID int         `cbor:"cluster_id"`
	PID       int         `cbor:"pid,omitempty"`
	ExitCode  int         `cbor:"exit_code"`
	Reason    string      `cbor:"reason,omitempty"`
}

// Channel is one end of a control channel. Send and Receive may be
// called from different goroutines; concurrent Sends are serialized.
type Channel struct {
	conn    io.ReadWriteCloser
	decoder *codec.Decoder

	writeMu sync.Mutex
	encoder *codec.Encoder
}

// NewChannel wraps an established stream.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{
		conn:    conn,
		decoder: codec.NewDecoder(conn),
		encoder: codec.NewEncoder(conn),
	}
}

// Send writes one frame.
func (c *Channel) Send(message Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.encoder.Encode(message); err != nil {
		return fmt.Errorf("sending %s frame: %w", message.Type, err)
	}
	return nil
}

// Receive blocks for the next frame. It returns an error satisfying
// netutil.IsExpectedCloseError once the peer is gone.
func (c *Channel) Receive() (Message, error) {
	var message Message
	if err := c.decoder.Decode(&message); err != nil {
		return Message{}, err
	}
	return message, nil
}

// Close closes this end of the channel.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Pair creates a connected socketpair. The Channel is the supervisor's
// end. The returned file is the worker's end, for exec.Cmd.ExtraFiles;
// the caller closes it once the child has started.
func Pair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating control socketpair: %w", err)
	}
	// Both ends are close-on-exec; exec.Cmd clears the flag on the
	// descriptor it installs as ChildFD.
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	parentFile := os.NewFile(uintptr(fds[0]), "shardvisor-control")
	childFile := os.NewFile(uintptr(fds[1]), "shardvisor-control-child")

	parent, err := FromFile(parentFile)
	if err != nil {
		childFile.Close()
		return nil, nil, err
	}
	return parent, childFile, nil
}

// FromFile builds a Channel from a socket file. The file is closed;
// the Channel owns a duplicate of the descriptor.
func FromFile(file *os.File) (*Channel, error) {
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("control channel %s: %w", file.Name(), err)
	}
	return NewChannel(conn), nil
}

// OpenChild opens the control channel a worker inherited on ChildFD.
func OpenChild() (*Channel, error) {
	file := os.NewFile(ChildFD, "shardvisor-control")
	if file == nil {
		return nil, fmt.Errorf("control channel descriptor %d is not open", ChildFD)
	}
	return FromFile(file)
}
