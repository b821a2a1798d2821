// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

// Package conn holds the per-client state of the event loop: the bytes read
// so far, the transaction in flight and the bytes still to be written.
package conn

import (
	"io"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"webserv_go/internal/cgi"
	"webserv_go/internal/httpmsg"
)

// State is the position of a connection in its request/response cycle.
type State int

const (
	// AwaitingRequest also covers a partially received request.
	AwaitingRequest State = iota
	Routing
	AwaitingCGI
	Sending
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting-request"
	case Routing:
		return "routing"
	case AwaitingCGI:
		return "awaiting-cgi"
	case Sending:
		return "sending"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const readChunk = 8192

// Connection is one accepted client socket. It owns the descriptor and the
// CGI process started on its behalf.
type Connection struct {
	fd     int
	remote string

	inbound []byte

	Request  *httpmsg.Request
	Response *httpmsg.Response
	CGI      *cgi.Process
	State    State
	// KeepAlive decides between reset and close once the response is sent.
	KeepAlive bool

	outbound []byte
	offset   int
	sending  bool
	failed   bool

	lastActivity time.Time
	served       int

	now   func() time.Time
	read  func(fd int, p []byte) (int, error)
	write func(fd int, p []byte) (int, error)
}

// New wraps an accepted, already non-blocking socket.
func New(fd int, remote string) *Connection {
	c := &Connection{
		fd:     fd,
		remote: remote,
		State:  AwaitingRequest,
		now:    time.Now,
		read:   unix.Read,
		write:  unix.Write,
	}
	c.lastActivity = c.now()
	return c
}

func (c *Connection) FD() int { return c.fd }
func (c *Connection) Remote() string { return c.remote }
func (c *Connection) LastActivity() time.Time { return c.lastActivity }

// Served is the number of responses fully sent on this connection.
func (c *Connection) Served() int { return c.served }

func (c *Connection) touch() {
	c.lastActivity = c.now()
}

// ReadFrom performs one non-blocking read from the socket into the inbound
// buffer. io.EOF means the peer closed; unix.EAGAIN means nothing to read.
func (c *Connection) ReadFrom() (int, error) {
	var buf [readChunk]byte
	n, err := c.read(c.fd, buf[:])
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, unix.EAGAIN
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	c.AppendInbound(buf[:n])
	return n, nil
}

// AppendInbound adds received bytes to the inbound buffer.
func (c *Connection) AppendInbound(b []byte) {
	c.inbound = append(c.inbound, b...)
	c.touch()
}

// Inbound returns the unconsumed received bytes.
func (c *Connection) Inbound() []byte {
	return c.inbound
}

// Consume drops the first n inbound bytes once they became a request.
func (c *Connection) Consume(n int) {
	if n >= len(c.inbound) {
		c.inbound = c.inbound[:0]
		return
	}
	c.inbound = append(c.inbound[:0], c.inbound[n:]...)
}

// SetResponse replaces the response of the current transaction.
func (c *Connection) SetResponse(resp *httpmsg.Response) {
	c.Response = resp
}

// PrepareResponse serializes the response once into the outbound buffer and
// starts sending. It does nothing without a response or while a send is in
// progress.
func (c *Connection) PrepareResponse() {
	if c.Response == nil || c.sending {
		return
	}
	c.outbound = c.Response.Bytes()
	c.offset = 0
	c.sending = true
	c.State = Sending
}

// SendResponseChunk performs one non-blocking write of the remaining
// outbound bytes and reports whether the response is complete. A hard write
// error also counts as complete, with Failed set, so that the caller tears
// the connection down instead of retrying forever.
func (c *Connection) SendResponseChunk() bool {
	if !c.sending {
		return false
	}
	if c.offset < len(c.outbound) {
		n, err := c.write(c.fd, c.outbound[c.offset:])
		if n > 0 {
			c.offset += n
			c.touch()
		}
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			slog.Debug("writing response failed", "fd", c.fd, "remote", c.remote, "err", err)
			c.failed = true
			c.stopSending()
			return true
		}
	}
	if c.offset >= len(c.outbound) {
		c.served++
		c.stopSending()
		return true
	}
	return false
}

func (c *Connection) stopSending() {
	c.sending = false
	c.outbound = nil
	c.offset = 0
}

// IsResponseComplete is true exactly when nothing is being sent.
func (c *Connection) IsResponseComplete() bool {
	return !c.sending
}

// Pending is the number of outbound bytes not yet written.
func (c *Connection) Pending() int {
	return len(c.outbound) - c.offset
}

// Failed reports a hard write error on the socket.
func (c *Connection) Failed() bool {
	return c.failed
}

// Idle reports whether the connection saw no activity for longer than limit.
func (c *Connection) Idle(now time.Time, limit time.Duration) bool {
	return limit > 0 && now.Sub(c.lastActivity) > limit
}

// Reset prepares the connection for the next request on the same socket.
// Inbound bytes that already arrived are kept.
func (c *Connection) Reset() {
	c.Request = nil
	c.Response = nil
	c.CGI = nil
	c.stopSending()
	c.State = AwaitingRequest
	c.touch()
}

// Close releases the socket and everything owned by the connection.
func (c *Connection) Close() error {
	if c.CGI != nil {
		c.CGI.Close()
		c.CGI = nil
	}
	c.Request = nil
	c.Response = nil
	c.stopSending()
	c.State = Closed
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
