// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

// Package server runs the single threaded event loop: it accepts clients,
// moves bytes between sockets, requests and CGI pipes, and turns finished
// work into responses. Nothing in here blocks except the bounded poll wait.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"webserv_go/internal/cgi"
	"webserv_go/internal/config"
	"webserv_go/internal/conn"
	"webserv_go/internal/httpmsg"
	"webserv_go/internal/poll"
	"webserv_go/internal/route"
)

const (
	// tick bounds every poll wait so that timeouts and child exits are
	// noticed without readiness
	tick = 100 * time.Millisecond
	// reapTick is used shortly after a child closed its output, while it
	// is most likely about to exit
	reapTick = 5 * time.Millisecond
	// reapGrace is how long after closing its output a child is polled
	// with reapTick; later on its exit is noticed with tick
	reapGrace = 50 * time.Millisecond
)

type ownerKind uint8

const (
	ownListener ownerKind = iota
	ownClient
	ownCGIInput
	ownCGIOutput
)

// owner tags a watched descriptor with whoever it belongs to.
type owner struct {
	kind     ownerKind
	listener *Listener
	client   *client
}

// client is a connection together with the listener that accepted it and
// the parser state of its next request.
type client struct {
	conn     *conn.Connection
	listener *Listener
	parser   httpmsg.Parser
}

// Options are the process level settings of a Server.
type Options struct {
	// CGIStderr receives the stderr of every child; nil is the server's own.
	CGIStderr *os.File
	// Inherit is the environment passed on to children; nil derives it from
	// the server environment.
	Inherit []string
}

// Server owns the listeners and every client connection.
type Server struct {
	cfg    *config.Config
	router *route.Router

	listeners []*Listener
	clients   map[int]*client
	poller    *poll.Poller[owner]
	slots     *slots
	limits    httpmsg.Limits

	inherit   []string
	cgiStderr *os.File

	draining bool
	deadline time.Time

	now func() time.Time
}

// New opens every configured listener.
func New(cfg *config.Config, router *route.Router, opts Options) (*Server, error) {
	inherit := opts.Inherit
	if inherit == nil {
		inherit = cgi.InheritedEnv(os.Environ())
	}
	s := &Server{
		cfg:       cfg,
		router:    router,
		clients:   make(map[int]*client),
		poller:    poll.New[owner](),
		slots:     newSlots(cfg.MaxCGI),
		limits:    httpmsg.Limits{MaxHeader: cfg.MaxHeader, MaxBody: bodyLimit(cfg)},
		inherit:   inherit,
		cgiStderr: opts.CGIStderr,
		now:       time.Now,
	}
	for _, addr := range cfg.Listen {
		l, err := Listen(addr)
		if err != nil {
			s.closeListeners()
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}
	return s, nil
}

// bodyLimit is the largest body any location accepts; the router enforces
// the per location limit.
func bodyLimit(cfg *config.Config) int64 {
	limit := cfg.MaxBody
	if limit == 0 {
		return 0
	}
	for _, loc := range cfg.Locations {
		if loc.MaxBody > limit {
			limit = loc.MaxBody
		}
	}
	return limit
}

// Addrs are the socket URLs the server listens on.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Run serves until ctx is cancelled and the remaining connections drained,
// or until polling fails. Every descriptor is closed when it returns.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeAll()
	slog.Info("server started", "listen", s.Addrs(), "max_cgi", s.cfg.MaxCGI, "cgi_timeout", s.cfg.CGITimeout)

	for {
		if !s.draining && ctx.Err() != nil {
			s.beginShutdown()
		}
		if s.draining {
			if len(s.clients) == 0 {
				slog.Info("all connections completed")
				return nil
			}
			if s.now().After(s.deadline) {
				slog.Warn("timeout waiting for connections to finish", "remaining", len(s.clients))
				return nil
			}
		}

		s.buildInterest()
		ready, err := s.poller.Wait(s.waitTimeout())
		if err != nil {
			slog.Error("polling failed", "err", err)
			return err
		}
		for _, r := range ready {
			s.dispatch(r)
		}

		for _, cl := range s.clients {
			s.checkCGI(cl)
		}
		s.expireIdle()
	}
}

func (s *Server) buildInterest() {
	s.poller.Reset()
	if !s.draining {
		for _, l := range s.listeners {
			s.poller.Watch(l.FD(), poll.Readable, owner{kind: ownListener, listener: l})
		}
	}
	for _, cl := range s.clients {
		c := cl.conn
		switch c.State {
		case conn.AwaitingRequest:
			s.poller.Watch(c.FD(), poll.Readable, owner{kind: ownClient, client: cl})
		case conn.Sending:
			s.poller.Watch(c.FD(), poll.Writable, owner{kind: ownClient, client: cl})
		case conn.AwaitingCGI:
			p := c.CGI
			if p == nil {
				continue
			}
			// a client giving up frees the slot before the script ends
			s.poller.Watch(c.FD(), poll.PeerClosed, owner{kind: ownClient, client: cl})
			if p.PendingInput() {
				s.poller.Watch(p.InputFD(), poll.Writable, owner{kind: ownCGIInput, client: cl})
			}
			if !p.OutputDone() {
				s.poller.Watch(p.OutputFD(), poll.Readable, owner{kind: ownCGIOutput, client: cl})
			}
		}
	}
}

func (s *Server) waitTimeout() time.Duration {
	now := s.now()
	for _, cl := range s.clients {
		p := cl.conn.CGI
		if p != nil && p.OutputDone() && now.Sub(p.OutputDoneAt()) < reapGrace {
			return reapTick
		}
	}
	return tick
}

// live reports whether cl still owns fd. Descriptors closed earlier in the
// same iteration may already have been reused.
func (s *Server) live(cl *client) bool {
	c := cl.conn
	return c.State != conn.Closed && s.clients[c.FD()] == cl
}

func (s *Server) dispatch(r poll.Ready[owner]) {
	switch r.Owner.kind {
	case ownListener:
		l := r.Owner.listener
		if l.FD() == r.Fd {
			s.acceptAll(l)
		}

	case ownClient:
		cl := r.Owner.client
		if !s.live(cl) || cl.conn.FD() != r.Fd {
			return
		}
		switch cl.conn.State {
		case conn.AwaitingRequest:
			s.readClient(cl)
		case conn.Sending:
			if r.Events&poll.Error != 0 {
				slog.Debug("socket error while sending", "fd", r.Fd, "remote", cl.conn.Remote())
				s.closeClient(cl)
				return
			}
			s.writeClient(cl)
		case conn.AwaitingCGI:
			if r.Events&(poll.PeerClosed|poll.Hangup|poll.Error) != 0 {
				slog.Info("client gone while waiting for CGI", "remote", cl.conn.Remote(), "script", cl.conn.CGI.Script())
				s.closeClient(cl)
			}
		}

	case ownCGIInput:
		cl := r.Owner.client
		if s.live(cl) && cl.conn.CGI != nil && cl.conn.CGI.InputFD() == r.Fd {
			s.feedCGI(cl)
		}

	case ownCGIOutput:
		cl := r.Owner.client
		if s.live(cl) && cl.conn.CGI != nil && cl.conn.CGI.OutputFD() == r.Fd {
			s.drainCGI(cl)
		}
	}
}

func (s *Server) acceptAll(l *Listener) {
	for {
		fd, remote, err := l.Accept()
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			slog.Warn("accept failed", "listener", l.Addr(), "err", err)
			return
		}
		s.clients[fd] = &client{
			conn:     conn.New(fd, remote),
			listener: l,
			parser:   httpmsg.Parser{Limits: s.limits},
		}
		slog.Debug("accepted connection", "fd", fd, "remote", remote)
	}
}

func (s *Server) readClient(cl *client) {
	c := cl.conn
	_, err := c.ReadFrom()
	switch {
	case err == nil:
	case errors.Is(err, unix.EAGAIN):
		return
	case errors.Is(err, io.EOF):
		slog.Debug("client closed connection", "fd", c.FD(), "remote", c.Remote())
		s.closeClient(cl)
		return
	default:
		slog.Debug("reading from client failed", "fd", c.FD(), "remote", c.Remote(), "err", err)
		s.closeClient(cl)
		return
	}
	s.process(cl)
}

// process turns the buffered bytes into the next transaction, if complete.
func (s *Server) process(cl *client) {
	c := cl.conn
	for c.State == conn.AwaitingRequest && len(c.Inbound()) > 0 {
		req, used, err := cl.parser.Parse(c.Inbound())
		if errors.Is(err, httpmsg.ErrIncomplete) {
			return
		}
		if err != nil {
			status := http.StatusBadRequest
			var pe *httpmsg.ParseError
			if errors.As(err, &pe) {
				status = pe.Status
			}
			slog.Info("rejecting request", "remote", c.Remote(), "status", status, "err", err)
			c.Consume(len(c.Inbound()))
			c.KeepAlive = false
			s.respond(cl, s.router.Error(status, ""))
			return
		}

		c.Consume(used)
		c.Request = req
		c.State = conn.Routing
		c.KeepAlive = req.KeepAlive()
		slog.Debug("request received", "method", req.Method, "path", req.Path, "remote", c.Remote())

		resp, target := s.router.Handle(req)
		if target != nil {
			s.startCGI(cl, target)
			continue
		}
		s.respond(cl, resp)
	}
}

// respond queues resp as the answer to the current transaction of cl.
func (s *Server) respond(cl *client, resp *httpmsg.Response) {
	c := cl.conn
	if s.draining {
		c.KeepAlive = false
	}
	s.router.Finalize(c.Request, resp)
	switch {
	case !c.KeepAlive:
		resp.SetHeader("Connection", "close")
	case c.Request != nil && c.Request.Proto == "HTTP/1.0":
		resp.SetHeader("Connection", "keep-alive")
	}

	method, path := "", ""
	if c.Request != nil {
		method, path = c.Request.Method, c.Request.Path
	}
	slog.Info("request served", "method", method, "path", path, "status", resp.Status, "remote", c.Remote())

	c.SetResponse(resp)
	c.PrepareResponse()
}

func (s *Server) writeClient(cl *client) {
	c := cl.conn
	if !c.SendResponseChunk() {
		return
	}
	if c.Failed() || !c.KeepAlive || s.draining {
		s.closeClient(cl)
		return
	}
	c.Reset()
	// a pipelined request may already be buffered
	s.process(cl)
}

func (s *Server) expireIdle() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	now := s.now()
	for _, cl := range s.clients {
		c := cl.conn
		if c.State != conn.AwaitingCGI && c.Idle(now, s.cfg.IdleTimeout) {
			slog.Debug("closing idle connection", "fd", c.FD(), "remote", c.Remote(), "state", c.State)
			s.closeClient(cl)
		}
	}
}

func (s *Server) closeClient(cl *client) {
	c := cl.conn
	if s.clients[c.FD()] == cl {
		delete(s.clients, c.FD())
	}
	if c.CGI != nil {
		s.slots.release()
	}
	if err := c.Close(); err != nil {
		slog.Debug("closing connection failed", "remote", c.Remote(), "err", err)
	}
}

func (s *Server) beginShutdown() {
	s.draining = true
	s.deadline = s.now().Add(s.cfg.ShutdownTimeout)
	slog.Info("shutdown signal received, waiting for active connections",
		"connections", len(s.clients), "cgi", s.slots.Active(), "timeout", s.cfg.ShutdownTimeout)

	s.closeListeners()
	for _, cl := range s.clients {
		if cl.conn.State == conn.AwaitingRequest && len(cl.conn.Inbound()) == 0 {
			s.closeClient(cl)
		}
	}
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			slog.Warn("closing listener failed", "listener", l.Addr(), "err", err)
		}
	}
}

func (s *Server) closeAll() {
	s.closeListeners()
	for _, cl := range s.clients {
		s.closeClient(cl)
	}
}
