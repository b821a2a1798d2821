// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/sys/unix"

	"webserv_go/internal/cgi"
	"webserv_go/internal/conn"
	"webserv_go/internal/httpmsg"
	"webserv_go/internal/route"
)

// startCGI spawns the script for the current request of cl and feeds the
// first chunk of the body. Failures are answered right away.
func (s *Server) startCGI(cl *client, target *route.CGITarget) {
	c := cl.conn
	if !s.slots.acquire() {
		resp := s.router.Error(http.StatusServiceUnavailable, "too many CGI requests")
		resp.SetHeader("Retry-After", "1")
		s.respond(cl, resp)
		return
	}

	remote, _, err := net.SplitHostPort(c.Remote())
	if err != nil {
		remote = c.Remote()
	}
	proc := cgi.New(cgi.Spec{
		Script:      target.Script,
		ScriptName:  target.ScriptName,
		PathInfo:    target.PathInfo,
		Interpreter: target.Interpreter,
		Request:     c.Request,
		Meta: cgi.Meta{
			ServerSoftware: route.Software,
			ServerPort:     cl.listener.Port(),
			RemoteAddr:     remote,
		},
		Inherit:   s.inherit,
		Timeout:   s.cfg.CGITimeout,
		MaxOutput: s.cfg.CGIMaxOutput,
		Stderr:    s.cgiStderr,
	})
	if err := proc.Start(); err != nil {
		s.slots.release()
		slog.Error("failed to start CGI", "script", target.Script, "err", err)
		s.respond(cl, s.router.Error(http.StatusInternalServerError, ""))
		return
	}

	c.CGI = proc
	c.State = conn.AwaitingCGI
	slog.Debug("CGI started", "pid", proc.Pid(), "script", target.Script, "fd", c.FD())
	s.feedCGI(cl)
}

// feedCGI writes the next chunk of the request body to the child.
func (s *Server) feedCGI(cl *client) {
	p := cl.conn.CGI
	if p == nil || p.InputDone() {
		return
	}
	if _, err := p.WriteInput(); err != nil && !errors.Is(err, cgi.ErrClosed) {
		slog.Debug("CGI stopped reading its input", "pid", p.Pid(), "err", err)
	}
}

// drainCGI reads the next chunk of the child's output.
func (s *Server) drainCGI(cl *client) {
	p := cl.conn.CGI
	if p == nil || p.OutputDone() {
		return
	}
	_, err := p.ReadOutput()
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, unix.EAGAIN), errors.Is(err, cgi.ErrClosed),
		errors.Is(err, cgi.ErrOutputTooLarge):
	default:
		slog.Warn("reading CGI output failed", "pid", p.Pid(), "err", err)
	}
}

// checkCGI turns a finished or overdue child into the response of its
// connection. It is called every iteration, independent of readiness. A
// child that completed is answered normally even if the deadline passed
// since the previous check.
func (s *Server) checkCGI(cl *client) {
	c := cl.conn
	p := c.CGI
	if p == nil || c.State != conn.AwaitingCGI {
		return
	}

	if p.OutputTooLarge() {
		slog.Warn("CGI output too large", "pid", p.Pid(), "script", p.Script(), "limit", s.cfg.CGIMaxOutput)
		p.Terminate()
		s.finishCGI(cl, s.router.Error(http.StatusBadGateway, "the script produced too much output"))
		return
	}

	exited, status := p.Exited()
	if !exited || !p.OutputDone() {
		if p.TimedOut() {
			slog.Warn("CGI timed out", "pid", p.Pid(), "script", p.Script(), "timeout", s.cfg.CGITimeout)
			p.Terminate()
			s.finishCGI(cl, s.router.Error(http.StatusGatewayTimeout, "the script did not finish in time"))
		}
		return
	}

	var resp *httpmsg.Response
	if status != 0 {
		slog.Error("CGI exited with error", "pid", p.Pid(), "script", p.Script(), "status", status)
		resp = s.router.Error(http.StatusInternalServerError, "")
	} else {
		var err error
		resp, err = httpmsg.FromCGI(p.Output())
		if err != nil {
			slog.Warn("invalid CGI response", "pid", p.Pid(), "script", p.Script(), "err", err)
			resp = s.router.Error(http.StatusBadGateway, "")
		}
	}
	slog.Debug("CGI process finished", "pid", p.Pid(), "status", status, "output", len(p.Output()))
	s.finishCGI(cl, resp)
}

// finishCGI releases the child and its slot and queues resp.
func (s *Server) finishCGI(cl *client, resp *httpmsg.Response) {
	c := cl.conn
	if c.CGI != nil {
		c.CGI.Close()
		c.CGI = nil
		s.slots.release()
	}
	s.respond(cl, resp)
}
