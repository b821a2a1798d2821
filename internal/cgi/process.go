// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

// Package cgi runs one CGI script per request without ever blocking the
// caller: the request body is streamed into the child's stdin and its stdout
// is accumulated, one non-blocking step per call.
package cgi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"webserv_go/internal/httpmsg"
)

const (
	// DefaultTimeout bounds the total run time of one script.
	DefaultTimeout = 5000 * time.Millisecond
	// ExitFailure is the status of a child that did not exit normally, or
	// whose status could not be collected.
	ExitFailure = -1

	readChunk = 4096
)

var (
	// ErrClosed is returned when stepping a pipe end that is already closed.
	ErrClosed = errors.New("cgi pipe closed")
	// ErrOutputTooLarge is returned once the child wrote more than
	// Spec.MaxOutput bytes.
	ErrOutputTooLarge = errors.New("cgi output too large")
)

// Spec describes one invocation.
type Spec struct {
	// Script is the absolute filesystem path of the script.
	Script string
	// ScriptName is the request path that selected the script.
	ScriptName string
	PathInfo   string
	// Interpreter runs the script as "<Interpreter> <Script>". Empty means
	// the script is executed directly.
	Interpreter string
	Request     *httpmsg.Request
	Meta        Meta
	// Inherit is the filtered server environment, see InheritedEnv.
	Inherit []string
	Timeout time.Duration
	// MaxOutput caps the accumulated stdout; zero means unlimited.
	MaxOutput int64
	// Stderr receives the child's stderr; nil means the server's stderr.
	Stderr *os.File
}

// Process owns one CGI child and both of its pipes.
type Process struct {
	spec Spec

	pid     int
	lastPid int
	in      pipePair // parent writes in.w, child reads in.r as stdin
	out     pipePair // child writes out.w as stdout, parent reads out.r

	input    []byte
	sent     int
	output   []byte
	overflow bool

	startedAt    time.Time
	outputDoneAt time.Time
	started      bool
	finished     bool
	status       int

	now func() time.Time
}

// New prepares a process for spec. Nothing is spawned until Start.
func New(spec Spec) *Process {
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	var input []byte
	if spec.Request != nil {
		input = spec.Request.Body
	}
	return &Process{
		spec:    spec,
		pid:     -1,
		lastPid: -1,
		in:      closedPipe(),
		out:     closedPipe(),
		input:   input,
		status:  ExitFailure,
		now:     time.Now,
	}
}

// Start creates the pipes and spawns the child. On failure every descriptor
// created so far is closed and no child is left behind.
func (p *Process) Start() error {
	if p.started {
		return errors.New("cgi process already started")
	}
	p.startedAt = p.now()
	slog.Debug("starting CGI script", "script", p.spec.Script, "interpreter", p.spec.Interpreter)

	var err error
	if p.in, err = newPipe(); err != nil {
		slog.Error("creating CGI input pipe failed", "err", err)
		return fmt.Errorf("input pipe: %w", err)
	}
	if p.out, err = newPipe(); err != nil {
		slog.Error("creating CGI output pipe failed", "err", err)
		p.in.close()
		return fmt.Errorf("output pipe: %w", err)
	}

	// only the parent's ends are non-blocking, scripts expect blocking stdio
	if err := p.setNonblock(); err != nil {
		slog.Error("preparing CGI pipes failed", "err", err)
		p.in.close()
		p.out.close()
		return err
	}

	path := p.spec.Script
	argv := []string{path}
	if p.spec.Interpreter != "" {
		path = p.spec.Interpreter
		argv = []string{path, p.spec.Script}
	}

	stderr := os.Stderr
	if p.spec.Stderr != nil {
		stderr = p.spec.Stderr
	}

	var req httpmsg.Request
	if p.spec.Request != nil {
		req = *p.spec.Request
	}
	attr := &syscall.ProcAttr{
		Dir:   filepath.Dir(p.spec.Script),
		Env:   Environ(&req, p.spec.Script, p.spec.ScriptName, p.spec.PathInfo, p.spec.Meta, p.spec.Inherit),
		Files: []uintptr{uintptr(p.in.r), uintptr(p.out.w), stderr.Fd()},
	}

	pid, err := syscall.ForkExec(path, argv, attr)
	if err != nil {
		slog.Error("spawning CGI failed", "script", p.spec.Script, "interpreter", p.spec.Interpreter, "err", err)
		p.in.close()
		p.out.close()
		return fmt.Errorf("spawn %s: %w", path, err)
	}

	p.pid = pid
	p.lastPid = pid
	p.started = true
	// the child holds its own copies now; closing ours makes EOF observable
	p.in.closeRead()
	p.out.closeWrite()
	slog.Debug("CGI spawned", "pid", pid, "script", p.spec.Script)
	return nil
}

func (p *Process) setNonblock() error {
	if err := unix.SetNonblock(p.in.w, true); err != nil {
		return fmt.Errorf("nonblock input pipe: %w", err)
	}
	if err := unix.SetNonblock(p.out.r, true); err != nil {
		return fmt.Errorf("nonblock output pipe: %w", err)
	}
	return nil
}

// WriteInput performs one non-blocking write of the unsent request body.
// It returns the running total of bytes the pipe accepted, or zero once all
// input was delivered and the write end closed (see InputDone). Writing to an
// already closed end returns -1 and ErrClosed. A would-block condition is a
// stall, not an error; any other error closes the write end.
func (p *Process) WriteInput() (int, error) {
	if p.in.w == -1 {
		return -1, ErrClosed
	}
	if p.sent < len(p.input) {
		n, err := unix.Write(p.in.w, p.input[p.sent:])
		if n > 0 {
			p.sent += n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return p.sent, nil
			}
			slog.Warn("writing to CGI failed", "pid", p.pid, "sent", p.sent, "size", len(p.input), "err", err)
			p.in.closeWrite()
			return p.sent, fmt.Errorf("write cgi input: %w", err)
		}
	}
	if p.sent == len(p.input) {
		p.in.closeWrite()
		return 0, nil
	}
	return p.sent, nil
}

// ReadOutput performs one non-blocking read of up to 4096 bytes from the
// child's stdout. It returns io.EOF once the child closed its end (the read
// end is then closed too) and unix.EAGAIN when nothing is available yet.
// Output beyond Spec.MaxOutput is dropped, the read end closed and
// ErrOutputTooLarge returned.
func (p *Process) ReadOutput() (int, error) {
	if p.out.r == -1 {
		return -1, ErrClosed
	}
	var buf [readChunk]byte
	n, err := unix.Read(p.out.r, buf[:])
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, unix.EAGAIN
	case err != nil:
		slog.Warn("reading from CGI failed", "pid", p.pid, "err", err)
		p.closeOutput()
		return 0, fmt.Errorf("read cgi output: %w", err)
	case n == 0:
		p.closeOutput()
		return 0, io.EOF
	}
	if limit := p.spec.MaxOutput; limit > 0 && int64(len(p.output)+n) > limit {
		slog.Warn("CGI output exceeds limit", "pid", p.pid, "limit", limit)
		p.overflow = true
		p.closeOutput()
		return 0, ErrOutputTooLarge
	}
	p.output = append(p.output, buf[:n]...)
	return n, nil
}

func (p *Process) closeOutput() {
	p.out.closeRead()
	p.outputDoneAt = p.now()
}

// Exited polls the child without blocking. Once the child has been reaped the
// cached status is returned and the pid is never waited for again.
func (p *Process) Exited() (bool, int) {
	if p.finished {
		return true, p.status
	}
	if !p.started || p.pid <= 0 {
		return false, 0
	}

	var ws unix.WaitStatus
	wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
	switch {
	case err == unix.EINTR:
		return false, 0
	case err != nil:
		// the pid is unusable either way, do not poll it again
		slog.Error("waiting for CGI failed", "pid", p.pid, "err", err)
		p.finish(ExitFailure)
	case wpid == 0:
		return false, 0
	case ws.Exited():
		p.finish(ws.ExitStatus())
	default:
		slog.Warn("CGI terminated abnormally", "pid", p.pid, "signal", ws.Signal())
		p.finish(ExitFailure)
	}
	return true, p.status
}

func (p *Process) finish(status int) {
	p.finished = true
	p.status = status
	p.pid = -1
}

// TimedOut reports whether the run time exceeds the timeout budget.
func (p *Process) TimedOut() bool {
	return p.started && p.now().Sub(p.startedAt) > p.spec.Timeout
}

// Terminate kills a child that is still alive, reaps it synchronously and
// closes both pipes whatever their state.
func (p *Process) Terminate() {
	if p.pid > 0 && !p.finished {
		if err := unix.Kill(p.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			slog.Warn("killing CGI failed", "pid", p.pid, "err", err)
		}
		for {
			_, err := unix.Wait4(p.pid, nil, 0, nil)
			if err != unix.EINTR {
				break
			}
		}
		slog.Debug("CGI terminated", "pid", p.pid)
	}
	if !p.finished {
		p.finish(ExitFailure)
	}
	p.in.close()
	p.out.close()
}

// Close releases every descriptor. A child still running is terminated.
func (p *Process) Close() {
	p.Terminate()
}

// InputFD is the parent's write end of the child's stdin, or -1.
func (p *Process) InputFD() int { return p.in.w }

// OutputFD is the parent's read end of the child's stdout, or -1.
func (p *Process) OutputFD() int { return p.out.r }

// PendingInput reports whether body bytes remain to be written.
func (p *Process) PendingInput() bool { return p.in.w != -1 && p.sent < len(p.input) }

// InputDone reports whether the write end has been closed.
func (p *Process) InputDone() bool { return p.in.w == -1 }

// OutputDone reports whether the read end has been closed.
func (p *Process) OutputDone() bool { return p.out.r == -1 }

// OutputDoneAt is when ReadOutput closed the read end, zero if it did not.
func (p *Process) OutputDoneAt() time.Time { return p.outputDoneAt }

// OutputTooLarge reports whether reading stopped at Spec.MaxOutput.
func (p *Process) OutputTooLarge() bool { return p.overflow }

func (p *Process) Output() []byte { return p.output }
func (p *Process) Sent() int { return p.sent }
func (p *Process) Started() bool { return p.started }
func (p *Process) StartedAt() time.Time { return p.startedAt }
func (p *Process) Script() string { return p.spec.Script }

// Pid returns the pid of the child as spawned, even after it was reaped.
func (p *Process) Pid() int { return p.lastPid }
