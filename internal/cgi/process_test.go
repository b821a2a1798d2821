// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package cgi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"webserv_go/internal/httpmsg"
)

const shell = "/bin/sh"

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	script := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(script, []byte(body), 0o644))
	return script
}

func newRequest(method, path string, body []byte) *httpmsg.Request {
	return &httpmsg.Request{
		Method: method,
		Target: path,
		Path:   path,
		Proto:  "HTTP/1.1",
		Host:   "localhost:8080",
		Header: make(http.Header),
		Body:   body,
	}
}

// drive steps the process the way the event loop does until the child has
// exited and its output is drained.
func drive(t *testing.T, p *Process, limit time.Duration) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if !p.InputDone() {
			_, _ = p.WriteInput()
		}
		idle := true
		if !p.OutputDone() {
			n, _ := p.ReadOutput()
			idle = n <= 0
		}
		if exited, _ := p.Exited(); exited && p.OutputDone() {
			return
		}
		if idle {
			time.Sleep(time.Millisecond)
		}
	}
	p.Terminate()
	t.Fatalf("cgi did not finish within %v", limit)
}

func TestProcess_Hello(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "hello.py", "printf Hello\n")

	p := New(Spec{
		Script:      script,
		ScriptName:  "/cgi-bin/hello.py",
		Interpreter: shell,
		Request:     newRequest("GET", "/cgi-bin/hello.py", nil),
	})
	require.NoError(t, p.Start())
	defer p.Close()

	assert.True(t, p.Started())
	assert.Greater(t, p.Pid(), 0)
	drive(t, p, 5*time.Second)

	exited, status := p.Exited()
	assert.True(t, exited)
	assert.Equal(t, 0, status)
	assert.Equal(t, "Hello", string(p.Output()))
}

func TestProcess_Environment(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "env.sh", "env\n")

	req := newRequest("GET", "/cgi-bin/hello.py", nil)
	req.Query = "a=1&b=2"
	req.Header.Set("User-Agent", "tester")
	req.Header.Set("Proxy", "http://evil")

	p := New(Spec{
		Script:      script,
		ScriptName:  "/cgi-bin/hello.py",
		Interpreter: shell,
		Request:     req,
		Meta:        Meta{ServerSoftware: "webserv/1.0", ServerPort: "8080", RemoteAddr: "127.0.0.1"},
		Inherit:     InheritedEnv(os.Environ()),
	})
	require.NoError(t, p.Start())
	defer p.Close()
	drive(t, p, 5*time.Second)

	env := strings.Split(string(p.Output()), "\n")
	for _, want := range []string{
		"REQUEST_METHOD=GET",
		"CONTENT_LENGTH=0",
		"SCRIPT_NAME=/cgi-bin/hello.py",
		"SCRIPT_FILENAME=" + script,
		"GATEWAY_INTERFACE=CGI/1.1",
		"QUERY_STRING=a=1&b=2",
		"REDIRECT_STATUS=200",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_NAME=localhost:8080",
		"SERVER_SOFTWARE=webserv/1.0",
		"SERVER_PORT=8080",
		"REMOTE_ADDR=127.0.0.1",
		"HTTP_USER_AGENT=tester",
	} {
		assert.Contains(t, env, want)
	}
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "CONTENT_TYPE="), "CONTENT_TYPE set without a request header")
		assert.False(t, strings.HasPrefix(kv, "HTTP_PROXY="), "Proxy header leaked")
	}
}

func TestProcess_StreamsLargeInput(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "cat.sh", "cat\n")

	// larger than a pipe buffer so the writes are partial
	body := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	p := New(Spec{
		Script:      script,
		ScriptName:  "/cat.sh",
		Interpreter: shell,
		Request:     newRequest("POST", "/cat.sh", body),
		Inherit:     InheritedEnv(os.Environ()),
	})
	require.NoError(t, p.Start())
	defer p.Close()

	last := 0
	deadline := time.Now().Add(10 * time.Second)
	for !p.InputDone() && time.Now().Before(deadline) {
		total, err := p.WriteInput()
		require.NoError(t, err)
		if !p.InputDone() {
			assert.GreaterOrEqual(t, total, last)
			assert.LessOrEqual(t, total, len(body))
			last = total
		} else {
			assert.Equal(t, 0, total)
		}
		_, _ = p.ReadOutput()
	}
	require.True(t, p.InputDone())
	assert.Equal(t, len(body), p.Sent())

	n, err := p.WriteInput()
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, err, ErrClosed)

	drive(t, p, 10*time.Second)
	assert.True(t, bytes.Equal(body, p.Output()), "output differs from input")
}

func TestProcess_OutputInOrder(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "count.sh", "i=0\nwhile [ $i -lt 3000 ]; do echo \"line $i\"; i=$((i+1)); done\n")

	p := New(Spec{Script: script, ScriptName: "/count.sh", Interpreter: shell, Request: newRequest("GET", "/count.sh", nil)})
	require.NoError(t, p.Start())
	defer p.Close()
	drive(t, p, 10*time.Second)

	var want strings.Builder
	for i := 0; i < 3000; i++ {
		fmt.Fprintf(&want, "line %d\n", i)
	}
	assert.Equal(t, want.String(), string(p.Output()))

	n, err := p.ReadOutput()
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProcess_ReadEOF(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "quiet.sh", "exit 0\n")

	p := New(Spec{Script: script, ScriptName: "/quiet.sh", Interpreter: shell, Request: newRequest("GET", "/quiet.sh", nil)})
	require.NoError(t, p.Start())
	defer p.Close()

	deadline := time.Now().Add(5 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		_, err = p.ReadOutput()
		if !errors.Is(err, unix.EAGAIN) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, p.OutputDone())
	assert.Equal(t, -1, p.OutputFD())
	assert.False(t, p.OutputDoneAt().IsZero())
	assert.False(t, p.OutputTooLarge())
}

func TestProcess_MaxOutput(t *testing.T) {
	dir := t.TempDir()
	line := strings.Repeat("x", 99)
	script := writeScript(t, dir, "flood.sh", "i=0\nwhile [ $i -lt 1000 ]; do echo " + line + "; i=$((i+1)); done\n")

	p := New(Spec{
		Script:      script,
		ScriptName:  "/flood.sh",
		Interpreter: shell,
		Request:     newRequest("GET", "/flood.sh", nil),
		MaxOutput:   1000,
	})
	require.NoError(t, p.Start())
	defer p.Close()

	deadline := time.Now().Add(5 * time.Second)
	var err error
	for time.Now().Before(deadline) && !p.OutputDone() {
		_, err = p.ReadOutput()
		if errors.Is(err, unix.EAGAIN) {
			time.Sleep(time.Millisecond)
		}
	}
	assert.ErrorIs(t, err, ErrOutputTooLarge)
	assert.True(t, p.OutputTooLarge())
	assert.True(t, p.OutputDone())
	assert.LessOrEqual(t, len(p.Output()), 1000)

	n, err := p.ReadOutput()
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProcess_ExitedIsCached(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "fail.sh", "exit 3\n")

	p := New(Spec{Script: script, ScriptName: "/fail.sh", Interpreter: shell, Request: newRequest("GET", "/fail.sh", nil)})
	require.NoError(t, p.Start())
	defer p.Close()
	drive(t, p, 5*time.Second)

	for i := 0; i < 5; i++ {
		exited, status := p.Exited()
		assert.True(t, exited)
		assert.Equal(t, 3, status)
	}
	// terminating a reaped child must not touch the pid again
	p.Terminate()
	exited, status := p.Exited()
	assert.True(t, exited)
	assert.Equal(t, 3, status)
}

func TestProcess_KilledExternally(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep.sh", "exec sleep 10\n")

	p := New(Spec{
		Script:      script,
		ScriptName:  "/sleep.sh",
		Interpreter: shell,
		Request:     newRequest("GET", "/sleep.sh", nil),
		Inherit:     InheritedEnv(os.Environ()),
	})
	require.NoError(t, p.Start())
	defer p.Close()

	exited, _ := p.Exited()
	require.False(t, exited)
	require.NoError(t, unix.Kill(p.Pid(), unix.SIGKILL))

	drive(t, p, 5*time.Second)
	exited, status := p.Exited()
	assert.True(t, exited)
	assert.Equal(t, ExitFailure, status)
}

func TestProcess_Timeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "slow.sh", "exec sleep 10\n")

	p := New(Spec{
		Script:      script,
		ScriptName:  "/slow.sh",
		Interpreter: shell,
		Request:     newRequest("GET", "/slow.sh", nil),
		Inherit:     InheritedEnv(os.Environ()),
		Timeout:     100 * time.Millisecond,
	})
	require.NoError(t, p.Start())

	start := time.Now()
	for !p.TimedOut() {
		exited, _ := p.Exited()
		require.False(t, exited)
		time.Sleep(5 * time.Millisecond)
	}
	p.Terminate()
	assert.Less(t, time.Since(start), 2*time.Second)

	exited, status := p.Exited()
	assert.True(t, exited)
	assert.Equal(t, ExitFailure, status)
	assert.Equal(t, -1, p.InputFD())
	assert.Equal(t, -1, p.OutputFD())
}

func TestProcess_TimedOutClock(t *testing.T) {
	p := New(Spec{Script: "/bin/true", Request: newRequest("GET", "/", nil), Timeout: time.Second})
	assert.False(t, p.TimedOut(), "not started")

	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }
	p.started = true
	p.startedAt = now
	assert.False(t, p.TimedOut())

	now = now.Add(time.Second)
	assert.False(t, p.TimedOut())
	now = now.Add(time.Millisecond)
	assert.True(t, p.TimedOut())
}

func TestProcess_SpawnFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "x.sh", "echo x\n")

	p := New(Spec{Script: script, ScriptName: "/x.sh", Interpreter: filepath.Join(dir, "no-such-interpreter"), Request: newRequest("GET", "/x.sh", nil)})
	err := p.Start()
	require.Error(t, err)
	assert.ErrorContains(t, err, "spawn")
	assert.False(t, p.Started())
	assert.Equal(t, -1, p.InputFD())
	assert.Equal(t, -1, p.OutputFD())
	exited, _ := p.Exited()
	assert.False(t, exited)

	p.Terminate()
	exited, status := p.Exited()
	assert.True(t, exited)
	assert.Equal(t, ExitFailure, status)
}

func TestProcess_DirectExecution(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "direct.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf 'Status: 201 Created\\r\\n\\r\\nmade'\n"), 0o755))

	p := New(Spec{Script: script, ScriptName: "/direct.sh", Request: newRequest("POST", "/direct.sh", []byte("ignored"))})
	require.NoError(t, p.Start())
	defer p.Close()
	drive(t, p, 5*time.Second)

	assert.Equal(t, "Status: 201 Created\r\n\r\nmade", string(p.Output()))
}
