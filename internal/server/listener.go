// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const backlog = 128

// Listener is a non-blocking listening socket.
type Listener struct {
	fd int
	// addr is the bound address in the form it was configured, with the
	// actual port filled in
	addr string
	port string
	// socketPath is the unix socket file to delete on Close
	socketPath string
}

// Listen opens a listener for a socket URL. Supports
// - tcp:host:port (port 0 picks a free port)
// - unix:/path (a stale socket file is replaced)
func Listen(sockArg string) (*Listener, error) {
	switch {
	case strings.HasPrefix(sockArg, "unix:"):
		return listenUnix(sockArg[len("unix:"):])
	case strings.HasPrefix(sockArg, "tcp:"):
		return listenTCP(sockArg[len("tcp:"):])
	}
	return nil, fmt.Errorf("invalid socket URL '%v'", sockArg)
}

func listenTCP(hp string) (*Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", hp)
	if err != nil {
		return nil, fmt.Errorf("resolving %v failed with %w", hp, err)
	}

	var sa unix.Sockaddr
	domain := unix.AF_INET
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		s4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(s4.Addr[:], ip4)
		sa = s4
	} else {
		domain = unix.AF_INET6
		s6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(s6.Addr[:], addr.IP.To16())
		sa = s6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen tcp failed on port %v, with %w", hp, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen tcp failed on port %v, with %w", hp, err)
	}

	l := &Listener{fd: fd, addr: "tcp:" + hp}
	if bound, err := unix.Getsockname(fd); err == nil {
		host, port := sockaddrHostPort(bound)
		l.port = port
		l.addr = "tcp:" + net.JoinHostPort(host, port)
	}
	slog.Info("listening on tcp socket", "hostport", strings.TrimPrefix(l.addr, "tcp:"))
	return l, nil
}

func listenUnix(path string) (*Listener, error) {
	_ = os.Remove(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen unix on %v failed with %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("listen unix on %v failed with %w", path, err)
	}
	slog.Info("listening on unix socket", "path", path)
	return &Listener{fd: fd, addr: "unix:" + path, socketPath: path}, nil
}

func (l *Listener) FD() int { return l.fd }

// Addr is the socket URL the listener is bound to.
func (l *Listener) Addr() string { return l.addr }

// Port is the bound tcp port, empty for unix sockets.
func (l *Listener) Port() string { return l.port }

// Accept takes one pending connection as a non-blocking socket. It returns
// unix.EAGAIN when nothing is pending.
func (l *Listener) Accept() (int, string, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return -1, "", err
		}
		host, port := sockaddrHostPort(sa)
		if port == "" {
			return fd, host, nil
		}
		return fd, net.JoinHostPort(host, port), nil
	}
}

// Close closes the socket and removes the unix socket file, if any.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	if l.socketPath != "" {
		_ = os.Remove(l.socketPath)
		slog.Debug("removed unix socket", "path", l.socketPath)
	}
	return err
}

func sockaddrHostPort(sa unix.Sockaddr) (string, string) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "unix", ""
		}
		return a.Name, ""
	}
	return "unknown", ""
}
