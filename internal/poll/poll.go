// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

// Package poll wraps poll(2). The interest set is rebuilt by the caller on
// every iteration and each descriptor carries an owner value that routes the
// readiness report back to whoever owns the descriptor. The poller itself
// never owns or closes a descriptor.
package poll

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Events is a set of readiness conditions.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
	// Hangup and Error are only ever reported, never requested.
	Hangup
	Error
	// PeerClosed is the peer shutting down its writing side of a stream
	// socket. Watching only for it leaves unread data pending.
	PeerClosed
)

func (e Events) String() string {
	var parts []string
	if e&Readable != 0 {
		parts = append(parts, "read")
	}
	if e&Writable != 0 {
		parts = append(parts, "write")
	}
	if e&Hangup != 0 {
		parts = append(parts, "hup")
	}
	if e&Error != 0 {
		parts = append(parts, "err")
	}
	if e&PeerClosed != 0 {
		parts = append(parts, "rdhup")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Ready is one descriptor of the readiness report.
type Ready[T any] struct {
	Fd     int
	Events Events
	Owner  T
}

// Poller is the registry of watched descriptors for one loop iteration.
type Poller[T any] struct {
	fds    []unix.PollFd
	owners []T
	ready  []Ready[T]
}

// New returns an empty poller.
func New[T any]() *Poller[T] {
	return &Poller[T]{}
}

// Reset drops the whole interest set.
func (p *Poller[T]) Reset() {
	p.fds = p.fds[:0]
	clear(p.owners)
	p.owners = p.owners[:0]
}

// Watch adds fd with the given interest. Negative descriptors and empty
// interest are ignored.
func (p *Poller[T]) Watch(fd int, ev Events, owner T) {
	if fd < 0 || ev&(Readable|Writable|PeerClosed) == 0 {
		return
	}
	var mask int16
	if ev&Readable != 0 {
		mask |= unix.POLLIN
	}
	if ev&Writable != 0 {
		mask |= unix.POLLOUT
	}
	if ev&PeerClosed != 0 {
		mask |= unix.POLLRDHUP
	}
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: mask})
	p.owners = append(p.owners, owner)
}

// Len is the number of watched descriptors.
func (p *Poller[T]) Len() int {
	return len(p.fds)
}

// Wait blocks for at most timeout and returns the descriptors that became
// ready. The returned slice is reused by the next call. An interrupted wait
// returns an empty report.
func (p *Poller[T]) Wait(timeout time.Duration) ([]Ready[T], error) {
	p.ready = p.ready[:0]

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.Poll(p.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return p.ready, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return p.ready, nil
	}

	for i := range p.fds {
		re := p.fds[i].Revents
		if re == 0 {
			continue
		}
		var ev Events
		if re&unix.POLLIN != 0 {
			ev |= Readable
		}
		if re&unix.POLLOUT != 0 {
			ev |= Writable
		}
		if re&unix.POLLHUP != 0 {
			ev |= Hangup
		}
		if re&(unix.POLLERR|unix.POLLNVAL) != 0 {
			ev |= Error
		}
		if re&unix.POLLRDHUP != 0 {
			ev |= PeerClosed
		}
		p.ready = append(p.ready, Ready[T]{Fd: int(p.fds[i].Fd), Events: ev, Owner: p.owners[i]})
	}
	return p.ready, nil
}
