// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package cgi

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pipePair is one unidirectional OS pipe. A closed end is -1.
type pipePair struct {
	r, w int
}

func closedPipe() pipePair {
	return pipePair{r: -1, w: -1}
}

// newPipe creates a close-on-exec pipe. The caller decides which end goes to
// the child and which end becomes non-blocking.
func newPipe() (pipePair, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return closedPipe(), fmt.Errorf("pipe2: %w", err)
	}
	return pipePair{r: fds[0], w: fds[1]}, nil
}

func (p *pipePair) closeRead() {
	if p.r != -1 {
		_ = unix.Close(p.r)
		p.r = -1
	}
}

func (p *pipePair) closeWrite() {
	if p.w != -1 {
		_ = unix.Close(p.w)
		p.w = -1
	}
}

func (p *pipePair) close() {
	p.closeRead()
	p.closeWrite()
}
