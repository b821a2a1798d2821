// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package server

import (
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// slots limits the number of CGI children running at once. The event loop
// must never block, so a slot is only ever tried for.
type slots struct {
	sem    *semaphore.Weighted
	active int
}

// newSlots returns a limit of n concurrent children; n <= 0 is unlimited.
func newSlots(n int) *slots {
	s := &slots{}
	if n > 0 {
		s.sem = semaphore.NewWeighted(int64(n))
	}
	return s
}

func (s *slots) acquire() bool {
	if s.sem != nil && !s.sem.TryAcquire(1) {
		slog.Debug("no CGI slot available", "active", s.active)
		return false
	}
	s.active++
	return true
}

func (s *slots) release() {
	if s.active == 0 {
		return
	}
	s.active--
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// Active is the number of slots in use.
func (s *slots) Active() int {
	return s.active
}
