// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"webserv_go/internal/httpmsg"
)

const (
	CookieName = "session_id"

	StatusNew      = "new user"
	StatusExisting = "existing user"

	// only the most recent entries of the request history are kept
	maxHistory = 100
)

// Manager attaches a session to every request it sees.
type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Track loads or creates the session of req, records the request and, for a
// new session, sets the cookie on resp. Storage failures are logged and do
// not affect the response.
func (m *Manager) Track(req *httpmsg.Request, resp *httpmsg.Response) *Session {
	now := m.now()

	var s *Session
	if id := req.Cookie(CookieName); id != "" {
		loaded, err := m.store.Load(id)
		switch {
		case err == nil:
			s = loaded
			s.Status = StatusExisting
			slog.Debug("returning session", "session", id)
		case errors.Is(err, ErrNotFound):
		default:
			slog.Warn("loading session failed", "session", id, "err", err)
		}
	}
	if s == nil {
		s = &Session{ID: newID(), Status: StatusNew, FirstSeen: now}
		cookie := &http.Cookie{
			Name:     CookieName,
			Value:    s.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		}
		resp.Header.Add("Set-Cookie", cookie.String())
		slog.Info("session created", "session", s.ID)
	}

	s.LastAccess = now
	s.Pages = appendCapped(s.Pages, req.Path)
	s.Methods = appendCapped(s.Methods, req.Method)
	if ua := req.Get("User-Agent"); ua != "" {
		s.UserAgent = ua
	}

	if err := m.store.Save(s); err != nil {
		slog.Warn("saving session failed", "session", s.ID, "err", err)
	}
	return s
}

func appendCapped(list []string, v string) []string {
	if v == "" {
		return list
	}
	list = append(list, v)
	if len(list) > maxHistory {
		list = list[len(list)-maxHistory:]
	}
	return list
}

// newID returns a random RFC 4122 version 4 UUID.
func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = b[6]&0x0f | 0x40
	b[8] = b[8]&0x3f | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
