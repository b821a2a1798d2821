// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package session

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webserv_go/internal/httpmsg"
)

func request(path, cookie string) *httpmsg.Request {
	h := make(http.Header)
	h.Set("User-Agent", "curl/8.0")
	if cookie != "" {
		h.Set("Cookie", CookieName+"="+cookie)
	}
	return &httpmsg.Request{Method: "GET", Path: path, Header: h}
}

func cookieValue(t *testing.T, resp *httpmsg.Response) string {
	t.Helper()
	set := resp.Header.Get("Set-Cookie")
	require.NotEmpty(t, set)
	c, err := http.ParseSetCookie(set)
	require.NoError(t, err)
	assert.Equal(t, CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	return c.Value
}

func TestManager_FirstAndReturningVisit(t *testing.T) {
	for name, newStore := range map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
			require.NoError(t, err)
			return fs
		},
	} {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			m := NewManager(store)
			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			m.now = func() time.Time { return now }

			resp := httpmsg.NewResponse(http.StatusOK)
			s := m.Track(request("/index.html", ""), resp)
			assert.Equal(t, StatusNew, s.Status)
			id := cookieValue(t, resp)
			assert.Equal(t, s.ID, id)

			now = now.Add(time.Minute)
			resp = httpmsg.NewResponse(http.StatusOK)
			s = m.Track(request("/about.html", id), resp)
			assert.Empty(t, resp.Header.Get("Set-Cookie"))
			assert.Equal(t, StatusExisting, s.Status)

			loaded, err := store.Load(id)
			require.NoError(t, err)
			assert.Equal(t, []string{"/index.html", "/about.html"}, loaded.Pages)
			assert.Equal(t, []string{"GET", "GET"}, loaded.Methods)
			assert.Equal(t, "curl/8.0", loaded.UserAgent)
			assert.True(t, loaded.LastAccess.Equal(now))
			assert.True(t, loaded.FirstSeen.Equal(now.Add(-time.Minute)))
		})
	}
}

func TestManager_UnknownCookieStartsNewSession(t *testing.T) {
	m := NewManager(NewMemoryStore())
	resp := httpmsg.NewResponse(http.StatusOK)
	s := m.Track(request("/", "00000000-0000-4000-8000-000000000000"), resp)
	assert.Equal(t, StatusNew, s.Status)
	assert.NotEqual(t, "00000000-0000-4000-8000-000000000000", cookieValue(t, resp))
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = fs.Load("../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, fs.Save(&Session{ID: "../escape"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newID()
		assert.Regexp(t, validID, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 4, strings.Count(newID(), "-"))
}

func TestAppendCapped(t *testing.T) {
	var list []string
	for i := 0; i < maxHistory+10; i++ {
		list = appendCapped(list, "p")
	}
	assert.Len(t, list, maxHistory)
	assert.Len(t, appendCapped(nil, ""), 0)
}
