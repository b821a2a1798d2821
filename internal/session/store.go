// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

// Package session tracks returning clients through a session cookie and
// keeps what it learns about them in a Store.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Store.Load for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Session is the persisted state of one client.
type Session struct {
	ID         string    `yaml:"id"`
	Status     string    `yaml:"status"`
	UserAgent  string    `yaml:"user_agent,omitempty"`
	FirstSeen  time.Time `yaml:"first_seen"`
	LastAccess time.Time `yaml:"last_access_time"`
	Pages      []string  `yaml:"requested_pages,omitempty"`
	Methods    []string  `yaml:"methods,omitempty"`
}

// Store persists sessions. Implementations are used from the event loop
// only.
type Store interface {
	Load(id string) (*Session, error)
	Save(s *Session) error
}

var validID = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// FileStore keeps one YAML file per session in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(f.dir, id+".yaml"), nil
}

// Load reads the session file of id.
func (f *FileStore) Load(id string) (*Session, error) {
	path, err := f.path(id)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", id, err)
	}
	s.ID = id
	return &s, nil
}

// Save replaces the session file through a rename so that a reader never
// sees a partially written file.
func (f *FileStore) Save(s *Session) error {
	path, err := f.path(s.ID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.ID, err)
	}
	tmp, err := os.CreateTemp(f.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

// MemoryStore keeps sessions in memory, for tests and when no session
// directory is configured.
type MemoryStore struct {
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Load(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Pages = append([]string(nil), s.Pages...)
	s.Methods = append([]string(nil), s.Methods...)
	return &s, nil
}

func (m *MemoryStore) Save(s *Session) error {
	c := *s
	c.Pages = append([]string(nil), s.Pages...)
	c.Methods = append([]string(nil), s.Methods...)
	m.sessions[s.ID] = c
	return nil
}

// Len is the number of stored sessions.
func (m *MemoryStore) Len() int {
	return len(m.sessions)
}
