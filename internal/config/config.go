// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

// Package config loads the server configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen          = "tcp:0.0.0.0:8080"
	DefaultServerName      = "webserv"
	DefaultMaxBody         = 1 << 20
	DefaultMaxHeader       = 16 << 10
	DefaultCGITimeout      = 5000 * time.Millisecond
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxCGI          = 16
	DefaultCGIMaxOutput    = 16 << 20
)

// Redirect answers every request of a location with a fixed redirect.
type Redirect struct {
	Code int    `yaml:"code"`
	URL  string `yaml:"url"`
}

// Location configures the requests whose path starts with Path.
type Location struct {
	Path    string   `yaml:"path"`
	Root    string   `yaml:"root,omitempty"`
	Methods []string `yaml:"methods,omitempty"`
	Index   []string `yaml:"index,omitempty"`
	// Autoindex is tri-state: nil inherits the server setting.
	Autoindex  *bool             `yaml:"autoindex,omitempty"`
	CGI        map[string]string `yaml:"cgi,omitempty"`
	UploadPath string            `yaml:"upload_path,omitempty"`
	MaxBody    int64             `yaml:"client_max_body_size,omitempty"`
	Return     *Redirect         `yaml:"return,omitempty"`
}

// Config is the complete server configuration.
type Config struct {
	Listen          []string       `yaml:"listen"`
	ServerName      string         `yaml:"server_name"`
	Root            string         `yaml:"root"`
	Index           []string       `yaml:"index"`
	Autoindex       bool           `yaml:"autoindex"`
	MaxBody         int64          `yaml:"client_max_body_size"`
	MaxHeader       int            `yaml:"max_header_size"`
	ErrorPages      map[int]string `yaml:"error_pages,omitempty"`
	CGITimeout      time.Duration  `yaml:"cgi_timeout"`
	CGIMaxOutput    int64          `yaml:"cgi_max_output"`
	IdleTimeout     time.Duration  `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	MaxCGI          int            `yaml:"max_cgi"`
	SessionDir      string         `yaml:"session_dir,omitempty"`
	Locations       []Location     `yaml:"locations"`
}

// Default returns a configuration serving ./www on port 8080.
func Default() *Config {
	return &Config{
		Listen:          []string{DefaultListen},
		ServerName:      DefaultServerName,
		Root:            "./www",
		Index:           []string{"index.html"},
		MaxBody:         DefaultMaxBody,
		MaxHeader:       DefaultMaxHeader,
		CGITimeout:      DefaultCGITimeout,
		CGIMaxOutput:    DefaultCGIMaxOutput,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxCGI:          DefaultMaxCGI,
		Locations: []Location{
			{Path: "/", Methods: []string{http.MethodGet, http.MethodHead}},
		},
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
// Relative directories are resolved against the directory of the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Root = abs(c.Root)
	c.SessionDir = abs(c.SessionDir)
	for code, page := range c.ErrorPages {
		c.ErrorPages[code] = abs(page)
	}
	for i := range c.Locations {
		c.Locations[i].Root = abs(c.Locations[i].Root)
		c.Locations[i].UploadPath = abs(c.Locations[i].UploadPath)
	}
}

// Validate rejects configurations the server cannot run with and
// normalizes the rest.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Listen) == 0 {
		errs = append(errs, errors.New("at least one listen address is required"))
	}
	for _, l := range c.Listen {
		if !strings.HasPrefix(l, "tcp:") && !strings.HasPrefix(l, "unix:") {
			errs = append(errs, fmt.Errorf("invalid listen address %q (want tcp:host:port or unix:/path)", l))
		}
	}
	if c.Root == "" {
		errs = append(errs, errors.New("root must be set"))
	}
	if c.MaxBody < 0 || c.MaxHeader < 0 || c.MaxCGI < 0 || c.CGIMaxOutput < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.CGITimeout <= 0 {
		errs = append(errs, errors.New("cgi_timeout must be positive"))
	}
	for code := range c.ErrorPages {
		if code < 400 || code > 599 {
			errs = append(errs, fmt.Errorf("error page for non-error status %d", code))
		}
	}

	seen := make(map[string]bool)
	for i := range c.Locations {
		loc := &c.Locations[i]
		if !strings.HasPrefix(loc.Path, "/") {
			errs = append(errs, fmt.Errorf("location path %q must start with /", loc.Path))
			continue
		}
		if seen[loc.Path] {
			errs = append(errs, fmt.Errorf("duplicate location %q", loc.Path))
		}
		seen[loc.Path] = true
		for j, m := range loc.Methods {
			loc.Methods[j] = strings.ToUpper(m)
		}
		for ext, interp := range loc.CGI {
			if !strings.HasPrefix(ext, ".") {
				errs = append(errs, fmt.Errorf("location %q: cgi extension %q must start with a dot", loc.Path, ext))
			}
			if interp != "" && !filepath.IsAbs(interp) {
				errs = append(errs, fmt.Errorf("location %q: interpreter %q must be absolute", loc.Path, interp))
			}
		}
		if loc.Return != nil && (loc.Return.Code < 300 || loc.Return.Code > 399 || loc.Return.URL == "") {
			errs = append(errs, fmt.Errorf("location %q: return needs a 3xx code and an url", loc.Path))
		}
	}

	// longest prefix first, so the first match wins
	sort.SliceStable(c.Locations, func(i, j int) bool {
		return len(c.Locations[i].Path) > len(c.Locations[j].Path)
	})
	return errors.Join(errs...)
}

// Match returns the location with the longest path prefix of reqPath.
func (c *Config) Match(reqPath string) *Location {
	for i := range c.Locations {
		loc := &c.Locations[i]
		if loc.Path == "/" || reqPath == loc.Path ||
			strings.HasPrefix(reqPath, strings.TrimSuffix(loc.Path, "/")+"/") {
			return loc
		}
	}
	return nil
}

// Allows reports whether method is permitted; an empty list allows GET and
// HEAD only.
func (l *Location) Allows(method string) bool {
	methods := l.AllowedMethods()
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// AllowedMethods is the effective method list.
func (l *Location) AllowedMethods() []string {
	if len(l.Methods) == 0 {
		return []string{http.MethodGet, http.MethodHead}
	}
	return l.Methods
}

// RootFor is the directory serving the location.
func (c *Config) RootFor(l *Location) string {
	if l != nil && l.Root != "" {
		return l.Root
	}
	return c.Root
}

// BodyLimit is the effective client_max_body_size of the location.
func (c *Config) BodyLimit(l *Location) int64 {
	if l != nil && l.MaxBody > 0 {
		return l.MaxBody
	}
	return c.MaxBody
}

// IndexFor is the effective index list of the location.
func (c *Config) IndexFor(l *Location) []string {
	if l != nil && len(l.Index) > 0 {
		return l.Index
	}
	return c.Index
}

// AutoindexFor is the effective autoindex setting of the location.
func (c *Config) AutoindexFor(l *Location) bool {
	if l != nil && l.Autoindex != nil {
		return *l.Autoindex
	}
	return c.Autoindex
}
