// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

// Package route decides how a parsed request is answered: by a CGI script,
// by a static file, upload or delete, or by an error page.
package route

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"webserv_go/internal/cgi"
	"webserv_go/internal/config"
	"webserv_go/internal/httpmsg"
	"webserv_go/internal/session"
)

// Software is announced in the Server header and SERVER_SOFTWARE.
const Software = "webserv/1.0"

// CGITarget is a request routed to a script.
type CGITarget struct {
	Script      string
	ScriptName  string
	PathInfo    string
	Interpreter string
}

// Router answers requests according to the configuration.
type Router struct {
	cfg      *config.Config
	sessions *session.Manager
}

// New returns a router. sessions may be nil to disable session tracking.
func New(cfg *config.Config, sessions *session.Manager) *Router {
	return &Router{cfg: cfg, sessions: sessions}
}

// Handle returns either a finished response or the CGI script that has to
// produce it.
func (r *Router) Handle(req *httpmsg.Request) (*httpmsg.Response, *CGITarget) {
	loc := r.cfg.Match(req.Path)
	if loc == nil {
		return r.Error(http.StatusNotFound, ""), nil
	}

	if loc.Return != nil {
		resp := httpmsg.NewResponse(loc.Return.Code)
		resp.SetHeader("Location", loc.Return.URL)
		return resp, nil
	}

	if !loc.Allows(req.Method) {
		resp := r.Error(http.StatusMethodNotAllowed, req.Method+" is not allowed here")
		resp.SetHeader("Allow", strings.Join(loc.AllowedMethods(), ", "))
		return resp, nil
	}

	if limit := r.cfg.BodyLimit(loc); limit > 0 && int64(len(req.Body)) > limit {
		return r.Error(http.StatusRequestEntityTooLarge, ""), nil
	}

	if len(loc.CGI) > 0 {
		if target, resp, ok := r.cgiTarget(loc, req.Path); ok {
			return resp, target
		}
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return r.serveStatic(loc, req), nil
	case http.MethodDelete:
		return r.deleteFile(loc, req), nil
	case http.MethodPost:
		if loc.UploadPath != "" {
			return r.upload(loc, req), nil
		}
		return r.Error(http.StatusForbidden, "nothing accepts a POST here"), nil
	}
	return r.Error(http.StatusNotImplemented, req.Method+" is not implemented"), nil
}

// cgiTarget finds the first path segment with a CGI extension. ok is false
// when the path names no script at all.
func (r *Router) cgiTarget(loc *config.Location, reqPath string) (*CGITarget, *httpmsg.Response, bool) {
	clean := path.Clean("/" + reqPath)
	for i := 1; i <= len(clean); i++ {
		if i < len(clean) && clean[i] != '/' {
			continue
		}
		prefix := clean[:i]
		interp, ok := loc.CGI[path.Ext(prefix)]
		if !ok {
			continue
		}

		_, script := r.resolve(loc, prefix)
		if err := cgi.ValidateScript(script, r.root(loc), interp == ""); err != nil {
			slog.Warn("rejecting CGI script", "script", script, "err", err)
			if errors.Is(err, fs.ErrNotExist) {
				return nil, r.Error(http.StatusNotFound, ""), true
			}
			return nil, r.Error(http.StatusForbidden, ""), true
		}
		if interp != "" {
			if err := cgi.ValidateInterpreter(interp); err != nil {
				slog.Error("CGI interpreter unusable", "interpreter", interp, "err", err)
				return nil, r.Error(http.StatusInternalServerError, ""), true
			}
		}
		return &CGITarget{
			Script:      script,
			ScriptName:  prefix,
			PathInfo:    clean[i:],
			Interpreter: interp,
		}, nil, true
	}
	return nil, nil, false
}

func (r *Router) root(loc *config.Location) string {
	root := r.cfg.RootFor(loc)
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

// resolve maps a request path onto the filesystem. A location with its own
// root serves the part of the path below the location prefix from it.
func (r *Router) resolve(loc *config.Location, reqPath string) (string, string) {
	root := r.root(loc)
	rel := path.Clean("/" + reqPath)
	if loc.Root != "" && loc.Path != "/" {
		rel = strings.TrimPrefix(rel, strings.TrimSuffix(loc.Path, "/"))
		if rel == "" {
			rel = "/"
		}
	}
	return root, filepath.Join(root, filepath.FromSlash(rel))
}

// Error builds an error response, using the configured page for status when
// one is readable.
func (r *Router) Error(status int, detail string) *httpmsg.Response {
	if page, ok := r.cfg.ErrorPages[status]; ok {
		body, err := os.ReadFile(page)
		if err == nil {
			resp := httpmsg.NewResponse(status)
			resp.SetBody("text/html; charset=utf-8", body)
			return resp
		}
		slog.Warn("error page unreadable", "status", status, "page", page, "err", err)
	}
	return httpmsg.Error(status, detail)
}

// Finalize applies what every response carries: the Server header, HEAD
// handling and session tracking. req may be nil for responses to requests
// that could not be parsed.
func (r *Router) Finalize(req *httpmsg.Request, resp *httpmsg.Response) {
	resp.SetHeader("Server", Software)
	if req == nil {
		return
	}
	if req.Method == http.MethodHead {
		resp.HeadOnly = true
	}
	if r.sessions != nil {
		r.sessions.Track(req, resp)
	}
}
