// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package route

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"webserv_go/internal/config"
	"webserv_go/internal/httpmsg"
)

func (r *Router) fsError(err error) *httpmsg.Response {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return r.Error(http.StatusNotFound, "")
	case errors.Is(err, fs.ErrPermission):
		return r.Error(http.StatusForbidden, "")
	}
	slog.Error("filesystem access failed", "err", err)
	return r.Error(http.StatusInternalServerError, "")
}

func (r *Router) serveStatic(loc *config.Location, req *httpmsg.Request) *httpmsg.Response {
	_, target := r.resolve(loc, req.Path)
	info, err := os.Stat(target)
	if err != nil {
		return r.fsError(err)
	}

	if info.IsDir() {
		if !strings.HasSuffix(req.Path, "/") {
			resp := httpmsg.NewResponse(http.StatusMovedPermanently)
			resp.SetHeader("Location", req.Path+"/")
			return resp
		}
		for _, index := range r.cfg.IndexFor(loc) {
			candidate := filepath.Join(target, index)
			if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
				return r.serveFile(candidate)
			}
		}
		if r.cfg.AutoindexFor(loc) {
			return r.listing(target, req.Path)
		}
		return r.Error(http.StatusForbidden, "directory listing is disabled")
	}
	if !info.Mode().IsRegular() {
		return r.Error(http.StatusForbidden, "")
	}
	return r.serveFile(target)
}

func (r *Router) serveFile(name string) *httpmsg.Response {
	data, err := os.ReadFile(name)
	if err != nil {
		return r.fsError(err)
	}
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	resp := httpmsg.NewResponse(http.StatusOK)
	resp.SetBody(ct, data)
	return resp
}

// listing renders the directory dir, reached through urlPath.
func (r *Router) listing(dir, urlPath string) *httpmsg.Response {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return r.fsError(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	title := html.EscapeString("Index of " + urlPath)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html>\n<head><title>%s</title></head>\n<body>\n<h1>%s</h1>\n<ul>\n", title, title)
	if urlPath != "/" {
		buf.WriteString("<li><a href=\"../\">../</a></li>\n")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&buf, "<li><a href=\"%s\">%s</a></li>\n", (&url.URL{Path: name}).EscapedPath(), html.EscapeString(name))
	}
	buf.WriteString("</ul>\n</body>\n</html>\n")

	resp := httpmsg.NewResponse(http.StatusOK)
	resp.SetBody("text/html; charset=utf-8", buf.Bytes())
	return resp
}

func (r *Router) deleteFile(loc *config.Location, req *httpmsg.Request) *httpmsg.Response {
	root, target := r.resolve(loc, req.Path)
	if target == root {
		return r.Error(http.StatusForbidden, "")
	}
	info, err := os.Lstat(target)
	if err != nil {
		return r.fsError(err)
	}
	if info.IsDir() {
		return r.Error(http.StatusConflict, "directories cannot be deleted")
	}
	if err := os.Remove(target); err != nil {
		return r.fsError(err)
	}
	slog.Info("deleted file", "path", target)
	return httpmsg.NewResponse(http.StatusNoContent)
}

// upload stores the files of a multipart/form-data body, or the raw body
// under the last path segment, in the upload directory of the location.
func (r *Router) upload(loc *config.Location, req *httpmsg.Request) *httpmsg.Response {
	if err := os.MkdirAll(loc.UploadPath, 0o755); err != nil {
		return r.fsError(err)
	}

	var saved []string
	mediaType, params, err := mime.ParseMediaType(req.Get("Content-Type"))
	if err == nil && mediaType == "multipart/form-data" {
		saved, err = r.saveMultipart(loc.UploadPath, req.Body, params["boundary"])
		if err != nil {
			slog.Warn("rejecting upload", "path", req.Path, "err", err)
			return r.Error(http.StatusBadRequest, "malformed multipart body")
		}
		if len(saved) == 0 {
			return r.Error(http.StatusBadRequest, "no file in form")
		}
	} else {
		name := uploadName(path.Base(path.Clean("/" + req.Path)))
		if name == "" || strings.TrimSuffix(loc.Path, "/") == strings.TrimSuffix(path.Clean("/"+req.Path), "/") {
			name = fmt.Sprintf("upload-%d", time.Now().UnixNano())
		}
		if err := os.WriteFile(filepath.Join(loc.UploadPath, name), req.Body, 0o644); err != nil {
			return r.fsError(err)
		}
		saved = []string{name}
	}

	slog.Info("stored upload", "dir", loc.UploadPath, "files", saved)
	resp := httpmsg.NewResponse(http.StatusCreated)
	resp.SetBody("text/plain; charset=utf-8", []byte(strings.Join(saved, "\n")+"\n"))
	return resp
}

func (r *Router) saveMultipart(dir string, body []byte, boundary string) ([]string, error) {
	if boundary == "" {
		return nil, errors.New("missing boundary")
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var saved []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return saved, nil
		}
		if err != nil {
			return saved, err
		}
		name := uploadName(part.FileName())
		if name == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return saved, err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return saved, err
		}
		saved = append(saved, name)
	}
}

// uploadName reduces a client supplied name to a plain file name.
func uploadName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case ".", "..", "/":
		return ""
	}
	return name
}
