// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package route

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webserv_go/internal/config"
	"webserv_go/internal/httpmsg"
	"webserv_go/internal/session"
)

func writeFile(t *testing.T, name, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), perm))
}

// fixture builds a document root with static files, a CGI directory and an
// upload location.
func fixture(t *testing.T) (*Router, *config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "www")
	writeFile(t, filepath.Join(root, "index.html"), "<h1>home</h1>", 0o644)
	writeFile(t, filepath.Join(root, "docs", "a.txt"), "alpha", 0o644)
	writeFile(t, filepath.Join(root, "docs", "b <x>.txt"), "beta", 0o644)
	writeFile(t, filepath.Join(root, "files", "victim.txt"), "bye", 0o644)
	writeFile(t, filepath.Join(dir, "scripts", "hello.sh"), "#!/bin/sh\necho hi\n", 0o755)
	writeFile(t, filepath.Join(dir, "scripts", "plain.sh"), "echo hi\n", 0o644)
	writeFile(t, filepath.Join(dir, "404.html"), "custom missing", 0o644)

	yes := true
	cfg := config.Default()
	cfg.Root = root
	cfg.ErrorPages = map[int]string{404: filepath.Join(dir, "404.html")}
	cfg.Locations = []config.Location{
		{Path: "/"},
		{Path: "/docs", Autoindex: &yes},
		{Path: "/files", Methods: []string{"GET", "DELETE"}},
		{Path: "/cgi-bin", Root: filepath.Join(dir, "scripts"), Methods: []string{"GET", "POST"},
			CGI: map[string]string{".sh": "/bin/sh", ".cgi": ""}},
		{Path: "/upload", Methods: []string{"POST"}, UploadPath: filepath.Join(dir, "uploads"), MaxBody: 64},
		{Path: "/old", Return: &config.Redirect{Code: 301, URL: "/new"}},
	}
	require.NoError(t, cfg.Validate())
	return New(cfg, nil), cfg, dir
}

func req(method, path string) *httpmsg.Request {
	return &httpmsg.Request{Method: method, Path: path, Proto: "HTTP/1.1", Header: make(http.Header)}
}

func TestHandle_Static(t *testing.T) {
	r, _, _ := fixture(t)

	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		body     string
		location string
	}{
		{"index of root", "GET", "/", 200, "<h1>home</h1>", ""},
		{"file", "GET", "/docs/a.txt", 200, "alpha", ""},
		{"dot segments stay inside root", "GET", "/docs/../../../docs/a.txt", 200, "alpha", ""},
		{"missing uses custom page", "GET", "/nope.html", 404, "custom missing", ""},
		{"directory without slash", "GET", "/docs", 301, "", "/docs/"},
		{"directory without index or listing", "GET", "/files/", 403, "", ""},
		{"method not allowed", "POST", "/docs/a.txt", 405, "", ""},
		{"redirect", "GET", "/old/x", 301, "", "/new"},
		{"unimplemented method", "PUT", "/files/victim.txt", 405, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, target := r.Handle(req(tt.method, tt.path))
			require.Nil(t, target)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.Status)
			if tt.body != "" {
				assert.Equal(t, tt.body, string(resp.Body))
			}
			if tt.location != "" {
				assert.Equal(t, tt.location, resp.Header.Get("Location"))
			}
		})
	}
}

func TestHandle_ContentType(t *testing.T) {
	r, _, _ := fixture(t)
	resp, _ := r.Handle(req("GET", "/index.html"))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	resp, _ = r.Handle(req("GET", "/docs/a.txt"))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestHandle_MethodNotAllowedListsMethods(t *testing.T) {
	r, _, _ := fixture(t)
	resp, _ := r.Handle(req("DELETE", "/docs/a.txt"))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))
}

func TestHandle_Autoindex(t *testing.T) {
	r, _, _ := fixture(t)
	resp, _ := r.Handle(req("GET", "/docs/"))
	require.Equal(t, http.StatusOK, resp.Status)
	body := string(resp.Body)
	assert.Contains(t, body, "Index of /docs/")
	assert.Contains(t, body, `<a href="a.txt">a.txt</a>`)
	assert.Contains(t, body, `<a href="b%20%3Cx%3E.txt">b &lt;x&gt;.txt</a>`)
	assert.Contains(t, body, `<a href="../">`)
}

func TestHandle_Delete(t *testing.T) {
	r, _, _ := fixture(t)

	resp, _ := r.Handle(req("DELETE", "/files/victim.txt"))
	assert.Equal(t, http.StatusNoContent, resp.Status)
	resp, _ = r.Handle(req("DELETE", "/files/victim.txt"))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	resp, _ = r.Handle(req("DELETE", "/files"))
	assert.Equal(t, http.StatusConflict, resp.Status)
}

func TestHandle_CGITarget(t *testing.T) {
	r, _, dir := fixture(t)

	resp, target := r.Handle(req("GET", "/cgi-bin/hello.sh/extra/path"))
	require.Nil(t, resp)
	require.NotNil(t, target)
	assert.Equal(t, filepath.Join(dir, "scripts", "hello.sh"), target.Script)
	assert.Equal(t, "/cgi-bin/hello.sh", target.ScriptName)
	assert.Equal(t, "/extra/path", target.PathInfo)
	assert.Equal(t, "/bin/sh", target.Interpreter)

	_, target = r.Handle(req("POST", "/cgi-bin/plain.sh"))
	require.NotNil(t, target, "an interpreter does not need the exec bit")
	assert.Empty(t, target.PathInfo)
}

func TestHandle_CGIRejections(t *testing.T) {
	r, _, dir := fixture(t)
	writeFile(t, filepath.Join(dir, "scripts", "noexec.cgi"), "#!/bin/sh\n", 0o644)

	resp, target := r.Handle(req("GET", "/cgi-bin/missing.sh"))
	assert.Nil(t, target)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp, target = r.Handle(req("GET", "/cgi-bin/noexec.cgi"))
	assert.Nil(t, target)
	assert.Equal(t, http.StatusForbidden, resp.Status)

	resp, target = r.Handle(req("GET", "/cgi-bin/"))
	assert.Nil(t, target, "a path without script falls back to static handling")
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestHandle_UploadRaw(t *testing.T) {
	r, _, dir := fixture(t)
	rq := req("POST", "/upload/note.txt")
	rq.Body = []byte("hello")

	resp, _ := r.Handle(rq)
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "note.txt\n", string(resp.Body))
	data, err := os.ReadFile(filepath.Join(dir, "uploads", "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	rq = req("POST", "/upload")
	rq.Body = []byte("anonymous")
	resp, _ = r.Handle(rq)
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Regexp(t, `^upload-\d+\n$`, string(resp.Body))
}

func TestHandle_UploadMultipart(t *testing.T) {
	r, _, dir := fixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("comment", "ignored"))
	fw, err := mw.CreateFormFile("file", "../../evil.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("data"))
	require.NoError(t, mw.Close())

	rq := req("POST", "/upload/")
	rq.Header.Set("Content-Type", mw.FormDataContentType())
	rq.Body = body.Bytes()
	r.cfg.Match("/upload").MaxBody = int64(body.Len())

	resp, _ := r.Handle(rq)
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "evil.txt\n", string(resp.Body))
	data, err := os.ReadFile(filepath.Join(dir, "uploads", "evil.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestHandle_BodyTooLarge(t *testing.T) {
	r, _, _ := fixture(t)
	rq := req("POST", "/upload/big")
	rq.Body = bytes.Repeat([]byte("x"), 65)
	resp, _ := r.Handle(rq)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Status)
}

func TestFinalize(t *testing.T) {
	_, cfg, _ := fixture(t)
	store := session.NewMemoryStore()
	r := New(cfg, session.NewManager(store))

	rq := req("HEAD", "/index.html")
	resp, _ := r.Handle(rq)
	r.Finalize(rq, resp)
	assert.True(t, resp.HeadOnly)
	assert.Equal(t, Software, resp.Header.Get("Server"))
	assert.Contains(t, resp.Header.Get("Set-Cookie"), session.CookieName+"=")
	assert.Equal(t, 1, store.Len())

	resp = httpmsg.Error(http.StatusBadRequest, "")
	r.Finalize(nil, resp)
	assert.Equal(t, Software, resp.Header.Get("Server"))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
}

func TestUploadName(t *testing.T) {
	assert.Equal(t, "a.txt", uploadName("dir/a.txt"))
	assert.Equal(t, "a.txt", uploadName(`C:\Users\me\a.txt`))
	assert.Equal(t, "", uploadName(".."))
	assert.Equal(t, "", uploadName(""))
}
