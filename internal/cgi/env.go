// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package cgi

import (
	"slices"
	"strconv"
	"strings"

	"webserv_go/internal/httpmsg"
)

// Meta is the server side of the CGI metavariables.
type Meta struct {
	ServerSoftware string
	ServerPort     string
	RemoteAddr     string
}

// variables a CGI child must never inherit from the server process. They are
// either set per request or alter how the interpreter is loaded.
var forbiddenInherits = map[string]bool{
	"AUTH_TYPE":         true,
	"CONTENT_LENGTH":    true,
	"CONTENT_TYPE":      true,
	"GATEWAY_INTERFACE": true,
	"PATH_INFO":         true,
	"PATH_TRANSLATED":   true,
	"QUERY_STRING":      true,
	"REDIRECT_STATUS":   true,
	"REMOTE_ADDR":       true,
	"REMOTE_HOST":       true,
	"REMOTE_IDENT":      true,
	"REMOTE_USER":       true,
	"REQUEST_METHOD":    true,
	"REQUEST_URI":       true,
	"SCRIPT_FILENAME":   true,
	"SCRIPT_NAME":       true,
	"SERVER_NAME":       true,
	"SERVER_PORT":       true,
	"SERVER_PROTOCOL":   true,
	"SERVER_SOFTWARE":   true,

	"LD_PRELOAD":       true,
	"LD_LIBRARY_PATH":  true,
	"LD_AUDIT":         true,
	"LD_DEBUG":         true,
	"LD_DYNAMIC_WEAK":  true,
	"LD_BIND_NOW":      true,
	"LD_ORIGIN_PATH":   true,
	"LD_ASSUME_KERNEL": true,
	"LD_CONFIG_FILE":   true,
}

func allowedInherit(kv string) bool {
	k, _, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return false
	}
	if strings.HasPrefix(k, "HTTP") {
		return false
	}
	return !forbiddenInherits[k]
}

// InheritedEnv filters the server's own environment (os.Environ) down to what
// a CGI child may see.
func InheritedEnv(environ []string) []string {
	ret := make([]string, 0, len(environ))
	for _, e := range environ {
		if allowedInherit(e) {
			ret = append(ret, e)
		}
	}
	return ret
}

// Environ builds the complete environment list for one invocation. It is
// passed to the spawn call directly; the server's environment is never
// modified.
func Environ(req *httpmsg.Request, scriptFilename, scriptName, pathInfo string, meta Meta, inherit []string) []string {
	env := make([]string, 0, len(inherit)+16+len(req.Header))
	env = append(env, inherit...)

	add := func(k, v string) {
		env = append(env, k+"="+v)
	}

	add("REQUEST_METHOD", req.Method)
	if ct := req.Get("Content-Type"); ct != "" {
		add("CONTENT_TYPE", ct)
	}
	add("CONTENT_LENGTH", strconv.Itoa(len(req.Body)))
	add("GATEWAY_INTERFACE", "CGI/1.1")
	add("SCRIPT_FILENAME", scriptFilename)
	add("SCRIPT_NAME", scriptName)
	add("QUERY_STRING", req.Query)
	add("REDIRECT_STATUS", "200")
	add("SERVER_PROTOCOL", "HTTP/1.1")
	add("SERVER_NAME", req.Host)
	add("SERVER_SOFTWARE", meta.ServerSoftware)

	add("PATH_INFO", pathInfo)
	add("REQUEST_URI", req.Target)
	if meta.ServerPort != "" {
		add("SERVER_PORT", meta.ServerPort)
	}
	if meta.RemoteAddr != "" {
		add("REMOTE_ADDR", meta.RemoteAddr)
	}
	if req.Host != "" {
		add("HTTP_HOST", req.Host)
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		switch k {
		case "Content-Type", "Content-Length", "Host":
			continue
		case "Proxy":
			// httpoxy
			continue
		}
		name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		add(name, strings.Join(req.Header[k], ", "))
	}
	return env
}
