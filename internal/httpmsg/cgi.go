// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package httpmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

const cgiDefaultContentType = "text/html; charset=utf-8"

// FromCGI converts the stdout of a CGI script into a response (RFC 3875,
// section 6). Output without a header block is sent verbatim as the body.
func FromCGI(out []byte) (*Response, error) {
	end := headerEnd(out)
	if end < 0 || !looksLikeHeaders(out[:end]) {
		resp := NewResponse(http.StatusOK)
		resp.SetBody(cgiDefaultContentType, out)
		return resp, nil
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(out[:end])))
	mh, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("reading cgi headers: %w", err)
	}
	h := http.Header(mh)

	resp := NewResponse(http.StatusOK)
	if st := h.Get("Status"); st != "" {
		code, reason, err := parseStatus(st)
		if err != nil {
			return nil, err
		}
		resp.Status = code
		resp.Reason = reason
	} else if h.Get("Location") != "" {
		resp.Status = http.StatusFound
		resp.Reason = http.StatusText(http.StatusFound)
	}
	h.Del("Status")
	h.Del("Content-Length")
	if h.Get("Content-Type") == "" && resp.Status != http.StatusFound {
		h.Set("Content-Type", cgiDefaultContentType)
	}
	resp.Header = h
	resp.Body = out[end:]
	return resp, nil
}

func parseStatus(v string) (int, string, error) {
	code, reason, _ := strings.Cut(strings.TrimSpace(v), " ")
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 || n > 999 {
		return 0, "", fmt.Errorf("invalid cgi status %q", v)
	}
	if reason == "" {
		reason = http.StatusText(n)
	}
	return n, reason, nil
}

func looksLikeHeaders(block []byte) bool {
	lines := strings.Split(strings.TrimRight(string(block), "\r\n"), "\n")
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			return false
		}
		if line[0] == ' ' || line[0] == '\t' {
			// continuation line
			continue
		}
		name, _, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return false
		}
	}
	return true
}
