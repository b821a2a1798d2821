// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package httpmsg

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strconv"
)

// Response is an HTTP response under construction.
type Response struct {
	Status int
	Reason string
	Header http.Header
	Body   []byte
	// HeadOnly suppresses the body on the wire while keeping Content-Length.
	HeadOnly bool
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{
		Status: status,
		Reason: http.StatusText(status),
		Header: make(http.Header),
	}
}

// SetHeader replaces the header key.
func (r *Response) SetHeader(key, value string) {
	r.Header.Set(key, value)
}

// SetBody sets the payload and its content type.
func (r *Response) SetBody(contentType string, body []byte) {
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	r.Body = body
}

func bodyless(status int) bool {
	return (status >= 100 && status < 200) || status == http.StatusNoContent || status == http.StatusNotModified
}

// Bytes serializes the response as HTTP/1.1.
func (r *Response) Bytes() []byte {
	reason := r.Reason
	if reason == "" {
		reason = http.StatusText(r.Status)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", r.Status, reason)

	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if bodyless(r.Status) {
		h.Del("Content-Length")
	} else {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	_ = h.Write(&buf)
	buf.WriteString("\r\n")

	if !r.HeadOnly && !bodyless(r.Status) {
		buf.Write(r.Body)
	}
	return buf.Bytes()
}

// ErrorPage renders the generated HTML page used when no custom page exists.
func ErrorPage(status int, detail string) []byte {
	text := http.StatusText(status)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html>\n<head><title>%d %s</title></head>\n<body>\n<h1>%d %s</h1>\n", status, text, status, text)
	if detail != "" {
		fmt.Fprintf(&buf, "<p>%s</p>\n", html.EscapeString(detail))
	}
	buf.WriteString("</body>\n</html>\n")
	return buf.Bytes()
}

// Error builds a response carrying the generated error page.
func Error(status int, detail string) *Response {
	resp := NewResponse(status)
	resp.SetBody("text/html; charset=utf-8", ErrorPage(status, detail))
	return resp
}
