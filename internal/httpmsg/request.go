// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

// Package httpmsg turns raw connection bytes into requests and responses into
// raw bytes. It never touches a descriptor.
package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrIncomplete reports that more bytes are needed before a request can be
// delimited.
var ErrIncomplete = errors.New("incomplete request")

// ParseError is a request that can never become valid. Status is the client
// error the connection should answer with.
type ParseError struct {
	Status int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Msg)
}

// Limits bound what ParseRequest accepts. Zero means unlimited.
type Limits struct {
	MaxHeader int
	MaxBody   int64
}

// Request is a fully received HTTP request.
type Request struct {
	Method string
	Target string
	Path   string
	Query  string
	Proto  string
	Host   string
	Header http.Header
	Body   []byte
	Close  bool
}

// Get returns the first value of the header key.
func (r *Request) Get(key string) string {
	return r.Header.Get(key)
}

// KeepAlive reports whether the client allows the connection to be reused.
func (r *Request) KeepAlive() bool {
	return !r.Close
}

// Cookie returns the named cookie value or "" if absent.
func (r *Request) Cookie(name string) string {
	hr := http.Request{Header: r.Header}
	c, err := hr.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// ParseRequest tries to delimit one request at the start of buf. It returns
// the request and the number of bytes it occupied. ErrIncomplete means buf
// holds a prefix of a request; a *ParseError means it never will.
func ParseRequest(buf []byte, lim Limits) (*Request, int, error) {
	p := Parser{Limits: lim}
	return p.Parse(buf)
}

// Parser delimits requests in a buffer that grows between calls. Until the
// body is complete a call costs only the header section, and a chunked body
// is walked once across all calls. A Parser belongs to one connection.
type Parser struct {
	Limits Limits

	// chunkPos is the offset of the next chunk size line not yet walked,
	// zero before the first chunk
	chunkPos int
	// chunked is the payload size of the chunks walked so far
	chunked int64
}

// Reset forgets the progress on a partially received request.
func (p *Parser) Reset() {
	p.chunkPos = 0
	p.chunked = 0
}

// Parse works like ParseRequest. buf must start with the same bytes as in
// the previous call until a result other than ErrIncomplete was returned.
func (p *Parser) Parse(buf []byte) (*Request, int, error) {
	req, n, err := p.parse(buf)
	if !errors.Is(err, ErrIncomplete) {
		p.Reset()
	}
	return req, n, err
}

func (p *Parser) parse(buf []byte) (*Request, int, error) {
	lim := p.Limits
	end := headerEnd(buf)
	if end < 0 {
		if lim.MaxHeader > 0 && len(buf) > lim.MaxHeader {
			return nil, 0, &ParseError{Status: http.StatusRequestHeaderFieldsTooLarge, Msg: "header section too large"}
		}
		return nil, 0, ErrIncomplete
	}
	if lim.MaxHeader > 0 && end > lim.MaxHeader {
		return nil, 0, &ParseError{Status: http.StatusRequestHeaderFieldsTooLarge, Msg: "header section too large"}
	}

	src := bytes.NewReader(buf)
	br := bufio.NewReader(src)
	hr, err := http.ReadRequest(br)
	if err != nil {
		return nil, 0, &ParseError{Status: http.StatusBadRequest, Msg: err.Error()}
	}
	if hr.ProtoMajor != 1 {
		return nil, 0, &ParseError{Status: http.StatusHTTPVersionNotSupported, Msg: hr.Proto}
	}
	if lim.MaxBody > 0 && hr.ContentLength > lim.MaxBody {
		return nil, 0, &ParseError{Status: http.StatusRequestEntityTooLarge, Msg: fmt.Sprintf("content length %d exceeds %d", hr.ContentLength, lim.MaxBody)}
	}

	// only decode the body once all of it is buffered
	switch {
	case hr.ContentLength > 0:
		if int64(len(buf)-end) < hr.ContentLength {
			return nil, 0, ErrIncomplete
		}
	case isChunked(hr):
		if err := p.walkChunks(buf, end); err != nil {
			return nil, 0, err
		}
	}

	var body io.Reader = hr.Body
	if lim.MaxBody > 0 {
		body = io.LimitReader(hr.Body, lim.MaxBody+1)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, ErrIncomplete
		}
		return nil, 0, &ParseError{Status: http.StatusBadRequest, Msg: err.Error()}
	}
	if lim.MaxBody > 0 && int64(len(payload)) > lim.MaxBody {
		return nil, 0, &ParseError{Status: http.StatusRequestEntityTooLarge, Msg: fmt.Sprintf("body exceeds %d bytes", lim.MaxBody)}
	}

	consumed := len(buf) - src.Len() - br.Buffered()

	req := &Request{
		Method: hr.Method,
		Target: hr.RequestURI,
		Path:   hr.URL.Path,
		Query:  hr.URL.RawQuery,
		Proto:  hr.Proto,
		Host:   hr.Host,
		Header: hr.Header,
		Body:   payload,
		Close:  hr.Close,
	}
	if req.Path == "" {
		req.Path = "/"
	}
	return req, consumed, nil
}

func isChunked(hr *http.Request) bool {
	for _, te := range hr.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

// walkChunks follows the chunk framing from where the previous call stopped.
// It returns nil once the terminating chunk and its trailers are buffered,
// and also on framing it cannot read, leaving the verdict to the decoder.
func (p *Parser) walkChunks(buf []byte, bodyStart int) error {
	pos := p.chunkPos
	if pos < bodyStart {
		pos = bodyStart
	}
	for {
		eol := bytes.IndexByte(buf[pos:], '\n')
		if eol < 0 {
			p.chunkPos = pos
			return ErrIncomplete
		}
		field, _, _ := strings.Cut(string(buf[pos:pos+eol]), ";")
		size, err := strconv.ParseInt(strings.TrimSpace(field), 16, 64)
		if err != nil || size < 0 {
			return nil
		}
		data := pos + eol + 1

		if size == 0 {
			if !trailerDone(buf[data:]) {
				p.chunkPos = pos
				return ErrIncomplete
			}
			return nil
		}
		if p.Limits.MaxBody > 0 && p.chunked+size > p.Limits.MaxBody {
			return &ParseError{Status: http.StatusRequestEntityTooLarge, Msg: fmt.Sprintf("body exceeds %d bytes", p.Limits.MaxBody)}
		}
		// chunk data is followed by CRLF
		if size > int64(len(buf)-data-2) {
			p.chunkPos = pos
			return ErrIncomplete
		}
		p.chunked += size
		pos = data + int(size) + 2
	}
}

// trailerDone reports whether the trailer section after the last chunk is
// complete.
func trailerDone(rest []byte) bool {
	if bytes.HasPrefix(rest, []byte("\r\n")) || bytes.HasPrefix(rest, []byte("\n")) {
		return true
	}
	return headerEnd(rest) >= 0
}

// headerEnd returns the offset just past the blank line ending the header
// section, or -1.
func headerEnd(buf []byte) int {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	limit := len(buf)
	if crlf >= 0 {
		limit = crlf
	}
	// a bare LF terminator only counts before the first CRLF one, so the
	// body is never scanned
	if lf := bytes.Index(buf[:limit], []byte("\n\n")); lf >= 0 {
		return lf + 2
	}
	if crlf >= 0 {
		return crlf + 4
	}
	return -1
}
