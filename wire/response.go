// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Response is the parsed HTTP/1.1 response accumulated by a Request's
// state machine: status line, headers, and the fully-buffered body.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
}

var statusLineRE = regexp.MustCompile(`^HTTP/(\S+) ([0-9]{3})( .*|)$`)

// parseHead parses the header block preceding "\r\n\r\n" (not
// included) into a Response with an empty Body.
func parseHead(head []byte) (*Response, error) {
	lines := bytes.Split(head, crlf)
	if len(lines) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty response head")
	}
	m := statusLineRE.FindSubmatch(lines[0])
	if m == nil {
		return nil, errors.Wrapf(ErrProtocol, "malformed status line %q", lines[0])
	}
	code, err := strconv.Atoi(string(m[2]))
	if err != nil {
		return nil, errors.Wrapf(ErrProtocol, "malformed status code %q", m[2])
	}
	resp := &Response{
		Proto:      "HTTP/" + string(m[1]),
		StatusCode: code,
		Reason:     string(bytes.TrimPrefix(m[3], []byte(" "))),
		Header:     make(http.Header),
	}
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			return nil, errors.Wrapf(ErrProtocol, "malformed header line %q", line)
		}
		resp.Header.Add(string(bytes.TrimSpace(name)), string(bytes.TrimSpace(value)))
	}
	return resp, nil
}

// hopByHopKeepAlive reports whether h declares Connection: keep-alive,
// per the originating spec's literal (non-default-persistent) reuse
// rule: only an explicit keep-alive token counts, matching the whole
// header value case-insensitively rather than treating HTTP/1.1's
// implicit persistence as sufficient.
func hopByHopKeepAlive(h http.Header) bool {
	for _, v := range h.Values("Connection") {
		if strings.EqualFold(v, "keep-alive") {
			return true
		}
	}
	return false
}
