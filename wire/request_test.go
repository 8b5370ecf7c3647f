// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsona/httpq/pool"
)

// serveOnce accepts a single connection on ln, reads the request head
// (up to the blank line), and writes raw back verbatim.
func serveOnce(t *testing.T, ln net.Listener, raw string) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = conn.Write([]byte(raw))
	}()
}

func dialRequest(t *testing.T, ln net.Listener, u *url.URL, opts *Options) *Request {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	origin := pool.Origin{Scheme: "http", Host: host, Port: port}

	p := pool.New(pool.DefaultConfig())
	conn, err := p.Fetch(origin)
	require.NoError(t, err)
	require.NotNil(t, conn)

	req := NewRequest(u, opts)
	req.Attach(conn)
	p.Dial(conn, false)
	return req
}

func awaitOutcome(t *testing.T, req *Request) (*Response, error) {
	t.Helper()
	type outcome struct {
		resp *Response
		err  error
	}
	ch := make(chan outcome, 1)
	req.Once("success", func(args ...interface{}) { ch <- outcome{resp: args[0].(*Response)} })
	req.Once("error", func(args ...interface{}) { ch <- outcome{err: args[0].(error)} })

	require.NoError(t, req.End())

	select {
	case o := <-ch:
		return o.resp, o.err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request outcome")
		return nil, nil
	}
}

func TestRequestContentLengthBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveOnce(t, ln, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	u, _ := url.Parse("http://example.com/")
	req := dialRequest(t, ln, u, &Options{})
	resp, err := awaitOutcome(t, req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
}

func TestRequestChunkedBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	serveOnce(t, ln, raw)

	u, _ := url.Parse("http://example.com/")
	req := dialRequest(t, ln, u, &Options{})
	resp, err := awaitOutcome(t, req)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(resp.Body))
}

func TestRequestReadUntilCloseBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveOnce(t, ln, "HTTP/1.1 200 OK\r\n\r\nno length header here")

	u, _ := url.Parse("http://example.com/")
	req := dialRequest(t, ln, u, &Options{})
	resp, err := awaitOutcome(t, req)
	require.NoError(t, err)
	assert.Equal(t, "no length header here", string(resp.Body))
}

func TestRequestNoContentStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveOnce(t, ln, "HTTP/1.1 204 No Content\r\n\r\n")

	u, _ := url.Parse("http://example.com/")
	req := dialRequest(t, ln, u, &Options{})
	resp, err := awaitOutcome(t, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Body)
}

func TestDecideBodyMode(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		header  http.Header
		want    state
	}{
		{name: "content-length zero", status: 200, header: http.Header{"Content-Length": {"0"}}, want: stateDone},
		{name: "204", status: 204, header: http.Header{}, want: stateDone},
		{name: "304", status: 304, header: http.Header{}, want: stateDone},
		{name: "1xx", status: 100, header: http.Header{}, want: stateDone},
		{name: "chunked, no content-length", status: 200, header: http.Header{"Transfer-Encoding": {"chunked"}}, want: stateRecvChunk},
		{name: "content-length positive", status: 200, header: http.Header{"Content-Length": {"10"}}, want: stateRecvLen},
		{name: "no framing headers", status: 200, header: http.Header{}, want: stateRecvUntilClose},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Request{Options: &Options{}, response: &Response{StatusCode: tc.status, Header: tc.header}}
			r.mu.Lock()
			r.decideBodyModeLocked()
			r.mu.Unlock()
			assert.Equal(t, tc.want, r.state)
		})
	}
}

func TestFeedChunkedLocked(t *testing.T) {
	r := &Request{Options: &Options{}, response: &Response{}}
	r.mu.Lock()
	err := r.feedChunkedLocked([]byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"))
	r.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", string(r.response.Body))
	assert.True(t, r.done)
}

func TestFeedChunkedLockedOverlongSizeLine(t *testing.T) {
	r := &Request{Options: &Options{}, response: &Response{}}
	r.mu.Lock()
	err := r.feedChunkedLocked(make([]byte, 1025))
	r.mu.Unlock()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestKeepAlive(t *testing.T) {
	testCases := []struct {
		name       string
		version    string
		reqHeader  http.Header
		respHeader http.Header
		want       bool
	}{
		{
			name:       "both keep-alive on 1.1",
			version:    "1.1",
			reqHeader:  http.Header{"Connection": {"keep-alive"}},
			respHeader: http.Header{"Connection": {"keep-alive"}},
			want:       true,
		},
		{
			name:       "missing request header",
			version:    "1.1",
			reqHeader:  http.Header{},
			respHeader: http.Header{"Connection": {"keep-alive"}},
			want:       false,
		},
		{
			name:       "missing response header",
			version:    "1.1",
			reqHeader:  http.Header{"Connection": {"keep-alive"}},
			respHeader: http.Header{},
			want:       false,
		},
		{
			name:       "http/1.0 never reused",
			version:    "1.0",
			reqHeader:  http.Header{"Connection": {"keep-alive"}},
			respHeader: http.Header{"Connection": {"keep-alive"}},
			want:       false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Request{
				Options:  &Options{Version: tc.version, Header: tc.reqHeader},
				response: &Response{Header: tc.respHeader},
			}
			assert.Equal(t, tc.want, r.KeepAlive())
		})
	}
}

func TestRedirectStopsAtMax(t *testing.T) {
	u, _ := url.Parse("http://example.com/")
	cur := NewRequest(u, &Options{})
	resp := &Response{StatusCode: 302, Header: http.Header{"Location": {"/next"}}}

	for i := 0; i < 5; i++ {
		next, err := cur.Redirect(resp)
		require.NoError(t, err)
		require.NotNil(t, next)
		cur = next
	}

	_, err := cur.Redirect(resp)
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestRedirectNonRedirectStatus(t *testing.T) {
	u, _ := url.Parse("http://example.com/")
	r := NewRequest(u, &Options{})
	resp := &Response{StatusCode: 200, Header: http.Header{}}
	next, err := r.Redirect(resp)
	require.NoError(t, err)
	assert.Nil(t, next)
}
