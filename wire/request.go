// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the per-request HTTP/1.1 protocol state
// machine: request serialization, response parsing (status line,
// headers, and a Content-Length, chunked, or read-until-close body),
// progress notification, and redirect resolution. See RFC 7230/7231.
package wire

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/nsona/httpq/event"
	"github.com/nsona/httpq/pool"
)

var crlf = []byte("\r\n")
var doubleCRLF = []byte("\r\n\r\n")

// state is the request's position in the send/parse state machine
// described in the design document (INIT, ATTACHED, SENDING,
// RECV_HEAD, RECV_LEN, RECV_CHUNK, RECV_UNTIL_CLOSE, DONE, FAILED).
type state int

const (
	stateInit state = iota
	stateAttached
	stateSending
	stateRecvHead
	stateRecvLen
	stateRecvChunk
	stateRecvUntilClose
	stateDone
	stateFailed
)

// Request is bound to exactly one pool.Conn for its lifetime and
// drives that connection's callbacks through the send-then-parse
// state machine. Install listeners with On/Once before calling End.
type Request struct {
	events event.Emitter

	URL     *url.URL
	Options *Options

	// SelfConnection is true if this request allocated its own
	// connection outside of a pool, rather than being handed one by a
	// dispatcher. wire itself never sets this; it exists purely as
	// state carried on behalf of a caller, per the data model.
	SelfConnection bool

	mu       sync.Mutex
	conn     *pool.Conn
	state    state
	writable bool
	pending  []byte

	recvBuffer     []byte
	response       *Response
	expectedLength int64
	bodyReceived   int64
	chunkedLength  int
	chunkedPending []byte
	done           bool
	stopCh         chan struct{}
}

// NewRequest constructs a Request in the INIT state for the given URL
// and options. opts must not be nil.
func NewRequest(u *url.URL, opts *Options) *Request {
	return &Request{
		URL:      u,
		Options:  opts,
		state:    stateInit,
		writable: true,
		stopCh:   make(chan struct{}),
	}
}

// On registers a persistent listener for "success" or "error". Body
// progress is not emitted as an event; it is delivered through
// Options.Progress.
func (r *Request) On(name string, fn event.Listener) { r.events.On(name, fn) }

// Once registers a one-shot listener for "success" or "error".
func (r *Request) Once(name string, fn event.Listener) { r.events.Once(name, fn) }

// State returns the request's current state machine position, mostly
// useful for tests.
func (r *Request) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.String()
}

func (s state) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateAttached:
		return "ATTACHED"
	case stateSending:
		return "SENDING"
	case stateRecvHead:
		return "RECV_HEAD"
	case stateRecvLen:
		return "RECV_LEN"
	case stateRecvChunk:
		return "RECV_CHUNK"
	case stateRecvUntilClose:
		return "RECV_UNTIL_CLOSE"
	case stateDone:
		return "DONE"
	case stateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Attach binds the request to conn, wiring conn's callback slots to
// this request's state machine. Attach must be called before End.
func (r *Request) Attach(conn *pool.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.state = stateAttached
	r.mu.Unlock()

	conn.SetCallbacks(pool.Callbacks{
		OnConnect: r.handleConnect,
		OnMessage: r.handleMessage,
		OnClose:   r.handleClose,
		OnError:   r.handleError,
	})

	if r.Options.Context != nil {
		go r.watchContext(r.Options.Context)
	}
}

// watchContext force-closes the request's connection and fails it with
// ErrCanceled if ctx is done before the request otherwise finishes.
func (r *Request) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		if conn := r.Conn(); conn != nil {
			conn.Close()
		}
		r.failWith(errors.Wrap(ErrCanceled, ctx.Err().Error()))
	case <-r.stopCh:
	}
}

// Conn returns the connection this request is attached to, or nil.
func (r *Request) Conn() *pool.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Response returns the response accumulated so far. It is only safe
// to inspect after a "success" event has fired.
func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// KeepAlive reports whether this request's connection may be reused,
// per the originating spec's literal rule: HTTP/1.1 and an explicit
// Connection: keep-alive on both the request and the response.
func (r *Request) KeepAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Options.version() != "1.1" {
		return false
	}
	if !hopByHopKeepAlive(r.Options.header()) {
		return false
	}
	return r.response != nil && hopByHopKeepAlive(r.response.Header)
}

// End serializes the request onto the wire. It is an error to call End
// more than once on the same Request.
func (r *Request) End() error {
	r.mu.Lock()
	if !r.writable {
		r.mu.Unlock()
		err := ErrRequestReused
		r.emitError(err)
		return err
	}
	r.writable = false

	raw, err := r.serializeLocked()
	if err != nil {
		r.mu.Unlock()
		r.failWith(err)
		return err
	}

	conn := r.conn
	connecting := conn != nil && conn.State() == pool.Connecting
	r.state = stateSending
	if connecting {
		r.pending = raw
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.send(raw)
}

func (r *Request) serializeLocked() ([]byte, error) {
	o := r.Options
	if o.Query != nil && len(o.Query) > 0 {
		u := *r.URL
		u.RawQuery = o.Query.Encode()
		r.URL = &u
	}

	header := o.header()
	if len(o.Body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if len(o.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(o.Body)))
	}
	if header.Get("Host") == "" {
		header.Set("Host", r.URL.Host)
	}
	o.Header = header

	for name := range header {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, errors.Errorf("wire: invalid header field name %q", name)
		}
		for _, v := range header[name] {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, errors.Errorf("wire: invalid header field value for %q", name)
			}
		}
	}

	var buf bytes.Buffer
	target := r.URL.RequestURI()
	fmt.Fprintf(&buf, "%s %s HTTP/%s\r\n", o.method(), target, o.version())
	for name, values := range header {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	buf.WriteString("\r\n")
	if len(o.Body) > 0 {
		buf.Write(o.Body)
	}
	return buf.Bytes(), nil
}

func (r *Request) send(raw []byte) error {
	conn := r.conn
	if _, err := conn.Write(raw); err != nil {
		r.failWith(err)
		return err
	}
	r.mu.Lock()
	r.state = stateRecvHead
	r.mu.Unlock()
	return nil
}

func (r *Request) handleConnect() {
	r.mu.Lock()
	raw := r.pending
	r.pending = nil
	r.mu.Unlock()
	if raw != nil {
		r.send(raw)
	}
}

func (r *Request) handleMessage(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}

	switch r.state {
	case stateRecvHead:
		r.recvBuffer = append(r.recvBuffer, data...)
		idx := bytes.Index(r.recvBuffer, doubleCRLF)
		if idx == -1 {
			return
		}
		head := r.recvBuffer[:idx]
		rest := append([]byte(nil), r.recvBuffer[idx+4:]...)
		r.recvBuffer = nil

		resp, err := parseHead(head)
		if err != nil {
			r.failLocked(err)
			return
		}
		r.response = resp
		r.decideBodyModeLocked()
		if r.state == stateDone {
			r.succeedLocked()
			return
		}
		if len(rest) > 0 {
			r.feedBodyLocked(rest)
		}
	case stateRecvLen, stateRecvChunk, stateRecvUntilClose:
		r.feedBodyLocked(data)
	}
}

// decideBodyModeLocked implements the body-mode decision table from
// the design document. Caller holds r.mu.
func (r *Request) decideBodyModeLocked() {
	resp := r.response
	status := resp.StatusCode
	hasContentLength := false
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err == nil {
			r.expectedLength = n
			hasContentLength = true
		}
	}
	te := resp.Header.Get("Transfer-Encoding")
	chunked := te != "" && !strings.EqualFold(te, "identity")
	switch {
	case (hasContentLength && r.expectedLength == 0) || status/100 == 1 || status == 204 || status == 304:
		r.state = stateDone
	case chunked:
		r.state = stateRecvChunk
	case hasContentLength && r.expectedLength > 0:
		r.state = stateRecvLen
	default:
		r.state = stateRecvUntilClose
	}
}

func (r *Request) feedBodyLocked(data []byte) {
	switch r.state {
	case stateRecvLen:
		r.appendBodyLocked(data)
		r.bodyReceived += int64(len(data))
		if r.bodyReceived >= r.expectedLength {
			r.succeedLocked()
		}
	case stateRecvUntilClose:
		r.appendBodyLocked(data)
	case stateRecvChunk:
		if err := r.feedChunkedLocked(data); err != nil {
			r.failLocked(err)
		}
	}
}

func (r *Request) appendBodyLocked(data []byte) {
	r.response.Body = append(r.response.Body, data...)
	if r.Options.Progress != nil {
		r.Options.Progress(append([]byte(nil), data...))
	}
}

// feedChunkedLocked implements the chunked decoder scratch-buffer
// algorithm from the design document. Caller holds r.mu.
func (r *Request) feedChunkedLocked(data []byte) error {
	r.chunkedPending = append(r.chunkedPending, data...)
	for {
		if r.chunkedLength == 0 {
			idx := bytes.Index(r.chunkedPending, crlf)
			if idx == -1 {
				if len(r.chunkedPending) > 1024 {
					return errors.Wrap(ErrProtocol, "bad chunked length")
				}
				return nil
			}
			line := r.chunkedPending[:idx]
			r.chunkedPending = r.chunkedPending[idx+2:]
			if i := bytes.IndexByte(line, ';'); i != -1 {
				line = line[:i]
			}
			line = bytes.TrimSpace(line)
			line = bytes.TrimLeft(line, "0")
			var length int64
			if len(line) > 0 {
				n, err := strconv.ParseInt(string(line), 16, 64)
				if err != nil {
					return errors.Wrapf(ErrProtocol, "bad chunked length %q", line)
				}
				length = n
			}
			if length == 0 {
				r.succeedLocked()
				return nil
			}
			r.chunkedLength = int(length) + 2
		}

		if len(r.chunkedPending) < r.chunkedLength {
			return nil
		}
		chunk := r.chunkedPending[:r.chunkedLength-2]
		r.chunkedPending = r.chunkedPending[r.chunkedLength:]
		r.chunkedLength = 0
		r.appendBodyLocked(chunk)
	}
}

func (r *Request) handleClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	if r.state == stateRecvUntilClose {
		r.succeedLocked()
		return
	}
	r.failLocked(ErrConnectionClosed)
}

func (r *Request) handleError(err error) {
	if te, ok := errors.Cause(err).(*pool.TimeoutError); ok {
		if te.Errno == 1 {
			err = errors.Wrap(ErrConnectTimeout, te.Error())
		} else {
			err = errors.Wrap(ErrReadTimeout, te.Error())
		}
	}
	r.failWith(err)
}

func (r *Request) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(err)
}

func (r *Request) failLocked(err error) {
	if r.done {
		return
	}
	r.done = true
	r.state = stateFailed
	if r.stopCh != nil {
		close(r.stopCh)
	}
	r.mu.Unlock()
	r.events.Emit("error", err)
	r.mu.Lock()
}

func (r *Request) succeedLocked() {
	if r.done {
		return
	}
	r.done = true
	r.state = stateDone
	if r.stopCh != nil {
		close(r.stopCh)
	}
	resp := r.response
	r.mu.Unlock()
	r.events.Emit("success", resp)
	r.mu.Lock()
}

// emitError is used for synchronous failures (like ErrRequestReused)
// that occur before the state machine has fully engaged.
func (r *Request) emitError(err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.state = stateFailed
	if r.stopCh != nil {
		close(r.stopCh)
	}
	r.mu.Unlock()
	r.events.Emit("error", err)
}

// Redirect applies the redirect rule from the design document to resp.
// It returns (nil, nil) if resp is not a redirect (not 3xx, or missing
// Location). It returns a fresh, unattached Request for the resolved
// target URL, carrying the same options (with Options.redirectCount
// incremented), or ErrTooManyRedirects if the chain has grown too
// long.
func (r *Request) Redirect(resp *Response) (*Request, error) {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return nil, nil
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, nil
	}

	r.Options.redirectCount++
	if r.Options.redirectCount > r.Options.maxRedirects() {
		return nil, ErrTooManyRedirects
	}

	target, err := r.URL.Parse(loc)
	if err != nil {
		return nil, errors.Wrap(err, "wire: resolving redirect location")
	}

	opts := *r.Options
	opts.Header = cloneHeader(r.Options.Header)
	return NewRequest(target, &opts), nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
