// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package httpq

import (
	"container/list"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nsona/httpq/batch"
	"github.com/nsona/httpq/pool"
	"github.com/nsona/httpq/timeout"
	"github.com/nsona/httpq/wire"
)

// ErrHopTimeout is delivered when a Client's TimeoutPolicy expires
// before a single hop (the initial request, or one redirect) finishes,
// distinct from pool.Config's own connect/read timeouts which bound
// socket I/O rather than the whole hop.
var ErrHopTimeout = errors.New("httpq: hop timeout")

// Metrics is an optional set of counters a Client reports into, so an
// operator can wire whichever metrics library it prefers without the
// core depending on one.
type Metrics struct {
	OnFetch   func(pool.Origin)
	OnRecycle func(pool.Origin)
	OnTimeout func(pool.Origin, error)
}

// Client dispatches HTTP requests over a per-origin connection pool.
// The zero value is ready to use: it lazily builds a Pool with
// pool.DefaultConfig on first use. Set Pool, Logger, TimeoutPolicy, or
// Metrics before the first call to customize it.
type Client struct {
	Pool          *pool.Pool
	Logger        *logrus.Logger
	TimeoutPolicy timeout.Policy
	Metrics       *Metrics
	Clock         clock.Clock

	initOnce sync.Once
	mu       sync.Mutex
	queues   map[pool.Origin]*list.List
}

func (c *Client) init() {
	c.initOnce.Do(func() {
		if c.Pool == nil {
			c.Pool = pool.New(pool.DefaultConfig())
		}
		if c.Clock == nil {
			c.Clock = clock.New()
		}
		c.queues = make(map[pool.Origin]*list.List)
		c.Pool.On("idle", func(args ...interface{}) {
			origin := args[0].(pool.Origin)
			c.pump(origin)
		})
	})
}

// NewBatch returns a Batch that submits requests through this Client.
func (c *Client) NewBatch() *batch.Batch {
	c.init()
	return batch.New(c)
}

// Get issues a GET request and blocks until it completes or fails.
func (c *Client) Get(rawURL string) (*wire.Response, error) {
	return c.Do(rawURL, wire.Options{Method: "GET"})
}

// Post issues a POST request with the given content type and body, and
// blocks until it completes or fails.
func (c *Client) Post(rawURL, contentType string, body []byte) (*wire.Response, error) {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return c.Do(rawURL, wire.Options{Method: "POST", Header: h, Body: body})
}

// Do enqueues a single request and blocks the calling goroutine until
// it succeeds or fails, returning the final response after any
// redirects have been followed. This is the Client's realization of
// the originating design's "suspend the caller if no Success callback
// was supplied": Do always suspends its caller, whereas Enqueue (used
// directly by Batch) never does, since Batch synthesizes its own
// suspension across every request it submits.
func (c *Client) Do(rawURL string, opts wire.Options) (*wire.Response, error) {
	type outcome struct {
		resp *wire.Response
		err  error
	}
	ch := make(chan outcome, 1)

	userSuccess := opts.Success
	userError := opts.Error
	opts.Success = func(resp *wire.Response) {
		if userSuccess != nil {
			userSuccess(resp)
		}
		ch <- outcome{resp: resp}
	}
	opts.Error = func(err error) {
		if userError != nil {
			userError(err)
		}
		ch <- outcome{err: err}
	}

	c.Enqueue(rawURL, opts)
	o := <-ch
	return o.resp, o.err
}

// Enqueue submits a single request without waiting for it to
// complete; opts.Success and opts.Error, if set, are invoked from
// whichever goroutine ends up servicing the request's connection. An
// error for a URL that cannot be parsed or has no host is delivered on
// a new goroutine, never on the caller's.
// Enqueue implements batch.Enqueuer.
func (c *Client) Enqueue(rawURL string, opts wire.Options) {
	c.init()

	u, err := url.Parse(rawURL)
	if err != nil {
		if opts.Error != nil {
			go opts.Error(errors.Wrap(err, "httpq: parse url"))
		}
		return
	}
	origin, err := pool.ParseOrigin(u)
	if err != nil {
		if opts.Error != nil {
			go opts.Error(err)
		}
		return
	}

	req := wire.NewRequest(u, &opts)
	c.submit(origin, req, 0, false, false)
}

func (c *Client) pushBack(origin pool.Origin, req *wire.Request) *list.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[origin]
	if q == nil {
		q = list.New()
		c.queues[origin] = q
	}
	return q.PushBack(req)
}

func (c *Client) pushFront(origin pool.Origin, req *wire.Request) *list.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[origin]
	if q == nil {
		q = list.New()
		c.queues[origin] = q
	}
	return q.PushFront(req)
}

func (c *Client) removeIfFront(origin pool.Origin, req *wire.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[origin]
	if q == nil || q.Len() == 0 {
		return false
	}
	front := q.Front()
	if front.Value.(*wire.Request) != req {
		return false
	}
	q.Remove(front)
	if q.Len() == 0 {
		delete(c.queues, origin)
	}
	return true
}

// submit arms a request's terminal listeners and hop-timeout watchdog,
// places it on origin's queue, and attempts to advance that queue.
// Listeners must be armed before the request is ever attached to a
// connection: End can complete synchronously (a reused idle
// connection's Write, or a same-process pipe in tests), so arming
// after enqueuing risks missing a "success" or "error" emitted before
// the listener existed.
func (c *Client) submit(origin pool.Origin, req *wire.Request, hop int, prevTimedOut, front bool) {
	c.armHop(origin, req, hop, prevTimedOut)
	if front {
		c.pushFront(origin, req)
	} else {
		c.pushBack(origin, req)
	}
	c.pump(origin)
}

// pump attempts to advance origin's queue as far as pool admission
// allows: fetch a connection for the head request, attach and send
// it, and repeat for the next request in line. It returns as soon as
// the queue is empty or the pool refuses admission for origin; the
// pool's "idle" event, which fires on every Recycle, is what wakes a
// blocked queue back into pump.
func (c *Client) pump(origin pool.Origin) {
	for {
		c.mu.Lock()
		q := c.queues[origin]
		if q == nil || q.Len() == 0 {
			c.mu.Unlock()
			return
		}
		req := q.Front().Value.(*wire.Request)
		c.mu.Unlock()

		if req.Conn() != nil {
			// Already attached by an earlier pass over this queue;
			// nothing left to fetch for this element.
			return
		}

		conn, err := c.Pool.Fetch(origin)
		if err != nil {
			c.removeIfFront(origin, req)
			c.failOutsideChain(req, err)
			continue
		}
		if conn == nil {
			return
		}
		if !c.removeIfFront(origin, req) {
			// Raced with something else consuming the head; put the
			// connection back rather than leaking it.
			c.Pool.Recycle(conn)
			continue
		}

		c.fireFetch(origin)
		c.attach(origin, conn, req)
	}
}

func (c *Client) attach(origin pool.Origin, conn *pool.Conn, req *wire.Request) {
	req.Attach(conn)
	if conn.State() == pool.Connecting {
		c.Pool.Dial(conn, origin.Scheme == "https")
	}
	if err := req.End(); err != nil {
		c.logf(logrus.WarnLevel, "httpq: sending request to %s: %v", origin, err)
	}
}

// armHop wires the request's terminal listeners (fired at most once,
// by construction of wire.Request's own state machine) to the
// dispatcher's redirect/recycle/timeout logic, and starts the hop's
// timeout watchdog if a TimeoutPolicy is configured.
func (c *Client) armHop(origin pool.Origin, req *wire.Request, hop int, prevTimedOut bool) {
	var timedOut int32
	var timer *clock.Timer
	if c.TimeoutPolicy != nil {
		d := c.TimeoutPolicy.Timeout(timeout.Attempt{RedirectCount: hop, TimedOut: prevTimedOut})
		timer = c.Clock.AfterFunc(d, func() {
			atomic.StoreInt32(&timedOut, 1)
			if conn := req.Conn(); conn != nil {
				conn.Close()
			}
		})
	}
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	req.Once("success", func(args ...interface{}) {
		stop()
		resp := args[0].(*wire.Response)
		c.onSuccess(origin, req, resp, hop)
	})
	req.Once("error", func(args ...interface{}) {
		stop()
		err := args[0].(error)
		hopTimedOut := atomic.LoadInt32(&timedOut) == 1
		if hopTimedOut {
			err = errors.Wrap(ErrHopTimeout, err.Error())
			c.fireTimeout(origin, err)
		}
		c.onFailure(origin, req, err, hop, hopTimedOut)
	})
}

func (c *Client) onSuccess(origin pool.Origin, req *wire.Request, resp *wire.Response, hop int) {
	conn := req.Conn()
	c.recycleOrDrop(origin, req, conn)

	redirected, err := req.Redirect(resp)
	if err != nil {
		if req.Options.Error != nil {
			req.Options.Error(err)
		}
		c.pump(origin)
		return
	}
	if redirected == nil {
		if req.Options.Success != nil {
			req.Options.Success(resp)
		}
		c.pump(origin)
		return
	}

	newOrigin, operr := pool.ParseOrigin(redirected.URL)
	if operr != nil {
		if req.Options.Error != nil {
			req.Options.Error(operr)
		}
		c.pump(origin)
		return
	}
	c.logf(logrus.DebugLevel, "httpq: redirect %s -> %s", origin, newOrigin)
	c.submit(newOrigin, redirected, hop+1, false, true)
	c.pump(origin)
}

func (c *Client) onFailure(origin pool.Origin, req *wire.Request, err error, hop int, hopTimedOut bool) {
	if conn := req.Conn(); conn != nil {
		c.Pool.Delete(conn)
		conn.Close()
	}
	if req.Options.Error != nil {
		req.Options.Error(err)
	}
	c.pump(origin)
}

// failOutsideChain reports an error for a request that never reached
// the wire state machine (for example a Pool.Fetch error), so there is
// no "error" listener to route through.
func (c *Client) failOutsideChain(req *wire.Request, err error) {
	if req.Options.Error != nil {
		req.Options.Error(err)
	}
}

func (c *Client) recycleOrDrop(origin pool.Origin, req *wire.Request, conn *pool.Conn) {
	if conn == nil {
		return
	}
	if req.KeepAlive() {
		c.Pool.Recycle(conn)
		c.fireRecycle(origin)
	} else {
		c.Pool.Delete(conn)
		conn.Close()
	}
}

func (c *Client) fireFetch(o pool.Origin) {
	if c.Metrics != nil && c.Metrics.OnFetch != nil {
		c.Metrics.OnFetch(o)
	}
}

func (c *Client) fireRecycle(o pool.Origin) {
	if c.Metrics != nil && c.Metrics.OnRecycle != nil {
		c.Metrics.OnRecycle(o)
	}
}

func (c *Client) fireTimeout(o pool.Origin, err error) {
	if c.Metrics != nil && c.Metrics.OnTimeout != nil {
		c.Metrics.OnTimeout(o, err)
	}
}

func (c *Client) logf(level logrus.Level, format string, args ...interface{}) {
	if c.Logger == nil {
		return
	}
	c.Logger.Logf(level, format, args...)
}
