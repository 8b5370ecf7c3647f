// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package pool implements a per-origin pool of pooled HTTP/1.1
// connections: idle/in-use bookkeeping, per-origin admission control,
// and the background sweep that enforces connect, read, and keepalive
// timeouts.
package pool

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nsona/httpq/event"
)

// Origin is the tuple (scheme, host, port) that uniquely identifies an
// HTTP server endpoint for the purposes of connection pooling.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// String returns the origin's canonical serialization, "tcp://host:port".
func (o Origin) String() string {
	return fmt.Sprintf("tcp://%s:%d", o.Host, o.Port)
}

// ParseOrigin extracts the pooling key from a request URL.
func ParseOrigin(u *url.URL) (Origin, error) {
	host := u.Hostname()
	if host == "" {
		return Origin{}, ErrInvalidURL
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Origin{}, errors.Wrap(ErrInvalidURL, "bad port")
		}
		port = n
	}
	return Origin{Scheme: scheme, Host: host, Port: port}, nil
}

// ErrInvalidURL is returned by ParseOrigin when the URL has no host.
var ErrInvalidURL = errors.New("pool: invalid url: missing host")

// State is the lifecycle state of a pooled connection, sourced from
// its underlying socket.
type State int

const (
	Connecting State = iota
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Established:
		return "ESTABLISHED"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TimeoutError is delivered to a connection's OnError callback when the
// pool's background sweep destroys the connection for exceeding its
// connect or read timeout. Errno mirrors the legacy numeric error
// codes from the originating spec (1 for connect, 128 for read) so
// callers migrating from a callback-code contract can still branch on
// it.
type TimeoutError struct {
	Errno int
	msg   string
}

func (e *TimeoutError) Error() string { return e.msg }

// Callbacks are the mutable, per-attachment slots a Conn exposes to
// whichever request currently owns it. The pool clears every field to
// its zero value when it recycles a connection, which is this
// package's replacement for the dynamic property deletion used by the
// system this design is descended from.
type Callbacks struct {
	OnConnect     func()
	OnMessage     func(p []byte)
	OnClose       func()
	OnError       func(err error)
	OnBufferFull  func()
	OnBufferDrain func()
}

// Conn is one pooled TCP (optionally TLS-wrapped) socket to an Origin.
// A Conn is owned by exactly one of the pool's idle set, the pool's
// in-use set, or nothing (once destroyed).
type Conn struct {
	ID     uint64
	Origin Origin

	mu          sync.Mutex
	state       State
	netConn     net.Conn
	connectTime time.Time
	idleTime    time.Time
	requestTime time.Time
	callbacks   Callbacks
	closed      bool
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectTime, IdleTime, and RequestTime report the lifecycle
// timestamps documented in the data model: when the connection was
// created, when it was last returned to the idle set, and when it was
// last handed to a request, respectively.
func (c *Conn) ConnectTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectTime
}
func (c *Conn) IdleTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleTime
}
func (c *Conn) RequestTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestTime
}

// SetCallbacks installs the callback slots a request will observe for
// this connection's lifetime. It overwrites any previously installed
// callbacks; the caller is responsible for calling SetCallbacks again
// (or letting Pool.Recycle clear them) once its request is finished
// with the connection.
func (c *Conn) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()
}

// Write sends p on the underlying socket. It is an error to call Write
// before the connection reaches the Established state.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	nc := c.netConn
	st := c.state
	c.mu.Unlock()
	if st != Established || nc == nil {
		return 0, errors.Errorf("pool: write on connection in state %s", st)
	}
	return nc.Write(p)
}

// Close closes the underlying socket exactly once and marks the
// connection Closed. It does not remove the connection from any pool
// map; callers use Pool.Delete for that.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = Closed
	nc := c.netConn
	c.mu.Unlock()
	if nc != nil {
		return nc.Close()
	}
	return nil
}

func (c *Conn) startReadLoop() {
	go func() {
		buf := make([]byte, 16*1024)
		for {
			c.mu.Lock()
			nc := c.netConn
			c.mu.Unlock()
			if nc == nil {
				return
			}
			n, err := nc.Read(buf)
			if n > 0 {
				c.mu.Lock()
				cb := c.callbacks.OnMessage
				c.mu.Unlock()
				if cb != nil {
					msg := make([]byte, n)
					copy(msg, buf[:n])
					cb(msg)
				}
			}
			if err != nil {
				c.mu.Lock()
				closeCb := c.callbacks.OnClose
				errCb := c.callbacks.OnError
				c.mu.Unlock()
				if errors.Is(err, io.EOF) {
					if closeCb != nil {
						closeCb()
					}
				} else if errCb != nil {
					errCb(err)
				}
				return
			}
		}
	}()
}

// Config is the pool's option bag. Field names are frozen to match the
// wire-compatible names in the originating specification.
type Config struct {
	MaxConnPerAddr   int
	KeepAliveTimeout time.Duration
	ConnectTimeout   time.Duration
	Timeout          time.Duration

	// TLSConfig is used for the TLS handshake on https origins when
	// non-nil. When nil and AllowInsecureTLS is true, the pool falls
	// back to a default configuration equivalent to the originating
	// spec's insecure default (certificate and hostname verification
	// disabled). When nil and AllowInsecureTLS is false, the pool uses
	// the standard library's default verifying TLS configuration.
	TLSConfig        *tls.Config
	AllowInsecureTLS bool

	// Clock supplies the pool's notion of "now" for connect, read, and
	// keepalive timeout accounting. It defaults to the real wall
	// clock; tests substitute clock.NewMock to exercise timeouts
	// without sleeping.
	Clock clock.Clock

	Logger *logrus.Logger
}

// DefaultConfig returns the pool's default option bag: 128 connections
// per address, a 15s keepalive timeout, and 30s connect/read timeouts.
func DefaultConfig() Config {
	return Config{
		MaxConnPerAddr:   128,
		KeepAliveTimeout: 15 * time.Second,
		ConnectTimeout:   30 * time.Second,
		Timeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConnPerAddr <= 0 {
		c.MaxConnPerAddr = 128
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 15 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Pool owns every pooled connection for every origin it has served.
// The zero value is not usable; construct a Pool with New.
type Pool struct {
	cfg Config

	mu    sync.Mutex
	idle  map[Origin][]*Conn
	using map[Origin]map[*Conn]struct{}

	events   event.Emitter
	sweeping bool

	nextID uint64
}

// New constructs a Pool with the given configuration, filling in any
// zero-valued fields from DefaultConfig.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:   cfg.withDefaults(),
		idle:  make(map[Origin][]*Conn),
		using: make(map[Origin]map[*Conn]struct{}),
	}
}

// On installs a persistent listener for one of the pool's lifecycle
// events. The only event currently emitted is "idle", fired with the
// affected Origin every time Recycle runs, regardless of whether the
// connection was actually returned to the idle set.
func (p *Pool) On(name string, fn event.Listener) { p.events.On(name, fn) }

// Fetch returns a usable connection for origin, or (nil, nil) if
// admission is refused because origin already has MaxConnPerAddr
// connections in use. If an idle connection exists it is returned
// immediately in the Established state. Otherwise, if admission
// allows, a new connection is allocated in the Connecting state and
// returned without having begun dialing: the caller must install
// callbacks with Conn.SetCallbacks and then call Pool.Dial to start
// the connection attempt. This split (rather than dialing inline)
// avoids a race between the dial completing and the caller wiring
// callbacks, which the source design does not have to contend with
// because it runs on a single-threaded event loop.
func (p *Pool) Fetch(origin Origin) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bucket := p.idle[origin]; len(bucket) > 0 {
		c := bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
		if len(bucket) == 0 {
			delete(p.idle, origin)
		} else {
			p.idle[origin] = bucket
		}
		p.usingSetLocked(origin)[c] = struct{}{}
		c.mu.Lock()
		c.requestTime = p.cfg.Clock.Now()
		c.mu.Unlock()
		p.ensureSweepLocked()
		return c, nil
	}

	using := p.usingSetLocked(origin)
	if len(using) >= p.cfg.MaxConnPerAddr {
		return nil, nil
	}

	id := atomic.AddUint64(&p.nextID, 1)
	now := p.cfg.Clock.Now()
	c := &Conn{
		ID:          id,
		Origin:      origin,
		state:       Connecting,
		connectTime: now,
		requestTime: now,
	}
	using[c] = struct{}{}
	p.ensureSweepLocked()
	return c, nil
}

func (p *Pool) usingSetLocked(origin Origin) map[*Conn]struct{} {
	set, ok := p.using[origin]
	if !ok {
		set = make(map[*Conn]struct{})
		p.using[origin] = set
	}
	return set
}

// Dial begins the asynchronous connect for a connection previously
// returned by Fetch in the Connecting state. It is a no-op if the
// connection is not in the Connecting state (for example if it was
// returned already Established from the idle set).
func (p *Pool) Dial(c *Conn, useTLS bool) {
	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go func() {
		addr := net.JoinHostPort(c.Origin.Host, strconv.Itoa(c.Origin.Port))
		d := net.Dialer{Timeout: p.cfg.ConnectTimeout}
		netConn, err := d.Dial("tcp", addr)
		if err == nil && useTLS {
			cfg := p.tlsConfig()
			if cfg.ServerName == "" {
				cfg.ServerName = c.Origin.Host
			}
			tlsConn := tls.Client(netConn, cfg)
			if hsErr := tlsConn.Handshake(); hsErr != nil {
				netConn.Close()
				err = hsErr
			} else {
				netConn = tlsConn
			}
		}
		if err != nil {
			c.mu.Lock()
			c.state = Closed
			errCb := c.callbacks.OnError
			c.mu.Unlock()
			p.logf(logrus.WarnLevel, "pool: dial %s failed: %v", c.Origin, err)
			if errCb != nil {
				errCb(err)
			}
			p.Delete(c)
			return
		}
		c.mu.Lock()
		c.netConn = netConn
		c.state = Established
		connectCb := c.callbacks.OnConnect
		c.mu.Unlock()
		c.startReadLoop()
		if connectCb != nil {
			connectCb()
		}
	}()
}

func (p *Pool) tlsConfig() *tls.Config {
	if p.cfg.TLSConfig != nil {
		return p.cfg.TLSConfig.Clone()
	}
	if p.cfg.AllowInsecureTLS {
		return &tls.Config{InsecureSkipVerify: true}
	}
	return &tls.Config{}
}

// Recycle removes conn from the in-use set. If conn is Established, it
// clears the connection's callbacks, stamps its idle time, and returns
// it to the idle set; otherwise the connection is dropped and closed.
// Recycle always emits "idle" for conn's origin so a dispatcher waiting
// on that origin's queue is woken, regardless of whether the
// connection was actually returned to the idle set.
func (p *Pool) Recycle(c *Conn) {
	origin := c.Origin

	p.mu.Lock()
	if set, ok := p.using[origin]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(p.using, origin)
		}
	}

	c.mu.Lock()
	established := c.state == Established
	if established {
		c.callbacks = Callbacks{}
		c.idleTime = p.cfg.Clock.Now()
	}
	c.mu.Unlock()

	if established {
		p.idle[origin] = append(p.idle[origin], c)
	}

	if len(p.idle[origin]) == 0 && len(p.using[origin]) == 0 {
		delete(p.idle, origin)
		delete(p.using, origin)
	}
	p.mu.Unlock()

	if !established {
		c.Close()
	}

	p.events.Emit("idle", origin)
}

// Delete removes conn from both the idle and in-use sets without
// closing its socket.
func (p *Pool) Delete(c *Conn) {
	origin := c.Origin
	p.mu.Lock()
	if set, ok := p.using[origin]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(p.using, origin)
		}
	}
	if bucket, ok := p.idle[origin]; ok {
		kept := bucket[:0:0]
		for _, ic := range bucket {
			if ic != c {
				kept = append(kept, ic)
			}
		}
		if len(kept) == 0 {
			delete(p.idle, origin)
		} else {
			p.idle[origin] = kept
		}
	}
	p.mu.Unlock()
}

// removeAndClose deletes conn from the pool and closes its socket. It
// is the pairing used by the background sweep.
func (p *Pool) removeAndClose(c *Conn) {
	p.Delete(c)
	c.Close()
}

func (p *Pool) ensureSweepLocked() {
	if p.sweeping {
		return
	}
	p.sweeping = true
	ticker := p.cfg.Clock.Ticker(time.Second)
	go p.sweepLoop(ticker)
}

func (p *Pool) sweepLoop(ticker *clock.Ticker) {
	defer ticker.Stop()
	for range ticker.C {
		if !p.sweepOnce() {
			p.mu.Lock()
			p.sweeping = false
			p.mu.Unlock()
			return
		}
	}
}

type expiry struct {
	conn *Conn
	kind string // "connect" or "read"
}

// sweepOnce runs a single pass of the background timeout sweep and
// reports whether any origin is still tracked afterward (the pool
// keeps sweeping iff at least one origin key exists somewhere, per the
// pooling invariants).
func (p *Pool) sweepOnce() bool {
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	var idleDead []*Conn
	for origin, bucket := range p.idle {
		kept := bucket[:0:0]
		for _, c := range bucket {
			c.mu.Lock()
			expired := now.Sub(c.idleTime) >= p.cfg.KeepAliveTimeout
			c.mu.Unlock()
			if expired {
				idleDead = append(idleDead, c)
			} else {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(p.idle, origin)
		} else {
			p.idle[origin] = kept
		}
	}

	var expired []expiry
	for _, set := range p.using {
		for c := range set {
			c.mu.Lock()
			switch {
			case c.state == Connecting && now.Sub(c.connectTime) >= p.cfg.ConnectTimeout:
				c.callbacks.OnClose = nil
				expired = append(expired, expiry{conn: c, kind: "connect"})
			case c.state == Established && now.Sub(c.requestTime) >= p.cfg.Timeout:
				c.callbacks.OnClose = nil
				expired = append(expired, expiry{conn: c, kind: "read"})
			}
			c.mu.Unlock()
		}
	}
	p.mu.Unlock()

	for _, c := range idleDead {
		p.removeAndClose(c)
	}
	for _, x := range expired {
		p.expireLocked(x)
	}

	p.mu.Lock()
	remaining := len(p.idle) > 0 || len(p.using) > 0
	p.mu.Unlock()
	return remaining
}

func (p *Pool) expireLocked(x expiry) {
	c := x.conn
	c.mu.Lock()
	errCb := c.callbacks.OnError
	c.mu.Unlock()

	var errno int
	if x.kind == "connect" {
		errno = 1
	} else {
		errno = 128
	}
	timeout := p.cfg.ConnectTimeout
	if x.kind == "read" {
		timeout = p.cfg.Timeout
	}
	msg := fmt.Sprintf("%s %s timeout after %ds", x.kind, c.Origin, int(timeout/time.Second))
	err := &TimeoutError{Errno: errno, msg: msg}

	defer func() {
		if r := recover(); r != nil {
			p.removeAndClose(c)
			panic(r)
		}
	}()
	if errCb != nil {
		errCb(err)
	}
	p.removeAndClose(c)
}

func (p *Pool) logf(level logrus.Level, format string, args ...interface{}) {
	if p.cfg.Logger == nil {
		return
	}
	p.cfg.Logger.Logf(level, format, args...)
}
