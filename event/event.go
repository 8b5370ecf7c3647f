// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package event provides a small named-event publish/subscribe hub,
// used throughout httpq to notify a request or a pool of connect,
// message, close, error, and lifecycle occurrences without coupling
// the notifier to a fixed set of consumers.
package event

import (
	"reflect"
	"sync"
)

// A Listener handles the occurrence of a named event. args carries the
// event-specific payload; its shape is a contract between the emitter
// and its listeners, not enforced by this package.
type Listener func(args ...interface{})

type entry struct {
	fn   Listener
	once bool
}

// An Emitter is a named-event pub/sub hub supporting persistent and
// one-shot listeners. The zero value is ready to use and is safe for
// concurrent use by multiple goroutines.
//
// Emitter never recovers from a panicking listener; the panic
// propagates to the caller of Emit, exactly as an uncaught exception
// would propagate out of a single-threaded emitter.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]entry
}

// On registers fn as a persistent listener for name. fn is invoked
// every time name is emitted, until removed with Off or OffAll.
func (e *Emitter) On(name string, fn Listener) {
	e.add(name, fn, false)
}

// Once registers fn as a one-shot listener for name. fn is invoked at
// most once: it is removed immediately after its first invocation.
func (e *Emitter) Once(name string, fn Listener) {
	e.add(name, fn, true)
}

func (e *Emitter) add(name string, fn Listener, once bool) {
	if fn == nil {
		panic("event: nil listener")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]entry)
	}
	e.listeners[name] = append(e.listeners[name], entry{fn: fn, once: once})
}

// Off removes every listener registered for name whose function is
// identity-equal to fn (compared by code pointer, since Go function
// values are not otherwise comparable), and emits "removeListener"
// with (name, fn) once per listener actually removed.
func (e *Emitter) Off(name string, fn Listener) {
	if fn == nil {
		return
	}
	target := reflect.ValueOf(fn).Pointer()
	e.mu.Lock()
	bucket := e.listeners[name]
	var removed int
	kept := bucket[:0:0]
	for _, en := range bucket {
		if reflect.ValueOf(en.fn).Pointer() == target {
			removed++
			continue
		}
		kept = append(kept, en)
	}
	if len(kept) == 0 {
		delete(e.listeners, name)
	} else {
		e.listeners[name] = kept
	}
	e.mu.Unlock()

	for i := 0; i < removed; i++ {
		e.Emit("removeListener", name, fn)
	}
}

// OffAll removes every listener registered for name, or every listener
// for every event if name is empty, emitting "removeListener" with
// name (which may be empty) before the removal takes effect.
func (e *Emitter) OffAll(name string) {
	e.Emit("removeListener", name)

	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" {
		e.listeners = nil
		return
	}
	delete(e.listeners, name)
}

// Emit invokes every listener registered for name, in the order they
// were registered, passing args to each. One-shot listeners are
// removed immediately after they are invoked. Emit returns true if at
// least one listener was registered for name when Emit was called.
//
// Emit takes a snapshot of the listener list before invoking any
// listener, so a listener that calls On, Once, or Off during its own
// invocation does not disturb the current Emit call's iteration.
func (e *Emitter) Emit(name string, args ...interface{}) bool {
	e.mu.Lock()
	bucket := e.listeners[name]
	if len(bucket) == 0 {
		e.mu.Unlock()
		return false
	}
	snapshot := make([]entry, len(bucket))
	copy(snapshot, bucket)
	e.mu.Unlock()

	for _, en := range snapshot {
		en.fn(args...)
		if en.once {
			e.removeExact(name, en.fn)
		}
	}
	return true
}

// removeExact removes the first remaining listener for name that is
// identity-equal to fn, without emitting removeListener (one-shot
// removal is an implementation detail of Emit, not a caller-initiated
// removal).
func (e *Emitter) removeExact(name string, fn Listener) {
	target := reflect.ValueOf(fn).Pointer()
	e.mu.Lock()
	defer e.mu.Unlock()
	bucket := e.listeners[name]
	for i, en := range bucket {
		if reflect.ValueOf(en.fn).Pointer() == target {
			e.listeners[name] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Listeners returns the count of listeners currently registered for
// name. It is intended for tests and diagnostics.
func (e *Emitter) Listeners(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[name])
}
