// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package batch implements the parallel-await primitive: submit N
// requests, suspend until all complete, and return their results in
// submission order regardless of completion order. It is grounded on
// the goroutine-per-attempt fan-out used by the racing package's
// scheduler, generalized from racing N attempts of one request to
// racing N distinct requests to completion.
package batch

import (
	"sync"

	"github.com/nsona/httpq/wire"
)

// Enqueuer is the subset of a dispatcher a Batch needs: the ability to
// submit one request, described by a URL and an option bag, without
// waiting for it to complete. Client (the root package) implements
// this interface.
type Enqueuer interface {
	Enqueue(url string, opts wire.Options)
}

type pending struct {
	url  string
	opts wire.Options
}

// Result is the outcome of one request submitted through a Batch.
type Result struct {
	OK       bool
	Response *wire.Response
	Err      error
}

// A Batch accumulates requests to run in parallel and reports their
// outcomes together, preserving submission order.
type Batch struct {
	client Enqueuer

	mu    sync.Mutex
	items []pending
}

// New constructs a Batch that submits its requests through client.
func New(client Enqueuer) *Batch {
	return &Batch{client: client}
}

// Push appends a single request to the batch.
func (b *Batch) Push(url string, opts wire.Options) {
	b.mu.Lock()
	b.items = append(b.items, pending{url: url, opts: opts})
	b.mu.Unlock()
}

// BatchItem is one element of the slice passed to AddBatch.
type BatchItem struct {
	URL     string
	Options wire.Options
}

// AddBatch extends the batch with every item in items, in order.
func (b *Batch) AddBatch(items []BatchItem) {
	b.mu.Lock()
	for _, it := range items {
		b.items = append(b.items, pending{url: it.URL, opts: it.Options})
	}
	b.mu.Unlock()
}

// Await issues every pending request and blocks until all of them have
// completed, then returns their results in submission order. The
// pending list is drained by Await, so a second call only awaits
// requests pushed since the first call returned.
//
// If throwOnError is true, Await returns the first encountered error
// (in submission order) as its own error return, in addition to
// returning the full result slice; the caller decides whether to
// treat that as fatal. If throwOnError is false, Await's error return
// is always nil and per-request failures are only visible in the
// corresponding Result.
func (b *Batch) Await(throwOnError bool) ([]Result, error) {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()

	n := len(items)
	results := make([]Result, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for i, it := range items {
		i, it := i, it
		userSuccess := it.opts.Success
		userError := it.opts.Error
		opts := it.opts
		opts.Success = func(resp *wire.Response) {
			results[i] = Result{OK: true, Response: resp}
			if userSuccess != nil {
				userSuccess(resp)
			}
			wg.Done()
		}
		opts.Error = func(err error) {
			results[i] = Result{OK: false, Err: err}
			if userError != nil {
				userError(err)
			}
			wg.Done()
		}
		b.client.Enqueue(it.url, opts)
	}

	wg.Wait()

	if throwOnError {
		for _, r := range results {
			if !r.OK {
				return results, r.Err
			}
		}
	}
	return results, nil
}
