// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package httpq is an asynchronous HTTP/1.1 client built around a
per-origin connection pool. Unlike net/http.Client, httpq drives its
own wire protocol (package wire) over pooled sockets (package pool) so
a request's lifecycle - connect, send, receive, redirect, recycle - is
visible as a small set of named events (package event) instead of a
single blocking call.

Create a Client to begin making requests. The zero value is ready to
use:

	client := &httpq.Client{}
	resp, err := client.Get("https://example.com")
	...
	resp, err := client.Post("https://example.com/upload",
		"application/json", body)

Do blocks the calling goroutine until the request (and any redirects
it follows) completes. For fire-and-forget submission, for example to
run many requests concurrently, use Enqueue directly or build a Batch:

	b := client.NewBatch()
	b.Push("https://example.com/a", wire.Options{})
	b.Push("https://example.com/b", wire.Options{})
	results, err := b.Await(true)

For control over how many connections the client keeps open per
origin, and its connect/read/keepalive timeouts, supply a custom Pool:

	client := &httpq.Client{
		Pool: pool.New(pool.Config{
			MaxConnPerAddr: 32,
			Timeout:        10 * time.Second,
		}),
	}

For control over the budget a single hop (the initial request, or one
redirect) gets before the dispatcher gives up on the whole chain, set
a TimeoutPolicy using package timeout:

	client := &httpq.Client{
		TimeoutPolicy: timeout.Fixed(10 * time.Second),
	}

To classify an error returned by Do for retry purposes, use package
transient:

	if transient.Categorize(err) != transient.Not {
		// safe to retry with backoff; httpq itself never retries.
	}

Package httpq deliberately has no automatic retry logic: that decision,
and its timing, belongs to the caller.
*/
package httpq
