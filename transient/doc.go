// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transient classifies errors from HTTP request execution as
// transient or non-transient. This is handy for writing retry policies,
// and for other purposes such as bucketing error metrics.
//
// Beyond the standard library packages "errors" and "syscall", Categorize
// also recognizes the sentinel and typed errors that httpq's own pool and
// wire packages produce, and the root package's ErrHopTimeout, so it
// imports all three. It brings no
// dependency beyond what the rest of httpq already requires.
package transient
