// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package timeout

import "time"

// An Attempt describes the state of one hop in a redirect chain at the
// moment a Policy is consulted for the next hop's timeout. Unlike the
// originating package's request.Execution, Attempt does not carry an
// http.Request/Response, because httpq's dispatcher does not delegate
// to net/http: it drives the wire package's own connection state
// machine, whose per-attempt timeouts are already enforced by the
// pool's connect/read timeouts. Policy exists for the one place httpq
// still needs a per-hop budget of its own: bounding how long a single
// redirect hop, including connection setup, may take before the
// dispatcher gives up on the whole chain.
type Attempt struct {
	// RedirectCount is the zero-based number of the hop about to be
	// attempted: zero for the initial request, one for the first
	// redirect, and so on.
	RedirectCount int
	// TimedOut is true if the immediately preceding hop in the chain
	// ended because of a connect or read timeout.
	TimedOut bool
}

// A Policy directs how long httpq.Client should allow for a single hop
// (initial request or redirect) in a request's lifetime.
//
// Implementations of Policy must be safe for concurrent use by
// multiple goroutines.
type Policy interface {
	// Timeout returns the timeout to use for the upcoming hop
	// described by a.
	Timeout(a Attempt) time.Duration
}

// DefaultPolicy is the default timeout policy. It sets a fixed timeout
// of 30 seconds on each hop, matching the pool's own default read
// timeout.
var DefaultPolicy Policy = Fixed(30 * time.Second)

// Infinite is a built-in timeout policy which never times out.
var Infinite Policy = Fixed(1<<63 - 1)

// Fixed constructs a timeout policy that returns d for every hop.
func Fixed(d time.Duration) Policy {
	return policy([]time.Duration{d})
}

// Adaptive constructs a timeout policy that varies the next hop's
// timeout if the previous hop timed out.
//
// Parameter usual is returned for any hop whose Attempt.TimedOut is
// false. Parameter after contains the values to use when TimedOut is
// true, indexed by the hop's Attempt.RedirectCount: after[0] for hop
// zero, after[1] for hop one, and so on; once RedirectCount is
// len(after) or more, the last element of after is reused. With no
// after values, usual is returned for every hop.
func Adaptive(usual time.Duration, after ...time.Duration) Policy {
	p := make([]time.Duration, 1, 1+len(after))
	p[0] = usual
	return policy(append(p, after...))
}

type policy []time.Duration

func (p policy) Timeout(a Attempt) time.Duration {
	if !a.TimedOut {
		return p[0]
	}
	i := a.RedirectCount + 1
	if i > len(p)-1 {
		i = len(p) - 1
	}
	return p[i]
}
