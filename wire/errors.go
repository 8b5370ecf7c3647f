// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import "github.com/pkg/errors"

// Sentinel errors surfaced to Request callbacks. Wrap them with
// github.com/pkg/errors so callers can recover the original cause with
// errors.Cause while still being able to use errors.Is against these
// values.
var (
	// ErrInvalidURL describes a request URL with no host. No function
	// in this module returns it: the dispatcher reports a missing host
	// with pool.ErrInvalidURL, from pool.ParseOrigin.
	ErrInvalidURL = errors.New("wire: invalid url")
	// ErrConnectTimeout indicates the pool destroyed the underlying
	// connection before it finished connecting. Errno() reports 1.
	ErrConnectTimeout = errors.New("wire: connect timeout")
	// ErrReadTimeout indicates the pool destroyed the underlying
	// connection because the response did not complete in time.
	// Errno() reports 128.
	ErrReadTimeout = errors.New("wire: read timeout")
	// ErrProtocol indicates a malformed status line or chunk framing.
	ErrProtocol = errors.New("wire: protocol error")
	// ErrTooManyRedirects indicates a redirect chain exceeded its
	// configured maximum.
	ErrTooManyRedirects = errors.New("wire: too many redirects")
	// ErrConnectionClosed indicates the peer closed the connection
	// before the response completed, other than in read-until-close
	// mode where a close is the expected terminator.
	ErrConnectionClosed = errors.New("wire: connection closed before response completed")
	// ErrRequestReused indicates End was called on a Request that had
	// already been sent.
	ErrRequestReused = errors.New("wire: request is not writable")
	// ErrCanceled indicates the request's Options.Context was canceled
	// or exceeded its deadline before the response completed.
	ErrCanceled = errors.New("wire: request canceled")
)

// Errno implements the legacy numeric error-code contract the
// originating spec surfaces to callbacks (1 for a connect timeout, 128
// for a read timeout). Errno returns 0 for every other error,
// including nil.
func Errno(err error) int {
	switch errors.Cause(err) {
	case ErrConnectTimeout:
		return 1
	case ErrReadTimeout:
		return 128
	default:
		return 0
	}
}
