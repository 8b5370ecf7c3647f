// Copyright 2021 The httpx Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package batch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsona/httpq/wire"
)

// fakeEnqueuer completes every submitted request from its own
// goroutine, in whatever order they arrive, letting Await's ordering
// guarantee be exercised against out-of-order completion.
type fakeEnqueuer struct {
	fail map[string]error
}

func (f *fakeEnqueuer) Enqueue(url string, opts wire.Options) {
	go func() {
		if err, ok := f.fail[url]; ok {
			if opts.Error != nil {
				opts.Error(err)
			}
			return
		}
		if opts.Success != nil {
			opts.Success(&wire.Response{StatusCode: 200, Body: []byte(url)})
		}
	}()
}

func TestAwaitPreservesSubmissionOrder(t *testing.T) {
	fe := &fakeEnqueuer{}
	b := New(fe)
	for i := 0; i < 20; i++ {
		b.Push(fmt.Sprintf("url-%d", i), wire.Options{})
	}

	results, err := b.Await(false)
	require.NoError(t, err)
	require.Len(t, results, 20)
	for i, r := range results {
		assert.True(t, r.OK)
		assert.Equal(t, fmt.Sprintf("url-%d", i), string(r.Response.Body))
	}
}

func TestAwaitThrowOnError(t *testing.T) {
	failErr := fmt.Errorf("boom")
	fe := &fakeEnqueuer{fail: map[string]error{"url-1": failErr}}
	b := New(fe)
	b.Push("url-0", wire.Options{})
	b.Push("url-1", wire.Options{})
	b.Push("url-2", wire.Options{})

	results, err := b.Await(true)
	require.Error(t, err)
	assert.Equal(t, failErr, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, failErr, results[1].Err)
}

func TestAwaitDrainsPendingItems(t *testing.T) {
	fe := &fakeEnqueuer{}
	b := New(fe)
	b.Push("url-0", wire.Options{})

	results, err := b.Await(false)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// A second Await with nothing pushed since must return empty.
	results, err = b.Await(false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAddBatch(t *testing.T) {
	fe := &fakeEnqueuer{}
	b := New(fe)
	b.AddBatch([]BatchItem{
		{URL: "url-a", Options: wire.Options{}},
		{URL: "url-b", Options: wire.Options{}},
	})

	results, err := b.Await(false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "url-a", string(results[0].Response.Body))
	assert.Equal(t, "url-b", string(results[1].Response.Body))
}

func TestPushIsConcurrencySafe(t *testing.T) {
	fe := &fakeEnqueuer{}
	b := New(fe)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Push(fmt.Sprintf("url-%d", i), wire.Options{})
		}(i)
	}
	wg.Wait()

	results, err := b.Await(false)
	require.NoError(t, err)
	assert.Len(t, results, 50)
}
