// Copyright 2019 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commits

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmlab/revstore/hash"
)

type fakeClient struct {
	texts    map[hash.Hash][]byte
	calls    atomic.Int64
	corrupt  bool
	failures int
	partial  int // deliver one result then fail, this many times

	mu       sync.Mutex
	requests [][]hash.Hash
}

func (f *fakeClient) CommitTexts(ctx context.Context, ids []hash.Hash) (<-chan TextResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, append([]hash.Hash(nil), ids...))
	f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return nil, assert.AnError
	}

	failAfterOne := f.partial > 0
	if failAfterOne {
		f.partial--
	}

	out := make(chan TextResult, len(ids)+1)
	go func() {
		defer close(out)
		// deliberately reversed: response order is not request order
		for i := len(ids) - 1; i >= 0; i-- {
			text, ok := f.texts[ids[i]]
			if !ok {
				continue
			}
			if f.corrupt {
				text = append([]byte("garbage "), text...)
			}
			out <- TextResult{ID: ids[i], Text: text}
			if failAfterOne {
				out <- TextResult{Err: assert.AnError}
				return
			}
		}
	}()
	return out, nil
}

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := OpenLocalStore(filepath.Join(t.TempDir(), "commits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storeText(t *testing.T, remote *fakeClient, body string) hash.Hash {
	t.Helper()
	text := []byte(body)
	id := hash.Of(text)
	remote.texts[id] = text
	return id
}

func TestResolveLocalHit(t *testing.T) {
	local := newTestStore(t)
	text := []byte("commit: local")
	id := hash.Of(text)
	require.NoError(t, local.Put(id, text))

	r := NewResolver(local, nil, ResolverConfig{})
	got, err := r.ResolveText(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestSentinelsResolveWithoutLookup(t *testing.T) {
	local := newTestStore(t)
	remote := &fakeClient{texts: map[hash.Hash][]byte{}}
	r := NewResolver(local, remote, ResolverConfig{})

	for _, id := range []hash.Hash{hash.Null, hash.WorkingDir} {
		got, err := r.ResolveText(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	// virtual nodes never reach the server
	assert.Equal(t, int64(0), remote.calls.Load())
}

func TestRemoteFetchAndWriteBack(t *testing.T) {
	local := newTestStore(t)
	remote := &fakeClient{texts: map[hash.Hash][]byte{}}

	ids := make([]hash.Hash, 0, 5)
	for _, body := range []string{"c1", "c2", "c3", "c4", "c5"} {
		ids = append(ids, storeText(t, remote, "commit: "+body))
	}

	r := NewResolver(local, remote, ResolverConfig{})
	got := map[hash.Hash][]byte{}
	for res := range r.GetCommitTexts(context.Background(), ids) {
		require.NoError(t, res.Err)
		got[res.ID] = res.Text
	}
	require.Len(t, got, len(ids))
	for _, id := range ids {
		assert.Equal(t, remote.texts[id], got[id])
	}

	// a second resolve is served locally
	remote.calls.Store(0)
	for res := range r.GetCommitTexts(context.Background(), ids) {
		require.NoError(t, res.Err)
	}
	assert.Equal(t, int64(0), remote.calls.Load())
}

func TestRemoteBatching(t *testing.T) {
	local := newTestStore(t)
	remote := &fakeClient{texts: map[hash.Hash][]byte{}}

	var ids []hash.Hash
	for i := 0; i < 25; i++ {
		ids = append(ids, storeText(t, remote, string(rune('a'+i))))
	}

	r := NewResolver(local, remote, ResolverConfig{MaxBatchSize: 10})
	n := 0
	for res := range r.GetCommitTexts(context.Background(), ids) {
		require.NoError(t, res.Err)
		n++
	}
	assert.Equal(t, 25, n)
	assert.Equal(t, int64(3), remote.calls.Load())
}

func TestHashMismatchIsFatal(t *testing.T) {
	local := newTestStore(t)
	remote := &fakeClient{texts: map[hash.Hash][]byte{}, corrupt: true}
	id := storeText(t, remote, "commit: tampered")

	r := NewResolver(local, remote, ResolverConfig{MaxRetries: 5})
	_, err := r.ResolveText(context.Background(), id)
	assert.ErrorIs(t, err, ErrHashMismatch)

	// mismatched text is never cached
	_, err = local.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	// and integrity errors are not retried
	assert.Equal(t, int64(1), remote.calls.Load())
}

func TestRetriesAreOptIn(t *testing.T) {
	local := newTestStore(t)
	remote := &fakeClient{texts: map[hash.Hash][]byte{}, failures: 1}
	id := storeText(t, remote, "commit: flaky")

	// default: no automatic retry at this layer
	r := NewResolver(local, remote, ResolverConfig{})
	_, err := r.ResolveText(context.Background(), id)
	assert.Error(t, err)

	// with retries configured, the second attempt succeeds
	remote.failures = 1
	r = NewResolver(local, remote, ResolverConfig{MaxRetries: 2})
	got, err := r.ResolveText(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, remote.texts[id], got)
}

func TestRetryResendsOnlyUndelivered(t *testing.T) {
	local := newTestStore(t)
	remote := &fakeClient{texts: map[hash.Hash][]byte{}, partial: 1}

	var ids []hash.Hash
	for _, body := range []string{"r1", "r2", "r3"} {
		ids = append(ids, storeText(t, remote, "commit: "+body))
	}

	// first attempt streams one result then dies; the retry must not
	// re-emit it
	r := NewResolver(local, remote, ResolverConfig{MaxRetries: 2})
	counts := map[hash.Hash]int{}
	for res := range r.GetCommitTexts(context.Background(), ids) {
		require.NoError(t, res.Err)
		counts[res.ID]++
	}

	require.Len(t, counts, 3)
	for _, id := range ids {
		assert.Equal(t, 1, counts[id])
	}

	assert.Equal(t, int64(2), remote.calls.Load())
	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.Len(t, remote.requests, 2)
	assert.Len(t, remote.requests[0], 3)
	// the delivered id is dropped from the retried request
	assert.Len(t, remote.requests[1], 2)
}

func TestNoRemoteConfigured(t *testing.T) {
	local := newTestStore(t)
	r := NewResolver(local, nil, ResolverConfig{})

	_, err := r.ResolveText(context.Background(), hash.Of([]byte("nowhere")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPumpDrainsQueueAndStops(t *testing.T) {
	local := newTestStore(t)
	remote := &fakeClient{texts: map[hash.Hash][]byte{}}
	id := storeText(t, remote, "commit: prefetched")

	r := NewResolver(local, remote, ResolverConfig{})
	p := NewPump(r, 4)
	p.idleSleep = 5 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.True(t, p.Enqueue([]hash.Hash{id}))
	require.Eventually(t, func() bool {
		has, err := local.Has(id)
		return err == nil && has
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
	assert.False(t, p.Enqueue([]hash.Hash{id}))
}

func TestKeepAliveStandsDown(t *testing.T) {
	beats := 0
	err := KeepAlive(context.Background(), time.Millisecond, func(ctx context.Context) (bool, error) {
		beats++
		// another actor finished the work: stand down cleanly
		return beats == 3, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, beats)
}

func TestKeepAliveStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := KeepAlive(ctx, time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
