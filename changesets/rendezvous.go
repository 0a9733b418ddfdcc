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

package changesets

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scmlab/revstore/hash"
)

type fetchFunc func(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error)

// coalescer merges concurrent reads. With a window, callers arriving
// within it rendezvous into one batch and share a single backend
// query; the batch runs detached from any one caller's context, so a
// canceled rider does not fail the others. Without a window, identical
// concurrent queries still collapse through singleflight.
type coalescer struct {
	fetch  fetchFunc
	window time.Duration

	mu      sync.Mutex
	pending *rendezvous

	sf singleflight.Group
}

type rendezvous struct {
	ids    map[hash.Hash]struct{}
	done   chan struct{}
	result map[hash.Hash]Changeset
	err    error
}

func newCoalescer(fetch fetchFunc, window time.Duration) *coalescer {
	return &coalescer{fetch: fetch, window: window}
}

func (c *coalescer) getMany(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error) {
	if c.window <= 0 {
		return c.getDirect(ctx, ids)
	}

	c.mu.Lock()
	r := c.pending
	if r == nil {
		r = &rendezvous{
			ids:  make(map[hash.Hash]struct{}),
			done: make(chan struct{}),
		}
		c.pending = r
		go c.run(r)
	}
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	if r.err != nil {
		return nil, r.err
	}

	out := make(map[hash.Hash]Changeset, len(ids))
	for _, id := range ids {
		if rec, ok := r.result[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

// run waits out the window, detaches the batch so later callers start
// a new one, and executes the merged query.
func (c *coalescer) run(r *rendezvous) {
	time.Sleep(c.window)

	c.mu.Lock()
	if c.pending == r {
		c.pending = nil
	}
	ids := make([]hash.Hash, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	r.result, r.err = c.fetch(context.Background(), ids)
	close(r.done)
}

// getDirect collapses identical concurrent queries without delaying
// anyone.
func (c *coalescer) getDirect(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	sort.Strings(keys)
	key := strings.Join(keys, ",")

	ch := c.sf.DoChan(key, func() (interface{}, error) {
		return c.fetch(context.Background(), ids)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[hash.Hash]Changeset), nil
	}
}
