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

package dag

import (
	"container/heap"
	"context"

	"github.com/scmlab/revstore/hash"
)

// RevEntry is one vertex emitted by a revset stream.
type RevEntry struct {
	Vertex     hash.Hash
	Generation uint64
}

// Stream is a pull-based revset iterator. Entries arrive in descending
// generation order; within a generation, ascending vertex name. Next
// returns (nil, nil) when the stream is exhausted. A stream that
// returns an error is dead; further calls return the same error.
type Stream interface {
	Next(ctx context.Context) (*RevEntry, error)
}

// entryHeap orders RevEntries generation-descending, then vertex name
// ascending. The max element pops first.
type entryHeap []RevEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Generation != h[j].Generation {
		return h[i].Generation > h[j].Generation
	}
	return h[i].Vertex.Less(h[j].Vertex)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(RevEntry)) }

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// sliceStream replays a fixed set of entries. The constructor sorts
// them into stream order, so callers may pass entries in any order.
type sliceStream struct {
	entries []RevEntry
	pos     int
}

// NewSliceStream returns a Stream over |entries|.
func NewSliceStream(entries []RevEntry) Stream {
	sorted := make(entryHeap, len(entries))
	copy(sorted, entries)
	heap.Init(&sorted)
	ordered := make([]RevEntry, 0, len(entries))
	for sorted.Len() > 0 {
		ordered = append(ordered, heap.Pop(&sorted).(RevEntry))
	}
	return &sliceStream{entries: ordered}
}

func (s *sliceStream) Next(ctx context.Context) (*RevEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.entries) {
		return nil, nil
	}
	e := s.entries[s.pos]
	s.pos++
	return &e, nil
}

// Collect drains |s| into a slice. Intended for small result sets and
// tests; unbounded revsets should be consumed incrementally.
func Collect(ctx context.Context, s Stream) ([]RevEntry, error) {
	var out []RevEntry
	for {
		e, err := s.Next(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return out, nil
		}
		out = append(out, *e)
	}
}

// unionStream merges sources generation-descending with a one-entry
// lookahead per source, emitting each vertex exactly once. A vertex
// has one fixed generation, so the dedupe window only needs to span
// the generation currently being emitted.
type unionStream struct {
	sources []Stream
	next    []*RevEntry
	primed  bool
	err     error

	seenGen uint64
	seen    map[hash.Hash]struct{}
}

// Union returns a stream over the set union of |sources|. With no
// sources the stream is empty.
func Union(sources ...Stream) Stream {
	return &unionStream{sources: sources}
}

func (u *unionStream) prime(ctx context.Context) error {
	u.primed = true
	u.next = make([]*RevEntry, len(u.sources))
	u.seen = make(map[hash.Hash]struct{})
	for i := range u.sources {
		e, err := u.sources[i].Next(ctx)
		if err != nil {
			return err
		}
		u.next[i] = e
	}
	return nil
}

func (u *unionStream) Next(ctx context.Context) (*RevEntry, error) {
	if u.err != nil {
		return nil, u.err
	}
	if !u.primed {
		if err := u.prime(ctx); err != nil {
			u.err = err
			return nil, err
		}
	}

	for {
		best := -1
		for i, e := range u.next {
			if e == nil {
				continue
			}
			if best < 0 {
				best = i
				continue
			}
			b := u.next[best]
			if e.Generation > b.Generation ||
				(e.Generation == b.Generation && e.Vertex.Less(b.Vertex)) {
				best = i
			}
		}
		if best < 0 {
			return nil, nil
		}

		e := u.next[best]
		n, err := u.sources[best].Next(ctx)
		if err != nil {
			u.err = err
			return nil, err
		}
		u.next[best] = n

		if e.Generation != u.seenGen {
			u.seenGen = e.Generation
			u.seen = make(map[hash.Hash]struct{})
		}
		if _, dup := u.seen[e.Vertex]; dup {
			continue
		}
		u.seen[e.Vertex] = struct{}{}
		return e, nil
	}
}

// filterStream implements difference and intersection against a
// generation-descending exclusion stream. Because both sides descend,
// the filter side only needs to be drained down to the generation of
// the candidate entry to decide membership.
type filterStream struct {
	src    Stream
	filter Stream
	keep   bool // true: intersect, false: difference
	err    error

	filterDone bool
	filterSeen map[hash.Hash]struct{}
	filterNext *RevEntry
	primed     bool
}

// Difference returns a stream over entries of |src| absent from
// |filter|.
func Difference(src, filter Stream) Stream {
	return &filterStream{src: src, filter: filter, keep: false}
}

// Intersect returns a stream over entries of |src| present in
// |filter|.
func Intersect(src, filter Stream) Stream {
	return &filterStream{src: src, filter: filter, keep: true}
}

// drainFilterTo consumes the filter stream until its lookahead drops
// below |gen|, accumulating the vertexes seen at or above it.
func (f *filterStream) drainFilterTo(ctx context.Context, gen uint64) error {
	if !f.primed {
		f.primed = true
		f.filterSeen = make(map[hash.Hash]struct{})
		e, err := f.filter.Next(ctx)
		if err != nil {
			return err
		}
		f.filterNext = e
		f.filterDone = e == nil
	}

	for !f.filterDone && f.filterNext.Generation >= gen {
		f.filterSeen[f.filterNext.Vertex] = struct{}{}
		e, err := f.filter.Next(ctx)
		if err != nil {
			return err
		}
		f.filterNext = e
		f.filterDone = e == nil
	}
	return nil
}

func (f *filterStream) Next(ctx context.Context) (*RevEntry, error) {
	if f.err != nil {
		return nil, f.err
	}

	for {
		e, err := f.src.Next(ctx)
		if err != nil {
			f.err = err
			return nil, err
		}
		if e == nil {
			return nil, nil
		}

		if err := f.drainFilterTo(ctx, e.Generation); err != nil {
			f.err = err
			return nil, err
		}

		_, inFilter := f.filterSeen[e.Vertex]
		if inFilter == f.keep {
			return e, nil
		}
	}
}
