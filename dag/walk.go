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
	"fmt"
	"sort"

	"github.com/scmlab/revstore/hash"
)

type idGen struct {
	id  Id
	gen uint64
}

// idGenHeap pops highest generation first; equal generations pop in
// id order so the walk is deterministic before names are known.
type idGenHeap []idGen

func (h idGenHeap) Len() int { return len(h) }

func (h idGenHeap) Less(i, j int) bool {
	if h[i].gen != h[j].gen {
		return h[i].gen > h[j].gen
	}
	return h[i].id < h[j].id
}

func (h idGenHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *idGenHeap) Push(x interface{}) { *h = append(*h, x.(idGen)) }

func (h *idGenHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// ancestorStream walks the ancestry of a set of roots generation by
// generation. One whole generation is materialized and name-sorted at
// a time, so emission order matches the Stream contract even when
// names arrive out of id order.
type ancestorStream struct {
	g       *Graph
	pending idGenHeap
	visited map[Id]struct{}
	buf     []RevEntry
	err     error
}

// AncestorsStream returns a stream over |roots| and all their
// ancestors. Every root must be present in the graph.
func (g *Graph) AncestorsStream(roots ...hash.Hash) (Stream, error) {
	s := &ancestorStream{
		g:       g,
		visited: make(map[Id]struct{}),
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range roots {
		id, ok := g.ids.IDForVertex(r)
		var n node
		if ok {
			n, ok = g.nodes[id]
		}
		if !ok {
			return nil, fmt.Errorf("%s: %w", r, ErrVertexNotFound)
		}
		if _, seen := s.visited[id]; seen {
			continue
		}
		s.visited[id] = struct{}{}
		heap.Push(&s.pending, idGen{id: id, gen: n.gen})
	}
	return s, nil
}

func (s *ancestorStream) Next(ctx context.Context) (*RevEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return nil, err
	}

	if len(s.buf) == 0 {
		if err := s.fillGeneration(ctx); err != nil {
			s.err = err
			return nil, err
		}
	}
	if len(s.buf) == 0 {
		return nil, nil
	}

	e := s.buf[0]
	s.buf = s.buf[1:]
	return &e, nil
}

// fillGeneration pops every pending id of the current highest
// generation, expands their parents, and buffers the name-sorted
// entries for emission.
func (s *ancestorStream) fillGeneration(ctx context.Context) error {
	if s.pending.Len() == 0 {
		return nil
	}
	gen := s.pending[0].gen

	var ids []Id
	for s.pending.Len() > 0 && s.pending[0].gen == gen {
		ids = append(ids, heap.Pop(&s.pending).(idGen).id)
	}

	s.buf = s.buf[:0]
	for _, id := range ids {
		name, err := s.g.resolveIDToName(ctx, id)
		if err != nil {
			return err
		}
		s.buf = append(s.buf, RevEntry{Vertex: name, Generation: gen})

		s.g.mu.RLock()
		n := s.g.nodes[id]
		for _, pid := range n.parents {
			if _, seen := s.visited[pid]; seen {
				continue
			}
			s.visited[pid] = struct{}{}
			pn, ok := s.g.nodes[pid]
			if ok {
				heap.Push(&s.pending, idGen{id: pid, gen: pn.gen})
			}
		}
		s.g.mu.RUnlock()
	}

	sort.Slice(s.buf, func(i, j int) bool {
		return s.buf[i].Vertex.Less(s.buf[j].Vertex)
	})
	return nil
}

// Toposort returns |roots| and all their ancestors, children strictly
// before parents. Generation-descending emission already satisfies the
// topological constraint, so this is a drained ancestor stream.
func (g *Graph) Toposort(ctx context.Context, roots ...hash.Hash) ([]hash.Hash, error) {
	s, err := g.AncestorsStream(roots...)
	if err != nil {
		return nil, err
	}
	entries, err := Collect(ctx, s)
	if err != nil {
		return nil, err
	}
	out := make([]hash.Hash, len(entries))
	for i, e := range entries {
		out[i] = e.Vertex
	}
	return out, nil
}

// CommonAncestor returns a deepest vertex reachable from both |a| and
// |b|. The walk descends by generation with each frontier painted by
// origin; the first vertex painted from both sides is a greatest
// common ancestor. Returns ok=false when the histories are disjoint.
func (g *Graph) CommonAncestor(ctx context.Context, a, b hash.Hash) (hash.Hash, bool, error) {
	const (
		fromA = 1 << 0
		fromB = 1 << 1
	)

	g.mu.RLock()
	paint := make(map[Id]uint8)
	var pending idGenHeap
	push := func(v hash.Hash, mark uint8) error {
		id, ok := g.ids.IDForVertex(v)
		var n node
		if ok {
			n, ok = g.nodes[id]
		}
		if !ok {
			return fmt.Errorf("%s: %w", v, ErrVertexNotFound)
		}
		paint[id] = mark
		heap.Push(&pending, idGen{id: id, gen: n.gen})
		return nil
	}
	if err := push(a, fromA); err != nil {
		g.mu.RUnlock()
		return hash.Hash{}, false, err
	}
	if err := push(b, fromB); err != nil {
		g.mu.RUnlock()
		return hash.Hash{}, false, err
	}
	if a == b {
		g.mu.RUnlock()
		return a, true, nil
	}

	var foundID Id
	found := false
	for pending.Len() > 0 && !found {
		cur := heap.Pop(&pending).(idGen)
		marks := paint[cur.id]
		if marks == fromA|fromB {
			foundID, found = cur.id, true
			break
		}
		for _, pid := range g.nodes[cur.id].parents {
			prev, seen := paint[pid]
			paint[pid] = prev | marks
			if !seen {
				if pn, ok := g.nodes[pid]; ok {
					heap.Push(&pending, idGen{id: pid, gen: pn.gen})
				}
			}
		}
	}
	g.mu.RUnlock()

	if !found {
		return hash.Hash{}, false, nil
	}
	name, err := g.resolveIDToName(ctx, foundID)
	if err != nil {
		return hash.Hash{}, false, err
	}
	return name, true, nil
}
