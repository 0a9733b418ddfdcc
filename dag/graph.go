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

// Package dag maintains the changeset graph: parent edges, generation
// numbers, generation-ordered revset streams, and the location-based
// protocol that lets a lazy clone resolve vertex names on demand.
package dag

import (
	"context"
	"fmt"
	"sync"

	"github.com/scmlab/revstore/hash"
)

type node struct {
	parents []Id
	gen     uint64
}

// Options configures a Graph.
type Options struct {
	// Lazy permits ids without locally known names, resolved through
	// Protocol. Bulk imports require a lazy graph.
	Lazy bool

	// Protocol is the remote name/location service. May be nil for a
	// fully local graph.
	Protocol RemoteProtocol

	// ResolveThreshold caps remote resolutions per Graph instance.
	// Zero means no remote resolution is permitted.
	ResolveThreshold int
}

// Graph is the in-memory commit graph. All exported methods are safe
// for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	ids      *IdMap
	nodes    map[Id]node
	heads    []Id
	lazy     bool
	protocol RemoteProtocol

	threshold int
	resolved  int
}

// NewGraph creates an empty graph.
func NewGraph(opts Options) *Graph {
	return &Graph{
		ids:       NewIdMap(),
		nodes:     make(map[Id]node),
		lazy:      opts.Lazy,
		protocol:  opts.Protocol,
		threshold: opts.ResolveThreshold,
	}
}

// IsEmpty reports whether the graph holds no vertexes.
func (g *Graph) IsEmpty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes) == 0 && g.ids.Len() == 0
}

// Contains reports whether |v| is materialized locally.
func (g *Graph) Contains(v hash.Hash) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.ids.IDForVertex(v)
	if !ok {
		return false
	}
	_, ok = g.nodes[id]
	return ok
}

// AddHead inserts |v| with its ordered |parents|, which must already
// be present. Generation is one past the deepest parent; roots get
// generation 1. Re-inserting an existing vertex with identical parents
// is a no-op; different parents are an integrity fault, since the
// vertex name is content-addressed.
func (g *Graph) AddHead(v hash.Hash, parents []hash.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.ids.IDForVertex(v); ok {
		if n, ok := g.nodes[id]; ok {
			if g.sameParents(n.parents, parents) {
				return nil
			}
			return fmt.Errorf("vertex %s re-added with different parents", v)
		}
	}

	parentIDs := make([]Id, len(parents))
	gen := uint64(1)
	for i, p := range parents {
		pid, ok := g.ids.IDForVertex(p)
		if !ok {
			return fmt.Errorf("parent %s of %s: %w", p, v, ErrParentsUnknown)
		}
		pn, ok := g.nodes[pid]
		if !ok {
			return fmt.Errorf("parent %s of %s: %w", p, v, ErrParentsUnknown)
		}
		parentIDs[i] = pid
		if pn.gen+1 > gen {
			gen = pn.gen + 1
		}
	}

	id := g.ids.AssignVertex(v, NonMasterGroup)
	g.nodes[id] = node{parents: parentIDs, gen: gen}
	g.addHeadLocked(id, parentIDs)
	return nil
}

func (g *Graph) sameParents(ids []Id, names []hash.Hash) bool {
	if len(ids) != len(names) {
		return false
	}
	for i, pid := range ids {
		name, ok := g.ids.VertexForID(pid)
		if !ok || name != names[i] {
			return false
		}
	}
	return true
}

// addHeadLocked records |id| as a head and unmarks its parents.
func (g *Graph) addHeadLocked(id Id, parents []Id) {
	isParent := make(map[Id]bool, len(parents))
	for _, p := range parents {
		isParent[p] = true
	}
	kept := g.heads[:0]
	for _, h := range g.heads {
		if !isParent[h] {
			kept = append(kept, h)
		}
	}
	g.heads = append(kept, id)
}

// Generation returns the generation number of |v|.
func (g *Graph) Generation(v hash.Hash) (uint64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.ids.IDForVertex(v)
	if !ok {
		return 0, fmt.Errorf("%s: %w", v, ErrVertexNotFound)
	}
	n, ok := g.nodes[id]
	if !ok {
		return 0, fmt.Errorf("%s: %w", v, ErrVertexNotFound)
	}
	return n.gen, nil
}

// Parents returns the ordered parent names of |v|, resolving lazy
// parent ids through the remote protocol when needed.
func (g *Graph) Parents(ctx context.Context, v hash.Hash) ([]hash.Hash, error) {
	g.mu.RLock()
	id, ok := g.ids.IDForVertex(v)
	var n node
	if ok {
		n, ok = g.nodes[id]
	}
	g.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", v, ErrVertexNotFound)
	}

	out := make([]hash.Hash, len(n.parents))
	for i, pid := range n.parents {
		name, err := g.resolveIDToName(ctx, pid)
		if err != nil {
			return nil, err
		}
		out[i] = name
	}
	return out, nil
}

// Heads returns the current head vertexes, oldest first. Heads with
// unresolved names are skipped.
func (g *Graph) Heads() []hash.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]hash.Hash, 0, len(g.heads))
	for _, id := range g.heads {
		if name, ok := g.ids.VertexForID(id); ok {
			out = append(out, name)
		}
	}
	return out
}
