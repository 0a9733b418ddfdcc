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
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/scmlab/revstore/hash"
)

// FlatSegment is a run of consecutive ids [Low, High] where every id
// except Low has the single parent id-1. Only the run's base parents
// are spelled out, which is what makes the clone payload compact.
type FlatSegment struct {
	Low     Id
	High    Id
	Parents []Id
}

// CloneData is the wire form of a graph shape: the segmented id space
// plus name bindings for the ids the server chose to reveal (typically
// just the heads). Everything else stays lazy.
type CloneData struct {
	FlatSegments []FlatSegment
	IdMap        map[Id]hash.Hash
}

// validateSegments checks segment shape and ordering. Parents must
// point strictly below their segment so an ascending import always
// sees them first.
func validateSegments(segs []FlatSegment) error {
	for i, seg := range segs {
		if seg.High < seg.Low {
			return fmt.Errorf("segment %d: high %d below low %d: %w", i, seg.High, seg.Low, ErrBackend)
		}
		if i > 0 && seg.Low <= segs[i-1].High {
			return fmt.Errorf("segment %d overlaps or is out of order: %w", i, ErrBackend)
		}
		for _, p := range seg.Parents {
			if p >= seg.Low {
				return fmt.Errorf("segment %d: parent %d not below low %d: %w", i, p, seg.Low, ErrBackend)
			}
		}
	}
	return nil
}

// stageSegments materializes nodes for every id covered by |segs| into
// a fresh map, leaving the graph untouched. Parents may land on
// |existing| nodes or earlier staged ones.
func stageSegments(segs []FlatSegment, existing map[Id]node) (map[Id]node, error) {
	staged := make(map[Id]node)
	for _, seg := range segs {
		for id := seg.Low; id <= seg.High; id++ {
			if _, ok := existing[id]; ok {
				return nil, fmt.Errorf("id %d already present: %w", id, ErrBackend)
			}
			if _, ok := staged[id]; ok {
				return nil, fmt.Errorf("id %d staged twice: %w", id, ErrBackend)
			}

			var parents []Id
			if id == seg.Low {
				parents = append([]Id(nil), seg.Parents...)
			} else {
				parents = []Id{id - 1}
			}

			gen := uint64(1)
			for _, p := range parents {
				pn, ok := staged[p]
				if !ok {
					pn, ok = existing[p]
				}
				if !ok {
					return nil, fmt.Errorf("id %d: parent %d not materialized: %w", id, p, ErrBackend)
				}
				if pn.gen+1 > gen {
					gen = pn.gen + 1
				}
			}
			staged[id] = node{parents: parents, gen: gen}
		}
	}
	return staged, nil
}

// checkBindings verifies every name binding of the payload is free of
// conflicts and lands on an id the import actually covers.
func (g *Graph) checkBindingsLocked(bindings map[Id]hash.Hash, staged map[Id]node) error {
	for id, name := range bindings {
		if err := g.ids.checkBind(id, name); err != nil {
			return err
		}
		if _, ok := staged[id]; ok {
			continue
		}
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("binding for id %d outside imported segments: %w", id, ErrBackend)
		}
	}
	return nil
}

// commitStagedLocked applies a fully validated import.
func (g *Graph) commitStagedLocked(segs []FlatSegment, staged map[Id]node, bindings map[Id]hash.Hash) {
	for id, n := range staged {
		g.nodes[id] = n
	}
	for _, seg := range segs {
		g.ids.reserveThrough(seg.High)
	}
	for id, name := range bindings {
		// cannot fail: conflicts were rejected before any mutation
		if err := g.ids.BindName(id, name); err != nil {
			panic(err)
		}
	}
	g.recomputeHeadsLocked()
}

// recomputeHeadsLocked rebuilds the head set as the ids no node claims
// as a parent, in id order.
func (g *Graph) recomputeHeadsLocked() {
	hasChild := make(map[Id]bool, len(g.nodes))
	for _, n := range g.nodes {
		for _, p := range n.parents {
			hasChild[p] = true
		}
	}
	g.heads = g.heads[:0]
	for id := range g.nodes {
		if !hasChild[id] {
			g.heads = append(g.heads, id)
		}
	}
	sort.Slice(g.heads, func(i, j int) bool { return g.heads[i] < g.heads[j] })
}

// ImportClone loads a full graph shape into an empty lazy graph. Every
// check runs before any mutation: a rejected import leaves the graph
// exactly as it was.
func (g *Graph) ImportClone(data *CloneData) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lazy {
		return ErrNotLazy
	}
	if len(g.nodes) != 0 || g.ids.Len() != 0 {
		return ErrNonEmptyGraph
	}
	if err := validateSegments(data.FlatSegments); err != nil {
		return err
	}

	staged, err := stageSegments(data.FlatSegments, nil)
	if err != nil {
		return err
	}
	if err := g.checkBindingsLocked(data.IdMap, staged); err != nil {
		return err
	}
	g.commitStagedLocked(data.FlatSegments, staged, data.IdMap)

	logrus.WithFields(logrus.Fields{
		"segments": len(data.FlatSegments),
		"vertexes": len(g.nodes),
		"named":    len(data.IdMap),
	}).Debug("imported clone data")
	return nil
}

// ImportPull appends new segments from the server after a pull. Unlike
// a clone import the graph may already have vertexes; segment parents
// may land on them. Every |newHeads| name must be bound by the payload
// or already known, otherwise the pull is incoherent and nothing is
// applied.
func (g *Graph) ImportPull(data *CloneData, newHeads []hash.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lazy {
		return ErrNotLazy
	}
	if err := validateSegments(data.FlatSegments); err != nil {
		return err
	}

	staged, err := stageSegments(data.FlatSegments, g.nodes)
	if err != nil {
		return err
	}
	if err := g.checkBindingsLocked(data.IdMap, staged); err != nil {
		return err
	}

	for _, h := range newHeads {
		id, bound := g.ids.IDForVertex(h)
		if !bound {
			for bid, name := range data.IdMap {
				if name == h {
					id, bound = bid, true
					break
				}
			}
		}
		if !bound {
			return fmt.Errorf("pulled head %s has no id binding: %w", h, ErrVertexNotFound)
		}
		if _, ok := staged[id]; ok {
			continue
		}
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("pulled head %s has no segment: %w", h, ErrVertexNotFound)
		}
	}
	g.commitStagedLocked(data.FlatSegments, staged, data.IdMap)

	logrus.WithFields(logrus.Fields{
		"segments": len(data.FlatSegments),
		"heads":    len(newHeads),
	}).Debug("imported pull data")
	return nil
}
