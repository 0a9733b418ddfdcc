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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmlab/revstore/hash"
)

func vtx(name string) hash.Hash {
	return hash.Of([]byte("commit: " + name))
}

// buildDiamond makes A <- B, A <- C, {B,C} <- D.
func buildDiamond(t *testing.T) (*Graph, [4]hash.Hash) {
	t.Helper()
	g := NewGraph(Options{})
	a, b, c, d := vtx("A"), vtx("B"), vtx("C"), vtx("D")

	require.NoError(t, g.AddHead(a, nil))
	require.NoError(t, g.AddHead(b, []hash.Hash{a}))
	require.NoError(t, g.AddHead(c, []hash.Hash{a}))
	require.NoError(t, g.AddHead(d, []hash.Hash{b, c}))
	return g, [4]hash.Hash{a, b, c, d}
}

func TestGenerationNumbers(t *testing.T) {
	g, v := buildDiamond(t)

	for i, want := range []uint64{1, 2, 2, 3} {
		gen, err := g.Generation(v[i])
		require.NoError(t, err)
		assert.Equal(t, want, gen)
	}

	_, err := g.Generation(vtx("nope"))
	assert.ErrorIs(t, err, ErrVertexNotFound)
}

func TestAddHead(t *testing.T) {
	g, v := buildDiamond(t)

	// same parents: idempotent
	require.NoError(t, g.AddHead(v[3], []hash.Hash{v[1], v[2]}))
	// different parents: integrity fault
	assert.Error(t, g.AddHead(v[3], []hash.Hash{v[1]}))
	// unknown parent
	err := g.AddHead(vtx("E"), []hash.Hash{vtx("ghost")})
	assert.ErrorIs(t, err, ErrParentsUnknown)

	// only D is a head
	assert.Equal(t, []hash.Hash{v[3]}, g.Heads())
}

func TestParentsPreserveOrder(t *testing.T) {
	g, v := buildDiamond(t)

	parents, err := g.Parents(context.Background(), v[3])
	require.NoError(t, err)
	assert.Equal(t, []hash.Hash{v[1], v[2]}, parents)
}

func TestAncestorsStreamOrder(t *testing.T) {
	g, v := buildDiamond(t)
	ctx := context.Background()

	s, err := g.AncestorsStream(v[3])
	require.NoError(t, err)
	entries, err := Collect(ctx, s)
	require.NoError(t, err)

	require.Len(t, entries, 4)
	assert.Equal(t, v[3], entries[0].Vertex)
	// B and C share generation 2 and arrive name-ascending
	lo, hi := v[1], v[2]
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	assert.Equal(t, []RevEntry{
		{Vertex: v[3], Generation: 3},
		{Vertex: lo, Generation: 2},
		{Vertex: hi, Generation: 2},
		{Vertex: v[0], Generation: 1},
	}, entries)

	_, err = g.AncestorsStream(vtx("nope"))
	assert.ErrorIs(t, err, ErrVertexNotFound)
}

func TestToposortChildrenFirst(t *testing.T) {
	g, v := buildDiamond(t)

	order, err := g.Toposort(context.Background(), v[3])
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := map[hash.Hash]int{}
	for i, h := range order {
		pos[h] = i
	}
	assert.Less(t, pos[v[3]], pos[v[1]])
	assert.Less(t, pos[v[3]], pos[v[2]])
	assert.Less(t, pos[v[1]], pos[v[0]])
	assert.Less(t, pos[v[2]], pos[v[0]])
}

func TestCommonAncestor(t *testing.T) {
	g, v := buildDiamond(t)
	ctx := context.Background()

	got, ok, err := g.CommonAncestor(ctx, v[1], v[2])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v[0], got)

	// a vertex is its own ancestor
	got, ok, err = g.CommonAncestor(ctx, v[3], v[3])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v[3], got)

	// disjoint roots share nothing
	other := vtx("island")
	require.NoError(t, g.AddHead(other, nil))
	_, ok, err = g.CommonAncestor(ctx, v[3], other)
	require.NoError(t, err)
	assert.False(t, ok)
}

func entryStream(pairs ...RevEntry) Stream {
	return NewSliceStream(pairs)
}

func TestUnionDedupesAndOrders(t *testing.T) {
	g, v := buildDiamond(t)
	ctx := context.Background()

	sb, err := g.AncestorsStream(v[1])
	require.NoError(t, err)
	sc, err := g.AncestorsStream(v[2])
	require.NoError(t, err)

	entries, err := Collect(ctx, Union(sb, sc))
	require.NoError(t, err)

	// A appears once even though both streams contain it
	require.Len(t, entries, 3)
	seen := map[hash.Hash]int{}
	lastGen := ^uint64(0)
	for _, e := range entries {
		seen[e.Vertex]++
		assert.LessOrEqual(t, e.Generation, lastGen)
		lastGen = e.Generation
	}
	for _, h := range []hash.Hash{v[0], v[1], v[2]} {
		assert.Equal(t, 1, seen[h])
	}
}

func TestUnionEmpty(t *testing.T) {
	entries, err := Collect(context.Background(), Union())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDifferenceAndIntersect(t *testing.T) {
	g, v := buildDiamond(t)
	ctx := context.Background()

	mk := func(root hash.Hash) Stream {
		s, err := g.AncestorsStream(root)
		require.NoError(t, err)
		return s
	}

	// ancestors(D) - ancestors(B) = {D, C}
	entries, err := Collect(ctx, Difference(mk(v[3]), mk(v[1])))
	require.NoError(t, err)
	got := map[hash.Hash]bool{}
	for _, e := range entries {
		got[e.Vertex] = true
	}
	assert.Equal(t, map[hash.Hash]bool{v[3]: true, v[2]: true}, got)

	// ancestors(B) & ancestors(C) = {A}
	entries, err = Collect(ctx, Intersect(mk(v[1]), mk(v[2])))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, v[0], entries[0].Vertex)
}

type failStream struct{ err error }

func (f failStream) Next(ctx context.Context) (*RevEntry, error) { return nil, f.err }

func TestStreamErrorShortCircuits(t *testing.T) {
	ctx := context.Background()
	boom := assert.AnError

	ok := entryStream(RevEntry{Vertex: vtx("x"), Generation: 5})
	_, err := Collect(ctx, Union(ok, failStream{err: boom}))
	assert.ErrorIs(t, err, boom)

	_, err = Collect(ctx, Difference(failStream{err: boom}, entryStream()))
	assert.ErrorIs(t, err, boom)
}

func TestIdMap(t *testing.T) {
	m := NewIdMap()
	a := vtx("a")

	id := m.AssignVertex(a, MasterGroup)
	assert.Equal(t, id, m.AssignVertex(a, MasterGroup))
	assert.Equal(t, MasterGroup, id.Group())

	lazy := m.AssignLazy(NonMasterGroup)
	assert.Equal(t, NonMasterGroup, lazy.Group())
	assert.True(t, m.IsLazy(lazy))

	b := vtx("b")
	require.NoError(t, m.BindName(lazy, b))
	require.NoError(t, m.BindName(lazy, b)) // idempotent
	assert.False(t, m.IsLazy(lazy))
	assert.ErrorIs(t, m.BindName(lazy, vtx("c")), ErrNameBound)

	assert.Equal(t, 2, m.Len())
}

// serverGraph is the remote side of the protocol in tests: a full
// graph it can answer location queries against.
type serverGraph struct {
	parents map[hash.Hash][]hash.Hash
	calls   int
}

func (s *serverGraph) walk(x hash.Hash, n uint64) (hash.Hash, bool) {
	cur := x
	for i := uint64(0); i < n; i++ {
		ps := s.parents[cur]
		if len(ps) == 0 {
			return hash.Hash{}, false
		}
		cur = ps[0]
	}
	return cur, true
}

func (s *serverGraph) LocationsToNames(ctx context.Context, paths []AncestorPath) ([][]hash.Hash, error) {
	s.calls++
	out := make([][]hash.Hash, len(paths))
	for i, p := range paths {
		group := make([]hash.Hash, 0, p.BatchSize)
		for j := uint64(0); j < p.BatchSize; j++ {
			name, ok := s.walk(p.X, p.N+j)
			if !ok {
				return nil, assert.AnError
			}
			group = append(group, name)
		}
		out[i] = group
	}
	return out, nil
}

func (s *serverGraph) NamesToLocations(ctx context.Context, heads, names []hash.Hash) ([]AncestorPath, error) {
	s.calls++
	out := make([]AncestorPath, 0, len(names))
	for _, name := range names {
		found := false
		for _, h := range heads {
			cur, steps := h, uint64(0)
			for {
				if cur == name {
					out = append(out, AncestorPath{X: h, N: steps, BatchSize: 1})
					found = true
					break
				}
				ps := s.parents[cur]
				if len(ps) == 0 {
					break
				}
				cur = ps[0]
				steps++
			}
			if found {
				break
			}
		}
		if !found {
			return nil, assert.AnError
		}
	}
	return out, nil
}

// linearServer builds c1 <- c2 <- ... <- cN and the matching clone
// payload that only names the head.
func linearServer(n int) (*serverGraph, *CloneData, []hash.Hash) {
	srv := &serverGraph{parents: map[hash.Hash][]hash.Hash{}}
	names := make([]hash.Hash, n)
	for i := 0; i < n; i++ {
		names[i] = vtx(string(rune('0' + i)))
		if i > 0 {
			srv.parents[names[i]] = []hash.Hash{names[i-1]}
		}
	}

	head := MasterGroup.firstID() + Id(n-1)
	data := &CloneData{
		FlatSegments: []FlatSegment{{Low: MasterGroup.firstID(), High: head}},
		IdMap:        map[Id]hash.Hash{head: names[n-1]},
	}
	return srv, data, names
}

func TestImportClone(t *testing.T) {
	srv, data, names := linearServer(5)

	g := NewGraph(Options{Lazy: true, Protocol: srv, ResolveThreshold: 100})
	require.NoError(t, g.ImportClone(data))

	assert.Equal(t, []hash.Hash{names[4]}, g.Heads())
	gen, err := g.Generation(names[4])
	require.NoError(t, err)
	assert.Equal(t, uint64(5), gen)

	// second import rejected before mutation
	assert.ErrorIs(t, g.ImportClone(data), ErrNonEmptyGraph)

	// non-lazy graphs cannot import
	eager := NewGraph(Options{})
	assert.ErrorIs(t, eager.ImportClone(data), ErrNotLazy)
}

func TestLazyParentResolution(t *testing.T) {
	srv, data, names := linearServer(5)

	g := NewGraph(Options{Lazy: true, Protocol: srv, ResolveThreshold: 100})
	require.NoError(t, g.ImportClone(data))

	parents, err := g.Parents(context.Background(), names[4])
	require.NoError(t, err)
	assert.Equal(t, []hash.Hash{names[3]}, parents)
	assert.Equal(t, 1, srv.calls)

	// resolution is cached: asking again is free
	_, err = g.Parents(context.Background(), names[4])
	require.NoError(t, err)
	assert.Equal(t, 1, srv.calls)
}

func TestResolutionLimit(t *testing.T) {
	srv, data, names := linearServer(10)

	g := NewGraph(Options{Lazy: true, Protocol: srv, ResolveThreshold: 2})
	require.NoError(t, g.ImportClone(data))

	s, err := g.AncestorsStream(names[9])
	require.NoError(t, err)
	_, err = Collect(context.Background(), s)
	assert.ErrorIs(t, err, ErrResolutionLimit)
}

func TestResolveNamesToLocations(t *testing.T) {
	srv, data, names := linearServer(5)
	ctx := context.Background()

	g := NewGraph(Options{Lazy: true, Protocol: srv, ResolveThreshold: 100})
	require.NoError(t, g.ImportClone(data))

	// nothing to anchor to
	locs, err := g.ResolveNamesToLocations(ctx, nil, names)
	require.NoError(t, err)
	assert.Nil(t, locs)

	heads := []hash.Hash{names[4]}

	// locally known head locates without a round trip
	locs, err = g.ResolveNamesToLocations(ctx, heads, []hash.Hash{names[4]})
	require.NoError(t, err)
	assert.Equal(t, AncestorPath{X: names[4], N: 0, BatchSize: 1}, locs[names[4]])
	assert.Equal(t, 0, srv.calls)

	// sentinels are virtual and never queried
	locs, err = g.ResolveNamesToLocations(ctx, heads, []hash.Hash{hash.Null, hash.WorkingDir})
	require.NoError(t, err)
	assert.Empty(t, locs)
	assert.Equal(t, 0, srv.calls)

	// unknown names go remote in one batch
	locs, err = g.ResolveNamesToLocations(ctx, heads, []hash.Hash{names[1], names[2]})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), locs[names[1]].N)
	assert.Equal(t, uint64(2), locs[names[2]].N)
	assert.Equal(t, 1, srv.calls)
}

func TestResolveLocationsToNames(t *testing.T) {
	srv, data, names := linearServer(5)
	ctx := context.Background()

	g := NewGraph(Options{Lazy: true, Protocol: srv, ResolveThreshold: 100})
	require.NoError(t, g.ImportClone(data))

	got, err := g.ResolveLocationsToNames(ctx, AncestorPath{X: names[4], N: 1, BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, []hash.Hash{names[3], names[2], names[1]}, got)
	assert.Equal(t, 1, srv.calls)

	// a path entirely over named vertexes resolves locally
	srv.calls = 0
	got, err = g.ResolveLocationsToNames(ctx, AncestorPath{X: names[4], N: 0, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []hash.Hash{names[4]}, got)
	assert.Equal(t, 0, srv.calls)
}

type failingProtocol struct{ err error }

func (f failingProtocol) LocationsToNames(ctx context.Context, paths []AncestorPath) ([][]hash.Hash, error) {
	return nil, f.err
}

func (f failingProtocol) NamesToLocations(ctx context.Context, heads, names []hash.Hash) ([]AncestorPath, error) {
	return nil, f.err
}

func TestProtocolFailureClassification(t *testing.T) {
	ctx := context.Background()
	_, data, names := linearServer(3)

	// deadline expiry keeps its class and its cause
	g := NewGraph(Options{Lazy: true, Protocol: failingProtocol{err: context.DeadlineExceeded}, ResolveThreshold: 10})
	require.NoError(t, g.ImportClone(data))

	_, err := g.Parents(ctx, names[2])
	assert.ErrorIs(t, err, ErrRemoteTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a denial is a backend error, cause still on the chain
	_, data, names = linearServer(3)
	g = NewGraph(Options{Lazy: true, Protocol: failingProtocol{err: assert.AnError}, ResolveThreshold: 10})
	require.NoError(t, g.ImportClone(data))

	_, err = g.Parents(ctx, names[2])
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, ErrRemoteTimeout)

	_, err = g.ResolveNamesToLocations(ctx, []hash.Hash{names[2]}, []hash.Hash{names[0]})
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestImportPull(t *testing.T) {
	srv, data, names := linearServer(3)

	g := NewGraph(Options{Lazy: true, Protocol: srv, ResolveThreshold: 100})
	require.NoError(t, g.ImportClone(data))

	// server advances by two commits
	c4, c5 := vtx("pull-4"), vtx("pull-5")
	srv.parents[c4] = []hash.Hash{names[2]}
	srv.parents[c5] = []hash.Hash{c4}

	low := MasterGroup.firstID() + 3
	pull := &CloneData{
		FlatSegments: []FlatSegment{{Low: low, High: low + 1, Parents: []Id{low - 1}}},
		IdMap:        map[Id]hash.Hash{low + 1: c5},
	}
	require.NoError(t, g.ImportPull(pull, []hash.Hash{c5}))

	assert.Equal(t, []hash.Hash{c5}, g.Heads())
	gen, err := g.Generation(c5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), gen)

	// a pull whose head name never got bound is incoherent and must
	// leave no trace behind
	idsBefore := g.ids.Len()
	bad := &CloneData{
		FlatSegments: []FlatSegment{{Low: low + 2, High: low + 2, Parents: []Id{low + 1}}},
	}
	assert.ErrorIs(t, g.ImportPull(bad, []hash.Hash{vtx("unbound")}), ErrVertexNotFound)

	_, staged := g.nodes[low+2]
	assert.False(t, staged)
	assert.Equal(t, idsBefore, g.ids.Len())
	assert.Equal(t, []hash.Hash{c5}, g.Heads())
}

func TestRejectedImportsLeaveNoState(t *testing.T) {
	// clone payload with a parent gap: segment two hangs from an id
	// that no segment covers
	broken := &CloneData{
		FlatSegments: []FlatSegment{
			{Low: MasterGroup.firstID(), High: MasterGroup.firstID() + 1},
			{Low: MasterGroup.firstID() + 5, High: MasterGroup.firstID() + 6, Parents: []Id{MasterGroup.firstID() + 3}},
		},
	}

	g := NewGraph(Options{Lazy: true})
	assert.ErrorIs(t, g.ImportClone(broken), ErrBackend)
	assert.True(t, g.IsEmpty())

	// conflicting name binding is rejected before any node lands
	srv, data, names := linearServer(3)
	_ = srv
	g = NewGraph(Options{Lazy: true})
	require.NoError(t, g.ImportClone(data))

	low := MasterGroup.firstID() + 3
	conflicting := &CloneData{
		FlatSegments: []FlatSegment{{Low: low, High: low, Parents: []Id{low - 1}}},
		IdMap:        map[Id]hash.Hash{low: names[2]}, // already bound to the clone head
	}
	idsBefore := g.ids.Len()
	assert.ErrorIs(t, g.ImportPull(conflicting, []hash.Hash{names[2]}), ErrNameBound)
	_, staged := g.nodes[low]
	assert.False(t, staged)
	assert.Equal(t, idsBefore, g.ids.Len())
}

func TestValidateSegments(t *testing.T) {
	assert.Error(t, validateSegments([]FlatSegment{{Low: 5, High: 4}}))
	assert.Error(t, validateSegments([]FlatSegment{
		{Low: 0, High: 5},
		{Low: 3, High: 8},
	}))
	assert.Error(t, validateSegments([]FlatSegment{{Low: 2, High: 4, Parents: []Id{2}}}))
	assert.NoError(t, validateSegments([]FlatSegment{
		{Low: 0, High: 4},
		{Low: 5, High: 9, Parents: []Id{4}},
	}))
}
