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
	"errors"
	"fmt"

	"github.com/scmlab/revstore/hash"
)

// AncestorPath names a vertex by position instead of by hash: the
// vertex N first-parent steps below the known head X. Locations stay
// stable across clients that share the head, so a lazy clone can talk
// about commits whose names it has never seen.
type AncestorPath struct {
	// X is the head the path hangs from. Must be a vertex both sides
	// know by name.
	X hash.Hash

	// N is the number of first-parent steps from X.
	N uint64

	// BatchSize asks for the names of this many consecutive
	// first-parent ancestors starting at the located vertex. At least 1.
	BatchSize uint64
}

// RemoteProtocol is the server side of lazy name resolution. Both
// calls are total over their inputs: a name or location the server
// cannot resolve is a protocol error, not a missing entry.
type RemoteProtocol interface {
	// LocationsToNames returns the vertex names for each path, in
	// input order, each expanded to its BatchSize consecutive names.
	LocationsToNames(ctx context.Context, paths []AncestorPath) ([][]hash.Hash, error)

	// NamesToLocations returns a location for each name, relative to
	// the given heads, in input order.
	NamesToLocations(ctx context.Context, heads, names []hash.Hash) ([]AncestorPath, error)
}

// backendErr classifies a remote protocol failure, keeping the cause
// on the chain. Deadline expiry gets its own class so callers can
// retry transients without retrying denials.
func backendErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrRemoteTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackend, err)
}

// chargeResolution consumes one unit of the remote resolution budget.
func (g *Graph) chargeResolution() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved >= g.threshold {
		return fmt.Errorf("%d resolutions used: %w", g.resolved, ErrResolutionLimit)
	}
	g.resolved++
	return nil
}

// locateLocked finds a location for |id| by walking first-parent
// chains down from each head. Returns false when |id| is not on any
// head's first-parent chain.
func (g *Graph) locateLocked(id Id) (AncestorPath, bool) {
	for _, head := range g.heads {
		headName, ok := g.ids.VertexForID(head)
		if !ok {
			continue // head itself unresolved, useless as an anchor
		}
		cur, steps := head, uint64(0)
		for {
			if cur == id {
				return AncestorPath{X: headName, N: steps, BatchSize: 1}, true
			}
			n, ok := g.nodes[cur]
			if !ok || len(n.parents) == 0 {
				break
			}
			cur = n.parents[0]
			steps++
		}
	}
	return AncestorPath{}, false
}

// resolveIDToName returns the name of |id|, fetching it from the
// remote protocol when the id is lazy.
func (g *Graph) resolveIDToName(ctx context.Context, id Id) (hash.Hash, error) {
	g.mu.RLock()
	name, ok := g.ids.VertexForID(id)
	g.mu.RUnlock()
	if ok {
		return name, nil
	}

	if !g.lazy || g.protocol == nil {
		return hash.Hash{}, fmt.Errorf("id %d has no local name: %w", id, ErrVertexNotFound)
	}
	if err := g.chargeResolution(); err != nil {
		return hash.Hash{}, err
	}

	g.mu.RLock()
	path, found := g.locateLocked(id)
	g.mu.RUnlock()
	if !found {
		return hash.Hash{}, fmt.Errorf("id %d is not reachable from any head: %w", id, ErrVertexNotFound)
	}

	names, err := g.protocol.LocationsToNames(ctx, []AncestorPath{path})
	if err != nil {
		return hash.Hash{}, backendErr("locations to names", err)
	}
	if len(names) != 1 || len(names[0]) == 0 {
		return hash.Hash{}, fmt.Errorf("locations to names returned %d groups: %w", len(names), ErrBackend)
	}

	name = names[0][0]
	g.mu.Lock()
	err = g.ids.BindName(id, name)
	g.mu.Unlock()
	if err != nil {
		return hash.Hash{}, err
	}
	return name, nil
}

// ResolveNamesToLocations maps each name to a location relative to
// |heads|. Names the graph already knows are located locally; the rest
// go to the remote protocol in one batch. Sentinel names are virtual
// and resolve to themselves with no location, so they are skipped. An
// empty |heads| means there is nothing to anchor a location to, and
// nothing to resolve.
func (g *Graph) ResolveNamesToLocations(ctx context.Context, heads, names []hash.Hash) (map[hash.Hash]AncestorPath, error) {
	if len(heads) == 0 {
		return nil, nil
	}

	out := make(map[hash.Hash]AncestorPath, len(names))
	var missing []hash.Hash
	for _, name := range names {
		if name.IsSentinel() {
			continue
		}
		g.mu.RLock()
		id, ok := g.ids.IDForVertex(name)
		var path AncestorPath
		if ok {
			path, ok = g.locateLocked(id)
		}
		g.mu.RUnlock()
		if ok {
			out[name] = path
		} else {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		return out, nil
	}
	if g.protocol == nil {
		return nil, fmt.Errorf("%d names unknown and no remote protocol: %w", len(missing), ErrVertexNotFound)
	}
	if err := g.chargeResolution(); err != nil {
		return nil, err
	}

	paths, err := g.protocol.NamesToLocations(ctx, heads, missing)
	if err != nil {
		return nil, backendErr("names to locations", err)
	}
	if len(paths) != len(missing) {
		return nil, fmt.Errorf("names to locations returned %d paths for %d names: %w", len(paths), len(missing), ErrBackend)
	}
	for i, name := range missing {
		out[name] = paths[i]
	}
	return out, nil
}

// ResolveLocationsToNames expands |path| into the names of BatchSize
// consecutive first-parent ancestors starting at the located vertex.
// Paths fully covered by local knowledge never touch the remote.
func (g *Graph) ResolveLocationsToNames(ctx context.Context, path AncestorPath) ([]hash.Hash, error) {
	if path.BatchSize == 0 {
		path.BatchSize = 1
	}

	if names, ok := g.expandLocally(path); ok {
		return names, nil
	}

	if g.protocol == nil {
		return nil, fmt.Errorf("location %s~%d unknown and no remote protocol: %w", path.X, path.N, ErrVertexNotFound)
	}
	if err := g.chargeResolution(); err != nil {
		return nil, err
	}

	groups, err := g.protocol.LocationsToNames(ctx, []AncestorPath{path})
	if err != nil {
		return nil, backendErr("locations to names", err)
	}
	if len(groups) != 1 || uint64(len(groups[0])) != path.BatchSize {
		return nil, fmt.Errorf("locations to names returned wrong shape: %w", ErrBackend)
	}
	return groups[0], nil
}

// expandLocally walks |path| through local state only.
func (g *Graph) expandLocally(path AncestorPath) ([]hash.Hash, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.ids.IDForVertex(path.X)
	if !ok {
		return nil, false
	}
	for i := uint64(0); i < path.N; i++ {
		n, ok := g.nodes[id]
		if !ok || len(n.parents) == 0 {
			return nil, false
		}
		id = n.parents[0]
	}

	names := make([]hash.Hash, 0, path.BatchSize)
	for i := uint64(0); i < path.BatchSize; i++ {
		name, ok := g.ids.VertexForID(id)
		if !ok {
			return nil, false
		}
		names = append(names, name)
		if i+1 < path.BatchSize {
			n, ok := g.nodes[id]
			if !ok || len(n.parents) == 0 {
				return nil, false
			}
			id = n.parents[0]
		}
	}
	return names, true
}
