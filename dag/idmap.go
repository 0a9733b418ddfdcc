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
	"sync"

	"github.com/scmlab/revstore/hash"
)

// Id is a dense integer identifier for a vertex. The top byte encodes
// the group; ids are never reassigned once handed out.
type Id uint64

// Group partitions the id space. Public, shared history lives in the
// master group; draft commits in the non-master group.
type Group uint8

const (
	MasterGroup    Group = 0
	NonMasterGroup Group = 1

	groupShift = 56
)

// Group returns the group an id belongs to.
func (id Id) Group() Group {
	return Group(id >> groupShift)
}

func (g Group) firstID() Id {
	return Id(uint64(g) << groupShift)
}

// IdMap maintains the Vertex to Id correspondence. Ids may exist
// without a locally known name (lazy ids); once a name is bound the
// mapping is permanent. Assignment is append-only per group.
type IdMap struct {
	mu       sync.RWMutex
	byVertex map[hash.Hash]Id
	byID     map[Id]hash.Hash
	next     [2]Id
}

// NewIdMap creates an empty IdMap.
func NewIdMap() *IdMap {
	return &IdMap{
		byVertex: make(map[hash.Hash]Id),
		byID:     make(map[Id]hash.Hash),
		next:     [2]Id{MasterGroup.firstID(), NonMasterGroup.firstID()},
	}
}

// Len returns the number of assigned ids, named or lazy.
func (m *IdMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for g := MasterGroup; g <= NonMasterGroup; g++ {
		n += int(m.next[g] - g.firstID())
	}
	return n
}

// AssignVertex returns the id of |v|, assigning the next id in
// |group| when the vertex is new.
func (m *IdMap) AssignVertex(v hash.Hash, group Group) Id {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byVertex[v]; ok {
		return id
	}
	id := m.next[group]
	m.next[group]++
	m.byVertex[v] = id
	m.byID[id] = v
	return id
}

// AssignLazy reserves the next id in |group| without a name. The name
// arrives later through BindName.
func (m *IdMap) AssignLazy(group Group) Id {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next[group]
	m.next[group]++
	return id
}

// reserveThrough marks every id up to and including |id| as assigned
// in its group. Bulk imports hand out whole ranges at once.
func (m *IdMap) reserveThrough(id Id) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := id.Group()
	if id+1 > m.next[g] {
		m.next[g] = id + 1
	}
}

// checkBind reports whether BindName(id, v) would succeed, without
// mutating anything. Imports use it to reject a whole payload before
// applying any of it.
func (m *IdMap) checkBind(id Id, v hash.Hash) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if existing, ok := m.byID[id]; ok && existing != v {
		return fmt.Errorf("id %d is %s, refusing %s: %w", id, existing, v, ErrNameBound)
	}
	if prior, ok := m.byVertex[v]; ok && prior != id {
		return fmt.Errorf("name %s is id %d, refusing %d: %w", v, prior, id, ErrNameBound)
	}
	return nil
}

// BindName resolves a lazy id to its vertex name. Binding is
// idempotent for the same name and refuses a different one: once
// resolved, the mapping holds for the life of the store.
func (m *IdMap) BindName(id Id, v hash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[id]; ok {
		if existing == v {
			return nil
		}
		return fmt.Errorf("id %d is %s, refusing %s: %w", id, existing, v, ErrNameBound)
	}
	if prior, ok := m.byVertex[v]; ok && prior != id {
		return fmt.Errorf("name %s is id %d, refusing %d: %w", v, prior, id, ErrNameBound)
	}
	m.byID[id] = v
	m.byVertex[v] = id
	return nil
}

// VertexForID returns the name bound to |id|, if resolved.
func (m *IdMap) VertexForID(id Id) (hash.Hash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byID[id]
	return v, ok
}

// IDForVertex returns the id assigned to |v|, if any.
func (m *IdMap) IDForVertex(v hash.Hash) (Id, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byVertex[v]
	return id, ok
}

// IsLazy reports whether |id| has been assigned but not yet named.
func (m *IdMap) IsLazy(id Id) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g := id.Group()
	if id >= m.next[g] {
		return false // never assigned
	}
	_, named := m.byID[id]
	return !named
}
