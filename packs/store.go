// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/scmlab/revstore/hash"
)

// Store is the capability interface shared by every revision content
// backend: local pack directories, in-memory buffers and remote
// stores all sit behind it so the fallback chain stays data-driven.
type Store interface {
	// Get returns the full text of the revision named by |key|, or
	// ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// GetMissing returns the subset of |keys| this store cannot serve.
	GetMissing(ctx context.Context, keys []Key) ([]Key, error)

	// Add buffers a new delta. Read-only stores return ErrReadOnly.
	Add(ctx context.Context, d Delta) error
}

// UnionStore tries an ordered list of stores, first hit wins. Writes
// go to the first store that accepts them.
type UnionStore struct {
	stores []Store
}

// NewUnionStore chains |stores| in priority order.
func NewUnionStore(stores ...Store) *UnionStore {
	return &UnionStore{stores: stores}
}

func (u *UnionStore) Get(ctx context.Context, key Key) ([]byte, error) {
	for _, s := range u.stores {
		text, err := s.Get(ctx, key)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
}

func (u *UnionStore) GetMissing(ctx context.Context, keys []Key) ([]Key, error) {
	missing := keys
	for _, s := range u.stores {
		if len(missing) == 0 {
			return nil, nil
		}
		var err error
		missing, err = s.GetMissing(ctx, missing)
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (u *UnionStore) Add(ctx context.Context, d Delta) error {
	for _, s := range u.stores {
		err := s.Add(ctx, d)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrReadOnly) {
			return err
		}
	}
	return ErrReadOnly
}

// DataPackStore serves full texts from a directory of data packs plus
// one mutable accumulator. Delta chains may span packs; bases are
// re-resolved through the whole store, so a repack can move a base
// into another pack without breaking chains.
type DataPackStore struct {
	mu          sync.RWMutex
	dir         string
	packs       []*DataPack
	mutable     *MutableDataPack
	maxChainLen int
}

// NewDataPackStore opens every published pack in |dir|.
func NewDataPackStore(dir string) (*DataPackStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	s := &DataPackStore{
		dir:         dir,
		mutable:     NewMutableDataPack(dir),
		maxChainLen: defaultMaxChainLen,
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), dataPackExt) {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), dataPackExt)
		if _, ok := hash.MaybeParse(name); !ok {
			continue // not a pack file
		}
		p, err := OpenDataPack(dir, name)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.packs = append(s.packs, p)
	}

	return s, nil
}

// lookupDelta searches the mutable buffer first, then every pack,
// newest first.
func (s *DataPackStore) lookupDelta(id hash.Hash) (Delta, error) {
	s.mutable.mu.Lock()
	for _, byID := range s.mutable.entries {
		if i, ok := byID[id]; ok {
			d := s.mutable.order[i]
			s.mutable.mu.Unlock()
			return d, nil
		}
	}
	s.mutable.mu.Unlock()

	for i := len(s.packs) - 1; i >= 0; i-- {
		d, err := s.packs[i].GetDelta(id)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Delta{}, err
		}
	}
	return Delta{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

func (s *DataPackStore) Get(ctx context.Context, key Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, err := collectChain(key.ID, s.maxChainLen, s.lookupDelta)
	if err != nil {
		return nil, err
	}
	return expandChain(chain)
}

func (s *DataPackStore) GetMissing(ctx context.Context, keys []Key) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []Key
	for _, k := range keys {
		if _, err := s.lookupDelta(k.ID); errors.Is(err, ErrNotFound) {
			missing = append(missing, k)
		} else if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (s *DataPackStore) Add(ctx context.Context, d Delta) error {
	s.mutable.Add(d)
	return nil
}

// Flush publishes the mutable buffer and begins serving the new pack.
// A no-op when the buffer is empty.
func (s *DataPackStore) Flush() (*PackPaths, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.mutable.Flush()
	if err != nil || paths == nil {
		return paths, err
	}

	name := strings.TrimSuffix(filepath.Base(paths.Data), dataPackExt)
	p, err := OpenDataPack(s.dir, name)
	if err != nil {
		return nil, err
	}
	s.packs = append(s.packs, p)
	return paths, nil
}

// RemovePack closes and deletes the named pack. Subsequent lookups of
// its entries report ErrNotFound unless another pack holds them.
func (s *DataPackStore) RemovePack(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.packs {
		if p.Name() == name {
			s.packs = append(s.packs[:i], s.packs[i+1:]...)
			return p.Remove()
		}
	}
	return fmt.Errorf("pack %s: %w", name, ErrNotFound)
}

// StatsSummary describes the store's packs.
func (s *DataPackStore) StatsSummary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count uint64
	var bytes uint64
	for _, p := range s.packs {
		count += uint64(p.Count())
		bytes += uint64(len(p.data.data))
	}
	return fmt.Sprintf("%d packs, %s entries, %s on disk",
		len(s.packs), humanize.Comma(int64(count)), humanize.Bytes(bytes))
}

func (s *DataPackStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, p := range s.packs {
		if err := p.Close(); firstErr == nil {
			firstErr = err
		}
	}
	s.packs = nil
	return firstErr
}

var _ Store = (*UnionStore)(nil)
var _ Store = (*DataPackStore)(nil)
