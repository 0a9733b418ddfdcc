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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/scmlab/revstore/hash"
)

const (
	defaultReadChunkSize   = 512
	defaultReadConcurrency = 4
)

// StoreConfig tunes the changeset store.
type StoreConfig struct {
	// ReadChunkSize bounds the ids per SELECT.
	ReadChunkSize int

	// ReadConcurrency bounds concurrent chunked SELECTs.
	ReadConcurrency int

	// CoalesceWindow is how long a read waits to rendezvous with
	// concurrent readers before querying. Zero disables coalescing.
	CoalesceWindow time.Duration
}

// Insertion is the caller-supplied part of a changeset; the store
// derives the generation.
type Insertion struct {
	ID      hash.Hash
	Parents []hash.Hash
}

// Store reads and writes changeset rows. Reads prefer the replica and
// fall back to the primary for rows the replica has not caught up to.
type Store struct {
	backend Backend
	cfg     StoreConfig
	reader  *coalescer
}

// NewStore creates a store over |backend|.
func NewStore(backend Backend, cfg StoreConfig) *Store {
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = defaultReadChunkSize
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = defaultReadConcurrency
	}
	s := &Store{backend: backend, cfg: cfg}
	s.reader = newCoalescer(s.fetch, cfg.CoalesceWindow)
	return s
}

// GetMany returns the stored records for |ids|. Absent ids are simply
// missing from the result, not an error. Concurrent calls inside the
// coalesce window share one backend query.
func (s *Store) GetMany(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error) {
	if len(ids) == 0 {
		return map[hash.Hash]Changeset{}, nil
	}
	return s.reader.getMany(ctx, ids)
}

// fetch is the uncoalesced read path: chunked replica reads, then a
// primary sweep for whatever the replica is missing. Replication lag
// must not make a committed changeset look absent.
func (s *Store) fetch(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error) {
	out := make(map[hash.Hash]Changeset, len(ids))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.ReadConcurrency)
	for chunk := range chunkIds(ids, s.cfg.ReadChunkSize) {
		chunk := chunk
		eg.Go(func() error {
			got, err := s.backend.ReadReplica(egCtx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for id, rec := range got {
				out[id] = rec
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var missing []hash.Hash
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	logrus.WithField("count", len(missing)).Debug("replica miss, reading primary")
	got, err := s.backend.ReadPrimary(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, rec := range got {
		out[id] = rec
	}
	return out, nil
}

// chunkIds yields |ids| in slices of at most |size|.
func chunkIds(ids []hash.Hash, size int) <-chan []hash.Hash {
	out := make(chan []hash.Hash)
	go func() {
		defer close(out)
		for len(ids) > 0 {
			n := size
			if n > len(ids) {
				n = len(ids)
			}
			out <- ids[:n]
			ids = ids[n:]
		}
	}()
	return out
}

// Add inserts one changeset and reports whether this call created the
// row. The generation is one past the deepest parent. Racing writers
// are reconciled by content: a duplicate key triggers a fresh primary
// read, and a matching payload makes the insert an idempotent success
// that reports false.
func (s *Store) Add(ctx context.Context, ins Insertion) (bool, error) {
	rec, err := s.resolve(ctx, ins, nil)
	if err != nil {
		return false, err
	}

	err = s.backend.Insert(ctx, []Changeset{rec})
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return false, err
	}
	return false, s.reconcileDuplicates(ctx, []Changeset{rec})
}

// AddMany inserts a batch in one transaction. Entries may name other
// batch entries as parents in any order; parents outside the batch
// must already be stored.
func (s *Store) AddMany(ctx context.Context, batch []Insertion) error {
	if len(batch) == 0 {
		return nil
	}

	inBatch := make(map[hash.Hash]*Changeset, len(batch))
	var outside []hash.Hash
	for _, ins := range batch {
		inBatch[ins.ID] = nil
		for _, p := range ins.Parents {
			outside = append(outside, p)
		}
	}
	var prefetch []hash.Hash
	for _, p := range outside {
		if _, ok := inBatch[p]; !ok {
			prefetch = append(prefetch, p)
		}
	}

	stored, err := s.GetMany(ctx, prefetch)
	if err != nil {
		return err
	}

	// Resolve generations over the batch. Each pass settles every
	// entry whose parents are settled; no progress means a cycle or a
	// genuinely missing parent.
	recs := make([]Changeset, 0, len(batch))
	pending := append([]Insertion(nil), batch...)
	for len(pending) > 0 {
		var stuck []Insertion
		for _, ins := range pending {
			rec, err := s.resolveFrom(ins, stored, inBatch)
			if err == nil {
				recs = append(recs, rec)
				inBatch[ins.ID] = &recs[len(recs)-1]
				continue
			}
			if errors.Is(err, ErrMissingParents) {
				stuck = append(stuck, ins)
				continue
			}
			return err
		}
		if len(stuck) == len(pending) {
			return fmt.Errorf("%d entries with unresolvable parents: %w", len(stuck), ErrMissingParents)
		}
		pending = stuck
	}

	err = s.backend.Insert(ctx, recs)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return err
	}
	return s.reconcileDuplicates(ctx, recs)
}

// resolve derives a record for |ins|, reading parent generations from
// the store.
func (s *Store) resolve(ctx context.Context, ins Insertion, inBatch map[hash.Hash]*Changeset) (Changeset, error) {
	stored, err := s.GetMany(ctx, ins.Parents)
	if err != nil {
		return Changeset{}, err
	}
	return s.resolveFrom(ins, stored, inBatch)
}

func (s *Store) resolveFrom(ins Insertion, stored map[hash.Hash]Changeset, inBatch map[hash.Hash]*Changeset) (Changeset, error) {
	gen := uint64(1)
	for _, p := range ins.Parents {
		var pgen uint64
		if rec, ok := stored[p]; ok {
			pgen = rec.Gen
		} else if rec, ok := inBatch[p]; ok && rec != nil {
			pgen = rec.Gen
		} else {
			return Changeset{}, fmt.Errorf("parent %s of %s: %w", p, ins.ID, ErrMissingParents)
		}
		if pgen+1 > gen {
			gen = pgen + 1
		}
	}
	return Changeset{ID: ins.ID, Parents: append([]hash.Hash(nil), ins.Parents...), Gen: gen}, nil
}

// reconcileDuplicates re-reads |recs| from the primary after a rolled
// back duplicate-key insert and verifies the stored rows carry the
// same payload. The fresh query deliberately runs outside any prior
// transaction so it observes the committed winner.
func (s *Store) reconcileDuplicates(ctx context.Context, recs []Changeset) error {
	ids := make([]hash.Hash, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	stored, err := s.backend.ReadPrimary(ctx, ids)
	if err != nil {
		return err
	}

	var toInsert []Changeset
	for _, rec := range recs {
		existing, ok := stored[rec.ID]
		if !ok {
			toInsert = append(toInsert, rec)
			continue
		}
		if !existing.Equal(rec) {
			return fmt.Errorf("changeset %s: stored gen %d parents %d, attempted gen %d parents %d: %w",
				rec.ID, existing.Gen, len(existing.Parents), rec.Gen, len(rec.Parents),
				ErrDuplicateInsertionInconsistency)
		}
		logrus.WithField("changeset", rec.ID.String()).Debug("duplicate insert matched stored row")
	}

	if len(toInsert) == 0 {
		return nil
	}
	// The collision came from a subset of the batch; retry the rest
	// once. A second collision means another writer is actively racing
	// the same rows, and they are reconciled the same way.
	err = s.backend.Insert(ctx, toInsert)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return err
	}
	return s.reconcileDuplicates(ctx, toInsert)
}
