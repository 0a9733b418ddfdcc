// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/scmlab/revstore/hash"
)

// DataPack reads delta records from an immutable pack file pair via a
// memory-mapped view. Safe for concurrent use by multiple goroutines
// and processes: the underlying files are append-only-then-frozen.
type DataPack struct {
	name        string
	paths       PackPaths
	data        *mappedFile
	index       *mappedFile
	idx         packIndex
	maxChainLen int
}

// OpenDataPack maps the pack named |name| in |dir|.
func OpenDataPack(dir, name string) (*DataPack, error) {
	paths := dataPackPaths(dir, name)

	data, err := openMapped(paths.Data)
	if err != nil {
		return nil, err
	}
	if len(data.data) < 1 || data.data[0] != dataPackVersion {
		data.close()
		return nil, fmt.Errorf("bad data pack version: %w", ErrCorrupt)
	}

	index, err := openMapped(paths.Index)
	if err != nil {
		data.close()
		return nil, err
	}

	idx, err := parsePackIndex(index.data)
	if err != nil {
		data.close()
		index.close()
		return nil, err
	}

	return &DataPack{
		name:        name,
		paths:       paths,
		data:        data,
		index:       index,
		idx:         idx,
		maxChainLen: defaultMaxChainLen,
	}, nil
}

// Name returns the content-hash name of the pack.
func (p *DataPack) Name() string {
	return p.name
}

// Count returns the number of entries in the pack.
func (p *DataPack) Count() uint32 {
	return p.idx.count
}

// Lookup bisects the index for |h|.
func (p *DataPack) Lookup(h hash.Hash) (IndexEntry, bool) {
	return p.idx.lookup(h)
}

// ReadEntry parses the record starting at |offset| in the data file.
func (p *DataPack) ReadEntry(offset uint64) (Delta, error) {
	if offset == 0 || offset >= uint64(len(p.data.data)) {
		return Delta{}, fmt.Errorf("offset %d outside pack %s: %w", offset, p.name, ErrCorrupt)
	}
	d, _, _, err := readDataEntry(p.data.data[offset:])
	return d, err
}

// GetDelta returns the stored delta for |h|, or ErrNotFound.
func (p *DataPack) GetDelta(h hash.Hash) (Delta, error) {
	e, ok := p.idx.lookup(h)
	if !ok {
		return Delta{}, fmt.Errorf("%s: %w", h, ErrNotFound)
	}
	return p.ReadEntry(e.Offset)
}

// GetFullText reconstructs the complete text of revision |h| by
// walking its delta chain back to a full text and replaying patches
// oldest first.
func (p *DataPack) GetFullText(h hash.Hash) ([]byte, error) {
	chain, err := collectChain(h, p.maxChainLen, p.GetDelta)
	if err != nil {
		return nil, err
	}
	return expandChain(chain)
}

// StatsSummary returns a human-readable description of the pack.
func (p *DataPack) StatsSummary() string {
	return fmt.Sprintf("pack %s: %s entries, %s data, %s index",
		p.name,
		humanize.Comma(int64(p.idx.count)),
		humanize.Bytes(uint64(len(p.data.data))),
		humanize.Bytes(uint64(len(p.index.data))))
}

// Close unmaps and closes the underlying files.
func (p *DataPack) Close() error {
	err := p.data.close()
	if ierr := p.index.close(); err == nil {
		err = ierr
	}
	return err
}

// Remove closes the pack and deletes its file pair. Open handles must
// be released before unlinking; a half-deleted pair is tolerated.
func (p *DataPack) Remove() error {
	if err := p.Close(); err != nil {
		return err
	}
	return removePackFiles(p.paths)
}
