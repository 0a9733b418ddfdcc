// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"fmt"

	"github.com/scmlab/revstore/hash"
)

// HistoryPack reads per-file ancestry records from an immutable pack
// file pair. Goroutine safe for the same reason DataPack is.
type HistoryPack struct {
	name  string
	paths PackPaths
	data  *mappedFile
	index *mappedFile
	idx   packIndex
}

// OpenHistoryPack maps the history pack named |name| in |dir|.
func OpenHistoryPack(dir, name string) (*HistoryPack, error) {
	paths := historyPackPaths(dir, name)

	data, err := openMapped(paths.Data)
	if err != nil {
		return nil, err
	}
	if len(data.data) < 1 || data.data[0] != historyPackVersion {
		data.close()
		return nil, fmt.Errorf("bad history pack version: %w", ErrCorrupt)
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

	return &HistoryPack{name: name, paths: paths, data: data, index: index, idx: idx}, nil
}

func (p *HistoryPack) Name() string {
	return p.name
}

func (p *HistoryPack) Count() uint32 {
	return p.idx.count
}

// GetEntry returns the history record for revision |h|, or
// ErrNotFound.
func (p *HistoryPack) GetEntry(h hash.Hash) (HistoryEntry, error) {
	ie, ok := p.idx.lookup(h)
	if !ok {
		return HistoryEntry{}, fmt.Errorf("%s: %w", h, ErrNotFound)
	}
	if ie.Offset == 0 || ie.Offset >= uint64(len(p.data.data)) {
		return HistoryEntry{}, fmt.Errorf("offset %d outside pack %s: %w", ie.Offset, p.name, ErrCorrupt)
	}
	e, _, err := readHistoryEntry(p.data.data[ie.Offset:])
	return e, err
}

func (p *HistoryPack) Close() error {
	err := p.data.close()
	if ierr := p.index.close(); err == nil {
		err = ierr
	}
	return err
}

// Remove closes the pack and deletes its file pair.
func (p *HistoryPack) Remove() error {
	if err := p.Close(); err != nil {
		return err
	}
	return removePackFiles(p.paths)
}
