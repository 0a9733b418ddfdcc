// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/scmlab/revstore/hash"
)

// MutableDataPack buffers delta writes in memory until Flush publishes
// them as an immutable pack pair. Adds overwrite by key, which is why
// a single mutator at a time holds the lock; flushed packs need no
// locking at all.
type MutableDataPack struct {
	mu      sync.Mutex
	dir     string
	entries map[string]map[hash.Hash]int
	order   []Delta
}

// NewMutableDataPack creates a mutable pack that will publish into
// |dir|.
func NewMutableDataPack(dir string) *MutableDataPack {
	return &MutableDataPack{
		dir:     dir,
		entries: make(map[string]map[hash.Hash]int),
	}
}

// Add buffers |d|, replacing any previously added delta with the same
// key. No chain validation happens here; chains are checked at read
// time.
func (mp *MutableDataPack) Add(d Delta) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	byID, ok := mp.entries[d.Key.Path]
	if !ok {
		byID = make(map[hash.Hash]int)
		mp.entries[d.Key.Path] = byID
	}

	if i, ok := byID[d.Key.ID]; ok {
		mp.order[i] = d
		return
	}
	byID[d.Key.ID] = len(mp.order)
	mp.order = append(mp.order, d)
}

// Count returns the number of buffered deltas.
func (mp *MutableDataPack) Count() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.order)
}

// Flush publishes the buffered deltas as an immutable pack named by
// the content hash of its serialized bytes, and resets the buffer.
// Flushing an empty buffer is a no-op, not an error; it returns nil
// paths.
func (mp *MutableDataPack) Flush() (*PackPaths, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if len(mp.order) == 0 {
		return nil, nil
	}

	name, data, index := writeDataPack(mp.order)
	paths, err := publishPack(mp.dir, name.String(), data, index, dataPackExt, dataIndexExt)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"pack":    name.String(),
		"entries": len(mp.order),
	}).Debug("flushed data pack")

	mp.entries = make(map[string]map[hash.Hash]int)
	mp.order = nil
	return &paths, nil
}

// MutableHistoryPack buffers history entries until Flush publishes
// them, ordering each file's section newest first.
type MutableHistoryPack struct {
	mu      sync.Mutex
	dir     string
	entries map[string]map[hash.Hash]HistoryEntry
}

// NewMutableHistoryPack creates a mutable history pack that will
// publish into |dir|.
func NewMutableHistoryPack(dir string) *MutableHistoryPack {
	return &MutableHistoryPack{
		dir:     dir,
		entries: make(map[string]map[hash.Hash]HistoryEntry),
	}
}

// Add buffers |e|, replacing any previously added entry with the same
// key.
func (mp *MutableHistoryPack) Add(e HistoryEntry) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	byID, ok := mp.entries[e.Key.Path]
	if !ok {
		byID = make(map[hash.Hash]HistoryEntry)
		mp.entries[e.Key.Path] = byID
	}
	byID[e.Key.ID] = e
}

// Count returns the number of buffered entries.
func (mp *MutableHistoryPack) Count() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	n := 0
	for _, byID := range mp.entries {
		n += len(byID)
	}
	return n
}

// Flush publishes the buffered entries and resets the buffer. Each
// file's section is topologically sorted newest first before
// serialization. Returns nil paths on an empty buffer.
func (mp *MutableHistoryPack) Flush() (*PackPaths, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var all []HistoryEntry
	paths := make([]string, 0, len(mp.entries))
	for p := range mp.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		all = append(all, sortSectionNewestFirst(mp.entries[p])...)
	}

	if len(all) == 0 {
		return nil, nil
	}

	name, data, index := writeHistoryPack(all)
	published, err := publishPack(mp.dir, name.String(), data, index, historyPackExt, historyIdxExt)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"pack":    name.String(),
		"entries": len(all),
	}).Debug("flushed history pack")

	mp.entries = make(map[string]map[hash.Hash]HistoryEntry)
	return &published, nil
}

// sortSectionNewestFirst post-DFS orders one file's entries so that no
// entry follows one of its descendants: most recent revision first,
// founding revision last. A parent-pointer cycle here means changeset
// insertion upstream broke its invariant, which is a logic error, not
// a storage condition.
func sortSectionNewestFirst(section map[hash.Hash]HistoryEntry) []HistoryEntry {
	const (
		inProgress = 1
		done       = 2
	)

	state := make(map[hash.Hash]int, len(section))
	out := make([]HistoryEntry, 0, len(section))

	var visit func(h hash.Hash)
	visit = func(h hash.Hash) {
		e, ok := section[h]
		if !ok {
			return // parent outside this pack
		}
		switch state[h] {
		case done:
			return
		case inProgress:
			panic(fmt.Sprintf("parent cycle at %s in history pack section", h))
		}
		state[h] = inProgress
		visit(e.P1)
		visit(e.P2)
		state[h] = done
		out = append(out, e)
	}

	ids := make(hash.HashSlice, 0, len(section))
	for h := range section {
		ids = append(ids, h)
	}
	sort.Sort(ids)
	for _, h := range ids {
		visit(h)
	}

	// post-DFS yields oldest first; reverse for newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// publishPack writes |data| and |index| each to a temp file in |dir|,
// then renames both into place. Rename-into-place makes publication
// atomic on the data path; readers either see the whole pack or none
// of it.
func publishPack(dir, name string, data, index []byte, dataExt, idxExt string) (PackPaths, error) {
	paths := PackPaths{
		Data:  filepath.Join(dir, name+dataExt),
		Index: filepath.Join(dir, name+idxExt),
	}

	if err := writeTempAndRename(dir, paths.Data, data); err != nil {
		return PackPaths{}, err
	}
	if err := writeTempAndRename(dir, paths.Index, index); err != nil {
		// Don't leave a dangling data file behind a failed index
		// publish.
		_ = os.Remove(paths.Data)
		return PackPaths{}, err
	}
	return paths, nil
}

func writeTempAndRename(dir, dest string, contents []byte) (err error) {
	temp, err := os.CreateTemp(dir, tempPackPrefix)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = os.Remove(temp.Name())
		}
	}()

	if _, err = temp.Write(contents); err != nil {
		temp.Close()
		return err
	}
	if err = temp.Close(); err != nil {
		return err
	}

	return os.Rename(temp.Name(), dest)
}
