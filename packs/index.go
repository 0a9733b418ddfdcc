// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/scmlab/revstore/hash"
)

// IndexEntry locates one record within a pack data file.
type IndexEntry struct {
	ID hash.Hash

	// BaseLocation is the index position of this entry's delta base
	// within the same pack, or noBaseLocation when the entry is a full
	// text or its base lives in another pack.
	BaseLocation int32

	// Offset and Size frame the record in the pack data file.
	Offset uint64
	Size   uint64
}

// packIndex answers id lookups against a single pack. The entry region
// may reference memory-mapped storage directly; the index never keeps
// mutable state, so concurrent readers need no locking.
type packIndex struct {
	version byte
	config  byte
	count   uint32

	// fanout[i] is the first index position whose id's leading byte is
	// >= i. Lookups narrow to [fanout[b], fanout[b+1]) before
	// bisecting.
	fanout [fanoutSize]uint32

	entries []byte
}

// parsePackIndex parses an index from |buff|. The returned index keeps
// a reference into |buff|.
func parsePackIndex(buff []byte) (packIndex, error) {
	if len(buff) < indexHeaderSize+fanoutTableSize {
		return packIndex{}, fmt.Errorf("index too short (%d bytes): %w", len(buff), ErrCorrupt)
	}
	if buff[0] != indexVersion {
		return packIndex{}, fmt.Errorf("unknown index version %d: %w", buff[0], ErrCorrupt)
	}

	idx := packIndex{version: buff[0], config: buff[1]}
	pos := indexHeaderSize
	for i := 0; i < fanoutSize; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(buff[pos:])
		pos += uint32Size
	}

	entryBytes := len(buff) - pos
	if entryBytes%indexEntrySize != 0 {
		return packIndex{}, fmt.Errorf("index entry region is %d bytes: %w", entryBytes, ErrCorrupt)
	}
	idx.count = uint32(entryBytes / indexEntrySize)
	idx.entries = buff[pos:]

	for i := 0; i < fanoutSize; i++ {
		if idx.fanout[i] > idx.count {
			return packIndex{}, fmt.Errorf("fanout slot %d out of range: %w", i, ErrCorrupt)
		}
		if i > 0 && idx.fanout[i] < idx.fanout[i-1] {
			return packIndex{}, fmt.Errorf("fanout not monotone at slot %d: %w", i, ErrCorrupt)
		}
	}
	return idx, nil
}

func (idx packIndex) entryAt(i uint32) IndexEntry {
	rec := idx.entries[uint64(i)*indexEntrySize:]
	var e IndexEntry
	copy(e.ID[:], rec[:hash.ByteLen])
	e.BaseLocation = int32(binary.BigEndian.Uint32(rec[hash.ByteLen:]))
	e.Offset = binary.BigEndian.Uint64(rec[hash.ByteLen+uint32Size:])
	e.Size = binary.BigEndian.Uint64(rec[hash.ByteLen+uint32Size+uint64Size:])
	return e
}

func (idx packIndex) idAt(i uint32) []byte {
	rec := idx.entries[uint64(i)*indexEntrySize:]
	return rec[:hash.ByteLen]
}

// lookup returns the entry for |h| if present. The fanout table
// narrows the search range to a single leading byte before a standard
// bisect, so the binary search runs over a 1/256 slice of the index.
func (idx packIndex) lookup(h hash.Hash) (IndexEntry, bool) {
	pos, ok := idx.lookupOrdinal(h)
	if !ok {
		return IndexEntry{}, false
	}
	return idx.entryAt(pos), true
}

func (idx packIndex) lookupOrdinal(h hash.Hash) (uint32, bool) {
	lft := idx.fanout[h[0]]
	rht := idx.count
	if int(h[0]) < fanoutSize-1 {
		rht = idx.fanout[h[0]+1]
	}

	// sort.Search inlined over the narrowed range.
	for lft < rht {
		m := lft + (rht-lft)/2
		if bytes.Compare(idx.idAt(m), h[:]) < 0 {
			lft = m + 1
		} else {
			rht = m
		}
	}

	if lft < idx.count && bytes.Equal(idx.idAt(lft), h[:]) {
		return lft, true
	}
	return 0, false
}

type indexRec struct {
	id     hash.Hash
	baseID hash.Hash
	offset uint64
	size   uint64
}

type indexRecSlice []indexRec

func (rs indexRecSlice) Len() int           { return len(rs) }
func (rs indexRecSlice) Less(i, j int) bool { return rs[i].id.Less(rs[j].id) }
func (rs indexRecSlice) Swap(i, j int)      { rs[i], rs[j] = rs[j], rs[i] }

// buildIndex serializes |recs| into index file bytes: header, fanout
// table, then entries sorted by id. Delta base locations are resolved
// to post-sort positions; bases not present in this pack get
// noBaseLocation.
func buildIndex(recs []indexRec) []byte {
	sort.Sort(indexRecSlice(recs))

	position := make(map[hash.Hash]uint32, len(recs))
	for i, r := range recs {
		position[r.id] = uint32(i)
	}

	buff := make([]byte, indexHeaderSize+fanoutTableSize+len(recs)*indexEntrySize)
	buff[0] = indexVersion
	buff[1] = 0 // config: no options defined yet

	pos := indexHeaderSize
	next := 0
	for b := 0; b < fanoutSize; b++ {
		for next < len(recs) && int(recs[next].id[0]) < b {
			next++
		}
		binary.BigEndian.PutUint32(buff[pos:], uint32(next))
		pos += uint32Size
	}

	for _, r := range recs {
		copy(buff[pos:], r.id[:])
		pos += hash.ByteLen

		baseLoc := noBaseLocation
		if !r.baseID.IsEmpty() {
			if p, ok := position[r.baseID]; ok {
				baseLoc = int32(p)
			}
		}
		binary.BigEndian.PutUint32(buff[pos:], uint32(baseLoc))
		pos += uint32Size

		binary.BigEndian.PutUint64(buff[pos:], r.offset)
		pos += uint64Size
		binary.BigEndian.PutUint64(buff[pos:], r.size)
		pos += uint64Size
	}

	return buff
}
