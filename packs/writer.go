// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"github.com/scmlab/revstore/hash"
)

// writeDataPack serializes |deltas| in order into data file and index
// file bytes. The pack is named by the content hash of the serialized
// data bytes, so identical contents always publish under the same
// name.
func writeDataPack(deltas []Delta) (name hash.Hash, data []byte, index []byte) {
	data = append(data, dataPackVersion)
	recs := make([]indexRec, 0, len(deltas))

	for _, d := range deltas {
		offset := uint64(len(data))
		data = writeDataEntry(data, d)

		var baseID hash.Hash
		if d.Base != nil {
			baseID = d.Base.ID
		}
		recs = append(recs, indexRec{
			id:     d.Key.ID,
			baseID: baseID,
			offset: offset,
			size:   uint64(len(data)) - offset,
		})
	}

	return hash.Of(data), data, buildIndex(recs)
}

// writeHistoryPack serializes |entries| in order. Callers are
// responsible for ordering each file's section newest first; this
// function preserves the order it is given.
func writeHistoryPack(entries []HistoryEntry) (name hash.Hash, data []byte, index []byte) {
	data = append(data, historyPackVersion)
	recs := make([]indexRec, 0, len(entries))

	for _, e := range entries {
		offset := uint64(len(data))
		data = writeHistoryEntry(data, e)
		recs = append(recs, indexRec{
			id:     e.Key.ID,
			offset: offset,
			size:   uint64(len(data)) - offset,
		})
	}

	return hash.Of(data), data, buildIndex(recs)
}
