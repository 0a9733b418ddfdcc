// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import "github.com/scmlab/revstore/hash"

const (
	uint64Size = 8
	uint32Size = 4
	uint16Size = 2

	checksumSize = uint32Size

	// Current version of the data/history pack formats. Version 0
	// packs carry no per-entry metadata section.
	dataPackVersion    = byte(1)
	historyPackVersion = byte(1)
	indexVersion       = byte(1)

	// fanoutSize is the number of slots in the index fanout table, one
	// per possible leading byte of a hash.
	fanoutSize = 256

	fanoutTableSize = fanoutSize * uint32Size
	indexHeaderSize = 2 // version byte + config byte

	// indexEntrySize is id + delta base location + pack offset + size.
	indexEntrySize = hash.ByteLen + uint32Size + uint64Size + uint64Size

	// noBaseLocation marks an index entry whose delta base is a full
	// text or lives in another pack.
	noBaseLocation = int32(-1)

	// defaultMaxChainLen bounds delta chain walks. The ceiling exists
	// to turn a cycle in delta base pointers into an error instead of
	// unbounded work; it is a corruption guard, not a tuning knob.
	defaultMaxChainLen = 1000

	dataPackExt    = ".datapack"
	dataIndexExt   = ".dataidx"
	historyPackExt = ".histpack"
	historyIdxExt  = ".histidx"

	tempPackPrefix = "revstore_pack_"
)

// Per-entry metadata tags. A metadata section is a u32 byte count
// followed by [tag u8][len u16][value] items.
const (
	metaTagFlags    = byte(0x01)
	metaTagFullSize = byte(0x02)
	metaTagChecksum = byte(0x03)
)
