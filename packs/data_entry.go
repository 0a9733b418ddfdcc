// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"

	"github.com/scmlab/revstore/hash"
)

// dataEntryMeta holds the decoded per-entry metadata section.
type dataEntryMeta struct {
	flags    uint16
	fullSize uint64
	checksum uint32
	hasCRC   bool
}

// writeDataEntry appends the serialized form of |d| to |buff| and
// returns the extended buffer. Layout:
//
//	[pathLen u16][path][id 20][baseID 20][deltaLen u64][snappy(data)]
//	[metaLen u32][meta items]
//
// A zero baseID marks a full text. The metadata section carries the
// uncompressed size and a crc of the raw data.
func writeDataEntry(buff []byte, d Delta) []byte {
	var baseID hash.Hash
	if d.Base != nil {
		baseID = d.Base.ID
	}

	compressed := snappy.Encode(nil, d.Data)

	var scratch [uint64Size]byte
	binary.BigEndian.PutUint16(scratch[:], uint16(len(d.Key.Path)))
	buff = append(buff, scratch[:uint16Size]...)
	buff = append(buff, d.Key.Path...)
	buff = append(buff, d.Key.ID[:]...)
	buff = append(buff, baseID[:]...)

	binary.BigEndian.PutUint64(scratch[:], uint64(len(compressed)))
	buff = append(buff, scratch[:uint64Size]...)
	buff = append(buff, compressed...)

	// metadata: full size (u64) and checksum (u32), each framed as
	// [tag u8][len u16][value]
	metaLen := (1 + uint16Size + uint64Size) + (1 + uint16Size + checksumSize)
	binary.BigEndian.PutUint32(scratch[:], uint32(metaLen))
	buff = append(buff, scratch[:uint32Size]...)

	buff = append(buff, metaTagFullSize)
	binary.BigEndian.PutUint16(scratch[:], uint64Size)
	buff = append(buff, scratch[:uint16Size]...)
	binary.BigEndian.PutUint64(scratch[:], uint64(len(d.Data)))
	buff = append(buff, scratch[:uint64Size]...)

	buff = append(buff, metaTagChecksum)
	binary.BigEndian.PutUint16(scratch[:], checksumSize)
	buff = append(buff, scratch[:uint16Size]...)
	binary.BigEndian.PutUint32(scratch[:], crc(d.Data))
	buff = append(buff, scratch[:uint32Size]...)

	return buff
}

// readDataEntry parses the entry beginning at buff[0] and returns the
// decoded delta, its metadata and the number of bytes consumed. Any
// length field overrunning |buff| means the offset landed mid-record
// or the file is damaged; both surface as ErrCorrupt.
func readDataEntry(buff []byte) (Delta, dataEntryMeta, uint64, error) {
	var d Delta
	var meta dataEntryMeta
	pos := uint64(0)

	fail := func(what string) (Delta, dataEntryMeta, uint64, error) {
		return Delta{}, dataEntryMeta{}, 0, fmt.Errorf("%s at offset %d: %w", what, pos, ErrCorrupt)
	}

	if uint64(len(buff)) < pos+uint16Size {
		return fail("truncated path length")
	}
	pathLen := uint64(binary.BigEndian.Uint16(buff[pos:]))
	pos += uint16Size

	if uint64(len(buff)) < pos+pathLen+2*hash.ByteLen+uint64Size {
		return fail("truncated entry header")
	}
	d.Key.Path = string(buff[pos : pos+pathLen])
	pos += pathLen

	copy(d.Key.ID[:], buff[pos:])
	pos += hash.ByteLen

	var baseID hash.Hash
	copy(baseID[:], buff[pos:])
	pos += hash.ByteLen
	if !baseID.IsEmpty() {
		d.Base = &Key{Path: d.Key.Path, ID: baseID}
	}

	deltaLen := binary.BigEndian.Uint64(buff[pos:])
	pos += uint64Size
	if uint64(len(buff)) < pos+deltaLen {
		return fail("delta length overruns region")
	}

	data, err := snappy.Decode(nil, buff[pos:pos+deltaLen])
	if err != nil {
		return Delta{}, dataEntryMeta{}, 0, fmt.Errorf("snappy: %v: %w", err, ErrCorrupt)
	}
	d.Data = data
	pos += deltaLen

	if uint64(len(buff)) < pos+uint32Size {
		return fail("truncated metadata length")
	}
	metaLen := uint64(binary.BigEndian.Uint32(buff[pos:]))
	pos += uint32Size
	if uint64(len(buff)) < pos+metaLen {
		return fail("metadata overruns region")
	}

	metaEnd := pos + metaLen
	for pos < metaEnd {
		if metaEnd-pos < 1+uint16Size {
			return fail("truncated metadata item")
		}
		tag := buff[pos]
		itemLen := uint64(binary.BigEndian.Uint16(buff[pos+1:]))
		pos += 1 + uint16Size
		if metaEnd-pos < itemLen {
			return fail("metadata item overruns section")
		}
		switch tag {
		case metaTagFlags:
			if itemLen != uint16Size {
				return fail("bad flags item length")
			}
			meta.flags = binary.BigEndian.Uint16(buff[pos:])
		case metaTagFullSize:
			if itemLen != uint64Size {
				return fail("bad full size item length")
			}
			meta.fullSize = binary.BigEndian.Uint64(buff[pos:])
		case metaTagChecksum:
			if itemLen != checksumSize {
				return fail("bad checksum item length")
			}
			meta.checksum = binary.BigEndian.Uint32(buff[pos:])
			meta.hasCRC = true
		default:
			// Unknown tags are skipped so old readers tolerate new
			// metadata.
		}
		pos += itemLen
	}

	if meta.hasCRC && meta.checksum != crc(d.Data) {
		return Delta{}, dataEntryMeta{}, 0, fmt.Errorf("checksum mismatch for %s: %w", d.Key, ErrCorrupt)
	}

	return d, meta, pos, nil
}
