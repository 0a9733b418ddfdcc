// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"encoding/binary"
	"fmt"

	"github.com/scmlab/revstore/hash"
)

// writeHistoryEntry appends the serialized form of |e| to |buff|.
// Layout:
//
//	[id 20][sha(path) 20][pathLen u16][path][p1 20][p2 20][linknode 20]
//	[copyLen u16][copyFrom]
//
// The path digest lets readers group a file's section without parsing
// the variable-length path first.
func writeHistoryEntry(buff []byte, e HistoryEntry) []byte {
	pathHash := hash.Of([]byte(e.Key.Path))

	var scratch [uint16Size]byte
	buff = append(buff, e.Key.ID[:]...)
	buff = append(buff, pathHash[:]...)

	binary.BigEndian.PutUint16(scratch[:], uint16(len(e.Key.Path)))
	buff = append(buff, scratch[:]...)
	buff = append(buff, e.Key.Path...)

	buff = append(buff, e.P1[:]...)
	buff = append(buff, e.P2[:]...)
	buff = append(buff, e.Linknode[:]...)

	binary.BigEndian.PutUint16(scratch[:], uint16(len(e.CopySource)))
	buff = append(buff, scratch[:]...)
	buff = append(buff, e.CopySource...)

	return buff
}

// readHistoryEntry parses the entry beginning at buff[0], returning
// the entry and the number of bytes consumed.
func readHistoryEntry(buff []byte) (HistoryEntry, uint64, error) {
	var e HistoryEntry
	pos := uint64(0)

	fail := func(what string) (HistoryEntry, uint64, error) {
		return HistoryEntry{}, 0, fmt.Errorf("%s at offset %d: %w", what, pos, ErrCorrupt)
	}

	if uint64(len(buff)) < 2*hash.ByteLen+uint16Size {
		return fail("truncated history header")
	}
	copy(e.Key.ID[:], buff[pos:])
	pos += hash.ByteLen

	var pathHash hash.Hash
	copy(pathHash[:], buff[pos:])
	pos += hash.ByteLen

	pathLen := uint64(binary.BigEndian.Uint16(buff[pos:]))
	pos += uint16Size
	if uint64(len(buff)) < pos+pathLen+3*hash.ByteLen+uint16Size {
		return fail("truncated history entry")
	}
	e.Key.Path = string(buff[pos : pos+pathLen])
	pos += pathLen

	if hash.Of([]byte(e.Key.Path)) != pathHash {
		return fail("path digest mismatch")
	}

	copy(e.P1[:], buff[pos:])
	pos += hash.ByteLen
	copy(e.P2[:], buff[pos:])
	pos += hash.ByteLen
	copy(e.Linknode[:], buff[pos:])
	pos += hash.ByteLen

	copyLen := uint64(binary.BigEndian.Uint16(buff[pos:]))
	pos += uint16Size
	if uint64(len(buff)) < pos+copyLen {
		return fail("copy source overruns region")
	}
	e.CopySource = string(buff[pos : pos+copyLen])
	pos += copyLen

	return e, pos, nil
}
