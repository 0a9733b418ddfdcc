// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/scmlab/revstore/hash"
)

// Splice is one edit of a patch: replace base[Start:End] with Data.
// Splices in a patch are sorted by Start, reference original base
// offsets and never overlap.
type Splice struct {
	Start uint32
	End   uint32
	Data  []byte
}

// EncodePatch serializes splices into delta bytes:
// repeated [start u32][end u32][dataLen u32][data].
func EncodePatch(splices []Splice) []byte {
	size := 0
	for _, s := range splices {
		size += 3*uint32Size + len(s.Data)
	}
	buff := make([]byte, 0, size)
	var scratch [uint32Size]byte
	for _, s := range splices {
		binary.BigEndian.PutUint32(scratch[:], s.Start)
		buff = append(buff, scratch[:]...)
		binary.BigEndian.PutUint32(scratch[:], s.End)
		buff = append(buff, scratch[:]...)
		binary.BigEndian.PutUint32(scratch[:], uint32(len(s.Data)))
		buff = append(buff, scratch[:]...)
		buff = append(buff, s.Data...)
	}
	return buff
}

// applyPatch replays the splices of |patch| against |base|.
func applyPatch(base, patch []byte) ([]byte, error) {
	out := make([]byte, 0, len(base))
	pos := uint64(0)
	last := uint64(0)

	for pos < uint64(len(patch)) {
		if uint64(len(patch))-pos < 3*uint32Size {
			return nil, fmt.Errorf("truncated splice at %d: %w", pos, ErrCorrupt)
		}
		start := uint64(binary.BigEndian.Uint32(patch[pos:]))
		end := uint64(binary.BigEndian.Uint32(patch[pos+uint32Size:]))
		dataLen := uint64(binary.BigEndian.Uint32(patch[pos+2*uint32Size:]))
		pos += 3 * uint32Size

		if uint64(len(patch))-pos < dataLen {
			return nil, fmt.Errorf("splice data overruns patch: %w", ErrCorrupt)
		}
		if start < last || end < start || end > uint64(len(base)) {
			return nil, fmt.Errorf("splice [%d,%d) out of order or out of range: %w", start, end, ErrCorrupt)
		}

		out = append(out, base[last:start]...)
		out = append(out, patch[pos:pos+dataLen]...)
		pos += dataLen
		last = end
	}

	out = append(out, base[last:]...)
	return out, nil
}

// chainLookup resolves a revision id to its stored delta. Absent ids
// return ErrNotFound.
type chainLookup func(id hash.Hash) (Delta, error)

// collectChain walks delta base pointers from |id| back to a full
// text, returning the chain tip-first. The walk is bounded by
// |maxLen| hops: base links are plain id values, so a corrupted cycle
// would otherwise loop forever. Pure id-space logic, independent of
// any I/O.
func collectChain(id hash.Hash, maxLen int, lookup chainLookup) ([]Delta, error) {
	var chain []Delta
	next := id

	for {
		if len(chain) >= maxLen {
			return nil, fmt.Errorf("chain from %s exceeds %d hops: %w", id, maxLen, ErrChainTooLong)
		}

		d, err := lookup(next)
		if err != nil {
			if len(chain) == 0 {
				return nil, err
			}
			// Only an absent base is a missing base. Corruption and
			// I/O failures keep their class so callers don't try to
			// repair them by fetching.
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("base %s of %s: %w: %w", next, id, ErrMissingBase, err)
			}
			return nil, fmt.Errorf("base %s of %s: %w", next, id, err)
		}

		chain = append(chain, d)
		if d.IsFullText() {
			return chain, nil
		}
		next = d.Base.ID
	}
}

// expandChain reconstructs the full text of the chain tip. The chain
// is tip-first, so patches replay from the full text forward, oldest
// applied first.
func expandChain(chain []Delta) ([]byte, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty delta chain: %w", ErrCorrupt)
	}

	last := chain[len(chain)-1]
	if !last.IsFullText() {
		return nil, fmt.Errorf("chain does not end in a full text: %w", ErrCorrupt)
	}

	text := last.Data
	for i := len(chain) - 2; i >= 0; i-- {
		var err error
		text, err = applyPatch(text, chain[i].Data)
		if err != nil {
			return nil, fmt.Errorf("applying %s: %w", chain[i].Key, err)
		}
	}
	return text, nil
}
