// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

// Package hash implements the content address used to name commits,
// file revisions and packs: a 20-byte truncated sha512 digest with a
// base32 string form.
package hash

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"regexp"
)

const (
	// ByteLen is the number of bytes used to represent a Hash.
	ByteLen = 20

	// PrefixLen is the number of leading bytes treated as the fanout
	// prefix by pack indexes.
	PrefixLen = 8

	// SuffixLen is the number of bytes remaining after the prefix.
	SuffixLen = ByteLen - PrefixLen

	// StringLen is the number of characters in the string form. 20
	// bytes of data are encoded as 32 base32 characters.
	StringLen = 32
)

var pattern = regexp.MustCompile("^([0-9a-v]{" + fmt.Sprintf("%d", StringLen) + "})$")

// Null names nothing: the zero hash, used as the missing-parent and
// empty-revision sentinel.
var Null = Hash{}

// WorkingDir is the virtual id of the uncommitted working directory.
// It never names stored content and must resolve locally without any
// remote round trip.
var WorkingDir = Hash{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// IsSentinel determines whether |h| is one of the virtual ids that
// resolve to empty content without a lookup.
func (h Hash) IsSentinel() bool {
	return h == Null || h == WorkingDir
}

// Hash is the content address of a piece of data. The zero Hash is
// the null sentinel: it names nothing and compares less than every
// real hash.
type Hash [ByteLen]byte

// IsEmpty determines whether this Hash is the null sentinel.
func (h Hash) IsEmpty() bool {
	return h == Hash{}
}

// Prefix returns the first PrefixLen bytes of the hash as a big-endian
// uint64, used by pack index fanout and bisection.
func (h Hash) Prefix() uint64 {
	return binary.BigEndian.Uint64(h[:PrefixLen])
}

// Suffix returns the bytes of the hash following the prefix.
func (h Hash) Suffix() []byte {
	return h[PrefixLen:]
}

// String returns the base32 form of the hash.
func (h Hash) String() string {
	return encode(h[:])
}

// Less compares hashes by byte order.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// Of returns the Hash of |data|.
func Of(data []byte) Hash {
	r := sha512.Sum512(data)
	return New(r[:ByteLen])
}

// New creates a new Hash backed by data, assuming len(data) == ByteLen.
func New(data []byte) Hash {
	d := Hash{}
	copy(d[:], data)
	return d
}

// MaybeParse parses a string representing a hash as a base32 encoded
// byte array. If the string is not well formed, returns the zero hash
// and false.
func MaybeParse(s string) (Hash, bool) {
	match := pattern.FindStringSubmatch(s)
	if match == nil {
		return Hash{}, false
	}
	return New(decode(s)), true
}

// Parse parses a string representing a hash as a base32 encoded byte
// array. If the string is not well formed it panics.
func Parse(s string) Hash {
	r, ok := MaybeParse(s)
	if !ok {
		panic(fmt.Errorf("could not parse hash: %s", s))
	}
	return r
}

// HashSlice is a sortable slice of hashes.
type HashSlice []Hash

func (rs HashSlice) Len() int           { return len(rs) }
func (rs HashSlice) Less(i, j int) bool { return rs[i].Less(rs[j]) }
func (rs HashSlice) Swap(i, j int)      { rs[i], rs[j] = rs[j], rs[i] }

// HashSet is a set of hashes.
type HashSet map[Hash]struct{}

// NewHashSet returns a HashSet initialized with |hashes|.
func NewHashSet(hashes ...Hash) HashSet {
	out := make(HashSet, len(hashes))
	for _, h := range hashes {
		out.Insert(h)
	}
	return out
}

// Insert adds a hash to the set.
func (hs HashSet) Insert(h Hash) {
	hs[h] = struct{}{}
}

// Has returns true if the set contains |h|.
func (hs HashSet) Has(h Hash) bool {
	_, has := hs[h]
	return has
}

// Remove removes |h| from the set if present.
func (hs HashSet) Remove(h Hash) {
	delete(hs, h)
}

// Copy returns a copy of the set.
func (hs HashSet) Copy() HashSet {
	out := make(HashSet, len(hs))
	for k := range hs {
		out[k] = struct{}{}
	}
	return out
}

// ToSlice returns the members of the set in unspecified order.
func (hs HashSet) ToSlice() HashSlice {
	out := make(HashSlice, 0, len(hs))
	for k := range hs {
		out = append(out, k)
	}
	return out
}
