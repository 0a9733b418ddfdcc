// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfIsStable(t *testing.T) {
	data := []byte("commit: abc")
	assert.Equal(t, Of(data), Of(data))
	assert.NotEqual(t, Of(data), Of([]byte("commit: abd")))
}

func TestParseRoundTrip(t *testing.T) {
	h := Of([]byte("round trip"))
	s := h.String()
	assert.Len(t, s, StringLen)

	parsed, ok := MaybeParse(s)
	require.True(t, ok)
	assert.Equal(t, h, parsed)
	assert.Equal(t, h, Parse(s))
}

func TestMaybeParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"too short",
		"wwwwwwwwwwwwwwwwwwwwwwwwwwwwwwww", // w is outside the alphabet
		"0123456789abcdefghijklmnopqrstu",  // 31 chars
	} {
		_, ok := MaybeParse(s)
		assert.False(t, ok, "parsed %q", s)
	}
}

func TestParsePanicsOnGarbage(t *testing.T) {
	assert.Panics(t, func() { Parse("not a hash") })
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, Hash{}.IsEmpty())
	assert.False(t, Of([]byte("x")).IsEmpty())
}

func TestSentinels(t *testing.T) {
	assert.True(t, Null.IsSentinel())
	assert.True(t, WorkingDir.IsSentinel())
	assert.False(t, Of([]byte("real")).IsSentinel())
	assert.True(t, Null.IsEmpty())
}

func TestPrefixMatchesLeadingBytes(t *testing.T) {
	h := Of([]byte("prefix"))
	var want uint64
	for i := 0; i < PrefixLen; i++ {
		want = want<<8 | uint64(h[i])
	}
	assert.Equal(t, want, h.Prefix())
}

func TestLessOrdersLikeBytes(t *testing.T) {
	a := Of([]byte("a"))
	b := Of([]byte("b"))
	if b.Less(a) {
		a, b = b, a
	}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestHashSet(t *testing.T) {
	a, b := Of([]byte("a")), Of([]byte("b"))

	s := HashSet{}
	s.Insert(a)
	s.Insert(a)
	assert.Equal(t, 1, len(s))
	assert.True(t, s.Has(a))
	assert.False(t, s.Has(b))

	s.Insert(b)
	cp := s.Copy()
	s.Remove(a)
	assert.False(t, s.Has(a))
	assert.True(t, cp.Has(a))
	assert.ElementsMatch(t, []Hash{a, b}, cp.ToSlice())
}
