// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternalKeyEncodeDecode(t *testing.T) {
	keys := []InternalKey{
		MakeInternalKey([]byte("foo"), 7, InternalKeyKindSet),
		MakeInternalKey([]byte(""), SeqNumMax, InternalKeyKindDelete),
		MakeSearchKey([]byte("bar")),
	}
	for _, k := range keys {
		buf := k.EncodeToBuf(nil)
		require.Len(t, buf, k.Size())
		decoded := DecodeInternalKey(buf)
		require.Equal(t, k.UserKey, decoded.UserKey)
		require.Equal(t, k.Trailer, decoded.Trailer)
	}

	short := DecodeInternalKey([]byte("abc"))
	require.False(t, short.Valid())
}

func TestInternalCompare(t *testing.T) {
	cmp := DefaultComparer.Compare

	a5 := MakeInternalKey([]byte("a"), 5, InternalKeyKindSet)
	a7 := MakeInternalKey([]byte("a"), 7, InternalKeyKindSet)
	b1 := MakeInternalKey([]byte("b"), 1, InternalKeyKindSet)

	// Ascending user key.
	require.Negative(t, InternalCompare(cmp, a5, b1))
	require.Positive(t, InternalCompare(cmp, b1, a7))
	// Equal user keys sort by descending sequence number.
	require.Negative(t, InternalCompare(cmp, a7, a5))
	require.Positive(t, InternalCompare(cmp, a5, a7))
	require.Equal(t, 0, InternalCompare(cmp, a5, a5))
	// A search key sorts before any real key with the same user key.
	require.Negative(t, InternalCompare(cmp, MakeSearchKey([]byte("a")), a7))
}

func TestInternalKeyClone(t *testing.T) {
	userKey := []byte("key")
	k := MakeInternalKey(userKey, 3, InternalKeyKindSet)
	c := k.Clone()
	userKey[0] = 'x'
	require.Equal(t, []byte("key"), c.UserKey)
	require.Equal(t, k.Trailer, c.Trailer)
}
