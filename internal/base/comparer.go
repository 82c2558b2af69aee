// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

import "bytes"

// Compare returns -1, 0, or +1 depending on whether a is 'less than',
// 'equal to' or 'greater than' b. An empty slice must be 'less than' any
// non-empty slice.
type Compare func(a, b []byte) int

// Equal returns true if a and b are equivalent.
type Equal func(a, b []byte) bool

// Comparer defines a total ordering over the space of user keys.
type Comparer struct {
	Compare Compare
	Equal   Equal

	// Name is the name of the comparer. The engine rejects a version
	// snapshot whose comparer name differs from the picker's.
	Name string
}

// DefaultComparer is the default bytewise comparer.
var DefaultComparer = &Comparer{
	Compare: bytes.Compare,
	Equal:   bytes.Equal,
	Name:    "leveldb.BytewiseComparator",
}

// InternalCompare compares two internal keys using the specified
// comparison function. For equal user keys, internal keys compare in
// descending sequence number order. For equal user keys and sequence
// numbers, internal keys compare in descending kind order.
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if x := userCmp(a.UserKey, b.UserKey); x != 0 {
		return x
	}
	if a.Trailer > b.Trailer {
		return -1
	}
	if a.Trailer < b.Trailer {
		return 1
	}
	return 0
}
