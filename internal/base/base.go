// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package base exports the key model shared by the manifest and the
// compaction picker: sequence numbers, internal keys and their encoding,
// and comparers.
package base

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/redact"
)

// SeqNum is a sequence number defining precedence among identical user
// keys. A key with a higher sequence number takes precedence over a key
// with an equal user key of a lower sequence number. Sequence numbers are
// stored within the internal key trailer as a 7-byte uint. A key's
// sequence number may be set to zero during compactions when it can be
// proven that no identical keys with lower sequence numbers exist.
type SeqNum uint64

const (
	// SeqNumZero is the zero sequence number, set by compactions if they
	// can guarantee there are no keys underneath an internal key.
	SeqNumZero SeqNum = 0
	// SeqNumMax is the largest valid sequence number.
	SeqNumMax SeqNum = 1<<56 - 1
)

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return fmt.Sprintf("%d", uint64(s))
}

// SafeFormat implements redact.SafeFormatter.
func (s SeqNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// InternalKeyKind enumerates the kind of key: a deletion tombstone, a set
// value, a merged value, etc.
type InternalKeyKind uint8

// These constants are part of the file format, and should not be changed.
const (
	InternalKeyKindDelete      InternalKeyKind = 0
	InternalKeyKindSet         InternalKeyKind = 1
	InternalKeyKindMerge       InternalKeyKind = 2
	InternalKeyKindRangeDelete InternalKeyKind = 15

	// InternalKeyKindMax sorts 'less than or equal to' any other valid
	// kind (kinds sort descending within an equal user key and sequence
	// number), so it is used when constructing seek keys.
	InternalKeyKindMax InternalKeyKind = 23

	// InternalKeyKindInvalid marks a key that failed decoding.
	InternalKeyKindInvalid InternalKeyKind = 255
)

var internalKeyKindNames = map[InternalKeyKind]string{
	InternalKeyKindDelete:      "DEL",
	InternalKeyKindSet:         "SET",
	InternalKeyKindMerge:       "MERGE",
	InternalKeyKindRangeDelete: "RANGEDEL",
	InternalKeyKindMax:         "MAX",
	InternalKeyKindInvalid:     "INVALID",
}

func (k InternalKeyKind) String() string {
	if s, ok := internalKeyKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN:%d", uint8(k))
}

// SafeFormat implements redact.SafeFormatter.
func (k InternalKeyKind) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(k.String()))
}

// InternalKeyTrailer encodes a SeqNum and an InternalKeyKind.
type InternalKeyTrailer uint64

// MakeTrailer constructs an internal key trailer from the specified
// sequence number and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// String implements the fmt.Stringer interface.
func (t InternalKeyTrailer) String() string {
	return fmt.Sprintf("%s,%s", SeqNum(t>>8), InternalKeyKind(t&0xff))
}

// SeqNum returns the sequence number component of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind returns the key kind component of the trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t & 0xff)
}

// FileNum is an identifier for a table file within a column family,
// unique across the lifetime of the column family.
type FileNum uint64

// String implements the fmt.Stringer interface.
func (fn FileNum) String() string { return fmt.Sprintf("%06d", uint64(fn)) }

// SafeFormat implements redact.SafeFormatter.
func (fn FileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(fn))
}

// InternalKey is a key used for the in-memory and on-disk partial DBs
// that make up a storage engine.
//
// It consists of the user key (as given by the arbitrary code that uses
// the engine) followed by an 8-byte trailer:
//   - 1 byte for the kind of internal key: delete or set,
//   - 7 bytes for a uint56 sequence number, in little-endian format.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// MakeInternalKey constructs an internal key from a specified user key,
// sequence number and kind.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{
		UserKey: userKey,
		Trailer: MakeTrailer(seqNum, kind),
	}
}

// MakeSearchKey constructs an internal key that is appropriate for
// searching for a given user key. The search key contains the maximal
// sequence number and kind ensuring that it sorts before any other
// internal keys for the same user key.
func MakeSearchKey(userKey []byte) InternalKey {
	return InternalKey{
		UserKey: userKey,
		Trailer: MakeTrailer(SeqNumMax, InternalKeyKindMax),
	}
}

const internalKeyTrailerLen = 8

// DecodeInternalKey decodes an encoded internal key. See InternalKey.Encode.
func DecodeInternalKey(encoded []byte) InternalKey {
	n := len(encoded) - internalKeyTrailerLen
	var trailer InternalKeyTrailer
	if n >= 0 {
		trailer = InternalKeyTrailer(binary.LittleEndian.Uint64(encoded[n:]))
		encoded = encoded[:n:n]
	} else {
		trailer = InternalKeyTrailer(InternalKeyKindInvalid)
		encoded = nil
	}
	return InternalKey{
		UserKey: encoded,
		Trailer: trailer,
	}
}

// Size returns the encoded size of the key.
func (k InternalKey) Size() int {
	return len(k.UserKey) + internalKeyTrailerLen
}

// Encode encodes the receiver into the buffer. The buffer must be large
// enough to hold the encoded data. See InternalKey.Size().
func (k InternalKey) Encode(buf []byte) {
	i := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[i:], uint64(k.Trailer))
}

// EncodeToBuf encodes the receiver into the buffer, growing the buffer if
// necessary. Returns the potentially grown buffer.
func (k InternalKey) EncodeToBuf(buf []byte) []byte {
	length := k.Size()
	if cap(buf) < length {
		buf = make([]byte, length)
	} else {
		buf = buf[:length]
	}
	k.Encode(buf)
	return buf
}

// SeqNum returns the sequence number component of the key.
func (k InternalKey) SeqNum() SeqNum {
	return k.Trailer.SeqNum()
}

// Kind returns the kind component of the key.
func (k InternalKey) Kind() InternalKeyKind {
	return k.Trailer.Kind()
}

// Valid returns true if the key has a valid kind.
func (k InternalKey) Valid() bool {
	_, ok := internalKeyKindNames[k.Kind()]
	return ok && k.Kind() != InternalKeyKindInvalid
}

// Clone clones the storage for the UserKey component of the key.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) == 0 {
		return InternalKey{Trailer: k.Trailer}
	}
	return InternalKey{
		UserKey: append([]byte(nil), k.UserKey...),
		Trailer: k.Trailer,
	}
}

// String returns a string representation of the key.
func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%s", FormatBytes(k.UserKey), k.Trailer)
}

// SafeFormat implements redact.SafeFormatter.
func (k InternalKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.Safe(k.String()))
}

// FormatBytes formats a user key as a quoted string, eliding the quotes
// for printable ASCII.
type FormatBytes []byte

// String implements the fmt.Stringer interface.
func (b FormatBytes) String() string {
	printable := true
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			printable = false
			break
		}
	}
	if printable {
		return string(b)
	}
	return fmt.Sprintf("%q", []byte(b))
}
