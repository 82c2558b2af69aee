// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"strconv"

	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/manifest"
)

// TableProperties carries the user-collected properties of a table file.
// Only the properties the picker consumes are modeled; everything else in
// the table footer stays with the table reader.
type TableProperties struct {
	UserProperties map[string]string
}

// TablePropertyReadAmp is the user property holding the number of lookups
// needed to resolve one key through a map or link table.
const TablePropertyReadAmp = "quarry.map.read-amp"

// sstReadAmp extracts the read amplification recorded in a table's user
// properties. Missing or malformed values read as 1 (a plain table).
func sstReadAmp(props *TableProperties) int {
	if props == nil {
		return 1
	}
	v, ok := props.UserProperties[TablePropertyReadAmp]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// MapLink is one entry of a map element's link list: a reference to an
// underlying table and the number of bytes of it the element uses.
type MapLink struct {
	FileNum base.FileNum
	Size    uint64
}

// MapElement is one decoded entry of a map table: a logical key range
// resolving to a list of links.
type MapElement struct {
	Smallest        base.InternalKey
	Largest         base.InternalKey
	IncludeSmallest bool
	IncludeLargest  bool
	Links           []MapLink
}

// estimatedSize returns the number of bytes the element resolves to.
func (e *MapElement) estimatedSize() uint64 {
	var sum uint64
	for _, l := range e.Links {
		sum += l.Size
	}
	return sum
}

// MapElementIterator iterates the elements of one or more map tables in
// key order. Elements are keyed by their largest internal key. Iterators
// are possibly-blocking synchronous resources; the picker closes them on
// every exit path.
type MapElementIterator interface {
	// First positions at the first element.
	First() bool
	// Next advances. Valid only after a successful positioning call.
	Next() bool
	// Prev retreats. Valid only after a successful positioning call.
	Prev() bool
	// SeekGE positions at the first element whose key is at or after the
	// given internal key.
	SeekGE(key base.InternalKey) bool
	// SeekLE positions at the last element whose key is at or before the
	// given internal key.
	SeekLE(key base.InternalKey) bool
	// Element returns the current element. Valid only when the last
	// positioning call returned true.
	Element() MapElement
	// Err returns the first I/O or decoding error the iterator hit.
	Err() error
	// Close releases the iterator.
	Close() error
}

// TableCache is the picker's window into table file contents: footer
// properties and map-element iteration. Both calls may block on I/O.
type TableCache interface {
	// TableProperties returns the user-collected properties of the file.
	TableProperties(meta *manifest.TableMetadata) (*TableProperties, error)
	// NewMapElementIterator returns an iterator over the map elements of
	// the given files, which must be key-ordered and non-overlapping.
	NewMapElementIterator(files []*manifest.TableMetadata) (MapElementIterator, error)
}
