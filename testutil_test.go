// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"testing"

	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/manifest"
	"github.com/stretchr/testify/require"
)

// testMeta builds a table file with identical size and compensated size.
// The smallest key carries the file's largest seqnum and the largest key
// its smallest, matching how table bounds are recorded on flush.
func testMeta(num, size uint64, lo, hi string, seqLo, seqHi uint64) *manifest.TableMetadata {
	return &manifest.TableMetadata{
		FileNum:         base.FileNum(num),
		Size:            size,
		CompensatedSize: size,
		Smallest:        base.MakeInternalKey([]byte(lo), base.SeqNum(seqHi), base.InternalKeyKindSet),
		Largest:         base.MakeInternalKey([]byte(hi), base.SeqNum(seqLo), base.InternalKeyKindSet),
		SmallestSeqNum:  base.SeqNum(seqLo),
		LargestSeqNum:   base.SeqNum(seqHi),
	}
}

func testVersion(
	t *testing.T, numLevels int, levels map[int][]*manifest.TableMetadata,
	depend ...*manifest.TableMetadata,
) *manifest.Version {
	t.Helper()
	lv := make([][]*manifest.TableMetadata, numLevels)
	for level, files := range levels {
		lv[level] = files
	}
	v, err := manifest.NewVersion(lv, depend)
	require.NoError(t, err)
	return v
}

func testOptions() *Options {
	opts := &Options{}
	opts.EnsureDefaults()
	return opts
}

// fakeTableCache serves canned properties and map elements.
type fakeTableCache struct {
	props    map[base.FileNum]*TableProperties
	elements map[base.FileNum][]MapElement
	cmp      base.Compare
}

func newFakeTableCache(cmp base.Compare) *fakeTableCache {
	return &fakeTableCache{
		props:    make(map[base.FileNum]*TableProperties),
		elements: make(map[base.FileNum][]MapElement),
		cmp:      cmp,
	}
}

func (c *fakeTableCache) setReadAmp(fn base.FileNum, readAmp string) {
	c.props[fn] = &TableProperties{
		UserProperties: map[string]string{TablePropertyReadAmp: readAmp},
	}
}

func (c *fakeTableCache) TableProperties(meta *manifest.TableMetadata) (*TableProperties, error) {
	if p, ok := c.props[meta.FileNum]; ok {
		return p, nil
	}
	return &TableProperties{}, nil
}

func (c *fakeTableCache) NewMapElementIterator(
	files []*manifest.TableMetadata,
) (MapElementIterator, error) {
	var elems []MapElement
	for _, f := range files {
		elems = append(elems, c.elements[f.FileNum]...)
	}
	return &fakeMapIterator{cmp: c.cmp, elems: elems, pos: -1}, nil
}

// fakeMapIterator walks a slice of elements ordered by largest key.
type fakeMapIterator struct {
	cmp   base.Compare
	elems []MapElement
	pos   int
}

func (it *fakeMapIterator) valid() bool { return it.pos >= 0 && it.pos < len(it.elems) }

func (it *fakeMapIterator) First() bool {
	it.pos = 0
	return it.valid()
}

func (it *fakeMapIterator) Next() bool {
	it.pos++
	return it.valid()
}

func (it *fakeMapIterator) Prev() bool {
	it.pos--
	return it.valid()
}

func (it *fakeMapIterator) SeekGE(key base.InternalKey) bool {
	for i := range it.elems {
		if base.InternalCompare(it.cmp, it.elems[i].Largest, key) >= 0 {
			it.pos = i
			return true
		}
	}
	it.pos = len(it.elems)
	return false
}

func (it *fakeMapIterator) SeekLE(key base.InternalKey) bool {
	for i := len(it.elems) - 1; i >= 0; i-- {
		if base.InternalCompare(it.cmp, it.elems[i].Largest, key) <= 0 {
			it.pos = i
			return true
		}
	}
	it.pos = -1
	return false
}

func (it *fakeMapIterator) Element() MapElement { return it.elems[it.pos] }
func (it *fakeMapIterator) Err() error          { return nil }
func (it *fakeMapIterator) Close() error        { return nil }

// mapElem builds a map element over [lo, hi], both bounds inclusive.
func mapElem(lo, hi string, links ...MapLink) MapElement {
	return MapElement{
		Smallest:        base.MakeInternalKey([]byte(lo), 1, base.InternalKeyKindSet),
		Largest:         base.MakeInternalKey([]byte(hi), 1, base.InternalKeyKindSet),
		IncludeSmallest: true,
		IncludeLargest:  true,
		Links:           links,
	}
}
