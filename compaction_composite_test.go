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

func TestCompositeWholeLevelMapRebuild(t *testing.T) {
	opts := testOptions()
	m1 := testMeta(10, 100, "a", "f", 1, 2)
	m1.Purpose = manifest.TablePurposeMap
	m2 := testMeta(11, 100, "g", "z", 3, 4)
	m2.Purpose = manifest.TablePurposeMap
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{4: {m1, m2}})

	cache := newFakeTableCache(opts.Comparer.Compare)
	p := NewUniversalCompactionPicker(opts, cache, nil)
	runs := p.calculateSortedRuns(v)
	c := p.pickCompositeCompaction(v, runs, nil)
	require.NotNil(t, c)
	require.Equal(t, CompactionReasonCompositeAmp, c.Reason())
	require.Equal(t, manifest.TablePurposeMap, c.Purpose())
	require.Equal(t, 1, c.MaxSubcompactions())
	require.Equal(t, 4, c.OutputLevel())
	require.Len(t, c.Inputs()[0].Files, 2)
	require.Empty(t, c.InputRanges())
}

func TestCompositeCollapseRegion(t *testing.T) {
	opts := testOptions()
	opts.MaxSubcompactions = 4

	mapFile := testMeta(10, 100, "a", "z", 1, 10)
	mapFile.Purpose = manifest.TablePurposeMap
	mapFile.Depend = []base.FileNum{101, 102, 103, 104, 105}
	essence := func(num uint64, lo, hi string, size uint64) *manifest.TableMetadata {
		return testMeta(num, size, lo, hi, 1, 2)
	}
	deps := []*manifest.TableMetadata{
		essence(101, "a", "b", 10),
		essence(102, "a", "b", 10),
		essence(103, "a", "b", 100),
		essence(104, "c", "d", 10),
		essence(105, "e", "f", 10),
	}
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{3: {mapFile}}, deps...)

	cache := newFakeTableCache(opts.Comparer.Compare)
	cache.setReadAmp(10, "3")
	cache.elements[10] = []MapElement{
		// Three links with one dominating: a collapse region.
		mapElem("a", "b",
			MapLink{FileNum: 101, Size: 10},
			MapLink{FileNum: 102, Size: 10},
			MapLink{FileNum: 103, Size: 100}),
		// A perfect passthrough to file 104.
		mapElem("c", "d", MapLink{FileNum: 104, Size: 10}),
		// Non-perfect, non-collapse: bounds are narrower than file 105.
		mapElem("e", "e", MapLink{FileNum: 105, Size: 10}),
	}

	p := NewUniversalCompactionPicker(opts, cache, nil)
	runs := p.calculateSortedRuns(v)
	c := p.pickCompositeCompaction(v, runs, nil)
	require.NotNil(t, c)
	require.Equal(t, CompactionReasonCompositeAmp, c.Reason())
	require.Equal(t, manifest.TablePurposeLink, c.Purpose())
	require.True(t, c.PartialCompaction())
	require.Len(t, c.InputRanges(), 1)
	rng := c.InputRanges()[0]
	require.Equal(t, "a", string(rng.Start))
	require.Equal(t, "e", string(rng.Limit))
	require.True(t, rng.IncludeStart)
	require.False(t, rng.IncludeLimit)
}

func TestCompositeEssencePacking(t *testing.T) {
	opts := testOptions()
	opts.MaxSubcompactions = 4
	opts.TargetFileSizeBase = 1000

	mapFile := testMeta(10, 100, "a", "z", 1, 10)
	mapFile.Purpose = manifest.TablePurposeMap
	mapFile.Depend = []base.FileNum{201}
	wide := testMeta(201, 100, "a", "z", 1, 2)
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{3: {mapFile}}, wide)

	cache := newFakeTableCache(opts.Comparer.Compare)
	cache.setReadAmp(10, "2")
	cache.elements[10] = []MapElement{
		// Single links into a fraction of a wide essence file: wasted
		// space, no collapse region.
		mapElem("a", "c", MapLink{FileNum: 201, Size: 10}),
		mapElem("d", "f", MapLink{FileNum: 201, Size: 10}),
	}

	p := NewUniversalCompactionPicker(opts, cache, nil)
	runs := p.calculateSortedRuns(v)
	c := p.pickCompositeCompaction(v, runs, nil)
	require.NotNil(t, c)
	require.Equal(t, manifest.TablePurposeEssence, c.Purpose())
	require.True(t, c.PartialCompaction())
	require.Len(t, c.InputRanges(), 1)
	rng := c.InputRanges()[0]
	require.Equal(t, "a", string(rng.Start))
	require.Equal(t, "z", string(rng.Limit))
	require.True(t, rng.IncludeLimit)
}

func TestCompositeRespectsExcludedRuns(t *testing.T) {
	opts := testOptions()
	mapFile := testMeta(10, 100, "a", "z", 1, 10)
	mapFile.Purpose = manifest.TablePurposeMap
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{3: {mapFile}})

	cache := newFakeTableCache(opts.Comparer.Compare)
	cache.setReadAmp(10, "5")
	p := NewUniversalCompactionPicker(opts, cache, nil)
	runs := p.calculateSortedRuns(v)
	require.Len(t, runs, 1)

	// The only candidate run was grouped for reduction this cycle.
	excluded := map[int]struct{}{0: {}}
	require.Nil(t, p.pickCompositeCompaction(v, runs, excluded))
}

func TestCompositeDeclinesWithoutSpaceAmp(t *testing.T) {
	opts := testOptions()
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{
		0: {testMeta(1, 10, "a", "b", 5, 6)},
	})
	cache := newFakeTableCache(opts.Comparer.Compare)
	p := NewUniversalCompactionPicker(opts, cache, nil)
	runs := p.calculateSortedRuns(v)
	require.Nil(t, p.pickCompositeCompaction(v, runs, nil))
}
