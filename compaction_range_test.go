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

func TestCompactRangeAllLevels(t *testing.T) {
	opts := testOptions()
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{
		2: {testMeta(1, 10, "a", "f", 5, 6)},
		6: {testMeta(2, 100, "a", "z", 0, 0)},
	})
	p := NewUniversalCompactionPicker(opts, nil, nil)
	c, conflict := p.CompactRange(v, CompactAllLevels, 6, 0, 4, nil, nil, nil)
	require.False(t, conflict)
	require.NotNil(t, c)
	require.True(t, c.ManualCompaction())
	require.Equal(t, CompactionReasonManual, c.Reason())
	require.Equal(t, 6, c.OutputLevel())
	require.Equal(t, 2, c.StartLevel())
	require.Equal(t, 2, c.numInputFiles())
	require.Equal(t, 1, p.CompactionsInProgress())

	// The same request now collides with the registered plan.
	c2, conflict2 := p.CompactRange(v, CompactAllLevels, 6, 0, 4, nil, nil, nil)
	require.Nil(t, c2)
	require.True(t, conflict2)
}

func TestCompactRangeAllLevelsL0Conflict(t *testing.T) {
	opts := testOptions()
	opts.Universal.MaxSizeAmplificationPercent = 100
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{
		0: {
			testMeta(1, 10, "a", "b", 9, 10),
			testMeta(2, 10, "a", "b", 7, 8),
			testMeta(3, 10, "a", "b", 5, 6),
			testMeta(4, 10, "a", "b", 3, 4),
		},
		6: {testMeta(5, 20, "a", "b", 0, 0)},
	})
	v.ComputeCompactionScore(opts.L0CompactionFileThreshold)
	p := NewUniversalCompactionPicker(opts, nil, nil)
	require.NotNil(t, p.PickCompaction(v))

	// Only one level 0 compaction may run at a time.
	c, conflict := p.CompactRange(v, CompactAllLevels, 6, 0, 4, nil, nil, nil)
	require.Nil(t, c)
	require.True(t, conflict)
}

func TestCompactRangeAllLevelsLazyRedirect(t *testing.T) {
	opts := testOptions()
	opts.EnableLazyCompaction = true

	mapFile := testMeta(10, 100, "a", "z", 1, 10)
	mapFile.Purpose = manifest.TablePurposeMap
	mapFile.Depend = []base.FileNum{301, 302}
	e1 := testMeta(301, 10, "a", "b", 1, 2)
	e2 := testMeta(302, 10, "c", "d", 3, 4)
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{2: {mapFile}}, e1, e2)

	cache := newFakeTableCache(opts.Comparer.Compare)
	cache.elements[10] = []MapElement{
		mapElem("a", "b", MapLink{FileNum: 301, Size: 10}),
		mapElem("c", "d", MapLink{FileNum: 302, Size: 10}),
	}
	p := NewUniversalCompactionPicker(opts, cache, nil)

	// Only level 2 resolves to file 301, so the all-levels request
	// narrows to a single-level range compaction.
	focus := map[base.FileNum]struct{}{301: {}}
	c, conflict := p.CompactRange(v, CompactAllLevels, 6, 0, 4, nil, nil, focus)
	require.False(t, conflict)
	require.NotNil(t, c)
	require.Equal(t, 2, c.OutputLevel())
	require.True(t, c.PartialCompaction())
	require.Equal(t, manifest.TablePurposeEssence, c.Purpose())
	require.Len(t, c.InputRanges(), 1)
	rng := c.InputRanges()[0]
	require.Equal(t, "a", string(rng.Start))
	// The sweep closes at the first element that does not resolve to a
	// focused file.
	require.Equal(t, "c", string(rng.Limit))
	require.True(t, rng.IncludeStart)
	require.False(t, rng.IncludeLimit)
}

func TestPickRangeCompactionSubcompactionSplit(t *testing.T) {
	opts := testOptions()
	opts.EnableLazyCompaction = true
	opts.MaxSubcompactions = 4

	mapFile := testMeta(10, 100, "a", "z", 1, 10)
	mapFile.Purpose = manifest.TablePurposeMap
	mapFile.Depend = []base.FileNum{301, 302, 303}
	e1 := testMeta(301, 10, "a", "b", 1, 2)
	e2 := testMeta(302, 10, "c", "d", 3, 4)
	e3 := testMeta(303, 10, "e", "f", 5, 6)
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{2: {mapFile}}, e1, e2, e3)

	cache := newFakeTableCache(opts.Comparer.Compare)
	cache.elements[10] = []MapElement{
		mapElem("a", "b", MapLink{FileNum: 301, Size: 10}),
		mapElem("c", "d", MapLink{FileNum: 302, Size: 10}),
		mapElem("e", "f", MapLink{FileNum: 303, Size: 10}),
	}
	p := NewUniversalCompactionPicker(opts, cache, nil)

	// Files 301 and 303 are focused; the element between them is not,
	// splitting the plan into two sub-ranges. The final range extends to
	// the end of the level.
	focus := map[base.FileNum]struct{}{301: {}, 303: {}}
	c, conflict := p.pickRangeCompaction(v, 2, nil, nil, focus)
	require.False(t, conflict)
	require.NotNil(t, c)
	require.Len(t, c.InputRanges(), 2)
	first, second := c.InputRanges()[0], c.InputRanges()[1]
	require.Equal(t, "a", string(first.Start))
	require.Equal(t, "c", string(first.Limit))
	require.False(t, first.IncludeLimit)
	require.Equal(t, "e", string(second.Start))
	require.Equal(t, "z", string(second.Limit))
	require.True(t, second.IncludeLimit)
	require.Equal(t, 1, p.CompactionsInProgress())
}

func TestPickRangeCompactionConflicts(t *testing.T) {
	opts := testOptions()
	opts.EnableLazyCompaction = true
	busy := testMeta(10, 100, "a", "z", 1, 10)
	busy.Purpose = manifest.TablePurposeMap
	busy.BeingCompacted = true
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{2: {busy}})
	cache := newFakeTableCache(opts.Comparer.Compare)
	p := NewUniversalCompactionPicker(opts, cache, nil)

	c, conflict := p.pickRangeCompaction(v, 2, nil, nil,
		map[base.FileNum]struct{}{301: {}})
	require.Nil(t, c)
	require.True(t, conflict)

	// Without focused files there is nothing to plan.
	c, conflict = p.pickRangeCompaction(v, 2, nil, nil, nil)
	require.Nil(t, c)
	require.False(t, conflict)
}

func TestCompactRangeLevelZeroMapRebuild(t *testing.T) {
	opts := testOptions()
	opts.EnableLazyCompaction = true
	l0 := []*manifest.TableMetadata{
		testMeta(1, 10, "a", "c", 7, 8),
		testMeta(2, 10, "b", "d", 5, 6),
	}
	v := testVersion(t, 7, map[int][]*manifest.TableMetadata{0: l0})
	cache := newFakeTableCache(opts.Comparer.Compare)
	p := NewUniversalCompactionPicker(opts, cache, nil)

	c, conflict := p.pickRangeCompaction(v, 0, nil, nil,
		map[base.FileNum]struct{}{1: {}})
	require.False(t, conflict)
	require.NotNil(t, c)
	require.Equal(t, manifest.TablePurposeMap, c.Purpose())
	require.Equal(t, 0, c.OutputLevel())
	require.Len(t, c.Inputs()[0].Files, 2)
}
