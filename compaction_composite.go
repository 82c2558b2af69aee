// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"container/heap"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/invariants"
	"github.com/quarrydb/quarry/internal/manifest"
)

// fileUseInfo tracks, per underlying file, its expanded size and how many
// bytes of it the scanned map elements actually use. The gap between the
// two is wasted space.
type fileUseInfo struct {
	size uint64
	used uint64
}

// compositeHeapItem queues one map element, identified by its largest
// internal key, with its rewrite priority.
type compositeHeapItem struct {
	key      base.InternalKey
	priority float64
}

// compositeHeap is a max-heap over element rewrite priorities.
type compositeHeap []compositeHeapItem

func (h compositeHeap) Len() int           { return len(h) }
func (h compositeHeap) Less(i, j int) bool { return h[i].priority > h[j].priority }
func (h compositeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *compositeHeap) Push(x any)        { *h = append(*h, x.(compositeHeapItem)) }
func (h *compositeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func encodeKeyString(k base.InternalKey) string {
	return string(k.EncodeToBuf(nil))
}

func cloneUserKey(k []byte) []byte {
	return append([]byte(nil), k...)
}

// dependFileSize resolves a link target through the depend map and
// returns its recursively expanded size. A missing entry is corrupt
// metadata: logged, counted, and sized as zero.
func (p *UniversalCompactionPicker) dependFileSize(
	v *manifest.Version, fn base.FileNum,
) uint64 {
	dep, ok := v.DependFiles()[fn]
	if !ok {
		p.opts.Logger.Errorf("%v", errors.Wrapf(ErrCorruptMetadata,
			"link references missing file %s", fn))
		p.metrics.corruptMetadata()
		return 0
	}
	return p.tableSize(v, dep)
}

// elementIsPerfect reports whether a map element is a pure passthrough:
// exactly one link, pointing at an essence table whose key range exactly
// equals the element's range. Perfect elements add no read amplification
// and are never rewritten.
func (p *UniversalCompactionPicker) elementIsPerfect(
	v *manifest.Version, e *MapElement,
) bool {
	if len(e.Links) != 1 {
		return false
	}
	dep, ok := v.DependFiles()[e.Links[0].FileNum]
	if !ok {
		p.opts.Logger.Errorf("%v", errors.Wrapf(ErrCorruptMetadata,
			"map element references missing file %s", e.Links[0].FileNum))
		p.metrics.corruptMetadata()
		return false
	}
	if dep.Purpose != manifest.TablePurposeEssence {
		return false
	}
	if !e.IncludeSmallest || !e.IncludeLargest {
		return false
	}
	uc := p.opts.Comparer.Compare
	return uc(e.Smallest.UserKey, dep.Smallest.UserKey) == 0 &&
		uc(e.Largest.UserKey, dep.Largest.UserKey) == 0
}

// newCompositeCompaction assembles a composite plan over the given level
// inputs and sub-compaction ranges. Adjacent ranges sharing a start or a
// limit are absorbed into their predecessor before the plan is built.
func (p *UniversalCompactionPicker) newCompositeCompaction(
	v *manifest.Version,
	level int,
	files []*manifest.TableMetadata,
	purpose manifest.TablePurpose,
	maxSubcompactions int,
	ranges []UserKeyRange,
) *Compaction {
	uc := p.opts.Comparer.Compare
	if len(ranges) > 1 {
		out := ranges[:1]
		for i := 1; i < len(ranges); i++ {
			prev := &out[len(out)-1]
			if uc(ranges[i].Start, prev.Start) == 0 || uc(ranges[i].Limit, prev.Limit) == 0 {
				prev.Limit = ranges[i].Limit
				prev.IncludeLimit = ranges[i].IncludeLimit
			} else {
				out = append(out, ranges[i])
			}
		}
		ranges = out
	}
	if invariants.Enabled {
		for i := 1; i < len(ranges); i++ {
			invariants.Assertf(uc(ranges[i-1].Start, ranges[i].Start) < 0,
				"composite ranges out of order by start")
			invariants.Assertf(uc(ranges[i-1].Limit, ranges[i].Limit) < 0,
				"composite ranges out of order by limit")
		}
		for i := range ranges {
			invariants.Assertf(uc(ranges[i].Start, ranges[i].Limit) <= 0,
				"composite range inverted")
		}
	}

	var estimatedTotalSize uint64
	for _, f := range files {
		estimatedTotalSize += f.Size
	}
	outputLevel := max(1, level)

	return &Compaction{
		version:           v,
		inputs:            []CompactionLevel{{Level: level, Files: files}},
		outputLevel:       level,
		targetFileSize:    p.opts.maxOutputFileSize(outputLevel),
		outputPathID:      pathIDForSize(p.opts, estimatedTotalSize),
		compression:       p.opts.compressionForLevel(v.NumLevels(), level, true),
		compressionOpts:   p.opts.CompressionOpts,
		reason:            CompactionReasonCompositeAmp,
		purpose:           purpose,
		inputRanges:       ranges,
		maxSubcompactions: maxSubcompactions,
		partial:           true,
	}
}

// pickCompositeCompaction refactors map, link and essence tables to
// reduce the read amplification of map lookups. Runs in the excluded set
// were grouped for reduction this cycle and are left alone.
//
// The strategy first looks for a level that needs a whole-level map
// rebuild, then picks the map file with the highest read amplification
// and classifies its elements: skewed high-fan-in regions become link
// rewrites, wasteful regions become essence rewrites packed around a
// priority queue, and as a last resort consecutive non-perfect elements
// are swept into essence rewrites.
func (p *UniversalCompactionPicker) pickCompositeCompaction(
	v *manifest.Version, runs []sortedRun, excluded map[int]struct{},
) *Compaction {
	if !v.HasSpaceAmplification() {
		return nil
	}
	inputLevel := -1
	var inputFiles []*manifest.TableMetadata
	maxReadAmp := 0
	for i := len(runs) - 1; i >= 0; i-- {
		if _, skip := excluded[i]; skip {
			continue
		}
		run := &runs[i]
		var f *manifest.TableMetadata
		if run.level > 0 {
			if !v.LevelHasSpaceAmplification(run.level) {
				continue
			}
			levelFiles := v.LevelFiles(run.level)
			if areFilesInCompaction(levelFiles) {
				continue
			}
			if len(levelFiles) > 1 {
				inputLevel = run.level
				inputFiles = nil
				break
			}
			f = levelFiles[0]
		} else {
			if run.file.BeingCompacted || run.file.Purpose != manifest.TablePurposeMap {
				continue
			}
			f = run.file
		}
		props, err := p.tableCache.TableProperties(f)
		if err != nil {
			continue
		}
		if readAmp := sstReadAmp(props); readAmp >= maxReadAmp {
			maxReadAmp = readAmp
			inputLevel = run.level
			inputFiles = []*manifest.TableMetadata{f}
		}
	}
	if inputLevel == -1 {
		return nil
	}

	if len(inputFiles) == 0 {
		// The level holds several map tables; rebuild it into one.
		inputFiles = v.LevelFiles(inputLevel)
		invariants.Assertf(len(inputFiles) > 1, "whole-level map rebuild of a single file")
		return p.newCompositeCompaction(
			v, inputLevel, inputFiles, manifest.TablePurposeMap, 1, nil)
	}

	it, err := p.tableCache.NewMapElementIterator(inputFiles[:1])
	if err != nil {
		p.opts.Logger.Errorf("universal: read map table error: %v", err)
		return nil
	}
	defer func() { _ = it.Close() }()

	uc := p.opts.Comparer.Compare
	mapFile := inputFiles[0]
	setIncludeLimit := func(rng *UserKeyRange) {
		rng.IncludeLimit = true
		rng.Limit = cloneUserKey(mapFile.Largest.UserKey)
	}

	// First pass: account per-file usage and coalesce skewed high-fan-in
	// regions into link rewrite ranges.
	fileUsed := make(map[base.FileNum]*fileUseInfo)
	var ranges []UserKeyRange
	var rng UserKeyRange
	hasStart := false
	for ok := it.First(); ok; ok = it.Next() {
		e := it.Element()
		if p.elementIsPerfect(v, &e) {
			continue
		}
		var sum, maxLink uint64
		for _, l := range e.Links {
			sum += l.Size
			maxLink = max(maxLink, l.Size)
			if info, found := fileUsed[l.FileNum]; found {
				info.used += l.Size
			} else {
				fileUsed[l.FileNum] = &fileUseInfo{
					size: p.dependFileSize(v, l.FileNum),
					used: l.Size,
				}
			}
		}
		if len(e.Links) > 2 && (sum-maxLink)*2 < maxLink {
			if !hasStart {
				hasStart = true
				rng.Start = cloneUserKey(e.Smallest.UserKey)
			}
			rng.Limit = cloneUserKey(e.Largest.UserKey)
		} else if hasStart {
			hasStart = false
			if uc(e.Smallest.UserKey, rng.Limit) != 0 {
				rng.Limit = cloneUserKey(e.Smallest.UserKey)
				rng.IncludeStart = true
				rng.IncludeLimit = false
				ranges = append(ranges, rng)
				rng = UserKeyRange{}
				if len(ranges) >= p.opts.MaxSubcompactions {
					break
				}
			}
		}
	}
	if err := it.Err(); err != nil {
		p.opts.Logger.Errorf("universal: map element iterator error: %v", err)
		return nil
	}
	if hasStart {
		rng.IncludeStart = true
		setIncludeLimit(&rng)
		ranges = append(ranges, rng)
		rng = UserKeyRange{}
	}
	if len(ranges) > 0 {
		return p.newCompositeCompaction(
			v, inputLevel, inputFiles, manifest.TablePurposeLink,
			p.opts.MaxSubcompactions, ranges)
	}

	// Second pass: queue elements by wasted space and fan-in, then pack
	// essence rewrite ranges around the most wasteful elements.
	var ph compositeHeap
	for ok := it.First(); ok; ok = it.Next() {
		e := it.Element()
		priority := float64(len(e.Links))
		var size, used uint64
		known := true
		for _, l := range e.Links {
			info, found := fileUsed[l.FileNum]
			if !found {
				known = false
				break
			}
			size += info.size
			used += info.used
		}
		if !known || size == 0 {
			continue
		}
		priority += 2.0 * float64(size-min(used, size)) / float64(size)
		ph = append(ph, compositeHeapItem{key: e.Largest.Clone(), priority: priority})
	}
	if err := it.Err(); err != nil {
		p.opts.Logger.Errorf("universal: map element iterator error: %v", err)
		return nil
	}
	heap.Init(&ph)

	unique := make(map[string]struct{})
	maxFileSize := 2 * p.opts.maxOutputFileSize(max(1, inputLevel))
	for ph.Len() > 0 {
		item := heap.Pop(&ph).(compositeHeapItem)
		if !it.SeekGE(item.key) {
			break
		}
		e := it.Element()
		ekey := encodeKeyString(e.Largest)
		if _, seen := unique[ekey]; seen {
			continue
		}
		rng = UserKeyRange{
			Start:        cloneUserKey(e.Smallest.UserKey),
			Limit:        cloneUserKey(e.Largest.UserKey),
			IncludeStart: true,
			IncludeLimit: false,
		}
		sum := e.estimatedSize()
		unique[ekey] = struct{}{}
		for sum < maxFileSize {
			if !it.Next() {
				setIncludeLimit(&rng)
				break
			}
			e = it.Element()
			ekey = encodeKeyString(e.Largest)
			if _, seen := unique[ekey]; seen ||
				(p.elementIsPerfect(v, &e) && uc(e.Smallest.UserKey, rng.Limit) != 0) {
				rng.Limit = cloneUserKey(e.Smallest.UserKey)
				break
			}
			rng.Limit = cloneUserKey(e.Largest.UserKey)
			sum += e.estimatedSize()
			unique[ekey] = struct{}{}
		}
		if sum < maxFileSize && it.SeekLE(item.key) {
			for {
				if !it.Prev() {
					break
				}
				e = it.Element()
				ekey = encodeKeyString(e.Largest)
				if _, seen := unique[ekey]; seen {
					break
				}
				if p.elementIsPerfect(v, &e) {
					break
				}
				rng.Start = cloneUserKey(e.Smallest.UserKey)
				sum += e.estimatedSize()
				unique[ekey] = struct{}{}
				if sum >= maxFileSize {
					break
				}
			}
		}
		ranges = append(ranges, rng)
		rng = UserKeyRange{}
		if len(ranges) >= p.opts.MaxSubcompactions {
			break
		}
	}
	if err := it.Err(); err != nil {
		p.opts.Logger.Errorf("universal: map element iterator error: %v", err)
		return nil
	}
	if len(ranges) > 0 {
		sort.Slice(ranges, func(i, j int) bool {
			a, b := &ranges[i], &ranges[j]
			if r := uc(a.Limit, b.Limit); r != 0 {
				return r < 0
			}
			if a.IncludeLimit != b.IncludeLimit {
				return !a.IncludeLimit
			}
			if r := uc(a.Start, b.Start); r != 0 {
				return r < 0
			}
			return a.IncludeStart && !b.IncludeStart
		})
		return p.newCompositeCompaction(
			v, inputLevel, inputFiles, manifest.TablePurposeEssence,
			p.opts.MaxSubcompactions, ranges)
	}

	// Third pass: sweep consecutive non-perfect elements into essence
	// rewrite ranges.
	hasStart = false
	for ok := it.First(); ok; ok = it.Next() {
		e := it.Element()
		if hasStart {
			if p.elementIsPerfect(v, &e) && uc(e.Smallest.UserKey, rng.Limit) != 0 {
				hasStart = false
				rng.Limit = cloneUserKey(e.Smallest.UserKey)
				rng.IncludeStart = true
				rng.IncludeLimit = false
				ranges = append(ranges, rng)
				rng = UserKeyRange{}
				if len(ranges) >= p.opts.MaxSubcompactions {
					break
				}
			} else {
				rng.Limit = cloneUserKey(e.Largest.UserKey)
			}
		} else {
			if p.elementIsPerfect(v, &e) {
				continue
			}
			hasStart = true
			rng.Start = cloneUserKey(e.Smallest.UserKey)
			rng.Limit = cloneUserKey(e.Largest.UserKey)
		}
	}
	if err := it.Err(); err != nil {
		p.opts.Logger.Errorf("universal: map element iterator error: %v", err)
		return nil
	}
	if hasStart {
		rng.IncludeStart = true
		setIncludeLimit(&rng)
		ranges = append(ranges, rng)
	}
	if len(ranges) > 0 {
		return p.newCompositeCompaction(
			v, inputLevel, inputFiles, manifest.TablePurposeEssence,
			p.opts.MaxSubcompactions, ranges)
	}
	if inputLevel != 0 {
		// Nothing to split out; rewrite the map table itself.
		return p.newCompositeCompaction(
			v, inputLevel, inputFiles, manifest.TablePurposeMap, 1, nil)
	}
	return nil
}
