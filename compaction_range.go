// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/invariants"
	"github.com/quarrydb/quarry/internal/manifest"
)

// CompactAllLevels requests a manual compaction over every level.
const CompactAllLevels = -1

// CompactRange plans a user-requested compaction over a key range or
// entire levels. begin and end bound the range; nil means unbounded.
// filesBeingCompact narrows the request to map elements resolving to the
// given files (directly or one hop through the depend map). conflict is
// true when the request collides with in-flight work and should be
// retried later; no plan is returned in that case.
func (p *UniversalCompactionPicker) CompactRange(
	v *manifest.Version,
	inputLevel, outputLevel int,
	outputPathID uint32,
	maxSubcompactions int,
	begin, end *base.InternalKey,
	filesBeingCompact map[base.FileNum]struct{},
) (c *Compaction, conflict bool) {
	if inputLevel == CompactAllLevels && p.opts.EnableLazyCompaction {
		// If only one level holds a file the request resolves to, compact
		// just that level.
		hit := func(f *manifest.TableMetadata) bool {
			if _, ok := filesBeingCompact[f.FileNum]; ok {
				return true
			}
			depend := v.DependFiles()
			for _, fn := range f.Depend {
				if _, ok := filesBeingCompact[fn]; ok {
					return true
				}
				dep, ok := depend[fn]
				if !ok {
					p.opts.Logger.Errorf("%v", errors.Wrapf(ErrCorruptMetadata,
						"file %s depends on missing file %s", f.FileNum, fn))
					p.metrics.corruptMetadata()
					continue
				}
				for _, fn2 := range dep.Depend {
					if _, ok := filesBeingCompact[fn2]; ok {
						return true
					}
				}
			}
			return false
		}
		hitCount := 0
		newInputLevel := -1
		for level := 0; level < v.NumLevels(); level++ {
			for _, f := range v.LevelFiles(level) {
				if hit(f) {
					hitCount++
					newInputLevel = level
					break
				}
			}
		}
		if hitCount == 0 {
			return nil, false
		}
		if hitCount == 1 {
			inputLevel = newInputLevel
		}
	}

	if inputLevel == CompactAllLevels {
		return p.compactAllLevels(v, outputLevel, outputPathID, maxSubcompactions)
	}

	if !p.opts.EnableLazyCompaction {
		return p.compactRangeLevel(v, inputLevel, outputLevel, outputPathID,
			maxSubcompactions, begin, end)
	}
	return p.pickRangeCompaction(v, inputLevel, begin, end, filesBeingCompact)
}

// compactAllLevels merges every file from the first non-empty level
// through the bottommost into the output level.
func (p *UniversalCompactionPicker) compactAllLevels(
	v *manifest.Version, outputLevel int, outputPathID uint32, maxSubcompactions int,
) (*Compaction, bool) {
	if p.opts.AllowIngestBehind {
		invariants.Assertf(outputLevel == v.NumLevels()-2,
			"all-levels compaction with ingest-behind must output to the next-to-last level")
	} else {
		invariants.Assertf(outputLevel == v.NumLevels()-1,
			"all-levels compaction must output to the last level")
	}

	startLevel := 0
	for ; startLevel < v.NumLevels() && v.NumLevelFiles(startLevel) == 0; startLevel++ {
	}
	if startLevel == v.NumLevels() {
		return nil, false
	}

	// Only one level 0 compaction is allowed at a time.
	if startLevel == 0 && len(p.level0CompactionsInProgress) > 0 {
		p.metrics.manualConflict()
		return nil, true
	}

	inputs := make([]CompactionLevel, v.NumLevels()-startLevel)
	for level := startLevel; level < v.NumLevels(); level++ {
		in := &inputs[level-startLevel]
		in.Level = level
		in.Files = append([]*manifest.TableMetadata(nil), v.LevelFiles(level)...)
		if areFilesInCompaction(in.Files) {
			p.metrics.manualConflict()
			return nil, true
		}
	}

	// Two non-exclusive manual compactions could otherwise produce
	// overlapping outputs in the same level.
	if p.filesRangeOverlapWithCompaction(inputs, outputLevel) {
		p.metrics.manualConflict()
		return nil, true
	}

	c := &Compaction{
		version:           v,
		inputs:            inputs,
		outputLevel:       outputLevel,
		targetFileSize:    p.opts.maxOutputFileSize(outputLevel),
		outputPathID:      outputPathID,
		compression:       p.opts.compressionForLevel(v.NumLevels(), outputLevel, true),
		compressionOpts:   p.opts.CompressionOpts,
		reason:            CompactionReasonManual,
		maxSubcompactions: maxSubcompactions,
		manual:            true,
	}
	if p.opts.EnableLazyCompaction {
		c.maxSubcompactions = 1
		c.purpose = manifest.TablePurposeMap
	}
	p.registerCompaction(c)
	return c, false
}

// compactRangeLevel is the generic manual plan over one level's files
// overlapping [begin, end], merged with the overlapping output-level
// files.
func (p *UniversalCompactionPicker) compactRangeLevel(
	v *manifest.Version,
	inputLevel, outputLevel int,
	outputPathID uint32,
	maxSubcompactions int,
	begin, end *base.InternalKey,
) (*Compaction, bool) {
	cmp := p.opts.Comparer.Compare
	var files []*manifest.TableMetadata
	for _, f := range v.LevelFiles(inputLevel) {
		if begin != nil && cmp(f.Largest.UserKey, begin.UserKey) < 0 {
			continue
		}
		if end != nil && cmp(f.Smallest.UserKey, end.UserKey) > 0 {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, false
	}
	if areFilesInCompaction(files) {
		p.metrics.manualConflict()
		return nil, true
	}
	inputs := []CompactionLevel{{Level: inputLevel, Files: files}}
	if outputLevel != inputLevel {
		out, ok := p.outputLevelInputs(v, inputs[0], outputLevel)
		if !ok {
			p.metrics.manualConflict()
			return nil, true
		}
		if len(out.Files) > 0 {
			inputs = append(inputs, out)
		}
	}
	if p.filesRangeOverlapWithCompaction(inputs, outputLevel) {
		p.metrics.manualConflict()
		return nil, true
	}

	c := &Compaction{
		version:           v,
		inputs:            inputs,
		outputLevel:       outputLevel,
		targetFileSize:    p.opts.maxOutputFileSize(outputLevel),
		outputPathID:      outputPathID,
		compression:       p.opts.compressionForLevel(v.NumLevels(), outputLevel, true),
		compressionOpts:   p.opts.CompressionOpts,
		reason:            CompactionReasonManual,
		maxSubcompactions: maxSubcompactions,
		manual:            true,
	}
	p.registerCompaction(c)
	return c, false
}

// pickRangeCompaction plans a lazy manual compaction over one level: it
// sweeps the level's map elements and rewrites the ranges that resolve to
// the requested files. A sub-range keeps extending while the running size
// is below MaxCompactionBytes, so it can exceed that size by one element;
// the running size is not reset when a sub-range closes on the cap.
func (p *UniversalCompactionPicker) pickRangeCompaction(
	v *manifest.Version,
	level int,
	begin, end *base.InternalKey,
	filesBeingCompact map[base.FileNum]struct{},
) (*Compaction, bool) {
	levelFiles := v.LevelFiles(level)
	if len(filesBeingCompact) == 0 || len(levelFiles) == 0 {
		return nil, false
	}
	if areFilesInCompaction(levelFiles) {
		p.metrics.manualConflict()
		return nil, true
	}
	inputs := CompactionLevel{Level: level, Files: levelFiles}

	if level == 0 && len(levelFiles) > 1 {
		// Rebuild level 0 into a single map table first.
		c := &Compaction{
			version:         v,
			inputs:          []CompactionLevel{inputs},
			outputLevel:     level,
			targetFileSize:  p.opts.maxOutputFileSize(level),
			outputPathID:    pathIDForSize(p.opts, 1<<20),
			compression:     p.opts.compressionForLevel(v.NumLevels(), level, true),
			compressionOpts: p.opts.CompressionOpts,
			reason:          CompactionReasonManual,
			purpose:         manifest.TablePurposeMap,
			manual:          true,
		}
		p.registerCompaction(c)
		return c, false
	}

	if p.tableCache == nil {
		return nil, false
	}
	it, err := p.tableCache.NewMapElementIterator(levelFiles)
	if err != nil {
		p.opts.Logger.Errorf("universal: read level files error: %v", err)
		return nil, false
	}
	defer func() { _ = it.Close() }()

	cmp := p.opts.Comparer.Compare
	icmp := func(a, b base.InternalKey) int {
		return base.InternalCompare(cmp, a, b)
	}
	needCompact := func(e *MapElement) bool {
		if begin != nil && icmp(e.Largest, *begin) < 0 {
			return false
		}
		if end != nil && icmp(e.Smallest, *end) > 0 {
			return false
		}
		depend := v.DependFiles()
		for _, l := range e.Links {
			if _, ok := filesBeingCompact[l.FileNum]; ok {
				return true
			}
			dep, ok := depend[l.FileNum]
			if !ok {
				p.opts.Logger.Errorf("%v", errors.Wrapf(ErrCorruptMetadata,
					"map element references missing file %s", l.FileNum))
				p.metrics.corruptMetadata()
				continue
			}
			for _, fn := range dep.Depend {
				if _, ok := filesBeingCompact[fn]; ok {
					return true
				}
			}
		}
		return false
	}

	var ranges []UserKeyRange
	var rng UserKeyRange
	hasStart := false
	maxCompactionBytes := p.opts.MaxCompactionBytes
	var subcompactSize, estimatedTotalSize uint64
	for ok := it.First(); ok; ok = it.Next() {
		e := it.Element()
		if hasStart {
			if needCompact(&e) {
				if subcompactSize < maxCompactionBytes {
					subcompactSize += e.estimatedSize()
					rng.Limit = cloneUserKey(e.Largest.UserKey)
				} else {
					rng.Limit = cloneUserKey(e.Smallest.UserKey)
					rng.IncludeStart = true
					rng.IncludeLimit = false
					estimatedTotalSize += subcompactSize
					ranges = append(ranges, rng)
					rng = UserKeyRange{}
					if len(ranges) >= p.opts.MaxSubcompactions {
						hasStart = false
						break
					}
					subcompactSize += e.estimatedSize()
					rng.Start = cloneUserKey(e.Smallest.UserKey)
					rng.Limit = cloneUserKey(e.Largest.UserKey)
				}
			} else {
				hasStart = false
				rng.Limit = cloneUserKey(e.Smallest.UserKey)
				rng.IncludeStart = true
				rng.IncludeLimit = false
				estimatedTotalSize += subcompactSize
				ranges = append(ranges, rng)
				rng = UserKeyRange{}
				if len(ranges) >= p.opts.MaxSubcompactions {
					break
				}
				subcompactSize = 0
			}
		} else {
			if !needCompact(&e) {
				continue
			}
			subcompactSize += e.estimatedSize()
			hasStart = true
			rng.Start = cloneUserKey(e.Smallest.UserKey)
			rng.Limit = cloneUserKey(e.Largest.UserKey)
		}
	}
	if err := it.Err(); err != nil {
		p.opts.Logger.Errorf("universal: map element iterator error: %v", err)
		return nil, false
	}
	if hasStart {
		rng.IncludeStart = true
		rng.IncludeLimit = true
		var endKey base.InternalKey
		if level == 0 {
			endKey = levelFiles[0].Largest
			for _, f := range levelFiles[1:] {
				if icmp(f.Largest, endKey) > 0 {
					endKey = f.Largest
				}
			}
		} else {
			endKey = levelFiles[len(levelFiles)-1].Largest
		}
		rng.Limit = cloneUserKey(endKey.UserKey)
		estimatedTotalSize += subcompactSize
		ranges = append(ranges, rng)
	}
	if len(ranges) == 0 {
		return nil, false
	}

	c := &Compaction{
		version:         v,
		inputs:          []CompactionLevel{inputs},
		outputLevel:     level,
		targetFileSize:  p.opts.maxOutputFileSize(max(1, level)),
		outputPathID:    pathIDForSize(p.opts, estimatedTotalSize),
		compression:     p.opts.compressionForLevel(v.NumLevels(), level, true),
		compressionOpts: p.opts.CompressionOpts,
		reason:          CompactionReasonManual,
		purpose:         manifest.TablePurposeEssence,
		inputRanges:     ranges,
		partial:         true,
		manual:          true,
	}
	p.registerCompaction(c)
	return c, false
}
