// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/invariants"
	"github.com/quarrydb/quarry/internal/manifest"
)

// ErrCorruptMetadata is reported (via logging and metrics, never to the
// caller) when a depend-map lookup fails or a depend list cycles.
var ErrCorruptMetadata = errors.New("quarry: corrupt table metadata")

const (
	// unlimitedMergeWidth disables the ratio-strategy window cap.
	unlimitedMergeWidth = uint(math.MaxUint32)
	// unlimitedRuns disables a sorted-run target.
	unlimitedRuns = math.MaxInt
)

// UniversalCompactionPicker selects universal-style compactions for one
// column family. It is invoked by a scheduler holding the column family's
// mutex; calls run to completion without suspending and are not
// reentrant. All mutation of the in-flight sets happens inside the
// picker.
type UniversalCompactionPicker struct {
	opts       *Options
	tableCache TableCache // may be nil; disables the composite strategy
	metrics    *Metrics   // may be nil

	// compactionsInProgress is the set of registered, still running
	// plans. level0CompactionsInProgress is the subset touching L0.
	compactionsInProgress       map[*Compaction]struct{}
	level0CompactionsInProgress map[*Compaction]struct{}
}

// NewUniversalCompactionPicker constructs a picker. tableCache may be nil,
// which disables the composite strategy and lazy read-amp inspection.
func NewUniversalCompactionPicker(
	opts *Options, tableCache TableCache, metrics *Metrics,
) *UniversalCompactionPicker {
	opts.EnsureDefaults()
	return &UniversalCompactionPicker{
		opts:                        opts,
		tableCache:                  tableCache,
		metrics:                     metrics,
		compactionsInProgress:       make(map[*Compaction]struct{}),
		level0CompactionsInProgress: make(map[*Compaction]struct{}),
	}
}

// sortedRun is one unit of universal compaction: a single level 0 file,
// or the aggregate of one non-empty lower level.
type sortedRun struct {
	level int
	// file is set iff level == 0.
	file            *manifest.TableMetadata
	size            uint64
	compensatedSize uint64
	beingCompacted  bool
}

// String implements the fmt.Stringer interface.
func (r sortedRun) String() string {
	if r.level == 0 {
		return fmt.Sprintf("file %s", r.file.FileNum)
	}
	return fmt.Sprintf("level %d", r.level)
}

// tableSize returns the file's size with map/link depend lists expanded
// recursively. Missing depend entries and cycles are logged as corrupt
// metadata and contribute zero.
func (p *UniversalCompactionPicker) tableSize(
	v *manifest.Version, f *manifest.TableMetadata,
) uint64 {
	if f.Purpose == manifest.TablePurposeEssence || len(f.Depend) == 0 {
		return f.Size
	}
	visited := map[base.FileNum]struct{}{f.FileNum: {}}
	return p.tableSizeRec(v, f, visited)
}

func (p *UniversalCompactionPicker) tableSizeRec(
	v *manifest.Version, f *manifest.TableMetadata, visited map[base.FileNum]struct{},
) uint64 {
	size := f.Size
	depend := v.DependFiles()
	for _, fn := range f.Depend {
		dep, ok := depend[fn]
		if !ok {
			p.opts.Logger.Errorf("%v", errors.Wrapf(ErrCorruptMetadata,
				"file %s depends on missing file %s", f.FileNum, fn))
			p.metrics.corruptMetadata()
			continue
		}
		if _, seen := visited[fn]; seen {
			p.opts.Logger.Errorf("%v", errors.Wrapf(ErrCorruptMetadata,
				"file %s participates in a depend cycle", fn))
			p.metrics.corruptMetadata()
			continue
		}
		visited[fn] = struct{}{}
		if dep.Purpose != manifest.TablePurposeEssence && len(dep.Depend) > 0 {
			size += p.tableSizeRec(v, dep, visited)
		} else {
			size += dep.Size
		}
	}
	return size
}

// calculateSortedRuns summarizes the version into sorted runs, newest
// first: one run per level 0 file, then one aggregate run per non-empty
// lower level.
func (p *UniversalCompactionPicker) calculateSortedRuns(v *manifest.Version) []sortedRun {
	var runs []sortedRun
	for _, f := range v.LevelFiles(0) {
		runs = append(runs, sortedRun{
			level:           0,
			file:            f,
			size:            p.tableSize(v, f),
			compensatedSize: f.CompensatedSize,
			beingCompacted:  f.BeingCompacted,
		})
	}
	for level := 1; level < v.NumLevels(); level++ {
		var totalSize, totalCompensated uint64
		beingCompacted := false
		first := true
		for _, f := range v.LevelFiles(level) {
			totalCompensated += f.CompensatedSize
			totalSize += p.tableSize(v, f)
			if p.opts.Universal.AllowTrivialMove {
				if f.BeingCompacted {
					beingCompacted = true
				}
			} else {
				// A compaction includes all files of a non-zero level, so
				// without trivial moves every file of the level shares the
				// same being-compacted state.
				invariants.Assertf(first || f.BeingCompacted == beingCompacted,
					"level %d files disagree on being-compacted", level)
			}
			if first {
				beingCompacted = f.BeingCompacted
				first = false
			}
		}
		if totalCompensated > 0 {
			runs = append(runs, sortedRun{
				level:           level,
				size:            totalSize,
				compensatedSize: totalCompensated,
				beingCompacted:  beingCompacted,
			})
		}
	}
	return runs
}

// NeedsCompaction reports whether the version warrants a PickCompaction
// call. It is a cheap gate; the detail happens inside PickCompaction.
func (p *UniversalCompactionPicker) NeedsCompaction(v *manifest.Version) bool {
	if v.CompactionScore(0) >= 1 {
		return true
	}
	if len(v.FilesMarkedForCompaction()) > 0 {
		return true
	}
	return v.HasSpaceAmplification()
}

// registerCompaction transitions a plan to in-flight: its files become
// being-compacted for subsequent picks until UnregisterCompaction.
func (p *UniversalCompactionPicker) registerCompaction(c *Compaction) {
	c.eachInputFile(func(f *manifest.TableMetadata) {
		invariants.Assertf(!f.BeingCompacted, "file %s picked twice", f.FileNum)
		f.BeingCompacted = true
	})
	p.compactionsInProgress[c] = struct{}{}
	if c.StartLevel() == 0 || c.outputLevel == 0 {
		p.level0CompactionsInProgress[c] = struct{}{}
	}
}

// UnregisterCompaction removes a finished plan from the in-flight sets.
// The scheduler calls it when the executor reports completion.
func (p *UniversalCompactionPicker) UnregisterCompaction(c *Compaction) {
	c.eachInputFile(func(f *manifest.TableMetadata) {
		f.BeingCompacted = false
	})
	delete(p.compactionsInProgress, c)
	delete(p.level0CompactionsInProgress, c)
}

// CompactionsInProgress returns the number of registered plans.
func (p *UniversalCompactionPicker) CompactionsInProgress() int {
	return len(p.compactionsInProgress)
}

func (p *UniversalCompactionPicker) hasMapCompactionInProgress() bool {
	for c := range p.compactionsInProgress {
		if c.purpose == manifest.TablePurposeMap {
			return true
		}
	}
	return false
}

func (p *UniversalCompactionPicker) isCompactionOutputLevel(level int) bool {
	for c := range p.compactionsInProgress {
		if c.outputLevel == level {
			return true
		}
	}
	return false
}

func areFilesInCompaction(files []*manifest.TableMetadata) bool {
	for _, f := range files {
		if f.BeingCompacted {
			return true
		}
	}
	return false
}

// filesRangeOverlapWithCompaction reports whether the key range of the
// candidate inputs overlaps an in-flight plan with the same output level.
func (p *UniversalCompactionPicker) filesRangeOverlapWithCompaction(
	inputs []CompactionLevel, outputLevel int,
) bool {
	cmp := p.opts.Comparer.Compare
	probe := &Compaction{inputs: inputs}
	smallest, largest, ok := probe.userKeyBounds(cmp)
	if !ok {
		return false
	}
	for c := range p.compactionsInProgress {
		if c.outputLevel != outputLevel {
			continue
		}
		cs, cl, cok := c.userKeyBounds(cmp)
		if !cok {
			continue
		}
		if cmp(largest, cs) >= 0 && cmp(cl, smallest) >= 0 {
			return true
		}
	}
	return false
}

// inputFileFront identifies one input file during the non-overlap walk.
type inputFileFront struct {
	f     *manifest.TableMetadata
	level int // index into c.inputs
	index int
}

type smallestKeyHeap struct {
	cmp   base.Compare
	items []inputFileFront
}

func (h *smallestKeyHeap) Len() int { return len(h.items) }
func (h *smallestKeyHeap) Less(i, j int) bool {
	return base.InternalCompare(h.cmp, h.items[i].f.Smallest, h.items[j].f.Smallest) < 0
}
func (h *smallestKeyHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *smallestKeyHeap) Push(x any)    { h.items = append(h.items, x.(inputFileFront)) }
func (h *smallestKeyHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// inputsNonOverlapping reports whether the plan's inputs can be combined
// as a pure file move: walking every input file in ascending smallest-key
// order, each file's smallest key must strictly exceed the previous
// file's largest key. Level 0 files are heap-loaded upfront; for lower
// levels only the front file is loaded and successors are pushed as their
// predecessors pop.
func (p *UniversalCompactionPicker) inputsNonOverlapping(c *Compaction) bool {
	h := &smallestKeyHeap{cmp: p.opts.Comparer.Compare}
	for l := range c.inputs {
		in := &c.inputs[l]
		if len(in.Files) == 0 {
			continue
		}
		if in.Level == 0 && c.StartLevel() == 0 {
			for i, f := range in.Files {
				h.items = append(h.items, inputFileFront{f: f, level: l, index: i})
			}
		} else {
			h.items = append(h.items, inputFileFront{f: in.Files[0], level: l, index: 0})
		}
	}
	if h.Len() <= 1 {
		return true
	}
	heap.Init(h)

	cmp := p.opts.Comparer.Compare
	var prev inputFileFront
	first := true
	for h.Len() > 0 {
		curr := heap.Pop(h).(inputFileFront)
		if first {
			first = false
		} else {
			if base.InternalCompare(cmp, prev.f.Largest, curr.f.Smallest) >= 0 {
				return false
			}
		}
		prev = curr

		in := &c.inputs[curr.level]
		if in.Level != 0 && curr.index < len(in.Files)-1 {
			heap.Push(h, inputFileFront{f: in.Files[curr.index+1], level: curr.level, index: curr.index + 1})
		}
	}
	return true
}

// pathIDForSize picks the storage path for a compaction output of the
// given estimated size. Two conditions must hold: the path's target can
// hold the file, and the headroom left in this and the preceding paths
// can hold the projected future file the output will grow into, estimated
// from the size ratio.
func pathIDForSize(opts *Options, fileSize uint64) uint32 {
	futureSize := fileSize * (100 - uint64(opts.Universal.SizeRatio)) / 100
	var accumulatedSize uint64
	var p uint32
	for ; int(p) < len(opts.Paths)-1; p++ {
		targetSize := opts.Paths[p].TargetSize
		if targetSize > fileSize && accumulatedSize+(targetSize-fileSize) > futureSize {
			return p
		}
		accumulatedSize += targetSize
	}
	return p
}

// pickCompactionToReduceSizeAmp checks overall size amplification: if the
// compensated bytes above the bottommost run reach the configured
// percentage of the bottommost run, compact everything down to it.
func (p *UniversalCompactionPicker) pickCompactionToReduceSizeAmp(
	v *manifest.Version, score float64, runs []sortedRun,
) *Compaction {
	ratio := p.opts.Universal.MaxSizeAmplificationPercent

	if runs[len(runs)-1].beingCompacted {
		return nil
	}

	// Skip leading runs that are already being compacted.
	startIndex := -1
	for i := 0; i < len(runs)-1; i++ {
		if !runs[i].beingCompacted {
			startIndex = i
			break
		}
		p.opts.Logger.Infof("universal: skipping %s, already being compacted", runs[i])
	}
	if startIndex < 0 {
		return nil
	}

	var candidateSize uint64
	candidateCount := 0
	for i := startIndex; i < len(runs)-1; i++ {
		if runs[i].beingCompacted {
			p.opts.Logger.Infof("universal: %s being compacted, no size-amp reduction possible", runs[i])
			return nil
		}
		candidateSize += runs[i].compensatedSize
		candidateCount++
	}
	if candidateCount == 0 {
		return nil
	}

	earliestFileSize := runs[len(runs)-1].size
	if candidateSize*100 < ratio*earliestFileSize {
		p.opts.Logger.Infof(
			"universal: size amp not needed, newer-files-total-size %d earliest-file-size %d",
			candidateSize, earliestFileSize)
		return nil
	}
	p.opts.Logger.Infof(
		"universal: size amp needed, newer-files-total-size %d earliest-file-size %d",
		candidateSize, earliestFileSize)

	var estimatedTotalSize uint64
	for i := startIndex; i < len(runs); i++ {
		estimatedTotalSize += runs[i].size
	}

	startLevel := runs[startIndex].level
	inputs := make([]CompactionLevel, v.NumLevels())
	for i := range inputs {
		inputs[i].Level = startLevel + i
	}
	for i := startIndex; i < len(runs); i++ {
		run := &runs[i]
		if run.level == 0 {
			inputs[0].Files = append(inputs[0].Files, run.file)
		} else {
			inputs[run.level-startLevel].Files = append(
				inputs[run.level-startLevel].Files, v.LevelFiles(run.level)...)
		}
	}

	outputLevel := v.NumLevels() - 1
	if p.opts.AllowIngestBehind {
		outputLevel--
	}

	return &Compaction{
		version:         v,
		inputs:          inputs,
		outputLevel:     outputLevel,
		targetFileSize:  p.opts.maxOutputFileSize(outputLevel),
		outputPathID:    pathIDForSize(p.opts, estimatedTotalSize),
		compression:     p.opts.compressionForLevel(v.NumLevels(), outputLevel, true),
		compressionOpts: p.opts.CompressionOpts,
		score:           score,
		reason:          CompactionReasonUniversalSizeAmp,
	}
}

// pickCompactionToReduceSortedRunsLegacy slides a window over the runs,
// extending it while consecutive run sizes stay within the ratio. An
// accepted window outputs to the bottommost level if it reaches the last
// run, to level 0 if the next run is a level 0 file, and otherwise to the
// level just above the next run.
func (p *UniversalCompactionPicker) pickCompactionToReduceSortedRunsLegacy(
	v *manifest.Version, score float64, ratio uint, maxNumberOfFilesToCompact int, runs []sortedRun,
) *Compaction {
	minMergeWidth := max(p.opts.Universal.MinMergeWidth, 2)
	maxMergeWidth := p.opts.Universal.MaxMergeWidth

	maxFilesToCompact := min(int(maxMergeWidth), maxNumberOfFilesToCompact)

	var startIndex int
	candidateCount := 0
	done := false

	for loop := 0; loop < len(runs); loop++ {
		candidateCount = 0

		// Skip runs that are already being compacted.
		var run *sortedRun
		for ; loop < len(runs); loop++ {
			run = &runs[loop]
			if !run.beingCompacted {
				candidateCount = 1
				break
			}
			p.opts.Logger.Infof("universal: %s[%d] being compacted, skipping", run, loop)
			run = nil
		}

		var candidateSize uint64
		if run != nil {
			candidateSize = run.compensatedSize
			p.opts.Logger.Infof("universal: possible candidate %s[%d]", run, loop)
		}

		// Check whether the succeeding runs fit the window.
		for i := loop + 1; candidateCount < maxFilesToCompact && i < len(runs); i++ {
			succeeding := &runs[i]
			if succeeding.beingCompacted {
				break
			}
			// Pick runs while the total (or, under similar-size, the last
			// picked) candidate size increased by the ratio still covers
			// the next run.
			sz := float64(candidateSize) * (100.0 + float64(ratio)) / 100.0
			if sz < float64(succeeding.size) {
				break
			}
			if p.opts.Universal.StopStyle == StopStyleSimilarSize {
				// Similar-size stopping rule: the last picked run must not
				// be far larger than the next one either.
				sz = float64(succeeding.size) * (100.0 + float64(ratio)) / 100.0
				if sz < float64(candidateSize) {
					break
				}
				candidateSize = succeeding.compensatedSize
			} else {
				candidateSize += succeeding.compensatedSize
			}
			candidateCount++
		}

		if candidateCount >= int(minMergeWidth) {
			startIndex = loop
			done = true
			break
		}
		for i := loop; i < loop+candidateCount && i < len(runs); i++ {
			p.opts.Logger.Infof("universal: skipping %s[%d]", &runs[i], i)
		}
	}
	if !done || candidateCount <= 1 {
		return nil
	}
	firstIndexAfter := startIndex + candidateCount

	// Compression is disabled if the runs past the window already hold the
	// configured share of the data.
	enableCompression := true
	if ratioToCompress := p.opts.Universal.CompressionSizePercent; ratioToCompress >= 0 {
		var totalSize uint64
		for i := range runs {
			totalSize += runs[i].compensatedSize
		}
		var olderFileSize uint64
		for i := len(runs) - 1; i >= firstIndexAfter; i-- {
			olderFileSize += runs[i].size
			if olderFileSize*100 >= totalSize*uint64(ratioToCompress) {
				enableCompression = false
				break
			}
		}
	}

	var estimatedTotalSize uint64
	for i := 0; i < firstIndexAfter; i++ {
		estimatedTotalSize += runs[i].size
	}

	startLevel := runs[startIndex].level
	var outputLevel int
	switch {
	case firstIndexAfter == len(runs):
		outputLevel = v.NumLevels() - 1
	case runs[firstIndexAfter].level == 0:
		outputLevel = 0
	default:
		outputLevel = runs[firstIndexAfter].level - 1
	}

	// The last level is reserved for files ingested behind.
	if p.opts.AllowIngestBehind && outputLevel == v.NumLevels()-1 {
		outputLevel--
	}

	inputs := make([]CompactionLevel, v.NumLevels())
	for i := range inputs {
		inputs[i].Level = startLevel + i
	}
	for i := startIndex; i < firstIndexAfter; i++ {
		run := &runs[i]
		if run.level == 0 {
			inputs[0].Files = append(inputs[0].Files, run.file)
		} else {
			inputs[run.level-startLevel].Files = append(
				inputs[run.level-startLevel].Files, v.LevelFiles(run.level)...)
		}
		p.opts.Logger.Infof("universal: picking %s[%d]", run, i)
	}

	reason := CompactionReasonUniversalSortedRunNum
	if maxNumberOfFilesToCompact == unlimitedRuns {
		reason = CompactionReasonUniversalSizeRatio
	}

	return &Compaction{
		version:         v,
		inputs:          inputs,
		outputLevel:     outputLevel,
		targetFileSize:  p.opts.maxOutputFileSize(outputLevel),
		outputPathID:    pathIDForSize(p.opts, estimatedTotalSize),
		compression:     p.opts.compressionForLevel(v.NumLevels(), outputLevel, enableCompression),
		compressionOpts: p.opts.CompressionOpts,
		score:           score,
		reason:          reason,
	}
}

// pickTrivialMoveCompaction moves a whole level, or the oldest level 0
// file, into the lowest empty level that no in-flight plan is writing to.
func (p *UniversalCompactionPicker) pickTrivialMoveCompaction(v *manifest.Version) *Compaction {
	if !p.opts.Universal.AllowTrivialMove {
		return nil
	}
	outputLevel := v.NumLevels() - 1
	// The last level is reserved for files ingested behind.
	if p.opts.AllowIngestBehind {
		outputLevel--
	}
	startLevel := 0
	for {
		// Find an empty level that no in-flight plan outputs to.
		for ; outputLevel >= 1; outputLevel-- {
			if len(v.LevelFiles(outputLevel)) == 0 && !p.isCompactionOutputLevel(outputLevel) {
				break
			}
		}
		if outputLevel < 1 {
			return nil
		}
		foundStartLevel := false
		for startLevel = outputLevel - 1; startLevel > 0; startLevel-- {
			if p.isCompactionOutputLevel(startLevel) {
				break
			}
			if len(v.LevelFiles(startLevel)) > 0 {
				foundStartLevel = true
				break
			}
		}
		if startLevel == 0 {
			// Move the oldest level 0 file.
			break
		}
		if foundStartLevel && !areFilesInCompaction(v.LevelFiles(startLevel)) {
			break
		}
		outputLevel = startLevel - 1
	}

	in := CompactionLevel{Level: startLevel}
	var pathID uint32
	if startLevel == 0 {
		level0Files := v.LevelFiles(0)
		if len(level0Files) == 0 || level0Files[len(level0Files)-1].BeingCompacted {
			return nil
		}
		meta := level0Files[len(level0Files)-1]
		in.Files = []*manifest.TableMetadata{meta}
		pathID = meta.PathID
	} else {
		in.Files = v.LevelFiles(startLevel)
		pathID = in.Files[0].PathID
	}
	invariants.Assertf(!areFilesInCompaction(in.Files), "trivial move picked compacting files")

	return &Compaction{
		version:         v,
		inputs:          []CompactionLevel{in},
		outputLevel:     outputLevel,
		outputPathID:    pathID,
		compression:     p.opts.Compression,
		compressionOpts: p.opts.CompressionOpts,
		reason:          CompactionReasonTrivialMoveLevel,
	}
}

// pickFilesMarkedForCompaction returns the first marked file not already
// being compacted, as single-file start-level inputs.
func (p *UniversalCompactionPicker) pickFilesMarkedForCompaction(
	v *manifest.Version,
) (startLevel int, inputs CompactionLevel) {
	for _, mf := range v.FilesMarkedForCompaction() {
		if mf.Meta.BeingCompacted {
			continue
		}
		return mf.Level, CompactionLevel{Level: mf.Level, Files: []*manifest.TableMetadata{mf.Meta}}
	}
	return -1, CompactionLevel{}
}

// overlappingL0Inputs expands start-level inputs to all level 0 files
// overlapping their key range. Fails if the expansion hits a file that is
// being compacted.
func (p *UniversalCompactionPicker) overlappingL0Inputs(
	v *manifest.Version, inputs *CompactionLevel,
) bool {
	cmp := p.opts.Comparer.Compare
	probe := &Compaction{inputs: []CompactionLevel{*inputs}}
	smallest, largest, ok := probe.userKeyBounds(cmp)
	if !ok {
		return false
	}
	expanded := v.Overlaps(0, cmp, smallest, largest)
	if areFilesInCompaction(expanded) {
		return false
	}
	inputs.Files = expanded
	return len(expanded) > 0
}

// outputLevelInputs collects the output level's files overlapping the
// start-level inputs. Fails if any is being compacted.
func (p *UniversalCompactionPicker) outputLevelInputs(
	v *manifest.Version, start CompactionLevel, outputLevel int,
) (CompactionLevel, bool) {
	cmp := p.opts.Comparer.Compare
	probe := &Compaction{inputs: []CompactionLevel{start}}
	smallest, largest, ok := probe.userKeyBounds(cmp)
	if !ok {
		return CompactionLevel{Level: outputLevel}, false
	}
	files := v.Overlaps(outputLevel, cmp, smallest, largest)
	if areFilesInCompaction(files) {
		return CompactionLevel{Level: outputLevel}, false
	}
	return CompactionLevel{Level: outputLevel, Files: files}, true
}

// pickDeleteTriggeredCompaction picks files marked for compaction,
// typically due to tombstone density, and merges them with the next
// non-empty level.
func (p *UniversalCompactionPicker) pickDeleteTriggeredCompaction(
	v *manifest.Version, score float64,
) *Compaction {
	var inputs []CompactionLevel
	var outputLevel int

	if v.NumLevels() == 1 {
		// Single-level universal: reclaim space like the size-amp
		// strategy does, from the first marked file down.
		start := CompactionLevel{Level: 0}
		compact := false
		for _, f := range v.LevelFiles(0) {
			if f.MarkedForCompaction {
				compact = true
			}
			if compact {
				start.Files = append(start.Files, f)
			}
		}
		if len(start.Files) <= 1 {
			// Only the last level 0 file is marked; ignore it.
			return nil
		}
		outputLevel = 0
		inputs = append(inputs, start)
	} else {
		startLevel, start := p.pickFilesMarkedForCompaction(v)
		if len(start.Files) == 0 {
			return nil
		}

		// The first non-empty level after the start level.
		for outputLevel = startLevel + 1; outputLevel < v.NumLevels(); outputLevel++ {
			if v.NumLevelFiles(outputLevel) != 0 {
				break
			}
		}
		if outputLevel == v.NumLevels() {
			if startLevel == 0 {
				outputLevel = v.NumLevels() - 1
			} else {
				// All higher levels empty: the compaction would be a
				// trivial move, which does not reclaim space.
				return nil
			}
		}
		if p.opts.AllowIngestBehind && outputLevel == v.NumLevels()-1 {
			outputLevel--
		}

		if outputLevel != 0 {
			if startLevel == 0 {
				if !p.overlappingL0Inputs(v, &start) {
					return nil
				}
			}
			outInputs, ok := p.outputLevelInputs(v, start, outputLevel)
			if !ok {
				return nil
			}
			inputs = append(inputs, start)
			if len(outInputs.Files) > 0 {
				inputs = append(inputs, outInputs)
			}
			if p.filesRangeOverlapWithCompaction(inputs, outputLevel) {
				return nil
			}
		} else {
			inputs = append(inputs, start)
		}
	}

	// Use the size of the output level as the estimated output size.
	var estimatedTotalSize uint64
	for _, f := range v.LevelFiles(outputLevel) {
		estimatedTotalSize += f.Size
	}
	purpose := manifest.TablePurposeEssence
	maxSubcompactions := 0
	if p.opts.EnableLazyCompaction && outputLevel != 0 {
		purpose = manifest.TablePurposeMap
		maxSubcompactions = 1
	}

	return &Compaction{
		version:           v,
		inputs:            inputs,
		outputLevel:       outputLevel,
		targetFileSize:    p.opts.maxOutputFileSize(outputLevel),
		outputPathID:      pathIDForSize(p.opts, estimatedTotalSize),
		compression:       p.opts.compressionForLevel(v.NumLevels(), outputLevel, true),
		compressionOpts:   p.opts.CompressionOpts,
		score:             score,
		reason:            CompactionReasonFilesMarkedForCompaction,
		purpose:           purpose,
		maxSubcompactions: maxSubcompactions,
		manual:            true,
	}
}

// PickCompaction selects the next compaction for the version, or nil if
// none is warranted. Strategies are consulted in a fixed order with
// precedence rules; the accepted plan is validated, measured, registered
// and returned.
func (p *UniversalCompactionPicker) PickCompaction(v *manifest.Version) *Compaction {
	trigger := p.opts.L0CompactionFileThreshold
	score := v.CompactionScore(0)
	runs := p.calculateSortedRuns(v)

	if len(runs) == 0 ||
		(len(v.FilesMarkedForCompaction()) == 0 &&
			!v.HasSpaceAmplification() &&
			len(runs) < trigger) {
		p.opts.Logger.Infof("universal: nothing to do")
		return nil
	}
	p.opts.Logger.Infof("universal: %d sorted runs", len(runs))

	var c *Compaction
	excluded := make(map[int]struct{})
	if v.HasSpaceAmplification() || len(runs) >= trigger {
		if p.opts.EnableLazyCompaction {
			reduceTarget := trigger + v.NumLevels() - 1
			if p.hasMapCompactionInProgress() {
				reduceTarget = unlimitedRuns
			} else if c = p.pickTrivialMoveCompaction(v); c != nil {
				reduceTarget = unlimitedRuns
			} else if p.tableCache != nil && len(runs) > 1 && len(runs) <= reduceTarget {
				levelReadAmpCount := 0
				rebuildPending := false
				for i := range runs {
					run := &runs[i]
					var f *manifest.TableMetadata
					if run.level > 0 {
						if !v.LevelHasSpaceAmplification(run.level) {
							continue
						}
						levelFiles := v.LevelFiles(run.level)
						if len(levelFiles) > 1 {
							// The level needs a map rebuild; leave it to the
							// composite strategy.
							rebuildPending = true
							reduceTarget = unlimitedRuns
							break
						}
						f = levelFiles[0]
					} else {
						if run.file.Purpose != manifest.TablePurposeMap {
							continue
						}
						f = run.file
					}
					props, err := p.tableCache.TableProperties(f)
					if err == nil {
						if readAmp := sstReadAmp(props); readAmp > 1 {
							levelReadAmpCount += readAmp
						}
					}
				}
				if !rebuildPending && levelReadAmpCount < reduceTarget {
					reduceTarget = max(trigger, len(runs)-1)
				}
			}
			if len(runs) > reduceTarget {
				if c = p.pickCompactionToReduceSortedRuns(v, score, runs, reduceTarget, excluded); c != nil {
					p.opts.Logger.Infof("universal: compacting for lazy compaction")
				}
			}
		} else if c = p.pickCompactionToReduceSizeAmp(v, score, runs); c != nil {
			p.opts.Logger.Infof("universal: compacting for size amp")
		} else {
			// Size amplification is within limits. Try reducing read
			// amplification while maintaining file size ratios.
			ratio := p.opts.Universal.SizeRatio
			if c = p.pickCompactionToReduceSortedRunsLegacy(v, score, ratio, unlimitedRuns, runs); c != nil {
				p.opts.Logger.Infof("universal: compacting for size ratio")
			} else {
				// Size ratios are within limits too. If the number of
				// sorted runs still exceeds the trigger, force a compaction
				// that disregards size ratios.
				numNotCompacted := 0
				for i := range runs {
					if !runs[i].beingCompacted {
						numNotCompacted++
					}
				}
				if numNotCompacted > trigger {
					numFiles := numNotCompacted - trigger + 1
					if c = p.pickCompactionToReduceSortedRunsLegacy(
						v, score, unlimitedMergeWidth, numFiles, runs); c != nil {
						p.opts.Logger.Infof("universal: compacting for file num, width %d", numFiles)
					}
				}
			}
		}
	}

	if c == nil && p.tableCache != nil {
		c = p.pickCompositeCompaction(v, runs, excluded)
	}

	if c == nil {
		if c = p.pickDeleteTriggeredCompaction(v, score); c != nil {
			p.opts.Logger.Infof("universal: delete triggered compaction")
		}
	}

	if c == nil {
		return nil
	}

	allowTrivialMove := p.opts.Universal.AllowTrivialMove
	if c.reason != CompactionReasonTrivialMoveLevel && allowTrivialMove {
		// A level holding map or link tables cannot be moved; its files
		// resolve through the depend map.
		for i := range c.inputs {
			if v.LevelHasSpaceAmplification(c.inputs[i].Level) {
				allowTrivialMove = false
				break
			}
		}
	}
	if allowTrivialMove {
		c.trivialMove = p.inputsNonOverlapping(c)
		invariants.Assertf(c.reason != CompactionReasonTrivialMoveLevel || c.trivialMove,
			"trivial move plan with overlapping inputs")
	}

	if invariants.Enabled {
		p.validateSeqnoOrder(c)
	}

	p.metrics.pickedCompaction(c)
	p.registerCompaction(c)
	v.ComputeCompactionScore(trigger)
	return c
}

// validateSeqnoOrder checks that the chosen levels are non-overlapping in
// time: across levels in the plan, the smallest seqno of the higher level
// exceeds the largest seqno of the next. Bottom-level files may have been
// rewritten with zeroed seqnos, in which case the check is skipped.
func (p *UniversalCompactionPicker) validateSeqnoOrder(c *Compaction) {
	var prevSmallest base.SeqNum
	first := true

	levelIndex := 0
	if c.StartLevel() == 0 {
		for _, f := range c.inputs[0].Files {
			invariants.Assertf(f.SmallestSeqNum <= f.LargestSeqNum,
				"file %s has inverted seqnos", f.FileNum)
			first = false
			prevSmallest = f.SmallestSeqNum
		}
		levelIndex = 1
	}
	for ; levelIndex < len(c.inputs); levelIndex++ {
		files := c.inputs[levelIndex].Files
		if len(files) == 0 {
			continue
		}
		smallest, largest := files[0].SmallestSeqNum, files[0].LargestSeqNum
		for _, f := range files[1:] {
			smallest = min(smallest, f.SmallestSeqNum)
			largest = max(largest, f.LargestSeqNum)
		}
		if first {
			first = false
		} else if prevSmallest > 0 {
			invariants.Assertf(prevSmallest > largest,
				"plan levels overlap in time: prev smallest %d, next largest %d",
				prevSmallest, largest)
		}
		prevSmallest = smallest
	}
}
