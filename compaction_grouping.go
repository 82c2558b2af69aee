// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"math"

	"github.com/quarrydb/quarry/internal/manifest"
)

// sortedRunGroup is one contiguous group of sorted runs produced by the
// geometric grouping. ratio is the group's total normalized size.
type sortedRunGroup struct {
	start int
	count int
	ratio float64
}

// solveCommonRatio seeks q solving S = Σ q^i, i in <1..g>, where S is the
// sum of the normalized sizes. Eight Newton-Raphson steps are enough in
// practice; S <= g+1 shortcuts to q = 1 to avoid ill-conditioning.
func solveCommonRatio(sizes []float64, g int) float64 {
	var s float64
	for _, v := range sizes {
		s += v
	}
	// F is the sum of [q, q^2, q^3, ..., q^n].
	f := func(q float64, n int) float64 {
		return (math.Pow(q, float64(n+1)) - q) / (q - 1)
	}
	q := math.Pow(s, 1.0/float64(g))
	if s <= float64(g+1) {
		q = 1
	} else {
		for c := 0; c < 8; c++ {
			fp := 1.0
			qk := 1.0
			for k := 2; k <= g; k++ {
				qk *= q
				fp += float64(k) * qk
			}
			q -= (f(q, g) - s) / fp
		}
	}
	return q
}

// makeSortedRunGroups partitions the normalized run sizes into group
// contiguous groups whose post-compaction sizes approximate a geometric
// sequence. Oversized tail runs are split off as singleton groups
// whenever doing so lowers the common ratio of the remaining prefix.
// Returns the groups and the common ratio of the initial fit.
//
// INVARIANT: the group counts sum to len(sizes) and the groups are
// contiguous.
func makeSortedRunGroups(sizes []float64, group int) ([]sortedRunGroup, float64) {
	o := make([]sortedRunGroup, group)
	retQ := solveCommonRatio(sizes, group)
	srSize := len(sizes)
	g := group
	q := retQ
	for i := g - 1; q > 1 && i > 0; i-- {
		e := g - i
		newQ := solveCommonRatio(sizes[:srSize-e], g-e)
		if newQ < q {
			for j := i; j < g; j++ {
				start := j + srSize - g
				o[j].ratio = sizes[start]
				o[j].count = 1
				o[j].start = start
			}
			srSize -= e
			g -= e
			q = newQ
		}
	}
	// Partition the remaining prefix right to left, advancing a group
	// boundary whenever doing so brings the group's sum closer to its
	// geometric target q^i.
	srAcc := sizes[srSize-1]
	qAcc := math.Pow(q, float64(g))
	qi := g - 1
	o[qi].ratio = srAcc
	o[0].start = 0
	for i := srSize - 2; i >= 0; i-- {
		newAcc := srAcc + sizes[i]
		if (i < qi || srAcc > qAcc || math.Abs(newAcc-qAcc) > math.Abs(srAcc-qAcc)) && qi > 0 {
			o[qi].start = i + 1
			qAcc += math.Pow(q, float64(qi))
			qi--
			o[qi].ratio = 0
		}
		srAcc = newAcc
		o[qi].ratio += sizes[i]
	}
	for i := 1; i < g; i++ {
		o[i-1].count = o[i].start - o[i-1].start
	}
	o[g-1].count = srSize - o[g-1].start
	return o, retQ
}

// pickCompactionToReduceSortedRuns is the grouping-based ratio strategy,
// used under lazy compaction: allocate the target run count across the
// actual runs geometrically, then compact the first multi-run group whose
// runs are all idle. Runs of every multi-run group are added to excluded
// so the composite strategy leaves them for a later cycle.
func (p *UniversalCompactionPicker) pickCompactionToReduceSortedRuns(
	v *manifest.Version,
	score float64,
	runs []sortedRun,
	reduceTarget int,
	excluded map[int]struct{},
) *Compaction {
	if reduceTarget == 0 {
		reduceTarget = len(runs)
	}
	baseSize := float64(p.opts.WriteBufferSize)
	sizes := make([]float64, len(runs))
	for i := range runs {
		sizes[i] = float64(runs[i].size) / baseSize
	}
	groups, commonRatio := makeSortedRunGroups(sizes, reduceTarget)
	p.opts.Logger.Infof("universal: reduce to %d sorted runs, common ratio = %f",
		reduceTarget, commonRatio)

	startIndex, endIndex := 0, 0
	for gi := range groups {
		g := &groups[gi]
		beingCompacted := false
		if g.count > 1 {
			for i := g.start; i < g.start+g.count; i++ {
				if runs[i].beingCompacted {
					beingCompacted = true
				}
				excluded[i] = struct{}{}
			}
		}
		if endIndex != 0 {
			continue
		}
		if g.count <= 1 {
			p.opts.Logger.Infof("universal: group %d, count = %d, size = %d, single sorted run, skip",
				gi+1, g.count, uint64(g.ratio*baseSize))
			continue
		}
		if beingCompacted {
			p.opts.Logger.Infof("universal: group %d, count = %d, size = %d, being compacted, skip",
				gi+1, g.count, uint64(g.ratio*baseSize))
			continue
		}
		startIndex = g.start
		endIndex = g.start + g.count
	}
	if endIndex == 0 {
		return nil
	}

	// Compression is disabled if the runs older than the picked group
	// already hold the configured share of the data.
	enableCompression := true
	if ratioToCompress := p.opts.Universal.CompressionSizePercent; ratioToCompress >= 0 {
		var totalSize uint64
		for i := range runs {
			totalSize += runs[i].compensatedSize
		}
		var olderFileSize uint64
		for i := len(runs) - 1; i >= endIndex; i-- {
			olderFileSize += runs[i].size
			if olderFileSize*100 >= totalSize*uint64(ratioToCompress) {
				enableCompression = false
				break
			}
		}
	}

	var estimatedTotalSize uint64
	for i := startIndex; i < endIndex; i++ {
		estimatedTotalSize += runs[i].size
	}

	startLevel := runs[startIndex].level
	var outputLevel int
	switch {
	case endIndex == len(runs):
		outputLevel = v.NumLevels() - 1
	case runs[endIndex].level == 0:
		outputLevel = 0
	default:
		outputLevel = runs[endIndex].level - 1
	}

	// The last level is reserved for files ingested behind.
	if p.opts.AllowIngestBehind && outputLevel == v.NumLevels()-1 {
		outputLevel--
	}

	inputs := make([]CompactionLevel, endIndex-startIndex)
	for i := range inputs {
		inputs[i].Level = startLevel + i
	}
	for i := startIndex; i < endIndex; i++ {
		run := &runs[i]
		if run.level == 0 {
			inputs[0].Files = append(inputs[0].Files, run.file)
		} else {
			inputs[run.level-startLevel].Files = append(
				inputs[run.level-startLevel].Files, v.LevelFiles(run.level)...)
		}
		p.opts.Logger.Infof("universal: picking %s[%d]", run, i)
	}

	return &Compaction{
		version:           v,
		inputs:            inputs,
		outputLevel:       outputLevel,
		targetFileSize:    p.opts.maxOutputFileSize(outputLevel),
		outputPathID:      pathIDForSize(p.opts, estimatedTotalSize),
		compression:       p.opts.compressionForLevel(v.NumLevels(), startLevel, enableCompression),
		compressionOpts:   p.opts.CompressionOpts,
		score:             score,
		reason:            CompactionReasonUniversalSortedRunNum,
		purpose:           manifest.TablePurposeMap,
		maxSubcompactions: 1,
	}
}
