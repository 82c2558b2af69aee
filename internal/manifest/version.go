// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package manifest provides the read-only facade over a version snapshot
// consumed by the compaction picker: per-level file lists, file metadata,
// marks, the depend map resolving map/link references, and the
// precomputed compaction score.
package manifest

import (
	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
)

// MarkedFile identifies a file marked for compaction together with the
// level holding it.
type MarkedFile struct {
	Level int
	Meta  *TableMetadata
}

// Version is an immutable snapshot of the on-disk state of a column
// family. Level 0 files are ordered by descending recency (index 0
// newest). Files within a level greater than 0 are non-overlapping in key
// range and ordered by key.
//
// A Version is fixed for the duration of a picker invocation. The picker
// reads it while the caller holds a reference; the snapshot does not
// change during the call.
type Version struct {
	levels   [][]*TableMetadata
	depend   map[base.FileNum]*TableMetadata
	marked   []MarkedFile
	spaceAmp []bool

	// l0Score is the compaction score of level 0: the ratio of sorted
	// runs not being compacted to the compaction trigger. Recomputed by
	// ComputeCompactionScore.
	l0Score float64
}

// NewVersion constructs a Version over the given per-level file lists.
// dependFiles lists the tables referenced by map/link tables that are not
// themselves members of any level. Multi-level engines use two or more
// levels; a single-level engine keeps everything in level 0.
func NewVersion(levels [][]*TableMetadata, dependFiles []*TableMetadata) (*Version, error) {
	if len(levels) < 1 {
		return nil, errors.Errorf("manifest: version needs at least 1 level, got %d", len(levels))
	}
	v := &Version{
		levels:   levels,
		depend:   make(map[base.FileNum]*TableMetadata),
		spaceAmp: make([]bool, len(levels)),
	}
	for _, f := range dependFiles {
		v.depend[f.FileNum] = f
	}
	for level, files := range levels {
		for _, f := range files {
			v.depend[f.FileNum] = f
			if f.MarkedForCompaction {
				v.marked = append(v.marked, MarkedFile{Level: level, Meta: f})
			}
			if f.Purpose != TablePurposeEssence {
				v.spaceAmp[level] = true
			}
		}
	}
	return v, nil
}

// NumLevels returns the number of levels in the version, including empty
// ones.
func (v *Version) NumLevels() int {
	return len(v.levels)
}

// LevelFiles returns the files of the given level. The returned slice
// must not be mutated.
func (v *Version) LevelFiles(level int) []*TableMetadata {
	return v.levels[level]
}

// NumLevelFiles returns the number of files in the given level.
func (v *Version) NumLevelFiles(level int) int {
	return len(v.levels[level])
}

// CompactionScore returns the compaction score of the given level. Under
// universal compaction only level 0 carries a score.
func (v *Version) CompactionScore(level int) float64 {
	if level == 0 {
		return v.l0Score
	}
	return 0
}

// FilesMarkedForCompaction returns the files flagged for rewrite, in
// level order.
func (v *Version) FilesMarkedForCompaction() []MarkedFile {
	return v.marked
}

// DependFiles returns the map resolving file numbers referenced by map
// and link tables.
func (v *Version) DependFiles() map[base.FileNum]*TableMetadata {
	return v.depend
}

// HasSpaceAmplification reports whether any level holds map or link
// tables.
func (v *Version) HasSpaceAmplification() bool {
	for _, amp := range v.spaceAmp {
		if amp {
			return true
		}
	}
	return false
}

// LevelHasSpaceAmplification reports whether the given level holds map or
// link tables.
func (v *Version) LevelHasSpaceAmplification(level int) bool {
	return v.spaceAmp[level]
}

// SetLevelSpaceAmplification overrides the space-amplification mark of a
// level. The engine sets the mark from table properties when a version is
// installed; tests use this to model levels whose map read-amp has
// decayed to 1.
func (v *Version) SetLevelSpaceAmplification(level int, amp bool) {
	v.spaceAmp[level] = amp
}

// ComputeCompactionScore recomputes the level 0 compaction score as the
// ratio of sorted runs not being compacted to the compaction trigger. The
// picker calls this after registering a new plan so that subsequent
// scheduling decisions see the in-flight work.
func (v *Version) ComputeCompactionScore(l0CompactionFileThreshold int) {
	if l0CompactionFileThreshold <= 0 {
		v.l0Score = 0
		return
	}
	runs := 0
	for _, f := range v.levels[0] {
		if !f.BeingCompacted {
			runs++
		}
	}
	for level := 1; level < len(v.levels); level++ {
		files := v.levels[level]
		if len(files) == 0 {
			continue
		}
		compacting := false
		for _, f := range files {
			if f.BeingCompacted {
				compacting = true
				break
			}
		}
		if !compacting {
			runs++
		}
	}
	v.l0Score = float64(runs) / float64(l0CompactionFileThreshold)
}

// Overlaps returns the files of the given level whose user-key ranges
// overlap [smallest, largest]. For level 0 the result is the transitive
// closure: overlapping level 0 files may themselves widen the range,
// which pulls in further files.
func (v *Version) Overlaps(level int, cmp base.Compare, smallest, largest []byte) []*TableMetadata {
	files := v.levels[level]
	if level > 0 {
		var ret []*TableMetadata
		for _, f := range files {
			if cmp(f.Largest.UserKey, smallest) < 0 || cmp(f.Smallest.UserKey, largest) > 0 {
				continue
			}
			ret = append(ret, f)
		}
		return ret
	}

	// Level 0: expand to a fixpoint.
	lo := append([]byte(nil), smallest...)
	hi := append([]byte(nil), largest...)
	for {
		var ret []*TableMetadata
		grown := false
		for _, f := range files {
			if cmp(f.Largest.UserKey, lo) < 0 || cmp(f.Smallest.UserKey, hi) > 0 {
				continue
			}
			ret = append(ret, f)
			if cmp(f.Smallest.UserKey, lo) < 0 {
				lo = append(lo[:0], f.Smallest.UserKey...)
				grown = true
			}
			if cmp(f.Largest.UserKey, hi) > 0 {
				hi = append(hi[:0], f.Largest.UserKey...)
				grown = true
			}
		}
		if !grown {
			return ret
		}
	}
}
