// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/redact"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/manifest"
)

// CompactionReason tags a plan with the strategy that produced it.
type CompactionReason int

const (
	// CompactionReasonUnknown is the zero reason.
	CompactionReasonUnknown CompactionReason = iota
	// CompactionReasonUniversalSizeAmp: size amplification exceeded the
	// configured limit.
	CompactionReasonUniversalSizeAmp
	// CompactionReasonUniversalSizeRatio: consecutive runs within the
	// configured size ratio.
	CompactionReasonUniversalSizeRatio
	// CompactionReasonUniversalSortedRunNum: too many sorted runs.
	CompactionReasonUniversalSortedRunNum
	// CompactionReasonFilesMarkedForCompaction: inputs were marked,
	// typically by a tombstone-density collector.
	CompactionReasonFilesMarkedForCompaction
	// CompactionReasonTrivialMoveLevel: re-label files to a lower level
	// without rewriting.
	CompactionReasonTrivialMoveLevel
	// CompactionReasonCompositeAmp: rewrite map/link/essence tables to
	// reduce the read amplification of map lookups.
	CompactionReasonCompositeAmp
	// CompactionReasonManual: requested through CompactRange.
	CompactionReasonManual
)

// String implements the fmt.Stringer interface.
func (r CompactionReason) String() string {
	switch r {
	case CompactionReasonUniversalSizeAmp:
		return "universal-size-amplification"
	case CompactionReasonUniversalSizeRatio:
		return "universal-size-ratio"
	case CompactionReasonUniversalSortedRunNum:
		return "universal-sorted-run-num"
	case CompactionReasonFilesMarkedForCompaction:
		return "files-marked-for-compaction"
	case CompactionReasonTrivialMoveLevel:
		return "trivial-move-level"
	case CompactionReasonCompositeAmp:
		return "composite-amplification"
	case CompactionReasonManual:
		return "manual"
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (r CompactionReason) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(r.String()))
}

// CompactionLevel holds one level's input files of a compaction.
type CompactionLevel struct {
	Level int
	Files []*manifest.TableMetadata
}

// UserKeyRange is a range of user keys with inclusion flags on both
// bounds. Partial compactions carry a list of them to partition the input
// into sub-compactions.
type UserKeyRange struct {
	Start        []byte
	Limit        []byte
	IncludeStart bool
	IncludeLimit bool
}

// String implements the fmt.Stringer interface.
func (r UserKeyRange) String() string {
	lo, hi := "(", ")"
	if r.IncludeStart {
		lo = "["
	}
	if r.IncludeLimit {
		hi = "]"
	}
	return fmt.Sprintf("%s%s,%s%s", lo, base.FormatBytes(r.Start), base.FormatBytes(r.Limit), hi)
}

// Compaction is a plan produced by the picker: which files to merge, into
// which level, and how. The picker never executes plans; the scheduler
// hands them to an executor and calls UnregisterCompaction when the work
// finishes.
type Compaction struct {
	version *manifest.Version

	// inputs holds the input files per level, ordered by level. A slot
	// may be empty when a strategy spans levels with no files.
	inputs      []CompactionLevel
	outputLevel int

	targetFileSize    uint64
	outputPathID      uint32
	compression       Compression
	compressionOpts   CompressionOptions
	score             float64
	reason            CompactionReason
	purpose           manifest.TablePurpose
	inputRanges       []UserKeyRange
	maxSubcompactions int

	partial     bool
	manual      bool
	trivialMove bool
}

// Inputs returns the per-level input file lists.
func (c *Compaction) Inputs() []CompactionLevel { return c.inputs }

// StartLevel returns the level of the newest input.
func (c *Compaction) StartLevel() int {
	if len(c.inputs) == 0 {
		return -1
	}
	return c.inputs[0].Level
}

// OutputLevel returns the level the outputs will land in.
func (c *Compaction) OutputLevel() int { return c.outputLevel }

// TargetFileSize returns the target size of output files.
func (c *Compaction) TargetFileSize() uint64 { return c.targetFileSize }

// OutputPathID returns the storage path the outputs should land on.
func (c *Compaction) OutputPathID() uint32 { return c.outputPathID }

// Compression returns the compression choice for the outputs.
func (c *Compaction) Compression() Compression { return c.compression }

// CompressionOpts returns the options of the selected compression.
func (c *Compaction) CompressionOpts() CompressionOptions { return c.compressionOpts }

// Score returns the compaction score at pick time.
func (c *Compaction) Score() float64 { return c.score }

// Reason returns the strategy that produced the plan.
func (c *Compaction) Reason() CompactionReason { return c.reason }

// Purpose returns the table purpose of the outputs.
func (c *Compaction) Purpose() manifest.TablePurpose { return c.purpose }

// InputRanges returns the sub-compaction partitioning of a partial
// compaction, in ascending key order.
func (c *Compaction) InputRanges() []UserKeyRange { return c.inputRanges }

// MaxSubcompactions returns the sub-compaction bound for this plan. Zero
// defers to the executor's default.
func (c *Compaction) MaxSubcompactions() int { return c.maxSubcompactions }

// PartialCompaction reports whether the plan rewrites only the key ranges
// in InputRanges.
func (c *Compaction) PartialCompaction() bool { return c.partial }

// ManualCompaction reports whether the plan originated from a user
// request.
func (c *Compaction) ManualCompaction() bool { return c.manual }

// IsTrivialMove reports whether the plan can be applied by re-labeling
// its inputs to the output level without rewriting them.
func (c *Compaction) IsTrivialMove() bool { return c.trivialMove }

// eachInputFile invokes fn for every input file, newest level first.
func (c *Compaction) eachInputFile(fn func(f *manifest.TableMetadata)) {
	for i := range c.inputs {
		for _, f := range c.inputs[i].Files {
			fn(f)
		}
	}
}

// numInputFiles returns the total number of input files.
func (c *Compaction) numInputFiles() int {
	n := 0
	for i := range c.inputs {
		n += len(c.inputs[i].Files)
	}
	return n
}

// userKeyBounds returns the smallest and largest user keys across all
// inputs. ok is false if the compaction has no input files.
func (c *Compaction) userKeyBounds(cmp base.Compare) (smallest, largest []byte, ok bool) {
	c.eachInputFile(func(f *manifest.TableMetadata) {
		if !ok {
			smallest, largest, ok = f.Smallest.UserKey, f.Largest.UserKey, true
			return
		}
		if cmp(f.Smallest.UserKey, smallest) < 0 {
			smallest = f.Smallest.UserKey
		}
		if cmp(f.Largest.UserKey, largest) > 0 {
			largest = f.Largest.UserKey
		}
	})
	return smallest, largest, ok
}

// String implements the fmt.Stringer interface.
func (c *Compaction) String() string {
	var sb strings.Builder
	for i, in := range c.inputs {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "L%d:", in.Level)
		for j, f := range in.Files {
			if j > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "%s", f.FileNum)
		}
	}
	fmt.Fprintf(&sb, " -> L%d (%s)", c.outputLevel, c.reason)
	return sb.String()
}

// SafeFormat implements redact.SafeFormatter.
func (c *Compaction) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.Safe(c.String()))
}
