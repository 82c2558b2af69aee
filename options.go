// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"github.com/quarrydb/quarry/internal/base"
)

// Compression is the per-block compression algorithm to use when writing
// the outputs of a compaction. The picker only selects the algorithm;
// execution happens in the table writer.
type Compression int

// The available compression choices.
const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
	ZstdCompression
)

// String implements the fmt.Stringer interface.
func (c Compression) String() string {
	switch c {
	case DefaultCompression:
		return "Default"
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	case ZstdCompression:
		return "ZSTD"
	default:
		return "Unknown"
	}
}

// CompressionOptions tunes the selected compression algorithm.
type CompressionOptions struct {
	// Level is the algorithm-specific compression level.
	Level int
}

// CompactionStopStyle controls how the ratio strategy accumulates the
// candidate window.
type CompactionStopStyle int

const (
	// StopStyleTotalSize compares each successor run against the total
	// size accumulated so far.
	StopStyleTotalSize CompactionStopStyle = iota
	// StopStyleSimilarSize compares each successor run against the size
	// of the last picked run, in both directions.
	StopStyleSimilarSize
)

// String implements the fmt.Stringer interface.
func (s CompactionStopStyle) String() string {
	if s == StopStyleSimilarSize {
		return "similar-size"
	}
	return "total-size"
}

// PathOption describes one of the column family's storage paths. Paths
// are ordered; earlier paths are expected to be on faster media and carry
// a target size that the path allocator tries to respect.
type PathOption struct {
	Path string
	// TargetSize is the number of bytes the path is expected to hold.
	TargetSize uint64
}

// UniversalCompactionOptions holds the knobs specific to universal
// compaction.
type UniversalCompactionOptions struct {
	// SizeRatio is the percentage slack while comparing run sizes in the
	// ratio strategy. A successor run is merged into the window while its
	// size is at most (100+SizeRatio)% of the accumulated candidate size.
	SizeRatio uint

	// MinMergeWidth and MaxMergeWidth bound the number of runs in a
	// single ratio-strategy window.
	MinMergeWidth uint
	MaxMergeWidth uint

	// MaxSizeAmplificationPercent triggers the size-amplification
	// strategy once the bytes above the bottommost run reach this
	// percentage of the bottommost run's size.
	MaxSizeAmplificationPercent uint64

	// CompressionSizePercent disables compression for a pick whose tail
	// (the runs older than the window) already holds at least this
	// percentage of the data. Negative disables the heuristic.
	CompressionSizePercent int

	// StopStyle selects the window accumulation rule.
	StopStyle CompactionStopStyle

	// AllowTrivialMove permits compactions that re-label files to a lower
	// level without rewriting them.
	AllowTrivialMove bool
}

// Options holds the configuration consumed by the compaction picker. The
// picker treats an Options value as immutable for the duration of a call.
type Options struct {
	// Comparer defines the key ordering.
	Comparer *base.Comparer

	// Logger is the destination for best-effort picker logging.
	Logger base.Logger

	// L0CompactionFileThreshold is the minimum sorted-run count needed to
	// consider compacting.
	L0CompactionFileThreshold int

	// Universal holds the universal-compaction knobs.
	Universal UniversalCompactionOptions

	// EnableLazyCompaction switches the picker to the grouping-based
	// ratio strategy and makes strategies emit map rewrites where they
	// would otherwise merge data.
	EnableLazyCompaction bool

	// AllowIngestBehind reserves the bottommost level for files ingested
	// behind the LSM; compactions then target the level above it.
	AllowIngestBehind bool

	// MaxSubcompactions bounds how many input ranges a partial compaction
	// may be split into.
	MaxSubcompactions int

	// MaxCompactionBytes is the running size at which a manual range
	// compaction closes its current sub-range. The element that reaches
	// the cap stays in the sub-range, so a sub-range can exceed it.
	MaxCompactionBytes uint64

	// WriteBufferSize normalizes run sizes for the geometric grouping
	// strategy.
	WriteBufferSize uint64

	// TargetFileSizeBase and TargetFileSizeMultiplier derive the target
	// output file size per level.
	TargetFileSizeBase       uint64
	TargetFileSizeMultiplier int

	// Compression is the algorithm for compaction outputs.
	// BottommostCompression, if not DefaultCompression, overrides it for
	// outputs landing in the bottommost level.
	Compression           Compression
	BottommostCompression Compression
	CompressionOpts       CompressionOptions

	// Paths are the ordered storage paths of the column family.
	Paths []PathOption
}

// EnsureDefaults ensures that the default values for all options are set
// if a valid value was not already specified. Returns the options for
// chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.L0CompactionFileThreshold <= 0 {
		o.L0CompactionFileThreshold = 4
	}
	if o.Universal.MinMergeWidth == 0 {
		o.Universal.MinMergeWidth = 2
	}
	if o.Universal.MaxMergeWidth == 0 {
		o.Universal.MaxMergeWidth = unlimitedMergeWidth
	}
	if o.Universal.MaxSizeAmplificationPercent == 0 {
		o.Universal.MaxSizeAmplificationPercent = 200
	}
	if o.Universal.CompressionSizePercent == 0 {
		o.Universal.CompressionSizePercent = -1
	}
	if o.MaxSubcompactions <= 0 {
		o.MaxSubcompactions = 1
	}
	if o.MaxCompactionBytes == 0 {
		o.MaxCompactionBytes = 1 << 32
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = 64 << 20
	}
	if o.TargetFileSizeBase == 0 {
		o.TargetFileSizeBase = 64 << 20
	}
	if o.TargetFileSizeMultiplier <= 0 {
		o.TargetFileSizeMultiplier = 1
	}
	if len(o.Paths) == 0 {
		o.Paths = []PathOption{{Path: "", TargetSize: 0}}
	}
	return o
}

// maxOutputFileSize returns the target output file size for a compaction
// into the given level.
func (o *Options) maxOutputFileSize(level int) uint64 {
	size := o.TargetFileSizeBase
	for l := 1; l < level; l++ {
		size *= uint64(o.TargetFileSizeMultiplier)
	}
	return size
}

// compressionForLevel returns the compression choice for outputs landing
// in outputLevel. enable false forces NoCompression; it is set by the
// ratio strategies' tail heuristic.
func (o *Options) compressionForLevel(numLevels, outputLevel int, enable bool) Compression {
	if !enable {
		return NoCompression
	}
	if o.BottommostCompression != DefaultCompression && outputLevel == numLevels-1 {
		return o.BottommostCompression
	}
	return o.Compression
}
