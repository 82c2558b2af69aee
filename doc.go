// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package quarry implements the universal compaction picker of an LSM
// storage engine: the decision engine that, given an immutable snapshot
// of on-disk file metadata for one column family, selects which files to
// merge next and how.
//
// The picker summarizes a version snapshot into sorted runs (one per
// level 0 file, one per non-empty lower level) and consults a fixed
// sequence of strategies: size amplification, size ratio (a legacy
// windowed walk and a geometric grouping form used under lazy
// compaction), trivial moves, composite map/link/essence rewrites, and
// delete-triggered compactions. The accepted plan carries the
// input files, output level, storage path, compression choice and an
// execution hint, and is registered so concurrent picks never touch the
// same files or produce overlapping outputs in the same level.
//
// The picker does not execute compactions, persist state, or schedule
// work. It is called by a scheduler holding the column family's mutex
// and returns plans; the scheduler reports completion through
// UnregisterCompaction.
package quarry
