// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/quarrydb/quarry/internal/base"
)

// TablePurpose describes what role a table file plays in the LSM. Essence
// tables hold data. Map tables hold ranges that resolve, possibly through
// Link tables, to essence tables. Map and Link tables are produced by
// lazy compaction and concentrate the engine's space amplification.
type TablePurpose uint8

const (
	// TablePurposeEssence is a table holding key/value data.
	TablePurposeEssence TablePurpose = iota
	// TablePurposeMap is a table of key ranges resolving to other tables.
	TablePurposeMap
	// TablePurposeLink is an intermediate indirection to essence tables.
	TablePurposeLink
)

// String implements the fmt.Stringer interface.
func (p TablePurpose) String() string {
	switch p {
	case TablePurposeEssence:
		return "essence"
	case TablePurposeMap:
		return "map"
	case TablePurposeLink:
		return "link"
	}
	return fmt.Sprintf("unknown(%d)", uint8(p))
}

// TableMetadata holds the metadata for an on-disk table. The picker never
// owns file data; TableMetadata values are observer references whose
// lifetime is the enclosing Version.
type TableMetadata struct {
	// FileNum is the file number.
	FileNum base.FileNum
	// PathID identifies which of the column family's storage paths holds
	// the file.
	PathID uint32
	// Size is the size of the file, in bytes.
	Size uint64
	// CompensatedSize is Size inflated by a tombstone-density heuristic,
	// used to prioritize files with many deletions.
	//
	// INVARIANT: CompensatedSize >= Size.
	CompensatedSize uint64
	// Smallest and Largest are the inclusive bounds of the internal keys
	// stored in the table.
	Smallest base.InternalKey
	Largest  base.InternalKey
	// SmallestSeqNum and LargestSeqNum are the inclusive bounds of the
	// sequence numbers in the table.
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
	// BeingCompacted is true if the file is an input of a registered,
	// still running compaction.
	BeingCompacted bool
	// MarkedForCompaction is true if the file has been flagged for
	// rewrite, typically by a tombstone-density property collector.
	MarkedForCompaction bool
	// Purpose describes the role of the table.
	Purpose TablePurpose
	// Depend lists the file numbers a map or link table references. Empty
	// for essence tables.
	//
	// INVARIANT: the depend graph is acyclic.
	Depend []base.FileNum
}

// Validate checks the metadata invariants.
func (m *TableMetadata) Validate(cmp base.Compare) error {
	if base.InternalCompare(cmp, m.Smallest, m.Largest) > 0 {
		return errors.Errorf("manifest: file %s has inverted key bounds: %s vs %s",
			m.FileNum, m.Smallest, m.Largest)
	}
	if m.SmallestSeqNum > m.LargestSeqNum {
		return errors.Errorf("manifest: file %s has inverted seqnum bounds: %d vs %d",
			m.FileNum, m.SmallestSeqNum, m.LargestSeqNum)
	}
	if m.CompensatedSize < m.Size {
		return errors.Errorf("manifest: file %s has compensated size %d below size %d",
			m.FileNum, m.CompensatedSize, m.Size)
	}
	if m.Purpose == TablePurposeEssence && len(m.Depend) > 0 {
		return errors.Errorf("manifest: essence file %s has %d depend entries",
			m.FileNum, len(m.Depend))
	}
	return nil
}

// String implements the fmt.Stringer interface.
func (m *TableMetadata) String() string {
	return fmt.Sprintf("%s:[%s-%s]", m.FileNum, m.Smallest, m.Largest)
}

// SafeFormat implements redact.SafeFormatter.
func (m *TableMetadata) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.Safe(m.String()))
}
