// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quarrydb/quarry/internal/manifest"
	"github.com/stretchr/testify/require"
)

func TestMetricsPickedCompaction(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	opts := testOptions()
	opts.Universal.MaxSizeAmplificationPercent = 150
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

	p := NewUniversalCompactionPicker(opts, nil, m)
	c := p.PickCompaction(v)
	require.NotNil(t, c)

	require.Equal(t, 1.0, testutil.ToFloat64(
		m.CompactionsPicked.WithLabelValues("universal-size-amplification")))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.pickedCompaction(&Compaction{})
	m.corruptMetadata()
	m.manualConflict()
}
