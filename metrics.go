// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package quarry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the picker's measurement counters. All fields are
// registered with the Registerer passed to NewMetrics; a nil Metrics
// disables measurement.
type Metrics struct {
	// CompactionsPicked counts accepted plans by reason.
	CompactionsPicked *prometheus.CounterVec
	// CompactionInputFiles observes the number of start-level input files
	// per accepted plan.
	CompactionInputFiles prometheus.Histogram
	// CorruptMetadata counts depend-map lookups that failed or cycled.
	CorruptMetadata prometheus.Counter
	// ManualConflicts counts CompactRange requests that collided with
	// in-flight work.
	ManualConflicts prometheus.Counter
}

// NewMetrics constructs and registers the picker metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CompactionsPicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "compaction",
			Name:      "picked_total",
			Help:      "Number of compaction plans accepted, by reason.",
		}, []string{"reason"}),
		CompactionInputFiles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarry",
			Subsystem: "compaction",
			Name:      "input_files",
			Help:      "Number of start-level input files per accepted plan.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		CorruptMetadata: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "compaction",
			Name:      "corrupt_metadata_total",
			Help:      "Depend-map lookups that failed or detected a cycle.",
		}),
		ManualConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "compaction",
			Name:      "manual_conflicts_total",
			Help:      "CompactRange requests that collided with in-flight work.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CompactionsPicked, m.CompactionInputFiles, m.CorruptMetadata, m.ManualConflicts)
	}
	return m
}

func (m *Metrics) pickedCompaction(c *Compaction) {
	if m == nil {
		return
	}
	m.CompactionsPicked.WithLabelValues(c.reason.String()).Inc()
	if len(c.inputs) > 0 {
		m.CompactionInputFiles.Observe(float64(len(c.inputs[0].Files)))
	}
}

func (m *Metrics) corruptMetadata() {
	if m == nil {
		return
	}
	m.CorruptMetadata.Inc()
}

func (m *Metrics) manualConflict() {
	if m == nil {
		return
	}
	m.ManualConflicts.Inc()
}
