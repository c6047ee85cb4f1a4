// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package metrics defines the counters reported by export runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "batch_export"

// Metrics holds the export counters. The zero value is not usable; use New.
type Metrics struct {
	RunsStarted     *prometheus.CounterVec
	RunsFinished    *prometheus.CounterVec
	RecordsExported *prometheus.CounterVec
	BytesExported   *prometheus.CounterVec
}

// New creates the counters and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Export runs started, by destination type.",
		}, []string{"destination"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Export runs finished, by destination type and final status.",
		}, []string{"destination", "status"}),
		RecordsExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_exported_total",
			Help:      "Records written to destinations.",
		}, []string{"destination"}),
		BytesExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_exported_total",
			Help:      "Bytes flushed to destinations after compression.",
		}, []string{"destination"}),
	}
	if reg != nil {
		reg.MustRegister(m.RunsStarted, m.RunsFinished, m.RecordsExported, m.BytesExported)
	}
	return m
}

// Flushed records one flushed chunk.
func (m *Metrics) Flushed(destination string, records, bytes int64) {
	if m == nil {
		return
	}
	m.RecordsExported.WithLabelValues(destination).Add(float64(records))
	m.BytesExported.WithLabelValues(destination).Add(float64(bytes))
}
