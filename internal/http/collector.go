package http

import (
	"github.com/fyrsmithlabs/refine/internal/monitor"
	"github.com/prometheus/client_golang/prometheus"
)

// StoreCollector exports result store state on every scrape.
type StoreCollector struct {
	source StatusSource

	up        *prometheus.Desc
	entries   *prometheus.Desc
	artifacts *prometheus.Desc
}

// NewStoreCollector creates a collector reading from source.
func NewStoreCollector(source StatusSource) *StoreCollector {
	return &StoreCollector{
		source: source,
		up: prometheus.NewDesc(
			"refine_store_up",
			"Whether the result store could be read (1) or not (0).",
			nil, nil,
		),
		entries: prometheus.NewDesc(
			"refine_store_entries",
			"Records in the result store.",
			nil, nil,
		),
		artifacts: prometheus.NewDesc(
			"refine_artifacts",
			"Artifacts by the state of their latest stored revision.",
			[]string{"state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.entries
	ch <- c.artifacts
}

// Collect implements prometheus.Collector.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	sum, err := c.source.Summary()
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(sum.Entries))
	for _, st := range monitor.States {
		ch <- prometheus.MustNewConstMetric(c.artifacts, prometheus.GaugeValue, float64(sum.Counts[st]), string(st))
	}
}
