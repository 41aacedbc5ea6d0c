// Package observability bundles the metrics and tracing plumbing shared by
// the builders and pipelines.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns the pipeline metrics on a private registry so that
// multiple pipelines in one process never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	entitiesAdded   prometheus.Counter
	relationsAdded  prometheus.Counter
	rowsProcessed   prometheus.Counter
	rowsFailed      prometheus.Counter
	batchesFlushed  prometheus.Counter
	storeOpDuration *prometheus.HistogramVec
	importDuration  prometheus.Histogram
}

// NewCollector creates and registers the pipeline metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		entitiesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphweave_entities_added_total",
			Help: "Entities persisted to the graph store.",
		}),
		relationsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphweave_relations_added_total",
			Help: "Relations persisted to the graph store.",
		}),
		rowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphweave_rows_processed_total",
			Help: "Tabular rows that completed mapping.",
		}),
		rowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphweave_rows_failed_total",
			Help: "Tabular rows dropped by transform or validation errors.",
		}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphweave_batches_flushed_total",
			Help: "Write batches flushed to the store.",
		}),
		storeOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphweave_store_op_duration_seconds",
			Help:    "Latency of graph store operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		importDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphweave_import_duration_seconds",
			Help:    "End-to-end duration of tabular imports.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	c.registry.MustRegister(
		c.entitiesAdded, c.relationsAdded,
		c.rowsProcessed, c.rowsFailed, c.batchesFlushed,
		c.storeOpDuration, c.importDuration,
	)
	return c
}

// Registry exposes the private registry for scraping or test assertions.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// AddEntities records persisted entities.
func (c *Collector) AddEntities(n int) { c.entitiesAdded.Add(float64(n)) }

// AddRelations records persisted relations.
func (c *Collector) AddRelations(n int) { c.relationsAdded.Add(float64(n)) }

// RowsProcessed records mapped rows.
func (c *Collector) RowsProcessed(n int) { c.rowsProcessed.Add(float64(n)) }

// RowsFailed records dropped rows.
func (c *Collector) RowsFailed(n int) { c.rowsFailed.Add(float64(n)) }

// BatchFlushed records one flushed batch.
func (c *Collector) BatchFlushed() { c.batchesFlushed.Inc() }

// ObserveStoreOp records the latency of one store operation.
func (c *Collector) ObserveStoreOp(operation string, d time.Duration) {
	c.storeOpDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveImport records one finished import.
func (c *Collector) ObserveImport(d time.Duration) {
	c.importDuration.Observe(d.Seconds())
}
