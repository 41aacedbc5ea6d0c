package pipeline

import (
	"runtime"
	"sync"
	"time"
)

// Batch size clamp for the adaptive optimizer.
const (
	MinBatchSize = 50
	MaxBatchSize = 5000
)

// Per-row time thresholds steering batch growth.
const (
	fastRowThreshold = 200 * time.Microsecond
	slowRowThreshold = 2 * time.Millisecond
)

// PerformanceMetrics accounts for one import. Observation only; it never
// changes results, only pacing.
type PerformanceMetrics struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	TotalRows  int `json:"total_rows"`
	BatchCount int `json:"batch_count"`

	ReadSeconds      float64 `json:"read_seconds"`
	TransformSeconds float64 `json:"transform_seconds"`
	WriteSeconds     float64 `json:"write_seconds"`

	RowsPerSecond float64 `json:"rows_per_second"`
	PeakMemoryMB  float64 `json:"peak_memory_mb"`
}

// NewPerformanceMetrics starts the clock.
func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{StartTime: time.Now()}
}

// AddRead accumulates time spent reading input.
func (m *PerformanceMetrics) AddRead(d time.Duration) { m.ReadSeconds += d.Seconds() }

// AddTransform accumulates time spent mapping rows.
func (m *PerformanceMetrics) AddTransform(d time.Duration) { m.TransformSeconds += d.Seconds() }

// AddWrite accumulates time spent in store writes.
func (m *PerformanceMetrics) AddWrite(d time.Duration) { m.WriteSeconds += d.Seconds() }

// Finish stamps the end time and derives the throughput.
func (m *PerformanceMetrics) Finish() {
	m.EndTime = time.Now()
	elapsed := m.EndTime.Sub(m.StartTime).Seconds()
	if elapsed > 0 {
		m.RowsPerSecond = float64(m.TotalRows) / elapsed
	}
}

// BatchSizeOptimizer adapts the batch size between flushes: grow when rows
// are cheap and memory has headroom, shrink when rows are slow or memory
// is under pressure, always clamped to [MinBatchSize, MaxBatchSize].
type BatchSizeOptimizer struct {
	current int
	tracker *MemoryTracker

	lastBatchRows int
	lastBatchTime time.Duration
}

// NewBatchSizeOptimizer seeds the optimizer from the column count: wider
// rows start with smaller batches targeting roughly targetMemoryPct of the
// heap budget.
func NewBatchSizeOptimizer(columnCount int, targetMemoryPct float64, tracker *MemoryTracker) *BatchSizeOptimizer {
	return &BatchSizeOptimizer{
		current: EstimateBatchSize(columnCount, targetMemoryPct),
		tracker: tracker,
	}
}

// EstimateBatchSize picks a starting batch size from the column count and
// the fraction of memory the import may use.
func EstimateBatchSize(columnCount int, targetMemoryPct float64) int {
	if columnCount <= 0 {
		columnCount = 1
	}
	if targetMemoryPct <= 0 || targetMemoryPct > 1 {
		targetMemoryPct = 0.25
	}
	// Rough per-cell cost of a materialised row, properties included.
	const bytesPerCell = 128
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	budget := float64(ms.Sys) * targetMemoryPct
	size := int(budget / float64(columnCount*bytesPerCell))
	return clampBatch(size)
}

// RecordBatchTime feeds one flushed batch's cost.
func (o *BatchSizeOptimizer) RecordBatchTime(rows int, d time.Duration) {
	o.lastBatchRows = rows
	o.lastBatchTime = d
}

// AdjustBatchSize returns the batch size for the next batch.
func (o *BatchSizeOptimizer) AdjustBatchSize() int {
	if o.lastBatchRows > 0 {
		perRow := o.lastBatchTime / time.Duration(o.lastBatchRows)
		switch {
		case perRow > slowRowThreshold:
			o.current = o.current / 2
		case perRow < fastRowThreshold && !o.memoryPressure():
			o.current = o.current * 2
		}
	}
	o.current = clampBatch(o.current)
	return o.current
}

// Current returns the batch size without adjusting.
func (o *BatchSizeOptimizer) Current() int { return clampBatch(o.current) }

func (o *BatchSizeOptimizer) memoryPressure() bool {
	if o.tracker == nil {
		return false
	}
	return o.tracker.HeapInUsePct() > 0.8
}

func clampBatch(n int) int {
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// MemoryTracker samples process memory through runtime.ReadMemStats.
type MemoryTracker struct {
	mu        sync.Mutex
	initialMB float64
	peakMB    float64
}

// NewMemoryTracker records the initial allocation level.
func NewMemoryTracker() *MemoryTracker {
	t := &MemoryTracker{}
	t.initialMB = currentAllocMB()
	t.peakMB = t.initialMB
	return t
}

// Sample updates the peak; call between batches.
func (t *MemoryTracker) Sample() {
	mb := currentAllocMB()
	t.mu.Lock()
	if mb > t.peakMB {
		t.peakMB = mb
	}
	t.mu.Unlock()
}

// InitialMB returns the allocation level at construction.
func (t *MemoryTracker) InitialMB() float64 { return t.initialMB }

// PeakMB returns the highest sampled allocation level.
func (t *MemoryTracker) PeakMB() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakMB
}

// HeapInUsePct reports heap-in-use over total heap obtained from the OS.
func (t *MemoryTracker) HeapInUsePct() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapInuse) / float64(ms.HeapSys)
}

func currentAllocMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1024 * 1024)
}
