package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		columns   int
		targetPct float64
	}{
		{"typical", 10, 0.25},
		{"very wide rows", 10000, 0.25},
		{"zero columns", 0, 0.25},
		{"bad percentage", 10, -1},
		{"tiny budget", 100000, 0.0001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := EstimateBatchSize(tt.columns, tt.targetPct)
			assert.GreaterOrEqual(t, size, MinBatchSize)
			assert.LessOrEqual(t, size, MaxBatchSize)
		})
	}
}

func TestBatchSizeOptimizer_Adjusts(t *testing.T) {
	t.Run("slow rows shrink to the floor", func(t *testing.T) {
		o := NewBatchSizeOptimizer(8, 0.25, nil)
		for i := 0; i < 20; i++ {
			o.RecordBatchTime(100, 100*slowRowThreshold*2)
			o.AdjustBatchSize()
		}
		assert.Equal(t, MinBatchSize, o.Current())
	})
	t.Run("fast rows grow to the cap", func(t *testing.T) {
		o := NewBatchSizeOptimizer(8, 0.25, nil)
		for i := 0; i < 20; i++ {
			o.RecordBatchTime(1000, time.Microsecond)
			o.AdjustBatchSize()
		}
		assert.Equal(t, MaxBatchSize, o.Current())
	})
	t.Run("no data means no change", func(t *testing.T) {
		o := NewBatchSizeOptimizer(8, 0.25, nil)
		before := o.Current()
		assert.Equal(t, before, o.AdjustBatchSize())
	})
	t.Run("middling rows hold steady", func(t *testing.T) {
		o := NewBatchSizeOptimizer(8, 0.25, nil)
		before := o.Current()
		o.RecordBatchTime(100, 100*time.Millisecond) // 1ms per row
		assert.Equal(t, before, o.AdjustBatchSize())
	})
}

func TestPerformanceMetrics(t *testing.T) {
	m := NewPerformanceMetrics()
	m.AddRead(100 * time.Millisecond)
	m.AddTransform(200 * time.Millisecond)
	m.AddWrite(300 * time.Millisecond)
	m.TotalRows = 1000
	time.Sleep(time.Millisecond)
	m.Finish()

	assert.InDelta(t, 0.1, m.ReadSeconds, 1e-9)
	assert.InDelta(t, 0.2, m.TransformSeconds, 1e-9)
	assert.InDelta(t, 0.3, m.WriteSeconds, 1e-9)
	assert.False(t, m.EndTime.Before(m.StartTime))
	assert.Greater(t, m.RowsPerSecond, 0.0)
}

func TestMemoryTracker(t *testing.T) {
	tr := NewMemoryTracker()
	require.Greater(t, tr.InitialMB(), 0.0)

	// Allocate something visible so the next sample can only move up.
	sink := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		sink = append(sink, make([]byte, 1<<20))
	}
	tr.Sample()
	assert.GreaterOrEqual(t, tr.PeakMB(), tr.InitialMB())
	_ = sink

	pct := tr.HeapInUsePct()
	assert.GreaterOrEqual(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 1.0)
}
