package tabular

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_Basics(t *testing.T) {
	a := NewAccumulator()
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		a.Add(v)
	}
	assert.Equal(t, int64(8), a.Count())
	assert.Equal(t, 40.0, a.Sum())
	assert.InDelta(t, 5.0, a.Mean(), 1e-12)
	// Sample variance with n-1 denominator.
	assert.InDelta(t, 32.0/7.0, a.Variance(), 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7.0), a.Std(), 1e-12)
	assert.Equal(t, 2.0, a.Min())
	assert.Equal(t, 9.0, a.Max())
}

func TestAccumulator_Empty(t *testing.T) {
	a := NewAccumulator()
	assert.Zero(t, a.Mean())
	assert.Zero(t, a.Variance())
	assert.Zero(t, a.Median())
}

func TestAccumulator_SingleValue(t *testing.T) {
	a := NewAccumulator()
	a.Add(42)
	assert.Equal(t, 42.0, a.Mean())
	assert.Zero(t, a.Variance(), "variance undefined below two samples")
	assert.Equal(t, 42.0, a.Median())
}

func TestAccumulator_ExactMedian(t *testing.T) {
	t.Run("odd count", func(t *testing.T) {
		a := NewAccumulator()
		for _, v := range []float64{9, 1, 5} {
			a.Add(v)
		}
		assert.Equal(t, 5.0, a.Median())
	})
	t.Run("even count interpolates", func(t *testing.T) {
		a := NewAccumulator()
		for _, v := range []float64{1, 2, 3, 4} {
			a.Add(v)
		}
		assert.InDelta(t, 2.5, a.Median(), 1e-12)
	})
}

func TestAccumulator_EstimatedMedianPastSampleLimit(t *testing.T) {
	a := &Accumulator{SampleLimit: 100}
	rng := rand.New(rand.NewSource(1))
	values := make([]float64, 0, 5000)
	for i := 0; i < 5000; i++ {
		v := rng.NormFloat64()*10 + 50
		values = append(values, v)
		a.Add(v)
	}
	sort.Float64s(values)
	exact := (values[2499] + values[2500]) / 2

	// The P-squared estimate tracks the exact median within a small
	// fraction of the distribution's spread.
	assert.InDelta(t, exact, a.Median(), 1.0)
	assert.Equal(t, int64(5000), a.Count())
}

func TestAccumulator_Result(t *testing.T) {
	a := NewAccumulator()
	for _, v := range []float64{1, 2, 3} {
		a.Add(v)
	}
	assert.Equal(t, 2.0, a.Result("mean"))
	assert.Equal(t, 6.0, a.Result("sum"))
	assert.Equal(t, 3.0, a.Result("count"))
	assert.Equal(t, 1.0, a.Result("min"))
	assert.Equal(t, 3.0, a.Result("max"))
	assert.Equal(t, 2.0, a.Result("median"))
	require.InDelta(t, 1.0, a.Result("variance"), 1e-12)
}

func TestAccumulator_WelfordStability(t *testing.T) {
	// Large offset breaks the naive sum-of-squares formula; Welford holds.
	a := NewAccumulator()
	base := 1e9
	for _, v := range []float64{base + 4, base + 7, base + 13, base + 16} {
		a.Add(v)
	}
	assert.InDelta(t, 30.0, a.Variance(), 1e-6)
}
