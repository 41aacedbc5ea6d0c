package tabular

import (
	"math"
	"sort"
)

// aggregationFunctions are the functions a SchemaMapping aggregation may
// declare.
var aggregationFunctions = map[string]struct{}{
	"mean":     {},
	"std":      {},
	"variance": {},
	"min":      {},
	"max":      {},
	"sum":      {},
	"count":    {},
	"median":   {},
}

// DefaultMedianSampleLimit is the number of values kept exactly for the
// median before switching to the P-squared estimator.
const DefaultMedianSampleLimit = 10000

// Accumulator is a single-pass numeric accumulator. Mean and variance use
// Welford's online algorithm. The median is exact while at most
// SampleLimit values have been seen; beyond that it falls back to the
// P-squared quantile estimator (chosen over reservoir sampling for O(1)
// memory and deterministic output).
//
// An Accumulator is owned by the import's writer goroutine and is not safe
// for concurrent use.
type Accumulator struct {
	// SampleLimit caps the exact median sample. Zero means
	// DefaultMedianSampleLimit.
	SampleLimit int

	count int64
	sum   float64
	mean  float64
	m2    float64
	min   float64
	max   float64

	sample []float64
	p2     *p2Estimator
}

// NewAccumulator creates an accumulator with the default sample limit.
func NewAccumulator() *Accumulator {
	return &Accumulator{SampleLimit: DefaultMedianSampleLimit}
}

// Add feeds one value.
func (a *Accumulator) Add(v float64) {
	a.count++
	a.sum += v
	if a.count == 1 {
		a.min = v
		a.max = v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}

	delta := v - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (v - a.mean)

	limit := a.SampleLimit
	if limit <= 0 {
		limit = DefaultMedianSampleLimit
	}
	if a.p2 != nil {
		a.p2.add(v)
		return
	}
	a.sample = append(a.sample, v)
	if len(a.sample) > limit {
		a.p2 = newP2Estimator(0.5)
		for _, s := range a.sample {
			a.p2.add(s)
		}
		a.sample = nil
	}
}

// Count returns the number of values seen.
func (a *Accumulator) Count() int64 { return a.count }

// Sum returns the running sum.
func (a *Accumulator) Sum() float64 { return a.sum }

// Mean returns the running mean, or 0 when empty.
func (a *Accumulator) Mean() float64 { return a.mean }

// Variance returns the sample variance (n-1 denominator), or 0 when fewer
// than two values have been seen.
func (a *Accumulator) Variance() float64 {
	if a.count < 2 {
		return 0
	}
	return a.m2 / float64(a.count-1)
}

// Std returns the sample standard deviation.
func (a *Accumulator) Std() float64 { return math.Sqrt(a.Variance()) }

// Min returns the minimum value seen, or 0 when empty.
func (a *Accumulator) Min() float64 { return a.min }

// Max returns the maximum value seen, or 0 when empty.
func (a *Accumulator) Max() float64 { return a.max }

// Median returns the exact median while within the sample limit, or the
// P-squared estimate beyond it. 0 when empty.
func (a *Accumulator) Median() float64 {
	if a.count == 0 {
		return 0
	}
	if a.p2 != nil {
		return a.p2.quantile()
	}
	sorted := append([]float64(nil), a.sample...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Result returns the named aggregation result.
func (a *Accumulator) Result(function string) float64 {
	switch function {
	case "mean":
		return a.Mean()
	case "std":
		return a.Std()
	case "variance":
		return a.Variance()
	case "min":
		return a.Min()
	case "max":
		return a.Max()
	case "sum":
		return a.Sum()
	case "count":
		return float64(a.Count())
	case "median":
		return a.Median()
	}
	return 0
}

// p2Estimator implements the P-squared algorithm (Jain & Chlamtac, 1985)
// for a single quantile with five markers.
type p2Estimator struct {
	p       float64
	heights [5]float64
	pos     [5]float64
	desired [5]float64
	incr    [5]float64
	seen    int
	initial []float64
}

func newP2Estimator(p float64) *p2Estimator {
	e := &p2Estimator{p: p}
	e.incr = [5]float64{0, p / 2, p, (1 + p) / 2, 1}
	return e
}

func (e *p2Estimator) add(v float64) {
	if e.seen < 5 {
		e.initial = append(e.initial, v)
		e.seen++
		if e.seen == 5 {
			sort.Float64s(e.initial)
			for i := 0; i < 5; i++ {
				e.heights[i] = e.initial[i]
				e.pos[i] = float64(i + 1)
				e.desired[i] = 1 + 4*e.incr[i]
			}
			e.initial = nil
		}
		return
	}
	e.seen++

	// Locate the cell containing v, adjusting the extreme markers.
	var k int
	switch {
	case v < e.heights[0]:
		e.heights[0] = v
		k = 0
	case v >= e.heights[4]:
		e.heights[4] = v
		k = 3
	default:
		for i := 1; i < 5; i++ {
			if v < e.heights[i] {
				k = i - 1
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.pos[i]++
	}
	for i := 0; i < 5; i++ {
		e.desired[i] += e.incr[i]
	}

	// Adjust the three interior markers towards their desired positions.
	for i := 1; i <= 3; i++ {
		d := e.desired[i] - e.pos[i]
		if (d >= 1 && e.pos[i+1]-e.pos[i] > 1) || (d <= -1 && e.pos[i-1]-e.pos[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			h := e.parabolic(i, sign)
			if e.heights[i-1] < h && h < e.heights[i+1] {
				e.heights[i] = h
			} else {
				e.heights[i] = e.linear(i, sign)
			}
			e.pos[i] += sign
		}
	}
}

func (e *p2Estimator) parabolic(i int, d float64) float64 {
	return e.heights[i] + d/(e.pos[i+1]-e.pos[i-1])*
		((e.pos[i]-e.pos[i-1]+d)*(e.heights[i+1]-e.heights[i])/(e.pos[i+1]-e.pos[i])+
			(e.pos[i+1]-e.pos[i]-d)*(e.heights[i]-e.heights[i-1])/(e.pos[i]-e.pos[i-1]))
}

func (e *p2Estimator) linear(i int, d float64) float64 {
	di := int(d)
	return e.heights[i] + d*(e.heights[i+di]-e.heights[i])/(e.pos[i+di]-e.pos[i])
}

func (e *p2Estimator) quantile() float64 {
	if e.seen == 0 {
		return 0
	}
	if e.seen < 5 {
		sorted := append([]float64(nil), e.initial...)
		sort.Float64s(sorted)
		return sorted[len(sorted)/2]
	}
	return e.heights[2]
}
