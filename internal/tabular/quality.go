package tabular

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"graphweave/internal/graph"
	apperrors "graphweave/pkg/errors"
)

// RangeRule bounds a numeric column inclusively.
type RangeRule struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// OutlierRule flags statistical outliers in a numeric column.
type OutlierRule struct {
	// Method is "zscore" or "iqr".
	Method string `yaml:"method" json:"method"`
	// Threshold is the z-score cutoff or the IQR multiplier. Zero applies
	// the method default (3.0 for zscore, 1.5 for iqr).
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

// RuleSet is the quality rule set declared for one entity type.
type RuleSet struct {
	Ranges   map[string]RangeRule   `yaml:"ranges,omitempty" json:"ranges,omitempty"`
	Outliers map[string]OutlierRule `yaml:"outliers,omitempty" json:"outliers,omitempty"`
	Required []string               `yaml:"required,omitempty" json:"required,omitempty"`
	// DetectOutliers is a shortcut that applies zscore > 3 to every numeric
	// column seen during the import.
	DetectOutliers bool `yaml:"detect_outliers,omitempty" json:"detect_outliers,omitempty"`
}

// QualityConfig configures data-quality validation for an import.
type QualityConfig struct {
	// RuleSets are keyed by entity type.
	RuleSets map[string]RuleSet `yaml:"rule_sets" json:"rule_sets"`
	// FailOnViolations aborts the import on the first violation instead of
	// accumulating it into the report.
	FailOnViolations bool `yaml:"fail_on_violations,omitempty" json:"fail_on_violations,omitempty"`
}

// Violation records a single data-quality rule failure.
type Violation struct {
	RowIndex int         `json:"row_index"`
	Column   string      `json:"column"`
	Rule     string      `json:"rule"`
	Value    graph.Value `json:"value"`
	Severity string      `json:"severity"`
}

// QualityReport accumulates quality findings over one import.
type QualityReport struct {
	RowsProcessed   int                `json:"rows_processed"`
	Violations      []Violation        `json:"violations,omitempty"`
	RangeViolations map[string]int     `json:"range_violations,omitempty"`
	OutlierCounts   map[string]int     `json:"outlier_counts,omitempty"`
	Completeness    map[string]float64 `json:"completeness,omitempty"`
	Summary         string             `json:"summary"`
}

// QualityValidator evaluates rule sets row by row. Range and completeness
// checks are immediate; outlier detection is a second pass over the numeric
// samples retained per monitored column, resolved in Finalize.
type QualityValidator struct {
	cfg    QualityConfig
	logger *zap.Logger

	rows     int
	ranges   map[string]RangeRule
	outliers map[string]OutlierRule
	required []string
	detect   bool

	violations   []Violation
	rangeCounts  map[string]int
	nonNull      map[string]int
	samples      map[string][]columnSample
	numericSeen  map[string]struct{}
}

type columnSample struct {
	rowIndex int
	value    float64
}

// NewQualityValidator flattens the per-entity-type rule sets into column
// rules and prepares the accumulators.
func NewQualityValidator(cfg QualityConfig, logger *zap.Logger) *QualityValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &QualityValidator{
		cfg:         cfg,
		logger:      logger,
		ranges:      make(map[string]RangeRule),
		outliers:    make(map[string]OutlierRule),
		rangeCounts: make(map[string]int),
		nonNull:     make(map[string]int),
		samples:     make(map[string][]columnSample),
		numericSeen: make(map[string]struct{}),
	}
	seenRequired := make(map[string]struct{})
	for _, rs := range cfg.RuleSets {
		for col, r := range rs.Ranges {
			v.ranges[col] = r
		}
		for col, r := range rs.Outliers {
			v.outliers[col] = r
		}
		for _, col := range rs.Required {
			if _, dup := seenRequired[col]; !dup {
				seenRequired[col] = struct{}{}
				v.required = append(v.required, col)
			}
		}
		if rs.DetectOutliers {
			v.detect = true
		}
	}
	sort.Strings(v.required)
	return v
}

// FailOnViolations reports the configured abort policy.
func (v *QualityValidator) FailOnViolations() bool { return v.cfg.FailOnViolations }

// CheckRow evaluates the immediate rules against one row and returns the
// violations found. When the fail-on-violations policy is set the first
// violation is also returned as a validation error.
func (v *QualityValidator) CheckRow(row *Row) ([]Violation, error) {
	v.rows++
	var found []Violation

	for _, col := range v.required {
		val := row.Value(col)
		if val.IsNull() || (val.Kind() == graph.KindString && val.String() == "") {
			found = append(found, Violation{
				RowIndex: row.Index,
				Column:   col,
				Rule:     "required",
				Value:    val,
				Severity: "error",
			})
		} else {
			v.nonNull[col]++
		}
	}

	for col, rule := range v.ranges {
		val := row.Value(col)
		f, ok := numeric(val)
		if !ok {
			continue
		}
		if f < rule.Min || f > rule.Max {
			found = append(found, Violation{
				RowIndex: row.Index,
				Column:   col,
				Rule:     fmt.Sprintf("range[%g,%g]", rule.Min, rule.Max),
				Value:    val,
				Severity: "warning",
			})
			v.rangeCounts[col]++
		}
	}

	// Retain numeric samples for the outlier pass.
	for col, val := range row.Values {
		f, ok := numeric(val)
		if !ok {
			continue
		}
		v.numericSeen[col] = struct{}{}
		_, monitored := v.outliers[col]
		if monitored || v.detect {
			v.samples[col] = append(v.samples[col], columnSample{rowIndex: row.Index, value: f})
		}
	}

	v.violations = append(v.violations, found...)
	if len(found) > 0 && v.cfg.FailOnViolations {
		f := found[0]
		return found, apperrors.NewValidation(fmt.Sprintf(
			"row %d column %s violates %s", f.RowIndex, f.Column, f.Rule))
	}
	return found, nil
}

// Finalize runs the outlier pass and assembles the report.
func (v *QualityValidator) Finalize() *QualityReport {
	outlierCounts := make(map[string]int)
	for col, samples := range v.samples {
		rule, ok := v.outliers[col]
		if !ok {
			if !v.detect {
				continue
			}
			rule = OutlierRule{Method: "zscore", Threshold: 3}
		}
		for _, s := range detectOutliers(samples, rule) {
			outlierCounts[col]++
			v.violations = append(v.violations, Violation{
				RowIndex: s.rowIndex,
				Column:   col,
				Rule:     fmt.Sprintf("outlier[%s]", rule.Method),
				Value:    graph.Float(s.value),
				Severity: "warning",
			})
		}
	}

	completeness := make(map[string]float64, len(v.required))
	for _, col := range v.required {
		if v.rows == 0 {
			completeness[col] = 1
			continue
		}
		completeness[col] = float64(v.nonNull[col]) / float64(v.rows)
	}

	report := &QualityReport{
		RowsProcessed:   v.rows,
		Violations:      v.violations,
		RangeViolations: v.rangeCounts,
		OutlierCounts:   outlierCounts,
		Completeness:    completeness,
		Summary: fmt.Sprintf("%d rows processed, %d violations",
			v.rows, len(v.violations)),
	}
	return report
}

func numeric(v graph.Value) (float64, bool) {
	return v.AsFloat()
}

// detectOutliers returns the samples flagged by the rule.
func detectOutliers(samples []columnSample, rule OutlierRule) []columnSample {
	if len(samples) < 3 {
		return nil
	}
	var out []columnSample
	switch rule.Method {
	case "iqr":
		mult := rule.Threshold
		if mult == 0 {
			mult = 1.5
		}
		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = s.value
		}
		sort.Float64s(values)
		q1 := quantileSorted(values, 0.25)
		q3 := quantileSorted(values, 0.75)
		iqr := q3 - q1
		lo, hi := q1-mult*iqr, q3+mult*iqr
		for _, s := range samples {
			if s.value < lo || s.value > hi {
				out = append(out, s)
			}
		}
	default: // zscore
		threshold := rule.Threshold
		if threshold == 0 {
			threshold = 3
		}
		acc := NewAccumulator()
		for _, s := range samples {
			acc.Add(s.value)
		}
		std := acc.Std()
		if std == 0 {
			return nil
		}
		mean := acc.Mean()
		for _, s := range samples {
			if math.Abs(s.value-mean)/std > threshold {
				out = append(out, s)
			}
		}
	}
	return out
}

// quantileSorted interpolates the q-th quantile of pre-sorted values.
func quantileSorted(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
