package tabular

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphweave/internal/graph"
	apperrors "graphweave/pkg/errors"
)

func qrow(index int, values map[string]graph.Value) *Row {
	return &Row{Index: index, Values: values}
}

func TestQualityValidator_RangeRule(t *testing.T) {
	v := NewQualityValidator(QualityConfig{
		RuleSets: map[string]RuleSet{
			"Employee": {Ranges: map[string]RangeRule{"age": {Min: 0, Max: 120}}},
		},
	}, nil)

	found, err := v.CheckRow(qrow(0, map[string]graph.Value{"age": graph.Int(30)}))
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = v.CheckRow(qrow(1, map[string]graph.Value{"age": graph.Int(150)}))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "warning", found[0].Severity)
	assert.Equal(t, "age", found[0].Column)

	// Non-numeric values are not range checked.
	found, err = v.CheckRow(qrow(2, map[string]graph.Value{"age": graph.String("unknown")}))
	require.NoError(t, err)
	assert.Empty(t, found)

	report := v.Finalize()
	assert.Equal(t, 3, report.RowsProcessed)
	assert.Equal(t, 1, report.RangeViolations["age"])
}

func TestQualityValidator_RequiredAndCompleteness(t *testing.T) {
	v := NewQualityValidator(QualityConfig{
		RuleSets: map[string]RuleSet{
			"Employee": {Required: []string{"name"}},
		},
	}, nil)

	_, err := v.CheckRow(qrow(0, map[string]graph.Value{"name": graph.String("Alice")}))
	require.NoError(t, err)
	found, err := v.CheckRow(qrow(1, map[string]graph.Value{"name": graph.String("")}))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "required", found[0].Rule)
	assert.Equal(t, "error", found[0].Severity)
	_, err = v.CheckRow(qrow(2, map[string]graph.Value{}))
	require.NoError(t, err)

	report := v.Finalize()
	assert.InDelta(t, 1.0/3.0, report.Completeness["name"], 1e-12)
}

func TestQualityValidator_FailOnViolations(t *testing.T) {
	v := NewQualityValidator(QualityConfig{
		RuleSets:         map[string]RuleSet{"E": {Required: []string{"id"}}},
		FailOnViolations: true,
	}, nil)
	_, err := v.CheckRow(qrow(0, map[string]graph.Value{}))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestQualityValidator_OutlierDetection(t *testing.T) {
	v := NewQualityValidator(QualityConfig{
		RuleSets: map[string]RuleSet{
			"Reading": {Outliers: map[string]OutlierRule{"value": {Method: "zscore", Threshold: 3}}},
		},
	}, nil)

	for i := 0; i < 30; i++ {
		_, err := v.CheckRow(qrow(i, map[string]graph.Value{"value": graph.Float(10 + float64(i%3))}))
		require.NoError(t, err)
	}
	_, err := v.CheckRow(qrow(30, map[string]graph.Value{"value": graph.Float(1000)}))
	require.NoError(t, err, "outliers are a finalize-time concern")

	report := v.Finalize()
	require.Equal(t, 1, report.OutlierCounts["value"])
	var outlierRows []int
	for _, viol := range report.Violations {
		if viol.Column == "value" {
			outlierRows = append(outlierRows, viol.RowIndex)
		}
	}
	assert.Equal(t, []int{30}, outlierRows)
}

func TestQualityValidator_DetectOutliersShortcut(t *testing.T) {
	v := NewQualityValidator(QualityConfig{
		RuleSets: map[string]RuleSet{"R": {DetectOutliers: true}},
	}, nil)
	for i := 0; i < 50; i++ {
		_, err := v.CheckRow(qrow(i, map[string]graph.Value{"x": graph.Float(5)}))
		require.NoError(t, err)
	}
	_, err := v.CheckRow(qrow(50, map[string]graph.Value{"x": graph.Float(500)}))
	require.NoError(t, err)
	report := v.Finalize()
	assert.Equal(t, 1, report.OutlierCounts["x"], "every numeric column is monitored")
}

func TestQualityValidator_IQROutliers(t *testing.T) {
	v := NewQualityValidator(QualityConfig{
		RuleSets: map[string]RuleSet{
			"R": {Outliers: map[string]OutlierRule{"v": {Method: "iqr", Threshold: 1.5}}},
		},
	}, nil)
	for i, f := range []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 100} {
		_, err := v.CheckRow(qrow(i, map[string]graph.Value{"v": graph.Float(f)}))
		require.NoError(t, err)
	}
	report := v.Finalize()
	assert.Equal(t, 1, report.OutlierCounts["v"])
}
