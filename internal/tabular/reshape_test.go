package tabular

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphweave/internal/graph"
	apperrors "graphweave/pkg/errors"
)

func wideFrame() *Frame {
	f := NewFrame([]string{"subject_id", "q1", "q2", "q3"})
	f.AppendRow(map[string]graph.Value{
		"subject_id": graph.String("s1"),
		"q1":         graph.Int(1), "q2": graph.Int(2), "q3": graph.Int(3),
	})
	f.AppendRow(map[string]graph.Value{
		"subject_id": graph.String("s2"),
		"q1":         graph.Int(4), "q2": graph.Int(5), "q3": graph.Int(6),
	})
	return f
}

func TestMelt(t *testing.T) {
	res, err := Melt(wideFrame(), []string{"subject_id"}, nil, "", "")
	require.NoError(t, err)

	f := res.Frame
	assert.Equal(t, []string{"subject_id", "variable", "value"}, f.Columns)
	require.Equal(t, 6, f.NumRows(), "rows multiply by value column count")
	assert.Equal(t, 2, res.OriginalRows)
	assert.Equal(t, 4, res.OriginalColumns)

	first := f.Rows[0]
	assert.True(t, first.Value("subject_id").Equal(graph.String("s1")))
	assert.True(t, first.Value("variable").Equal(graph.String("q1")))
	assert.True(t, first.Value("value").Equal(graph.Int(1)))

	// Value columns iterate in declaration order per source row.
	assert.True(t, f.Rows[1].Value("variable").Equal(graph.String("q2")))
	assert.True(t, f.Rows[3].Value("subject_id").Equal(graph.String("s2")))
}

func TestMelt_Validation(t *testing.T) {
	t.Run("empty id vars", func(t *testing.T) {
		_, err := Melt(wideFrame(), nil, nil, "", "")
		require.Error(t, err)
		assert.True(t, apperrors.IsConfiguration(err))
	})
	t.Run("unknown id var", func(t *testing.T) {
		_, err := Melt(wideFrame(), []string{"ghost"}, nil, "", "")
		assert.Error(t, err)
	})
	t.Run("unknown value var", func(t *testing.T) {
		_, err := Melt(wideFrame(), []string{"subject_id"}, []string{"ghost"}, "", "")
		assert.Error(t, err)
	})
	t.Run("custom names", func(t *testing.T) {
		res, err := Melt(wideFrame(), []string{"subject_id"}, []string{"q1"}, "question", "score")
		require.NoError(t, err)
		assert.Equal(t, []string{"subject_id", "question", "score"}, res.Frame.Columns)
		assert.Equal(t, 2, res.NewRows)
	})
}

func TestPivot_InvertsMelt(t *testing.T) {
	melted, err := Melt(wideFrame(), []string{"subject_id"}, nil, "", "")
	require.NoError(t, err)

	res, err := Pivot(melted.Frame, "subject_id", "variable", "value")
	require.NoError(t, err)

	f := res.Frame
	assert.Equal(t, []string{"subject_id", "q1", "q2", "q3"}, f.Columns,
		"column order follows first appearance")
	require.Equal(t, 2, f.NumRows())
	assert.True(t, f.Rows[0].Value("q2").Equal(graph.Int(2)))
	assert.True(t, f.Rows[1].Value("q3").Equal(graph.Int(6)))
}

func TestPivot_DuplicatePairFails(t *testing.T) {
	f := NewFrame([]string{"id", "k", "v"})
	f.AppendRow(map[string]graph.Value{"id": graph.String("a"), "k": graph.String("x"), "v": graph.Int(1)})
	f.AppendRow(map[string]graph.Value{"id": graph.String("a"), "k": graph.String("x"), "v": graph.Int(2)})
	_, err := Pivot(f, "id", "k", "v")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransformation(err))
}

func TestDetectWideFormat(t *testing.T) {
	assert.True(t, DetectWideFormat(wideFrame(), 2), "three non-id columns exceed 2")
	assert.False(t, DetectWideFormat(wideFrame(), 3))
}

func TestSuggestMeltConfig(t *testing.T) {
	s := SuggestMeltConfig(wideFrame())
	assert.Equal(t, []string{"subject_id"}, s.IDVars)
	assert.Equal(t, []string{"q1", "q2", "q3"}, s.ValueVars)
	assert.InDelta(t, 1.0, s.Confidence, 1e-12,
		"unique ids and all-numeric value columns give full confidence")
	assert.Empty(t, s.Warnings)

	t.Run("empty frame", func(t *testing.T) {
		s := SuggestMeltConfig(NewFrame(nil))
		assert.Zero(t, s.Confidence)
		assert.NotEmpty(t, s.Warnings)
	})
}

func TestGenerateNormalizedMapping(t *testing.T) {
	m := GenerateNormalizedMapping("subject_id", "Subject", "Question", "ANSWERED")
	require.NoError(t, m.Validate())

	melted, err := Melt(wideFrame(), []string{"subject_id"}, nil, "", "")
	require.NoError(t, err)

	entities, relations, err := m.ApplyRow(&melted.Frame.Rows[0])
	require.NoError(t, err)
	require.Len(t, entities, 2)
	require.Len(t, relations, 1)
	assert.Equal(t, "s1", entities[0].ID)
	assert.Equal(t, "Subject", entities[0].Type)
	assert.Equal(t, "q1", entities[1].ID)
	assert.Equal(t, "ANSWERED:s1:q1", relations[0].ID)
	assert.True(t, relations[0].Properties["value"].Equal(graph.Int(1)))
}
