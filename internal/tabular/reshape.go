package tabular

import (
	"fmt"
	"strings"

	"graphweave/internal/graph"
	apperrors "graphweave/pkg/errors"
)

// ReshapeResult carries the reshaped table together with the shape change
// and a description of the transformation applied.
type ReshapeResult struct {
	Frame           *Frame
	OriginalRows    int
	OriginalColumns int
	NewRows         int
	NewColumns      int
	Description     string
}

// Melt converts a wide table to long format: one output row per
// (id-variable tuple, value variable). Empty idVars is a configuration
// error. Empty valueVars defaults to every non-id column. varName and
// valueName default to "variable" and "value".
func Melt(f *Frame, idVars, valueVars []string, varName, valueName string) (*ReshapeResult, error) {
	if len(idVars) == 0 {
		return nil, apperrors.NewConfiguration("melt requires at least one id variable")
	}
	for _, col := range idVars {
		if !f.HasColumn(col) {
			return nil, apperrors.NewConfiguration("melt id variable " + col + " not in frame")
		}
	}
	if varName == "" {
		varName = "variable"
	}
	if valueName == "" {
		valueName = "value"
	}
	if len(valueVars) == 0 {
		for _, col := range f.Columns {
			if !contains(idVars, col) {
				valueVars = append(valueVars, col)
			}
		}
	} else {
		for _, col := range valueVars {
			if !f.HasColumn(col) {
				return nil, apperrors.NewConfiguration("melt value variable " + col + " not in frame")
			}
		}
	}

	columns := append(append([]string{}, idVars...), varName, valueName)
	out := NewFrame(columns)
	for _, row := range f.Rows {
		for _, vv := range valueVars {
			values := make(map[string]graph.Value, len(columns))
			for _, id := range idVars {
				values[id] = row.Value(id)
			}
			values[varName] = graph.String(vv)
			values[valueName] = row.Value(vv)
			out.AppendRow(values)
		}
	}
	return &ReshapeResult{
		Frame:           out,
		OriginalRows:    f.NumRows(),
		OriginalColumns: f.NumColumns(),
		NewRows:         out.NumRows(),
		NewColumns:      out.NumColumns(),
		Description: fmt.Sprintf("melt %d value columns over id [%s]",
			len(valueVars), strings.Join(idVars, ",")),
	}, nil
}

// Pivot is the inverse of Melt: long rows become one wide row per index
// value, with one column per distinct value of the columns variable.
// Duplicate (index, columns) pairs are an error.
func Pivot(f *Frame, index, columns, values string) (*ReshapeResult, error) {
	for _, col := range []string{index, columns, values} {
		if !f.HasColumn(col) {
			return nil, apperrors.NewConfiguration("pivot column " + col + " not in frame")
		}
	}

	var indexOrder []string
	var columnOrder []string
	wide := make(map[string]map[string]graph.Value)
	seenCol := make(map[string]struct{})

	for _, row := range f.Rows {
		idxKey := row.Value(index).String()
		colKey := row.Value(columns).String()
		if _, ok := wide[idxKey]; !ok {
			wide[idxKey] = map[string]graph.Value{index: row.Value(index)}
			indexOrder = append(indexOrder, idxKey)
		}
		if _, dup := wide[idxKey][colKey]; dup {
			return nil, apperrors.NewTransformation(fmt.Sprintf(
				"pivot: duplicate entry for (%s=%s, %s=%s)", index, idxKey, columns, colKey), nil)
		}
		wide[idxKey][colKey] = row.Value(values)
		if _, ok := seenCol[colKey]; !ok {
			seenCol[colKey] = struct{}{}
			columnOrder = append(columnOrder, colKey)
		}
	}

	out := NewFrame(append([]string{index}, columnOrder...))
	for _, idxKey := range indexOrder {
		out.AppendRow(wide[idxKey])
	}
	return &ReshapeResult{
		Frame:           out,
		OriginalRows:    f.NumRows(),
		OriginalColumns: f.NumColumns(),
		NewRows:         out.NumRows(),
		NewColumns:      out.NumColumns(),
		Description:     fmt.Sprintf("pivot %s on %s carrying %s", index, columns, values),
	}, nil
}

// DetectWideFormat reports whether the frame looks wide: more non-id
// columns than the threshold. Columns named "id" or suffixed "_id" count
// as id columns.
func DetectWideFormat(f *Frame, thresholdColumns int) bool {
	nonID := 0
	for _, col := range f.Columns {
		if isIDColumn(col) {
			continue
		}
		nonID++
	}
	return nonID > thresholdColumns
}

func isIDColumn(name string) bool {
	lower := strings.ToLower(name)
	return lower == "id" || strings.HasSuffix(lower, "_id")
}

// MeltSuggestion is the heuristic configuration produced by
// SuggestMeltConfig with a confidence score in [0, 1].
type MeltSuggestion struct {
	IDVars     []string
	ValueVars  []string
	VarName    string
	ValueName  string
	Confidence float64
	Warnings   []string
}

// SuggestMeltConfig proposes a melt configuration: the leftmost low
// cardinality (or id-named) columns become id variables and the remaining
// numeric columns become value variables. Confidence combines the id
// column's distinctness with the homogeneity of the value columns.
func SuggestMeltConfig(f *Frame) *MeltSuggestion {
	s := &MeltSuggestion{VarName: "variable", ValueName: "value"}
	if f.NumColumns() == 0 || f.NumRows() == 0 {
		s.Warnings = append(s.Warnings, "empty frame")
		return s
	}

	numericCols := make(map[string]bool, len(f.Columns))
	for _, col := range f.Columns {
		numericCols[col] = columnIsNumeric(f, col)
	}

	// Leftmost non-numeric or id-named columns anchor the rows.
	for _, col := range f.Columns {
		if isIDColumn(col) || !numericCols[col] {
			s.IDVars = append(s.IDVars, col)
			continue
		}
		break
	}
	if len(s.IDVars) == 0 {
		s.IDVars = []string{f.Columns[0]}
		s.Warnings = append(s.Warnings, "no obvious id column, using the first column")
	}
	for _, col := range f.Columns {
		if !contains(s.IDVars, col) && numericCols[col] {
			s.ValueVars = append(s.ValueVars, col)
		}
	}
	if len(s.ValueVars) == 0 {
		s.Warnings = append(s.Warnings, "no numeric value columns found")
		return s
	}

	distinct := distinctRatio(f, s.IDVars[0])
	homogeneity := float64(len(s.ValueVars)) / float64(f.NumColumns()-len(s.IDVars))
	s.Confidence = distinct * homogeneity
	return s
}

func columnIsNumeric(f *Frame, col string) bool {
	seen := 0
	for _, row := range f.Rows {
		v := row.Value(col)
		if v.IsNull() {
			continue
		}
		seen++
		if _, ok := v.AsFloat(); !ok {
			return false
		}
	}
	return seen > 0
}

func distinctRatio(f *Frame, col string) float64 {
	if f.NumRows() == 0 {
		return 0
	}
	seen := make(map[string]struct{}, f.NumRows())
	for _, row := range f.Rows {
		seen[row.Value(col).String()] = struct{}{}
	}
	return float64(len(seen)) / float64(f.NumRows())
}

// GenerateNormalizedMapping builds the SchemaMapping that turns a melted
// frame (columns: idColumn, "variable", "value") into a normalised graph:
// one entity per id value, one entity per variable value, and one relation
// per (id, variable) pair carrying the numeric value.
func GenerateNormalizedMapping(idColumn, entityType, variableType, relationType string) *SchemaMapping {
	return &SchemaMapping{
		Entities: []EntityMapping{
			{
				SourceColumns: []string{idColumn},
				EntityType:    entityType,
				IDColumn:      idColumn,
				Properties:    map[string]string{idColumn: "name"},
			},
			{
				SourceColumns: []string{"variable"},
				EntityType:    variableType,
				IDColumn:      "variable",
				Properties:    map[string]string{"variable": "name"},
			},
		},
		Relations: []RelationMapping{
			{
				SourceColumns:  []string{idColumn, "variable", "value"},
				RelationType:   relationType,
				SourceIDColumn: idColumn,
				TargetIDColumn: "variable",
				Properties:     map[string]string{"value": "value"},
			},
		},
	}
}
