package tabular

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"graphweave/internal/graph"
	apperrors "graphweave/pkg/errors"
)

// PropertyType names a scalar/list/map target type for casts.
type PropertyType string

const (
	TypeString PropertyType = "string"
	TypeInt    PropertyType = "int"
	TypeFloat  PropertyType = "float"
	TypeBool   PropertyType = "bool"
	TypeList   PropertyType = "list"
	TypeMap    PropertyType = "map"
)

// TransformOp enumerates property transformation variants.
type TransformOp string

const (
	OpRename   TransformOp = "rename"
	OpTypeCast TransformOp = "type_cast"
	OpConstant TransformOp = "constant"
	OpCompute  TransformOp = "compute"
	OpSkip     TransformOp = "skip"
)

// computeFunctions are the pure functions available to OpCompute.
var computeFunctions = map[string]struct{}{
	"concat_space": {},
	"sum":          {},
	"avg":          {},
	"min":          {},
	"max":          {},
}

// Transformation produces or replaces one property during row evaluation.
// Transformations run in declaration order.
type Transformation struct {
	Op TransformOp `yaml:"op" json:"op"`
	// Source is the property the transformation reads (rename, type_cast,
	// skip).
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
	// Target is the property the transformation writes. For type_cast an
	// empty target rewrites Source in place.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
	// CastTo is the target type for type_cast.
	CastTo PropertyType `yaml:"cast_to,omitempty" json:"cast_to,omitempty"`
	// Value is the literal for constant.
	Value graph.Value `yaml:"value,omitempty" json:"value,omitempty"`
	// Function is the compute function name.
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	// Inputs are the source columns a compute function reads.
	Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// EntityMapping declares how a row produces one entity candidate.
type EntityMapping struct {
	// SourceColumns are the columns this mapping projects from the row.
	SourceColumns []string `yaml:"source_columns" json:"source_columns"`
	EntityType    string   `yaml:"entity_type" json:"entity_type"`
	// Properties maps source column to property key. Empty means every
	// source column maps to a property of the same name.
	Properties map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
	// IDColumn supplies the entity id. Empty falls back to the first
	// source column; a row with no usable id value falls back to
	// "<EntityType>_<row index>".
	IDColumn        string           `yaml:"id_column,omitempty" json:"id_column,omitempty"`
	Transformations []Transformation `yaml:"transformations,omitempty" json:"transformations,omitempty"`
}

// RelationMapping declares how a row produces one relation candidate.
// Relation ids are deterministic ("<type>:<source>:<target>") so importing
// the same source twice is idempotent under deduplication.
type RelationMapping struct {
	SourceColumns  []string `yaml:"source_columns" json:"source_columns"`
	RelationType   string   `yaml:"relation_type" json:"relation_type"`
	SourceIDColumn string   `yaml:"source_id_column" json:"source_id_column"`
	TargetIDColumn string   `yaml:"target_id_column" json:"target_id_column"`
	// Properties maps source column to property key.
	Properties      map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
	Transformations []Transformation  `yaml:"transformations,omitempty" json:"transformations,omitempty"`
}

// Aggregation declares a streaming aggregation computed at import time and
// written to the "<EntityType>_summary" entity at completion.
type Aggregation struct {
	EntityType string `yaml:"entity_type" json:"entity_type"`
	Column     string `yaml:"column" json:"column"`
	// Function is one of mean, std, variance, min, max, sum, count, median.
	Function string `yaml:"function" json:"function"`
	// TargetProperty is the summary property the result lands on.
	TargetProperty string `yaml:"target_property" json:"target_property"`
}

// SchemaMapping is the declarative row-to-graph conversion: an ordered list
// of entity and relation mappings plus optional aggregation and quality
// configuration. When several entity mappings match one row, candidates are
// emitted in declaration order.
type SchemaMapping struct {
	Entities     []EntityMapping  `yaml:"entities" json:"entities"`
	Relations    []RelationMapping `yaml:"relations,omitempty" json:"relations,omitempty"`
	Aggregations []Aggregation    `yaml:"aggregations,omitempty" json:"aggregations,omitempty"`
	Quality      *QualityConfig   `yaml:"quality,omitempty" json:"quality,omitempty"`
}

// LoadMapping reads and validates a YAML schema mapping file.
func LoadMapping(path string) (*SchemaMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfiguration("reading mapping " + path + ": " + err.Error())
	}
	var m SchemaMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, apperrors.NewConfiguration("parsing mapping " + path + ": " + err.Error())
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the mapping before any I/O: entity and relation type
// uniqueness, endpoint columns present in source columns, transformation
// references resolvable, compute functions known.
func (m *SchemaMapping) Validate() error {
	entityTypes := make(map[string]struct{})
	for i, em := range m.Entities {
		if em.EntityType == "" {
			return apperrors.NewConfiguration(fmt.Sprintf("entity mapping %d: entity_type is required", i))
		}
		if _, dup := entityTypes[em.EntityType]; dup {
			return apperrors.NewConfiguration("duplicate entity mapping for type " + em.EntityType)
		}
		entityTypes[em.EntityType] = struct{}{}
		if len(em.SourceColumns) == 0 {
			return apperrors.NewConfiguration("entity mapping " + em.EntityType + ": source_columns is empty")
		}
		if em.IDColumn != "" && !contains(em.SourceColumns, em.IDColumn) {
			return apperrors.NewConfiguration("entity mapping " + em.EntityType + ": id_column not in source_columns")
		}
		if err := validateTransformations(em.Transformations, em.SourceColumns, "entity mapping "+em.EntityType); err != nil {
			return err
		}
	}
	relationTypes := make(map[string]struct{})
	for i, rm := range m.Relations {
		if rm.RelationType == "" {
			return apperrors.NewConfiguration(fmt.Sprintf("relation mapping %d: relation_type is required", i))
		}
		if _, dup := relationTypes[rm.RelationType]; dup {
			return apperrors.NewConfiguration("duplicate relation mapping for type " + rm.RelationType)
		}
		relationTypes[rm.RelationType] = struct{}{}
		if !contains(rm.SourceColumns, rm.SourceIDColumn) {
			return apperrors.NewConfiguration("relation mapping " + rm.RelationType + ": source_id_column not in source_columns")
		}
		if !contains(rm.SourceColumns, rm.TargetIDColumn) {
			return apperrors.NewConfiguration("relation mapping " + rm.RelationType + ": target_id_column not in source_columns")
		}
		if err := validateTransformations(rm.Transformations, rm.SourceColumns, "relation mapping "+rm.RelationType); err != nil {
			return err
		}
	}
	for _, agg := range m.Aggregations {
		if _, ok := aggregationFunctions[agg.Function]; !ok {
			return apperrors.NewConfiguration("unknown aggregation function " + agg.Function)
		}
	}
	return nil
}

func validateTransformations(ts []Transformation, sourceColumns []string, where string) error {
	for _, t := range ts {
		switch t.Op {
		case OpRename, OpSkip:
			if !contains(sourceColumns, t.Source) {
				return apperrors.NewConfiguration(where + ": transformation source column " + t.Source + " not in source_columns")
			}
		case OpTypeCast:
			if !contains(sourceColumns, t.Source) {
				return apperrors.NewConfiguration(where + ": transformation source column " + t.Source + " not in source_columns")
			}
			switch t.CastTo {
			case TypeString, TypeInt, TypeFloat, TypeBool, TypeList, TypeMap:
			default:
				return apperrors.NewConfiguration(where + ": unknown cast type " + string(t.CastTo))
			}
		case OpConstant:
			if t.Target == "" {
				return apperrors.NewConfiguration(where + ": constant transformation needs a target")
			}
		case OpCompute:
			if _, ok := computeFunctions[t.Function]; !ok {
				return apperrors.NewConfiguration(where + ": unknown compute function " + t.Function)
			}
			for _, in := range t.Inputs {
				if !contains(sourceColumns, in) {
					return apperrors.NewConfiguration(where + ": compute input column " + in + " not in source_columns")
				}
			}
		default:
			return apperrors.NewConfiguration(where + ": unknown transformation op " + string(t.Op))
		}
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, e := range ss {
		if e == s {
			return true
		}
	}
	return false
}

// ApplyRow evaluates the mapping against one row, producing entity and
// relation candidates in declaration order. Cast failures and missing
// relation endpoints fail the row with a transformation error.
func (m *SchemaMapping) ApplyRow(row *Row) ([]*graph.Entity, []*graph.Relation, error) {
	var entities []*graph.Entity
	for i := range m.Entities {
		e, err := m.Entities[i].apply(row)
		if err != nil {
			return nil, nil, err
		}
		entities = append(entities, e)
	}
	var relations []*graph.Relation
	for i := range m.Relations {
		r, err := m.Relations[i].apply(row)
		if err != nil {
			return nil, nil, err
		}
		relations = append(relations, r)
	}
	return entities, relations, nil
}

func (em *EntityMapping) apply(row *Row) (*graph.Entity, error) {
	props, err := projectAndTransform(row, em.SourceColumns, em.Properties, em.Transformations)
	if err != nil {
		return nil, apperrors.Wrap(err, "entity mapping "+em.EntityType+" row "+strconv.Itoa(row.Index))
	}

	idColumn := em.IDColumn
	if idColumn == "" {
		idColumn = em.SourceColumns[0]
	}
	id := row.Value(idColumn).String()
	if id == "" {
		id = fmt.Sprintf("%s_%d", em.EntityType, row.Index)
	}

	return &graph.Entity{ID: id, Type: em.EntityType, Properties: props}, nil
}

func (rm *RelationMapping) apply(row *Row) (*graph.Relation, error) {
	srcID := row.Value(rm.SourceIDColumn).String()
	dstID := row.Value(rm.TargetIDColumn).String()
	if srcID == "" {
		return nil, apperrors.NewTransformation(
			fmt.Sprintf("relation %s row %d: missing source id in column %s", rm.RelationType, row.Index, rm.SourceIDColumn), nil)
	}
	if dstID == "" {
		return nil, apperrors.NewTransformation(
			fmt.Sprintf("relation %s row %d: missing target id in column %s", rm.RelationType, row.Index, rm.TargetIDColumn), nil)
	}
	props, err := projectAndTransform(row, rm.SourceColumns, rm.Properties, rm.Transformations)
	if err != nil {
		return nil, apperrors.Wrap(err, "relation mapping "+rm.RelationType+" row "+strconv.Itoa(row.Index))
	}
	// Endpoint columns are plumbing, not payload, unless explicitly mapped.
	if rm.Properties == nil {
		delete(props, rm.SourceIDColumn)
		delete(props, rm.TargetIDColumn)
	}
	return &graph.Relation{
		ID:         rm.RelationType + ":" + srcID + ":" + dstID,
		Type:       rm.RelationType,
		SourceID:   srcID,
		TargetID:   dstID,
		Properties: props,
	}, nil
}

// projectAndTransform projects the declared source columns into a property
// map (through the column-to-property mapping) and applies transformations
// in order.
func projectAndTransform(row *Row, sourceColumns []string, propertyMap map[string]string, ts []Transformation) (map[string]graph.Value, error) {
	props := make(map[string]graph.Value, len(sourceColumns))
	for _, col := range sourceColumns {
		key := col
		if propertyMap != nil {
			mapped, ok := propertyMap[col]
			if !ok {
				continue
			}
			key = mapped
		}
		props[key] = row.Value(col)
	}

	for _, t := range ts {
		switch t.Op {
		case OpRename:
			if v, ok := props[t.Source]; ok {
				delete(props, t.Source)
				props[t.Target] = v
			}
		case OpSkip:
			delete(props, t.Source)
		case OpConstant:
			props[t.Target] = t.Value
		case OpTypeCast:
			target := t.Target
			if target == "" {
				target = t.Source
			}
			v, err := CastValue(props[t.Source], t.CastTo)
			if err != nil {
				return nil, apperrors.NewTransformation(
					fmt.Sprintf("cast %s to %s", t.Source, t.CastTo), err)
			}
			if target != t.Source {
				delete(props, t.Source)
			}
			props[target] = v
		case OpCompute:
			v, err := compute(t.Function, row, t.Inputs)
			if err != nil {
				return nil, err
			}
			props[t.Target] = v
		}
	}
	return props, nil
}

// CastValue coerces a value to the target property type per the documented
// cast policy. Null input passes through unchanged. Invalid coercion
// returns an error.
func CastValue(v graph.Value, target PropertyType) (graph.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch target {
	case TypeString:
		return graph.String(v.String()), nil
	case TypeInt:
		switch v.Kind() {
		case graph.KindInt:
			return v, nil
		case graph.KindFloat:
			f, _ := v.FloatVal()
			if f != float64(int64(f)) {
				return graph.Null(), fmt.Errorf("%v is not an integer", f)
			}
			return graph.Int(int64(f)), nil
		case graph.KindString:
			s, _ := v.StringVal()
			s = strings.TrimSpace(s)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return graph.Int(i), nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
				return graph.Int(int64(f)), nil
			}
			return graph.Null(), fmt.Errorf("%q is not an integer", s)
		}
	case TypeFloat:
		switch v.Kind() {
		case graph.KindFloat:
			return v, nil
		case graph.KindInt:
			i, _ := v.IntVal()
			return graph.Float(float64(i)), nil
		case graph.KindString:
			s, _ := v.StringVal()
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return graph.Null(), fmt.Errorf("%q is not a number", s)
			}
			return graph.Float(f), nil
		}
	case TypeBool:
		switch v.Kind() {
		case graph.KindBool:
			return v, nil
		case graph.KindInt:
			i, _ := v.IntVal()
			if i == 0 || i == 1 {
				return graph.Bool(i == 1), nil
			}
			return graph.Null(), fmt.Errorf("%d is not a boolean", i)
		case graph.KindFloat:
			f, _ := v.FloatVal()
			if f == 0 || f == 1 {
				return graph.Bool(f == 1), nil
			}
			return graph.Null(), fmt.Errorf("%v is not a boolean", f)
		case graph.KindString:
			switch strings.ToLower(strings.TrimSpace(v.String())) {
			case "true", "1", "yes":
				return graph.Bool(true), nil
			case "false", "0", "no":
				return graph.Bool(false), nil
			}
			return graph.Null(), fmt.Errorf("%q is not a boolean", v.String())
		}
	case TypeList:
		switch v.Kind() {
		case graph.KindList:
			return v, nil
		case graph.KindString:
			s, _ := v.StringVal()
			trimmed := strings.TrimSpace(s)
			if strings.HasPrefix(trimmed, "[") {
				var parsed graph.Value
				if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
					return graph.Null(), fmt.Errorf("invalid JSON array %q", s)
				}
				return parsed, nil
			}
			parts := strings.Split(s, ",")
			items := make([]graph.Value, 0, len(parts))
			for _, p := range parts {
				items = append(items, graph.String(strings.TrimSpace(p)))
			}
			return graph.List(items...), nil
		default:
			return graph.List(v), nil
		}
	case TypeMap:
		switch v.Kind() {
		case graph.KindMap:
			return v, nil
		case graph.KindString:
			s, _ := v.StringVal()
			trimmed := strings.TrimSpace(s)
			if strings.HasPrefix(trimmed, "{") {
				var parsed graph.Value
				if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
					return graph.Null(), fmt.Errorf("invalid JSON object %q", s)
				}
				return parsed, nil
			}
			return graph.Map(map[string]graph.Value{"value": v}), nil
		default:
			return graph.Map(map[string]graph.Value{"value": v}), nil
		}
	}
	return graph.Null(), fmt.Errorf("cannot cast %s to %s", v.Kind(), target)
}

// compute evaluates a compute function over the row's input columns. The
// functions are pure and total over their declared inputs; numeric
// functions fail on non-numeric input.
func compute(fn string, row *Row, inputs []string) (graph.Value, error) {
	if fn == "concat_space" {
		parts := make([]string, 0, len(inputs))
		for _, col := range inputs {
			parts = append(parts, row.Value(col).String())
		}
		return graph.String(strings.Join(parts, " ")), nil
	}

	nums := make([]float64, 0, len(inputs))
	for _, col := range inputs {
		v := row.Value(col)
		f, ok := v.AsFloat()
		if !ok {
			if s, isStr := v.StringVal(); isStr {
				parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if err != nil {
					return graph.Null(), apperrors.NewTransformation(
						fmt.Sprintf("compute %s: column %s is not numeric", fn, col), err)
				}
				f = parsed
			} else {
				return graph.Null(), apperrors.NewTransformation(
					fmt.Sprintf("compute %s: column %s is not numeric", fn, col), nil)
			}
		}
		nums = append(nums, f)
	}
	if len(nums) == 0 {
		return graph.Null(), apperrors.NewTransformation("compute "+fn+": no input columns", nil)
	}
	switch fn {
	case "sum", "avg":
		total := 0.0
		for _, n := range nums {
			total += n
		}
		if fn == "avg" {
			total /= float64(len(nums))
		}
		return graph.Float(total), nil
	case "min":
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return graph.Float(m), nil
	case "max":
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return graph.Float(m), nil
	}
	return graph.Null(), apperrors.NewConfiguration("unknown compute function " + fn)
}
