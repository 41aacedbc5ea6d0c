package tabular

import (
	"fmt"
	"strings"
)

// InferredSchema is a SchemaMapping together with a confidence score per
// decision and the warnings raised while inferring.
type InferredSchema struct {
	Mapping *SchemaMapping
	// Confidences are keyed by decision, e.g. "id_column",
	// "relation:works_in", "entity:person", "categorical:rating".
	Confidences map[string]float64
	// PropertyDescriptions maps property keys to reader-supplied labels.
	PropertyDescriptions map[string]string
	Warnings             []string
}

// ColumnMetadata carries reader-supplied column documentation, such as the
// variable and value labels of an SPSS dictionary.
type ColumnMetadata struct {
	// Labels maps column name to a human-readable description.
	Labels map[string]string
	// ValueLabels maps column name to value-string to label. A column with
	// value labels holds categorical codes.
	ValueLabels map[string]map[string]string
}

// InferFromFrame derives a schema mapping from the frame's shape and a
// value sample alone.
func InferFromFrame(f *Frame, entityType string) (*InferredSchema, error) {
	return InferFromFrameWithMetadata(f, entityType, nil)
}

// InferFromFrameWithMetadata derives a schema mapping from the frame's
// shape and a value sample. The id column is the first column whose values
// are all unique, falling back to the first column; every other column maps
// to a same-named property. Columns ending in _id, and columns whose value
// set matches another column's unique key set, become foreign-key relation
// mappings. Reader metadata refines the result: column labels become
// property descriptions, and value-labelled columns are treated as
// categorical codes rather than foreign keys.
func InferFromFrameWithMetadata(f *Frame, entityType string, meta *ColumnMetadata) (*InferredSchema, error) {
	if f.NumColumns() == 0 {
		return nil, fmt.Errorf("cannot infer schema from a frame with no columns")
	}
	if entityType == "" {
		entityType = "record"
	}

	inf := &InferredSchema{
		Confidences:          make(map[string]float64),
		PropertyDescriptions: make(map[string]string),
	}

	idColumn := ""
	for _, col := range f.Columns {
		if f.NumRows() > 0 && distinctRatio(f, col) == 1 {
			idColumn = col
			break
		}
	}
	if idColumn == "" {
		idColumn = f.Columns[0]
		inf.Confidences["id_column"] = 0.5
		inf.Warnings = append(inf.Warnings,
			"no column has all-unique values, using the first column as id")
	} else if idColumn == f.Columns[0] {
		inf.Confidences["id_column"] = 0.95
	} else {
		inf.Confidences["id_column"] = 0.8
	}

	// Unique key sets per column, used for value-set foreign key matching.
	keySets := make(map[string]map[string]struct{}, len(f.Columns))
	for _, col := range f.Columns {
		set := make(map[string]struct{})
		unique := true
		for _, row := range f.Rows {
			v := row.Value(col)
			if v.IsNull() {
				continue
			}
			key := v.String()
			if _, dup := set[key]; dup {
				unique = false
			}
			set[key] = struct{}{}
		}
		if unique && len(set) > 0 {
			keySets[col] = set
		}
	}

	properties := make(map[string]string, len(f.Columns))
	var relations []RelationMapping
	for _, col := range f.Columns {
		properties[col] = col
		if meta != nil {
			if label, ok := meta.Labels[col]; ok && label != "" {
				inf.PropertyDescriptions[col] = label
			}
		}
		if col == idColumn {
			continue
		}
		if meta != nil && len(meta.ValueLabels[col]) > 0 {
			// Value-labelled columns hold categorical codes; a coded answer
			// set would otherwise look like a foreign key by value overlap.
			inf.Confidences["categorical:"+col] = 0.9
			continue
		}

		target, confidence := foreignKeyTarget(f, col, idColumn, keySets)
		if target == "" {
			continue
		}
		relType := relationTypeFor(col)
		relations = append(relations, RelationMapping{
			SourceColumns:  []string{idColumn, col},
			RelationType:   relType,
			SourceIDColumn: idColumn,
			TargetIDColumn: col,
		})
		inf.Confidences["relation:"+relType] = confidence
		if confidence < 0.7 {
			inf.Warnings = append(inf.Warnings, fmt.Sprintf(
				"column %s matched %s by value set only; relation %s may be spurious",
				col, target, relType))
		}
	}

	inf.Mapping = &SchemaMapping{
		Entities: []EntityMapping{{
			SourceColumns: append([]string{}, f.Columns...),
			EntityType:    entityType,
			IDColumn:      idColumn,
			Properties:    properties,
		}},
		Relations: relations,
	}
	inf.Confidences["entity:"+entityType] = 0.9
	return inf, nil
}

// foreignKeyTarget decides whether col references another column. An _id
// suffix is the strong signal; a value set contained in another column's
// unique key set is the weak one.
func foreignKeyTarget(f *Frame, col, idColumn string, keySets map[string]map[string]struct{}) (string, float64) {
	if strings.HasSuffix(strings.ToLower(col), "_id") {
		return strings.TrimSuffix(strings.ToLower(col), "_id"), 0.85
	}
	for other, keys := range keySets {
		if other == col || other == idColumn {
			continue
		}
		if f.NumRows() == 0 {
			continue
		}
		covered := true
		for _, row := range f.Rows {
			v := row.Value(col)
			if v.IsNull() {
				continue
			}
			if _, ok := keys[v.String()]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return other, 0.6
		}
	}
	return "", 0
}

func relationTypeFor(col string) string {
	base := strings.TrimSuffix(strings.ToLower(col), "_id")
	return "has_" + base
}

// MergeWithPartialSchema overlays user-provided mappings on an inferred
// schema. User entity and relation mappings win on conflicting types;
// inferred relations not contradicted by the partial schema are appended.
func MergeWithPartialSchema(inferred *InferredSchema, partial *SchemaMapping) *SchemaMapping {
	if partial == nil {
		return inferred.Mapping
	}
	merged := &SchemaMapping{
		Aggregations: partial.Aggregations,
		Quality:      partial.Quality,
	}

	userEntityTypes := make(map[string]struct{}, len(partial.Entities))
	for _, em := range partial.Entities {
		userEntityTypes[em.EntityType] = struct{}{}
		merged.Entities = append(merged.Entities, em)
	}
	for _, em := range inferred.Mapping.Entities {
		if _, taken := userEntityTypes[em.EntityType]; !taken {
			merged.Entities = append(merged.Entities, em)
		}
	}

	userRelTypes := make(map[string]struct{}, len(partial.Relations))
	for _, rm := range partial.Relations {
		userRelTypes[rm.RelationType] = struct{}{}
		merged.Relations = append(merged.Relations, rm)
	}
	for _, rm := range inferred.Mapping.Relations {
		if _, taken := userRelTypes[rm.RelationType]; !taken {
			merged.Relations = append(merged.Relations, rm)
		}
	}
	return merged
}
