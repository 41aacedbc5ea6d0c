package fusion

import (
	"fmt"

	"go.uber.org/zap"

	"graphweave/internal/graph"
)

// RelationDeduplicator collapses duplicate relations within a batch.
// Relations are canonical by (type, source id, target id); properties merge
// later-wins and provenance concatenates.
type RelationDeduplicator struct {
	logger *zap.Logger
}

// NewRelationDeduplicator creates a relation deduplicator.
func NewRelationDeduplicator(logger *zap.Logger) *RelationDeduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelationDeduplicator{logger: logger}
}

// Dedupe returns the deduplicated batch in first-seen order and the number
// of relations merged away.
func (d *RelationDeduplicator) Dedupe(relations []*graph.Relation) ([]*graph.Relation, int) {
	seen := make(map[string]*graph.Relation)
	var out []*graph.Relation
	merged := 0
	for _, r := range relations {
		key := r.Type + "\x00" + r.SourceID + "\x00" + r.TargetID
		if kept, ok := seen[key]; ok {
			kept.MergeProperties(r.Properties)
			for _, p := range r.Provenance {
				kept.AddProvenance(p)
			}
			merged++
			continue
		}
		kept := r.Clone()
		seen[key] = kept
		out = append(out, kept)
	}
	return out, merged
}

// RelationValidator enforces schema-declared type constraints on relations.
// A nil schema passes everything through.
type RelationValidator struct {
	schema *graph.Schema
	logger *zap.Logger
}

// NewRelationValidator creates a validator for the given schema.
func NewRelationValidator(schema *graph.Schema, logger *zap.Logger) *RelationValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelationValidator{schema: schema, logger: logger}
}

// Validate drops relations whose endpoint-type triple is not declared or
// whose required properties are missing. entityTypes resolves an endpoint
// id to its entity type. Returns the surviving relations and one warning
// per rejection.
func (v *RelationValidator) Validate(relations []*graph.Relation, entityTypes map[string]string) ([]*graph.Relation, []string) {
	if v.schema == nil {
		return relations, nil
	}
	var out []*graph.Relation
	var warnings []string
	for _, r := range relations {
		srcType := entityTypes[r.SourceID]
		dstType := entityTypes[r.TargetID]
		if !v.schema.AllowsTriple(srcType, r.Type, dstType) {
			warnings = append(warnings, fmt.Sprintf(
				"relation %s rejected: (%s, %s, %s) not declared in schema",
				r.ID, srcType, r.Type, dstType))
			continue
		}
		missing := ""
		for _, req := range v.schema.RequiredProps(r.Type) {
			if p, ok := r.Properties[req]; !ok || p.IsNull() {
				missing = req
				break
			}
		}
		if missing != "" {
			warnings = append(warnings, fmt.Sprintf(
				"relation %s rejected: required property %q missing", r.ID, missing))
			continue
		}
		out = append(out, r)
	}
	for _, w := range warnings {
		v.logger.Warn("relation validation", zap.String("reason", w))
	}
	return out, warnings
}
