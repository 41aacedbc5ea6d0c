package graph

// TypePair is a permitted (source entity type, target entity type) pair for
// a relation type.
type TypePair struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

// EntityDef declares an entity type and its known property keys.
type EntityDef struct {
	Required []string        `yaml:"required,omitempty" json:"required,omitempty"`
	Optional map[string]Kind `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// RelationDef declares a relation type: which endpoint type pairs it may
// connect and which property keys it must carry.
type RelationDef struct {
	Allowed  []TypePair      `yaml:"allowed" json:"allowed"`
	Required []string        `yaml:"required,omitempty" json:"required,omitempty"`
	Optional map[string]Kind `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Schema is the optional set of declared entity and relation types. A nil
// Schema disables validation entirely.
type Schema struct {
	EntityTypes   map[string]EntityDef   `yaml:"entity_types,omitempty" json:"entity_types,omitempty"`
	RelationTypes map[string]RelationDef `yaml:"relation_types,omitempty" json:"relation_types,omitempty"`
}

// HasRelationType reports whether the relation type is declared.
func (s *Schema) HasRelationType(relType string) bool {
	if s == nil {
		return false
	}
	_, ok := s.RelationTypes[relType]
	return ok
}

// AllowsTriple reports whether (sourceType, relType, targetType) is declared.
func (s *Schema) AllowsTriple(sourceType, relType, targetType string) bool {
	if s == nil {
		return true
	}
	def, ok := s.RelationTypes[relType]
	if !ok {
		return false
	}
	for _, p := range def.Allowed {
		if p.Source == sourceType && p.Target == targetType {
			return true
		}
	}
	return false
}

// RequiredProps returns the required property keys for a relation type.
func (s *Schema) RequiredProps(relType string) []string {
	if s == nil {
		return nil
	}
	return s.RelationTypes[relType].Required
}
