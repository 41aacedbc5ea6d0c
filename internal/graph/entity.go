// Package graph holds the typed knowledge-graph data model: entities and
// relations with heterogeneous property mappings, optional vector embeddings
// and provenance, plus the optional schema used for relation validation.
package graph

import (
	"time"

	"github.com/google/uuid"
)

// Provenance records where a persisted entity or relation came from.
type Provenance struct {
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Entity is a typed graph node. ID is unique within a store.
type Entity struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Properties map[string]Value `json:"properties,omitempty"`
	Embedding  []float32        `json:"embedding,omitempty"`
	Provenance []Provenance     `json:"provenance,omitempty"`
}

// NewEntity creates an entity with a synthesised id.
func NewEntity(entityType string) *Entity {
	return &Entity{
		ID:         uuid.New().String(),
		Type:       entityType,
		Properties: make(map[string]Value),
	}
}

// Property returns the named property, or null when absent.
func (e *Entity) Property(key string) Value {
	if e.Properties == nil {
		return Null()
	}
	return e.Properties[key]
}

// SetProperty sets a property, allocating the map on first use.
func (e *Entity) SetProperty(key string, v Value) {
	if e.Properties == nil {
		e.Properties = make(map[string]Value)
	}
	e.Properties[key] = v
}

// MergeProperties merges props into the entity, later values winning on
// conflict. Null incoming values do not overwrite existing ones.
func (e *Entity) MergeProperties(props map[string]Value) {
	for k, v := range props {
		if v.IsNull() {
			if _, exists := e.Properties[k]; exists {
				continue
			}
		}
		e.SetProperty(k, v)
	}
}

// AddProvenance appends a provenance record.
func (e *Entity) AddProvenance(p Provenance) {
	e.Provenance = append(e.Provenance, p)
}

// Clone returns a deep-enough copy for pipeline hand-off: the property map
// and provenance list are copied, values are shared (they are immutable).
func (e *Entity) Clone() *Entity {
	c := &Entity{
		ID:   e.ID,
		Type: e.Type,
	}
	if e.Properties != nil {
		c.Properties = make(map[string]Value, len(e.Properties))
		for k, v := range e.Properties {
			c.Properties[k] = v
		}
	}
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.Provenance != nil {
		c.Provenance = append([]Provenance(nil), e.Provenance...)
	}
	return c
}

// Relation is a typed, directed graph edge between two entities.
type Relation struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	SourceID   string           `json:"source_id"`
	TargetID   string           `json:"target_id"`
	Properties map[string]Value `json:"properties,omitempty"`
	Provenance []Provenance     `json:"provenance,omitempty"`
}

// NewRelation creates a relation with a synthesised id.
func NewRelation(relationType, sourceID, targetID string) *Relation {
	return &Relation{
		ID:         uuid.New().String(),
		Type:       relationType,
		SourceID:   sourceID,
		TargetID:   targetID,
		Properties: make(map[string]Value),
	}
}

// Property returns the named property, or null when absent.
func (r *Relation) Property(key string) Value {
	if r.Properties == nil {
		return Null()
	}
	return r.Properties[key]
}

// SetProperty sets a property, allocating the map on first use.
func (r *Relation) SetProperty(key string, v Value) {
	if r.Properties == nil {
		r.Properties = make(map[string]Value)
	}
	r.Properties[key] = v
}

// MergeProperties merges props into the relation, later values winning.
func (r *Relation) MergeProperties(props map[string]Value) {
	for k, v := range props {
		r.SetProperty(k, v)
	}
}

// AddProvenance appends a provenance record.
func (r *Relation) AddProvenance(p Provenance) {
	r.Provenance = append(r.Provenance, p)
}

// Clone returns a copy with its own property map and provenance list.
func (r *Relation) Clone() *Relation {
	c := &Relation{
		ID:       r.ID,
		Type:     r.Type,
		SourceID: r.SourceID,
		TargetID: r.TargetID,
	}
	if r.Properties != nil {
		c.Properties = make(map[string]Value, len(r.Properties))
		for k, v := range r.Properties {
			c.Properties[k] = v
		}
	}
	if r.Provenance != nil {
		c.Provenance = append([]Provenance(nil), r.Provenance...)
	}
	return c
}
