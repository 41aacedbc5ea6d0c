// Package store defines the GraphStore interface consumed by the pipelines
// and a resilience decorator shared by all backends. Concrete backends live
// in the memory, badger and postgres subpackages.
package store

import (
	"context"

	"graphweave/internal/graph"
)

// Direction selects which edges GetNeighbors follows.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionBoth     Direction = "both"
)

// Stats summarises store contents.
type Stats struct {
	EntityCount     int            `json:"entity_count"`
	RelationCount   int            `json:"relation_count"`
	EntitiesByType  map[string]int `json:"entities_by_type,omitempty"`
	RelationsByType map[string]int `json:"relations_by_type,omitempty"`
}

// GraphStore is the storage contract the pipelines write against.
//
// Guarantees required of implementations: linearisable with respect to a
// single caller; concurrent readers are safe; writers are serialised by the
// pipeline, not the store. No cross-operation transactionality is assumed;
// the structured pipeline provides batch atomicity semantics above this
// layer.
//
// GetEntitiesByProperty may fail with an UnsupportedQuery error when the
// backend has no index for the key. Implementations must document whether
// they support it natively and how they represent vectors.
type GraphStore interface {
	// Initialize acquires backend resources. Idempotent.
	Initialize(ctx context.Context) error
	// Close releases backend resources. Idempotent.
	Close(ctx context.Context) error

	AddEntity(ctx context.Context, e *graph.Entity) (string, error)
	AddEntities(ctx context.Context, entities []*graph.Entity) ([]string, error)
	AddRelation(ctx context.Context, r *graph.Relation) (string, error)
	AddRelations(ctx context.Context, relations []*graph.Relation) ([]string, error)

	GetEntity(ctx context.Context, id string) (*graph.Entity, error)
	GetRelation(ctx context.Context, id string) (*graph.Relation, error)
	GetEntitiesByType(ctx context.Context, entityType string) ([]*graph.Entity, error)
	GetEntitiesByProperty(ctx context.Context, key string, value graph.Value) ([]*graph.Entity, error)

	// UpdateEntityProperties merges props onto an existing entity, later
	// values winning. Fails with NotFound when the entity does not exist.
	UpdateEntityProperties(ctx context.Context, id string, props map[string]graph.Value) error

	// GetNeighbors returns entities connected to id. relationType "" matches
	// all relation types.
	GetNeighbors(ctx context.Context, id string, relationType string, direction Direction) ([]*graph.Entity, error)
	// GetRelationsByEntity returns relations whose source is srcID; dstID ""
	// matches all targets.
	GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graph.Relation, error)

	Stats(ctx context.Context) (*Stats, error)
}

// ConflictPolicy controls what AddEntity does when the id already exists.
type ConflictPolicy string

const (
	// ConflictReject fails the add with a DuplicateID error.
	ConflictReject ConflictPolicy = "reject"
	// ConflictMerge merges the incoming properties onto the stored entity.
	ConflictMerge ConflictPolicy = "merge"
)
