// Package memory provides the in-memory GraphStore backend. It is the
// reference implementation: mutex-guarded maps with adjacency lists, plus
// the property storage optimiser (sparse storage, compression, property
// indexing).
//
// GetEntitiesByProperty is supported natively only for indexed keys; for
// unindexed keys it falls back to a full scan unless AllowScan is disabled,
// in which case it fails with an UnsupportedQuery error. Vectors are held
// as []float32 on the entity; the first embedding written fixes the
// dimension for the store and mismatched inserts are rejected.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"graphweave/internal/graph"
	"graphweave/internal/store"
	apperrors "graphweave/pkg/errors"
)

// Options configures the in-memory store and its property optimiser.
type Options struct {
	// Conflict selects the AddEntity collision policy. Default reject.
	Conflict store.ConflictPolicy

	// Sparse drops null-valued property keys on write.
	Sparse bool

	// CompressionThreshold compresses the property map of entities with more
	// than this many properties into an encoded blob on write. 0 disables.
	CompressionThreshold int

	// IndexedKeys are property keys maintained in an inverted
	// (value -> entity-id set) index.
	IndexedKeys []string

	// AllowScan permits O(N) GetEntitiesByProperty on unindexed keys.
	// When false such lookups fail with UnsupportedQuery.
	AllowScan bool
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		Conflict:  store.ConflictReject,
		AllowScan: true,
	}
}

// storedEntity is the persisted form of an entity. When the optimiser
// compressed the property map, blob holds it and Properties is nil.
type storedEntity struct {
	entity *graph.Entity
	blob   []byte
}

// Store is the in-memory GraphStore.
type Store struct {
	opts   Options
	logger *zap.Logger

	mu          sync.RWMutex
	initialized bool
	entities    map[string]*storedEntity
	relations   map[string]*graph.Relation
	byType      map[string]map[string]struct{}
	outgoing    map[string][]string // entity id -> relation ids
	incoming    map[string][]string
	// propIndex: key -> value key -> entity id set
	propIndex    map[string]map[string]map[string]struct{}
	embeddingDim int
}

// New creates an in-memory store. A nil logger is replaced with a nop.
func New(opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Conflict == "" {
		opts.Conflict = store.ConflictReject
	}
	return &Store{opts: opts, logger: logger}
}

// Initialize allocates the maps. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.entities = make(map[string]*storedEntity)
	s.relations = make(map[string]*graph.Relation)
	s.byType = make(map[string]map[string]struct{})
	s.outgoing = make(map[string][]string)
	s.incoming = make(map[string][]string)
	s.propIndex = make(map[string]map[string]map[string]struct{})
	for _, key := range s.opts.IndexedKeys {
		s.propIndex[key] = make(map[string]map[string]struct{})
	}
	s.initialized = true
	return nil
}

// Close drops all state. Idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.entities = nil
	s.relations = nil
	s.byType = nil
	s.outgoing = nil
	s.incoming = nil
	s.propIndex = nil
	s.embeddingDim = 0
	return nil
}

func (s *Store) checkInit() error {
	if !s.initialized {
		return apperrors.NewNotInitialized("memory store not initialized")
	}
	return nil
}

// AddEntity stores an entity. On id collision the configured conflict policy
// applies: reject with a DuplicateID error, or merge properties onto the
// stored entity.
func (s *Store) AddEntity(ctx context.Context, e *graph.Entity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEntityLocked(e)
}

// AddEntities stores entities as a bulk write. The write stops at the first
// failure and reports the ids stored so far alongside the error.
func (s *Store) AddEntities(ctx context.Context, entities []*graph.Entity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		id, err := s.addEntityLocked(e)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) addEntityLocked(e *graph.Entity) (string, error) {
	if err := s.checkInit(); err != nil {
		return "", err
	}
	if e.ID == "" {
		return "", apperrors.NewValidation("entity id must not be empty")
	}
	if len(e.Embedding) > 0 {
		if s.embeddingDim == 0 {
			s.embeddingDim = len(e.Embedding)
		} else if len(e.Embedding) != s.embeddingDim {
			return "", apperrors.NewValidation("embedding dimension mismatch")
		}
	}

	if existing, ok := s.entities[e.ID]; ok {
		if s.opts.Conflict == store.ConflictReject {
			return "", apperrors.NewDuplicateID("entity " + e.ID + " already exists")
		}
		return s.mergeEntityLocked(existing, e)
	}

	stored := e.Clone()
	if s.opts.Sparse {
		for k, v := range stored.Properties {
			if v.IsNull() {
				delete(stored.Properties, k)
			}
		}
	}
	rec := &storedEntity{entity: stored}
	s.indexEntityLocked(stored)
	if s.opts.CompressionThreshold > 0 && len(stored.Properties) > s.opts.CompressionThreshold {
		blob, err := compressProperties(stored.Properties)
		if err != nil {
			return "", apperrors.NewStorage("compress properties", err)
		}
		rec.blob = blob
		stored.Properties = nil
	}
	s.entities[e.ID] = rec
	if s.byType[e.Type] == nil {
		s.byType[e.Type] = make(map[string]struct{})
	}
	s.byType[e.Type][e.ID] = struct{}{}
	return e.ID, nil
}

func (s *Store) mergeEntityLocked(rec *storedEntity, incoming *graph.Entity) (string, error) {
	ent, err := s.materializeLocked(rec)
	if err != nil {
		return "", err
	}
	s.unindexEntityLocked(ent)
	props := incoming.Properties
	if s.opts.Sparse {
		props = make(map[string]graph.Value, len(incoming.Properties))
		for k, v := range incoming.Properties {
			if !v.IsNull() {
				props[k] = v
			}
		}
	}
	ent.MergeProperties(props)
	for _, p := range incoming.Provenance {
		ent.AddProvenance(p)
	}
	s.indexEntityLocked(ent)
	if s.opts.CompressionThreshold > 0 && len(ent.Properties) > s.opts.CompressionThreshold {
		blob, err := compressProperties(ent.Properties)
		if err != nil {
			return "", apperrors.NewStorage("compress properties", err)
		}
		rec.blob = blob
		rec.entity = ent
		ent.Properties = nil
	} else {
		rec.blob = nil
		rec.entity = ent
	}
	return ent.ID, nil
}

// materializeLocked returns the entity with its property map restored from
// the compressed blob when needed. The stored record is left untouched, so
// a compressed entity stays compressed across reads. Callers must clone
// before handing the result out.
func (s *Store) materializeLocked(rec *storedEntity) (*graph.Entity, error) {
	if rec.blob == nil {
		return rec.entity, nil
	}
	props, err := decompressProperties(rec.blob)
	if err != nil {
		return nil, apperrors.NewStorage("decompress properties", err)
	}
	ent := rec.entity.Clone()
	ent.Properties = props
	return ent, nil
}

// AddRelation stores a relation. Both endpoints must already exist.
func (s *Store) AddRelation(ctx context.Context, r *graph.Relation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRelationLocked(r)
}

// AddRelations stores relations as a bulk write.
func (s *Store) AddRelations(ctx context.Context, relations []*graph.Relation) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(relations))
	for _, r := range relations {
		id, err := s.addRelationLocked(r)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) addRelationLocked(r *graph.Relation) (string, error) {
	if err := s.checkInit(); err != nil {
		return "", err
	}
	if r.ID == "" {
		return "", apperrors.NewValidation("relation id must not be empty")
	}
	if _, ok := s.relations[r.ID]; ok {
		return "", apperrors.NewDuplicateID("relation " + r.ID + " already exists")
	}
	if _, ok := s.entities[r.SourceID]; !ok {
		return "", apperrors.NewNotFound("relation source entity " + r.SourceID + " not found")
	}
	if _, ok := s.entities[r.TargetID]; !ok {
		return "", apperrors.NewNotFound("relation target entity " + r.TargetID + " not found")
	}
	s.relations[r.ID] = r.Clone()
	s.outgoing[r.SourceID] = append(s.outgoing[r.SourceID], r.ID)
	s.incoming[r.TargetID] = append(s.incoming[r.TargetID], r.ID)
	return r.ID, nil
}

// GetEntity returns a copy of the entity, or a NotFound error.
func (s *Store) GetEntity(ctx context.Context, id string) (*graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	rec, ok := s.entities[id]
	if !ok {
		return nil, apperrors.NewNotFound("entity " + id + " not found")
	}
	ent, err := s.materializeLocked(rec)
	if err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

// GetRelation returns a copy of the relation, or a NotFound error.
func (s *Store) GetRelation(ctx context.Context, id string) (*graph.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	r, ok := s.relations[id]
	if !ok {
		return nil, apperrors.NewNotFound("relation " + id + " not found")
	}
	return r.Clone(), nil
}

// GetEntitiesByType returns copies of all entities of the given type.
func (s *Store) GetEntitiesByType(ctx context.Context, entityType string) ([]*graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	ids := s.byType[entityType]
	out := make([]*graph.Entity, 0, len(ids))
	for id := range ids {
		ent, err := s.materializeLocked(s.entities[id])
		if err != nil {
			return nil, err
		}
		out = append(out, ent.Clone())
	}
	return out, nil
}

// GetEntitiesByProperty returns entities whose property key equals value.
// Indexed keys answer in O(1 + hits); unindexed keys scan all entities when
// AllowScan is set and fail with UnsupportedQuery otherwise.
func (s *Store) GetEntitiesByProperty(ctx context.Context, key string, value graph.Value) ([]*graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	if idx, ok := s.propIndex[key]; ok {
		ids := idx[value.Key()]
		out := make([]*graph.Entity, 0, len(ids))
		for id := range ids {
			ent, err := s.materializeLocked(s.entities[id])
			if err != nil {
				return nil, err
			}
			out = append(out, ent.Clone())
		}
		return out, nil
	}
	if !s.opts.AllowScan {
		return nil, apperrors.NewUnsupportedQuery("no index for property " + key)
	}
	var out []*graph.Entity
	for _, rec := range s.entities {
		ent, err := s.materializeLocked(rec)
		if err != nil {
			return nil, err
		}
		if v, ok := ent.Properties[key]; ok && v.Equal(value) {
			out = append(out, ent.Clone())
		}
	}
	return out, nil
}

// UpdateEntityProperties merges props onto an existing entity.
func (s *Store) UpdateEntityProperties(ctx context.Context, id string, props map[string]graph.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInit(); err != nil {
		return err
	}
	rec, ok := s.entities[id]
	if !ok {
		return apperrors.NewNotFound("entity " + id + " not found")
	}
	_, err := s.mergeEntityLocked(rec, &graph.Entity{ID: id, Properties: props})
	return err
}

// GetNeighbors returns entities connected to id through relations of the
// given type (or any type when relationType is empty).
func (s *Store) GetNeighbors(ctx context.Context, id string, relationType string, direction store.Direction) ([]*graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	if _, ok := s.entities[id]; !ok {
		return nil, apperrors.NewNotFound("entity " + id + " not found")
	}
	seen := make(map[string]struct{})
	var out []*graph.Entity
	collect := func(relIDs []string, pickTarget bool) error {
		for _, rid := range relIDs {
			r := s.relations[rid]
			if relationType != "" && r.Type != relationType {
				continue
			}
			other := r.SourceID
			if pickTarget {
				other = r.TargetID
			}
			if _, dup := seen[other]; dup {
				continue
			}
			seen[other] = struct{}{}
			ent, err := s.materializeLocked(s.entities[other])
			if err != nil {
				return err
			}
			out = append(out, ent.Clone())
		}
		return nil
	}
	if direction == store.DirectionOutgoing || direction == store.DirectionBoth {
		if err := collect(s.outgoing[id], true); err != nil {
			return nil, err
		}
	}
	if direction == store.DirectionIncoming || direction == store.DirectionBoth {
		if err := collect(s.incoming[id], false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetRelationsByEntity returns relations whose source is srcID, optionally
// restricted to a target.
func (s *Store) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graph.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	var out []*graph.Relation
	for _, rid := range s.outgoing[srcID] {
		r := s.relations[rid]
		if dstID != "" && r.TargetID != dstID {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

// Stats returns entity and relation counts.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	st := &store.Stats{
		EntityCount:     len(s.entities),
		RelationCount:   len(s.relations),
		EntitiesByType:  make(map[string]int, len(s.byType)),
		RelationsByType: make(map[string]int),
	}
	for t, ids := range s.byType {
		st.EntitiesByType[t] = len(ids)
	}
	for _, r := range s.relations {
		st.RelationsByType[r.Type]++
	}
	return st, nil
}
