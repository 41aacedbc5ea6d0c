// Package badger implements the graph store on BadgerDB. Entities and
// relations serialise to JSON under prefixed keys; type membership and
// adjacency are key-only index entries scanned by prefix.
//
// Key layout:
//
//	e:<id>            entity JSON
//	r:<id>            relation JSON
//	t:<type>:<id>     type index
//	out:<src>:<rid>   outgoing adjacency
//	in:<dst>:<rid>    incoming adjacency
//	m:dim             embedding dimension, fixed by the first vector
//
// GetEntitiesByProperty is answered by a full entity scan; callers that
// need indexed property lookups use the memory or postgres backends.
package badger

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"graphweave/internal/graph"
	"graphweave/internal/store"
	apperrors "graphweave/pkg/errors"
)

const (
	entityPrefix   = "e:"
	relationPrefix = "r:"
	typePrefix     = "t:"
	outPrefix      = "out:"
	inPrefix       = "in:"
	dimKey         = "m:dim"
)

// Options parameterise the badger backend.
type Options struct {
	// Path is the data directory.
	Path string
	// Conflict decides what an id collision on AddEntity does.
	Conflict store.ConflictPolicy
	// Sparse drops null-valued properties at write time.
	Sparse bool
	// InMemory runs badger without files (tests).
	InMemory bool
}

// Store is a BadgerDB-backed GraphStore.
type Store struct {
	opts   Options
	logger *zap.Logger

	mu sync.Mutex
	db *badgerdb.DB
}

// New creates an unopened store; Initialize opens the database.
func New(opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Conflict == "" {
		opts.Conflict = store.ConflictReject
	}
	return &Store{opts: opts, logger: logger}
}

// Initialize opens the database. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	bopts := badgerdb.DefaultOptions(s.opts.Path)
	bopts.Logger = nil
	if s.opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badgerdb.Open(bopts)
	if err != nil {
		return apperrors.NewStorage("opening badger at "+s.opts.Path, err)
	}
	s.db = db
	s.logger.Info("badger store opened", zap.String("path", s.opts.Path))
	return nil
}

// Close closes the database. Idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return apperrors.NewStorage("closing badger", err)
	}
	return nil
}

func (s *Store) database() (*badgerdb.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, apperrors.NewNotInitialized("badger store is not initialized")
	}
	return s.db, nil
}

// AddEntity persists one entity. An existing id is a DuplicateID error
// under the reject policy and a property merge under merge.
func (s *Store) AddEntity(ctx context.Context, e *graph.Entity) (string, error) {
	db, err := s.database()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", apperrors.NewCancelled("add entity")
	}
	err = db.Update(func(txn *badgerdb.Txn) error {
		return s.putEntity(txn, e)
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// AddEntities persists entities in one transaction; any failure rolls the
// batch back.
func (s *Store) AddEntities(ctx context.Context, entities []*graph.Entity) ([]string, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCancelled("add entities")
	}
	ids := make([]string, 0, len(entities))
	err = db.Update(func(txn *badgerdb.Txn) error {
		for _, e := range entities {
			if err := s.putEntity(txn, e); err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) putEntity(txn *badgerdb.Txn, e *graph.Entity) error {
	if e.ID == "" {
		return apperrors.NewValidation("entity id is empty")
	}
	key := []byte(entityPrefix + e.ID)
	existing, err := txn.Get(key)
	if err == nil {
		if s.opts.Conflict == store.ConflictReject {
			return apperrors.NewDuplicateID("entity " + e.ID + " already exists")
		}
		var kept graph.Entity
		if verr := existing.Value(func(val []byte) error {
			return json.Unmarshal(val, &kept)
		}); verr != nil {
			return apperrors.NewStorage("decoding entity "+e.ID, verr)
		}
		kept.MergeProperties(e.Properties)
		for _, prov := range e.Provenance {
			kept.AddProvenance(prov)
		}
		if kept.Embedding == nil {
			kept.Embedding = e.Embedding
		}
		return s.writeEntity(txn, &kept)
	}
	if err != badgerdb.ErrKeyNotFound {
		return apperrors.NewStorage("reading entity "+e.ID, err)
	}
	if err := s.checkDimension(txn, e); err != nil {
		return err
	}
	return s.writeEntity(txn, e)
}

func (s *Store) writeEntity(txn *badgerdb.Txn, e *graph.Entity) error {
	out := e
	if s.opts.Sparse {
		out = e.Clone()
		for k, v := range out.Properties {
			if v.IsNull() {
				delete(out.Properties, k)
			}
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return apperrors.NewStorage("encoding entity "+e.ID, err)
	}
	if err := txn.Set([]byte(entityPrefix+e.ID), data); err != nil {
		return apperrors.NewStorage("writing entity "+e.ID, err)
	}
	if err := txn.Set([]byte(typePrefix+e.Type+":"+e.ID), nil); err != nil {
		return apperrors.NewStorage("indexing entity "+e.ID, err)
	}
	return nil
}

// checkDimension fixes the graph's embedding dimension at the first
// embedded insert and rejects mismatches after that.
func (s *Store) checkDimension(txn *badgerdb.Txn, e *graph.Entity) error {
	if len(e.Embedding) == 0 {
		return nil
	}
	item, err := txn.Get([]byte(dimKey))
	if err == badgerdb.ErrKeyNotFound {
		return txn.Set([]byte(dimKey), []byte(strconv.Itoa(len(e.Embedding))))
	}
	if err != nil {
		return apperrors.NewStorage("reading embedding dimension", err)
	}
	var dim int
	if verr := item.Value(func(val []byte) error {
		dim, err = strconv.Atoi(string(val))
		return err
	}); verr != nil {
		return apperrors.NewStorage("decoding embedding dimension", verr)
	}
	if dim != len(e.Embedding) {
		return apperrors.NewValidation("embedding dimension mismatch: store has " +
			strconv.Itoa(dim) + ", entity " + e.ID + " has " + strconv.Itoa(len(e.Embedding)))
	}
	return nil
}

// AddRelation persists one relation. Both endpoints must exist.
func (s *Store) AddRelation(ctx context.Context, r *graph.Relation) (string, error) {
	db, err := s.database()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", apperrors.NewCancelled("add relation")
	}
	err = db.Update(func(txn *badgerdb.Txn) error {
		return s.putRelation(txn, r)
	})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// AddRelations persists relations in one transaction.
func (s *Store) AddRelations(ctx context.Context, relations []*graph.Relation) ([]string, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCancelled("add relations")
	}
	ids := make([]string, 0, len(relations))
	err = db.Update(func(txn *badgerdb.Txn) error {
		for _, r := range relations {
			if err := s.putRelation(txn, r); err != nil {
				return err
			}
			ids = append(ids, r.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) putRelation(txn *badgerdb.Txn, r *graph.Relation) error {
	if r.ID == "" {
		return apperrors.NewValidation("relation id is empty")
	}
	if _, err := txn.Get([]byte(relationPrefix + r.ID)); err == nil {
		return apperrors.NewDuplicateID("relation " + r.ID + " already exists")
	} else if err != badgerdb.ErrKeyNotFound {
		return apperrors.NewStorage("reading relation "+r.ID, err)
	}
	for _, endpoint := range []string{r.SourceID, r.TargetID} {
		if _, err := txn.Get([]byte(entityPrefix + endpoint)); err == badgerdb.ErrKeyNotFound {
			return apperrors.NewNotFound("relation " + r.ID + " endpoint " + endpoint + " does not exist")
		} else if err != nil {
			return apperrors.NewStorage("reading endpoint "+endpoint, err)
		}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return apperrors.NewStorage("encoding relation "+r.ID, err)
	}
	if err := txn.Set([]byte(relationPrefix+r.ID), data); err != nil {
		return apperrors.NewStorage("writing relation "+r.ID, err)
	}
	if err := txn.Set([]byte(outPrefix+r.SourceID+":"+r.ID), nil); err != nil {
		return apperrors.NewStorage("indexing relation "+r.ID, err)
	}
	if err := txn.Set([]byte(inPrefix+r.TargetID+":"+r.ID), nil); err != nil {
		return apperrors.NewStorage("indexing relation "+r.ID, err)
	}
	return nil
}

// GetEntity returns the entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*graph.Entity, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	var e graph.Entity
	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(entityPrefix + id))
		if err == badgerdb.ErrKeyNotFound {
			return apperrors.NewNotFound("entity " + id + " not found")
		}
		if err != nil {
			return apperrors.NewStorage("reading entity "+id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetRelation returns the relation by id.
func (s *Store) GetRelation(ctx context.Context, id string) (*graph.Relation, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	var r graph.Relation
	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(relationPrefix + id))
		if err == badgerdb.ErrKeyNotFound {
			return apperrors.NewNotFound("relation " + id + " not found")
		}
		if err != nil {
			return apperrors.NewStorage("reading relation "+id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetEntitiesByType returns every entity of the type via the type index.
func (s *Store) GetEntitiesByType(ctx context.Context, entityType string) ([]*graph.Entity, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	prefix := []byte(typePrefix + entityType + ":")
	var out []*graph.Entity
	err = db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get([]byte(entityPrefix + id))
			if err != nil {
				return apperrors.NewStorage("reading entity "+id, err)
			}
			var e graph.Entity
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return apperrors.NewStorage("decoding entity "+id, err)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetEntitiesByProperty scans every entity for an exact property match.
func (s *Store) GetEntitiesByProperty(ctx context.Context, key string, value graph.Value) ([]*graph.Entity, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	prefix := []byte(entityPrefix)
	var out []*graph.Entity
	err = db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e graph.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return apperrors.NewStorage("decoding entity", err)
			}
			if e.Property(key).Equal(value) {
				out = append(out, &e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateEntityProperties merges props onto the stored entity.
func (s *Store) UpdateEntityProperties(ctx context.Context, id string, props map[string]graph.Value) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(entityPrefix + id))
		if err == badgerdb.ErrKeyNotFound {
			return apperrors.NewNotFound("entity " + id + " not found")
		}
		if err != nil {
			return apperrors.NewStorage("reading entity "+id, err)
		}
		var e graph.Entity
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return apperrors.NewStorage("decoding entity "+id, err)
		}
		e.MergeProperties(props)
		return s.writeEntity(txn, &e)
	})
}

// GetNeighbors returns the entities adjacent to id, optionally filtered by
// relation type.
func (s *Store) GetNeighbors(ctx context.Context, id string, relationType string, direction store.Direction) ([]*graph.Entity, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	var prefixes [][]byte
	switch direction {
	case store.DirectionOutgoing:
		prefixes = [][]byte{[]byte(outPrefix + id + ":")}
	case store.DirectionIncoming:
		prefixes = [][]byte{[]byte(inPrefix + id + ":")}
	default:
		prefixes = [][]byte{[]byte(outPrefix + id + ":"), []byte(inPrefix + id + ":")}
	}

	seen := make(map[string]struct{})
	var out []*graph.Entity
	err = db.View(func(txn *badgerdb.Txn) error {
		for _, prefix := range prefixes {
			it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
			for it.Rewind(); it.Valid(); it.Next() {
				relID := string(it.Item().Key()[len(prefix):])
				rel, err := getRelationTxn(txn, relID)
				if err != nil {
					it.Close()
					return err
				}
				if relationType != "" && rel.Type != relationType {
					continue
				}
				otherID := rel.TargetID
				if rel.TargetID == id {
					otherID = rel.SourceID
				}
				if _, dup := seen[otherID]; dup {
					continue
				}
				seen[otherID] = struct{}{}
				item, err := txn.Get([]byte(entityPrefix + otherID))
				if err != nil {
					it.Close()
					return apperrors.NewStorage("reading entity "+otherID, err)
				}
				var e graph.Entity
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &e)
				}); err != nil {
					it.Close()
					return apperrors.NewStorage("decoding entity "+otherID, err)
				}
				out = append(out, &e)
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRelationsByEntity returns relations whose source is srcID, optionally
// restricted to target dstID.
func (s *Store) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graph.Relation, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	prefix := []byte(outPrefix + srcID + ":")
	var out []*graph.Relation
	err = db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			relID := string(it.Item().Key()[len(prefix):])
			rel, err := getRelationTxn(txn, relID)
			if err != nil {
				return err
			}
			if dstID != "" && rel.TargetID != dstID {
				continue
			}
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats counts entities and relations by prefix scan.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	stats := &store.Stats{EntitiesByType: make(map[string]int)}
	err = db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: []byte(typePrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := key[len(typePrefix):]
			for i := len(rest) - 1; i >= 0; i-- {
				if rest[i] == ':' {
					stats.EntitiesByType[rest[:i]]++
					break
				}
			}
			stats.EntityCount++
		}
		rit := txn.NewIterator(badgerdb.IteratorOptions{Prefix: []byte(relationPrefix)})
		defer rit.Close()
		for rit.Rewind(); rit.Valid(); rit.Next() {
			stats.RelationCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func getRelationTxn(txn *badgerdb.Txn, id string) (*graph.Relation, error) {
	item, err := txn.Get([]byte(relationPrefix + id))
	if err != nil {
		return nil, apperrors.NewStorage("reading relation "+id, err)
	}
	var r graph.Relation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return nil, apperrors.NewStorage("decoding relation "+id, err)
	}
	return &r, nil
}
