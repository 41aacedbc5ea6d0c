// Package postgres implements the graph store on PostgreSQL. Properties
// are JSONB, embeddings are pgvector columns, and endpoint integrity is
// enforced by foreign keys. GetEntitiesByProperty is answered natively by
// a JSONB containment query over a GIN index.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"graphweave/internal/graph"
	"graphweave/internal/store"
	apperrors "graphweave/pkg/errors"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Options parameterise the postgres backend.
type Options struct {
	DSN string
	// Dimension sizes the embedding column. Zero disables embeddings.
	Dimension int
	// Conflict decides what an id collision on AddEntity does.
	Conflict store.ConflictPolicy
}

// Store is a PostgreSQL-backed GraphStore.
type Store struct {
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// New creates an unconnected store; Initialize connects and migrates.
func New(opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Conflict == "" {
		opts.Conflict = store.ConflictReject
	}
	return &Store{opts: opts, logger: logger}
}

// Initialize connects the pool and creates the schema. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}
	cfg, err := pgxpool.ParseConfig(s.opts.DSN)
	if err != nil {
		return apperrors.NewConfiguration("invalid postgres dsn: " + err.Error())
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return apperrors.NewStorage("connecting to postgres", err)
	}
	if err := s.migrate(ctx, pool); err != nil {
		pool.Close()
		return err
	}
	s.pool = pool
	s.logger.Info("postgres store connected")
	return nil
}

func (s *Store) migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS graph_entities (
			id          TEXT        PRIMARY KEY,
			type        TEXT        NOT NULL,
			properties  JSONB       NOT NULL DEFAULT '{}',
			embedding   vector(%d),
			provenance  JSONB       NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimension()),
		`CREATE INDEX IF NOT EXISTS idx_graph_entities_type ON graph_entities (type)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_entities_props ON graph_entities USING GIN (properties)`,
		`CREATE TABLE IF NOT EXISTS graph_relations (
			id          TEXT        PRIMARY KEY,
			type        TEXT        NOT NULL,
			source_id   TEXT        NOT NULL REFERENCES graph_entities(id) ON DELETE CASCADE,
			target_id   TEXT        NOT NULL REFERENCES graph_entities(id) ON DELETE CASCADE,
			properties  JSONB       NOT NULL DEFAULT '{}',
			provenance  JSONB       NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_relations_source ON graph_relations (source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_relations_target ON graph_relations (target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_relations_type ON graph_relations (type)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return apperrors.NewStorage("migrating schema", err)
		}
	}
	return nil
}

func (s *Store) dimension() int {
	if s.opts.Dimension <= 0 {
		return 1536
	}
	return s.opts.Dimension
}

// Close releases the pool. Idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	s.pool.Close()
	s.pool = nil
	return nil
}

func (s *Store) conn() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, apperrors.NewNotInitialized("postgres store is not initialized")
	}
	return s.pool, nil
}

// AddEntity inserts one entity. Under the merge policy an id collision
// merges properties with the jsonb || operator.
func (s *Store) AddEntity(ctx context.Context, e *graph.Entity) (string, error) {
	pool, err := s.conn()
	if err != nil {
		return "", err
	}
	if err := s.insertEntity(ctx, pool, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) insertEntity(ctx context.Context, db execer, e *graph.Entity) error {
	if e.ID == "" {
		return apperrors.NewValidation("entity id is empty")
	}
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return apperrors.NewStorage("encoding properties of "+e.ID, err)
	}
	prov, err := json.Marshal(e.Provenance)
	if err != nil {
		return apperrors.NewStorage("encoding provenance of "+e.ID, err)
	}
	var embedding any
	if len(e.Embedding) > 0 {
		if len(e.Embedding) != s.dimension() {
			return apperrors.NewValidation(fmt.Sprintf(
				"embedding dimension mismatch: store has %d, entity %s has %d",
				s.dimension(), e.ID, len(e.Embedding)))
		}
		embedding = pgvector.NewVector(e.Embedding)
	}

	q := `
		INSERT INTO graph_entities (id, type, properties, embedding, provenance)
		VALUES ($1, $2, $3, $4, $5)`
	if s.opts.Conflict == store.ConflictMerge {
		q += `
		ON CONFLICT (id) DO UPDATE SET
		    properties = graph_entities.properties || EXCLUDED.properties,
		    embedding  = COALESCE(graph_entities.embedding, EXCLUDED.embedding),
		    provenance = graph_entities.provenance || EXCLUDED.provenance,
		    updated_at = now()`
	}
	_, err = db.Exec(ctx, q, e.ID, e.Type, props, embedding, prov)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperrors.NewDuplicateID("entity " + e.ID + " already exists")
		}
		return apperrors.NewStorage("inserting entity "+e.ID, err)
	}
	return nil
}

// AddEntities inserts entities in one transaction.
func (s *Store) AddEntities(ctx context.Context, entities []*graph.Entity) ([]string, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewStorage("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		if err := s.insertEntity(ctx, tx, e); err != nil {
			return nil, err
		}
		ids = append(ids, e.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewStorage("committing entities", err)
	}
	return ids, nil
}

// AddRelation inserts one relation. Missing endpoints surface as NotFound
// through the foreign key constraints.
func (s *Store) AddRelation(ctx context.Context, r *graph.Relation) (string, error) {
	pool, err := s.conn()
	if err != nil {
		return "", err
	}
	if err := insertRelation(ctx, pool, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// AddRelations inserts relations in one transaction.
func (s *Store) AddRelations(ctx context.Context, relations []*graph.Relation) ([]string, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewStorage("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(relations))
	for _, r := range relations {
		if err := insertRelation(ctx, tx, r); err != nil {
			return nil, err
		}
		ids = append(ids, r.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewStorage("committing relations", err)
	}
	return ids, nil
}

func insertRelation(ctx context.Context, db execer, r *graph.Relation) error {
	if r.ID == "" {
		return apperrors.NewValidation("relation id is empty")
	}
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return apperrors.NewStorage("encoding properties of "+r.ID, err)
	}
	prov, err := json.Marshal(r.Provenance)
	if err != nil {
		return apperrors.NewStorage("encoding provenance of "+r.ID, err)
	}
	const q = `
		INSERT INTO graph_relations (id, type, source_id, target_id, properties, provenance)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = db.Exec(ctx, q, r.ID, r.Type, r.SourceID, r.TargetID, props, prov)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return apperrors.NewDuplicateID("relation " + r.ID + " already exists")
			case pgForeignKeyViolation:
				return apperrors.NewNotFound("relation " + r.ID + " references a missing endpoint")
			}
		}
		return apperrors.NewStorage("inserting relation "+r.ID, err)
	}
	return nil
}

const entityColumns = `id, type, properties, embedding, provenance`

// GetEntity returns the entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*graph.Entity, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM graph_entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("entity " + id + " not found")
	}
	if err != nil {
		return nil, apperrors.NewStorage("reading entity "+id, err)
	}
	return e, nil
}

// GetRelation returns the relation by id.
func (s *Store) GetRelation(ctx context.Context, id string) (*graph.Relation, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := pool.QueryRow(ctx,
		`SELECT id, type, source_id, target_id, properties, provenance FROM graph_relations WHERE id = $1`, id)
	r, err := scanRelation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("relation " + id + " not found")
	}
	if err != nil {
		return nil, apperrors.NewStorage("reading relation "+id, err)
	}
	return r, nil
}

// GetEntitiesByType returns every entity of the type.
func (s *Store) GetEntitiesByType(ctx context.Context, entityType string) ([]*graph.Entity, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT `+entityColumns+` FROM graph_entities WHERE type = $1 ORDER BY id`, entityType)
	if err != nil {
		return nil, apperrors.NewStorage("querying entities by type", err)
	}
	return collectEntities(rows)
}

// GetEntitiesByProperty answers natively with a JSONB containment query.
func (s *Store) GetEntitiesByProperty(ctx context.Context, key string, value graph.Value) ([]*graph.Entity, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(map[string]graph.Value{key: value})
	if err != nil {
		return nil, apperrors.NewStorage("encoding property query", err)
	}
	rows, err := pool.Query(ctx,
		`SELECT `+entityColumns+` FROM graph_entities WHERE properties @> $1::jsonb ORDER BY id`, encoded)
	if err != nil {
		return nil, apperrors.NewStorage("querying entities by property", err)
	}
	return collectEntities(rows)
}

// UpdateEntityProperties merges props with the jsonb || operator.
func (s *Store) UpdateEntityProperties(ctx context.Context, id string, props map[string]graph.Value) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(props)
	if err != nil {
		return apperrors.NewStorage("encoding properties of "+id, err)
	}
	tag, err := pool.Exec(ctx, `
		UPDATE graph_entities
		SET    properties = properties || $2::jsonb, updated_at = now()
		WHERE  id = $1`, id, encoded)
	if err != nil {
		return apperrors.NewStorage("updating entity "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("entity " + id + " not found")
	}
	return nil
}

// GetNeighbors returns entities adjacent to id.
func (s *Store) GetNeighbors(ctx context.Context, id string, relationType string, direction store.Direction) ([]*graph.Entity, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}

	var q string
	switch direction {
	case store.DirectionOutgoing:
		q = `SELECT DISTINCT e.id, e.type, e.properties, e.embedding, e.provenance
		     FROM graph_relations r JOIN graph_entities e ON e.id = r.target_id
		     WHERE r.source_id = $1 AND ($2 = '' OR r.type = $2) ORDER BY e.id`
	case store.DirectionIncoming:
		q = `SELECT DISTINCT e.id, e.type, e.properties, e.embedding, e.provenance
		     FROM graph_relations r JOIN graph_entities e ON e.id = r.source_id
		     WHERE r.target_id = $1 AND ($2 = '' OR r.type = $2) ORDER BY e.id`
	default:
		q = `SELECT DISTINCT e.id, e.type, e.properties, e.embedding, e.provenance
		     FROM graph_relations r
		     JOIN graph_entities e
		       ON e.id = CASE WHEN r.source_id = $1 THEN r.target_id ELSE r.source_id END
		     WHERE (r.source_id = $1 OR r.target_id = $1) AND ($2 = '' OR r.type = $2)
		     ORDER BY e.id`
	}
	rows, err := pool.Query(ctx, q, id, relationType)
	if err != nil {
		return nil, apperrors.NewStorage("querying neighbors of "+id, err)
	}
	return collectEntities(rows)
}

// GetRelationsByEntity returns relations from srcID, optionally to dstID.
func (s *Store) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graph.Relation, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT id, type, source_id, target_id, properties, provenance
		FROM   graph_relations
		WHERE  source_id = $1 AND ($2 = '' OR target_id = $2)
		ORDER BY id`, srcID, dstID)
	if err != nil {
		return nil, apperrors.NewStorage("querying relations of "+srcID, err)
	}
	defer rows.Close()
	var out []*graph.Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, apperrors.NewStorage("decoding relation", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats counts entities and relations.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	stats := &store.Stats{EntitiesByType: make(map[string]int), RelationsByType: make(map[string]int)}
	rows, err := pool.Query(ctx, `SELECT type, count(*) FROM graph_entities GROUP BY type`)
	if err != nil {
		return nil, apperrors.NewStorage("counting entities", err)
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, apperrors.NewStorage("counting entities", err)
		}
		stats.EntitiesByType[t] = n
		stats.EntityCount += n
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT type, count(*) FROM graph_relations GROUP BY type`)
	if err != nil {
		return nil, apperrors.NewStorage("counting relations", err)
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, apperrors.NewStorage("counting relations", err)
		}
		stats.RelationsByType[t] = n
		stats.RelationCount += n
	}
	rows.Close()
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*graph.Entity, error) {
	var (
		e         graph.Entity
		props     []byte
		prov      []byte
		embedding *pgvector.Vector
	)
	if err := row.Scan(&e.ID, &e.Type, &props, &embedding, &prov); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(props, &e.Properties); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(prov, &e.Provenance); err != nil {
		return nil, err
	}
	if embedding != nil {
		e.Embedding = embedding.Slice()
	}
	return &e, nil
}

func scanRelation(row rowScanner) (*graph.Relation, error) {
	var (
		r     graph.Relation
		props []byte
		prov  []byte
	)
	if err := row.Scan(&r.ID, &r.Type, &r.SourceID, &r.TargetID, &props, &prov); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(props, &r.Properties); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(prov, &r.Provenance); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectEntities(rows pgx.Rows) ([]*graph.Entity, error) {
	defer rows.Close()
	var out []*graph.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperrors.NewStorage("decoding entity", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
