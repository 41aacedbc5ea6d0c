// Package builder orchestrates the text side of graph construction: one
// GraphBuilder run takes a unit of text through extraction, fusion and
// persistence; DocumentBuilder fans a chunked document out over it.
package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphweave/internal/extract"
	"graphweave/internal/fusion"
	"graphweave/internal/graph"
	"graphweave/internal/store"
	apperrors "graphweave/pkg/errors"
	"graphweave/pkg/observability"
)

// Progress checkpoints fired during a build. Callback failures are logged
// and never propagate.
const (
	StageExtractDone  = "extract_done"
	StageDedupeDone   = "dedupe_done"
	StageLinkDone     = "link_done"
	StageValidateDone = "validate_done"
	StagePersistDone  = "persist_done"
)

// ProgressFunc receives checkpoint notifications.
type ProgressFunc func(stage string)

// BuildResult summarises one text unit's build.
type BuildResult struct {
	Success               bool
	EntitiesAdded         int
	RelationsAdded        int
	EntitiesLinked        int
	EntitiesDeduplicated  int
	RelationsDeduplicated int
	Warnings              []string
	Errors                []string
	Duration              time.Duration
}

// Config wires a GraphBuilder.
type Config struct {
	Store             store.GraphStore
	EntityExtractor   extract.EntityExtractor
	RelationExtractor extract.RelationExtractor
	// Embedder is optional; when set, new entities get embeddings.
	Embedder extract.EmbeddingProvider
	// Schema enables relation validation when non-nil.
	Schema *graph.Schema

	Deduplicate bool
	Link        bool
	Dedup       fusion.DeduplicatorConfig
	Linker      fusion.LinkerConfig

	Progress ProgressFunc
	Metrics  *observability.Collector
	Logger   *zap.Logger
}

// GraphBuilder runs the extract, fuse, persist sequence for text units.
type GraphBuilder struct {
	cfg       Config
	dedup     *fusion.Deduplicator
	linker    *fusion.Linker
	relDedup  *fusion.RelationDeduplicator
	validator *fusion.RelationValidator
	logger    *zap.Logger
}

// New creates a GraphBuilder. Store and both extractors are required.
func New(cfg Config) (*GraphBuilder, error) {
	if cfg.Store == nil {
		return nil, apperrors.NewConfiguration("graph builder requires a store")
	}
	if cfg.EntityExtractor == nil || cfg.RelationExtractor == nil {
		return nil, apperrors.NewConfiguration("graph builder requires entity and relation extractors")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &GraphBuilder{
		cfg:      cfg,
		relDedup: fusion.NewRelationDeduplicator(logger),
		logger:   logger,
	}
	if cfg.Deduplicate {
		b.dedup = fusion.NewDeduplicator(cfg.Dedup, logger)
	}
	if cfg.Link {
		b.linker = fusion.NewLinker(cfg.Store, cfg.Linker, logger)
	}
	if cfg.Schema != nil {
		b.validator = fusion.NewRelationValidator(cfg.Schema, logger)
	}
	return b, nil
}

// BuildFromText runs the full sequence for one unit of text. Extraction
// failure aborts the unit; individual persistence failures are counted and
// the remaining writes continue unless the store signals a fatal error.
// Cancellation between steps returns the partial result with Success false.
func (b *GraphBuilder) BuildFromText(ctx context.Context, text, source string, metadata map[string]string, entityTypes, relationTypes []string) *BuildResult {
	start := time.Now()
	res := &BuildResult{}
	defer func() {
		res.Duration = time.Since(start)
		res.Success = len(res.Errors) == 0
	}()

	ctx, span := observability.Tracer().Start(ctx, "builder.build_from_text")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.Int("text_len", len(text)))

	candidates, err := b.cfg.EntityExtractor.ExtractEntities(ctx, text, entityTypes)
	if err != nil {
		res.Errors = append(res.Errors, apperrors.NewExtraction("entity extraction failed", err).Error())
		return res
	}
	for _, ent := range candidates {
		if ent.ID == "" {
			ent.ID = uuid.New().String()
		}
	}
	b.progress(StageExtractDone)

	if len(candidates) == 0 {
		res.Warnings = append(res.Warnings, "no entities extracted")
		return res
	}
	if b.cancelled(ctx, res) {
		return res
	}

	if b.dedup != nil {
		var merged int
		candidates, merged = b.dedup.Dedupe(candidates)
		res.EntitiesDeduplicated = merged
	}
	b.progress(StageDedupeDone)
	if b.cancelled(ctx, res) {
		return res
	}

	// Linking splits candidates into inserts and merges onto existing
	// entities; the unified set drives relation extraction so endpoints
	// reference ids that will exist after persistence.
	var newEntities []*graph.Entity
	var linked []fusion.LinkResult
	unified := make([]*graph.Entity, 0, len(candidates))
	if b.linker != nil {
		results, err := b.linker.Link(ctx, candidates)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		for _, lr := range results {
			if lr.Linked {
				linked = append(linked, lr)
				unified = append(unified, lr.Existing)
			} else {
				newEntities = append(newEntities, lr.Candidate)
				unified = append(unified, lr.Candidate)
			}
		}
		res.EntitiesLinked = len(linked)
	} else {
		newEntities = candidates
		unified = candidates
	}
	b.progress(StageLinkDone)
	if b.cancelled(ctx, res) {
		return res
	}

	// Linking can map several candidates onto one existing entity, so the
	// unified slice may hold the same id more than once.
	uniqueEndpoints := make(map[string]struct{}, len(unified))
	for _, ent := range unified {
		uniqueEndpoints[ent.ID] = struct{}{}
	}

	var relations []*graph.Relation
	if len(uniqueEndpoints) < 2 {
		res.Warnings = append(res.Warnings, "not enough entities for relation extraction")
	} else {
		relations, err = b.cfg.RelationExtractor.ExtractRelations(ctx, text, unified, relationTypes)
		if err != nil {
			res.Errors = append(res.Errors, apperrors.NewExtraction("relation extraction failed", err).Error())
			return res
		}
		relations, res.RelationsDeduplicated = b.relDedup.Dedupe(relations)
	}

	if b.validator != nil && len(relations) > 0 {
		entityTypes := make(map[string]string, len(unified))
		for _, ent := range unified {
			entityTypes[ent.ID] = ent.Type
		}
		var warnings []string
		relations, warnings = b.validator.Validate(relations, entityTypes)
		res.Warnings = append(res.Warnings, warnings...)
	}
	b.progress(StageValidateDone)
	if b.cancelled(ctx, res) {
		return res
	}

	if b.cfg.Embedder != nil && len(newEntities) > 0 {
		b.embed(ctx, newEntities, res)
	}

	prov := graph.Provenance{Source: source, Timestamp: time.Now().UTC(), Metadata: metadata}
	for _, ent := range newEntities {
		ent.AddProvenance(prov)
	}
	for _, rel := range relations {
		rel.AddProvenance(prov)
	}

	b.persist(ctx, newEntities, linked, relations, res)
	b.progress(StagePersistDone)
	return res
}

func (b *GraphBuilder) embed(ctx context.Context, entities []*graph.Entity, res *BuildResult) {
	texts := make([]string, len(entities))
	for i, ent := range entities {
		name := ent.Property("name").String()
		if name == "" {
			name = ent.ID
		}
		texts[i] = ent.Type + ": " + name
	}
	vectors, err := b.cfg.Embedder.GetEmbeddings(ctx, texts)
	if err != nil {
		res.Warnings = append(res.Warnings, "embedding failed: "+err.Error())
		return
	}
	if len(vectors) != len(entities) {
		res.Warnings = append(res.Warnings, "embedder returned wrong vector count")
		return
	}
	for i, ent := range entities {
		ent.Embedding = vectors[i]
	}
}

// persist writes new entities, merges linked updates and adds relations.
// DuplicateID on an entity means a concurrent writer beat the linker's
// advisory decision; the write downgrades to a property merge.
func (b *GraphBuilder) persist(ctx context.Context, newEntities []*graph.Entity, linked []fusion.LinkResult, relations []*graph.Relation, res *BuildResult) {
	for _, ent := range newEntities {
		if b.cancelled(ctx, res) {
			return
		}
		_, err := b.cfg.Store.AddEntity(ctx, ent)
		switch {
		case err == nil:
			res.EntitiesAdded++
		case apperrors.IsDuplicateID(err):
			if uerr := b.cfg.Store.UpdateEntityProperties(ctx, ent.ID, ent.Properties); uerr != nil {
				b.recordPersistError(res, "entity "+ent.ID, uerr)
				if apperrors.IsFatalStorage(uerr) {
					return
				}
			} else {
				res.EntitiesLinked++
			}
		default:
			b.recordPersistError(res, "entity "+ent.ID, err)
			if apperrors.IsFatalStorage(err) {
				return
			}
		}
	}

	for _, lr := range linked {
		if b.cancelled(ctx, res) {
			return
		}
		if err := b.cfg.Store.UpdateEntityProperties(ctx, lr.Existing.ID, lr.Candidate.Properties); err != nil {
			b.recordPersistError(res, "entity "+lr.Existing.ID, err)
			if apperrors.IsFatalStorage(err) {
				return
			}
		}
	}

	for _, rel := range relations {
		if b.cancelled(ctx, res) {
			return
		}
		_, err := b.cfg.Store.AddRelation(ctx, rel)
		switch {
		case err == nil:
			res.RelationsAdded++
		case apperrors.IsDuplicateID(err):
			// Re-import of the same unit; the relation already exists.
		default:
			b.recordPersistError(res, "relation "+rel.ID, err)
			if apperrors.IsFatalStorage(err) {
				return
			}
		}
	}

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.AddEntities(res.EntitiesAdded)
		b.cfg.Metrics.AddRelations(res.RelationsAdded)
	}
}

func (b *GraphBuilder) recordPersistError(res *BuildResult, what string, err error) {
	b.logger.Warn("persist failed", zap.String("target", what), zap.Error(err))
	res.Errors = append(res.Errors, fmt.Sprintf("persisting %s: %v", what, err))
}

func (b *GraphBuilder) cancelled(ctx context.Context, res *BuildResult) bool {
	if err := ctx.Err(); err != nil {
		res.Errors = append(res.Errors, apperrors.NewCancelled("build cancelled").Error())
		return true
	}
	return false
}

func (b *GraphBuilder) progress(stage string) {
	if b.cfg.Progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("progress callback panicked",
				zap.String("stage", stage), zap.Any("panic", r))
		}
	}()
	b.cfg.Progress(stage)
}

// BuildBatch runs one build per text. Sequential mode preserves order;
// parallel mode bounds concurrency to maxParallel. sources must be empty
// or the same length as texts.
func (b *GraphBuilder) BuildBatch(ctx context.Context, texts, sources []string, parallel bool, maxParallel int) ([]*BuildResult, error) {
	if len(sources) != 0 && len(sources) != len(texts) {
		return nil, apperrors.NewConfiguration(fmt.Sprintf(
			"sources length %d does not match texts length %d", len(sources), len(texts)))
	}
	sourceFor := func(i int) string {
		if len(sources) == 0 {
			return fmt.Sprintf("batch_%d", i)
		}
		return sources[i]
	}

	results := make([]*BuildResult, len(texts))
	if !parallel {
		for i, text := range texts {
			results[i] = b.BuildFromText(ctx, text, sourceFor(i), nil, nil, nil)
		}
		return results, nil
	}

	if maxParallel <= 0 {
		maxParallel = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, text := range texts {
		g.Go(func() error {
			results[i] = b.BuildFromText(gctx, text, sourceFor(i), nil, nil, nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
