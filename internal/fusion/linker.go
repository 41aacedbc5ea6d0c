package fusion

import (
	"context"

	"go.uber.org/zap"

	"graphweave/internal/graph"
	"graphweave/internal/store"
	apperrors "graphweave/pkg/errors"
)

// LinkResult is the linker's decision for one candidate entity.
type LinkResult struct {
	// Linked reports whether an existing entity matched; when true the
	// candidate must not be inserted and its properties are merged onto
	// Existing instead.
	Linked   bool
	Existing *graph.Entity
	// Candidate is the entity the decision is about.
	Candidate *graph.Entity
}

// LinkerConfig configures entity linking against the existing graph.
type LinkerConfig struct {
	// NameProperty is the property the canonical key derives from.
	// Default "name".
	NameProperty string
	// Similarity compares canonical keys. Nil means exact equality.
	Similarity Similarity
	// Threshold for non-exact similarity. Default 0.90.
	Threshold float64
}

// Linker matches candidate entities against the store by type and canonical
// name key. Its results are advisory: the linker reads concurrently with
// the import's writer, so decisions are re-checked by id collision at write
// time, and reads observe the store's writes as they land (read-your-writes
// only, no snapshot isolation).
type Linker struct {
	cfg    LinkerConfig
	st     store.GraphStore
	logger *zap.Logger
}

// NewLinker creates a linker over the given store.
func NewLinker(st store.GraphStore, cfg LinkerConfig, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NameProperty == "" {
		cfg.NameProperty = DefaultNameProperty
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.90
	}
	return &Linker{cfg: cfg, st: st, logger: logger}
}

// Link emits one LinkResult per candidate, in input order. Candidates
// without a usable name property are never linked.
func (l *Linker) Link(ctx context.Context, candidates []*graph.Entity) ([]LinkResult, error) {
	results := make([]LinkResult, 0, len(candidates))
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return results, apperrors.NewCancelled("entity linking cancelled")
		}
		key, ok := CanonicalName(cand, l.cfg.NameProperty)
		if !ok {
			results = append(results, LinkResult{Candidate: cand})
			continue
		}
		existing, err := l.findMatch(ctx, cand.Type, key)
		if err != nil {
			return results, err
		}
		if existing == nil {
			results = append(results, LinkResult{Candidate: cand})
			continue
		}
		results = append(results, LinkResult{Linked: true, Existing: existing, Candidate: cand})
	}
	return results, nil
}

// findMatch returns the existing entity the candidate links to, or nil.
// Ties between several matches break on highest property count, then on
// lexicographically lowest id.
func (l *Linker) findMatch(ctx context.Context, entityType, key string) (*graph.Entity, error) {
	// A property-indexed store answers the name lookup directly; otherwise
	// fall back to a type scan and canonicalise here.
	var pool []*graph.Entity
	byProp, err := l.st.GetEntitiesByProperty(ctx, l.cfg.NameProperty, graph.String(key))
	switch {
	case err == nil:
		for _, e := range byProp {
			if e.Type == entityType {
				pool = append(pool, e)
			}
		}
		// The index holds raw values; an entity whose name only matches
		// after canonicalisation is found by the scan below.
		if len(pool) == 0 {
			pool, err = l.typeScan(ctx, entityType, key)
			if err != nil {
				return nil, err
			}
		}
	case apperrors.IsUnsupportedQuery(err):
		pool, err = l.typeScan(ctx, entityType, key)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	var best *graph.Entity
	for _, e := range pool {
		if best == nil {
			best = e
			continue
		}
		if len(e.Properties) > len(best.Properties) {
			best = e
		} else if len(e.Properties) == len(best.Properties) && e.ID < best.ID {
			best = e
		}
	}
	return best, nil
}

func (l *Linker) typeScan(ctx context.Context, entityType, key string) ([]*graph.Entity, error) {
	all, err := l.st.GetEntitiesByType(ctx, entityType)
	if err != nil {
		return nil, err
	}
	var pool []*graph.Entity
	for _, e := range all {
		ek, ok := CanonicalName(e, l.cfg.NameProperty)
		if !ok {
			continue
		}
		if ek == key {
			pool = append(pool, e)
			continue
		}
		if l.cfg.Similarity != nil && l.cfg.Similarity(ek, key) >= l.cfg.Threshold {
			pool = append(pool, e)
		}
	}
	return pool, nil
}
