package fusion

import (
	"go.uber.org/zap"

	"graphweave/internal/graph"
)

// MergeRule resolves a property conflict during entity merge. It receives
// the property key and both values and returns the value to keep.
type MergeRule func(key string, older, newer graph.Value) graph.Value

// DeduplicatorConfig configures in-batch entity deduplication.
type DeduplicatorConfig struct {
	// NameProperty is the property the canonical key derives from.
	// Default "name".
	NameProperty string
	// Similarity compares canonical keys. Nil means exact equality.
	Similarity Similarity
	// Threshold is the minimum similarity score to merge when a non-exact
	// Similarity is configured. Default 0.90.
	Threshold float64
	// Merge resolves property conflicts. Nil means later value wins.
	Merge MergeRule
}

// Deduplicator merges near-duplicate entities within a single extraction
// batch. Entities of the same type whose canonical name keys collide are
// merged; entities without the name property pass through untouched.
type Deduplicator struct {
	cfg    DeduplicatorConfig
	logger *zap.Logger
}

// NewDeduplicator creates a deduplicator. A nil logger becomes a nop.
func NewDeduplicator(cfg DeduplicatorConfig, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NameProperty == "" {
		cfg.NameProperty = DefaultNameProperty
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.90
	}
	return &Deduplicator{cfg: cfg, logger: logger}
}

type dedupeBucket struct {
	key    string
	entity *graph.Entity
}

// Dedupe returns the deduplicated batch, preserving first-seen order, and
// the number of candidates merged away. The output is never longer than the
// input.
func (d *Deduplicator) Dedupe(candidates []*graph.Entity) ([]*graph.Entity, int) {
	var out []*graph.Entity
	// Buckets are kept per entity type in insertion order so fuzzy matching
	// is deterministic.
	byType := make(map[string][]*dedupeBucket)
	merged := 0

	for _, cand := range candidates {
		key, ok := CanonicalName(cand, d.cfg.NameProperty)
		if !ok {
			out = append(out, cand)
			continue
		}
		target := d.match(byType[cand.Type], key)
		if target == nil {
			kept := cand.Clone()
			byType[cand.Type] = append(byType[cand.Type], &dedupeBucket{key: key, entity: kept})
			out = append(out, kept)
			continue
		}
		d.mergeInto(target.entity, cand)
		merged++
		d.logger.Debug("entity deduplicated",
			zap.String("type", cand.Type),
			zap.String("key", key),
			zap.String("into", target.entity.ID),
		)
	}
	return out, merged
}

// match finds the bucket a candidate key merges into: an exact key hit, or
// the best fuzzy hit at or above the threshold when a similarity function
// is configured.
func (d *Deduplicator) match(buckets []*dedupeBucket, key string) *dedupeBucket {
	for _, b := range buckets {
		if b.key == key {
			return b
		}
	}
	if d.cfg.Similarity == nil {
		return nil
	}
	var best *dedupeBucket
	bestScore := d.cfg.Threshold
	for _, b := range buckets {
		if score := d.cfg.Similarity(b.key, key); score >= bestScore {
			best = b
			bestScore = score
		}
	}
	return best
}

// mergeInto folds the candidate into the kept entity: properties merge with
// the configured rule (later wins by default) and provenance concatenates.
func (d *Deduplicator) mergeInto(kept *graph.Entity, cand *graph.Entity) {
	if d.cfg.Merge == nil {
		kept.MergeProperties(cand.Properties)
	} else {
		for k, newer := range cand.Properties {
			older, exists := kept.Properties[k]
			if !exists {
				kept.SetProperty(k, newer)
				continue
			}
			kept.SetProperty(k, d.cfg.Merge(k, older, newer))
		}
	}
	if len(kept.Embedding) == 0 && len(cand.Embedding) > 0 {
		kept.Embedding = append([]float32(nil), cand.Embedding...)
	}
	for _, p := range cand.Provenance {
		kept.AddProvenance(p)
	}
}
