// Package fusion merges, links and validates graph mutation candidates
// before persistence: in-batch entity deduplication, entity linking against
// the existing graph, relation deduplication and schema validation.
package fusion

import (
	"strings"

	"github.com/antzucaro/matchr"

	"graphweave/internal/graph"
)

// DefaultNameProperty is the property used for canonical-name identity when
// none is configured.
const DefaultNameProperty = "name"

// Similarity scores two canonical name keys in [0, 1]. 1 means identical.
type Similarity func(a, b string) float64

// ExactCanonical matches only identical canonical keys. This is the default
// similarity: a missed merge is recoverable, a false merge is not.
func ExactCanonical(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0
}

// JaroWinkler returns a similarity backed by Jaro-Winkler string distance.
// The recommended threshold for deduplication is 0.90.
func JaroWinkler() Similarity {
	return func(a, b string) float64 {
		return matchr.JaroWinkler(a, b, false)
	}
}

// Levenshtein returns a similarity that accepts keys within maxDistance
// edits of each other, scoring 1 on acceptance and 0 otherwise.
func Levenshtein(maxDistance int) Similarity {
	return func(a, b string) float64 {
		if matchr.Levenshtein(a, b) <= maxDistance {
			return 1
		}
		return 0
	}
}

// CanonicalName derives the canonical name key of an entity: the value of
// the name property, lower-cased with whitespace collapsed. ok is false when
// the entity has no usable name property.
func CanonicalName(e *graph.Entity, nameProperty string) (string, bool) {
	if nameProperty == "" {
		nameProperty = DefaultNameProperty
	}
	v := e.Property(nameProperty)
	if v.IsNull() {
		return "", false
	}
	name := v.String()
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return "", false
	}
	return strings.Join(fields, " "), true
}
