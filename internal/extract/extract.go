// Package extract declares the contracts the builders depend on for
// turning raw text into graph candidates: entity and relation extraction,
// embeddings and document parsing. Implementations plug in at pipeline
// construction; the rulebased subpackage ships a deterministic extractor
// and the mock subpackage scripted test doubles.
package extract

import (
	"context"

	"graphweave/internal/graph"
)

// EntityExtractor produces candidate entities from a unit of text. The
// returned entities have at least Type populated; ID may be synthesised by
// the extractor or left empty for the builder to assign. Implementations
// must be safe for concurrent calls.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string, entityTypes []string) ([]*graph.Entity, error)
}

// RelationExtractor produces candidate relations between the supplied
// entities. Endpoint ids must be drawn from the entity set passed in.
type RelationExtractor interface {
	ExtractRelations(ctx context.Context, text string, entities []*graph.Entity, relationTypes []string) ([]*graph.Relation, error)
}

// EmbeddingProvider returns one vector per input text. Vector length must
// be constant across a single import.
type EmbeddingProvider interface {
	GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Document is parsed document content plus whatever metadata the parser
// recovered (title, mime type, page count).
type Document struct {
	Content  string
	Metadata map[string]graph.Value
}

// DocumentParser converts a file into plain text. Callers fall back to a
// raw text read when Parse fails.
type DocumentParser interface {
	Parse(ctx context.Context, path string) (*Document, error)
}
