// Package mock provides scripted extraction doubles for tests: each mock
// returns the responses it was loaded with, in order, and can be told to
// fail.
package mock

import (
	"context"
	"sync"

	"graphweave/internal/extract"
	"graphweave/internal/graph"
)

// EntityExtractor returns scripted entity sets. Calls past the end of the
// script return the last response (or nothing when empty).
type EntityExtractor struct {
	mu        sync.Mutex
	responses [][]*graph.Entity
	calls     int
	Err       error
}

// NewEntityExtractor scripts the given responses.
func NewEntityExtractor(responses ...[]*graph.Entity) *EntityExtractor {
	return &EntityExtractor{responses: responses}
}

// ExtractEntities returns the next scripted response, cloning entities so
// tests can mutate results safely.
func (m *EntityExtractor) ExtractEntities(ctx context.Context, text string, entityTypes []string) ([]*graph.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	resp := m.pick()
	out := make([]*graph.Entity, len(resp))
	for i, ent := range resp {
		out[i] = ent.Clone()
	}
	m.calls++
	return out, nil
}

// Calls reports how many times the extractor was invoked.
func (m *EntityExtractor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *EntityExtractor) pick() []*graph.Entity {
	if len(m.responses) == 0 {
		return nil
	}
	if m.calls < len(m.responses) {
		return m.responses[m.calls]
	}
	return m.responses[len(m.responses)-1]
}

// RelationExtractor returns scripted relation sets.
type RelationExtractor struct {
	mu        sync.Mutex
	responses [][]*graph.Relation
	calls     int
	Err       error
}

// NewRelationExtractor scripts the given responses.
func NewRelationExtractor(responses ...[]*graph.Relation) *RelationExtractor {
	return &RelationExtractor{responses: responses}
}

// ExtractRelations returns the next scripted response.
func (m *RelationExtractor) ExtractRelations(ctx context.Context, text string, entities []*graph.Entity, relationTypes []string) ([]*graph.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var resp []*graph.Relation
	if len(m.responses) > 0 {
		if m.calls < len(m.responses) {
			resp = m.responses[m.calls]
		} else {
			resp = m.responses[len(m.responses)-1]
		}
	}
	out := make([]*graph.Relation, len(resp))
	for i, rel := range resp {
		out[i] = rel.Clone()
	}
	m.calls++
	return out, nil
}

// Calls reports how many times the extractor was invoked.
func (m *RelationExtractor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Embedder returns fixed-dimension constant vectors.
type Embedder struct {
	Dim int
	Err error

	mu    sync.Mutex
	calls int
	texts []string
}

// GetEmbeddings returns a zero vector of Dim per text and records the
// inputs.
func (m *Embedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	dim := m.Dim
	if dim == 0 {
		dim = 4
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, dim)
		out[i][0] = 1
	}
	m.calls++
	m.texts = append(m.texts, texts...)
	return out, nil
}

// Texts returns every text embedded so far.
func (m *Embedder) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.texts...)
}

// Parser returns scripted document content keyed by path.
type Parser struct {
	Docs map[string]*extract.Document
	Err  error
}

// Parse returns the scripted document, or the error when set.
func (m *Parser) Parse(ctx context.Context, path string) (*extract.Document, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if doc, ok := m.Docs[path]; ok {
		return doc, nil
	}
	return &extract.Document{Content: ""}, nil
}
