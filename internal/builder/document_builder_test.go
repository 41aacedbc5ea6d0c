package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphweave/internal/chunk"
	"graphweave/internal/extract"
	"graphweave/internal/extract/mock"
	"graphweave/internal/extract/rulebased"
	"graphweave/internal/store"
)

func newDocBuilder(t *testing.T, cfg DocumentConfig) (*DocumentBuilder, store.GraphStore) {
	t.Helper()
	st := newTestStore(t)
	extractor := rulebased.New(nil)
	gb, err := New(Config{Store: st, EntityExtractor: extractor, RelationExtractor: extractor})
	require.NoError(t, err)
	db, err := NewDocumentBuilder(gb, cfg)
	require.NoError(t, err)
	return db, st
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewDocumentBuilder_RequiresGraphBuilder(t *testing.T) {
	_, err := NewDocumentBuilder(nil, DocumentConfig{})
	assert.Error(t, err)
}

func TestBuildFromDocument_SingleUnit(t *testing.T) {
	db, st := newDocBuilder(t, DocumentConfig{})
	ctx := context.Background()
	path := writeDoc(t, "Alice Smith works at Tech Corp.")

	res, err := db.BuildFromDocument(ctx, path, map[string]string{"origin": "test"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Chunks, "chunking disabled builds one unit")
	assert.Equal(t, 1, res.ChunksSucceeded)
	assert.Equal(t, 2, res.EntitiesAdded)
	assert.Equal(t, 1, res.RelationsAdded)
	assert.Equal(t, "text", res.DocumentType)

	alice, err := st.GetEntity(ctx, "person:alice_smith")
	require.NoError(t, err)
	require.Len(t, alice.Provenance, 1)
	assert.Equal(t, path+"#0", alice.Provenance[0].Source)
	assert.Equal(t, "test", alice.Provenance[0].Metadata["origin"])
	assert.Equal(t, "0", alice.Provenance[0].Metadata["chunk_index"])
}

func TestBuildFromDocument_Chunked(t *testing.T) {
	db, st := newDocBuilder(t, DocumentConfig{
		Chunking: true,
		Chunker:  chunk.Config{ChunkSize: 40, Overlap: 0, RespectSentences: true, MinChunkSize: 1},
	})
	ctx := context.Background()
	path := writeDoc(t, "Alice Smith works at Tech Corp. Bob founded Data Labs. Carol manages Bob.")

	res, err := db.BuildFromDocument(ctx, path, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Greater(t, res.Chunks, 1)
	assert.Equal(t, res.Chunks, res.ChunksSucceeded)
	assert.Len(t, res.ChunkResults, res.Chunks)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.EntityCount, 4)
}

func TestBuildFromDocument_ParallelChunks(t *testing.T) {
	db, st := newDocBuilder(t, DocumentConfig{
		Chunking:    true,
		Chunker:     chunk.Config{ChunkSize: 40, Overlap: 0, RespectSentences: true, MinChunkSize: 1},
		Parallel:    true,
		MaxParallel: 2,
	})
	path := writeDoc(t, "Alice Smith works at Tech Corp. Bob founded Data Labs.")

	res, err := db.BuildFromDocument(context.Background(), path, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, res.Chunks, res.ChunksSucceeded)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.EntityCount)
	assert.Equal(t, 2, stats.RelationCount)
}

func TestBuildFromDocument_TypeFilters(t *testing.T) {
	db, st := newDocBuilder(t, DocumentConfig{EntityTypes: []string{"Company"}})
	path := writeDoc(t, "Alice Smith works at Tech Corp.")

	res, err := db.BuildFromDocument(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesAdded, "persons filtered out")

	people, err := st.GetEntitiesByType(context.Background(), "Person")
	require.NoError(t, err)
	assert.Empty(t, people)
}

func TestBuildFromDocument_EmptyDocument(t *testing.T) {
	db, _ := newDocBuilder(t, DocumentConfig{})
	_, err := db.BuildFromDocument(context.Background(), writeDoc(t, "   \n\t  "), nil)
	assert.Error(t, err)
}

func TestBuildFromDocument_MissingFile(t *testing.T) {
	db, _ := newDocBuilder(t, DocumentConfig{})
	_, err := db.BuildFromDocument(context.Background(), filepath.Join(t.TempDir(), "nope.txt"), nil)
	assert.Error(t, err)
}

func TestBuildFromDocument_ParserFallback(t *testing.T) {
	parser := &mock.Parser{Err: os.ErrPermission}
	db, _ := newDocBuilder(t, DocumentConfig{Parser: parser})
	path := writeDoc(t, "Alice Smith works at Tech Corp.")

	res, err := db.BuildFromDocument(context.Background(), path, nil)
	require.NoError(t, err)
	assert.True(t, res.Success, "plain-text fallback still builds")
	assert.NotEmpty(t, res.Warnings)
}

func TestBuildFromDocument_ScriptedParser(t *testing.T) {
	parser := &mock.Parser{Docs: map[string]*extract.Document{
		"virtual.md": {Content: "Alice knows Bob."},
	}}
	db, st := newDocBuilder(t, DocumentConfig{Parser: parser})

	res, err := db.BuildFromDocument(context.Background(), "virtual.md", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.EntitiesAdded)

	_, err = st.GetRelation(context.Background(), "KNOWS:person:alice:person:bob")
	assert.NoError(t, err)
}
