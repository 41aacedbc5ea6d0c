package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphweave/internal/extract/mock"
	"graphweave/internal/extract/rulebased"
	"graphweave/internal/fusion"
	"graphweave/internal/graph"
	"graphweave/internal/store"
	memorystore "graphweave/internal/store/memory"
	apperrors "graphweave/pkg/errors"
)

func newTestStore(t *testing.T) store.GraphStore {
	t.Helper()
	s := memorystore.New(memorystore.Options{AllowScan: true}, nil)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func namedEntity(id, typ, name string) *graph.Entity {
	return &graph.Entity{
		ID:         id,
		Type:       typ,
		Properties: map[string]graph.Value{"name": graph.String(name)},
	}
}

func TestNew_RequiredConfig(t *testing.T) {
	st := newTestStore(t)
	ee := mock.NewEntityExtractor()
	re := mock.NewRelationExtractor()

	_, err := New(Config{EntityExtractor: ee, RelationExtractor: re})
	assert.True(t, apperrors.IsConfiguration(err))

	_, err = New(Config{Store: st, EntityExtractor: ee})
	assert.True(t, apperrors.IsConfiguration(err))

	_, err = New(Config{Store: st, EntityExtractor: ee, RelationExtractor: re})
	assert.NoError(t, err)
}

func TestBuildFromText_EndToEnd(t *testing.T) {
	st := newTestStore(t)
	extractor := rulebased.New(nil)
	b, err := New(Config{
		Store:             st,
		EntityExtractor:   extractor,
		RelationExtractor: extractor,
	})
	require.NoError(t, err)
	ctx := context.Background()

	res := b.BuildFromText(ctx, "Alice Smith works at Tech Corp.", "doc1", map[string]string{"lang": "en"}, nil, nil)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 2, res.EntitiesAdded)
	assert.Equal(t, 1, res.RelationsAdded)

	alice, err := st.GetEntity(ctx, "person:alice_smith")
	require.NoError(t, err)
	assert.Equal(t, "Person", alice.Type)
	require.Len(t, alice.Provenance, 1)
	assert.Equal(t, "doc1", alice.Provenance[0].Source)
	assert.Equal(t, "en", alice.Provenance[0].Metadata["lang"])

	rel, err := st.GetRelation(ctx, "WORKS_FOR:person:alice_smith:company:tech_corp")
	require.NoError(t, err)
	assert.Equal(t, "person:alice_smith", rel.SourceID)
	assert.Equal(t, "company:tech_corp", rel.TargetID)

	// Rebuilding the same unit changes nothing.
	again := b.BuildFromText(ctx, "Alice Smith works at Tech Corp.", "doc1", nil, nil, nil)
	require.True(t, again.Success)
	assert.Equal(t, 0, again.EntitiesAdded+again.RelationsAdded)
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntityCount)
	assert.Equal(t, 1, stats.RelationCount)
}

func TestBuildFromText_Stages(t *testing.T) {
	st := newTestStore(t)
	ee := mock.NewEntityExtractor([]*graph.Entity{
		namedEntity("p1", "Person", "Alice"),
		namedEntity("p2", "Person", "alice  "),
		namedEntity("c1", "Company", "Tech Corp"),
	})
	re := mock.NewRelationExtractor([]*graph.Relation{
		{ID: "WORKS_FOR:p1:c1", Type: "WORKS_FOR", SourceID: "p1", TargetID: "c1"},
		{ID: "WORKS_FOR:p1:c1", Type: "WORKS_FOR", SourceID: "p1", TargetID: "c1"},
	})

	var stages []string
	b, err := New(Config{
		Store:             st,
		EntityExtractor:   ee,
		RelationExtractor: re,
		Deduplicate:       true,
		Progress:          func(stage string) { stages = append(stages, stage) },
	})
	require.NoError(t, err)

	res := b.BuildFromText(context.Background(), "whatever", "doc1", nil, nil, nil)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.EntitiesDeduplicated, "the two alices merge")
	assert.Equal(t, 1, res.RelationsDeduplicated)
	assert.Equal(t, 2, res.EntitiesAdded)
	assert.Equal(t, 1, res.RelationsAdded)
	assert.Equal(t, []string{
		StageExtractDone, StageDedupeDone, StageLinkDone, StageValidateDone, StagePersistDone,
	}, stages)
}

func TestBuildFromText_LinksAgainstStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	existing := namedEntity("p-existing", "Person", "Alice Smith")
	existing.SetProperty("age", graph.Int(30))
	_, err := st.AddEntity(ctx, existing)
	require.NoError(t, err)

	ee := mock.NewEntityExtractor([]*graph.Entity{
		namedEntity("p-new", "Person", "alice smith"),
		namedEntity("c1", "Company", "Tech Corp"),
	})
	re := mock.NewRelationExtractor([]*graph.Relation{
		{ID: "r1", Type: "WORKS_FOR", SourceID: "p-existing", TargetID: "c1"},
	})
	b, err := New(Config{Store: st, EntityExtractor: ee, RelationExtractor: re, Link: true})
	require.NoError(t, err)

	res := b.BuildFromText(ctx, "text", "doc1", nil, nil, nil)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.EntitiesLinked)
	assert.Equal(t, 1, res.EntitiesAdded, "only the company is new")
	assert.Equal(t, 1, res.RelationsAdded)

	_, err = st.GetEntity(ctx, "p-new")
	assert.True(t, apperrors.IsNotFound(err))
	merged, err := st.GetEntity(ctx, "p-existing")
	require.NoError(t, err)
	assert.True(t, merged.Property("age").Equal(graph.Int(30)))
	assert.True(t, merged.Property("name").Equal(graph.String("alice smith")), "candidate properties merged")
}

func TestBuildFromText_SchemaValidation(t *testing.T) {
	st := newTestStore(t)
	ee := mock.NewEntityExtractor([]*graph.Entity{
		namedEntity("p1", "Person", "Alice"),
		namedEntity("p2", "Person", "Bob"),
	})
	re := mock.NewRelationExtractor([]*graph.Relation{
		{ID: "WORKS_FOR:p1:p2", Type: "WORKS_FOR", SourceID: "p1", TargetID: "p2"},
		{ID: "KNOWS:p1:p2", Type: "KNOWS", SourceID: "p1", TargetID: "p2"},
	})
	schema := &graph.Schema{
		RelationTypes: map[string]graph.RelationDef{
			"WORKS_FOR": {Allowed: []graph.TypePair{{Source: "Person", Target: "Company"}}},
			"KNOWS":     {Allowed: []graph.TypePair{{Source: "Person", Target: "Person"}}},
		},
	}
	b, err := New(Config{Store: st, EntityExtractor: ee, RelationExtractor: re, Schema: schema})
	require.NoError(t, err)

	res := b.BuildFromText(context.Background(), "text", "doc1", nil, nil, nil)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.RelationsAdded, "person-to-person WORKS_FOR is dropped")
	assert.NotEmpty(t, res.Warnings)

	_, err = st.GetRelation(context.Background(), "KNOWS:p1:p2")
	assert.NoError(t, err)
}

func TestBuildFromText_Embeddings(t *testing.T) {
	st := newTestStore(t)
	ee := mock.NewEntityExtractor([]*graph.Entity{
		namedEntity("p1", "Person", "Alice"),
		namedEntity("p2", "Person", "Bob"),
	})
	re := mock.NewRelationExtractor()
	emb := &mock.Embedder{Dim: 8}
	b, err := New(Config{Store: st, EntityExtractor: ee, RelationExtractor: re, Embedder: emb})
	require.NoError(t, err)

	res := b.BuildFromText(context.Background(), "text", "doc1", nil, nil, nil)
	require.True(t, res.Success, "errors: %v", res.Errors)

	alice, err := st.GetEntity(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, alice.Embedding, 8)
	assert.Equal(t, []string{"Person: Alice", "Person: Bob"}, emb.Texts())
}

func TestBuildFromText_Failures(t *testing.T) {
	t.Run("entity extraction failure aborts", func(t *testing.T) {
		st := newTestStore(t)
		ee := mock.NewEntityExtractor()
		ee.Err = errors.New("model unavailable")
		b, err := New(Config{Store: st, EntityExtractor: ee, RelationExtractor: mock.NewRelationExtractor()})
		require.NoError(t, err)

		res := b.BuildFromText(context.Background(), "text", "doc1", nil, nil, nil)
		assert.False(t, res.Success)
		require.Len(t, res.Errors, 1)

		stats, err := st.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.EntityCount, "nothing persisted")
	})
	t.Run("relation extraction failure aborts before persistence", func(t *testing.T) {
		st := newTestStore(t)
		ee := mock.NewEntityExtractor([]*graph.Entity{
			namedEntity("p1", "Person", "Alice"),
			namedEntity("p2", "Person", "Bob"),
		})
		re := mock.NewRelationExtractor()
		re.Err = errors.New("model unavailable")
		b, err := New(Config{Store: st, EntityExtractor: ee, RelationExtractor: re})
		require.NoError(t, err)

		res := b.BuildFromText(context.Background(), "text", "doc1", nil, nil, nil)
		assert.False(t, res.Success)
		stats, err := st.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.EntityCount)
	})
	t.Run("no entities is a warning", func(t *testing.T) {
		st := newTestStore(t)
		b, err := New(Config{
			Store:             st,
			EntityExtractor:   mock.NewEntityExtractor(),
			RelationExtractor: mock.NewRelationExtractor(),
		})
		require.NoError(t, err)

		res := b.BuildFromText(context.Background(), "text", "doc1", nil, nil, nil)
		assert.True(t, res.Success)
		assert.Contains(t, res.Warnings, "no entities extracted")
	})
	t.Run("single entity skips relation extraction", func(t *testing.T) {
		st := newTestStore(t)
		re := mock.NewRelationExtractor([]*graph.Relation{
			{ID: "r1", Type: "KNOWS", SourceID: "p1", TargetID: "p1"},
		})
		b, err := New(Config{
			Store:             st,
			EntityExtractor:   mock.NewEntityExtractor([]*graph.Entity{namedEntity("p1", "Person", "Alice")}),
			RelationExtractor: re,
		})
		require.NoError(t, err)

		res := b.BuildFromText(context.Background(), "text", "doc1", nil, nil, nil)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.EntitiesAdded)
		assert.Zero(t, res.RelationsAdded)
	})
	t.Run("cancelled context", func(t *testing.T) {
		st := newTestStore(t)
		b, err := New(Config{
			Store:             st,
			EntityExtractor:   mock.NewEntityExtractor([]*graph.Entity{namedEntity("p1", "Person", "Alice")}),
			RelationExtractor: mock.NewRelationExtractor(),
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := b.BuildFromText(ctx, "text", "doc1", nil, nil, nil)
		assert.False(t, res.Success)
	})
}

func TestBuildFromText_MissingIDsGetUUIDs(t *testing.T) {
	st := newTestStore(t)
	ee := mock.NewEntityExtractor([]*graph.Entity{
		{Type: "Person", Properties: map[string]graph.Value{"name": graph.String("Alice")}},
	})
	b, err := New(Config{Store: st, EntityExtractor: ee, RelationExtractor: mock.NewRelationExtractor()})
	require.NoError(t, err)

	res := b.BuildFromText(context.Background(), "text", "doc1", nil, nil, nil)
	require.True(t, res.Success, "errors: %v", res.Errors)
	people, err := st.GetEntitiesByType(context.Background(), "Person")
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.NotEmpty(t, people[0].ID)
}

func TestBuildBatch(t *testing.T) {
	newBuilder := func(t *testing.T) (*GraphBuilder, store.GraphStore) {
		st := newTestStore(t)
		extractor := rulebased.New(nil)
		b, err := New(Config{Store: st, EntityExtractor: extractor, RelationExtractor: extractor})
		require.NoError(t, err)
		return b, st
	}
	texts := []string{
		"Alice Smith works at Tech Corp.",
		"Bob founded Data Labs.",
	}

	t.Run("sequential", func(t *testing.T) {
		b, st := newBuilder(t)
		results, err := b.BuildBatch(context.Background(), texts, []string{"d1", "d2"}, false, 0)
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, res := range results {
			assert.True(t, res.Success)
		}
		stats, err := st.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, stats.EntityCount)
		assert.Equal(t, 2, stats.RelationCount)
	})
	t.Run("parallel matches sequential", func(t *testing.T) {
		b, st := newBuilder(t)
		results, err := b.BuildBatch(context.Background(), texts, nil, true, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		stats, err := st.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, stats.EntityCount)
		assert.Equal(t, 2, stats.RelationCount)
	})
	t.Run("mismatched sources rejected", func(t *testing.T) {
		b, _ := newBuilder(t)
		_, err := b.BuildBatch(context.Background(), texts, []string{"only-one"}, false, 0)
		assert.True(t, apperrors.IsConfiguration(err))
	})
}

func TestBuildFromText_CollapsedLinksSkipRelationExtraction(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.AddEntity(ctx, namedEntity("p-existing", "Person", "John Smith"))
	require.NoError(t, err)

	ee := mock.NewEntityExtractor([]*graph.Entity{
		namedEntity("p-a", "Person", "Jon Smith"),
		namedEntity("p-b", "Person", "Jhon Smith"),
	})
	re := mock.NewRelationExtractor()
	b, err := New(Config{
		Store:             st,
		EntityExtractor:   ee,
		RelationExtractor: re,
		Link:              true,
		Linker:            fusion.LinkerConfig{Similarity: fusion.JaroWinkler(), Threshold: 0.90},
	})
	require.NoError(t, err)

	res := b.BuildFromText(ctx, "whatever", "doc1", nil, nil, nil)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 2, res.EntitiesLinked, "both candidates collapse onto the same entity")
	assert.Equal(t, 0, re.Calls(), "a single distinct entity cannot carry a relation")
	assert.Contains(t, res.Warnings, "not enough entities for relation extraction")
}
