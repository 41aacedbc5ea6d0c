package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphweave/internal/graph"
)

func person(id, name string, props map[string]graph.Value) *graph.Entity {
	e := &graph.Entity{ID: id, Type: "Person", Properties: map[string]graph.Value{
		"name": graph.String(name),
	}}
	for k, v := range props {
		e.SetProperty(k, v)
	}
	return e
}

func TestDeduplicator_ExactCanonicalMerge(t *testing.T) {
	d := NewDeduplicator(DeduplicatorConfig{}, nil)
	out, merged := d.Dedupe([]*graph.Entity{
		person("p1", "Alice Smith", map[string]graph.Value{"age": graph.Int(30)}),
		person("p2", "alice  smith", map[string]graph.Value{"city": graph.String("Oslo")}),
		person("p3", "Bob", nil),
	})

	require.Len(t, out, 2)
	assert.Equal(t, 1, merged)
	assert.Equal(t, "p1", out[0].ID, "first seen id is kept")
	assert.True(t, out[0].Property("age").Equal(graph.Int(30)))
	assert.True(t, out[0].Property("city").Equal(graph.String("Oslo")), "properties union")
}

func TestDeduplicator_DifferentTypesNeverMerge(t *testing.T) {
	d := NewDeduplicator(DeduplicatorConfig{}, nil)
	a := person("p1", "Acme", nil)
	b := &graph.Entity{ID: "c1", Type: "Company", Properties: map[string]graph.Value{
		"name": graph.String("Acme"),
	}}
	out, merged := d.Dedupe([]*graph.Entity{a, b})
	assert.Len(t, out, 2)
	assert.Zero(t, merged)
}

func TestDeduplicator_MissingNamePassesThrough(t *testing.T) {
	d := NewDeduplicator(DeduplicatorConfig{}, nil)
	a := &graph.Entity{ID: "x1", Type: "Person"}
	b := &graph.Entity{ID: "x2", Type: "Person"}
	out, merged := d.Dedupe([]*graph.Entity{a, b})
	assert.Len(t, out, 2)
	assert.Zero(t, merged)
}

func TestDeduplicator_FuzzySimilarity(t *testing.T) {
	d := NewDeduplicator(DeduplicatorConfig{
		Similarity: JaroWinkler(),
		Threshold:  0.90,
	}, nil)
	out, merged := d.Dedupe([]*graph.Entity{
		person("p1", "Jonathan Smith", nil),
		person("p2", "Jonathon Smith", nil),
		person("p3", "Margaret Jones", nil),
	})
	require.Len(t, out, 2)
	assert.Equal(t, 1, merged)
}

func TestDeduplicator_CustomMergeRule(t *testing.T) {
	keepOlder := func(key string, older, newer graph.Value) graph.Value { return older }
	d := NewDeduplicator(DeduplicatorConfig{Merge: keepOlder}, nil)
	out, _ := d.Dedupe([]*graph.Entity{
		person("p1", "Alice", map[string]graph.Value{"age": graph.Int(30)}),
		person("p2", "Alice", map[string]graph.Value{"age": graph.Int(99)}),
	})
	require.Len(t, out, 1)
	assert.True(t, out[0].Property("age").Equal(graph.Int(30)))
}

func TestDeduplicator_InputNotMutated(t *testing.T) {
	d := NewDeduplicator(DeduplicatorConfig{}, nil)
	first := person("p1", "Alice", nil)
	d.Dedupe([]*graph.Entity{
		first,
		person("p2", "Alice", map[string]graph.Value{"age": graph.Int(1)}),
	})
	assert.True(t, first.Property("age").IsNull(), "kept entity is a clone")
}

func TestCanonicalName(t *testing.T) {
	key, ok := CanonicalName(person("p", "  Alice   SMITH ", nil), "")
	require.True(t, ok)
	assert.Equal(t, "alice smith", key)

	_, ok = CanonicalName(&graph.Entity{ID: "p", Type: "Person"}, "")
	assert.False(t, ok)

	_, ok = CanonicalName(person("p", "   ", nil), "")
	assert.False(t, ok, "whitespace-only name is unusable")
}

func TestRelationDeduplicator(t *testing.T) {
	d := NewRelationDeduplicator(nil)
	r1 := &graph.Relation{ID: "a", Type: "KNOWS", SourceID: "p1", TargetID: "p2",
		Properties: map[string]graph.Value{"weight": graph.Int(1)}}
	r2 := &graph.Relation{ID: "b", Type: "KNOWS", SourceID: "p1", TargetID: "p2",
		Properties: map[string]graph.Value{"weight": graph.Int(2)}}
	r3 := &graph.Relation{ID: "c", Type: "KNOWS", SourceID: "p2", TargetID: "p1"}

	out, merged := d.Dedupe([]*graph.Relation{r1, r2, r3})
	require.Len(t, out, 2)
	assert.Equal(t, 1, merged)
	assert.True(t, out[0].Properties["weight"].Equal(graph.Int(2)), "later properties win")
	assert.Equal(t, "c", out[1].ID, "direction matters")
}

func TestRelationValidator(t *testing.T) {
	schema := &graph.Schema{
		RelationTypes: map[string]graph.RelationDef{
			"WORKS_FOR": {
				Allowed:  []graph.TypePair{{Source: "Person", Target: "Company"}},
				Required: []string{"role"},
			},
		},
	}
	v := NewRelationValidator(schema, nil)
	entityTypes := map[string]string{"p1": "Person", "c1": "Company"}

	ok := &graph.Relation{ID: "r1", Type: "WORKS_FOR", SourceID: "p1", TargetID: "c1",
		Properties: map[string]graph.Value{"role": graph.String("engineer")}}
	wrongDirection := &graph.Relation{ID: "r2", Type: "WORKS_FOR", SourceID: "c1", TargetID: "p1",
		Properties: map[string]graph.Value{"role": graph.String("x")}}
	missingProp := &graph.Relation{ID: "r3", Type: "WORKS_FOR", SourceID: "p1", TargetID: "c1"}

	out, warnings := v.Validate([]*graph.Relation{ok, wrongDirection, missingProp}, entityTypes)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].ID)
	assert.Len(t, warnings, 2)
}

func TestSimilarity(t *testing.T) {
	t.Run("exact", func(t *testing.T) {
		assert.Equal(t, 1.0, ExactCanonical("a", "a"))
		assert.Equal(t, 0.0, ExactCanonical("a", "b"))
	})
	t.Run("levenshtein", func(t *testing.T) {
		sim := Levenshtein(2)
		assert.Equal(t, 1.0, sim("smith", "smyth"))
		assert.Equal(t, 0.0, sim("smith", "jones"))
	})
	t.Run("jaro winkler above threshold for near names", func(t *testing.T) {
		assert.Greater(t, JaroWinkler()("jonathan", "jonathon"), 0.90)
	})
}
