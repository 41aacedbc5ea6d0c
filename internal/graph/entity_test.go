package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntity_MergeProperties(t *testing.T) {
	e := &Entity{ID: "p1", Type: "Person", Properties: map[string]Value{
		"name": String("Alice"),
		"age":  Int(30),
	}}

	e.MergeProperties(map[string]Value{
		"age":  Int(31),
		"city": String("Oslo"),
		"name": Null(),
	})

	assert.True(t, e.Property("age").Equal(Int(31)), "later value wins")
	assert.True(t, e.Property("city").Equal(String("Oslo")))
	assert.True(t, e.Property("name").Equal(String("Alice")),
		"null must not overwrite an existing value")
}

func TestEntity_Clone(t *testing.T) {
	e := &Entity{
		ID:         "p1",
		Type:       "Person",
		Properties: map[string]Value{"name": String("Alice")},
		Embedding:  []float32{1, 2, 3},
	}
	e.AddProvenance(Provenance{Source: "a.csv", Timestamp: time.Now()})

	c := e.Clone()
	c.SetProperty("name", String("Bob"))
	c.Embedding[0] = 9
	c.AddProvenance(Provenance{Source: "b.csv"})

	assert.True(t, e.Property("name").Equal(String("Alice")))
	assert.Equal(t, float32(1), e.Embedding[0])
	assert.Len(t, e.Provenance, 1)
}

func TestRelation_Clone(t *testing.T) {
	r := NewRelation("WORKS_FOR", "p1", "c1")
	r.SetProperty("since", Int(2020))
	c := r.Clone()
	c.SetProperty("since", Int(2021))
	assert.True(t, r.Properties["since"].Equal(Int(2020)))
	assert.Equal(t, r.SourceID, c.SourceID)
}

func TestSchema_AllowsTriple(t *testing.T) {
	s := &Schema{
		RelationTypes: map[string]RelationDef{
			"WORKS_FOR": {
				Allowed:  []TypePair{{Source: "Person", Target: "Company"}},
				Required: []string{"since"},
			},
		},
	}
	assert.True(t, s.AllowsTriple("Person", "WORKS_FOR", "Company"))
	assert.False(t, s.AllowsTriple("Company", "WORKS_FOR", "Person"))
	assert.False(t, s.AllowsTriple("Person", "KNOWS", "Person"), "undeclared relation type")
	require.Equal(t, []string{"since"}, s.RequiredProps("WORKS_FOR"))

	var nilSchema *Schema
	assert.True(t, nilSchema.AllowsTriple("A", "B", "C"), "nil schema passes everything")
}
