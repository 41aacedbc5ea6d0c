package readers

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphweave/internal/graph"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadCSV(t *testing.T) {
	path := writeFile(t, "people.csv", "id, name ,age,score,note\n1,Alice,30,9.5,hello\n2,Bob,,,\n")
	f, err := ReadCSV(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "age", "score", "note"}, f.Columns,
		"header cells are trimmed")
	require.Equal(t, 2, f.NumRows())

	r0 := f.Rows[0]
	assert.True(t, r0.Value("id").Equal(graph.Int(1)))
	assert.True(t, r0.Value("name").Equal(graph.String("Alice")))
	assert.True(t, r0.Value("age").Equal(graph.Int(30)))
	assert.True(t, r0.Value("score").Equal(graph.Float(9.5)))

	r1 := f.Rows[1]
	assert.True(t, r1.Value("age").IsNull(), "empty cell is null")
	assert.True(t, r1.Value("note").IsNull())
}

func TestStreamCSV(t *testing.T) {
	path := writeFile(t, "s.csv", "a,b\n1,2\n3\n")
	s, err := StreamCSV(path)
	require.NoError(t, err)
	defer s.Close()

	row, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, row.Index)

	row, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, row.Index)
	assert.True(t, row.Value("b").IsNull(), "short record pads with nulls")

	_, err = s.Next()
	assert.Equal(t, io.EOF, err)
}

func TestStreamCSV_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := StreamCSV(filepath.Join(t.TempDir(), "nope.csv"))
		assert.Error(t, err)
	})
	t.Run("empty file", func(t *testing.T) {
		_, err := StreamCSV(writeFile(t, "empty.csv", ""))
		assert.Error(t, err)
	})
}

func TestParseCell(t *testing.T) {
	tests := []struct {
		raw  string
		want graph.Value
	}{
		{"", graph.Null()},
		{"42", graph.Int(42)},
		{"-7", graph.Int(-7)},
		{"2.5", graph.Float(2.5)},
		{"1e3", graph.Float(1000)},
		{"true", graph.String("true")}, // booleans stay strings until cast
		{"hello", graph.String("hello")},
		{"0030", graph.Int(30)},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseCell(tt.raw)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestReadJSON(t *testing.T) {
	t.Run("root array", func(t *testing.T) {
		path := writeFile(t, "a.json", `[{"id":1,"name":"Alice"},{"id":2,"tags":["x"]}]`)
		f, err := ReadJSON(path, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name", "tags"}, f.Columns, "columns are the sorted key union")
		require.Equal(t, 2, f.NumRows())
		assert.True(t, f.Rows[0].Value("id").Equal(graph.Int(1)), "integral json numbers decode as int")
		assert.True(t, f.Rows[0].Value("tags").IsNull(), "missing key is null")
		list, ok := f.Rows[1].Value("tags").ListVal()
		require.True(t, ok)
		assert.Len(t, list, 1)
	})
	t.Run("nested array key", func(t *testing.T) {
		path := writeFile(t, "b.json", `{"count":1,"records":[{"id":1}]}`)
		f, err := ReadJSON(path, "records")
		require.NoError(t, err)
		assert.Equal(t, 1, f.NumRows())
	})
	t.Run("missing array key", func(t *testing.T) {
		path := writeFile(t, "c.json", `{"records":[]}`)
		_, err := ReadJSON(path, "items")
		assert.Error(t, err)
	})
}
