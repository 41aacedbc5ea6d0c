// Package tabular implements the structured-data side of the pipeline:
// the row/frame model, declarative schema mappings with property
// transformations, wide/long reshaping, schema inference, data-quality
// validation and streaming aggregation.
package tabular

import (
	"io"

	"graphweave/internal/graph"
)

// Row is one record of a tabular source. Values are keyed by column name;
// Index is the zero-based position in the source.
type Row struct {
	Index  int
	Values map[string]graph.Value
}

// Value returns the named column value, or null when absent.
func (r *Row) Value(column string) graph.Value {
	if r.Values == nil {
		return graph.Null()
	}
	return r.Values[column]
}

// RowIter is an ordered stream of rows. Next returns io.EOF after the last
// row. Implementations need not be safe for concurrent use; the pipelines
// read from a single goroutine.
type RowIter interface {
	Next() (*Row, error)
}

// Frame is a materialised table: ordered columns and rows. The batch form
// of the pipeline is the streaming form materialised, so Frame also
// implements row iteration via Iter.
type Frame struct {
	Columns []string
	Rows    []Row
}

// NewFrame creates a frame with the given column order.
func NewFrame(columns []string) *Frame {
	return &Frame{Columns: columns}
}

// AppendRow adds a row, assigning its index.
func (f *Frame) AppendRow(values map[string]graph.Value) {
	f.Rows = append(f.Rows, Row{Index: len(f.Rows), Values: values})
}

// NumRows returns the row count.
func (f *Frame) NumRows() int { return len(f.Rows) }

// NumColumns returns the column count.
func (f *Frame) NumColumns() int { return len(f.Columns) }

// HasColumn reports whether the frame declares the column.
func (f *Frame) HasColumn(name string) bool {
	for _, c := range f.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Column returns the values of one column in row order.
func (f *Frame) Column(name string) []graph.Value {
	out := make([]graph.Value, len(f.Rows))
	for i := range f.Rows {
		out[i] = f.Rows[i].Value(name)
	}
	return out
}

// Iter returns a RowIter over the frame.
func (f *Frame) Iter() RowIter {
	return &frameIter{frame: f}
}

type frameIter struct {
	frame *Frame
	pos   int
}

func (it *frameIter) Next() (*Row, error) {
	if it.pos >= len(it.frame.Rows) {
		return nil, io.EOF
	}
	row := &it.frame.Rows[it.pos]
	it.pos++
	return row, nil
}

// Collect materialises a row stream into a frame with the given columns.
func Collect(columns []string, iter RowIter) (*Frame, error) {
	f := NewFrame(columns)
	for {
		row, err := iter.Next()
		if err == io.EOF {
			return f, nil
		}
		if err != nil {
			return nil, err
		}
		f.AppendRow(row.Values)
	}
}
