// Package readers loads tabular sources (CSV, JSON, Excel, SPSS) into the
// row/frame model. All readers type cells the same way: empty string is
// null, then integer, then float, then the raw string.
package readers

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"graphweave/internal/graph"
	"graphweave/internal/tabular"
	apperrors "graphweave/pkg/errors"
)

// ReadCSV materialises a UTF-8 CSV file with a header row into a frame.
func ReadCSV(path string) (*tabular.Frame, error) {
	stream, err := StreamCSV(path)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return tabular.Collect(stream.Columns, stream)
}

// CSVStream reads a CSV file row by row. The header is consumed at open
// time; Next returns io.EOF after the last record.
type CSVStream struct {
	Columns []string

	file   *os.File
	reader *csv.Reader
	index  int
}

// StreamCSV opens a CSV file for streaming row iteration. The caller owns
// Close.
func StreamCSV(path string) (*CSVStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewConfiguration("cannot open csv file " + path + ": " + err.Error())
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		f.Close()
		if err == io.EOF {
			return nil, apperrors.NewConfiguration("csv file " + path + " is empty")
		}
		return nil, apperrors.NewTransformation("reading csv header from "+path, err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}
	return &CSVStream{Columns: columns, file: f, reader: r}, nil
}

// Next returns the next row, or io.EOF at the end of the file.
func (s *CSVStream) Next() (*tabular.Row, error) {
	record, err := s.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, apperrors.NewTransformation("reading csv record", err)
	}
	values := make(map[string]graph.Value, len(s.Columns))
	for i, col := range s.Columns {
		if i < len(record) {
			values[col] = ParseCell(record[i])
		} else {
			values[col] = graph.Null()
		}
	}
	row := &tabular.Row{Index: s.index, Values: values}
	s.index++
	return row, nil
}

// Close releases the underlying file.
func (s *CSVStream) Close() error { return s.file.Close() }

// ParseCell types a raw cell: empty is null, then int, then float, then
// string. Booleans are left as strings so that type casts stay explicit.
func ParseCell(raw string) graph.Value {
	if raw == "" {
		return graph.Null()
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return graph.Int(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return graph.Float(f)
	}
	return graph.String(raw)
}
