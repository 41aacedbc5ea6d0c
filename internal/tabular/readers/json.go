package readers

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strconv"

	"graphweave/internal/graph"
	"graphweave/internal/tabular"
	apperrors "graphweave/pkg/errors"
)

// ReadJSON materialises a JSON file into a frame. The records live either
// in an array at the document root or under arrayKey when given. Columns
// are the sorted union of keys across all records.
func ReadJSON(path, arrayKey string) (*tabular.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfiguration("cannot read json file " + path + ": " + err.Error())
	}

	var records []map[string]any
	if arrayKey == "" {
		if err := decodeJSON(data, &records); err != nil {
			return nil, apperrors.NewTransformation("json file "+path+" is not an array of objects", err)
		}
	} else {
		var doc map[string]json.RawMessage
		if err := decodeJSON(data, &doc); err != nil {
			return nil, apperrors.NewTransformation("json file "+path+" is not an object", err)
		}
		raw, ok := doc[arrayKey]
		if !ok {
			return nil, apperrors.NewConfiguration("json file " + path + " has no key " + arrayKey)
		}
		if err := decodeJSON(raw, &records); err != nil {
			return nil, apperrors.NewTransformation("json key "+arrayKey+" is not an array of objects", err)
		}
	}

	seen := make(map[string]struct{})
	var columns []string
	for _, rec := range records {
		for k := range rec {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	frame := tabular.NewFrame(columns)
	for i, rec := range records {
		values := make(map[string]graph.Value, len(columns))
		for _, col := range columns {
			raw, ok := rec[col]
			if !ok || raw == nil {
				values[col] = graph.Null()
				continue
			}
			v, err := graph.FromAny(raw)
			if err != nil {
				return nil, apperrors.NewTransformation(
					"json record "+strconv.Itoa(i)+" column "+col, err)
			}
			values[col] = v
		}
		frame.AppendRow(values)
	}
	return frame, nil
}

// decodeJSON decodes with UseNumber so integers survive as ints.
func decodeJSON(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}
