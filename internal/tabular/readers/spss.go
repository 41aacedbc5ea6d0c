package readers

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"graphweave/internal/graph"
	"graphweave/internal/tabular"
	apperrors "graphweave/pkg/errors"
)

// SPSS reserved property keys under which variable and value labels are
// carried through an import.
const (
	SPSSVariableLabelsKey = "_spss_variable_labels"
	SPSSValueLabelsKey    = "_spss_value_labels"
)

// SPSSMetadata is the dictionary metadata of a .sav file.
type SPSSMetadata struct {
	// VariableLabels maps variable name to its label.
	VariableLabels map[string]string
	// ValueLabels maps variable name to value-string to label.
	ValueLabels map[string]map[string]string
}

// Properties renders the metadata as property values under the reserved
// keys, ready to attach to entities.
func (m *SPSSMetadata) Properties() map[string]graph.Value {
	varLabels := make(map[string]graph.Value, len(m.VariableLabels))
	for name, label := range m.VariableLabels {
		varLabels[name] = graph.String(label)
	}
	valLabels := make(map[string]graph.Value, len(m.ValueLabels))
	for name, labels := range m.ValueLabels {
		inner := make(map[string]graph.Value, len(labels))
		for value, label := range labels {
			inner[value] = graph.String(label)
		}
		valLabels[name] = graph.Map(inner)
	}
	return map[string]graph.Value{
		SPSSVariableLabelsKey: graph.Map(varLabels),
		SPSSValueLabelsKey:    graph.Map(valLabels),
	}
}

// ColumnMetadata renders the dictionary as schema-inference metadata.
func (m *SPSSMetadata) ColumnMetadata() *tabular.ColumnMetadata {
	return &tabular.ColumnMetadata{Labels: m.VariableLabels, ValueLabels: m.ValueLabels}
}

// InferSPSSSchema reads a .sav file and infers a schema mapping from its
// cases and dictionary: variable labels become property descriptions and
// value-labelled variables are inferred as categorical.
func InferSPSSSchema(path, entityType string) (*tabular.InferredSchema, error) {
	frame, meta, err := ReadSPSS(path)
	if err != nil {
		return nil, err
	}
	return tabular.InferFromFrameWithMetadata(frame, entityType, meta.ColumnMetadata())
}

// ReadSPSS reads an SPSS .sav file: the "$FL2" dictionary, variable and
// value label records, and the case data (raw or bytecode compressed).
// Long string segments and multi-record subtypes beyond the dictionary are
// skipped; this covers the files the importers deal with, not the full
// format.
func ReadSPSS(path string) (*tabular.Frame, *SPSSMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, apperrors.NewConfiguration("cannot open spss file " + path + ": " + err.Error())
	}
	defer f.Close()

	r := &savReader{r: bufio.NewReader(f)}
	frame, meta, err := r.read()
	if err != nil {
		return nil, nil, apperrors.NewTransformation("reading spss file "+path, err)
	}
	return frame, meta, nil
}

// savVariable is one dictionary entry. width 0 is numeric; width > 0 is a
// string occupying ceil(width/8) 8-byte data segments.
type savVariable struct {
	name     string
	width    int
	segments int
	label    string
}

type savReader struct {
	r     *bufio.Reader
	order binary.ByteOrder

	compression int32
	bias        float64
	ncases      int32

	vars []savVariable
	// segmentVar maps each 8-byte data segment to its variable index, -1
	// for string continuation segments.
	segmentVar []int

	valueLabels map[string]map[string]string
}

func (sr *savReader) read() (*tabular.Frame, *SPSSMetadata, error) {
	if err := sr.readHeader(); err != nil {
		return nil, nil, err
	}
	if err := sr.readDictionary(); err != nil {
		return nil, nil, err
	}
	return sr.readCases()
}

func (sr *savReader) readHeader() error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(sr.r, magic); err != nil {
		return err
	}
	if string(magic) != "$FL2" {
		return apperrors.NewConfiguration("not an spss .sav file (bad magic)")
	}
	// Product name.
	if err := sr.skip(60); err != nil {
		return err
	}

	// The layout code decides byte order: it reads as 2 or 3 in the file's
	// native order.
	layout := make([]byte, 4)
	if _, err := io.ReadFull(sr.r, layout); err != nil {
		return err
	}
	le := binary.LittleEndian.Uint32(layout)
	if le == 2 || le == 3 {
		sr.order = binary.LittleEndian
	} else {
		sr.order = binary.BigEndian
	}

	var nominalCaseSize int32
	if err := sr.readInt32(&nominalCaseSize); err != nil {
		return err
	}
	if err := sr.readInt32(&sr.compression); err != nil {
		return err
	}
	var weightIndex int32
	if err := sr.readInt32(&weightIndex); err != nil {
		return err
	}
	if err := sr.readInt32(&sr.ncases); err != nil {
		return err
	}
	if err := binary.Read(sr.r, sr.order, &sr.bias); err != nil {
		return err
	}
	// Creation date (9), time (8), file label (64), padding (3).
	return sr.skip(9 + 8 + 64 + 3)
}

func (sr *savReader) readDictionary() error {
	sr.valueLabels = make(map[string]map[string]string)
	var pendingLabels map[string]string

	for {
		var recType int32
		if err := sr.readInt32(&recType); err != nil {
			return err
		}
		switch recType {
		case 2:
			if err := sr.readVariable(); err != nil {
				return err
			}
		case 3:
			labels, err := sr.readValueLabels()
			if err != nil {
				return err
			}
			pendingLabels = labels
		case 4:
			if err := sr.applyValueLabels(pendingLabels); err != nil {
				return err
			}
			pendingLabels = nil
		case 6:
			var lines int32
			if err := sr.readInt32(&lines); err != nil {
				return err
			}
			if err := sr.skip(int(lines) * 80); err != nil {
				return err
			}
		case 7:
			if err := sr.skipExtension(); err != nil {
				return err
			}
		case 999:
			// Dictionary terminator, followed by a filler int.
			var filler int32
			return sr.readInt32(&filler)
		default:
			return apperrors.NewTransformation("unknown spss record type", nil)
		}
	}
}

func (sr *savReader) readVariable() error {
	var typ int32
	if err := sr.readInt32(&typ); err != nil {
		return err
	}
	var hasLabel, missingFormat int32
	if err := sr.readInt32(&hasLabel); err != nil {
		return err
	}
	if err := sr.readInt32(&missingFormat); err != nil {
		return err
	}
	// Print and write format codes.
	if err := sr.skip(8); err != nil {
		return err
	}
	nameBytes := make([]byte, 8)
	if _, err := io.ReadFull(sr.r, nameBytes); err != nil {
		return err
	}
	name := strings.TrimRight(string(nameBytes), " ")

	label := ""
	if hasLabel == 1 {
		var labelLen int32
		if err := sr.readInt32(&labelLen); err != nil {
			return err
		}
		padded := int(labelLen+3) / 4 * 4
		buf := make([]byte, padded)
		if _, err := io.ReadFull(sr.r, buf); err != nil {
			return err
		}
		label = strings.TrimRight(string(buf[:labelLen]), " \x00")
	}
	if missingFormat != 0 {
		n := int(missingFormat)
		if n < 0 {
			n = -n + 1
		}
		if err := sr.skip(n * 8); err != nil {
			return err
		}
	}

	switch {
	case typ == -1:
		// Continuation of a long string variable.
		sr.segmentVar = append(sr.segmentVar, -1)
	case typ == 0:
		sr.vars = append(sr.vars, savVariable{name: name, width: 0, segments: 1, label: label})
		sr.segmentVar = append(sr.segmentVar, len(sr.vars)-1)
	default:
		segments := (int(typ) + 7) / 8
		sr.vars = append(sr.vars, savVariable{name: name, width: int(typ), segments: segments, label: label})
		sr.segmentVar = append(sr.segmentVar, len(sr.vars)-1)
	}
	return nil
}

func (sr *savReader) readValueLabels() (map[string]string, error) {
	var count int32
	if err := sr.readInt32(&count); err != nil {
		return nil, err
	}
	labels := make(map[string]string, count)
	for i := int32(0); i < count; i++ {
		raw := make([]byte, 8)
		if _, err := io.ReadFull(sr.r, raw); err != nil {
			return nil, err
		}
		lenByte, err := sr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		// Label is padded so that length byte plus text is a multiple of 8.
		padded := (int(lenByte)+1+7)/8*8 - 1
		buf := make([]byte, padded)
		if _, err := io.ReadFull(sr.r, buf); err != nil {
			return nil, err
		}
		label := strings.TrimRight(string(buf[:lenByte]), " ")

		var bits uint64
		if sr.order == binary.LittleEndian {
			bits = binary.LittleEndian.Uint64(raw)
		} else {
			bits = binary.BigEndian.Uint64(raw)
		}
		key := formatSPSSNumber(math.Float64frombits(bits))
		labels[key] = label
	}
	return labels, nil
}

// applyValueLabels consumes the type-4 record that names the variables the
// preceding type-3 labels belong to.
func (sr *savReader) applyValueLabels(labels map[string]string) error {
	var count int32
	if err := sr.readInt32(&count); err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		var segIndex int32
		if err := sr.readInt32(&segIndex); err != nil {
			return err
		}
		if labels == nil {
			continue
		}
		// Indexes are 1-based over data segments.
		idx := int(segIndex) - 1
		if idx < 0 || idx >= len(sr.segmentVar) || sr.segmentVar[idx] < 0 {
			continue
		}
		name := sr.vars[sr.segmentVar[idx]].name
		merged := sr.valueLabels[name]
		if merged == nil {
			merged = make(map[string]string, len(labels))
			sr.valueLabels[name] = merged
		}
		for k, v := range labels {
			merged[k] = v
		}
	}
	return nil
}

func (sr *savReader) skipExtension() error {
	var subtype, size, count int32
	if err := sr.readInt32(&subtype); err != nil {
		return err
	}
	if err := sr.readInt32(&size); err != nil {
		return err
	}
	if err := sr.readInt32(&count); err != nil {
		return err
	}
	return sr.skip(int(size) * int(count))
}

func (sr *savReader) readCases() (*tabular.Frame, *SPSSMetadata, error) {
	columns := make([]string, len(sr.vars))
	varLabels := make(map[string]string)
	for i, v := range sr.vars {
		columns[i] = v.name
		if v.label != "" {
			varLabels[v.name] = v.label
		}
	}
	frame := tabular.NewFrame(columns)
	meta := &SPSSMetadata{VariableLabels: varLabels, ValueLabels: sr.valueLabels}

	var cd caseDecoder
	if sr.compression != 0 {
		cd = &compressedDecoder{sr: sr}
	} else {
		cd = &rawDecoder{sr: sr}
	}

	for {
		values := make(map[string]graph.Value, len(sr.vars))
		for _, v := range sr.vars {
			val, err := cd.next(v)
			if err == io.EOF {
				// EOF is clean only between cases.
				if len(values) > 0 {
					return nil, nil, io.ErrUnexpectedEOF
				}
				return frame, meta, nil
			}
			if err != nil {
				return nil, nil, err
			}
			values[v.name] = val
		}
		frame.AppendRow(values)
		if sr.ncases >= 0 && int32(len(frame.Rows)) == sr.ncases {
			return frame, meta, nil
		}
	}
}

type caseDecoder interface {
	// next decodes the value of one variable, consuming its segments.
	next(v savVariable) (graph.Value, error)
}

type rawDecoder struct {
	sr *savReader
}

func (d *rawDecoder) next(v savVariable) (graph.Value, error) {
	buf := make([]byte, v.segments*8)
	if _, err := io.ReadFull(d.sr.r, buf); err != nil {
		return graph.Null(), err
	}
	if v.width > 0 {
		return stringValue(buf, v.width), nil
	}
	return d.sr.numericValue(buf), nil
}

// compressedDecoder implements the .sav bytecode scheme: command bytes in
// groups of eight, where 1..251 encode value minus bias, 253 a literal
// 8-byte element, 254 an all-spaces string segment and 255 the system
// missing value. 252 ends the data.
type compressedDecoder struct {
	sr       *savReader
	commands []byte
	pos      int
	done     bool
	scratch  []byte
}

func (d *compressedDecoder) command() (byte, error) {
	if d.done {
		return 252, io.EOF
	}
	for {
		if d.pos < len(d.commands) {
			c := d.commands[d.pos]
			d.pos++
			if c == 0 {
				continue
			}
			return c, nil
		}
		block := make([]byte, 8)
		if _, err := io.ReadFull(d.sr.r, block); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				d.done = true
				return 252, io.EOF
			}
			return 0, err
		}
		d.commands = block
		d.pos = 0
	}
}

func (d *compressedDecoder) element(v savVariable) (graph.Value, bool, error) {
	c, err := d.command()
	if err == io.EOF || c == 252 {
		d.done = true
		return graph.Null(), false, io.EOF
	}
	if err != nil {
		return graph.Null(), false, err
	}
	switch c {
	case 253:
		buf := make([]byte, 8)
		if _, err := io.ReadFull(d.sr.r, buf); err != nil {
			return graph.Null(), false, err
		}
		if v.width > 0 {
			return graph.Null(), true, d.collect(buf)
		}
		return d.sr.numericValue(buf), false, nil
	case 254:
		if v.width > 0 {
			return graph.Null(), true, d.collect([]byte("        "))
		}
		return graph.Null(), false, nil
	case 255:
		return graph.Null(), false, nil
	default:
		return graph.Float(float64(c) - d.sr.bias), false, nil
	}
}

// collect appends one string segment into the scratch buffer.
func (d *compressedDecoder) collect(seg []byte) error {
	d.scratch = append(d.scratch, seg...)
	return nil
}

func (d *compressedDecoder) next(v savVariable) (graph.Value, error) {
	if v.width == 0 {
		val, _, err := d.element(v)
		return val, err
	}
	d.scratch = d.scratch[:0]
	for i := 0; i < v.segments; i++ {
		_, isString, err := d.element(v)
		if err != nil {
			return graph.Null(), err
		}
		if !isString {
			// A numeric element inside a string variable means the segment
			// was system missing; keep its width as spaces.
			d.scratch = append(d.scratch, []byte("        ")...)
		}
	}
	return stringValue(d.scratch, v.width), nil
}

func (sr *savReader) numericValue(buf []byte) graph.Value {
	var bits uint64
	if sr.order == binary.LittleEndian {
		bits = binary.LittleEndian.Uint64(buf)
	} else {
		bits = binary.BigEndian.Uint64(buf)
	}
	f := math.Float64frombits(bits)
	if f == -math.MaxFloat64 || math.IsNaN(f) {
		return graph.Null()
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return graph.Int(int64(f))
	}
	return graph.Float(f)
}

func stringValue(buf []byte, width int) graph.Value {
	if width < len(buf) {
		buf = buf[:width]
	}
	s := strings.TrimRight(string(buf), " \x00")
	if s == "" {
		return graph.Null()
	}
	return graph.String(s)
}

// formatSPSSNumber renders a label key the way the file's values render as
// properties.
func formatSPSSNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return graph.Int(int64(f)).String()
	}
	return graph.Float(f).String()
}

func (sr *savReader) readInt32(out *int32) error {
	return binary.Read(sr.r, sr.orderOrDefault(), out)
}

func (sr *savReader) orderOrDefault() binary.ByteOrder {
	if sr.order == nil {
		return binary.LittleEndian
	}
	return sr.order
}

func (sr *savReader) skip(n int) error {
	_, err := io.CopyN(io.Discard, sr.r, int64(n))
	return err
}
