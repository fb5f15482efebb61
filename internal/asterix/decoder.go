package asterix

import (
	"fmt"
	"maps"
)

// SchemaProvider resolves a category selector to its schema.
type SchemaProvider interface {
	Lookup(category int) (*Schema, bool)
}

// Decoder decodes whole messages. It holds no per-message state and may be
// used from several goroutines at once.
type Decoder struct {
	schemas SchemaProvider
}

// NewDecoder creates a Decoder backed by the given schema provider.
func NewDecoder(schemas SchemaProvider) *Decoder {
	return &Decoder{schemas: schemas}
}

// Decode decodes one message: a category byte followed by records until the
// buffer is exhausted.
//
// An unknown category returns ErrUnsupportedCategory and no records. A record
// that fails stops the decode; the records completed before it are returned
// together with a *RecordError.
func (d *Decoder) Decode(data []byte) (*Message, error) {
	c := NewCursor(data)

	b, err := c.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("category: %w", err)
	}
	msg := &Message{Category: int(int8(b))}

	schema, ok := d.schemas.Lookup(msg.Category)
	if !ok {
		return msg, fmt.Errorf("category %d: %w", msg.Category, ErrUnsupportedCategory)
	}

	msg.Records = []Record{}
	for c.Remaining() > 0 {
		start := c.Offset()
		rec, err := DecodeRecord(schema, c)
		if err != nil {
			return msg, &RecordError{Index: len(msg.Records), Offset: start, Err: err}
		}
		msg.Records = append(msg.Records, rec)
	}

	return msg, nil
}

// DecodeRecord decodes one FSPEC-delimited record at the cursor.
func DecodeRecord(s *Schema, c *Cursor) (Record, error) {
	fspec := c.ReadPresence()
	rec := make(Record)

	for _, slot := range fspec.Slots() {
		if slot >= len(s.UAP) {
			return nil, fmt.Errorf("%w: FSPEC bit for FRN %d beyond UAP of %d items", ErrSchemaInconsistency, slot+1, len(s.UAP))
		}
		id := s.UAP[slot]
		if id == "" {
			continue
		}
		format, ok := s.Items[id]
		if !ok {
			return nil, fmt.Errorf("%w: item %s is not defined for category %d", ErrSchemaInconsistency, id, s.Category)
		}

		v, err := decodeItem(format, c)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", id, err)
		}
		rec[id] = v
	}

	return rec, nil
}

func decodeItem(format Format, c *Cursor) (Value, error) {
	switch f := format.(type) {
	case *Fixed:
		return decodeFixed(f, c)
	case *Repetitive:
		return decodeRepetitive(f, c)
	case *Variable:
		return decodeVariable(f, c)
	case *Compound:
		return decodeCompound(f, c)
	default:
		return nil, fmt.Errorf("%w: unknown item format %T", ErrSchemaInconsistency, format)
	}
}

func decodeFixed(f *Fixed, c *Cursor) (Fields, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: missing fixed block", ErrSchemaInconsistency)
	}
	data, err := c.Next(f.Length)
	if err != nil {
		return nil, err
	}

	out := make(Fields, len(f.Fields))
	for _, field := range f.Fields {
		n, err := field.Extract(data)
		if err != nil {
			return nil, err
		}
		out[field.Name] = n
	}
	return out, nil
}

// decodeRepetitive never reads past the buffer: a short buffer yields the
// elements that fit.
func decodeRepetitive(r *Repetitive, c *Cursor) (FieldsList, error) {
	out := FieldsList{}
	if c.Remaining() == 0 {
		return out, nil
	}
	rep, _ := c.ReadByte()
	if rep == 0 || r.Element == nil {
		return out, nil
	}

	n := int(rep)
	if size := r.Element.Length; size > 0 && c.Remaining()/size < n {
		n = c.Remaining() / size
	}
	for i := 0; i < n; i++ {
		fields, err := decodeFixed(r.Element, c)
		if err != nil {
			return nil, fmt.Errorf("repetition %d: %w", i+1, err)
		}
		out = append(out, fields)
	}
	return out, nil
}

func decodeVariable(v *Variable, c *Cursor) (Fields, error) {
	out := Fields{}
	for i, block := range v.Blocks {
		fields, err := decodeFixed(block, c)
		if err != nil {
			return nil, fmt.Errorf("extent %d: %w", i+1, err)
		}
		fx, ok := fields[FX]
		if !ok {
			return nil, fmt.Errorf("%w: extent %d has no FX field", ErrSchemaInconsistency, i+1)
		}
		maps.Copy(out, fields)
		if fx.Int64() == 0 {
			break
		}
	}
	return out, nil
}

func decodeCompound(cp *Compound, c *Cursor) (Fields, error) {
	indicator := c.ReadPresence()
	out := Fields{}

	for _, slot := range indicator.Slots() {
		if slot >= len(cp.Subitems) || cp.Subitems[slot] == nil {
			return nil, fmt.Errorf("%w: subfield %d is not defined", ErrSchemaInconsistency, slot+1)
		}
		v, err := decodeItem(cp.Subitems[slot], c)
		if err != nil {
			return nil, fmt.Errorf("subfield %d: %w", slot+1, err)
		}

		switch sub := v.(type) {
		case Fields:
			maps.Copy(out, sub)
		case FieldsList:
			for i, fields := range sub {
				for name, n := range fields {
					out[fmt.Sprintf("%s[%d]", name, i)] = n
				}
			}
		}
	}
	return out, nil
}

// Extract reads the field from a Fixed block's bytes.
func (f Field) Extract(data []byte) (Number, error) {
	from, to := f.Bounds()
	if to < 1 || from > len(data)*8 {
		return Number{}, fmt.Errorf("%w: field %s bits %d..%d outside %d-byte block", ErrSchemaInconsistency, f.Name, from, to, len(data))
	}

	if f.IsBit() {
		return Int(int64(bitAt(data, f.Bit))), nil
	}

	width := from - to + 1
	if width > 64 {
		return Number{}, fmt.Errorf("%w: field %s is %d bits wide", ErrSchemaInconsistency, f.Name, width)
	}

	var raw uint64
	for p := from; p >= to; p-- {
		raw = raw<<1 | uint64(bitAt(data, p))
	}

	v := int64(raw)
	if f.Signed {
		shift := 64 - width
		v = int64(raw<<shift) >> shift
	}
	if f.Scale != nil {
		return Float(float64(v) * *f.Scale), nil
	}
	return Int(v), nil
}

// bitAt returns bit p (1-based from the LSB of the whole block).
func bitAt(data []byte, p int) byte {
	idx := len(data) - 1 - (p-1)/8
	return (data[idx] >> ((p - 1) % 8)) & 1
}
