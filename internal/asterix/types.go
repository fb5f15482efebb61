// Package asterix decodes ASTERIX surveillance data messages.
//
// A message is a one-byte category selector followed by back-to-back records.
// Each record starts with an FSPEC presence bitmask whose bits select entries of
// the category's User Application Profile (UAP); every selected item is decoded
// according to its Format (Fixed, Repetitive, Variable or Compound) while a single
// Cursor advances over the buffer.
package asterix

// FX is the conventional name of the extension bit in chained octets.
const FX = "FX"

// Field describes one named field inside a Fixed block.
//
// Positions are 1-based and counted from the least significant bit of the whole
// block. A field is either a single bit (Bit > 0) or an inclusive range From..To
// with From >= To.
type Field struct {
	Name   string
	Bit    int
	From   int
	To     int
	Signed bool
	Scale  *float64
}

// BitField returns a single-bit field.
func BitField(name string, bit int) Field {
	return Field{Name: name, Bit: bit}
}

// RangeField returns a field spanning bits from..to. Reversed bounds are swapped.
func RangeField(name string, from, to int) Field {
	if from < to {
		from, to = to, from
	}
	return Field{Name: name, From: from, To: to}
}

// AsSigned marks the field as two's-complement.
func (f Field) AsSigned() Field {
	f.Signed = true
	return f
}

// WithScale sets the multiplier applied after extraction.
func (f Field) WithScale(scale float64) Field {
	f.Scale = &scale
	return f
}

// IsBit reports whether the field is a single bit.
func (f Field) IsBit() bool { return f.Bit > 0 }

// Bounds returns the normalised (from, to) positions of the field.
func (f Field) Bounds() (int, int) {
	if f.IsBit() {
		return f.Bit, f.Bit
	}
	if f.From < f.To {
		return f.To, f.From
	}
	return f.From, f.To
}

// Width returns the number of bits covered by the field.
func (f Field) Width() int {
	from, to := f.Bounds()
	return from - to + 1
}

// Format is the closed set of item layouts: *Fixed, *Repetitive, *Variable and
// *Compound. Every dispatch site switches over exactly these four.
type Format interface {
	format()
}

// Fixed is a block of Length bytes holding Fields.
type Fixed struct {
	Length int
	Fields []Field
}

// Repetitive is a count byte followed by that many Element blocks.
type Repetitive struct {
	Element *Fixed
}

// Variable is a chain of Fixed blocks linked by their FX fields.
type Variable struct {
	Blocks []*Fixed
}

// Compound is an indicator bitmask followed by the selected subitems.
// A nil entry marks a spare indicator bit.
type Compound struct {
	Subitems []Format
}

func (*Fixed) format()      {}
func (*Repetitive) format() {}
func (*Variable) format()   {}
func (*Compound) format()   {}

// Schema describes one ASTERIX category. It is built once by a schema provider
// and shared read-only between decodes.
type Schema struct {
	Category int
	Name     string
	Edition  string

	// UAP holds one item identifier per FSPEC bit, extension bits excluded.
	// An empty string marks an unassigned slot.
	UAP []string

	Items map[string]Format
}

// ItemIDs returns the identifiers assigned in the UAP, in FSPEC order.
func (s *Schema) ItemIDs() []string {
	ids := make([]string, 0, len(s.UAP))
	for _, id := range s.UAP {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
