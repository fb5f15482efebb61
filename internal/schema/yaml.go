package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"asterix_decoder/internal/asterix"
)

// Document is the YAML form of a category definition:
//
//	category: 34
//	name: Transmission of Monoradar Service Messages
//	edition: "1.29"
//	uap: ["010", "000", "030", "020", "-"]
//	items:
//	  "010":
//	    fixed:
//	      length: 2
//	      fields:
//	        - {name: SAC, from: 16, to: 9}
//	        - {name: SIC, from: 8, to: 1}
type Document struct {
	Category int                 `yaml:"category"`
	Name     string              `yaml:"name,omitempty"`
	Edition  string              `yaml:"edition,omitempty"`
	UAP      []string            `yaml:"uap"`
	Items    map[string]ItemSpec `yaml:"items"`
}

// ItemSpec holds exactly one of the four formats. A null compound entry is a
// spare subfield.
type ItemSpec struct {
	Fixed      *FixedSpec  `yaml:"fixed,omitempty"`
	Repetitive *FixedSpec  `yaml:"repetitive,omitempty"`
	Variable   []FixedSpec `yaml:"variable,omitempty"`
	Compound   []*ItemSpec `yaml:"compound,omitempty"`
}

// FixedSpec is a Fixed block.
type FixedSpec struct {
	Length int         `yaml:"length"`
	Fields []FieldSpec `yaml:"fields,omitempty"`
}

// FieldSpec is either a single bit or a from..to range.
type FieldSpec struct {
	Name   string   `yaml:"name"`
	Bit    int      `yaml:"bit,omitempty"`
	From   int      `yaml:"from,omitempty"`
	To     int      `yaml:"to,omitempty"`
	Signed bool     `yaml:"signed,omitempty"`
	Scale  *float64 `yaml:"scale,omitempty"`
}

// ParseYAML parses a YAML category definition.
func ParseYAML(data []byte) (*asterix.Schema, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return doc.Schema()
}

// Schema converts the document into a decoder schema.
func (d *Document) Schema() (*asterix.Schema, error) {
	s := &asterix.Schema{
		Category: d.Category,
		Name:     d.Name,
		Edition:  d.Edition,
		UAP:      uapSlots(d.UAP),
		Items:    make(map[string]asterix.Format, len(d.Items)),
	}
	for id, spec := range d.Items {
		f, err := spec.format()
		if err != nil {
			return nil, fmt.Errorf("category %d item %s: %w", d.Category, id, err)
		}
		s.Items[id] = f
	}
	return s, nil
}

func (it *ItemSpec) format() (asterix.Format, error) {
	set := 0
	for _, ok := range []bool{it.Fixed != nil, it.Repetitive != nil, it.Variable != nil, it.Compound != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("expected exactly one of fixed, repetitive, variable or compound, got %d", set)
	}

	switch {
	case it.Fixed != nil:
		return it.Fixed.fixed()

	case it.Repetitive != nil:
		el, err := it.Repetitive.fixed()
		if err != nil {
			return nil, err
		}
		return &asterix.Repetitive{Element: el}, nil

	case it.Variable != nil:
		v := &asterix.Variable{}
		for i := range it.Variable {
			b, err := it.Variable[i].fixed()
			if err != nil {
				return nil, fmt.Errorf("extent %d: %w", i+1, err)
			}
			v.Blocks = append(v.Blocks, b)
		}
		return v, nil

	default:
		cp := &asterix.Compound{Subitems: make([]asterix.Format, len(it.Compound))}
		for i, sub := range it.Compound {
			if sub == nil {
				continue
			}
			f, err := sub.format()
			if err != nil {
				return nil, fmt.Errorf("subfield %d: %w", i+1, err)
			}
			cp.Subitems[i] = f
		}
		return cp, nil
	}
}

func (fs *FixedSpec) fixed() (*asterix.Fixed, error) {
	f := &asterix.Fixed{Length: fs.Length, Fields: make([]asterix.Field, 0, len(fs.Fields))}
	for _, spec := range fs.Fields {
		switch {
		case spec.Name == "":
			return nil, fmt.Errorf("field without name")
		case spec.Bit > 0:
			f.Fields = append(f.Fields, asterix.BitField(spec.Name, spec.Bit))
		case spec.From > 0 && spec.To > 0:
			field := asterix.RangeField(spec.Name, spec.From, spec.To)
			if spec.Signed {
				field = field.AsSigned()
			}
			if spec.Scale != nil {
				field = field.WithScale(*spec.Scale)
			}
			f.Fields = append(f.Fields, field)
		default:
			return nil, fmt.Errorf("field %s: needs bit or from/to", spec.Name)
		}
	}
	return f, nil
}
