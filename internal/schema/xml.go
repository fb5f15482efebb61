// Package schema loads ASTERIX category definitions from XML and YAML files.
package schema

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"asterix_decoder/internal/asterix"
)

var errUnsupportedFormat = errors.New("unsupported item format")

type xmlCategory struct {
	ID    string        `xml:"id,attr"`
	Name  string        `xml:"name,attr"`
	Ver   string        `xml:"ver,attr"`
	Items []xmlDataItem `xml:"DataItem"`
	UAPs  []xmlUAP      `xml:"UAP"`
}

type xmlDataItem struct {
	ID     string  `xml:"id,attr"`
	Format xmlNode `xml:"DataItemFormat"`
}

type xmlUAP struct {
	Items []string `xml:"UAPItem"`
}

// xmlNode keeps child order, which compound subfield numbering depends on.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
	Text     string     `xml:",chardata"`
}

func (n *xmlNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func (n *xmlNode) child(name string) *xmlNode {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			return &n.Children[i]
		}
	}
	return nil
}

func (n *xmlNode) children(name string) []*xmlNode {
	var out []*xmlNode
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			out = append(out, &n.Children[i])
		}
	}
	return out
}

// formatChildren returns the children that describe one of the item formats.
func (n *xmlNode) formatChildren() []*xmlNode {
	var out []*xmlNode
	for i := range n.Children {
		switch n.Children[i].XMLName.Local {
		case "Fixed", "Repetitive", "Variable", "Compound", "Explicit", "BDS":
			out = append(out, &n.Children[i])
		}
	}
	return out
}

// ParseXML reads a category definition in the XML layout used by the
// published ASTERIX category files (Category / DataItem / DataItemFormat / UAP).
//
// Only the first UAP is used. Items whose format the decoder cannot handle
// (Explicit, BDS) are left out, so a record that selects them fails with
// asterix.ErrSchemaInconsistency.
func ParseXML(r io.Reader) (*asterix.Schema, error) {
	var cat xmlCategory
	if err := xml.NewDecoder(r).Decode(&cat); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}

	id, err := strconv.Atoi(cat.ID)
	if err != nil {
		return nil, fmt.Errorf("category id %q: %w", cat.ID, err)
	}
	if len(cat.UAPs) == 0 {
		return nil, fmt.Errorf("category %d: no UAP", id)
	}

	s := &asterix.Schema{
		Category: id,
		Name:     cat.Name,
		Edition:  cat.Ver,
		UAP:      uapSlots(cat.UAPs[0].Items),
		Items:    make(map[string]asterix.Format, len(cat.Items)),
	}

	for _, item := range cat.Items {
		formats := item.Format.formatChildren()
		if len(formats) == 0 {
			continue
		}
		f, err := xmlFormat(formats[0])
		if errors.Is(err, errUnsupportedFormat) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("category %d item %s: %w", id, item.ID, err)
		}
		s.Items[strings.TrimSpace(item.ID)] = f
	}

	return s, nil
}

// uapSlots drops FX entries and turns "-" into unassigned slots.
func uapSlots(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch e {
		case asterix.FX:
			continue
		case "-":
			out = append(out, "")
		default:
			out = append(out, e)
		}
	}
	return out
}

func xmlFormat(n *xmlNode) (asterix.Format, error) {
	switch n.XMLName.Local {
	case "Fixed":
		return xmlFixed(n)

	case "Repetitive":
		fixed := n.child("Fixed")
		if fixed == nil {
			return &asterix.Repetitive{}, nil
		}
		el, err := xmlFixed(fixed)
		if err != nil {
			return nil, err
		}
		return &asterix.Repetitive{Element: el}, nil

	case "Variable":
		v := &asterix.Variable{}
		for i, fixed := range n.children("Fixed") {
			b, err := xmlFixed(fixed)
			if err != nil {
				return nil, fmt.Errorf("extent %d: %w", i+1, err)
			}
			v.Blocks = append(v.Blocks, b)
		}
		return v, nil

	case "Compound":
		// The first child describes the indicator itself.
		children := n.formatChildren()
		if len(children) > 0 {
			children = children[1:]
		}
		cp := &asterix.Compound{Subitems: make([]asterix.Format, len(children))}
		for i, child := range children {
			f, err := xmlFormat(child)
			if errors.Is(err, errUnsupportedFormat) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("subfield %d: %w", i+1, err)
			}
			cp.Subitems[i] = f
		}
		return cp, nil

	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedFormat, n.XMLName.Local)
	}
}

func xmlFixed(n *xmlNode) (*asterix.Fixed, error) {
	length, err := strconv.Atoi(n.attr("length"))
	if err != nil {
		return nil, fmt.Errorf("fixed length %q: %w", n.attr("length"), err)
	}

	f := &asterix.Fixed{Length: length}
	for _, bits := range n.children("Bits") {
		field, err := xmlField(bits)
		if err != nil {
			return nil, err
		}
		f.Fields = append(f.Fields, field)
	}
	return f, nil
}

func xmlField(n *xmlNode) (asterix.Field, error) {
	var name string
	if sn := n.child("BitsShortName"); sn != nil {
		name = strings.TrimSpace(sn.Text)
	}

	var field asterix.Field
	if bit := n.attr("bit"); bit != "" {
		b, err := strconv.Atoi(bit)
		if err != nil {
			return field, fmt.Errorf("bits %s: bit %q: %w", name, bit, err)
		}
		if name == "" {
			name = fmt.Sprintf("bit%d", b)
		}
		return asterix.BitField(name, b), nil
	}

	from, err := strconv.Atoi(n.attr("from"))
	if err != nil {
		return field, fmt.Errorf("bits %s: from %q: %w", name, n.attr("from"), err)
	}
	to, err := strconv.Atoi(n.attr("to"))
	if err != nil {
		return field, fmt.Errorf("bits %s: to %q: %w", name, n.attr("to"), err)
	}
	if name == "" {
		name = fmt.Sprintf("bits%d_%d", from, to)
	}

	field = asterix.RangeField(name, from, to)
	if n.attr("encode") == "signed" {
		field = field.AsSigned()
	}
	if unit := n.child("BitsUnit"); unit != nil {
		if sc := unit.attr("scale"); sc != "" {
			scale, err := strconv.ParseFloat(sc, 64)
			if err != nil {
				return field, fmt.Errorf("bits %s: scale %q: %w", name, sc, err)
			}
			field = field.WithScale(scale)
		}
	}
	return field, nil
}
