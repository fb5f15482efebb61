package asterix

import (
	"errors"
	"fmt"
)

// Validate checks the item formats the decoder relies on: field positions fit
// their blocks and Variable extents carry an FX bit. It returns all problems
// found, joined.
//
// UAP entries without an item definition are allowed; see Undefined.
func (s *Schema) Validate() error {
	var errs []error
	for id, f := range s.Items {
		if err := validateFormat(f); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSchemaInconsistency, errors.Join(errs...))
	}
	return nil
}

// Undefined returns the UAP entries that have no item definition. A record
// selecting one of them fails with ErrSchemaInconsistency.
func (s *Schema) Undefined() []string {
	var out []string
	for _, id := range s.UAP {
		if id == "" {
			continue
		}
		if _, ok := s.Items[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func validateFormat(format Format) error {
	switch f := format.(type) {
	case *Fixed:
		return validateFixed(f)
	case *Repetitive:
		if f.Element == nil {
			return nil
		}
		if f.Element.Length == 0 {
			return errors.New("repetitive element has zero length")
		}
		return validateFixed(f.Element)
	case *Variable:
		if len(f.Blocks) == 0 {
			return errors.New("variable item has no extents")
		}
		for i, b := range f.Blocks {
			if err := validateFixed(b); err != nil {
				return fmt.Errorf("extent %d: %w", i+1, err)
			}
			if !hasField(b, FX) {
				return fmt.Errorf("extent %d: no FX field", i+1)
			}
		}
		return nil
	case *Compound:
		for i, sub := range f.Subitems {
			if sub == nil {
				continue
			}
			if err := validateFormat(sub); err != nil {
				return fmt.Errorf("subfield %d: %w", i+1, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown item format %T", format)
	}
}

func validateFixed(f *Fixed) error {
	if f == nil {
		return errors.New("missing fixed block")
	}
	if f.Length < 0 {
		return fmt.Errorf("negative length %d", f.Length)
	}
	for _, field := range f.Fields {
		from, to := field.Bounds()
		if to < 1 || from > f.Length*8 {
			return fmt.Errorf("field %s bits %d..%d outside %d-byte block", field.Name, from, to, f.Length)
		}
		if field.Width() > 64 {
			return fmt.Errorf("field %s wider than 64 bits", field.Name)
		}
	}
	return nil
}

func hasField(f *Fixed, name string) bool {
	for _, field := range f.Fields {
		if field.Name == name {
			return true
		}
	}
	return false
}
