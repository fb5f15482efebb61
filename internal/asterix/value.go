package asterix

import (
	"encoding/json"
	"strconv"
)

// Number is a decoded field value. Scaled fields are floating point, every
// other field is an integer.
type Number struct {
	i       int64
	f       float64
	isFloat bool
}

// Int returns an integral Number.
func Int(v int64) Number { return Number{i: v} }

// Float returns a floating point Number.
func Float(v float64) Number { return Number{f: v, isFloat: true} }

// IsFloat reports whether the value came from a scaled field.
func (n Number) IsFloat() bool { return n.isFloat }

// Int64 returns the value as an integer, truncating scaled values.
func (n Number) Int64() int64 {
	if n.isFloat {
		return int64(n.f)
	}
	return n.i
}

// Float64 returns the value as a float.
func (n Number) Float64() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (n Number) String() string {
	if n.isFloat {
		return strconv.FormatFloat(n.f, 'g', -1, 64)
	}
	return strconv.FormatInt(n.i, 10)
}

func (n Number) MarshalJSON() ([]byte, error) {
	if n.isFloat {
		return json.Marshal(n.f)
	}
	return []byte(strconv.FormatInt(n.i, 10)), nil
}

// Value is the decoded content of one item: Fields or FieldsList.
type Value interface {
	value()
}

// Fields maps field names to values. Fixed, Variable and Compound items decode
// to Fields.
type Fields map[string]Number

// FieldsList is the decoded content of a Repetitive item.
type FieldsList []Fields

func (Fields) value()     {}
func (FieldsList) value() {}

// Record maps item identifiers to their decoded values.
type Record map[string]Value

// Message is a decoded ASTERIX message.
type Message struct {
	Category int      `json:"category"`
	Records  []Record `json:"records"`
}
