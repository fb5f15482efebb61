package asterix

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCategory is returned when no schema exists for the category selector.
	ErrUnsupportedCategory = errors.New("unsupported category")

	// ErrInsufficientData is returned when a Fixed block needs more bytes than remain.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrSchemaInconsistency is returned when the data selects something the schema
	// does not define, or when the schema itself cannot be applied.
	ErrSchemaInconsistency = errors.New("schema inconsistency")
)

// RecordError reports the record that stopped a message decode.
type RecordError struct {
	Index  int // Zero-based record index within the message.
	Offset int // Byte offset of the record's FSPEC.
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d at offset %d: %v", e.Index, e.Offset, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// ErrorKind classifies a decode error for metrics and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedCategory):
		return "unsupported_category"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrSchemaInconsistency):
		return "schema_inconsistency"
	default:
		return "other"
	}
}
