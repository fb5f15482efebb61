// Package feed provides the input side of the decoder: raw ASTERIX frames read
// from JSONL files, NATS subjects or UDP sockets.
package feed

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Frame is one raw ASTERIX message as received.
type Frame struct {
	ID       uuid.UUID `json:"id"`
	Received time.Time `json:"received"`
	Source   string    `json:"source,omitempty"`
	Data     []byte    `json:"-"`
}

// NewFrame stamps data with a fresh ID and the current time.
func NewFrame(source string, data []byte) *Frame {
	return &Frame{
		ID:       uuid.New(),
		Received: time.Now().UTC(),
		Source:   source,
		Data:     data,
	}
}

// Hex returns the frame payload as lower-case hex.
func (f *Frame) Hex() string {
	return hex.EncodeToString(f.Data)
}

// DecodeHex parses a hex string. Whitespace, '|', '_', ':' and '-' separators
// and a leading 0x are ignored. An odd number of digits is padded with a
// leading zero.
func DecodeHex(s string) ([]byte, error) {
	clean := stripSeparators(s)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		clean = clean[2:]
	}
	if clean == "" {
		return nil, fmt.Errorf("decode hex: empty input")
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	decoded := make([]byte, len(clean)/2)
	if _, err := hex.Decode(decoded, []byte(clean)); err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return decoded, nil
}

func stripSeparators(s string) string {
	builder := strings.Builder{}
	builder.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || r == '|' || r == '_' || r == ':' || r == '-' {
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

// isHexText reports whether b looks like a hex dump rather than binary.
func isHexText(b []byte) bool {
	digits := 0
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
			digits++
		case c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == 'x' || c == 'X':
		default:
			return false
		}
	}
	return digits > 0
}

// FlexTime handles timestamps that arrive either as RFC 3339 strings or as
// Unix epoch seconds (integer or fractional).
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	var sec float64
	if err := json.Unmarshal(data, &sec); err == nil {
		whole := int64(sec)
		t.Time = time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		if sec, err := strconv.ParseFloat(s, 64); err == nil {
			whole := int64(sec)
			t.Time = time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
			return nil
		}
	}

	// Unparseable timestamps fall back to the receive time.
	t.Time = time.Time{}
	return nil
}
