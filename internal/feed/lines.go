package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Line formats recognised by ParseLine.
const (
	KindWrapper = "wrapper" // {"message": {"hex": ...}, "source": {"name": ...}}
	KindFlat    = "flat"    // {"hex": ..., "source": ..., "timestamp": ...}
	KindNested  = "nested"  // hex found under a known nested path
	KindHex     = "hex"     // bare hex dump
)

// Record is the flat JSON form of a frame.
type Record struct {
	ID        string   `json:"id,omitempty"`
	Hex       string   `json:"hex"`
	Source    string   `json:"source,omitempty"`
	Timestamp FlexTime `json:"timestamp"`
}

// Wrapper is the envelope used by feeds that publish frames with metadata at
// the top level and the payload nested under "message".
type Wrapper struct {
	Source  *WrapperSource `json:"source,omitempty"`
	Message *Record        `json:"message,omitempty"`
}

// WrapperSource names the publishing station.
type WrapperSource struct {
	Name        string `json:"name,omitempty"`
	Application string `json:"application,omitempty"`
}

// ToFrame converts the flat form to a Frame.
func (r *Record) ToFrame() (*Frame, error) {
	data, err := DecodeHex(r.Hex)
	if err != nil {
		return nil, err
	}
	f := NewFrame(r.Source, data)
	if id, err := uuid.Parse(r.ID); err == nil {
		f.ID = id
	}
	if !r.Timestamp.IsZero() {
		f.Received = r.Timestamp.Time
	}
	return f, nil
}

// ToFrame converts the envelope to a Frame. A source name at the envelope
// level wins over one inside the message.
func (w *Wrapper) ToFrame() (*Frame, error) {
	if w.Message == nil {
		return nil, fmt.Errorf("wrapper without message")
	}
	f, err := w.Message.ToFrame()
	if err != nil {
		return nil, err
	}
	if w.Source != nil && w.Source.Name != "" {
		f.Source = w.Source.Name
	}
	return f, nil
}

// ParseLine decodes one input line in any of the supported formats and
// reports which one matched.
func ParseLine(b []byte) (*Frame, string, error) {
	line := strings.TrimSpace(string(b))
	if line == "" {
		return nil, "", fmt.Errorf("empty line")
	}

	if !strings.HasPrefix(line, "{") {
		data, err := DecodeHex(line)
		if err != nil {
			return nil, "", err
		}
		return NewFrame("", data), KindHex, nil
	}

	// 1) Wrapper
	var w Wrapper
	if err := json.Unmarshal([]byte(line), &w); err == nil && w.Message != nil && w.Message.Hex != "" {
		f, err := w.ToFrame()
		return f, KindWrapper, err
	}

	// 2) Flat record
	var r Record
	if err := json.Unmarshal([]byte(line), &r); err == nil && strings.TrimSpace(r.Hex) != "" {
		f, err := r.ToFrame()
		return f, KindFlat, err
	}

	// 3) Nested recorder output
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return nil, "", fmt.Errorf("parse json: %w", err)
	}
	f, err := frameFromNested(obj)
	if err != nil {
		return nil, "", err
	}
	return f, KindNested, nil
}

// frameFromNested tries the paths used by common recorder and gateway logs.
func frameFromNested(root map[string]any) (*Frame, error) {
	hexStr := firstString(root,
		"data",
		"payload",
		"raw",
		"asterix.hex",
		"asterix.data",
		"packet.payload",
		"udp.payload",
	)
	if strings.TrimSpace(hexStr) == "" {
		return nil, fmt.Errorf("no hex payload found")
	}
	data, err := DecodeHex(hexStr)
	if err != nil {
		return nil, err
	}

	f := NewFrame(firstString(root,
		"source",
		"source.name",
		"sensor",
		"packet.src",
		"udp.src",
	), data)

	if ts := firstString(root, "timestamp", "time", "packet.timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			f.Received = t.UTC()
		}
	} else if sec := firstFloat64(root, "t.sec", "ts", "packet.ts"); sec > 0 {
		whole := int64(sec)
		f.Received = time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
	}
	return f, nil
}

// Stats counts what ReadLines saw.
type Stats struct {
	Lines   int            `json:"lines"`
	Frames  int            `json:"frames"`
	Skipped int            `json:"skipped"`
	ByKind  map[string]int `json:"by_kind"`
}

// ReadLines scans r line by line and calls fn for every frame. Lines that do
// not parse are counted and skipped. An error from fn stops the scan.
func ReadLines(r io.Reader, fn func(*Frame) error) (*Stats, error) {
	scanner := bufio.NewScanner(r)
	// Lines can be long; bump buffer.
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 16*1024*1024)

	st := &Stats{ByKind: make(map[string]int)}
	for scanner.Scan() {
		st.Lines++
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		f, kind, err := ParseLine(scanner.Bytes())
		if err != nil {
			st.Skipped++
			continue
		}
		st.Frames++
		st.ByKind[kind]++
		if err := fn(f); err != nil {
			return st, err
		}
	}
	if err := scanner.Err(); err != nil {
		return st, fmt.Errorf("read input: %w", err)
	}
	return st, nil
}

func firstString(root map[string]any, paths ...string) string {
	for _, p := range paths {
		if v, ok := deepGet(root, p); ok {
			switch t := v.(type) {
			case string:
				if strings.TrimSpace(t) != "" {
					return t
				}
			case float64:
				if t == float64(int64(t)) {
					return strconv.FormatInt(int64(t), 10)
				}
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
	}
	return ""
}

func firstFloat64(root map[string]any, paths ...string) float64 {
	for _, p := range paths {
		if v, ok := deepGet(root, p); ok {
			switch t := v.(type) {
			case float64:
				return t
			case string:
				if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
					return f
				}
			}
		}
	}
	return 0
}

// deepGet walks a map[string]any using a dotted path: "a.b.c".
func deepGet(root map[string]any, dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	var cur any = root
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := node[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
