package feed

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHex(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"plain", "300180", []byte{0x30, 0x01, 0x80}, false},
		{"prefix and spaces", "0x30 01 80", []byte{0x30, 0x01, 0x80}, false},
		{"separators", "30:01|80_ff-00", []byte{0x30, 0x01, 0x80, 0xFF, 0x00}, false},
		{"odd length padded", "b02", []byte{0x0B, 0x02}, false},
		{"upper case", "ABCD", []byte{0xAB, 0xCD}, false},
		{"not hex", "zz", nil, true},
		{"empty", "  ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeHex(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLine(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name       string
		line       string
		wantKind   string
		wantData   []byte
		wantSource string
		wantTime   time.Time
	}{
		{
			name:     "bare hex",
			line:     "300180",
			wantKind: KindHex,
			wantData: []byte{0x30, 0x01, 0x80},
		},
		{
			name:       "flat",
			line:       `{"id":"` + id.String() + `","hex":"2200","source":"radar-1","timestamp":"2024-01-15T12:00:00Z"}`,
			wantKind:   KindFlat,
			wantData:   []byte{0x22, 0x00},
			wantSource: "radar-1",
			wantTime:   time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name:       "flat epoch",
			line:       `{"hex":"2200","timestamp":1705320000}`,
			wantKind:   KindFlat,
			wantData:   []byte{0x22, 0x00},
			wantTime:   time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name:       "wrapper",
			line:       `{"source":{"name":"gw-2","application":"relay"},"message":{"hex":"30 00","source":"inner"}}`,
			wantKind:   KindWrapper,
			wantData:   []byte{0x30, 0x00},
			wantSource: "gw-2",
		},
		{
			name:       "nested",
			line:       `{"packet":{"src":"10.0.0.1:8600","payload":"3000"},"t":{"sec":1705320000}}`,
			wantKind:   KindNested,
			wantData:   []byte{0x30, 0x00},
			wantSource: "10.0.0.1:8600",
			wantTime:   time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, kind, err := ParseLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantData, f.Data)
			assert.Equal(t, tt.wantSource, f.Source)
			assert.NotEqual(t, uuid.Nil, f.ID)
			if !tt.wantTime.IsZero() {
				assert.True(t, tt.wantTime.Equal(f.Received), "received %v", f.Received)
			}
		})
	}

	t.Run("keeps id", func(t *testing.T) {
		f, _, err := ParseLine([]byte(tests[1].line))
		require.NoError(t, err)
		assert.Equal(t, id, f.ID)
	})
}

func TestParseLineErrors(t *testing.T) {
	for _, line := range []string{"", "{not json", `{"foo":"bar"}`, `{"hex":"xyz"}`, "qq"} {
		_, _, err := ParseLine([]byte(line))
		assert.Error(t, err, "line %q", line)
	}
}

func TestReadLines(t *testing.T) {
	input := strings.Join([]string{
		"300180",
		"",
		`{"hex":"2200"}`,
		"garbage",
		`{"message":{"hex":"3000"}}`,
	}, "\n")

	var frames []*Frame
	st, err := ReadLines(strings.NewReader(input), func(f *Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	assert.Equal(t, 5, st.Lines)
	assert.Equal(t, 3, st.Frames)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, map[string]int{KindHex: 1, KindFlat: 1, KindWrapper: 1}, st.ByKind)
}

func TestFrameFromPayload(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []byte
	}{
		{"binary", []byte{0x30, 0x80, 0x19}, []byte{0x30, 0x80, 0x19}},
		{"hex text", []byte("30 80 19\n"), []byte{0x30, 0x80, 0x19}},
		{"json", []byte(`{"hex":"308019"}`), []byte{0x30, 0x80, 0x19}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := FrameFromPayload("asterix.raw", tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Data)
			assert.Equal(t, "asterix.raw", f.Source)
		})
	}

	_, err := FrameFromPayload("x", nil)
	assert.Error(t, err)
}

func TestDecodePayloadEncoding(t *testing.T) {
	// A CAT 123 block starts with '{' and a block made of digit bytes reads as hex.
	cat123 := []byte{0x7B, 0x00, 0x04, 0x80}
	digits := []byte("0123")

	tests := []struct {
		name    string
		data    []byte
		enc     Encoding
		want    []byte
		wantErr bool
	}{
		{"auto misreads cat 123", cat123, EncodingAuto, nil, true},
		{"binary cat 123", cat123, EncodingBinary, cat123, false},
		{"auto misreads digits", digits, EncodingAuto, []byte{0x01, 0x23}, false},
		{"binary digits", digits, EncodingBinary, digits, false},
		{"explicit hex", []byte("30 80 19"), EncodingHex, []byte{0x30, 0x80, 0x19}, false},
		{"explicit hex rejects binary", []byte{0x30, 0x80}, EncodingHex, nil, true},
		{"explicit json", []byte(`{"hex":"308019"}`), EncodingJSON, []byte{0x30, 0x80, 0x19}, false},
		{"explicit json rejects hex", []byte("308019"), EncodingJSON, nil, true},
		{"unknown", []byte{0x30}, Encoding("base64"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodePayload("asterix.raw", tt.data, tt.enc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Data)
		})
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    Encoding
		wantErr bool
	}{
		{"", EncodingAuto, false},
		{"auto", EncodingAuto, false},
		{" Binary ", EncodingBinary, false},
		{"HEX", EncodingHex, false},
		{"json", EncodingJSON, false},
		{"base64", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEncoding(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUDPSource(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := NewUDPSource("127.0.0.1:0")
	out := make(chan *Frame, 4)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	var addr net.Addr
	select {
	case addr = <-src.Ready():
	case err := <-done:
		t.Fatalf("udp source exited: %v", err)
	}

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x30, 0x00})
	require.NoError(t, err)

	select {
	case f := <-out:
		assert.Equal(t, []byte{0x30, 0x00}, f.Data)
		assert.Contains(t, f.Source, "127.0.0.1")
	case <-ctx.Done():
		t.Fatal("no frame received")
	}

	cancel()
	assert.NoError(t, <-done)
}

// TestNATSSource needs a running server; set NATS_URL to enable it.
func TestNATSSource(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src, err := NewNATSSource(NATSOptions{URL: url, Subject: "asterix.test.raw"})
	require.NoError(t, err)

	out := make(chan *Frame, 1)
	go func() { _ = src.Run(ctx, out) }()

	pub, err := nats.Connect(url)
	require.NoError(t, err)
	defer pub.Close()

	// The subscription is asynchronous; publish until the frame comes through.
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case f := <-out:
			assert.Equal(t, []byte{0x30, 0x00}, f.Data)
			return
		case <-tick.C:
			require.NoError(t, pub.Publish("asterix.test.raw", []byte{0x30, 0x00}))
		case <-ctx.Done():
			t.Fatal("no frame received")
		}
	}
}
