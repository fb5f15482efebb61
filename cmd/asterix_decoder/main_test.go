package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
	"asterix_decoder/internal/pipeline"
	"asterix_decoder/internal/registry"
	"asterix_decoder/internal/storage"
)

// North marker, category 34.
const northMarker = "22EC190D01356D4D0200900020"

func TestRunDecode(t *testing.T) {
	raw, err := hex.DecodeString(northMarker)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		enc      feed.Encoding
		wantErr  bool
		wantKind string
		wantRecs int
	}{
		{"hex argument", northMarker, feed.EncodingAuto, false, "", 1},
		{"json body", `{"hex": "` + northMarker + `"}`, feed.EncodingAuto, false, "", 1},
		{"binary", string(raw), feed.EncodingBinary, false, "", 1},
		{"unknown category", "0180", feed.EncodingAuto, true, "unsupported_category", 0},
		// The ASCII digits "0180" taken as binary are a truncated CAT 48 record.
		{"digits as binary", "0180", feed.EncodingBinary, true, "insufficient_data", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runDecode(&out, []byte(tt.input), tt.enc, false)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			var d pipeline.Decoded
			require.NoError(t, json.Unmarshal(out.Bytes(), &d))
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Len(t, d.Records, tt.wantRecs)
			assert.Equal(t, "cli", d.Source)
		})
	}

	t.Run("bad hex", func(t *testing.T) {
		var out bytes.Buffer
		assert.Error(t, runDecode(&out, []byte(`{"hex": "zz"}`), feed.EncodingAuto, false))
		assert.Zero(t, out.Len())
	})

	t.Run("unknown encoding", func(t *testing.T) {
		var out bytes.Buffer
		assert.Error(t, runDecode(&out, []byte(northMarker), feed.Encoding("base64"), false))
		assert.Zero(t, out.Len())
	})
}

const capture = `{"hex": "` + northMarker + `", "source": "radar-1"}

0180
not a frame
` + northMarker + `
`

func TestDecodeLines(t *testing.T) {
	p := pipeline.New(asterix.NewDecoder(registry.Default()), nil, pipeline.Options{})

	out, st, err := decodeLines(context.Background(), p, strings.NewReader(capture), false, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "radar-1", out[0].Source)
	assert.Equal(t, 5, st.Input.Lines)
	assert.Equal(t, 3, st.Input.Frames)
	assert.Equal(t, 1, st.Input.Skipped)
	assert.Equal(t, 2, st.Emitted)
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, 1, st.Failed)

	out, st, err = decodeLines(context.Background(), p, strings.NewReader(capture), true, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "unsupported_category", out[1].Kind)
	assert.Equal(t, 3, st.Emitted)
}

func TestDecodeLinesArchive(t *testing.T) {
	a, err := storage.OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer a.Close()

	sinks := []pipeline.Sink{pipeline.ArchiveSink{A: a}}
	p := pipeline.New(asterix.NewDecoder(registry.Default()), nil, pipeline.Options{}, sinks...)

	_, _, err = decodeLines(context.Background(), p, strings.NewReader(capture), false, sinks)
	require.NoError(t, err)

	st, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalMessages)
	assert.Equal(t, 2, st.TotalRecords)
	assert.Equal(t, 1, st.Failed)
}

func TestDecodeLinesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := pipeline.New(asterix.NewDecoder(registry.Default()), nil, pipeline.Options{})
	_, _, err := decodeLines(ctx, p, strings.NewReader(capture), false, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListCategories(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listCategories(&out, registry.Default()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[0], "CAT"))
	assert.Contains(t, out.String(), "034")
	assert.Contains(t, out.String(), "048")
}

func TestLoadSchemas(t *testing.T) {
	reg := registry.New()
	require.NoError(t, loadSchemas(reg, filepath.Join("..", "..", "internal", "schema", "testdata")))

	s, ok := reg.Lookup(99)
	require.True(t, ok)
	assert.Equal(t, "Test Category", s.Name)

	assert.Error(t, loadSchemas(reg, filepath.Join(t.TempDir(), "missing")))
}
