package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
	"asterix_decoder/internal/storage"
)

func setupArchive(t *testing.T) (*storage.Archive, string) {
	t.Helper()
	a, err := storage.OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	dec := asterix.NewDecoder(testRegistry())
	frames := []*feed.Frame{
		feed.NewFrame("radar-1", []byte{0x01, 0x80, 0x19, 0xC9}),
		feed.NewFrame("radar-2", []byte{0x30, 0x80}),
		feed.NewFrame("radar-1", []byte{0x01, 0x80, 0x19, 0xCA, 0x80, 0x19, 0xCB}),
	}
	var entries []storage.ArchiveEntry
	for _, f := range frames {
		msg, err := dec.Decode(f.Data)
		entries = append(entries, storage.NewArchiveEntry(f, msg, err))
	}
	require.NoError(t, a.InsertBatch(context.Background(), entries))
	return a, frames[0].ID.String()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMessagesEndpoint(t *testing.T) {
	a, _ := setupArchive(t)
	router := NewServer(testRegistry(), Config{}).WithArchive(a).Router()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCount  int
	}{
		{"all", "/api/v1/messages", http.StatusOK, 3},
		{"by category", "/api/v1/messages?category=1", http.StatusOK, 2},
		{"by source", "/api/v1/messages?source=radar-2", http.StatusOK, 1},
		{"failed", "/api/v1/messages?error=any", http.StatusOK, 1},
		{"by kind", "/api/v1/messages?error=unsupported_category", http.StatusOK, 1},
		{"limit", "/api/v1/messages?limit=2", http.StatusOK, 2},
		{"offset", "/api/v1/messages?offset=2", http.StatusOK, 1},
		{"since future", "/api/v1/messages?since=2999-01-01T00:00:00Z", http.StatusOK, 0},
		{"bad category", "/api/v1/messages?category=x", http.StatusBadRequest, 0},
		{"bad since", "/api/v1/messages?since=yesterday", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, router, tt.path)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got []APIMessage
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Len(t, got, tt.wantCount)
		})
	}

	t.Run("newest first by default", func(t *testing.T) {
		var got []APIMessage
		require.NoError(t, json.NewDecoder(get(t, router, "/api/v1/messages").Body).Decode(&got))
		require.Len(t, got, 3)
		assert.Greater(t, got[0].ID, got[2].ID)
		assert.Equal(t, 2, got[0].RecordCount)
	})
}

func TestMessageByFrameID(t *testing.T) {
	a, frameID := setupArchive(t)
	router := NewServer(testRegistry(), Config{}).WithArchive(a).Router()

	rec := get(t, router, "/api/v1/messages/"+frameID)
	require.Equal(t, http.StatusOK, rec.Code)

	var m APIMessage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.Equal(t, frameID, m.FrameID)
	assert.Equal(t, "018019c9", m.Hex)
	assert.Empty(t, m.Error)

	var decoded struct {
		Category int              `json:"category"`
		Records  []map[string]any `json:"records"`
	}
	require.NoError(t, json.Unmarshal(m.Decoded, &decoded))
	assert.Equal(t, 1, decoded.Category)
	assert.Len(t, decoded.Records, 1)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/v1/messages/missing").Code)
}

func TestArchiveStatsEndpoints(t *testing.T) {
	a, _ := setupArchive(t)
	router := NewServer(testRegistry(), Config{}).WithArchive(a).Router()

	rec := get(t, router, "/api/v1/messages/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats storage.ArchiveStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, map[string]int{"unsupported_category": 1}, stats.ByErrorKind)

	rec = get(t, router, "/api/v1/messages/feeds")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["radar-1", "radar-2"]`, rec.Body.String())
}

func TestMessagesWithoutArchive(t *testing.T) {
	router := NewServer(testRegistry(), Config{}).Router()
	for _, path := range []string{"/api/v1/messages", "/api/v1/messages/stats", "/api/v1/messages/abc"} {
		assert.Equal(t, http.StatusNotFound, get(t, router, path).Code, path)
	}
}
