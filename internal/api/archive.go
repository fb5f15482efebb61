package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"asterix_decoder/internal/storage"
)

// ArchiveReader reads the message archive. *storage.Archive implements it.
type ArchiveReader interface {
	Query(ctx context.Context, p storage.ArchiveQuery) ([]storage.ArchivedMessage, error)
	GetByFrameID(ctx context.Context, frameID string) (*storage.ArchivedMessage, error)
	Stats(ctx context.Context) (*storage.ArchiveStats, error)
	Distinct(ctx context.Context, column string) ([]string, error)
}

// WithArchive enables the /api/v1/messages endpoints.
func (s *Server) WithArchive(a ArchiveReader) *Server {
	s.archive = a
	return s
}

// APIMessage is the JSON form of an archived message.
type APIMessage struct {
	ID          int64           `json:"id"`
	FrameID     string          `json:"frame_id"`
	Received    time.Time       `json:"received"`
	Source      string          `json:"source,omitempty"`
	Category    int             `json:"category"`
	Hex         string          `json:"hex"`
	Decoded     json.RawMessage `json:"decoded,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	RecordCount int             `json:"record_count"`
}

func messageToAPI(m *storage.ArchivedMessage) APIMessage {
	out := APIMessage{
		ID:          m.ID,
		FrameID:     m.FrameID,
		Received:    m.Received,
		Source:      m.Source,
		Category:    m.Category,
		Hex:         m.Hex,
		Error:       m.Error,
		ErrorKind:   m.ErrorKind,
		RecordCount: m.RecordCount,
	}
	if m.DecodedJSON != "" {
		out.Decoded = json.RawMessage(m.DecodedJSON)
	}
	return out
}

func (s *Server) requireArchive(w http.ResponseWriter) bool {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "Archive not enabled")
		return false
	}
	return true
}

// handleMessages lists archived messages. Filters: category, source, error
// (a kind, or "any"), since (RFC3339), limit, offset, desc.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}

	q := r.URL.Query()
	params := storage.ArchiveQuery{
		Source:    q.Get("source"),
		ErrorKind: q.Get("error"),
		OrderDesc: q.Get("desc") != "false",
		Limit:     50,
	}
	if v := q.Get("category"); v != "" {
		cat, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid category")
			return
		}
		params.Category = &cat
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since (use RFC3339)")
			return
		}
		params.Since = t
	}

	// Pagination.
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		params.Limit = min(limit, 1000)
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		params.Offset = offset
	}

	messages, err := s.archive.Query(r.Context(), params)
	if err != nil {
		s.log.WithError(err).Error("archive query failed")
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	out := make([]APIMessage, 0, len(messages))
	for i := range messages {
		out = append(out, messageToAPI(&messages[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}

	m, err := s.archive.GetByFrameID(r.Context(), chi.URLParam(r, "frameID"))
	if err != nil {
		s.log.WithError(err).Error("archive lookup failed")
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	writeJSON(w, http.StatusOK, messageToAPI(m))
}

func (s *Server) handleArchiveStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}

	stats, err := s.archive.Stats(r.Context())
	if err != nil {
		s.log.WithError(err).Error("archive stats failed")
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleArchiveSources lists the feed sources present in the archive.
func (s *Server) handleArchiveSources(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}

	values, err := s.archive.Distinct(r.Context(), "source")
	if err != nil {
		s.log.WithError(err).Error("archive distinct failed")
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, values)
}
