// Package api provides the REST API of the decoder.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
	"asterix_decoder/internal/metrics"
	"asterix_decoder/internal/pipeline"
	"asterix_decoder/internal/registry"
	"asterix_decoder/internal/state"
)

// maxBodySize bounds a decode request; a UDP datagram never exceeds it.
const maxBodySize = 1 << 20

// SourceLister returns tracked data sources. *state.Tracker implements it.
type SourceLister interface {
	GetActiveSources(within time.Duration) []state.SourceState
}

// Server provides REST access to the decoder.
type Server struct {
	reg         *registry.Registry
	dec         *asterix.Decoder
	sources     SourceLister
	archive     ArchiveReader
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	port        int
	authEnabled bool
	apiKeys     map[string]bool // Simple API key auth (when enabled).
	log         *logrus.Entry
}

// Config holds configuration for the API server.
type Config struct {
	Port        int      `yaml:"port"`
	AuthEnabled bool     `yaml:"auth"`
	APIKeys     []string `yaml:"api_keys"` // List of valid API keys.
}

// NewServer creates an API server decoding with the schemas of reg.
func NewServer(reg *registry.Registry, cfg Config) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &Server{
		reg:         reg,
		dec:         asterix.NewDecoder(reg),
		port:        cfg.Port,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
		log:         logrus.WithField("component", "api"),
	}
}

// WithSources enables GET /api/v1/sources.
func (s *Server) WithSources(l SourceLister) *Server {
	s.sources = l
	return s
}

// WithMetrics counts API decodes in m and serves g on /metrics.
func (s *Server) WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) *Server {
	s.metrics = m
	s.gatherer = g
	return s
}

// Run starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithFields(logrus.Fields{
		"addr": srv.Addr,
		"auth": s.authEnabled,
	}).Info("API server starting")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for browser access.
	r.Use(corsMiddleware)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required).
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.authEnabled {
				r.Use(s.authMiddleware)
			}
			r.Post("/decode", s.handleDecode)
			r.Get("/categories", s.handleCategories)
			r.Get("/categories/{cat}", s.handleCategory)
			r.Get("/sources", s.handleSources)

			r.Get("/messages", s.handleMessages)
			r.Get("/messages/stats", s.handleArchiveStats)
			r.Get("/messages/feeds", s.handleArchiveSources)
			r.Get("/messages/{frameID}", s.handleMessage)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Fall back to query parameter (for simple testing).
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"categories": s.reg.Len(),
	})
}

// handleDecode decodes one message. The body is raw bytes when sent as
// application/octet-stream, otherwise JSON {"hex": "..."} or bare hex text.
// A failed decode answers 422 with the records completed before the failure.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var f *feed.Frame
	if r.Header.Get("Content-Type") == "application/octet-stream" {
		if len(body) == 0 {
			writeError(w, http.StatusBadRequest, "empty body")
			return
		}
		f = feed.NewFrame("api", body)
	} else {
		f, err = feed.FrameFromPayload("api", body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	msg, err := s.dec.Decode(f.Data)
	if s.metrics != nil {
		s.metrics.Observe(len(f.Data), msg, err)
	}

	res := pipeline.Result{Frame: f, Message: msg, Err: err}
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res.Decoded())
}

// CategorySummary describes a registered schema.
type CategorySummary struct {
	Category int    `json:"category"`
	Name     string `json:"name,omitempty"`
	Edition  string `json:"edition,omitempty"`
	Items    int    `json:"items"`
}

// CategoryDetail describes a schema's UAP and items.
type CategoryDetail struct {
	CategorySummary
	UAP       []string          `json:"uap"`
	Formats   map[string]string `json:"formats"`
	Undefined []string          `json:"undefined,omitempty"`
}

func summarize(sc *asterix.Schema) CategorySummary {
	return CategorySummary{
		Category: sc.Category,
		Name:     sc.Name,
		Edition:  sc.Edition,
		Items:    len(sc.Items),
	}
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	schemas := s.reg.Categories()
	out := make([]CategorySummary, 0, len(schemas))
	for _, sc := range schemas {
		out = append(out, summarize(sc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	cat, err := strconv.Atoi(chi.URLParam(r, "cat"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "category must be a number")
		return
	}
	sc, ok := s.reg.Lookup(cat)
	if !ok {
		writeError(w, http.StatusNotFound, "category not registered")
		return
	}

	uap := make([]string, len(sc.UAP))
	for i, id := range sc.UAP {
		if id == "" {
			id = "-"
		}
		uap[i] = id
	}
	formats := make(map[string]string, len(sc.Items))
	for id, f := range sc.Items {
		formats[id] = formatName(f)
	}

	writeJSON(w, http.StatusOK, CategoryDetail{
		CategorySummary: summarize(sc),
		UAP:             uap,
		Formats:         formats,
		Undefined:       sc.Undefined(),
	})
}

func formatName(f asterix.Format) string {
	switch f.(type) {
	case *asterix.Fixed:
		return "fixed"
	case *asterix.Repetitive:
		return "repetitive"
	case *asterix.Variable:
		return "variable"
	case *asterix.Compound:
		return "compound"
	default:
		return "unknown"
	}
}

// handleSources lists tracked data sources. ?active=5m limits the list to
// sources seen within the duration.
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.sources == nil {
		writeJSON(w, http.StatusOK, []state.SourceState{})
		return
	}

	var within time.Duration
	if v := r.URL.Query().Get("active"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "Invalid duration for active")
			return
		}
		within = d
	}

	writeJSON(w, http.StatusOK, s.sources.GetActiveSources(within))
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
