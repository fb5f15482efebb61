package state

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"asterix_decoder/internal/storage"
)

// Store receives data source deltas on Flush. *storage.PostgresDB implements it.
type Store interface {
	UpsertSource(ctx context.Context, s storage.DataSource) error
}

// Tracker manages data source state.
type Tracker struct {
	db *sql.DB
	mu sync.RWMutex

	// In-memory source state cache for fast access.
	sources map[string]*SourceState

	onSourceNew func(*SourceState)
	log         *logrus.Entry
}

// NewTracker creates a new state tracker with the given database path.
// If dbPath is empty or ":memory:", uses an in-memory database.
func NewTracker(dbPath string) (*Tracker, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps an in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	t := &Tracker{
		db:      db,
		sources: make(map[string]*SourceState),
		log:     logrus.WithField("component", "state"),
	}

	if err := t.loadSources(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return t, nil
}

// Close closes the database connection.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// OnSourceNew sets a callback for when a data source is seen for the first time.
func (t *Tracker) OnSourceNew(fn func(*SourceState)) {
	t.mu.Lock()
	t.onSourceNew = fn
	t.mu.Unlock()
}

// loadSources loads persisted source state into memory.
func (t *Tracker) loadSources() error {
	rows, err := t.db.Query(`
		SELECT key, category, sac, sic, feed, first_seen, last_seen, msg_count, record_count, synced_records
		FROM source_state
	`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var s SourceState
		var feed sql.NullString
		var first, last int64

		err := rows.Scan(&s.Key, &s.Category, &s.SAC, &s.SIC, &feed, &first, &last,
			&s.MsgCount, &s.RecordCount, &s.syncedRecords)
		if err != nil {
			continue
		}
		s.Feed = feed.String
		s.FirstSeen = time.UnixMilli(first).UTC()
		s.LastSeen = time.UnixMilli(last).UTC()

		t.sources[s.Key] = &s
	}

	return rows.Err()
}

// Observe records one message's worth of records from a data source.
// Returns true if the source was not known before.
func (t *Tracker) Observe(u SourceUpdate) (SourceState, bool) {
	seen := u.Seen
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	key := SourceKey(u.Category, u.SAC, u.SIC)

	t.mu.Lock()
	s, exists := t.sources[key]
	if !exists {
		s = &SourceState{
			Key:       key,
			Category:  u.Category,
			SAC:       u.SAC,
			SIC:       u.SIC,
			FirstSeen: seen,
		}
		t.sources[key] = s
	}
	if u.Feed != "" {
		s.Feed = u.Feed
	}
	if seen.After(s.LastSeen) {
		s.LastSeen = seen
	}
	if seen.Before(s.FirstSeen) {
		s.FirstSeen = seen
	}
	s.MsgCount++
	s.RecordCount += int64(u.Records)

	snapshot := *s
	t.saveSource(&snapshot)
	onNew := t.onSourceNew
	t.mu.Unlock()

	if !exists && onNew != nil {
		onNew(&snapshot)
	}
	return snapshot, !exists
}

// saveSource persists a source state to the database.
func (t *Tracker) saveSource(s *SourceState) {
	_, err := t.db.Exec(`
		INSERT INTO source_state (key, category, sac, sic, feed, first_seen, last_seen,
		                          msg_count, record_count, synced_records)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			feed = excluded.feed,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			msg_count = excluded.msg_count,
			record_count = excluded.record_count,
			synced_records = excluded.synced_records
	`,
		s.Key, s.Category, s.SAC, s.SIC, s.Feed, s.FirstSeen.UnixMilli(), s.LastSeen.UnixMilli(),
		s.MsgCount, s.RecordCount, s.syncedRecords,
	)
	// Source state is best-effort; the in-memory copy stays authoritative.
	if err != nil {
		t.log.WithError(err).WithField("key", s.Key).Debug("save source state")
	}
}

// GetSource returns the current state of a data source.
func (t *Tracker) GetSource(category, sac, sic int) (SourceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sources[SourceKey(category, sac, sic)]
	if !ok {
		return SourceState{}, false
	}
	return *s, true
}

// GetAllSources returns every tracked source ordered by category, SAC, SIC.
func (t *Tracker) GetAllSources() []SourceState {
	return t.GetActiveSources(0)
}

// GetActiveSources returns sources seen within the given duration. Zero
// returns all of them.
func (t *Tracker) GetActiveSources(within time.Duration) []SourceState {
	t.mu.RLock()
	var cutoff time.Time
	if within > 0 {
		cutoff = time.Now().Add(-within)
	}
	result := make([]SourceState, 0, len(t.sources))
	for _, s := range t.sources {
		if within == 0 || s.LastSeen.After(cutoff) {
			result = append(result, *s)
		}
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.SAC != b.SAC {
			return a.SAC < b.SAC
		}
		return a.SIC < b.SIC
	})
	return result
}

// CleanupStale removes sources not seen for the given duration.
func (t *Tracker) CleanupStale(olderThan time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for key, s := range t.sources {
		if s.LastSeen.Before(cutoff) {
			delete(t.sources, key)
			removed++
		}
	}

	// Also cleanup database.
	if _, err := t.db.Exec("DELETE FROM source_state WHERE last_seen < ?", cutoff.UnixMilli()); err != nil {
		t.log.WithError(err).Debug("delete stale source state")
	}

	return removed
}

// Flush pushes the records accumulated since the last flush to the store.
// Sources that fail stay pending for the next flush.
func (t *Tracker) Flush(ctx context.Context, store Store) (int, error) {
	t.mu.RLock()
	var pending []SourceState
	for _, s := range t.sources {
		if s.Pending() > 0 {
			pending = append(pending, *s)
		}
	}
	t.mu.RUnlock()

	flushed := 0
	for _, s := range pending {
		delta := s.Pending()
		err := store.UpsertSource(ctx, storage.DataSource{
			Category:    s.Category,
			SAC:         s.SAC,
			SIC:         s.SIC,
			LastFeed:    s.Feed,
			FirstSeen:   s.FirstSeen,
			LastSeen:    s.LastSeen,
			RecordCount: delta,
		})
		if err != nil {
			return flushed, fmt.Errorf("flush source %s: %w", s.Key, err)
		}

		t.mu.Lock()
		if cur, ok := t.sources[s.Key]; ok {
			cur.syncedRecords += delta
			t.saveSource(cur)
		}
		t.mu.Unlock()
		flushed++
	}
	return flushed, nil
}

// GetStats returns statistics about tracked data.
func (t *Tracker) GetStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats Stats
	stats.Sources = len(t.sources)
	for _, s := range t.sources {
		stats.Records += s.RecordCount
		if s.Pending() > 0 {
			stats.UnsyncedCount++
		}
	}
	return stats
}
