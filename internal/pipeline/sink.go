package pipeline

import (
	"context"
	"sync"
	"time"

	"asterix_decoder/internal/state"
	"asterix_decoder/internal/storage"
)

// Sink consumes batches of results.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []Result) error
}

// RowWriter stores flattened records. ClickHouseDB, InfluxWriter and
// MongoStore implement it.
type RowWriter interface {
	Name() string
	InsertBatch(ctx context.Context, rows []storage.RecordRow) error
}

// RecordSink writes one row per decoded record.
type RecordSink struct {
	W RowWriter
}

func (s RecordSink) Name() string { return s.W.Name() }

func (s RecordSink) Write(ctx context.Context, batch []Result) error {
	var rows []storage.RecordRow
	for _, r := range batch {
		rows = append(rows, storage.RowsFromMessage(r.Frame, r.Message)...)
	}
	if len(rows) == 0 {
		return nil
	}
	return s.W.InsertBatch(ctx, rows)
}

// ArchiveWriter stores whole frames with their outcome.
type ArchiveWriter interface {
	InsertBatch(ctx context.Context, entries []storage.ArchiveEntry) error
}

// ArchiveSink archives every frame, failed ones included.
type ArchiveSink struct {
	A ArchiveWriter
}

func (s ArchiveSink) Name() string { return "archive" }

func (s ArchiveSink) Write(ctx context.Context, batch []Result) error {
	entries := make([]storage.ArchiveEntry, 0, len(batch))
	for _, r := range batch {
		entries = append(entries, storage.NewArchiveEntry(r.Frame, r.Message, r.Err))
	}
	return s.A.InsertBatch(ctx, entries)
}

// TrackerSink feeds decoded records to the data source tracker and pushes the
// tracker to Store at most once per FlushEvery.
type TrackerSink struct {
	Tracker    *state.Tracker
	Store      state.Store // Optional.
	FlushEvery time.Duration

	mu        sync.Mutex
	lastFlush time.Time
}

func (s *TrackerSink) Name() string { return "tracker" }

func (s *TrackerSink) Write(ctx context.Context, batch []Result) error {
	for _, r := range batch {
		state.ExtractAndUpdate(s.Tracker, r.Frame, r.Message)
	}
	if s.Store == nil {
		return nil
	}

	s.mu.Lock()
	due := time.Since(s.lastFlush) >= s.FlushEvery
	if due {
		s.lastFlush = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return nil
	}
	_, err := s.Tracker.Flush(ctx, s.Store)
	return err
}

// StatsWriter accumulates per-category totals. PostgresDB implements it.
type StatsWriter interface {
	AddCategoryStats(ctx context.Context, s storage.CategoryStats) error
}

// StatsSink adds each batch's per-category message, record and error counts.
type StatsSink struct {
	W StatsWriter
}

func (s StatsSink) Name() string { return "category_stats" }

func (s StatsSink) Write(ctx context.Context, batch []Result) error {
	totals := make(map[int]*storage.CategoryStats)
	var order []int
	for _, r := range batch {
		if r.Message == nil {
			continue
		}
		cat := r.Message.Category
		t, ok := totals[cat]
		if !ok {
			t = &storage.CategoryStats{Category: cat}
			totals[cat] = t
			order = append(order, cat)
		}
		t.Messages++
		t.Records += int64(len(r.Message.Records))
		if r.Err != nil {
			t.Errors++
		}
	}
	for _, cat := range order {
		if err := s.W.AddCategoryStats(ctx, *totals[cat]); err != nil {
			return err
		}
	}
	return nil
}
