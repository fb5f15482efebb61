package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
	"asterix_decoder/internal/metrics"
	"asterix_decoder/internal/registry"
	"asterix_decoder/internal/state"
	"asterix_decoder/internal/storage"
)

func testDecoder() *asterix.Decoder {
	reg := registry.New()
	reg.Register(&asterix.Schema{
		Category: 1,
		Name:     "test",
		UAP:      []string{"010", "020"},
		Items: map[string]asterix.Format{
			"010": &asterix.Fixed{Length: 2, Fields: []asterix.Field{
				asterix.RangeField("SAC", 16, 9),
				asterix.RangeField("SIC", 8, 1),
			}},
			"020": &asterix.Fixed{Length: 1, Fields: []asterix.Field{
				asterix.RangeField("V", 8, 1),
			}},
		},
	})
	return asterix.NewDecoder(reg)
}

var (
	frameOne       = []byte{0x01, 0xC0, 0x19, 0xC9, 0x07}
	frameTwo       = []byte{0x01, 0x80, 0x19, 0xC9, 0x80, 0x19, 0xCA}
	frameTruncated = []byte{0x01, 0xC0, 0x19}
	frameUnknown   = []byte{0x02, 0x80}
)

type collectSink struct {
	mu      sync.Mutex
	name    string
	batches [][]Result
	err     error
}

func (s *collectSink) Name() string { return s.name }

func (s *collectSink) Write(_ context.Context, batch []Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *collectSink) results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Result
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

type rowWriter struct {
	rows []storage.RecordRow
}

func (w *rowWriter) Name() string { return "rows" }

func (w *rowWriter) InsertBatch(_ context.Context, rows []storage.RecordRow) error {
	w.rows = append(w.rows, rows...)
	return nil
}

type archiveWriter struct {
	entries []storage.ArchiveEntry
}

func (w *archiveWriter) InsertBatch(_ context.Context, entries []storage.ArchiveEntry) error {
	w.entries = append(w.entries, entries...)
	return nil
}

type statsWriter struct {
	stats []storage.CategoryStats
}

func (w *statsWriter) AddCategoryStats(_ context.Context, s storage.CategoryStats) error {
	w.stats = append(w.stats, s)
	return nil
}

type sourceStore struct {
	upserts []storage.DataSource
}

func (s *sourceStore) UpsertSource(_ context.Context, ds storage.DataSource) error {
	s.upserts = append(s.upserts, ds)
	return nil
}

func TestProcess(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	p := New(testDecoder(), m, Options{})

	tests := []struct {
		name        string
		data        []byte
		wantRecords int
		wantKind    string
		wantNilMsg  bool
	}{
		{"one record", frameOne, 1, "", false},
		{"two records", frameTwo, 2, "", false},
		{"truncated", frameTruncated, 0, "insufficient_data", false},
		{"unknown category", frameUnknown, 0, "unsupported_category", false},
		{"empty", nil, 0, "insufficient_data", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := p.Process(feed.NewFrame("test", tt.data))
			assert.Equal(t, tt.wantKind, asterix.ErrorKind(r.Err))
			assert.Len(t, r.Records(), tt.wantRecords)
			assert.Equal(t, tt.wantNilMsg, r.Message == nil)
		})
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Messages.WithLabelValues("1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Records.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Errors.WithLabelValues("insufficient_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("unsupported_category")))
}

func TestRun(t *testing.T) {
	sink := &collectSink{name: "collect"}
	failing := &collectSink{name: "failing", err: errors.New("down")}
	m, err := metrics.New(nil)
	require.NoError(t, err)

	p := New(testDecoder(), m, Options{Workers: 3, BatchSize: 2, FlushInterval: 10 * time.Millisecond}, sink, failing)

	in := make(chan *feed.Frame)
	go func() {
		defer close(in)
		for _, data := range [][]byte{frameOne, frameTwo, frameTruncated, frameUnknown, frameOne} {
			in <- feed.NewFrame("test", data)
		}
	}()

	require.NoError(t, p.Run(context.Background(), in))

	got := sink.results()
	require.Len(t, got, 5)
	records := 0
	for _, r := range got {
		records += len(r.Records())
	}
	assert.Equal(t, 4, records)
	assert.Len(t, failing.results(), 5)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.SinkErrors.WithLabelValues("failing")), 1.0)
}

func TestRunCancel(t *testing.T) {
	sink := &collectSink{name: "collect"}
	p := New(testDecoder(), nil, Options{Workers: 2, BatchSize: 100, FlushInterval: time.Hour}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *feed.Frame)
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx, in) }()

	in <- feed.NewFrame("test", frameOne)
	in <- feed.NewFrame("test", frameTwo)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Len(t, sink.results(), 2)
}

func TestSinks(t *testing.T) {
	p := New(testDecoder(), nil, Options{})
	batch := []Result{
		p.Process(feed.NewFrame("a", frameOne)),
		p.Process(feed.NewFrame("a", frameTwo)),
		p.Process(feed.NewFrame("b", frameTruncated)),
		p.Process(feed.NewFrame("b", nil)),
	}
	ctx := context.Background()

	t.Run("records", func(t *testing.T) {
		w := &rowWriter{}
		s := RecordSink{W: w}
		assert.Equal(t, "rows", s.Name())
		require.NoError(t, s.Write(ctx, batch))
		require.Len(t, w.rows, 3)
		assert.Equal(t, 202, w.rows[2].SIC)
	})

	t.Run("archive", func(t *testing.T) {
		w := &archiveWriter{}
		require.NoError(t, ArchiveSink{A: w}.Write(ctx, batch))
		require.Len(t, w.entries, 4)
		assert.Equal(t, 2, w.entries[1].RecordCount)
		assert.Error(t, w.entries[2].Err)
		assert.Equal(t, -1, w.entries[3].Category)
	})

	t.Run("category stats", func(t *testing.T) {
		w := &statsWriter{}
		require.NoError(t, StatsSink{W: w}.Write(ctx, batch))
		require.Len(t, w.stats, 1)
		assert.Equal(t, storage.CategoryStats{Category: 1, Messages: 3, Records: 3, Errors: 1}, w.stats[0])
	})

	t.Run("tracker", func(t *testing.T) {
		tr, err := state.NewTracker("")
		require.NoError(t, err)
		defer func() { _ = tr.Close() }()

		store := &sourceStore{}
		s := &TrackerSink{Tracker: tr, Store: store, FlushEvery: time.Hour}
		require.NoError(t, s.Write(ctx, batch))
		require.NoError(t, s.Write(ctx, batch))

		src, ok := tr.GetSource(1, 25, 201)
		require.True(t, ok)
		assert.Equal(t, int64(4), src.RecordCount)

		// Only the first write was due for a flush.
		require.Len(t, store.upserts, 2)
		sort.Slice(store.upserts, func(i, j int) bool { return store.upserts[i].SIC < store.upserts[j].SIC })
		assert.Equal(t, int64(2), store.upserts[0].RecordCount)
		assert.Equal(t, int64(1), store.upserts[1].RecordCount)
	})
}

func TestDecoded(t *testing.T) {
	p := New(testDecoder(), nil, Options{})

	d := p.Process(feed.NewFrame("a", frameOne)).Decoded()
	require.NotNil(t, d.Category)
	assert.Equal(t, 1, *d.Category)
	assert.Equal(t, "01c019c907", d.Hex)
	assert.Empty(t, d.Error)

	d = p.Process(feed.NewFrame("a", nil)).Decoded()
	assert.Nil(t, d.Category)
	assert.Equal(t, "insufficient_data", d.Kind)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"records":[]`)
}

func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	conn, err := nats.Connect(url)
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.SubscribeSync("test.asterix.>")
	require.NoError(t, err)

	pub := NewNATSPublisherConn(conn, "test.asterix")
	p := New(testDecoder(), nil, Options{})
	r := p.Process(feed.NewFrame("a", frameOne))
	assert.Equal(t, "test.asterix.1", pub.Subject(r))

	require.NoError(t, pub.Write(context.Background(), []Result{r}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var d Decoded
	require.NoError(t, json.Unmarshal(msg.Data, &d))
	assert.Equal(t, r.Frame.ID.String(), d.FrameID)
	assert.Len(t, d.Records, 1)
}
