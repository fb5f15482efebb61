package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
)

func testMessage() *asterix.Message {
	return &asterix.Message{
		Category: 48,
		Records: []asterix.Record{
			{
				"010": asterix.Fields{"SAC": asterix.Int(25), "SIC": asterix.Int(201)},
				"040": asterix.Fields{"RHO": asterix.Float(12.5), "THETA": asterix.Float(90)},
			},
			{
				"020": asterix.Fields{"TYP": asterix.Int(5)},
				"250": asterix.FieldsList{{"BDS1": asterix.Int(4)}, {"BDS1": asterix.Int(5)}},
			},
		},
	}
}

func testFrame() *feed.Frame {
	f := feed.NewFrame("udp:test", []byte{0x30, 0x00, 0x03, 0x00})
	f.Received = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return f
}

func TestRowsFromMessage(t *testing.T) {
	f := testFrame()
	rows := RowsFromMessage(f, testMessage())
	require.Len(t, rows, 2)

	assert.Equal(t, f.ID, rows[0].FrameID)
	assert.Equal(t, "udp:test", rows[0].Source)
	assert.Equal(t, 48, rows[0].Category)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, 25, rows[0].SAC)
	assert.Equal(t, 201, rows[0].SIC)
	assert.Equal(t, []string{"010", "040"}, rows[0].Items)

	assert.Equal(t, 1, rows[1].Index)
	assert.Equal(t, -1, rows[1].SAC)
	assert.Equal(t, -1, rows[1].SIC)

	js, err := rows[0].JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"010":{"SAC":25,"SIC":201},"040":{"RHO":12.5,"THETA":90}}`, js)

	assert.Nil(t, RowsFromMessage(f, nil))
}

func TestCHQueryParamsBuildQuery(t *testing.T) {
	cat := 48
	sac := 25
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		params    CHQueryParams
		wantWhere string
		wantTail  string
		wantArgs  []any
	}{
		{
			name:     "defaults",
			params:   CHQueryParams{},
			wantTail: " ORDER BY received ASC, record_index ASC LIMIT 100 OFFSET 0",
		},
		{
			name:      "filters",
			params:    CHQueryParams{Category: &cat, SAC: &sac, Item: "250", Since: since, Limit: 10, Offset: 20, OrderDesc: true},
			wantWhere: " WHERE category = ? AND sac = ? AND has(items, ?) AND received >= ?",
			wantTail:  " ORDER BY received DESC, record_index ASC LIMIT 10 OFFSET 20",
			wantArgs:  []any{int16(48), int16(25), "250", since},
		},
	}

	base := `SELECT frame_id, received, source, category, record_index, sac, sic, items, decoded_json, created_at FROM asterix_records`
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := tt.params.buildQuery()
			assert.Equal(t, base+tt.wantWhere+tt.wantTail, q)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestRowPoint(t *testing.T) {
	rows := RowsFromMessage(testFrame(), testMessage())

	p := RowPoint(&rows[0])
	assert.Equal(t, Measurement, p.Name())
	assert.Equal(t, rows[0].Received, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"category": "48", "sac": "25", "sic": "201", "source": "udp:test"}, tags)

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(0), fields["record_index"])
	assert.Equal(t, int64(25), fields["010.SAC"])
	assert.Equal(t, 12.5, fields["040.RHO"])

	p = RowPoint(&rows[1])
	tags = map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.NotContains(t, tags, "sac")
	fields = map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(5), fields["250.BDS1[1]"])
}

func TestRowDocument(t *testing.T) {
	rows := RowsFromMessage(testFrame(), testMessage())

	doc := RowDocument(&rows[0])
	assert.Equal(t, 25, doc["sac"])
	assert.Equal(t, 48, doc["category"])
	rec := doc["record"].(bson.M)
	assert.Equal(t, bson.M{"RHO": 12.5, "THETA": 90.0}, rec["040"])

	doc = RowDocument(&rows[1])
	assert.NotContains(t, doc, "sac")
	rec = doc["record"].(bson.M)
	assert.Equal(t, bson.A{bson.M{"BDS1": int64(4)}, bson.M{"BDS1": int64(5)}}, rec["250"])
}

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchiveInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	f := testFrame()
	id, err := a.Insert(ctx, NewArchiveEntry(f, testMessage(), nil))
	require.NoError(t, err)
	assert.NotZero(t, id)

	bad := feed.NewFrame("udp:other", []byte{0x22, 0x00})
	failure := &asterix.RecordError{Index: 0, Offset: 3, Err: asterix.ErrInsufficientData}
	partial := &asterix.Message{Category: 34}
	unknown := feed.NewFrame("udp:other", []byte{0xF0})
	err = a.InsertBatch(ctx, []ArchiveEntry{
		NewArchiveEntry(bad, partial, failure),
		NewArchiveEntry(unknown, nil, fmt.Errorf("%w: -16", asterix.ErrUnsupportedCategory)),
	})
	require.NoError(t, err)

	all, err := a.Query(ctx, ArchiveQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	got := all[0]
	assert.Equal(t, f.ID.String(), got.FrameID)
	assert.True(t, f.Received.Equal(got.Received))
	assert.Equal(t, 48, got.Category)
	assert.Equal(t, "30000300", got.Hex)
	assert.Equal(t, 2, got.RecordCount)
	assert.Empty(t, got.Error)
	assert.Contains(t, got.DecodedJSON, `"category":48`)

	assert.Equal(t, -16, all[2].Category)
	assert.Equal(t, "unsupported_category", all[2].ErrorKind)
	assert.Empty(t, all[2].DecodedJSON)

	cat := 34
	byCat, err := a.Query(ctx, ArchiveQuery{Category: &cat})
	require.NoError(t, err)
	require.Len(t, byCat, 1)
	assert.Equal(t, "insufficient_data", byCat[0].ErrorKind)

	failed, err := a.Query(ctx, ArchiveQuery{ErrorKind: "any", OrderDesc: true})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, -16, failed[0].Category)

	limited, err := a.Query(ctx, ArchiveQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, 34, limited[0].Category)

	m, err := a.GetByFrameID(ctx, f.ID.String())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, id, m.ID)

	m, err = a.GetByFrameID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, m)

	sources, err := a.Distinct(ctx, "source")
	require.NoError(t, err)
	assert.Equal(t, []string{"udp:other", "udp:test"}, sources)

	_, err = a.Distinct(ctx, "hex")
	assert.Error(t, err)
}

func TestArchiveStats(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	require.NoError(t, a.InsertBatch(ctx, []ArchiveEntry{
		NewArchiveEntry(testFrame(), testMessage(), nil),
		NewArchiveEntry(testFrame(), testMessage(), nil),
		NewArchiveEntry(feed.NewFrame("", []byte{0x30}), nil, errors.Join(asterix.ErrSchemaInconsistency)),
	}))

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 4, stats.TotalRecords)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, map[int]int{48: 3}, stats.ByCategory)
	assert.Equal(t, map[string]int{"schema_inconsistency": 1}, stats.ByErrorKind)
}

func TestArchiveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.db")

	a, err := OpenArchive(path)
	require.NoError(t, err)
	_, err = a.Insert(ctx, NewArchiveEntry(testFrame(), testMessage(), nil))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = OpenArchive(path)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	all, err := a.Query(ctx, ArchiveQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
