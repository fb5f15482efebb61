package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ClickHouseDB wraps a ClickHouse connection for record storage.
type ClickHouseDB struct {
	conn driver.Conn
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS asterix_records (
			frame_id        UUID,
			received        DateTime64(3),
			source          LowCardinality(String),
			category        Int16,
			record_index    UInt16,
			sac             Int16,
			sic             Int16,
			items           Array(LowCardinality(String)),
			decoded_json    String,
			created_at      DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(received)
		ORDER BY (category, sac, sic, received, frame_id, record_index)
		SETTINGS index_granularity = 8192`

	if err := d.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Skip index for item lookups (ignore error if already exists).
	_ = d.conn.Exec(ctx, `ALTER TABLE asterix_records ADD INDEX IF NOT EXISTS idx_items_bloom items TYPE bloom_filter GRANULARITY 1`)

	return nil
}

// Name identifies the sink in logs and metrics.
func (d *ClickHouseDB) Name() string { return "clickhouse" }

// InsertBatch stores record rows in one batch.
func (d *ClickHouseDB) InsertBatch(ctx context.Context, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO asterix_records (frame_id, received, source, category, record_index, sac, sic, items, decoded_json)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i := range rows {
		r := &rows[i]
		decoded, err := r.JSON()
		if err != nil {
			return err
		}
		err = batch.Append(r.FrameID, r.Received, r.Source, int16(r.Category), uint16(r.Index),
			int16(r.SAC), int16(r.SIC), r.Items, decoded)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// CHRecord is a record row read back from ClickHouse.
type CHRecord struct {
	FrameID     uuid.UUID
	Received    time.Time
	Source      string
	Category    int16
	Index       uint16
	SAC         int16
	SIC         int16
	Items       []string
	DecodedJSON string
	CreatedAt   time.Time
}

// CHQueryParams contains filtering options for querying records.
type CHQueryParams struct {
	Category  *int
	SAC       *int
	SIC       *int
	Item      string // Only records carrying this item.
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
	OrderDesc bool
}

// buildQuery returns the SELECT statement and its arguments for p.
func (p CHQueryParams) buildQuery() (string, []any) {
	var conditions []string
	var args []any

	if p.Category != nil {
		conditions = append(conditions, "category = ?")
		args = append(args, int16(*p.Category))
	}
	if p.SAC != nil {
		conditions = append(conditions, "sac = ?")
		args = append(args, int16(*p.SAC))
	}
	if p.SIC != nil {
		conditions = append(conditions, "sic = ?")
		args = append(args, int16(*p.SIC))
	}
	if p.Item != "" {
		conditions = append(conditions, "has(items, ?)")
		args = append(args, p.Item)
	}
	if !p.Since.IsZero() {
		conditions = append(conditions, "received >= ?")
		args = append(args, p.Since)
	}
	if !p.Until.IsZero() {
		conditions = append(conditions, "received < ?")
		args = append(args, p.Until)
	}

	query := `SELECT frame_id, received, source, category, record_index, sac, sic, items, decoded_json, created_at FROM asterix_records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	direction := "ASC"
	if p.OrderDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY received %s, record_index ASC", direction)

	limit := 100
	if p.Limit > 0 {
		limit = p.Limit
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, p.Offset)

	return query, args
}

// Query retrieves records matching the given parameters.
func (d *ClickHouseDB) Query(ctx context.Context, p CHQueryParams) ([]CHRecord, error) {
	query, args := p.buildQuery()

	rows, err := d.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []CHRecord
	for rows.Next() {
		var r CHRecord
		err := rows.Scan(&r.FrameID, &r.Received, &r.Source, &r.Category, &r.Index,
			&r.SAC, &r.SIC, &r.Items, &r.DecodedJSON, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// Count returns the total number of records.
func (d *ClickHouseDB) Count(ctx context.Context) (uint64, error) {
	var count uint64
	row := d.conn.QueryRow(ctx, "SELECT count() FROM asterix_records")
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// CountByCategory returns record counts grouped by category.
func (d *ClickHouseDB) CountByCategory(ctx context.Context) (map[int]uint64, error) {
	counts := make(map[int]uint64)
	rows, err := d.conn.Query(ctx, "SELECT category, count() FROM asterix_records GROUP BY category")
	if err != nil {
		return nil, fmt.Errorf("count by category: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cat int16
		var count uint64
		if err := rows.Scan(&cat, &count); err != nil {
			return nil, fmt.Errorf("scan count by category: %w", err)
		}
		counts[int(cat)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count by category: %w", err)
	}
	return counts, nil
}
