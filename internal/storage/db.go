// Package storage persists decoded ASTERIX records.
//
// ClickHouse holds the record stream for analytics, PostgreSQL the mutable
// data-source registry, SQLite a local archive of raw and decoded messages.
// InfluxDB and MongoDB are optional extra sinks for the same record rows.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
)

// Config holds database connection settings.
type Config struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Influx     InfluxConfig     `yaml:"influx"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Archive    string           `yaml:"archive"` // SQLite path; empty disables the archive.
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "asterix",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "asterix_state",
			User:     "asterix",
			Password: "asterix",
		},
		Influx: InfluxConfig{
			URL:    "http://localhost:8086",
			Org:    "asterix",
			Bucket: "asterix",
		},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "asterix",
			Collection: "records",
		},
	}
}

// RecordRow is one decoded record flattened for storage.
type RecordRow struct {
	FrameID  uuid.UUID
	Received time.Time
	Source   string
	Category int
	Index    int // Position of the record in its message.
	SAC      int // -1 when the record carries no data source item.
	SIC      int
	Items    []string
	Record   asterix.Record
}

// JSON returns the decoded record as JSON.
func (r *RecordRow) JSON() (string, error) {
	b, err := json.Marshal(r.Record)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(b), nil
}

// RowsFromMessage flattens every record of msg into a row.
func RowsFromMessage(f *feed.Frame, msg *asterix.Message) []RecordRow {
	if msg == nil {
		return nil
	}
	rows := make([]RecordRow, 0, len(msg.Records))
	for i, rec := range msg.Records {
		row := RecordRow{
			FrameID:  f.ID,
			Received: f.Received,
			Source:   f.Source,
			Category: msg.Category,
			Index:    i,
			SAC:      -1,
			SIC:      -1,
			Items:    rec.ItemIDs(),
			Record:   rec,
		}
		if ds, ok := rec.DataSource(); ok {
			row.SAC, row.SIC = ds.SAC, ds.SIC
		}
		rows = append(rows, row)
	}
	return rows
}

// DB wraps both ClickHouse and PostgreSQL connections.
type DB struct {
	CH *ClickHouseDB // ClickHouse for the record stream.
	PG *PostgresDB   // PostgreSQL for data sources.
}

// Open opens connections to both ClickHouse and PostgreSQL.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}

	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	return &DB{CH: ch, PG: pg}, nil
}

// Close closes both database connections.
func (d *DB) Close() error {
	var errs []error
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// CreateSchemas creates the schemas in both databases.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if err := d.CH.CreateSchema(ctx); err != nil {
		return fmt.Errorf("clickhouse schema: %w", err)
	}
	if err := d.PG.CreateSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}
