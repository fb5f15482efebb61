package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PostgresDB wraps a PostgreSQL connection pool for state storage.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// Pool returns the underlying connection pool.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Radars and sensors seen in the feed, keyed by category and SAC/SIC.
	CREATE TABLE IF NOT EXISTS data_sources (
		category        INTEGER NOT NULL,
		sac             INTEGER NOT NULL,
		sic             INTEGER NOT NULL,
		name            TEXT,
		last_feed       TEXT,
		first_seen      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		record_count    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (category, sac, sic)
	);

	CREATE INDEX IF NOT EXISTS idx_data_sources_last_seen ON data_sources(last_seen);

	-- Running decode totals per category.
	CREATE TABLE IF NOT EXISTS category_stats (
		category        INTEGER PRIMARY KEY,
		messages        BIGINT NOT NULL DEFAULT 0,
		records         BIGINT NOT NULL DEFAULT 0,
		errors          BIGINT NOT NULL DEFAULT 0,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`

	_, err := d.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// DataSource is a data_sources row.
type DataSource struct {
	Category    int       `json:"category"`
	SAC         int       `json:"sac"`
	SIC         int       `json:"sic"`
	Name        string    `json:"name,omitempty"`
	LastFeed    string    `json:"last_feed,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	RecordCount int64     `json:"record_count"`
}

// UpsertSource inserts a data source or advances an existing one. RecordCount
// is added to the stored count; the name is only replaced when non-empty.
func (d *PostgresDB) UpsertSource(ctx context.Context, s DataSource) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO data_sources (category, sac, sic, name, last_feed, first_seen, last_seen, record_count)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (category, sac, sic) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, data_sources.name),
			last_feed = COALESCE(EXCLUDED.last_feed, data_sources.last_feed),
			first_seen = LEAST(data_sources.first_seen, EXCLUDED.first_seen),
			last_seen = GREATEST(data_sources.last_seen, EXCLUDED.last_seen),
			record_count = data_sources.record_count + EXCLUDED.record_count
	`, s.Category, s.SAC, s.SIC, s.Name, s.LastFeed, s.FirstSeen, s.LastSeen, s.RecordCount)
	if err != nil {
		return fmt.Errorf("upsert data source: %w", err)
	}
	return nil
}

// GetSource retrieves one data source. It returns nil, nil when absent.
func (d *PostgresDB) GetSource(ctx context.Context, category, sac, sic int) (*DataSource, error) {
	var s DataSource
	var name, feed *string
	err := d.pool.QueryRow(ctx, `
		SELECT category, sac, sic, name, last_feed, first_seen, last_seen, record_count
		FROM data_sources WHERE category = $1 AND sac = $2 AND sic = $3
	`, category, sac, sic).Scan(&s.Category, &s.SAC, &s.SIC, &name, &feed, &s.FirstSeen, &s.LastSeen, &s.RecordCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get data source: %w", err)
	}
	if name != nil {
		s.Name = *name
	}
	if feed != nil {
		s.LastFeed = *feed
	}
	return &s, nil
}

// ListSources returns the data sources seen since the given time (all when
// zero), most recent first.
func (d *PostgresDB) ListSources(ctx context.Context, since time.Time) ([]DataSource, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT category, sac, sic, COALESCE(name, ''), COALESCE(last_feed, ''), first_seen, last_seen, record_count
		FROM data_sources
		WHERE last_seen >= $1
		ORDER BY last_seen DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	defer rows.Close()

	var sources []DataSource
	for rows.Next() {
		var s DataSource
		if err := rows.Scan(&s.Category, &s.SAC, &s.SIC, &s.Name, &s.LastFeed, &s.FirstSeen, &s.LastSeen, &s.RecordCount); err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// SetSourceName labels a data source.
func (d *PostgresDB) SetSourceName(ctx context.Context, category, sac, sic int, name string) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE data_sources SET name = $4 WHERE category = $1 AND sac = $2 AND sic = $3
	`, category, sac, sic, name)
	if err != nil {
		return fmt.Errorf("set data source name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("data source %d %d/%d not found", category, sac, sic)
	}
	return nil
}

// CategoryStats is a category_stats row.
type CategoryStats struct {
	Category  int       `json:"category"`
	Messages  int64     `json:"messages"`
	Records   int64     `json:"records"`
	Errors    int64     `json:"errors"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddCategoryStats adds the deltas to the running totals of a category.
func (d *PostgresDB) AddCategoryStats(ctx context.Context, s CategoryStats) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO category_stats (category, messages, records, errors, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (category) DO UPDATE SET
			messages = category_stats.messages + EXCLUDED.messages,
			records = category_stats.records + EXCLUDED.records,
			errors = category_stats.errors + EXCLUDED.errors,
			updated_at = NOW()
	`, s.Category, s.Messages, s.Records, s.Errors)
	if err != nil {
		return fmt.Errorf("add category stats: %w", err)
	}
	return nil
}

// ListCategoryStats returns the totals of every category.
func (d *PostgresDB) ListCategoryStats(ctx context.Context) ([]CategoryStats, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT category, messages, records, errors, updated_at FROM category_stats ORDER BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("list category stats: %w", err)
	}
	defer rows.Close()

	var stats []CategoryStats
	for rows.Next() {
		var s CategoryStats
		if err := rows.Scan(&s.Category, &s.Messages, &s.Records, &s.Errors, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan category stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
