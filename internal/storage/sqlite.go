package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
)

// ArchivedMessage is a message read back from the archive.
type ArchivedMessage struct {
	ID          int64
	FrameID     string
	Received    time.Time
	Source      string
	Category    int
	Hex         string
	DecodedJSON string
	Error       string
	ErrorKind   string
	RecordCount int
}

// Archive is a local SQLite store of raw frames and their decode outcome.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates a SQLite archive at the given path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// createSchema creates the database tables and indices.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		frame_id TEXT NOT NULL,
		received TEXT NOT NULL,
		source TEXT,
		category INTEGER NOT NULL,
		hex TEXT NOT NULL,
		decoded_json TEXT,
		error TEXT,
		record_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_messages_frame ON messages(frame_id);
	CREATE INDEX IF NOT EXISTS idx_messages_category ON messages(category);
	CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received);
	-- Note: idx_messages_error_kind created by migration for existing DBs
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	return migrateSchema(db)
}

// migrateSchema adds columns introduced after the first release.
func migrateSchema(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name='error_kind'`).Scan(&count)
	if err != nil {
		return err
	}

	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE messages ADD COLUMN error_kind TEXT`); err != nil {
			// Ignore "duplicate column" errors for idempotency.
			if !strings.Contains(err.Error(), "duplicate column") {
				return err
			}
		}
		_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_error_kind ON messages(error_kind)`)
	}

	return nil
}

// ArchiveEntry is one frame and the outcome of decoding it.
type ArchiveEntry struct {
	FrameID     uuid.UUID
	Received    time.Time
	Source      string
	Category    int
	Hex         string
	Message     *asterix.Message
	Err         error
	RecordCount int
}

// NewArchiveEntry builds an entry from a decoded frame. msg may be nil.
func NewArchiveEntry(f *feed.Frame, msg *asterix.Message, err error) ArchiveEntry {
	e := ArchiveEntry{
		FrameID:  f.ID,
		Received: f.Received,
		Source:   f.Source,
		Category: -1,
		Hex:      f.Hex(),
		Message:  msg,
		Err:      err,
	}
	if len(f.Data) > 0 {
		e.Category = int(int8(f.Data[0]))
	}
	if msg != nil {
		e.Category = msg.Category
		e.RecordCount = len(msg.Records)
	}
	return e
}

const insertMessage = `
	INSERT INTO messages (frame_id, received, source, category, hex, decoded_json, error, error_kind, record_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (e *ArchiveEntry) args() ([]any, error) {
	var decoded, errText, kind sql.NullString
	if e.Message != nil {
		b, err := json.Marshal(e.Message)
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		decoded = sql.NullString{String: string(b), Valid: true}
	}
	if e.Err != nil {
		errText = sql.NullString{String: e.Err.Error(), Valid: true}
		kind = sql.NullString{String: asterix.ErrorKind(e.Err), Valid: true}
	}
	return []any{e.FrameID.String(), e.Received.UTC().Format(time.RFC3339Nano), e.Source,
		e.Category, e.Hex, decoded, errText, kind, e.RecordCount}, nil
}

// Insert stores one entry in the archive.
func (a *Archive) Insert(ctx context.Context, e ArchiveEntry) (int64, error) {
	args, err := e.args()
	if err != nil {
		return 0, err
	}

	result, err := a.db.ExecContext(ctx, insertMessage, args...)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	return result.LastInsertId()
}

// InsertBatch stores entries in a single transaction.
func (a *Archive) InsertBatch(ctx context.Context, entries []ArchiveEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertMessage)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range entries {
		args, err := entries[i].args()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// ArchiveQuery contains filtering options for querying the archive.
type ArchiveQuery struct {
	ID        int64  // Filter by row ID.
	FrameID   string // Filter by frame ID.
	Category  *int   // Filter by category.
	Source    string // Filter by feed source (exact match).
	ErrorKind string // Filter by error kind; "any" matches every failed frame.
	Since     time.Time
	Limit     int // Max results (default 100).
	Offset    int
	OrderDesc bool
}

// Query retrieves archived messages matching the given parameters.
func (a *Archive) Query(ctx context.Context, p ArchiveQuery) ([]ArchivedMessage, error) {
	var conditions []string
	var args []any

	if p.ID != 0 {
		conditions = append(conditions, "id = ?")
		args = append(args, p.ID)
	}
	if p.FrameID != "" {
		conditions = append(conditions, "frame_id = ?")
		args = append(args, p.FrameID)
	}
	if p.Category != nil {
		conditions = append(conditions, "category = ?")
		args = append(args, *p.Category)
	}
	if p.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, p.Source)
	}
	switch p.ErrorKind {
	case "":
	case "any":
		conditions = append(conditions, "error IS NOT NULL")
	default:
		conditions = append(conditions, "error_kind = ?")
		args = append(args, p.ErrorKind)
	}
	if !p.Since.IsZero() {
		conditions = append(conditions, "received >= ?")
		args = append(args, p.Since.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT id, frame_id, received, source, category, hex, decoded_json, error, error_kind, record_count
			FROM messages`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	direction := "ASC"
	if p.OrderDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY id %s", direction)

	limit := 100
	if p.Limit > 0 {
		limit = p.Limit
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, p.Offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []ArchivedMessage
	for rows.Next() {
		m, err := scanArchived(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}

	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArchived(s scanner) (*ArchivedMessage, error) {
	var m ArchivedMessage
	var received string
	var source, decoded, errText, kind sql.NullString

	err := s.Scan(&m.ID, &m.FrameID, &received, &source, &m.Category, &m.Hex,
		&decoded, &errText, &kind, &m.RecordCount)
	if err != nil {
		return nil, err
	}

	m.Received, _ = time.Parse(time.RFC3339Nano, received)
	m.Source = source.String
	m.DecodedJSON = decoded.String
	m.Error = errText.String
	m.ErrorKind = kind.String

	return &m, nil
}

// GetByFrameID retrieves the message archived for a frame. It returns nil,
// nil when absent.
func (a *Archive) GetByFrameID(ctx context.Context, frameID string) (*ArchivedMessage, error) {
	row := a.db.QueryRowContext(ctx, `SELECT id, frame_id, received, source, category, hex, decoded_json, error, error_kind, record_count
			FROM messages WHERE frame_id = ?`, frameID)

	m, err := scanArchived(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan row: %w", err)
	}
	return m, nil
}

// ArchiveStats returns aggregate statistics about archived messages.
type ArchiveStats struct {
	TotalMessages int            `json:"total_messages"`
	TotalRecords  int            `json:"total_records"`
	Failed        int            `json:"failed"`
	ByCategory    map[int]int    `json:"by_category"`
	ByErrorKind   map[string]int `json:"by_error_kind"`
}

// Stats returns statistics about the archived messages.
func (a *Archive) Stats(ctx context.Context) (*ArchiveStats, error) {
	stats := &ArchiveStats{
		ByCategory:  make(map[int]int),
		ByErrorKind: make(map[string]int),
	}

	row := a.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(record_count), 0) FROM messages")
	if err := row.Scan(&stats.TotalMessages, &stats.TotalRecords); err != nil {
		return nil, err
	}

	row = a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE error IS NOT NULL")
	if err := row.Scan(&stats.Failed); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, "SELECT category, COUNT(*) FROM messages GROUP BY category")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var cat, count int
		if err := rows.Scan(&cat, &count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ByCategory[cat] = count
	}
	_ = rows.Close()

	rows, err = a.db.QueryContext(ctx, "SELECT error_kind, COUNT(*) FROM messages WHERE error_kind IS NOT NULL GROUP BY error_kind")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ByErrorKind[kind] = count
	}
	_ = rows.Close()

	return stats, nil
}

// Distinct returns distinct values for a given column.
func (a *Archive) Distinct(ctx context.Context, column string) ([]string, error) {
	// Validate column name to prevent SQL injection.
	validColumns := map[string]bool{
		"source":     true,
		"error_kind": true,
	}
	if !validColumns[column] {
		return nil, fmt.Errorf("invalid column: %s", column)
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM messages WHERE %s IS NOT NULL AND %s != '' ORDER BY %s", column, column, column, column)
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
