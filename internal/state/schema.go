// Package state tracks the radars and sensors seen in the decoded stream.
package state

// schema contains the SQLite table definitions for state tracking.
const schema = `
-- Data sources keyed by category and SAC/SIC. Times are Unix milliseconds.
CREATE TABLE IF NOT EXISTS source_state (
	key            TEXT PRIMARY KEY,
	category       INTEGER NOT NULL,
	sac            INTEGER NOT NULL,
	sic            INTEGER NOT NULL,
	feed           TEXT,
	first_seen     INTEGER NOT NULL,
	last_seen      INTEGER NOT NULL,
	msg_count      INTEGER NOT NULL DEFAULT 0,
	record_count   INTEGER NOT NULL DEFAULT 0,
	synced_records INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_source_state_last_seen ON source_state(last_seen);
`
