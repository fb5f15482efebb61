package state

import (
	"fmt"
	"time"
)

// SourceState is what the tracker knows about one data source.
type SourceState struct {
	Key         string    `json:"key"`
	Category    int       `json:"category"`
	SAC         int       `json:"sac"`
	SIC         int       `json:"sic"`
	Feed        string    `json:"feed,omitempty"` // Last feed the source arrived on.
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	MsgCount    int64     `json:"msg_count"`
	RecordCount int64     `json:"record_count"`

	syncedRecords int64
}

// Pending returns the number of records not yet pushed to the store.
func (s *SourceState) Pending() int64 {
	return s.RecordCount - s.syncedRecords
}

// SourceKey builds the tracker key of a data source.
func SourceKey(category, sac, sic int) string {
	return fmt.Sprintf("%d/%d/%d", category, sac, sic)
}

// SourceUpdate reports records of one data source seen in one message.
type SourceUpdate struct {
	Category int
	SAC      int
	SIC      int
	Feed     string
	Records  int
	Seen     time.Time // Zero means now.
}

// Stats returns statistics about tracked data.
type Stats struct {
	Sources       int   `json:"sources"`
	Records       int64 `json:"records"`
	UnsyncedCount int   `json:"unsynced"`
}
