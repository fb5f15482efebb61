package state

import (
	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
)

// ExtractAndUpdate groups the records of a decoded message by data source and
// updates the tracker. Records without item 010 are not attributed. It returns
// the number of distinct sources in the message.
func ExtractAndUpdate(t *Tracker, f *feed.Frame, msg *asterix.Message) int {
	if msg == nil || len(msg.Records) == 0 {
		return 0
	}

	counts := make(map[asterix.DataSource]int)
	var order []asterix.DataSource
	for _, rec := range msg.Records {
		ds, ok := rec.DataSource()
		if !ok {
			continue
		}
		if _, seen := counts[ds]; !seen {
			order = append(order, ds)
		}
		counts[ds]++
	}

	for _, ds := range order {
		u := SourceUpdate{
			Category: msg.Category,
			SAC:      ds.SAC,
			SIC:      ds.SIC,
			Records:  counts[ds],
		}
		if f != nil {
			u.Feed = f.Source
			u.Seen = f.Received
		}
		t.Observe(u)
	}
	return len(order)
}
