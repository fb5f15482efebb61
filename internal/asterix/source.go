package asterix

import (
	"fmt"
	"sort"
)

// SourceItem is the item that identifies the sending system in almost every
// category: SAC in bits 16..9 and SIC in bits 8..1.
const SourceItem = "010"

// DataSource identifies a radar or sensor by System Area Code and System
// Identification Code.
type DataSource struct {
	SAC int `json:"sac"`
	SIC int `json:"sic"`
}

func (d DataSource) String() string {
	return fmt.Sprintf("%d/%d", d.SAC, d.SIC)
}

// DataSource returns the SAC/SIC pair of the record, if item 010 is present.
func (r Record) DataSource() (DataSource, bool) {
	fields, ok := r[SourceItem].(Fields)
	if !ok {
		return DataSource{}, false
	}
	sac, okA := fields["SAC"]
	sic, okB := fields["SIC"]
	if !okA || !okB {
		return DataSource{}, false
	}
	return DataSource{SAC: int(sac.Int64()), SIC: int(sic.Int64())}, true
}

// ItemIDs returns the identifiers of the items present in the record, sorted.
func (r Record) ItemIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flatten returns every numeric value of the record keyed "item.field". Values
// of repetitive items are keyed "item.field[i]".
func (r Record) Flatten() map[string]Number {
	out := make(map[string]Number)
	for id, v := range r {
		switch val := v.(type) {
		case Fields:
			for name, n := range val {
				out[id+"."+name] = n
			}
		case FieldsList:
			for i, fields := range val {
				for name, n := range fields {
					out[fmt.Sprintf("%s.%s[%d]", id, name, i)] = n
				}
			}
		}
	}
	return out
}
