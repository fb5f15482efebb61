package asterix

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordDataSource(t *testing.T) {
	tests := []struct {
		name   string
		rec    Record
		want   DataSource
		wantOK bool
	}{
		{"present", Record{"010": Fields{"SAC": Int(25), "SIC": Int(201)}}, DataSource{25, 201}, true},
		{"missing item", Record{"020": Fields{}}, DataSource{}, false},
		{"missing field", Record{"010": Fields{"SAC": Int(25)}}, DataSource{}, false},
		{"wrong shape", Record{"010": FieldsList{}}, DataSource{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.rec.DataSource()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "25/201", DataSource{25, 201}.String())
}

func TestRecordFlatten(t *testing.T) {
	rec := Record{
		"010": Fields{"SAC": Int(1), "SIC": Int(2)},
		"250": FieldsList{{"X": Int(7)}, {"X": Int(8)}},
	}

	assert.Equal(t, map[string]Number{
		"010.SAC":  Int(1),
		"010.SIC":  Int(2),
		"250.X[0]": Int(7),
		"250.X[1]": Int(8),
	}, rec.Flatten())
	assert.Equal(t, []string{"010", "250"}, rec.ItemIDs())
}
