package storage

import (
	"context"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxConfig holds InfluxDB 2.x connection settings.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Measurement is the InfluxDB measurement records are written to.
const Measurement = "asterix"

// InfluxWriter writes record rows as InfluxDB points.
type InfluxWriter struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// OpenInflux connects to InfluxDB and checks that the server answers.
func OpenInflux(ctx context.Context, cfg InfluxConfig) (*InfluxWriter, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping influx: %w", err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("ping influx: server not ready")
	}
	return &InfluxWriter{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Name identifies the sink in logs and metrics.
func (w *InfluxWriter) Name() string { return "influx" }

// Close releases the client.
func (w *InfluxWriter) Close() {
	w.client.Close()
}

// InsertBatch writes one point per row.
func (w *InfluxWriter) InsertBatch(ctx context.Context, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(rows))
	for i := range rows {
		points = append(points, RowPoint(&rows[i]))
	}
	if err := w.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write points: %w", err)
	}
	return nil
}

// RowPoint converts a row into a point tagged by category, data source and
// feed. Every numeric value of the record becomes a field.
func RowPoint(r *RecordRow) *write.Point {
	p := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("category", strconv.Itoa(r.Category)).
		AddField("record_index", r.Index).
		SetTime(r.Received)
	if r.SAC >= 0 {
		p.AddTag("sac", strconv.Itoa(r.SAC)).AddTag("sic", strconv.Itoa(r.SIC))
	}
	if r.Source != "" {
		p.AddTag("source", r.Source)
	}
	for key, n := range r.Record.Flatten() {
		if n.IsFloat() {
			p.AddField(key, n.Float64())
		} else {
			p.AddField(key, n.Int64())
		}
	}
	return p
}
