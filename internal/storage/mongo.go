package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"asterix_decoder/internal/asterix"
)

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// MongoStore keeps decoded records as documents.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to MongoDB and pings the primary.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// Name identifies the sink in logs and metrics.
func (s *MongoStore) Name() string { return "mongo" }

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// InsertBatch stores one document per row.
func (s *MongoStore) InsertBatch(ctx context.Context, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(rows))
	for i := range rows {
		docs = append(docs, RowDocument(&rows[i]))
	}
	if _, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("insert documents: %w", err)
	}
	return nil
}

// RowDocument converts a row into a BSON document.
func RowDocument(r *RecordRow) bson.M {
	doc := bson.M{
		"frame_id":     r.FrameID.String(),
		"received":     r.Received,
		"source":       r.Source,
		"category":     r.Category,
		"record_index": r.Index,
		"items":        r.Items,
		"record":       recordDocument(r.Record),
	}
	if r.SAC >= 0 {
		doc["sac"] = r.SAC
		doc["sic"] = r.SIC
	}
	return doc
}

func recordDocument(rec asterix.Record) bson.M {
	out := make(bson.M, len(rec))
	for id, v := range rec {
		switch val := v.(type) {
		case asterix.Fields:
			out[id] = fieldsDocument(val)
		case asterix.FieldsList:
			list := make(bson.A, 0, len(val))
			for _, f := range val {
				list = append(list, fieldsDocument(f))
			}
			out[id] = list
		}
	}
	return out
}

func fieldsDocument(f asterix.Fields) bson.M {
	out := make(bson.M, len(f))
	for name, n := range f {
		if n.IsFloat() {
			out[name] = n.Float64()
		} else {
			out[name] = n.Int64()
		}
	}
	return out
}
