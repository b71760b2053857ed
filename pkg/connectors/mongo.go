package connectors

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// MongoReader extracts a collection in _id order. The sync's stream name
// is the collection.
type MongoReader struct {
	client   *mongo.Client
	database string
}

func NewMongoReader(ctx context.Context, uri, database string) (*MongoReader, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoReader{client: client, database: database}, nil
}

func (r *MongoReader) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *MongoReader) ReadBatches(ctx context.Context, sync *models.Sync, batchSize int, fn func(batch []models.Record) error) error {
	if batchSize < 1 {
		batchSize = 1
	}
	coll := r.client.Database(r.database).Collection(sync.StreamName)
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetBatchSize(int32(batchSize))

	cur, err := coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return fmt.Errorf("find %s: %w", sync.StreamName, err)
	}
	defer cur.Close(ctx)

	batch := make([]models.Record, 0, batchSize)
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode %s: %w", sync.StreamName, err)
		}
		batch = append(batch, normalizeDocument(doc))
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]models.Record, 0, batchSize)
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("read %s: %w", sync.StreamName, err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// normalizeDocument converts BSON specific values into plain JSON-able ones
func normalizeDocument(doc primitive.M) models.Record {
	out := make(models.Record, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Decimal128:
		return t.String()
	case primitive.M:
		return normalizeDocument(t)
	case primitive.D:
		return normalizeDocument(t.Map())
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
