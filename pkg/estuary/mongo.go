package estuary

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// KeyField holds the document id on documents written by MongoLoader
const KeyField = "_cdcsync_key"

// MongoLoader upserts one document per row keyed by KeyField and deletes
// it for tombstones, in a single ordered bulk write per batch.
type MongoLoader struct {
	client   *mongo.Client
	database string
}

func NewMongoLoader(ctx context.Context, uri, database string) (*MongoLoader, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	return &MongoLoader{client: client, database: database}, nil
}

func (m *MongoLoader) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoLoader) Load(ctx context.Context, sync *models.Sync, recs []*models.SyncWriteRecord) error {
	if len(recs) == 0 {
		return nil
	}
	coll := m.client.Database(m.database).Collection(Target(sync))
	if _, err := coll.BulkWrite(ctx, mongoWrites(recs), options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("%w: mongodb collection %s: %v", models.ErrLoadFailed, Target(sync), err)
	}
	countLoaded("mongodb", recs)
	return nil
}

func mongoWrites(recs []*models.SyncWriteRecord) []mongo.WriteModel {
	writes := make([]mongo.WriteModel, 0, len(recs))
	for _, rec := range recs {
		id := DocumentID(rec)
		filter := bson.M{KeyField: id}
		if rec.IsTombstone() {
			writes = append(writes, mongo.NewDeleteOneModel().SetFilter(filter))
			continue
		}

		doc := bson.M{KeyField: id}
		for k, v := range rec.Record {
			if k == "_id" || k == models.DeletedMarkerField {
				continue
			}
			doc[k] = v
		}
		writes = append(writes, mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(doc).SetUpsert(true))
	}
	return writes
}
