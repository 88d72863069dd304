package storage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// MongoStore writes research records to a MongoDB collection, one document
// per URL. Records read back carry no numeric ID.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore connects to uri and ensures the unique url index.
func NewMongoStore(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, eris.Wrap(err, "mongodb: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, eris.Wrap(err, "mongodb: ping")
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "url", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, eris.Wrap(err, "mongodb: create indexes")
	}

	return &MongoStore{
		client:     client,
		collection: coll,
		logger:     logger.With(zap.String("component", "mongo_store")),
	}, nil
}

func (s *MongoStore) Name() string { return "mongodb" }

func (s *MongoStore) UpsertResearch(ctx context.Context, records []*types.ResearchRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"url": r.URL}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"title":          r.Title,
					"html":           r.HTML,
					"image":          r.Image,
					"price":          r.Price,
					"store_id":       r.StoreID,
					"strategies":     r.Strategies,
					"execution_time": r.ExecutionTime,
					"updated_at":     now,
				},
				"$setOnInsert": bson.M{"created_at": now},
			}).
			SetUpsert(true))
	}

	res, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return eris.Wrap(err, "mongodb: upsert research")
	}
	s.logger.Debug("research upserted",
		zap.Int64("inserted", res.UpsertedCount),
		zap.Int64("modified", res.ModifiedCount),
	)
	return nil
}

func (s *MongoStore) FindResearchByURLs(ctx context.Context, urls []string) (map[string]*types.ResearchRecord, error) {
	out := make(map[string]*types.ResearchRecord, len(urls))
	if len(urls) == 0 {
		return out, nil
	}
	records, err := s.SearchResearch(ctx, ResearchFilter{URLs: urls})
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		out[r.URL] = r
	}
	return out, nil
}

// researchQuery translates f into a MongoDB filter document.
func researchQuery(f ResearchFilter) bson.M {
	q := bson.M{}
	if len(f.URLs) > 0 {
		q["url"] = bson.M{"$in": f.URLs}
	}
	price := bson.M{}
	if f.MinPrice != nil {
		price["$gte"] = *f.MinPrice
	}
	if f.MaxPrice != nil {
		price["$lte"] = *f.MaxPrice
	}
	if len(price) > 0 {
		q["price"] = price
	}
	if f.StoreID != nil {
		q["store_id"] = *f.StoreID
	}
	return q
}

func (s *MongoStore) SearchResearch(ctx context.Context, f ResearchFilter) ([]*types.ResearchRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.collection.Find(ctx, researchQuery(f), opts)
	if err != nil {
		return nil, eris.Wrap(err, "mongodb: find research")
	}
	var out []*types.ResearchRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, eris.Wrap(err, "mongodb: decode research")
	}
	return out, nil
}

func (s *MongoStore) PruneResearch(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"updated_at": bson.M{"$lt": olderThan.UTC()}})
	if err != nil {
		return 0, eris.Wrap(err, "mongodb: prune research")
	}
	s.logger.Info("research pruned", zap.Int64("deleted", res.DeletedCount), zap.Time("older_than", olderThan))
	return res.DeletedCount, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return eris.Wrap(s.client.Disconnect(ctx), "mongodb: disconnect")
}
