package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kjstillabower/sale-price-service/internal/models"
)

// DefaultMongoDatabase is used when the configuration names no database.
const DefaultMongoDatabase = "db_name"

// MongoStore keeps records in a MongoDB collection with independent single-field
// indexes on city and state.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects, pings and ensures indexes. connectTimeout bounds the
// whole setup; zero means 10s.
func NewMongoStore(ctx context.Context, uri, database string, connectTimeout time.Duration) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo: connection URI is required")
	}
	if database == "" {
		database = DefaultMongoDatabase
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	s := &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(CollectionName),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "city", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}}},
	})
	return err
}

func (s *MongoStore) FindOne(ctx context.Context, city, state string) (models.MedianSalePriceRecord, bool, error) {
	start := time.Now()
	var record models.MedianSalePriceRecord
	err := s.collection.FindOne(ctx, bson.D{{Key: "city", Value: city}, {Key: "state", Value: state}}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		observe(BackendMongo, "find", start, nil)
		return models.MedianSalePriceRecord{}, false, nil
	}
	observe(BackendMongo, "find", start, err)
	if err != nil {
		return models.MedianSalePriceRecord{}, false, fmt.Errorf("mongo: find %s, %s: %w", city, state, err)
	}
	return record, true, nil
}

func (s *MongoStore) Insert(ctx context.Context, record models.MedianSalePriceRecord) error {
	start := time.Now()
	_, err := s.collection.InsertOne(ctx, record)
	observe(BackendMongo, "insert", start, err)
	if err != nil {
		return fmt.Errorf("mongo: insert %s, %s: %w", record.City, record.State, err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
