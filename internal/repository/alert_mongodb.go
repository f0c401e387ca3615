package repository

import (
	"context"
	"time"

	"escrow-engine/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBAlertRepository archives operator alerts in MongoDB.
type MongoDBAlertRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ AlertStore = (*MongoDBAlertRepository)(nil)

// NewMongoDBAlertRepository connects and ensures the time index exists.
func NewMongoDBAlertRepository(uri, dbName, collectionName string) (*MongoDBAlertRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	collection := client.Database(dbName).Collection(collectionName)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "at", Value: -1}},
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	return &MongoDBAlertRepository{
		client:     client,
		collection: collection,
	}, nil
}

// InsertAlert stores one alert.
func (r *MongoDBAlertRepository) InsertAlert(ctx context.Context, a *model.Alert) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := r.collection.InsertOne(ctx, a)
	return err
}

// RecentAlerts returns the newest alerts first.
func (r *MongoDBAlertRepository) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	findOptions := options.Find()
	findOptions.SetSort(bson.D{{Key: "at", Value: -1}})
	findOptions.SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var alerts []model.Alert
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	return alerts, nil
}

// Close disconnects from MongoDB.
func (r *MongoDBAlertRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
