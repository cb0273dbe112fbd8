package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	TripsCollectionName    = "trips"
	BookingsCollectionName = "bookings"
	UsersCollectionName    = "users"
)

// ConnectMongo connects to MongoDB and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// MongoStore bundles the collections of one database.
type MongoStore struct {
	Client   *mongo.Client
	Trips    *MongoTripCollection
	Bookings *MongoBookingCollection
	Users    *MongoUserCollection
}

// NewMongoStore wraps the named database of client.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	d := client.Database(database)
	return &MongoStore{
		Client:   client,
		Trips:    &MongoTripCollection{Collection: d.Collection(TripsCollectionName)},
		Bookings: &MongoBookingCollection{Collection: d.Collection(BookingsCollectionName)},
		Users:    &MongoUserCollection{Collection: d.Collection(UsersCollectionName)},
	}
}

// EnsureIndexes creates the indexes the service relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	trips := []mongo.IndexModel{
		{Keys: bson.D{{Key: "from", Value: 1}, {Key: "to", Value: 1}, {Key: "date", Value: 1}}},
		{Keys: bson.D{{Key: "bus_number", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := s.Trips.Collection.Indexes().CreateMany(ctx, trips); err != nil {
		return fmt.Errorf("trip indexes: %w", err)
	}

	bookings := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user.user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "trip_id", Value: 1}, {Key: "booking_status", Value: 1}}},
	}
	if _, err := s.Bookings.Collection.Indexes().CreateMany(ctx, bookings); err != nil {
		return fmt.Errorf("booking indexes: %w", err)
	}

	users := mongo.IndexModel{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)}
	if _, err := s.Users.Collection.Indexes().CreateOne(ctx, users); err != nil {
		return fmt.Errorf("user indexes: %w", err)
	}

	log.Debug("Mongo indexes ensured")
	return nil
}

// MongoTransactor runs functions inside a multi-document transaction.
// It needs a replica set or sharded cluster.
type MongoTransactor struct {
	Client *mongo.Client
}

// WithinTransaction runs fn in a session transaction; transient errors are retried by the driver.
func (t *MongoTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := t.Client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func objectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return oid, nil
}

// mapErr turns driver sentinel errors into package errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case err == mongo.ErrNoDocuments:
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}
