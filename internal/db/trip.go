package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ukydev/bus-booking/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTripCollection implements TripCollection for MongoDB.
type MongoTripCollection struct {
	Collection *mongo.Collection
}

// InsertTrip stores a new trip with an empty seat map.
func (c *MongoTripCollection) InsertTrip(ctx context.Context, trip *models.Trip) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	prepareNewTrip(trip, time.Now())
	_, err := c.Collection.InsertOne(ctx, trip)
	return mapErr(err)
}

// FindTripByID finds a trip by its ID.
func (c *MongoTripCollection) FindTripByID(ctx context.Context, id string) (*models.Trip, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	var trip models.Trip
	if err := c.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&trip); err != nil {
		return nil, mapErr(err)
	}
	return &trip, nil
}

// FindTrips lists trips ordered by date then departure time.
func (c *MongoTripCollection) FindTrips(ctx context.Context, activeOnly bool) ([]models.Trip, error) {
	filter := bson.M{}
	if activeOnly {
		filter["is_active"] = true
	}
	return c.find(ctx, filter)
}

// FindTripsByRouteAndDate matches endpoints case-insensitively and the trip
// date against the calendar day starting at day.
func (c *MongoTripCollection) FindTripsByRouteAndDate(ctx context.Context, from, to string, day time.Time) ([]models.Trip, error) {
	filter := bson.M{
		"from":      primitive.Regex{Pattern: regexp.QuoteMeta(strings.TrimSpace(from)), Options: "i"},
		"to":        primitive.Regex{Pattern: regexp.QuoteMeta(strings.TrimSpace(to)), Options: "i"},
		"date":      bson.M{"$gte": day, "$lt": day.AddDate(0, 0, 1)},
		"is_active": true,
	}
	return c.find(ctx, filter)
}

func (c *MongoTripCollection) find(ctx context.Context, filter bson.M) ([]models.Trip, error) {
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "departure_time", Value: 1}})
	cursor, err := c.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	trips := []models.Trip{}
	if err := cursor.All(ctx, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// UpdateTrip applies catalog edits. Seat totals can only change on an empty trip.
func (c *MongoTripCollection) UpdateTrip(ctx context.Context, id string, update models.TripUpdate) (*models.Trip, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}

	set := tripUpdateFields(update)
	set["updated_at"] = time.Now()
	filter := bson.M{"_id": oid}
	doc := bson.M{"$set": set}
	if update.TotalSeats != nil {
		filter["booked_seats"] = bson.M{"$size": 0}
		set["total_seats"] = *update.TotalSeats
		set["available_seats"] = *update.TotalSeats
		doc["$inc"] = bson.M{"version": 1}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var trip models.Trip
	err = c.Collection.FindOneAndUpdate(ctx, filter, doc, opts).Decode(&trip)
	if err == mongo.ErrNoDocuments && update.TotalSeats != nil {
		if _, findErr := c.FindTripByID(ctx, id); findErr != nil {
			return nil, findErr
		}
		return nil, ErrTripOccupied
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &trip, nil
}

// DeleteTrip physically removes a trip.
func (c *MongoTripCollection) DeleteTrip(ctx context.Context, id string) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	result, err := c.Collection.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustOccupancy applies a versioned seat change in a single conditional update.
func (c *MongoTripCollection) AdjustOccupancy(ctx context.Context, change OccupancyChange) (*models.Trip, error) {
	oid, err := objectID(change.TripID)
	if err != nil {
		return nil, err
	}
	if err := validateOccupancyChange(change); err != nil {
		return nil, err
	}

	filter := bson.M{"_id": oid, "version": change.ExpectedVersion}
	var update bson.M
	if len(change.Add) > 0 {
		seats := make([]int, len(change.Add))
		for i, s := range change.Add {
			seats[i] = s.SeatNumber
		}
		if !change.Restore {
			filter["is_active"] = true
		}
		filter["available_seats"] = bson.M{"$gte": len(change.Add)}
		filter["booked_seats.seat_number"] = bson.M{"$nin": seats}
		update = bson.M{
			"$push": bson.M{"booked_seats": bson.M{"$each": change.Add}},
			"$inc":  bson.M{"available_seats": -len(change.Add), "version": 1},
			"$set":  bson.M{"updated_at": time.Now()},
		}
	} else {
		filter["booked_seats.seat_number"] = bson.M{"$all": change.Remove}
		update = bson.M{
			"$pull": bson.M{"booked_seats": bson.M{"seat_number": bson.M{"$in": change.Remove}}},
			"$inc":  bson.M{"available_seats": len(change.Remove), "version": 1},
			"$set":  bson.M{"updated_at": time.Now()},
		}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var trip models.Trip
	err = c.Collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&trip)
	if err == mongo.ErrNoDocuments {
		if _, findErr := c.FindTripByID(ctx, change.TripID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return &trip, nil
}

func prepareNewTrip(trip *models.Trip, now time.Time) {
	if trip.ID.IsZero() {
		trip.ID = primitive.NewObjectID()
	}
	trip.BusNumber = strings.ToUpper(strings.TrimSpace(trip.BusNumber))
	trip.AvailableSeats = trip.TotalSeats
	trip.BookedSeats = []models.BookedSeat{}
	if trip.Amenities == nil {
		trip.Amenities = []string{}
	}
	trip.Version = 0
	trip.CreatedAt = now
	trip.UpdatedAt = now
}

func tripUpdateFields(u models.TripUpdate) bson.M {
	set := bson.M{}
	if u.BusName != nil {
		set["bus_name"] = *u.BusName
	}
	if u.BusType != nil {
		set["bus_type"] = *u.BusType
	}
	if u.From != nil {
		set["from"] = *u.From
	}
	if u.To != nil {
		set["to"] = *u.To
	}
	if u.DepartureTime != nil {
		set["departure_time"] = *u.DepartureTime
	}
	if u.ArrivalTime != nil {
		set["arrival_time"] = *u.ArrivalTime
	}
	if u.Date != nil {
		set["date"] = *u.Date
	}
	if u.Price != nil {
		set["price"] = *u.Price
	}
	if u.Amenities != nil {
		set["amenities"] = u.Amenities
	}
	if u.IsActive != nil {
		set["is_active"] = *u.IsActive
	}
	return set
}

func validateOccupancyChange(change OccupancyChange) error {
	if (len(change.Add) == 0) == (len(change.Remove) == 0) {
		return fmt.Errorf("occupancy change must either add or remove seats")
	}
	return nil
}
