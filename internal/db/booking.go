package db

import (
	"context"
	"fmt"

	"github.com/ukydev/bus-booking/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBookingCollection implements BookingCollection for MongoDB.
type MongoBookingCollection struct {
	Collection *mongo.Collection
}

// InsertBooking stores a booking. The caller assigns the ID.
func (c *MongoBookingCollection) InsertBooking(ctx context.Context, booking *models.Booking) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	if booking.ID.IsZero() {
		return fmt.Errorf("booking id must be assigned before insert")
	}
	_, err := c.Collection.InsertOne(ctx, booking)
	return mapErr(err)
}

// FindBookingByID finds a booking by its ID.
func (c *MongoBookingCollection) FindBookingByID(ctx context.Context, id string) (*models.Booking, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	var booking models.Booking
	if err := c.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&booking); err != nil {
		return nil, mapErr(err)
	}
	return &booking, nil
}

// FindBookingsByUser lists the bookings owned by a user, newest first.
func (c *MongoBookingCollection) FindBookingsByUser(ctx context.Context, userID string) ([]models.Booking, error) {
	oid, err := objectID(userID)
	if err != nil {
		return []models.Booking{}, nil
	}
	return c.find(ctx, bson.M{"user.user_id": oid})
}

// FindAllBookings lists every booking, newest first.
func (c *MongoBookingCollection) FindAllBookings(ctx context.Context) ([]models.Booking, error) {
	return c.find(ctx, bson.M{})
}

func (c *MongoBookingCollection) find(ctx context.Context, filter bson.M) ([]models.Booking, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := c.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	bookings := []models.Booking{}
	if err := cursor.All(ctx, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// UpdateBookingStatus applies change only if the booking is still in change.From.
func (c *MongoBookingCollection) UpdateBookingStatus(ctx context.Context, id string, change StatusChange) (*models.Booking, error) {
	if err := validateStatusChange(change); err != nil {
		return nil, err
	}
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}

	set := bson.M{
		"booking_status": change.To,
		"payment_status": change.Payment,
		"updated_at":     change.At,
	}
	if change.To == models.BookingCancelled {
		set["cancelled_at"] = change.At
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var booking models.Booking
	err = c.Collection.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "booking_status": change.From},
		bson.M{"$set": set},
		opts,
	).Decode(&booking)
	if err == mongo.ErrNoDocuments {
		if _, findErr := c.FindBookingByID(ctx, id); findErr != nil {
			return nil, findErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// CountActiveBookingsForTrip counts confirmed bookings referencing a trip.
func (c *MongoBookingCollection) CountActiveBookingsForTrip(ctx context.Context, tripID string) (int64, error) {
	oid, err := objectID(tripID)
	if err != nil {
		return 0, err
	}
	return c.Collection.CountDocuments(ctx, bson.M{"trip_id": oid, "booking_status": models.BookingConfirmed})
}
