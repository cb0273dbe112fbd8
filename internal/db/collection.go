package db

import (
	"context"
	"errors"
	"time"

	"github.com/ukydev/bus-booking/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("trip version conflict")
	ErrStatusConflict    = errors.New("booking status changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTripOccupied      = errors.New("trip has booked seats")
	ErrDuplicate         = errors.New("duplicate key")
)

// OccupancyChange is a versioned mutation of a trip's seat occupancy.
// Exactly one of Add or Remove is set. The change applies only if the stored
// trip still carries ExpectedVersion; otherwise ErrVersionConflict is returned.
// Restore marks an Add that returns seats to a booking that still owns them,
// so it applies to inactive trips too.
type OccupancyChange struct {
	TripID          string
	ExpectedVersion int64
	Add             []models.BookedSeat
	Remove          []int
	Restore         bool
}

// StatusChange is a conditional booking status transition.
type StatusChange struct {
	From    models.BookingStatus
	To      models.BookingStatus
	Payment models.PaymentStatus
	At      time.Time
}

// TripCollection defines the trip catalog operations.
type TripCollection interface {
	InsertTrip(ctx context.Context, trip *models.Trip) error
	FindTripByID(ctx context.Context, id string) (*models.Trip, error)
	FindTrips(ctx context.Context, activeOnly bool) ([]models.Trip, error)
	FindTripsByRouteAndDate(ctx context.Context, from, to string, day time.Time) ([]models.Trip, error)
	UpdateTrip(ctx context.Context, id string, update models.TripUpdate) (*models.Trip, error)
	DeleteTrip(ctx context.Context, id string) error
	AdjustOccupancy(ctx context.Context, change OccupancyChange) (*models.Trip, error)
}

// BookingCollection defines the booking ledger operations.
type BookingCollection interface {
	InsertBooking(ctx context.Context, booking *models.Booking) error
	FindBookingByID(ctx context.Context, id string) (*models.Booking, error)
	FindBookingsByUser(ctx context.Context, userID string) ([]models.Booking, error)
	FindAllBookings(ctx context.Context) ([]models.Booking, error)
	UpdateBookingStatus(ctx context.Context, id string, change StatusChange) (*models.Booking, error)
	CountActiveBookingsForTrip(ctx context.Context, tripID string) (int64, error)
}

// Transactor runs fn inside a storage transaction when the backend supports one.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// NoTransaction runs fn directly.
type NoTransaction struct{}

// WithinTransaction calls fn with ctx unchanged.
func (NoTransaction) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func validateStatusChange(change StatusChange) error {
	if !change.From.CanTransitionTo(change.To) {
		return ErrInvalidTransition
	}
	return nil
}
