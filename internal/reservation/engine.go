// Package reservation holds the only code allowed to change a trip's seat occupancy.
//
// Every Reserve and Release runs under a per-trip lock and commits through a
// versioned compare-and-update on the trip, so a seat check and the write that
// depends on it can never interleave with another reservation on the same trip.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/bus-booking/internal/db"
	"github.com/ukydev/bus-booking/internal/events"
	"github.com/ukydev/bus-booking/internal/lock"
	"github.com/ukydev/bus-booking/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const defaultPaymentMethod = "Card"

// Options tunes contention handling.
type Options struct {
	// MaxRetries bounds how often a version conflict is retried before ErrBusy.
	MaxRetries int
	// Backoff is slept between retries, multiplied by the attempt number.
	Backoff time.Duration
	Now     func() time.Time
}

// ReserveRequest asks for a set of seats on one trip for a passenger group.
// Passengers[i] travels in Seats[i].
type ReserveRequest struct {
	TripID        string
	Seats         []int
	Passengers    []models.Passenger
	PickupPoint   string
	DropPoint     string
	TravelDate    *time.Time // defaults to the trip date
	Payer         models.UserRef
	PaymentMethod string
}

// Engine reserves and releases seats.
type Engine struct {
	trips     db.TripCollection
	bookings  db.BookingCollection
	locker    lock.Locker
	publisher events.Publisher
	tx        db.Transactor
	opts      Options
}

// NewEngine wires an engine. A nil publisher drops events and a nil
// transactor runs writes without a storage transaction.
func NewEngine(trips db.TripCollection, bookings db.BookingCollection, locker lock.Locker, publisher events.Publisher, tx db.Transactor, opts Options) *Engine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if tx == nil {
		tx = db.NoTransaction{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		trips:     trips,
		bookings:  bookings,
		locker:    locker,
		publisher: publisher,
		tx:        tx,
		opts:      opts,
	}
}

// insertFailure marks a booking insert that failed after seats were taken.
type insertFailure struct{ err error }

func (e *insertFailure) Error() string { return "insert booking: " + e.err.Error() }
func (e *insertFailure) Unwrap() error { return e.err }

// Reserve books req.Seats on the trip and returns the confirmed booking.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*models.Booking, error) {
	if err := validateReserve(req); err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"trip_id": req.TripID, "seats": req.Seats})

	unlock, err := e.acquire(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The id is fixed up front so every seat written to the trip names its booking.
	bookingID := primitive.NewObjectID()
	logger = logger.WithField("booking_id", bookingID.Hex())

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, unavailable("reserve", err)
			}
		}

		trip, err := e.loadTrip(ctx, req.TripID)
		if err != nil {
			return nil, err
		}
		if err := checkSeats(trip, req.Seats); err != nil {
			return nil, err
		}

		booking := e.newBooking(bookingID, trip, req)
		change := db.OccupancyChange{
			TripID:          req.TripID,
			ExpectedVersion: trip.Version,
			Add:             bookedSeats(booking),
		}
		err = e.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
			if _, err := e.trips.AdjustOccupancy(txCtx, change); err != nil {
				return err
			}
			if err := e.bookings.InsertBooking(txCtx, booking); err != nil {
				return &insertFailure{err: err}
			}
			return nil
		})

		switch {
		case err == nil:
			logger.WithField("total_price", booking.TotalPrice).Info("Seats reserved")
			e.publish(ctx, events.BookingConfirmed, booking)
			return booking, nil
		case errors.Is(err, db.ErrVersionConflict):
			logger.WithField("attempt", attempt+1).Debug("Trip changed during reserve, retrying")
			continue
		case errors.Is(err, db.ErrNotFound):
			return nil, ErrNotFound
		default:
			logger.WithError(err).Error("Reserve failed, releasing any seats taken")
			if _, cerr := e.freeSeats(context.WithoutCancel(ctx), req.TripID, bookingID); cerr != nil {
				logger.WithError(cerr).Error("Failed to release seats after reserve failure")
			}
			return nil, unavailable("reserve", err)
		}
	}

	logger.Warn("Reserve gave up after repeated version conflicts")
	return nil, ErrBusy
}

// Release cancels a confirmed booking and returns its seats to the trip.
func (e *Engine) Release(ctx context.Context, bookingID string) (*models.Booking, error) {
	booking, err := e.bookings.FindBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("load booking", err)
	}
	if booking.Status == models.BookingCancelled {
		return nil, ErrAlreadyCancelled
	}

	tripID := booking.TripID.Hex()
	logger := log.WithFields(log.Fields{"trip_id": tripID, "booking_id": bookingID})

	unlock, err := e.acquire(ctx, tripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		freed     int
		cancelled *models.Booking
	)
	err = e.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		n, err := e.freeSeats(txCtx, tripID, booking.ID)
		if err != nil {
			return err
		}
		freed = n
		cancelled, err = e.bookings.UpdateBookingStatus(txCtx, bookingID, db.StatusChange{
			From:    models.BookingConfirmed,
			To:      models.BookingCancelled,
			Payment: models.PaymentRefunded,
			At:      e.opts.Now(),
		})
		return err
	})

	switch {
	case err == nil:
		logger.WithField("seats_freed", freed).Info("Booking cancelled")
		e.publish(ctx, events.BookingCancelled, cancelled)
		return cancelled, nil
	case errors.Is(err, db.ErrStatusConflict), errors.Is(err, db.ErrInvalidTransition):
		return nil, ErrAlreadyCancelled
	case errors.Is(err, ErrBusy):
		return nil, err
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrNotFound
	default:
		logger.WithError(err).Error("Cancel failed, restoring seats")
		if rerr := e.reoccupy(context.WithoutCancel(ctx), booking); rerr != nil {
			logger.WithError(rerr).Error("Failed to restore seats after cancel failure")
		}
		return nil, unavailable("release", err)
	}
}

// freeSeats removes every seat the trip attributes to bookingID and reports
// how many were removed. A missing trip frees nothing.
func (e *Engine) freeSeats(ctx context.Context, tripID string, bookingID primitive.ObjectID) (int, error) {
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		trip, err := e.trips.FindTripByID(ctx, tripID)
		if errors.Is(err, db.ErrNotFound) {
			log.WithFields(log.Fields{"trip_id": tripID, "booking_id": bookingID.Hex()}).Warn("Trip of booking no longer exists")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}

		held := trip.SeatsHeldBy(bookingID)
		if len(held) == 0 {
			return 0, nil
		}
		_, err = e.trips.AdjustOccupancy(ctx, db.OccupancyChange{
			TripID:          tripID,
			ExpectedVersion: trip.Version,
			Remove:          held,
		})
		if errors.Is(err, db.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return len(held), nil
	}
	return 0, ErrBusy
}

// reoccupy puts back any seat of b the trip no longer attributes to it,
// whether or not the trip is still active.
func (e *Engine) reoccupy(ctx context.Context, b *models.Booking) error {
	tripID := b.TripID.Hex()
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		trip, err := e.trips.FindTripByID(ctx, tripID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		held := make(map[int]struct{})
		for _, n := range trip.SeatsHeldBy(b.ID) {
			held[n] = struct{}{}
		}
		var missing []models.BookedSeat
		for _, s := range bookedSeats(b) {
			if _, ok := held[s.SeatNumber]; !ok {
				missing = append(missing, s)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		_, err = e.trips.AdjustOccupancy(ctx, db.OccupancyChange{
			TripID:          tripID,
			ExpectedVersion: trip.Version,
			Add:             missing,
			Restore:         true,
		})
		if errors.Is(err, db.ErrVersionConflict) {
			continue
		}
		return err
	}
	return ErrBusy
}

func (e *Engine) acquire(ctx context.Context, tripID string) (lock.Unlock, error) {
	unlock, err := e.locker.Acquire(ctx, LockKey(tripID))
	switch {
	case err == nil:
		return unlock, nil
	case errors.Is(err, lock.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		log.WithField("trip_id", tripID).Warn("Timed out waiting for trip lock")
		return nil, ErrBusy
	default:
		return nil, unavailable("lock trip", err)
	}
}

// LockKey is the lock key guarding a trip's occupancy. Catalog operations that
// must not interleave with a reservation take the same key.
func LockKey(tripID string) string {
	return "trip:" + tripID
}

func (e *Engine) loadTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := e.trips.FindTripByID(ctx, tripID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("load trip", err)
	}
	if !trip.IsActive {
		return nil, ErrNotFound
	}
	return trip, nil
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	if e.opts.Backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(attempt) * e.opts.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, b *models.Booking) {
	ev := events.NewBookingEvent(eventType, b, e.opts.Now())
	if err := e.publisher.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event":      eventType,
			"booking_id": ev.BookingID,
		}).Warn("Failed to publish booking event")
	}
}

func (e *Engine) newBooking(id primitive.ObjectID, trip *models.Trip, req ReserveRequest) *models.Booking {
	now := e.opts.Now()
	seats := append([]int{}, req.Seats...)
	passengers := make([]models.Passenger, len(req.Passengers))
	for i, p := range req.Passengers {
		p.SeatNumber = seats[i]
		passengers[i] = p
	}

	travel := trip.Date
	if req.TravelDate != nil {
		travel = *req.TravelDate
	}
	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		method = defaultPaymentMethod
	}
	total := trip.Price * float64(len(seats))

	return &models.Booking{
		ID:            id,
		User:          req.Payer,
		TripID:        trip.ID,
		Passengers:    passengers,
		TotalSeats:    len(seats),
		TotalPrice:    total,
		SeatNumbers:   seats,
		Status:        models.BookingConfirmed,
		PaymentStatus: models.PaymentPaid,
		Payment: models.Payment{
			Method:        method,
			TransactionID: "TXN-" + strings.ToUpper(uuid.NewString()),
			Amount:        total,
			PaidAt:        now,
		},
		PickupPoint: req.PickupPoint,
		DropPoint:   req.DropPoint,
		TravelDate:  travel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func bookedSeats(b *models.Booking) []models.BookedSeat {
	seats := make([]models.BookedSeat, len(b.Passengers))
	for i, p := range b.Passengers {
		name, phone := p.Name, p.Phone
		if phone == "" {
			phone = "N/A"
		}
		seats[i] = models.BookedSeat{
			SeatNumber:     p.SeatNumber,
			BookingID:      b.ID,
			PassengerName:  name,
			PassengerPhone: phone,
		}
	}
	return seats
}

func validateReserve(req ReserveRequest) error {
	if strings.TrimSpace(req.TripID) == "" {
		return invalid("trip_id", "is required")
	}
	if len(req.Seats) == 0 {
		return invalid("seat_numbers", "at least one seat is required")
	}
	seen := make(map[int]struct{}, len(req.Seats))
	for _, n := range req.Seats {
		if n < 1 {
			return invalid("seat_numbers", "seat %d is not a valid seat number", n)
		}
		if _, dup := seen[n]; dup {
			return invalid("seat_numbers", "seat %d requested more than once", n)
		}
		seen[n] = struct{}{}
	}
	if len(req.Passengers) != len(req.Seats) {
		return invalid("passengers", "got %d passengers for %d seats", len(req.Passengers), len(req.Seats))
	}
	for i, p := range req.Passengers {
		field := fmt.Sprintf("passengers[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			return invalid(field, "name is required")
		}
		if p.Age < 1 || p.Age > 120 {
			return invalid(field, "age %d out of range", p.Age)
		}
		if !models.IsValidGender(p.Gender) {
			return invalid(field, "unknown gender %q", p.Gender)
		}
	}
	if strings.TrimSpace(req.PickupPoint) == "" {
		return invalid("pickup_point", "is required")
	}
	if strings.TrimSpace(req.DropPoint) == "" {
		return invalid("drop_point", "is required")
	}
	return nil
}

// checkSeats applies the trip-dependent checks in order: size, range, capacity, conflicts.
func checkSeats(trip *models.Trip, seats []int) error {
	if len(seats) > trip.TotalSeats {
		return invalid("seat_numbers", "%d seats requested but the trip has %d", len(seats), trip.TotalSeats)
	}
	for _, n := range seats {
		if n > trip.TotalSeats {
			return invalid("seat_numbers", "seat %d outside 1-%d", n, trip.TotalSeats)
		}
	}
	if trip.AvailableSeats < len(seats) {
		return ErrInsufficientCapacity
	}
	if conflicts := trip.ConflictingSeats(seats); len(conflicts) > 0 {
		return &SeatConflictError{Seats: conflicts}
	}
	return nil
}
