package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ukydev/bus-booking/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps trips, bookings and users in process memory.
// It implements TripCollection, BookingCollection and UserCollection with the
// same conditional-write semantics as the Mongo collections.
type MemoryStore struct {
	mu       sync.RWMutex
	trips    map[primitive.ObjectID]models.Trip
	bookings map[primitive.ObjectID]models.Booking
	users    map[primitive.ObjectID]models.User
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:    make(map[primitive.ObjectID]models.Trip),
		bookings: make(map[primitive.ObjectID]models.Booking),
		users:    make(map[primitive.ObjectID]models.User),
		now:      time.Now,
	}
}

var (
	_ TripCollection    = (*MemoryStore)(nil)
	_ BookingCollection = (*MemoryStore)(nil)
	_ UserCollection    = (*MemoryStore)(nil)
)

// Trips

func (s *MemoryStore) InsertTrip(_ context.Context, trip *models.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepareNewTrip(trip, s.now())
	if _, exists := s.trips[trip.ID]; exists {
		return fmt.Errorf("%w: trip %s", ErrDuplicate, trip.ID.Hex())
	}
	for _, t := range s.trips {
		if t.BusNumber == trip.BusNumber {
			return fmt.Errorf("%w: bus number %s", ErrDuplicate, trip.BusNumber)
		}
	}
	s.trips[trip.ID] = copyTrip(*trip)
	return nil
}

func (s *MemoryStore) FindTripByID(_ context.Context, id string) (*models.Trip, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trips[oid]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyTrip(t)
	return &c, nil
}

func (s *MemoryStore) FindTrips(_ context.Context, activeOnly bool) ([]models.Trip, error) {
	return s.filterTrips(func(t models.Trip) bool {
		return !activeOnly || t.IsActive
	}), nil
}

func (s *MemoryStore) FindTripsByRouteAndDate(_ context.Context, from, to string, day time.Time) ([]models.Trip, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	end := day.AddDate(0, 0, 1)
	return s.filterTrips(func(t models.Trip) bool {
		return t.IsActive &&
			strings.Contains(strings.ToLower(t.From), from) &&
			strings.Contains(strings.ToLower(t.To), to) &&
			!t.Date.Before(day) && t.Date.Before(end)
	}), nil
}

func (s *MemoryStore) filterTrips(keep func(models.Trip) bool) []models.Trip {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trips := []models.Trip{}
	for _, t := range s.trips {
		if keep(t) {
			trips = append(trips, copyTrip(t))
		}
	}
	sort.Slice(trips, func(i, j int) bool {
		if !trips[i].Date.Equal(trips[j].Date) {
			return trips[i].Date.Before(trips[j].Date)
		}
		return trips[i].DepartureTime < trips[j].DepartureTime
	})
	return trips
}

func (s *MemoryStore) UpdateTrip(_ context.Context, id string, update models.TripUpdate) (*models.Trip, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[oid]
	if !ok {
		return nil, ErrNotFound
	}
	if update.TotalSeats != nil {
		if len(t.BookedSeats) > 0 {
			return nil, ErrTripOccupied
		}
		t.TotalSeats = *update.TotalSeats
		t.AvailableSeats = *update.TotalSeats
		t.Version++
	}
	applyTripUpdate(&t, update)
	t.UpdatedAt = s.now()
	s.trips[oid] = t

	c := copyTrip(t)
	return &c, nil
}

func (s *MemoryStore) DeleteTrip(_ context.Context, id string) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trips[oid]; !ok {
		return ErrNotFound
	}
	delete(s.trips, oid)
	return nil
}

func (s *MemoryStore) AdjustOccupancy(_ context.Context, change OccupancyChange) (*models.Trip, error) {
	oid, err := objectID(change.TripID)
	if err != nil {
		return nil, err
	}
	if err := validateOccupancyChange(change); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[oid]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Version != change.ExpectedVersion {
		return nil, ErrVersionConflict
	}

	t = copyTrip(t)
	if len(change.Add) > 0 {
		if (!t.IsActive && !change.Restore) || t.AvailableSeats < len(change.Add) || len(t.ConflictingSeats(seatNumbers(change.Add))) > 0 {
			return nil, ErrVersionConflict
		}
		t.BookedSeats = append(t.BookedSeats, change.Add...)
		t.AvailableSeats -= len(change.Add)
	} else {
		if len(t.ConflictingSeats(change.Remove)) != len(change.Remove) {
			return nil, ErrVersionConflict
		}
		remove := make(map[int]struct{}, len(change.Remove))
		for _, n := range change.Remove {
			remove[n] = struct{}{}
		}
		kept := make([]models.BookedSeat, 0, len(t.BookedSeats))
		for _, b := range t.BookedSeats {
			if _, drop := remove[b.SeatNumber]; !drop {
				kept = append(kept, b)
			}
		}
		t.BookedSeats = kept
		t.AvailableSeats += len(change.Remove)
	}
	t.Version++
	t.UpdatedAt = s.now()
	s.trips[oid] = t

	c := copyTrip(t)
	return &c, nil
}

// Bookings

func (s *MemoryStore) InsertBooking(_ context.Context, booking *models.Booking) error {
	if booking.ID.IsZero() {
		return fmt.Errorf("booking id must be assigned before insert")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bookings[booking.ID]; exists {
		return fmt.Errorf("%w: booking %s", ErrDuplicate, booking.ID.Hex())
	}
	s.bookings[booking.ID] = copyBooking(*booking)
	return nil
}

func (s *MemoryStore) FindBookingByID(_ context.Context, id string) (*models.Booking, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[oid]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyBooking(b)
	return &c, nil
}

func (s *MemoryStore) FindBookingsByUser(_ context.Context, userID string) ([]models.Booking, error) {
	return s.filterBookings(func(b models.Booking) bool { return b.OwnedBy(userID) }), nil
}

func (s *MemoryStore) FindAllBookings(_ context.Context) ([]models.Booking, error) {
	return s.filterBookings(func(models.Booking) bool { return true }), nil
}

func (s *MemoryStore) filterBookings(keep func(models.Booking) bool) []models.Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bookings := []models.Booking{}
	for _, b := range s.bookings {
		if keep(b) {
			bookings = append(bookings, copyBooking(b))
		}
	}
	sort.Slice(bookings, func(i, j int) bool {
		return bookings[i].CreatedAt.After(bookings[j].CreatedAt)
	})
	return bookings
}

func (s *MemoryStore) UpdateBookingStatus(_ context.Context, id string, change StatusChange) (*models.Booking, error) {
	if err := validateStatusChange(change); err != nil {
		return nil, err
	}
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[oid]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != change.From {
		return nil, ErrStatusConflict
	}
	b = copyBooking(b)
	b.Status = change.To
	b.PaymentStatus = change.Payment
	b.UpdatedAt = change.At
	if change.To == models.BookingCancelled {
		at := change.At
		b.CancelledAt = &at
	}
	s.bookings[oid] = b

	c := copyBooking(b)
	return &c, nil
}

func (s *MemoryStore) CountActiveBookingsForTrip(_ context.Context, tripID string) (int64, error) {
	oid, err := objectID(tripID)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, b := range s.bookings {
		if b.TripID == oid && b.Status == models.BookingConfirmed {
			n++
		}
	}
	return n, nil
}

// Users

func (s *MemoryStore) InsertUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Email = normalizeEmail(user.Email)
	for _, u := range s.users {
		if u.Email == user.Email {
			return fmt.Errorf("%w: email %s", ErrDuplicate, user.Email)
		}
	}
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	now := s.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.IsActive = true
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) FindUserByID(_ context.Context, id string) (*models.User, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[oid]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	email = normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			found := u
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateUser(_ context.Context, id string, user models.User) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[oid]; !ok {
		return ErrNotFound
	}
	user.ID = oid
	user.Email = normalizeEmail(user.Email)
	for otherID, u := range s.users {
		if otherID != oid && u.Email == user.Email {
			return fmt.Errorf("%w: email %s", ErrDuplicate, user.Email)
		}
	}
	user.UpdatedAt = s.now()
	s.users[oid] = user
	return nil
}

func (s *MemoryStore) UpdateLastLogin(_ context.Context, id string) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[oid]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	u.LastLogin = &now
	u.UpdatedAt = now
	s.users[oid] = u
	return nil
}

func applyTripUpdate(t *models.Trip, u models.TripUpdate) {
	if u.BusName != nil {
		t.BusName = *u.BusName
	}
	if u.BusType != nil {
		t.BusType = *u.BusType
	}
	if u.From != nil {
		t.From = *u.From
	}
	if u.To != nil {
		t.To = *u.To
	}
	if u.DepartureTime != nil {
		t.DepartureTime = *u.DepartureTime
	}
	if u.ArrivalTime != nil {
		t.ArrivalTime = *u.ArrivalTime
	}
	if u.Date != nil {
		t.Date = *u.Date
	}
	if u.Price != nil {
		t.Price = *u.Price
	}
	if u.Amenities != nil {
		t.Amenities = append([]string{}, u.Amenities...)
	}
	if u.IsActive != nil {
		t.IsActive = *u.IsActive
	}
}

func seatNumbers(seats []models.BookedSeat) []int {
	out := make([]int, len(seats))
	for i, s := range seats {
		out[i] = s.SeatNumber
	}
	return out
}

func copyTrip(t models.Trip) models.Trip {
	t.BookedSeats = append([]models.BookedSeat{}, t.BookedSeats...)
	t.Amenities = append([]string{}, t.Amenities...)
	return t
}

func copyBooking(b models.Booking) models.Booking {
	b.Passengers = append([]models.Passenger{}, b.Passengers...)
	b.SeatNumbers = append([]int{}, b.SeatNumbers...)
	if b.CancelledAt != nil {
		at := *b.CancelledAt
		b.CancelledAt = &at
	}
	return b
}
