package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/bus-booking/internal/db"
	"github.com/ukydev/bus-booking/internal/events"
	"github.com/ukydev/bus-booking/internal/lock"
	"github.com/ukydev/bus-booking/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var errStorage = errors.New("connection reset")

// conflictingTrips reports a version conflict for the next n seat additions.
type conflictingTrips struct {
	db.TripCollection
	mu sync.Mutex
	n  int
}

func (c *conflictingTrips) AdjustOccupancy(ctx context.Context, change db.OccupancyChange) (*models.Trip, error) {
	c.mu.Lock()
	if len(change.Add) > 0 && c.n > 0 {
		c.n--
		c.mu.Unlock()
		return nil, db.ErrVersionConflict
	}
	c.mu.Unlock()
	return c.TripCollection.AdjustOccupancy(ctx, change)
}

// failingBookings fails inserts or status updates on demand.
type failingBookings struct {
	db.BookingCollection
	failInsert bool
	failUpdate bool
}

func (f *failingBookings) InsertBooking(ctx context.Context, b *models.Booking) error {
	if f.failInsert {
		return errStorage
	}
	return f.BookingCollection.InsertBooking(ctx, b)
}

func (f *failingBookings) UpdateBookingStatus(ctx context.Context, id string, change db.StatusChange) (*models.Booking, error) {
	if f.failUpdate {
		return nil, errStorage
	}
	return f.BookingCollection.UpdateBookingStatus(ctx, id, change)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, ev events.BookingEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

type fixture struct {
	store  *db.MemoryStore
	engine *Engine
	trip   *models.Trip
}

func newFixture(t *testing.T, totalSeats int) *fixture {
	t.Helper()
	store := db.NewMemoryStore()
	trip := insertTrip(t, store, totalSeats, 650)
	engine := NewEngine(store, store, lock.NewLocalLocker(5*time.Second), nil, nil, Options{MaxRetries: 5})
	return &fixture{store: store, engine: engine, trip: trip}
}

func insertTrip(t *testing.T, store *db.MemoryStore, totalSeats int, price float64) *models.Trip {
	t.Helper()
	trip := &models.Trip{
		BusNumber:  "KA01AB" + primitive.NewObjectID().Hex()[18:],
		BusName:    "Volvo AC Sleeper",
		BusType:    models.BusTypeAC,
		From:       "Bangalore",
		To:         "Mysore",
		Date:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Price:      price,
		TotalSeats: totalSeats,
		IsActive:   true,
	}
	require.NoError(t, store.InsertTrip(context.Background(), trip))
	return trip
}

func (f *fixture) reload(t *testing.T) *models.Trip {
	t.Helper()
	trip, err := f.store.FindTripByID(context.Background(), f.trip.ID.Hex())
	require.NoError(t, err)
	require.NoError(t, trip.CheckOccupancy())
	return trip
}

func request(tripID string, seats ...int) ReserveRequest {
	passengers := make([]models.Passenger, len(seats))
	for i := range seats {
		passengers[i] = models.Passenger{Name: "Passenger", Age: 30, Gender: models.GenderFemale, Phone: "9876543210"}
	}
	return ReserveRequest{
		TripID:      tripID,
		Seats:       seats,
		Passengers:  passengers,
		PickupPoint: "Majestic",
		DropPoint:   "Mysore Palace",
		Payer:       models.GuestRef(),
	}
}

func TestReserve_Success(t *testing.T) {
	f := newFixture(t, 40)
	userID := primitive.NewObjectID()
	req := request(f.trip.ID.Hex(), 7, 8, 9)
	req.Payer = models.UserRefFor(userID)

	booking, err := f.engine.Reserve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1950.0, booking.TotalPrice)
	assert.Equal(t, 3, booking.TotalSeats)
	assert.Equal(t, []int{7, 8, 9}, booking.SeatNumbers)
	assert.Equal(t, models.BookingConfirmed, booking.Status)
	assert.Equal(t, models.PaymentPaid, booking.PaymentStatus)
	assert.Equal(t, "Card", booking.Payment.Method)
	assert.NotEmpty(t, booking.Payment.TransactionID)
	assert.Equal(t, f.trip.Date, booking.TravelDate)
	assert.True(t, booking.OwnedBy(userID.Hex()))
	for i, p := range booking.Passengers {
		assert.Equal(t, booking.SeatNumbers[i], p.SeatNumber)
	}

	trip := f.reload(t)
	assert.Equal(t, 37, trip.AvailableSeats)
	assert.Equal(t, []int{7, 8, 9}, trip.SeatsHeldBy(booking.ID))

	stored, err := f.store.FindBookingByID(context.Background(), booking.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, booking.ID, stored.ID)
}

func TestReserve_TravelDateAndPaymentMethod(t *testing.T) {
	f := newFixture(t, 40)
	req := request(f.trip.ID.Hex(), 1)
	travel := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	req.TravelDate = &travel
	req.PaymentMethod = "UPI"

	booking, err := f.engine.Reserve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, travel, booking.TravelDate)
	assert.Equal(t, "UPI", booking.Payment.Method)
	_, ok := booking.User.Get()
	assert.False(t, ok)
}

func TestReserve_InvalidRequest(t *testing.T) {
	f := newFixture(t, 40)
	id := f.trip.ID.Hex()

	mismatch := request(id, 1, 2)
	mismatch.Passengers = mismatch.Passengers[:1]
	badAge := request(id, 1)
	badAge.Passengers[0].Age = 0
	badGender := request(id, 1)
	badGender.Passengers[0].Gender = "Unknown"
	noName := request(id, 1)
	noName.Passengers[0].Name = " "
	noPickup := request(id, 1)
	noPickup.PickupPoint = ""

	tests := []struct {
		name  string
		req   ReserveRequest
		field string
	}{
		{"empty seats", request(id), "seat_numbers"},
		{"duplicate seats", request(id, 4, 4), "seat_numbers"},
		{"seat zero", request(id, 0), "seat_numbers"},
		{"passenger count", mismatch, "passengers"},
		{"passenger age", badAge, "passengers[0]"},
		{"passenger gender", badGender, "passengers[0]"},
		{"passenger name", noName, "passengers[0]"},
		{"pickup point", noPickup, "pickup_point"},
		{"seat beyond total", request(id, 41), "seat_numbers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Reserve(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			var ire *InvalidRequestError
			require.ErrorAs(t, err, &ire)
			assert.Equal(t, tt.field, ire.Field)
		})
	}

	assert.Equal(t, 40, f.reload(t).AvailableSeats)
}

func TestReserve_MoreSeatsThanTripIsInvalidBeforeCapacity(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.engine.Reserve(context.Background(), request(f.trip.ID.Hex(), 1, 2, 3))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.NotErrorIs(t, err, ErrInsufficientCapacity)
}

func TestReserve_NotFound(t *testing.T) {
	f := newFixture(t, 40)

	_, err := f.engine.Reserve(context.Background(), request(primitive.NewObjectID().Hex(), 1))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.Reserve(context.Background(), request("not-a-trip", 1))
	assert.ErrorIs(t, err, ErrNotFound)

	inactive := false
	_, err = f.store.UpdateTrip(context.Background(), f.trip.ID.Hex(), models.TripUpdate{IsActive: &inactive})
	require.NoError(t, err)
	_, err = f.engine.Reserve(context.Background(), request(f.trip.ID.Hex(), 1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserve_CapacityBoundary(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	id := f.trip.ID.Hex()

	_, err := f.engine.Reserve(ctx, request(id, 1, 2, 3))
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, request(id, 3, 4))
	assert.ErrorIs(t, err, ErrInsufficientCapacity)

	booking, err := f.engine.Reserve(ctx, request(id, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{4}, booking.SeatNumbers)
	assert.Zero(t, f.reload(t).AvailableSeats)
}

func TestReserve_SeatConflictListsAllSeatsAscending(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	id := f.trip.ID.Hex()

	_, err := f.engine.Reserve(ctx, request(id, 5, 3))
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, request(id, 5, 4, 3))
	require.ErrorIs(t, err, ErrSeatConflict)
	var conflict *SeatConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{3, 5}, conflict.Seats)
	assert.Equal(t, "seats 3, 5 are already booked", err.Error())

	assert.Equal(t, 8, f.reload(t).AvailableSeats)
}

func TestReserve_ConcurrentSameSeatExactlyOneWins(t *testing.T) {
	f := newFixture(t, 40)
	id := f.trip.ID.Hex()

	const callers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Reserve(context.Background(), request(id, 12, 13))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrSeatConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
	trip := f.reload(t)
	assert.Equal(t, 38, trip.AvailableSeats)
	assert.Equal(t, []int{12, 13}, trip.OccupiedSeatNumbers())
}

func TestReserve_ConcurrentNoDoubleBooking(t *testing.T) {
	f := newFixture(t, 20)
	id := f.trip.ID.Hex()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		booked = make(map[int]int)
	)
	// Each seat is requested by three callers in overlapping pairs.
	for round := 0; round < 3; round++ {
		for seat := 1; seat <= 20; seat++ {
			seats := []int{seat, seat%20 + 1}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b, err := f.engine.Reserve(context.Background(), request(id, seats...))
				if err != nil {
					return
				}
				mu.Lock()
				for _, n := range b.SeatNumbers {
					booked[n]++
				}
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	for seat, n := range booked {
		assert.Equal(t, 1, n, "seat %d booked %d times", seat, n)
	}
	trip := f.reload(t)
	assert.Equal(t, 20-len(booked), trip.AvailableSeats)
	assert.Len(t, trip.OccupiedSeatNumbers(), len(booked))
}

func TestRelease_RestoresCapacityExactly(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()
	id := f.trip.ID.Hex()

	other, err := f.engine.Reserve(ctx, request(id, 1))
	require.NoError(t, err)
	booking, err := f.engine.Reserve(ctx, request(id, 5, 6, 7))
	require.NoError(t, err)
	assert.Equal(t, 36, f.reload(t).AvailableSeats)

	cancelled, err := f.engine.Release(ctx, booking.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, cancelled.Status)
	assert.Equal(t, models.PaymentRefunded, cancelled.PaymentStatus)
	assert.NotNil(t, cancelled.CancelledAt)

	trip := f.reload(t)
	assert.Equal(t, 39, trip.AvailableSeats)
	assert.Empty(t, trip.SeatsHeldBy(booking.ID))
	assert.Equal(t, []int{1}, trip.SeatsHeldBy(other.ID))
}

func TestRelease_Idempotent(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	booking, err := f.engine.Reserve(ctx, request(f.trip.ID.Hex(), 5, 6))
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, booking.ID.Hex())
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, booking.ID.Hex())
	assert.ErrorIs(t, err, ErrAlreadyCancelled)

	assert.Equal(t, 40, f.reload(t).AvailableSeats)
}

func TestRelease_ConcurrentCancelsRestoreOnce(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	booking, err := f.engine.Reserve(ctx, request(f.trip.ID.Hex(), 5, 6))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Release(ctx, booking.ID.Hex())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyCancelled):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 9, already)
	assert.Equal(t, 40, f.reload(t).AvailableSeats)
}

func TestRelease_NotFound(t *testing.T) {
	f := newFixture(t, 40)
	_, err := f.engine.Release(context.Background(), primitive.NewObjectID().Hex())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Release(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelease_TripDeleted(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	booking, err := f.engine.Reserve(ctx, request(f.trip.ID.Hex(), 2))
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteTrip(ctx, f.trip.ID.Hex()))

	cancelled, err := f.engine.Release(ctx, booking.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, cancelled.Status)
}

func TestReserveReleaseReserve(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()
	id := f.trip.ID.Hex()

	first, err := f.engine.Reserve(ctx, request(id, 5, 6))
	require.NoError(t, err)
	_, err = f.engine.Reserve(ctx, request(id, 5, 6))
	require.ErrorIs(t, err, ErrSeatConflict)

	_, err = f.engine.Release(ctx, first.ID.Hex())
	require.NoError(t, err)

	second, err := f.engine.Reserve(ctx, request(id, 5, 6))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []int{5, 6}, f.reload(t).SeatsHeldBy(second.ID))
}

func TestReserve_RetriesVersionConflicts(t *testing.T) {
	store := db.NewMemoryStore()
	trip := insertTrip(t, store, 10, 100)
	trips := &conflictingTrips{TripCollection: store, n: 3}
	engine := NewEngine(trips, store, lock.NewLocalLocker(time.Second), nil, nil, Options{MaxRetries: 3, Backoff: time.Millisecond})

	booking, err := engine.Reserve(context.Background(), request(trip.ID.Hex(), 1))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, booking.SeatNumbers)
}

func TestReserve_BusyAfterRetryCap(t *testing.T) {
	store := db.NewMemoryStore()
	trip := insertTrip(t, store, 10, 100)
	trips := &conflictingTrips{TripCollection: store, n: 100}
	engine := NewEngine(trips, store, lock.NewLocalLocker(time.Second), nil, nil, Options{MaxRetries: 2})

	_, err := engine.Reserve(context.Background(), request(trip.ID.Hex(), 1))
	assert.ErrorIs(t, err, ErrBusy)

	loaded, err := store.FindTripByID(context.Background(), trip.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.AvailableSeats)
	all, err := store.FindAllBookings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReserve_BusyWhenLockHeld(t *testing.T) {
	store := db.NewMemoryStore()
	trip := insertTrip(t, store, 10, 100)
	locker := lock.NewLocalLocker(20 * time.Millisecond)
	engine := NewEngine(store, store, locker, nil, nil, Options{})

	unlock, err := locker.Acquire(context.Background(), LockKey(trip.ID.Hex()))
	require.NoError(t, err)
	defer unlock()

	_, err = engine.Reserve(context.Background(), request(trip.ID.Hex(), 1))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestReserve_InsertFailureReleasesSeats(t *testing.T) {
	store := db.NewMemoryStore()
	trip := insertTrip(t, store, 10, 100)
	bookings := &failingBookings{BookingCollection: store, failInsert: true}
	engine := NewEngine(store, bookings, lock.NewLocalLocker(time.Second), nil, nil, Options{MaxRetries: 2})

	_, err := engine.Reserve(context.Background(), request(trip.ID.Hex(), 3, 4))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, errStorage)

	loaded, err := store.FindTripByID(context.Background(), trip.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.AvailableSeats)
	assert.Empty(t, loaded.BookedSeats)
	assert.NoError(t, loaded.CheckOccupancy())
}

func TestRelease_StatusFailureRestoresSeats(t *testing.T) {
	store := db.NewMemoryStore()
	trip := insertTrip(t, store, 10, 100)
	bookings := &failingBookings{BookingCollection: store}
	engine := NewEngine(store, bookings, lock.NewLocalLocker(time.Second), nil, nil, Options{MaxRetries: 2})
	ctx := context.Background()

	booking, err := engine.Reserve(ctx, request(trip.ID.Hex(), 3, 4))
	require.NoError(t, err)

	bookings.failUpdate = true
	_, err = engine.Release(ctx, booking.ID.Hex())
	require.ErrorIs(t, err, ErrUnavailable)

	loaded, err := store.FindTripByID(ctx, trip.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.AvailableSeats)
	assert.Equal(t, []int{3, 4}, loaded.SeatsHeldBy(booking.ID))

	stored, err := store.FindBookingByID(ctx, booking.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, stored.Status)

	bookings.failUpdate = false
	_, err = engine.Release(ctx, booking.ID.Hex())
	require.NoError(t, err)
	loaded, err = store.FindTripByID(ctx, trip.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.AvailableSeats)
}

func TestRelease_StatusFailureRestoresSeatsOnInactiveTrip(t *testing.T) {
	store := db.NewMemoryStore()
	trip := insertTrip(t, store, 10, 100)
	bookings := &failingBookings{BookingCollection: store}
	engine := NewEngine(store, bookings, lock.NewLocalLocker(time.Second), nil, nil, Options{MaxRetries: 2})
	ctx := context.Background()

	booking, err := engine.Reserve(ctx, request(trip.ID.Hex(), 3))
	require.NoError(t, err)

	inactive, active := false, true
	_, err = store.UpdateTrip(ctx, trip.ID.Hex(), models.TripUpdate{IsActive: &inactive})
	require.NoError(t, err)

	bookings.failUpdate = true
	_, err = engine.Release(ctx, booking.ID.Hex())
	require.ErrorIs(t, err, ErrUnavailable)
	bookings.failUpdate = false

	loaded, err := store.FindTripByID(ctx, trip.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, []int{3}, loaded.SeatsHeldBy(booking.ID))
	assert.Equal(t, 9, loaded.AvailableSeats)
	assert.NoError(t, loaded.CheckOccupancy())

	_, err = store.UpdateTrip(ctx, trip.ID.Hex(), models.TripUpdate{IsActive: &active})
	require.NoError(t, err)

	_, err = engine.Reserve(ctx, request(trip.ID.Hex(), 3))
	var conflict *SeatConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{3}, conflict.Seats)
}

func TestEngine_PublishesEvents(t *testing.T) {
	store := db.NewMemoryStore()
	trip := insertTrip(t, store, 10, 100)
	pub := &mockPublisher{}
	engine := NewEngine(store, store, lock.NewLocalLocker(time.Second), pub, nil, Options{})
	ctx := context.Background()

	pub.On("Publish", mock.Anything, mock.MatchedBy(func(ev events.BookingEvent) bool {
		return ev.Type == events.BookingConfirmed
	})).Return(errors.New("broker down")).Once()
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(ev events.BookingEvent) bool {
		return ev.Type == events.BookingCancelled && ev.Status == models.BookingCancelled
	})).Return(nil).Once()

	booking, err := engine.Reserve(ctx, request(trip.ID.Hex(), 1))
	require.NoError(t, err, "publish failures must not fail the reservation")
	_, err = engine.Release(ctx, booking.ID.Hex())
	require.NoError(t, err)

	pub.AssertExpectations(t)
}

func TestErrors(t *testing.T) {
	err := unavailable("load trip", errStorage)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, errStorage)
	assert.NotErrorIs(t, err, ErrNotFound)

	var conflict error = &SeatConflictError{Seats: []int{2}}
	assert.ErrorIs(t, conflict, ErrSeatConflict)
	assert.Equal(t, "seats 2 are already booked", conflict.Error())

	assert.Equal(t, "seat_numbers: bad", (&InvalidRequestError{Field: "seat_numbers", Msg: "bad"}).Error())
}
