package models

import (
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BusType is the coach class of a trip.
type BusType string

const (
	BusTypeAC          BusType = "AC"
	BusTypeNonAC       BusType = "Non-AC"
	BusTypeSleeper     BusType = "Sleeper"
	BusTypeSemiSleeper BusType = "Semi-Sleeper"
)

// IsValidBusType checks if a bus type is one of the known classes.
func IsValidBusType(t BusType) bool {
	switch t {
	case BusTypeAC, BusTypeNonAC, BusTypeSleeper, BusTypeSemiSleeper:
		return true
	default:
		return false
	}
}

// BookedSeat is one occupied seat on a trip, attributed to the booking holding it.
type BookedSeat struct {
	SeatNumber     int                `bson:"seat_number" json:"seat_number"`
	BookingID      primitive.ObjectID `bson:"booking_id" json:"booking_id"`
	PassengerName  string             `bson:"passenger_name" json:"passenger_name"`
	PassengerPhone string             `bson:"passenger_phone" json:"passenger_phone"`
}

// Trip represents one scheduled, dated bus departure.
type Trip struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	BusNumber      string             `bson:"bus_number" json:"bus_number"`
	BusName        string             `bson:"bus_name" json:"bus_name"`
	BusType        BusType            `bson:"bus_type" json:"bus_type"`
	From           string             `bson:"from" json:"from"`
	To             string             `bson:"to" json:"to"`
	DepartureTime  string             `bson:"departure_time" json:"departure_time"` // "HH:MM"
	ArrivalTime    string             `bson:"arrival_time" json:"arrival_time"`
	Date           time.Time          `bson:"date" json:"date"`
	Price          float64            `bson:"price" json:"price"` // per seat
	TotalSeats     int                `bson:"total_seats" json:"total_seats"`
	AvailableSeats int                `bson:"available_seats" json:"available_seats"`
	BookedSeats    []BookedSeat       `bson:"booked_seats" json:"booked_seats"`
	Amenities      []string           `bson:"amenities" json:"amenities"`
	IsActive       bool               `bson:"is_active" json:"is_active"`
	Version        int64              `bson:"version" json:"version"`
	CreatedAt      time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `bson:"updated_at" json:"updated_at"`
}

// OccupiedSeatNumbers returns the booked seat numbers in ascending order.
func (t *Trip) OccupiedSeatNumbers() []int {
	seats := make([]int, 0, len(t.BookedSeats))
	for _, s := range t.BookedSeats {
		seats = append(seats, s.SeatNumber)
	}
	sort.Ints(seats)
	return seats
}

// ConflictingSeats returns every requested seat that is already booked, ascending.
func (t *Trip) ConflictingSeats(requested []int) []int {
	occupied := make(map[int]struct{}, len(t.BookedSeats))
	for _, s := range t.BookedSeats {
		occupied[s.SeatNumber] = struct{}{}
	}
	var conflicts []int
	for _, n := range requested {
		if _, ok := occupied[n]; ok {
			conflicts = append(conflicts, n)
		}
	}
	sort.Ints(conflicts)
	return conflicts
}

// SeatsHeldBy returns the seat numbers on this trip attributed to the given booking.
func (t *Trip) SeatsHeldBy(bookingID primitive.ObjectID) []int {
	var seats []int
	for _, s := range t.BookedSeats {
		if s.BookingID == bookingID {
			seats = append(seats, s.SeatNumber)
		}
	}
	sort.Ints(seats)
	return seats
}

// CheckOccupancy verifies the seat accounting invariants of the trip.
func (t *Trip) CheckOccupancy() error {
	if t.AvailableSeats < 0 || t.AvailableSeats > t.TotalSeats {
		return fmt.Errorf("available seats %d outside [0, %d]", t.AvailableSeats, t.TotalSeats)
	}
	if t.AvailableSeats+len(t.BookedSeats) != t.TotalSeats {
		return fmt.Errorf("available %d + booked %d != total %d", t.AvailableSeats, len(t.BookedSeats), t.TotalSeats)
	}
	seen := make(map[int]struct{}, len(t.BookedSeats))
	for _, s := range t.BookedSeats {
		if s.SeatNumber < 1 || s.SeatNumber > t.TotalSeats {
			return fmt.Errorf("seat %d outside [1, %d]", s.SeatNumber, t.TotalSeats)
		}
		if _, dup := seen[s.SeatNumber]; dup {
			return fmt.Errorf("seat %d booked twice", s.SeatNumber)
		}
		seen[s.SeatNumber] = struct{}{}
	}
	return nil
}

// TripRequest is the admin payload for creating or editing a trip.
type TripRequest struct {
	BusNumber     string   `json:"bus_number"`
	BusName       string   `json:"bus_name"`
	BusType       BusType  `json:"bus_type"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	DepartureTime string   `json:"departure_time"`
	ArrivalTime   string   `json:"arrival_time"`
	Date          string   `json:"date"` // YYYY-MM-DD
	Price         *float64 `json:"price"`
	TotalSeats    *int     `json:"total_seats"`
	Amenities     []string `json:"amenities"`
	IsActive      *bool    `json:"is_active"`
}

// TripUpdate carries the catalog fields an admin may edit. Occupancy is not among them.
type TripUpdate struct {
	BusName       *string
	BusType       *BusType
	From          *string
	To            *string
	DepartureTime *string
	ArrivalTime   *string
	Date          *time.Time
	Price         *float64
	TotalSeats    *int // only while no seat is booked
	Amenities     []string
	IsActive      *bool
}

// SeatMap is the public seat availability view of a trip.
type SeatMap struct {
	TotalSeats     int   `json:"total_seats"`
	AvailableSeats int   `json:"available_seats"`
	BookedSeats    []int `json:"booked_seats"`
}
