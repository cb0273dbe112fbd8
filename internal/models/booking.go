package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "Pending"
	BookingConfirmed BookingStatus = "Confirmed"
	BookingCancelled BookingStatus = "Cancelled"
)

// Valid reports whether s is a known booking status.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a booking may move from s to next.
// Confirmed -> Cancelled is the only transition; Cancelled is terminal.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	return s == BookingConfirmed && next == BookingCancelled
}

// UnmarshalText rejects unknown statuses.
func (s *BookingStatus) UnmarshalText(text []byte) error {
	v := BookingStatus(text)
	if !v.Valid() {
		return fmt.Errorf("unknown booking status %q", string(text))
	}
	*s = v
	return nil
}

// UnmarshalBSONValue applies the same check to stored documents.
func (s *BookingStatus) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	text, err := bsonString(t, data)
	if err != nil || text == "" {
		return err
	}
	return s.UnmarshalText([]byte(text))
}

// PaymentStatus is the state of the (simulated) payment of a booking.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "Pending"
	PaymentPaid     PaymentStatus = "Paid"
	PaymentFailed   PaymentStatus = "Failed"
	PaymentRefunded PaymentStatus = "Refunded"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a payment may move from s to next.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentPaid || next == PaymentFailed
	case PaymentPaid:
		return next == PaymentRefunded
	default:
		return false
	}
}

// UnmarshalText rejects unknown statuses.
func (s *PaymentStatus) UnmarshalText(text []byte) error {
	v := PaymentStatus(text)
	if !v.Valid() {
		return fmt.Errorf("unknown payment status %q", string(text))
	}
	*s = v
	return nil
}

func (s *PaymentStatus) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	text, err := bsonString(t, data)
	if err != nil || text == "" {
		return err
	}
	return s.UnmarshalText([]byte(text))
}

// bsonString reads a BSON string; null decodes as empty.
func bsonString(t bsontype.Type, data []byte) (string, error) {
	if t == bsontype.Null {
		return "", nil
	}
	text, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return "", fmt.Errorf("status must be a string, got %s", t)
	}
	return text, nil
}

// Gender of a passenger.
type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

// IsValidGender checks if a gender is one of the accepted values.
func IsValidGender(g Gender) bool {
	switch g {
	case GenderMale, GenderFemale, GenderOther:
		return true
	default:
		return false
	}
}

// UserRef is an explicit optional reference to the user owning a booking.
// The zero value is a guest reference.
type UserRef struct {
	UserID primitive.ObjectID `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Guest  bool               `bson:"guest" json:"guest"`
}

// GuestRef returns a reference for an unauthenticated booking.
func GuestRef() UserRef {
	return UserRef{Guest: true}
}

// UserRefFor returns a reference to a registered user.
func UserRefFor(id primitive.ObjectID) UserRef {
	return UserRef{UserID: id}
}

// Get returns the referenced user id, if any.
func (r UserRef) Get() (primitive.ObjectID, bool) {
	if r.Guest || r.UserID.IsZero() {
		return primitive.NilObjectID, false
	}
	return r.UserID, true
}

// Passenger is one traveller in a booking.
type Passenger struct {
	Name       string `bson:"name" json:"name"`
	Age        int    `bson:"age" json:"age"`
	Gender     Gender `bson:"gender" json:"gender"`
	Phone      string `bson:"phone,omitempty" json:"phone,omitempty"`
	SeatNumber int    `bson:"seat_number" json:"seat_number"`
}

// Payment is the simulated payment record embedded in a booking.
type Payment struct {
	Method        string    `bson:"method" json:"method"`
	TransactionID string    `bson:"transaction_id" json:"transaction_id"`
	Amount        float64   `bson:"amount" json:"amount"`
	PaidAt        time.Time `bson:"paid_at" json:"paid_at"`
}

// Booking represents one passenger group's reservation on one trip.
type Booking struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	User          UserRef            `bson:"user" json:"user"`
	TripID        primitive.ObjectID `bson:"trip_id" json:"trip_id"`
	Passengers    []Passenger        `bson:"passengers" json:"passengers"`
	TotalSeats    int                `bson:"total_seats" json:"total_seats"`
	TotalPrice    float64            `bson:"total_price" json:"total_price"`
	SeatNumbers   []int              `bson:"seat_numbers" json:"seat_numbers"`
	Status        BookingStatus      `bson:"booking_status" json:"booking_status"`
	PaymentStatus PaymentStatus      `bson:"payment_status" json:"payment_status"`
	Payment       Payment            `bson:"payment" json:"payment"`
	PickupPoint   string             `bson:"pickup_point" json:"pickup_point"`
	DropPoint     string             `bson:"drop_point" json:"drop_point"`
	TravelDate    time.Time          `bson:"travel_date" json:"travel_date"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at" json:"updated_at"`
	CancelledAt   *time.Time         `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
}

// OwnedBy reports whether the booking belongs to the given user id (hex).
func (b *Booking) OwnedBy(userID string) bool {
	id, ok := b.User.Get()
	return ok && id.Hex() == userID
}

// BookingRequest is the wire payload for creating a booking.
type BookingRequest struct {
	TripID        string      `json:"trip_id"`
	SeatNumbers   []int       `json:"seat_numbers"`
	Passengers    []Passenger `json:"passengers"`
	PickupPoint   string      `json:"pickup_point"`
	DropPoint     string      `json:"drop_point"`
	TravelDate    string      `json:"travel_date"` // YYYY-MM-DD, optional
	PaymentMethod string      `json:"payment_method"`
}
