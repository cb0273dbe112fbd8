package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestBookingStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to BookingStatus
		expected bool
	}{
		{BookingConfirmed, BookingCancelled, true},
		{BookingCancelled, BookingConfirmed, false},
		{BookingCancelled, BookingCancelled, false},
		{BookingPending, BookingConfirmed, false},
		{BookingConfirmed, BookingPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestPaymentStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		expected bool
	}{
		{PaymentPending, PaymentPaid, true},
		{PaymentPending, PaymentFailed, true},
		{PaymentPaid, PaymentRefunded, true},
		{PaymentRefunded, PaymentPaid, false},
		{PaymentFailed, PaymentPaid, false},
		{PaymentPending, PaymentRefunded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatus_UnmarshalRejectsUnknown(t *testing.T) {
	var b struct {
		Status  BookingStatus `json:"booking_status"`
		Payment PaymentStatus `json:"payment_status"`
	}

	err := json.Unmarshal([]byte(`{"booking_status":"Confirmed","payment_status":"Paid"}`), &b)
	assert.NoError(t, err)
	assert.Equal(t, BookingConfirmed, b.Status)
	assert.Equal(t, PaymentPaid, b.Payment)

	err = json.Unmarshal([]byte(`{"booking_status":"Expired"}`), &b)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"payment_status":"Lost"}`), &b)
	assert.Error(t, err)
}

func TestStatus_BSONDecodeRejectsUnknown(t *testing.T) {
	raw, err := bson.Marshal(bson.M{"booking_status": "Confirmed", "payment_status": "Refunded"})
	require.NoError(t, err)
	var b Booking
	require.NoError(t, bson.Unmarshal(raw, &b))
	assert.Equal(t, BookingConfirmed, b.Status)
	assert.Equal(t, PaymentRefunded, b.PaymentStatus)

	raw, err = bson.Marshal(bson.M{"booking_status": "Expired"})
	require.NoError(t, err)
	assert.Error(t, bson.Unmarshal(raw, &Booking{}))

	raw, err = bson.Marshal(bson.M{"payment_status": "Lost"})
	require.NoError(t, err)
	assert.Error(t, bson.Unmarshal(raw, &Booking{}))

	raw, err = bson.Marshal(bson.M{"booking_status": 3})
	require.NoError(t, err)
	assert.Error(t, bson.Unmarshal(raw, &Booking{}))
}

func TestUserRef(t *testing.T) {
	_, ok := GuestRef().Get()
	assert.False(t, ok)

	_, ok = UserRef{}.Get()
	assert.False(t, ok)

	id := primitive.NewObjectID()
	got, ok := UserRefFor(id).Get()
	assert.True(t, ok)
	assert.Equal(t, id, got)

	b := &Booking{User: UserRefFor(id)}
	assert.True(t, b.OwnedBy(id.Hex()))
	assert.False(t, b.OwnedBy(primitive.NewObjectID().Hex()))

	guest := &Booking{User: GuestRef()}
	assert.False(t, guest.OwnedBy(id.Hex()))
}

func TestIsValidGender(t *testing.T) {
	assert.True(t, IsValidGender(GenderMale))
	assert.True(t, IsValidGender(GenderFemale))
	assert.True(t, IsValidGender(GenderOther))
	assert.False(t, IsValidGender("male"))
	assert.False(t, IsValidGender(""))
}
