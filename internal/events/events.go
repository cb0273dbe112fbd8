// Package events publishes booking lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/bus-booking/internal/models"
)

const (
	BookingConfirmed = "booking.confirmed"
	BookingCancelled = "booking.cancelled"
)

// BookingEvent is the payload published for a booking state change.
type BookingEvent struct {
	Type        string               `json:"type"`
	BookingID   string               `json:"booking_id"`
	TripID      string               `json:"trip_id"`
	UserID      string               `json:"user_id,omitempty"`
	SeatNumbers []int                `json:"seat_numbers"`
	TotalPrice  float64              `json:"total_price"`
	Status      models.BookingStatus `json:"booking_status"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// NewBookingEvent builds the event of the given type for b.
func NewBookingEvent(eventType string, b *models.Booking, at time.Time) BookingEvent {
	ev := BookingEvent{
		Type:        eventType,
		BookingID:   b.ID.Hex(),
		TripID:      b.TripID.Hex(),
		SeatNumbers: b.SeatNumbers,
		TotalPrice:  b.TotalPrice,
		Status:      b.Status,
		OccurredAt:  at,
	}
	if id, ok := b.User.Get(); ok {
		ev.UserID = id.Hex()
	}
	return ev
}

// Publisher delivers booking events.
type Publisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, BookingEvent) error { return nil }

// MQTTPublisher sends events as JSON to "<prefix>/bookings/<confirmed|cancelled>".
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

// NewMQTTPublisher wraps an already connected client.
func NewMQTTPublisher(client mqtt.Client, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix, qos: 1, timeout: 5 * time.Second}
}

// ConnectMQTT connects to broker and returns the client.
func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

// Topic returns the topic an event type is published on.
func (p *MQTTPublisher) Topic(eventType string) string {
	switch eventType {
	case BookingConfirmed:
		return p.prefix + "/bookings/confirmed"
	case BookingCancelled:
		return p.prefix + "/bookings/cancelled"
	default:
		return p.prefix + "/bookings/other"
	}
}

func (p *MQTTPublisher) Publish(ctx context.Context, event BookingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := p.client.Publish(p.Topic(event.Type), p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("mqtt publish %s timed out", event.Type)
	}
}
